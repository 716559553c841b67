package feeds

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ledgerguard/ledgerguard/internal/gap"
)

// HTTPStatusLookup asks an external registration authority for the status
// of an invoice: GET <base>/<invoice id> returning
// {"reference": "...", "status": "validated"}. A 404 means the invoice is
// not registered at all.
type HTTPStatusLookup struct {
	base   string
	client *http.Client
}

// NewHTTPStatusLookup creates a lookup against baseURL. timeout caps each
// request; the caller's context may cap it further.
func NewHTTPStatusLookup(baseURL string, timeout time.Duration) *HTTPStatusLookup {
	return &HTTPStatusLookup{
		base:   strings.TrimRight(baseURL, "/"),
		client: &http.Client{Timeout: timeout},
	}
}

// Lookup implements gap.StatusLookup.
func (l *HTTPStatusLookup) Lookup(ctx context.Context, invoiceID string) (gap.Registration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.base+"/"+url.PathEscape(invoiceID), nil)
	if err != nil {
		return gap.Registration{}, fmt.Errorf("building status request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		return gap.Registration{}, fmt.Errorf("querying status of %s: %w", invoiceID, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return gap.Registration{}, nil
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return gap.Registration{}, fmt.Errorf("status of %s: HTTP %d: %s", invoiceID, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var reg gap.Registration
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&reg); err != nil {
		return gap.Registration{}, fmt.Errorf("decoding status of %s: %w", invoiceID, err)
	}
	return reg, nil
}
