// Package api serves the LedgerGuard REST API, the live ledger feed and
// Prometheus metrics.
//
//   - Web UI:     GET  /                      Minimal status page
//   - WebSocket:  GET  /api/ws                Appended ledger entries, live
//   - REST API:   GET  /api/ledger/entries    Entries for an entity
//                 POST /api/ledger/entries    Append an entry
//                 GET  /api/ledger/entities   Entities with a chain
//                 GET  /api/ledger/verify     Verify an entity's chain
//                 GET  /api/ledger/export     Export an entity's chain
//                 GET  /api/match             Three-way match one invoice
//                 GET  /api/benford           Benford digit test
//                 GET  /api/anomalies         Z-score outliers
//                 GET  /api/gaps              External registration gaps
//                 GET  /api/audit             Full forensic audit
//   - Metrics:    GET  /metrics
//   - Health:     GET  /health
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ledgerguard/ledgerguard/internal/anomaly"
	"github.com/ledgerguard/ledgerguard/internal/benford"
	"github.com/ledgerguard/ledgerguard/internal/feeds"
	"github.com/ledgerguard/ledgerguard/internal/forensic"
	"github.com/ledgerguard/ledgerguard/internal/ledger"
	"github.com/ledgerguard/ledgerguard/internal/matching"
)

// Options holds the dependencies injected into the server.
type Options struct {
	Auditor *forensic.Auditor
}

// Server serves the API. It is safe for concurrent use.
type Server struct {
	auditor     *forensic.Auditor
	hub         *wsHub
	unsubscribe func()
}

// New creates a Server and starts relaying ledger appends to WebSocket
// clients. Call Close to stop.
func New(opts Options) *Server {
	s := &Server{
		auditor: opts.Auditor,
		hub:     newWSHub(),
	}
	go s.hub.run()
	s.unsubscribe = s.auditor.Ledger().Subscribe(s.broadcastEntry)
	return s
}

// Close detaches from the ledger and disconnects WebSocket clients.
func (s *Server) Close() {
	s.unsubscribe()
	s.hub.stop()
}

// Handler returns the http.Handler for every route.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/api/ws", s.handleWebSocket)

	mux.HandleFunc("/api/ledger/entries", s.handleEntries)
	mux.HandleFunc("/api/ledger/entities", s.handleEntities)
	mux.HandleFunc("/api/ledger/verify", s.handleVerify)
	mux.HandleFunc("/api/ledger/export", s.handleExport)
	mux.HandleFunc("/api/match", s.handleMatch)
	mux.HandleFunc("/api/benford", s.handleBenford)
	mux.HandleFunc("/api/anomalies", s.handleAnomalies)
	mux.HandleFunc("/api/gaps", s.handleGaps)
	mux.HandleFunc("/api/audit", s.handleAudit)

	return mux
}

// broadcastEntry sends an appended entry to all WebSocket clients.
// Non-blocking: with no clients connected the entry is dropped.
func (s *Server) broadcastEntry(e ledger.Entry) {
	data, err := json.Marshal(e)
	if err != nil {
		slog.Error("failed to marshal broadcast entry", "error", err)
		return
	}
	s.hub.broadcast(data)
}

// handleIndex serves the embedded status page.
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(indexHTML))
}

// GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"clients": s.hub.clients.Load(),
	})
}

// handleEntries lists or appends ledger entries.
// GET  /api/ledger/entries?entity=acme&from=0&to=99
// POST /api/ledger/entries  {AppendRequest}
func (s *Server) handleEntries(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		entity, ok := requireEntity(w, r)
		if !ok {
			return
		}
		q := r.URL.Query()
		from, err := parseSeq(q.Get("from"), 0)
		if err != nil {
			http.Error(w, "invalid from: "+err.Error(), http.StatusBadRequest)
			return
		}
		to, err := parseSeq(q.Get("to"), ^uint64(0))
		if err != nil {
			http.Error(w, "invalid to: "+err.Error(), http.StatusBadRequest)
			return
		}
		entries, err := s.auditor.Ledger().Entries(r.Context(), entity, from, to)
		if err != nil {
			writeError(w, "listing entries", err)
			return
		}
		if entries == nil {
			entries = []ledger.Entry{}
		}
		writeJSON(w, http.StatusOK, entries)

	case http.MethodPost:
		var req ledger.AppendRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
		entry, err := s.auditor.AppendLedgerEntry(r.Context(), req)
		if err != nil {
			writeError(w, "append", err)
			return
		}
		writeJSON(w, http.StatusCreated, entry)

	default:
		http.Error(w, "GET or POST only", http.StatusMethodNotAllowed)
	}
}

// GET /api/ledger/entities
func (s *Server) handleEntities(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}
	ids, err := s.auditor.Ledger().Entities(r.Context())
	if err != nil {
		writeError(w, "listing entities", err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, ids)
}

// GET /api/ledger/verify?entity=acme&from=0
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}
	entity, ok := requireEntity(w, r)
	if !ok {
		return
	}
	from, err := parseSeq(r.URL.Query().Get("from"), 0)
	if err != nil {
		http.Error(w, "invalid from: "+err.Error(), http.StatusBadRequest)
		return
	}
	res, err := s.auditor.Ledger().Verify(r.Context(), entity, from)
	if err != nil {
		writeError(w, "verify", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GET /api/ledger/export?entity=acme&format=csv
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}
	entity, ok := requireEntity(w, r)
	if !ok {
		return
	}
	format := r.URL.Query().Get("format")
	switch format {
	case "", "jsonl":
		w.Header().Set("Content-Type", "application/x-ndjson")
	case "json":
		w.Header().Set("Content-Type", "application/json")
	case "csv":
		w.Header().Set("Content-Type", "text/csv")
	default:
		http.Error(w, "format must be jsonl, json or csv", http.StatusBadRequest)
		return
	}
	if err := s.auditor.Ledger().Export(r.Context(), w, entity, format); err != nil {
		// Headers may already be out; log and let the client see a short body.
		slog.Error("export failed", "entity", entity, "error", err)
	}
}

// GET /api/match?invoice=SINV-1&po=PO-1
func (s *Server) handleMatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	invoice := q.Get("invoice")
	if invoice == "" {
		http.Error(w, "invoice parameter required", http.StatusBadRequest)
		return
	}
	triple, err := s.auditor.MatchThreeWay(r.Context(), q.Get("po"), invoice)
	if err != nil {
		writeError(w, "three-way match", err)
		return
	}
	writeJSON(w, http.StatusOK, triple)
}

// GET /api/benford?entity=acme&from=2026-01-01&to=2026-03-31&digit=first
func (s *Server) handleBenford(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}
	entity, ok := requireEntity(w, r)
	if !ok {
		return
	}
	p, ok := parsePeriod(w, r)
	if !ok {
		return
	}
	digit := r.URL.Query().Get("digit")
	if digit == "" {
		digit = string(benford.FirstDigit)
	}
	pos, err := benford.ParsePosition(digit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	res, err := s.auditor.AnalyzeBenford(r.Context(), entity, p, pos)
	if err != nil {
		writeError(w, "benford", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GET /api/anomalies?entity=acme&group_by=category&threshold=2.5
func (s *Server) handleAnomalies(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}
	entity, ok := requireEntity(w, r)
	if !ok {
		return
	}
	p, ok := parsePeriod(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()

	var groupBy anomaly.GroupBy
	if v := q.Get("group_by"); v != "" {
		g, err := anomaly.ParseGroupBy(v)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		groupBy = g
	}
	var threshold float64
	if v := q.Get("threshold"); v != "" {
		t, err := strconv.ParseFloat(v, 64)
		if err != nil || t < 0 {
			http.Error(w, "invalid threshold", http.StatusBadRequest)
			return
		}
		threshold = t
	}

	res, err := s.auditor.DetectAnomalies(r.Context(), entity, p, groupBy, threshold)
	if err != nil {
		writeError(w, "anomalies", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GET /api/gaps?entity=acme&from=2026-01-01
func (s *Server) handleGaps(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}
	entity, ok := requireEntity(w, r)
	if !ok {
		return
	}
	p, ok := parsePeriod(w, r)
	if !ok {
		return
	}
	rep, err := s.auditor.AnalyzeGaps(r.Context(), entity, p)
	if err != nil {
		writeError(w, "gaps", err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// GET /api/audit?entity=acme&from=2026-01-01&to=2026-03-31
func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}
	entity, ok := requireEntity(w, r)
	if !ok {
		return
	}
	p, ok := parsePeriod(w, r)
	if !ok {
		return
	}
	v, err := s.auditor.RunFullAudit(r.Context(), entity, p)
	if err != nil {
		writeError(w, "audit", err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// --- Helpers ---

func requireEntity(w http.ResponseWriter, r *http.Request) (string, bool) {
	entity := r.URL.Query().Get("entity")
	if entity == "" {
		http.Error(w, "entity parameter required", http.StatusBadRequest)
		return "", false
	}
	return entity, true
}

func parseSeq(s string, def uint64) (uint64, error) {
	if s == "" {
		return def, nil
	}
	return strconv.ParseUint(s, 10, 64)
}

// parsePeriod reads from/to as RFC 3339 timestamps or YYYY-MM-DD dates.
// A date-only "to" covers the whole day.
func parsePeriod(w http.ResponseWriter, r *http.Request) (feeds.Period, bool) {
	q := r.URL.Query()
	var p feeds.Period
	for _, b := range []struct {
		name string
		dst  *time.Time
		end  bool
	}{
		{"from", &p.From, false},
		{"to", &p.To, true},
	} {
		v := q.Get(b.name)
		if v == "" {
			continue
		}
		t, err := ParseTime(v, b.end)
		if err != nil {
			http.Error(w, "invalid "+b.name+": "+err.Error(), http.StatusBadRequest)
			return feeds.Period{}, false
		}
		*b.dst = t
	}
	return p, true
}

// ParseTime accepts RFC 3339 or a YYYY-MM-DD date (UTC). With endOfDay a
// bare date resolves to its last nanosecond.
func ParseTime(s string, endOfDay bool) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, err
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return t, nil
}

// statusFor maps a domain error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ledger.ErrInvalidEntry):
		return http.StatusBadRequest
	case errors.Is(err, forensic.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrConcurrentAppend):
		return http.StatusConflict
	case errors.Is(err, benford.ErrInsufficientSample),
		errors.Is(err, matching.ErrInconsistentSourceData):
		return http.StatusUnprocessableEntity
	case errors.Is(err, forensic.ErrFeedUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError logs server-side failures and writes {"error": ...}.
func writeError(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("api request failed", "op", op, "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// writeJSON sends a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(data)
}

// indexHTML is a single static page: entity list, a verify button per
// entity and the live append feed. No build step.
const indexHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>LedgerGuard</title>
<style>
  * { margin: 0; padding: 0; box-sizing: border-box; }
  body { font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, sans-serif;
         background: #0f1117; color: #e1e4e8; padding: 24px; }
  h1 { font-size: 24px; margin-bottom: 8px; }
  .subtitle { color: #8b949e; margin-bottom: 24px; }
  .grid { display: grid; grid-template-columns: 1fr 1fr; gap: 16px; }
  .card { background: #161b22; border: 1px solid #30363d; border-radius: 8px; padding: 16px; }
  .card h2 { font-size: 14px; color: #8b949e; text-transform: uppercase; margin-bottom: 12px; }
  table { width: 100%; border-collapse: collapse; font-size: 13px; }
  th { text-align: left; color: #8b949e; padding: 6px 8px; border-bottom: 1px solid #30363d; }
  td { padding: 6px 8px; border-bottom: 1px solid #21262d; }
  .ok { color: #3fb950; }
  .breach { color: #f85149; font-weight: bold; }
  #live-feed { max-height: 400px; overflow-y: auto; font-family: monospace; font-size: 12px; }
  .feed-entry { padding: 4px 0; border-bottom: 1px solid #21262d; }
  .btn { background: #21262d; border: 1px solid #30363d; color: #e1e4e8;
         padding: 4px 12px; border-radius: 4px; cursor: pointer; font-size: 12px; }
</style>
</head>
<body>
<h1>LedgerGuard</h1>
<p class="subtitle">Tamper-evident ledger and forensic analysis</p>

<div class="grid">
  <div class="card">
    <h2>Entities</h2>
    <table>
      <thead><tr><th>Entity</th><th>Chain</th><th></th></tr></thead>
      <tbody id="entities"><tr><td colspan="3">Loading...</td></tr></tbody>
    </table>
  </div>
  <div class="card">
    <h2>Live appends</h2>
    <div id="live-feed"></div>
  </div>
</div>

<script>
function cell(text) {
  const td = document.createElement('td');
  td.textContent = text;
  return td;
}

async function loadEntities() {
  const ids = await (await fetch('/api/ledger/entities')).json();
  const tbody = document.getElementById('entities');
  tbody.replaceChildren();
  if (ids.length === 0) {
    const td = cell('No entries yet');
    td.colSpan = 3;
    const tr = document.createElement('tr');
    tr.appendChild(td);
    tbody.appendChild(tr);
    return;
  }
  for (const id of ids) {
    const tr = document.createElement('tr');
    const status = cell('-');
    const btn = document.createElement('button');
    btn.className = 'btn';
    btn.textContent = 'Verify';
    btn.addEventListener('click', () => verify(id, status));
    const action = document.createElement('td');
    action.appendChild(btn);
    tr.append(cell(id), status, action);
    tbody.appendChild(tr);
  }
}

async function verify(id, status) {
  const res = await (await fetch('/api/ledger/verify?entity=' + encodeURIComponent(id))).json();
  const broken = (res.discrepancies || []).length;
  status.className = broken ? 'breach' : 'ok';
  status.textContent = broken ? broken + ' discrepancies' : 'valid (' + res.entries_checked + ')';
}

function connect() {
  const ws = new WebSocket((location.protocol === 'https:' ? 'wss://' : 'ws://') + location.host + '/api/ws');
  ws.onmessage = (ev) => {
    const e = JSON.parse(ev.data);
    const div = document.createElement('div');
    div.className = 'feed-entry';
    div.textContent = e.entity_id + ' #' + e.sequence_number + ' ' + e.account_code +
      ' D ' + e.debit_amount + ' C ' + e.credit_amount + ' bal ' + e.running_balance;
    const feed = document.getElementById('live-feed');
    feed.prepend(div);
    loadEntities();
  };
  ws.onclose = () => setTimeout(connect, 3000);
}

loadEntities();
connect();
</script>
</body>
</html>
`
