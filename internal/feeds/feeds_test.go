package feeds

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ledgerguard/ledgerguard/internal/gap"
	"github.com/ledgerguard/ledgerguard/internal/money"
)

const transactionsYAML = `transactions:
  - id: T2
    entity_id: acme
    amount: "1200.50"
    category: travel
    date: 2024-03-02T10:00:00Z
  - id: T1
    entity_id: acme
    amount: "99.99"
    category: office
    date: 2024-03-01T09:00:00Z
  - id: T3
    entity_id: other
    amount: "5.00"
    category: office
    date: 2024-03-01T09:00:00Z
  - id: T4
    entity_id: acme
    amount: "7.00"
    category: office
    date: 2024-05-01T09:00:00Z
`

const invoicesYAML = `invoices:
  - id: INV-1
    entity_id: acme
    amount: "500.00"
    date: 2024-03-05
    counterparty_type: B2B
    external_reference: null
  - id: INV-2
    entity_id: acme
    amount: "75.00"
    date: 2024-03-06
    counterparty_type: B2C
    external_reference: KRA-0001
    validation_status: validated
`

const procurementYAML = `purchase_orders:
  - id: PO-1
    entity_id: acme
    lines:
      - {item: cement, qty: 100, unit_price: "500.00"}
goods_receipts:
  - {id: GRN-1, po_id: PO-1, lines: [{item: cement, qty_received: 60}]}
  - {id: GRN-2, po_id: PO-1, lines: [{item: cement, qty_received: 40.5}]}
invoices:
  - id: SINV-1
    entity_id: acme
    po_id: PO-1
    date: 2024-03-10
    lines:
      - {item: cement, qty: 100, unit_price: "500.00"}
`

func writeDataset(t *testing.T) *FileSource {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		TransactionsFile: transactionsYAML,
		InvoicesFile:     invoicesYAML,
		ProcurementFile:  procurementYAML,
	}
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return NewFileSource(dir)
}

func march() Period {
	return Period{
		From: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		To:   time.Date(2024, 3, 31, 23, 59, 59, 0, time.UTC),
	}
}

func TestFileSource_Transactions(t *testing.T) {
	src := writeDataset(t)
	txs, err := src.Transactions(context.Background(), "acme", march())
	if err != nil {
		t.Fatal(err)
	}
	if len(txs) != 2 {
		t.Fatalf("got %d transactions, want 2 (entity and period filtered)", len(txs))
	}
	if txs[0].ID != "T1" || txs[1].ID != "T2" {
		t.Errorf("expected date order T1, T2; got %s, %s", txs[0].ID, txs[1].ID)
	}
	if txs[1].Amount != money.MustParse("1200.50") {
		t.Errorf("amount = %s", txs[1].Amount)
	}
}

func TestFileSource_Invoices(t *testing.T) {
	src := writeDataset(t)
	invs, err := src.Invoices(context.Background(), "acme", Period{})
	if err != nil {
		t.Fatal(err)
	}
	if len(invs) != 2 {
		t.Fatalf("got %d invoices", len(invs))
	}
	if invs[0].ExternalRef != nil {
		t.Errorf("null reference should decode to nil, got %q", *invs[0].ExternalRef)
	}
	if invs[1].ExternalRef == nil || *invs[1].ExternalRef != "KRA-0001" || invs[1].ValidationStatus != gap.StatusValidated {
		t.Errorf("unexpected registration fields: %+v", invs[1])
	}
}

func TestFileSource_Procurement(t *testing.T) {
	src := writeDataset(t)
	ctx := context.Background()

	po, err := src.PurchaseOrder(ctx, "PO-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(po.Lines) != 1 || po.Lines[0].UnitPrice != money.FromMajor(500) {
		t.Errorf("po = %+v", po)
	}

	grns, err := src.GoodsReceipts(ctx, "PO-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(grns) != 2 || grns[1].Lines[0].QtyReceived.String() != "40.5" {
		t.Errorf("grns = %+v", grns)
	}

	invs, err := src.SupplierInvoices(ctx, "acme", march())
	if err != nil {
		t.Fatal(err)
	}
	if len(invs) != 1 || invs[0].POID != "PO-1" {
		t.Errorf("supplier invoices = %+v", invs)
	}

	if _, err := src.PurchaseOrder(ctx, "PO-404"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := src.SupplierInvoice(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestFileSource_MissingFile(t *testing.T) {
	src := NewFileSource(t.TempDir())
	if _, err := src.Transactions(context.Background(), "acme", Period{}); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected a not-exist error, got %v", err)
	}
}

func TestHTTPStatusLookup(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/status/INV-1":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"reference":"KRA-1","status":"validated"}`))
		case "/status/INV-2":
			http.NotFound(w, r)
		case "/status/SLOW":
			time.Sleep(200 * time.Millisecond)
		default:
			http.Error(w, "boom", http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	l := NewHTTPStatusLookup(srv.URL+"/status/", 50*time.Millisecond)
	ctx := context.Background()

	reg, err := l.Lookup(ctx, "INV-1")
	if err != nil {
		t.Fatal(err)
	}
	if reg.Reference != "KRA-1" || reg.Status != gap.StatusValidated {
		t.Errorf("reg = %+v", reg)
	}

	reg, err = l.Lookup(ctx, "INV-2")
	if err != nil || reg != (gap.Registration{}) {
		t.Errorf("404 should be an empty registration, got %+v, %v", reg, err)
	}

	if _, err := l.Lookup(ctx, "INV-3"); err == nil {
		t.Error("HTTP 500 should fail")
	}
	if _, err := l.Lookup(ctx, "SLOW"); err == nil {
		t.Error("slow authority should time out")
	}
}
