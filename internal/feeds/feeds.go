// Package feeds defines the read-only source records the analyzers consume
// and provides file and HTTP implementations.
package feeds

import (
	"context"
	"errors"
	"time"

	"github.com/ledgerguard/ledgerguard/internal/gap"
	"github.com/ledgerguard/ledgerguard/internal/matching"
	"github.com/ledgerguard/ledgerguard/internal/money"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Period bounds records by date. A zero bound is open; both ends are
// inclusive.
type Period struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Contains reports whether t falls inside the period.
func (p Period) Contains(t time.Time) bool {
	if !p.From.IsZero() && t.Before(p.From) {
		return false
	}
	if !p.To.IsZero() && t.After(p.To) {
		return false
	}
	return true
}

// Transaction is one recorded financial transaction.
type Transaction struct {
	ID          string       `json:"id" yaml:"id"`
	EntityID    string       `json:"entity_id" yaml:"entity_id"`
	Amount      money.Amount `json:"amount" yaml:"amount"`
	Category    string       `json:"category" yaml:"category"`
	Date        time.Time    `json:"date" yaml:"date"`
	Description string       `json:"description,omitempty" yaml:"description"`
}

// TransactionFeed supplies the population for Benford and Z-score analysis.
type TransactionFeed interface {
	Transactions(ctx context.Context, entityID string, p Period) ([]Transaction, error)
}

// InvoiceFeed supplies invoices with their external registration fields.
type InvoiceFeed interface {
	Invoices(ctx context.Context, entityID string, p Period) ([]gap.Invoice, error)
}

// ProcurementFeed supplies purchase orders, goods-received notes and the
// line-level invoices billed against them.
type ProcurementFeed interface {
	PurchaseOrder(ctx context.Context, poID string) (matching.PurchaseOrder, error)
	GoodsReceipts(ctx context.Context, poID string) ([]matching.GoodsReceipt, error)
	SupplierInvoice(ctx context.Context, invoiceID string) (matching.Invoice, error)
	SupplierInvoices(ctx context.Context, entityID string, p Period) ([]matching.Invoice, error)
}
