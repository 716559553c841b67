package feeds

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/ledgerguard/ledgerguard/internal/gap"
	"github.com/ledgerguard/ledgerguard/internal/matching"
)

// Dataset file names inside a FileSource directory.
const (
	TransactionsFile = "transactions.yaml"
	InvoicesFile     = "invoices.yaml"
	ProcurementFile  = "procurement.yaml"
)

type transactionsDoc struct {
	Transactions []Transaction `yaml:"transactions"`
}

type invoicesDoc struct {
	Invoices []gap.Invoice `yaml:"invoices"`
}

type procurementDoc struct {
	PurchaseOrders []matching.PurchaseOrder `yaml:"purchase_orders"`
	GoodsReceipts  []matching.GoodsReceipt  `yaml:"goods_receipts"`
	Invoices       []matching.Invoice       `yaml:"invoices"`
}

// FileSource serves every feed from YAML files in a directory. Files are
// read on each call so edits show up without a restart.
type FileSource struct {
	dir string
}

// NewFileSource creates a FileSource over dir.
func NewFileSource(dir string) *FileSource {
	return &FileSource{dir: dir}
}

// Dir returns the dataset directory.
func (s *FileSource) Dir() string { return s.dir }

func (s *FileSource) load(name string, out any) error {
	path := filepath.Join(s.dir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// Transactions returns the entity's transactions in the period, ordered by
// date.
func (s *FileSource) Transactions(ctx context.Context, entityID string, p Period) ([]Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var doc transactionsDoc
	if err := s.load(TransactionsFile, &doc); err != nil {
		return nil, err
	}
	var out []Transaction
	for _, t := range doc.Transactions {
		if t.EntityID == entityID && p.Contains(t.Date) {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

// Invoices returns the entity's invoices in the period.
func (s *FileSource) Invoices(ctx context.Context, entityID string, p Period) ([]gap.Invoice, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var doc invoicesDoc
	if err := s.load(InvoicesFile, &doc); err != nil {
		return nil, err
	}
	var out []gap.Invoice
	for _, inv := range doc.Invoices {
		if inv.EntityID == entityID && p.Contains(inv.Date) {
			out = append(out, inv)
		}
	}
	return out, nil
}

// PurchaseOrder returns one purchase order.
func (s *FileSource) PurchaseOrder(ctx context.Context, poID string) (matching.PurchaseOrder, error) {
	doc, err := s.procurement(ctx)
	if err != nil {
		return matching.PurchaseOrder{}, err
	}
	for _, po := range doc.PurchaseOrders {
		if po.ID == poID {
			return po, nil
		}
	}
	return matching.PurchaseOrder{}, fmt.Errorf("purchase order %s: %w", poID, ErrNotFound)
}

// GoodsReceipts returns every GRN recorded against the PO. No receipts is
// not an error.
func (s *FileSource) GoodsReceipts(ctx context.Context, poID string) ([]matching.GoodsReceipt, error) {
	doc, err := s.procurement(ctx)
	if err != nil {
		return nil, err
	}
	var out []matching.GoodsReceipt
	for _, g := range doc.GoodsReceipts {
		if g.POID == poID {
			out = append(out, g)
		}
	}
	return out, nil
}

// SupplierInvoice returns one line-level supplier invoice.
func (s *FileSource) SupplierInvoice(ctx context.Context, invoiceID string) (matching.Invoice, error) {
	doc, err := s.procurement(ctx)
	if err != nil {
		return matching.Invoice{}, err
	}
	for _, inv := range doc.Invoices {
		if inv.ID == invoiceID {
			return inv, nil
		}
	}
	return matching.Invoice{}, fmt.Errorf("invoice %s: %w", invoiceID, ErrNotFound)
}

// SupplierInvoices returns the entity's supplier invoices in the period.
func (s *FileSource) SupplierInvoices(ctx context.Context, entityID string, p Period) ([]matching.Invoice, error) {
	doc, err := s.procurement(ctx)
	if err != nil {
		return nil, err
	}
	var out []matching.Invoice
	for _, inv := range doc.Invoices {
		if inv.EntityID == entityID && p.Contains(inv.Date) {
			out = append(out, inv)
		}
	}
	return out, nil
}

func (s *FileSource) procurement(ctx context.Context) (procurementDoc, error) {
	if err := ctx.Err(); err != nil {
		return procurementDoc{}, err
	}
	var doc procurementDoc
	if err := s.load(ProcurementFile, &doc); err != nil {
		return procurementDoc{}, err
	}
	return doc, nil
}
