// Package matching reconciles purchase orders, goods-received notes and
// invoices (three-way matching).
//
// Lines are keyed by item. Received quantities are aggregated across every
// GRN for the PO, and each invoiced line is compared against the PO price
// and the received quantity. Status is a pure function of the variances and
// the configured tolerances, except for the terminal manual rejection.
package matching

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ledgerguard/ledgerguard/internal/metrics"
	"github.com/ledgerguard/ledgerguard/internal/money"
)

// ErrInconsistentSourceData is returned when the PO, GRNs and invoice do
// not reference each other consistently.
var ErrInconsistentSourceData = errors.New("inconsistent source data")

// Status is the reconciliation outcome of a triple.
type Status string

const (
	StatusMatched       Status = "matched"
	StatusDiscrepancy   Status = "discrepancy"
	StatusPendingReview Status = "pending_review"
	StatusRejected      Status = "rejected"
)

// POLine is one ordered item.
type POLine struct {
	Item      string          `json:"item" yaml:"item"`
	Qty       decimal.Decimal `json:"qty" yaml:"qty"`
	UnitPrice money.Amount    `json:"unit_price" yaml:"unit_price"`
}

// PurchaseOrder is the authorization side of the match.
type PurchaseOrder struct {
	ID       string   `json:"id" yaml:"id"`
	EntityID string   `json:"entity_id" yaml:"entity_id"`
	Lines    []POLine `json:"lines" yaml:"lines"`
}

// GRNLine is one received item.
type GRNLine struct {
	Item        string          `json:"item" yaml:"item"`
	QtyReceived decimal.Decimal `json:"qty_received" yaml:"qty_received"`
}

// GoodsReceipt is a goods-received note against a PO.
type GoodsReceipt struct {
	ID    string    `json:"id" yaml:"id"`
	POID  string    `json:"po_id" yaml:"po_id"`
	Lines []GRNLine `json:"lines" yaml:"lines"`
}

// InvoiceLine is one billed item.
type InvoiceLine struct {
	Item      string          `json:"item" yaml:"item"`
	Qty       decimal.Decimal `json:"qty" yaml:"qty"`
	UnitPrice money.Amount    `json:"unit_price" yaml:"unit_price"`
}

// Invoice is the supplier's bill against a PO.
type Invoice struct {
	ID       string        `json:"id" yaml:"id"`
	EntityID string        `json:"entity_id" yaml:"entity_id"`
	POID     string        `json:"po_id" yaml:"po_id"`
	Date     time.Time     `json:"date" yaml:"date"`
	Lines    []InvoiceLine `json:"lines" yaml:"lines"`
}

// Total returns the invoice amount (sum of qty * unit price).
func (inv *Invoice) Total() money.Amount {
	var total money.Amount
	for _, l := range inv.Lines {
		total += lineAmount(l.Qty, l.UnitPrice)
	}
	return total
}

// Tolerances are the variance limits for a match.
type Tolerances struct {
	QuantityPct float64      `json:"quantity_pct" yaml:"quantity_tolerance_pct"`
	PricePct    float64      `json:"price_pct" yaml:"price_tolerance_pct"`
	Amount      money.Amount `json:"amount" yaml:"amount_tolerance"`
}

// DefaultTolerances are 2% quantity, 1% price and 100.00 absolute amount.
func DefaultTolerances() Tolerances {
	return Tolerances{QuantityPct: 2, PricePct: 1, Amount: money.FromMajor(100)}
}

// LineVariance holds the computed variances of one invoiced item.
type LineVariance struct {
	Item              string          `json:"item"`
	OrderedQty        decimal.Decimal `json:"ordered_qty"`
	ReceivedQty       decimal.Decimal `json:"received_qty"`
	InvoicedQty       decimal.Decimal `json:"invoiced_qty"`
	POUnitPrice       money.Amount    `json:"po_unit_price"`
	InvoiceUnitPrice  money.Amount    `json:"invoice_unit_price"`
	QuantityVariance  float64         `json:"quantity_variance_pct"`
	PriceVariance     float64         `json:"price_variance_pct"`
	AmountVariance    money.Amount    `json:"amount_variance_abs"`
	ExceedsTolerances bool            `json:"exceeds_tolerances"`
}

// Override records the audited manual rejection of a triple.
type Override struct {
	By     string    `json:"by"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// MatchTriple is the reconciliation result for one PO/GRNs/invoice set.
type MatchTriple struct {
	POID          string         `json:"po_id"`
	GRNIDs        []string       `json:"grn_ids"`
	InvoiceID     string         `json:"invoice_id"`
	Lines         []LineVariance `json:"lines"`
	MaxQtyPct     float64        `json:"max_quantity_variance_pct"`
	MaxPricePct   float64        `json:"max_price_variance_pct"`
	TotalVariance money.Amount   `json:"total_amount_variance"`
	InvoiceAmount money.Amount   `json:"invoice_amount"`
	Status        Status         `json:"status"`
	RiskAmount    money.Amount   `json:"risk_amount"`
	Override      *Override      `json:"override,omitempty"`
}

// Matcher performs three-way matches against a set of tolerances.
type Matcher struct {
	tol Tolerances
}

// NewMatcher creates a Matcher.
func NewMatcher(tol Tolerances) *Matcher {
	return &Matcher{tol: tol}
}

// Match reconciles one PO, its GRNs and an invoice.
//
// Status rules, first match wins:
//  1. any invoiced line with (qty% > QuantityPct or price% > PricePct) and
//     amount variance > Amount: discrepancy
//  2. any PO line received short of the ordered quantity: pending_review
//  3. otherwise: matched
func (m *Matcher) Match(po PurchaseOrder, grns []GoodsReceipt, inv Invoice) (MatchTriple, error) {
	defer metrics.ObserveSince("three_way_match", time.Now())

	if inv.POID != po.ID {
		return MatchTriple{}, fmt.Errorf("%w: invoice %s references PO %q, not %q", ErrInconsistentSourceData, inv.ID, inv.POID, po.ID)
	}
	if inv.EntityID != po.EntityID {
		return MatchTriple{}, fmt.Errorf("%w: invoice %s belongs to entity %q, PO %s to %q", ErrInconsistentSourceData, inv.ID, inv.EntityID, po.ID, po.EntityID)
	}

	ordered := make(map[string]POLine, len(po.Lines))
	for _, l := range po.Lines {
		if prev, dup := ordered[l.Item]; dup {
			// Split lines for the same item are merged; price must agree.
			if prev.UnitPrice != l.UnitPrice {
				return MatchTriple{}, fmt.Errorf("%w: PO %s lists item %q at two prices", ErrInconsistentSourceData, po.ID, l.Item)
			}
			prev.Qty = prev.Qty.Add(l.Qty)
			ordered[l.Item] = prev
			continue
		}
		ordered[l.Item] = l
	}

	received := make(map[string]decimal.Decimal)
	grnIDs := make([]string, 0, len(grns))
	for _, g := range grns {
		if g.POID != po.ID {
			return MatchTriple{}, fmt.Errorf("%w: GRN %s references PO %q, not %q", ErrInconsistentSourceData, g.ID, g.POID, po.ID)
		}
		grnIDs = append(grnIDs, g.ID)
		for _, l := range g.Lines {
			if _, ok := ordered[l.Item]; !ok {
				return MatchTriple{}, fmt.Errorf("%w: GRN %s receives item %q not on PO %s", ErrInconsistentSourceData, g.ID, l.Item, po.ID)
			}
			received[l.Item] = received[l.Item].Add(l.QtyReceived)
		}
	}

	invoiced := make(map[string]InvoiceLine, len(inv.Lines))
	var items []string
	for _, l := range inv.Lines {
		if _, ok := ordered[l.Item]; !ok {
			return MatchTriple{}, fmt.Errorf("%w: invoice %s bills item %q not on PO %s", ErrInconsistentSourceData, inv.ID, l.Item, po.ID)
		}
		if prev, dup := invoiced[l.Item]; dup {
			if prev.UnitPrice != l.UnitPrice {
				return MatchTriple{}, fmt.Errorf("%w: invoice %s bills item %q at two prices", ErrInconsistentSourceData, inv.ID, l.Item)
			}
			prev.Qty = prev.Qty.Add(l.Qty)
			invoiced[l.Item] = prev
			continue
		}
		invoiced[l.Item] = l
		items = append(items, l.Item)
	}
	sort.Strings(items)

	t := MatchTriple{
		POID:          po.ID,
		GRNIDs:        grnIDs,
		InvoiceID:     inv.ID,
		InvoiceAmount: inv.Total(),
	}

	discrepant := false
	for _, item := range items {
		pl, il, recv := ordered[item], invoiced[item], received[item]

		lv := LineVariance{
			Item:             item,
			OrderedQty:       pl.Qty,
			ReceivedQty:      recv,
			InvoicedQty:      il.Qty,
			POUnitPrice:      pl.UnitPrice,
			InvoiceUnitPrice: il.UnitPrice,
			QuantityVariance: variancePct(il.Qty, recv),
			PriceVariance:    variancePct(il.UnitPrice.Decimal(), pl.UnitPrice.Decimal()),
			AmountVariance:   (lineAmount(il.Qty, il.UnitPrice) - lineAmount(pl.Qty, pl.UnitPrice)).Abs(),
		}
		overLimit := lv.QuantityVariance > m.tol.QuantityPct || lv.PriceVariance > m.tol.PricePct
		lv.ExceedsTolerances = overLimit && lv.AmountVariance > m.tol.Amount
		if lv.ExceedsTolerances {
			discrepant = true
			t.RiskAmount += lv.AmountVariance
		}

		t.MaxQtyPct = max(t.MaxQtyPct, lv.QuantityVariance)
		t.MaxPricePct = max(t.MaxPricePct, lv.PriceVariance)
		t.TotalVariance += lv.AmountVariance
		t.Lines = append(t.Lines, lv)
	}

	switch {
	case discrepant:
		t.Status = StatusDiscrepancy
	case !fullyReceived(ordered, received):
		t.Status = StatusPendingReview
	default:
		t.Status = StatusMatched
	}
	return t, nil
}

// Rematch recomputes a triple after a source document changed. A rejected
// prior is terminal and is returned unchanged.
func (m *Matcher) Rematch(prior MatchTriple, po PurchaseOrder, grns []GoodsReceipt, inv Invoice) (MatchTriple, error) {
	if prior.Status == StatusRejected {
		return prior, nil
	}
	return m.Match(po, grns, inv)
}

// Reject is the audited manual override that moves a triple to the
// terminal rejected state.
func Reject(t MatchTriple, by, reason string, at time.Time) (MatchTriple, error) {
	if by == "" || reason == "" {
		return t, fmt.Errorf("rejecting match %s/%s: reviewer and reason are required", t.POID, t.InvoiceID)
	}
	if t.Status == StatusRejected {
		return t, nil
	}
	slog.Info("three-way match rejected",
		"po", t.POID, "invoice", t.InvoiceID, "previous_status", t.Status, "by", by, "reason", reason)
	t.Status = StatusRejected
	t.Override = &Override{By: by, Reason: reason, At: at.UTC()}
	return t, nil
}

var hundred = decimal.NewFromInt(100)

// variancePct returns |actual-base|/base*100. A zero base gives 100 when
// actual is non-zero and 0 otherwise.
func variancePct(actual, base decimal.Decimal) float64 {
	if base.IsZero() {
		if actual.IsZero() {
			return 0
		}
		return 100
	}
	return actual.Sub(base).Abs().Div(base.Abs()).Mul(hundred).InexactFloat64()
}

// lineAmount is qty * unit price, rounded half-up to minor units.
func lineAmount(qty decimal.Decimal, price money.Amount) money.Amount {
	minor := qty.Mul(decimal.NewFromInt(int64(price))).Round(0)
	return money.Amount(minor.IntPart())
}

func fullyReceived(ordered map[string]POLine, received map[string]decimal.Decimal) bool {
	for item, l := range ordered {
		if received[item].LessThan(l.Qty) {
			return false
		}
	}
	return true
}
