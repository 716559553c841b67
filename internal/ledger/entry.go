package ledger

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ledgerguard/ledgerguard/internal/money"
)

var (
	// ErrInvalidEntry is returned when an append request violates the
	// entry preconditions. Nothing is written.
	ErrInvalidEntry = errors.New("invalid ledger entry")

	// ErrConcurrentAppend is returned by a Store when an insert does not
	// extend the current head of the chain. Appends are serialized per
	// entity, so seeing this means something bypassed the Ledger.
	ErrConcurrentAppend = errors.New("concurrent append conflict")
)

// EntryType classifies a ledger entry.
type EntryType string

const (
	TypeTransaction    EntryType = "transaction"
	TypeAdjustment     EntryType = "adjustment"
	TypeOpeningBalance EntryType = "opening_balance"
)

// Valid reports whether t is a known entry type.
func (t EntryType) Valid() bool {
	switch t {
	case TypeTransaction, TypeAdjustment, TypeOpeningBalance:
		return true
	}
	return false
}

// Entry is one committed, hash-linked movement in an entity's chain.
type Entry struct {
	ID             string       `json:"id"`
	EntityID       string       `json:"entity_id"`
	Seq            uint64       `json:"sequence_number"`
	Type           EntryType    `json:"entry_type"`
	SourceType     string       `json:"source_type"`
	SourceID       string       `json:"source_id"`
	AccountCode    string       `json:"account_code"`
	Debit          money.Amount `json:"debit_amount"`
	Credit         money.Amount `json:"credit_amount"`
	RunningBalance money.Amount `json:"running_balance"`
	PrevHash       string       `json:"previous_hash"`
	Hash           string       `json:"entry_hash"`
	CreatedBy      string       `json:"created_by"`
	CreatedAt      time.Time    `json:"created_at"`
}

// AppendRequest carries the caller-supplied fields of a new entry.
// Sequence, balance and hashes are assigned by the Ledger.
type AppendRequest struct {
	EntityID    string       `json:"entity_id"`
	Type        EntryType    `json:"entry_type"`
	SourceType  string       `json:"source_type"`
	SourceID    string       `json:"source_id"`
	AccountCode string       `json:"account_code"`
	Debit       money.Amount `json:"debit_amount"`
	Credit      money.Amount `json:"credit_amount"`
	CreatedBy   string       `json:"created_by"`
	Timestamp   time.Time    `json:"timestamp"`
}

// validate checks the append preconditions. All failures wrap ErrInvalidEntry.
func (r *AppendRequest) validate() error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalidEntry, fmt.Sprintf(format, args...))
	}

	if strings.TrimSpace(r.EntityID) == "" {
		return invalid("entity_id is required")
	}
	if !r.Type.Valid() {
		return invalid("unknown entry_type %q", r.Type)
	}
	if strings.TrimSpace(r.AccountCode) == "" {
		return invalid("account_code is required")
	}
	if strings.TrimSpace(r.CreatedBy) == "" {
		return invalid("created_by is required")
	}
	if r.Debit < 0 || r.Credit < 0 {
		return invalid("amounts must be non-negative (debit %s, credit %s)", r.Debit, r.Credit)
	}
	if r.Debit > 0 && r.Credit > 0 {
		return invalid("exactly one of debit/credit may be positive")
	}
	if r.Debit == 0 && r.Credit == 0 && r.Type != TypeOpeningBalance {
		return invalid("one of debit/credit must be positive for %s entries", r.Type)
	}
	// Corrections reference the entry or record they correct.
	if r.Type == TypeAdjustment && strings.TrimSpace(r.SourceID) == "" {
		return invalid("adjustment entries must reference the corrected record in source_id")
	}
	return nil
}

// Movement returns debit minus credit: the entry's effect on the balance.
func (e *Entry) Movement() money.Amount {
	return e.Debit - e.Credit
}

// Amount returns whichever of debit/credit is set.
func (e *Entry) Amount() money.Amount {
	if e.Debit > 0 {
		return e.Debit
	}
	return e.Credit
}
