// Package events defines the domain events emitted by the ledger and the
// publisher contract used to ship them to a broker.
package events

import (
	"context"
	"time"

	"github.com/ledgerguard/ledgerguard/internal/money"
)

// TopicEntryAppended is the default topic for committed ledger entries.
const TopicEntryAppended = "ledger.entry_appended"

// Publisher ships an event to a broker topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, event any) error
}

// EntryAppended is emitted once per committed ledger entry.
type EntryAppended struct {
	EntryID     string       `json:"entry_id"`
	EntityID    string       `json:"entity_id"`
	Seq         uint64       `json:"seq"`
	EntryType   string       `json:"entry_type"`
	SourceType  string       `json:"source_type"`
	SourceID    string       `json:"source_id"`
	AccountCode string       `json:"account_code"`
	Debit       money.Amount `json:"debit"`
	Credit      money.Amount `json:"credit"`
	Balance     money.Amount `json:"running_balance"`
	Hash        string       `json:"entry_hash"`
	OccurredAt  time.Time    `json:"occurred_at"`
}

// Discard is a Publisher that drops every event.
type Discard struct{}

// Publish implements Publisher.
func (Discard) Publish(context.Context, string, any) error { return nil }
