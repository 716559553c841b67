package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ledgerguard/ledgerguard/internal/events"
	"github.com/ledgerguard/ledgerguard/internal/metrics"
)

// Options configures a Ledger. Zero values are usable.
type Options struct {
	// Publisher receives an EntryAppended event after each commit.
	Publisher events.Publisher
	// Topic overrides events.TopicEntryAppended.
	Topic string
	// Now overrides the clock used for requests without a timestamp.
	Now func() time.Time
}

// Ledger is the only write path into the hash chain.
//
// Appends for one entity are serialized with a per-entity mutex so the
// seq/prev-hash assignment cannot race; appends for different entities
// run in parallel. Reads go straight to the store and never take the
// entity locks.
type Ledger struct {
	store     Store
	publisher events.Publisher
	topic     string
	now       func() time.Time

	muMap map[string]*sync.Mutex // per-entity append locks
	mapMu sync.Mutex             // protects muMap

	subMu sync.RWMutex
	subs  map[int]func(Entry)
	subID int
}

// New creates a Ledger over the given store.
func New(store Store, opts Options) *Ledger {
	l := &Ledger{
		store:     store,
		publisher: opts.Publisher,
		topic:     opts.Topic,
		now:       opts.Now,
		muMap:     make(map[string]*sync.Mutex),
		subs:      make(map[int]func(Entry)),
	}
	if l.publisher == nil {
		l.publisher = events.Discard{}
	}
	if l.topic == "" {
		l.topic = events.TopicEntryAppended
	}
	if l.now == nil {
		l.now = time.Now
	}
	return l
}

// Store returns the underlying store.
func (l *Ledger) Store() Store {
	return l.store
}

func (l *Ledger) entityLock(entityID string) *sync.Mutex {
	l.mapMu.Lock()
	defer l.mapMu.Unlock()

	mu, ok := l.muMap[entityID]
	if !ok {
		mu = &sync.Mutex{}
		l.muMap[entityID] = mu
	}
	return mu
}

// Append validates req, links it to the entity's chain and persists it.
//
// Validation failures wrap ErrInvalidEntry and happen before any write.
// Storage failures are returned as-is; the entry is then not committed and
// the chain head is unchanged.
func (l *Ledger) Append(ctx context.Context, req AppendRequest) (Entry, error) {
	if err := req.validate(); err != nil {
		metrics.LedgerAppends.WithLabelValues(string(req.Type), "invalid").Inc()
		return Entry{}, err
	}

	mu := l.entityLock(req.EntityID)
	mu.Lock()
	start := time.Now()
	entry, err := l.appendLocked(ctx, req)
	metrics.LedgerAppendDuration.Observe(time.Since(start).Seconds())
	mu.Unlock()

	if err != nil {
		outcome := "storage_error"
		if errors.Is(err, ErrConcurrentAppend) {
			outcome = "conflict"
		}
		metrics.LedgerAppends.WithLabelValues(string(req.Type), outcome).Inc()
		slog.Error("ledger append failed", "entity", req.EntityID, "type", req.Type, "error", err)
		return Entry{}, err
	}

	metrics.LedgerAppends.WithLabelValues(string(req.Type), "committed").Inc()
	slog.Debug("ledger entry appended", "entity", entry.EntityID, "seq", entry.Seq, "hash", entry.Hash)

	l.publish(ctx, entry)
	l.notify(entry)
	return entry, nil
}

// appendLocked does the head read, linking and insert. Caller must hold
// the entity lock.
func (l *Ledger) appendLocked(ctx context.Context, req AppendRequest) (Entry, error) {
	head, err := l.store.Head(ctx, req.EntityID)
	if err != nil {
		return Entry{}, fmt.Errorf("reading chain head for %s: %w", req.EntityID, err)
	}

	ts := req.Timestamp
	if ts.IsZero() {
		ts = l.now()
	}

	e := Entry{
		ID:          uuid.NewString(),
		EntityID:    req.EntityID,
		Type:        req.Type,
		SourceType:  req.SourceType,
		SourceID:    req.SourceID,
		AccountCode: req.AccountCode,
		Debit:       req.Debit,
		Credit:      req.Credit,
		CreatedBy:   req.CreatedBy,
		CreatedAt:   ts.UTC().Round(0),
		PrevHash:    GenesisHash,
	}
	if head != nil {
		e.Seq = head.Seq + 1
		e.PrevHash = head.Hash
		e.RunningBalance = head.RunningBalance
	}
	mv := e.Movement()
	if (mv > 0 && e.RunningBalance > math.MaxInt64-mv) || (mv < 0 && e.RunningBalance < math.MinInt64-mv) {
		return Entry{}, fmt.Errorf("%w: %s", ErrInvalidEntry, fmt.Sprintf("movement %s would overflow running balance %s of %s", mv, e.RunningBalance, e.EntityID))
	}
	e.RunningBalance += mv
	e.Hash = computeHash(&e)

	if err := l.store.Insert(ctx, e); err != nil {
		return Entry{}, fmt.Errorf("inserting entry %s/%d: %w", e.EntityID, e.Seq, err)
	}
	return e, nil
}

// publish ships the entry to the event broker. The entry is already
// committed, so failures are logged and never returned.
func (l *Ledger) publish(ctx context.Context, e Entry) {
	evt := events.EntryAppended{
		EntryID:     e.ID,
		EntityID:    e.EntityID,
		Seq:         e.Seq,
		EntryType:   string(e.Type),
		SourceType:  e.SourceType,
		SourceID:    e.SourceID,
		AccountCode: e.AccountCode,
		Debit:       e.Debit,
		Credit:      e.Credit,
		Balance:     e.RunningBalance,
		Hash:        e.Hash,
		OccurredAt:  e.CreatedAt,
	}
	if err := l.publisher.Publish(ctx, l.topic, evt); err != nil {
		slog.Warn("publishing ledger event failed", "entity", e.EntityID, "seq", e.Seq, "error", err)
	}
}

// Subscribe registers fn to be called after every committed append.
// The returned function removes the subscription.
func (l *Ledger) Subscribe(fn func(Entry)) (unsubscribe func()) {
	l.subMu.Lock()
	defer l.subMu.Unlock()

	l.subID++
	id := l.subID
	l.subs[id] = fn
	return func() {
		l.subMu.Lock()
		defer l.subMu.Unlock()
		delete(l.subs, id)
	}
}

func (l *Ledger) notify(e Entry) {
	l.subMu.RLock()
	defer l.subMu.RUnlock()
	for _, fn := range l.subs {
		fn(e)
	}
}

// Head returns the last entry for an entity, or nil for an empty chain.
func (l *Ledger) Head(ctx context.Context, entityID string) (*Entry, error) {
	return l.store.Head(ctx, entityID)
}

// Entries returns entries with from <= seq <= to.
func (l *Ledger) Entries(ctx context.Context, entityID string, from, to uint64) ([]Entry, error) {
	return l.store.Range(ctx, entityID, from, to)
}

// Entities lists every entity with a chain.
func (l *Ledger) Entities(ctx context.Context) ([]string, error) {
	return l.store.Entities(ctx)
}
