package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ledgerguard/ledgerguard/internal/money"
)

// tamper rewrites a stored entry in place, bypassing the ledger.
func (m *MemoryStore) tamper(entityID string, seq uint64, fn func(e *Entry)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(&m.chains[entityID][seq])
}

func fixedClock() func() time.Time {
	t := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Second)
		return t
	}
}

func newTestLedger() (*Ledger, *MemoryStore) {
	store := NewMemoryStore()
	return New(store, Options{Now: fixedClock()}), store
}

func debit(entity string, amount money.Amount) AppendRequest {
	return AppendRequest{
		EntityID:    entity,
		Type:        TypeTransaction,
		SourceType:  "invoice",
		SourceID:    "inv-1",
		AccountCode: "4000",
		Debit:       amount,
		CreatedBy:   "posting-service",
	}
}

func credit(entity string, amount money.Amount) AppendRequest {
	r := debit(entity, 0)
	r.Credit = amount
	return r
}

func appendN(t *testing.T, l *Ledger, entity string, n int) []Entry {
	t.Helper()
	var out []Entry
	for i := 0; i < n; i++ {
		req := debit(entity, money.FromMajor(int64(100+i)))
		if i%3 == 2 {
			req = credit(entity, money.FromMajor(50))
		}
		e, err := l.Append(context.Background(), req)
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		out = append(out, e)
	}
	return out
}

func TestComputeHash_Deterministic(t *testing.T) {
	e := &Entry{
		ID:          "e1",
		EntityID:    "acme",
		Seq:         1,
		Type:        TypeTransaction,
		AccountCode: "4000",
		Debit:       10000,
		CreatedBy:   "u",
		CreatedAt:   time.Date(2026, 2, 12, 10, 0, 0, 0, time.UTC),
		PrevHash:    GenesisHash,
	}

	h1, h2 := computeHash(e), computeHash(e)
	if h1 != h2 {
		t.Error("same input should produce the same hash")
	}
	if !strings.HasPrefix(h1, "sha256:") || len(h1) != len("sha256:")+64 {
		t.Errorf("unexpected hash form %q", h1)
	}
}

func TestComputeHash_SensitiveToAllFields(t *testing.T) {
	base := Entry{
		ID:             "e1",
		EntityID:       "acme",
		Seq:            3,
		Type:           TypeTransaction,
		SourceType:     "invoice",
		SourceID:       "inv-9",
		AccountCode:    "4000",
		Debit:          500,
		RunningBalance: 1500,
		CreatedBy:      "u",
		CreatedAt:      time.Date(2026, 2, 12, 10, 0, 0, 0, time.UTC),
		PrevHash:       "sha256:abc",
	}
	baseHash := computeHash(&base)

	tests := []struct {
		name   string
		modify func(e *Entry)
	}{
		{"id", func(e *Entry) { e.ID = "e2" }},
		{"entity", func(e *Entry) { e.EntityID = "other" }},
		{"seq", func(e *Entry) { e.Seq = 99 }},
		{"type", func(e *Entry) { e.Type = TypeAdjustment }},
		{"source_type", func(e *Entry) { e.SourceType = "bill" }},
		{"source_id", func(e *Entry) { e.SourceID = "inv-10" }},
		{"account", func(e *Entry) { e.AccountCode = "4001" }},
		{"debit", func(e *Entry) { e.Debit = 501 }},
		{"credit", func(e *Entry) { e.Credit = 1 }},
		{"balance", func(e *Entry) { e.RunningBalance = 0 }},
		{"created_by", func(e *Entry) { e.CreatedBy = "v" }},
		{"created_at", func(e *Entry) { e.CreatedAt = e.CreatedAt.Add(time.Nanosecond) }},
		{"prev_hash", func(e *Entry) { e.PrevHash = "sha256:xyz" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			modified := base
			tt.modify(&modified)
			if computeHash(&modified) == baseHash {
				t.Errorf("changing %s should produce a different hash", tt.name)
			}
		})
	}
}

func TestComputeHash_SeparatorInFieldsCannotCollide(t *testing.T) {
	a := Entry{SourceType: "a|b", SourceID: "c", PrevHash: GenesisHash}
	b := Entry{SourceType: "a", SourceID: "b|c", PrevHash: GenesisHash}
	if computeHash(&a) == computeHash(&b) {
		t.Error("shifting a separator between fields must change the hash")
	}
}

func TestAppend_AssignsChainFields(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	e0, err := l.Append(ctx, debit("acme", money.MustParse("1000.00")))
	if err != nil {
		t.Fatal(err)
	}
	if e0.Seq != 0 || e0.PrevHash != GenesisHash {
		t.Errorf("first entry: seq=%d prev=%s", e0.Seq, e0.PrevHash)
	}
	if e0.RunningBalance != money.MustParse("1000.00") {
		t.Errorf("first balance = %s", e0.RunningBalance)
	}

	e1, err := l.Append(ctx, credit("acme", money.MustParse("250.25")))
	if err != nil {
		t.Fatal(err)
	}
	if e1.Seq != 1 || e1.PrevHash != e0.Hash {
		t.Errorf("second entry: seq=%d prev=%s want prev=%s", e1.Seq, e1.PrevHash, e0.Hash)
	}
	if e1.RunningBalance != money.MustParse("749.75") {
		t.Errorf("second balance = %s, want 749.75", e1.RunningBalance)
	}
	if e1.ID == "" || e1.ID == e0.ID {
		t.Error("entries need distinct ids")
	}
}

func TestAppend_ChainsArePerEntity(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	if _, err := l.Append(ctx, debit("a", 100)); err != nil {
		t.Fatal(err)
	}
	b0, err := l.Append(ctx, debit("b", 100))
	if err != nil {
		t.Fatal(err)
	}
	if b0.Seq != 0 || b0.PrevHash != GenesisHash {
		t.Errorf("entity b should start its own chain, got seq=%d", b0.Seq)
	}
}

func TestAppend_UsesRequestTimestamp(t *testing.T) {
	l, _ := newTestLedger()
	ts := time.Date(2025, 12, 31, 23, 59, 59, 123456789, time.FixedZone("WAT", 3600))
	req := debit("acme", 100)
	req.Timestamp = ts

	e, err := l.Append(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if !e.CreatedAt.Equal(ts) || e.CreatedAt.Location() != time.UTC {
		t.Errorf("CreatedAt = %v, want %v in UTC", e.CreatedAt, ts)
	}
}

func TestAppend_RejectsInvalid(t *testing.T) {
	tests := []struct {
		name   string
		modify func(r *AppendRequest)
	}{
		{"no entity", func(r *AppendRequest) { r.EntityID = "" }},
		{"unknown type", func(r *AppendRequest) { r.Type = "refund" }},
		{"no account", func(r *AppendRequest) { r.AccountCode = " " }},
		{"no creator", func(r *AppendRequest) { r.CreatedBy = "" }},
		{"negative debit", func(r *AppendRequest) { r.Debit = -1 }},
		{"both sides", func(r *AppendRequest) { r.Credit = 5 }},
		{"neither side", func(r *AppendRequest) { r.Debit = 0 }},
		{"adjustment without reference", func(r *AppendRequest) { r.Type = TypeAdjustment; r.SourceID = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, store := newTestLedger()
			req := debit("acme", 100)
			tt.modify(&req)

			_, err := l.Append(context.Background(), req)
			if !errors.Is(err, ErrInvalidEntry) {
				t.Fatalf("expected ErrInvalidEntry, got %v", err)
			}
			if head, _ := store.Head(context.Background(), "acme"); head != nil {
				t.Error("invalid append must not write anything")
			}
		})
	}
}

func TestAppend_RejectsBalanceOverflow(t *testing.T) {
	tests := []struct {
		name  string
		first AppendRequest
		next  AppendRequest
		ok    bool
	}{
		{"debit past max", debit("acme", math.MaxInt64), debit("acme", 1), false},
		{"credit past min", credit("acme", math.MaxInt64), credit("acme", 2), false},
		{"credit to exactly min", credit("acme", math.MaxInt64), credit("acme", 1), true},
		{"credit back from max", debit("acme", math.MaxInt64), credit("acme", math.MaxInt64), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, store := newTestLedger()
			ctx := context.Background()
			first, err := l.Append(ctx, tt.first)
			if err != nil {
				t.Fatal(err)
			}

			_, err = l.Append(ctx, tt.next)
			if tt.ok {
				if err != nil {
					t.Fatalf("append: %v", err)
				}
				return
			}
			if !errors.Is(err, ErrInvalidEntry) {
				t.Fatalf("expected ErrInvalidEntry, got %v", err)
			}
			head, _ := store.Head(ctx, "acme")
			if head == nil || head.Seq != 0 || head.RunningBalance != first.RunningBalance {
				t.Errorf("rejected append must leave the chain untouched, head = %+v", head)
			}
		})
	}
}

func TestAppend_OpeningBalanceMayBeZero(t *testing.T) {
	l, _ := newTestLedger()
	req := debit("acme", 0)
	req.Type = TypeOpeningBalance

	e, err := l.Append(context.Background(), req)
	if err != nil {
		t.Fatalf("zero opening balance should be accepted: %v", err)
	}
	if e.RunningBalance != 0 {
		t.Errorf("balance = %s", e.RunningBalance)
	}
}

func TestAppend_ConcurrentSameEntity(t *testing.T) {
	l, _ := newTestLedger()
	const n = 200

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Append(context.Background(), debit("acme", 100)); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent append failed: %v", err)
	}

	entries, err := l.Entries(context.Background(), "acme", 0, n)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != n {
		t.Fatalf("expected %d entries, got %d", n, len(entries))
	}
	for i, e := range entries {
		if e.Seq != uint64(i) {
			t.Fatalf("entry %d has seq %d", i, e.Seq)
		}
	}
	if entries[n-1].RunningBalance != money.Amount(100*n) {
		t.Errorf("final balance = %s", entries[n-1].RunningBalance)
	}

	res, err := l.Verify(context.Background(), "acme", 0)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Verified {
		t.Errorf("concurrent appends should form one valid chain: %+v", res.Discrepancies)
	}
}

func TestMemoryStore_RejectsStaleInsert(t *testing.T) {
	l, store := newTestLedger()
	e, err := l.Append(context.Background(), debit("acme", 100))
	if err != nil {
		t.Fatal(err)
	}

	stale := e
	stale.ID = "replay"
	if err := store.Insert(context.Background(), stale); !errors.Is(err, ErrConcurrentAppend) {
		t.Errorf("re-inserting seq %d should conflict, got %v", e.Seq, err)
	}

	wrongLink := e
	wrongLink.Seq = 1
	wrongLink.PrevHash = GenesisHash
	if err := store.Insert(context.Background(), wrongLink); !errors.Is(err, ErrConcurrentAppend) {
		t.Errorf("insert with stale previous hash should conflict, got %v", err)
	}
}

type recordingPublisher struct {
	mu     sync.Mutex
	topics []string
	events []any
	fail   bool
}

func (p *recordingPublisher) Publish(_ context.Context, topic string, event any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("broker down")
	}
	p.topics = append(p.topics, topic)
	p.events = append(p.events, event)
	return nil
}

func TestAppend_PublishesAndNotifies(t *testing.T) {
	pub := &recordingPublisher{}
	l := New(NewMemoryStore(), Options{Publisher: pub, Topic: "test.ledger"})

	var seen []Entry
	unsubscribe := l.Subscribe(func(e Entry) { seen = append(seen, e) })

	if _, err := l.Append(context.Background(), debit("acme", 100)); err != nil {
		t.Fatal(err)
	}
	unsubscribe()
	if _, err := l.Append(context.Background(), debit("acme", 100)); err != nil {
		t.Fatal(err)
	}

	if len(pub.events) != 2 || pub.topics[0] != "test.ledger" {
		t.Errorf("expected 2 events on test.ledger, got %d %v", len(pub.events), pub.topics)
	}
	if len(seen) != 1 {
		t.Errorf("subscriber should see only the first append, saw %d", len(seen))
	}
}

func TestAppend_PublishFailureDoesNotUndoCommit(t *testing.T) {
	l := New(NewMemoryStore(), Options{Publisher: &recordingPublisher{fail: true}})
	e, err := l.Append(context.Background(), debit("acme", 100))
	if err != nil {
		t.Fatalf("append should succeed when the broker is down: %v", err)
	}
	head, _ := l.Head(context.Background(), "acme")
	if head == nil || head.Hash != e.Hash {
		t.Error("entry should be committed")
	}
}

type failingStore struct{ *MemoryStore }

func (failingStore) Insert(context.Context, Entry) error { return errors.New("disk full") }

func TestAppend_StorageFailure(t *testing.T) {
	l := New(failingStore{NewMemoryStore()}, Options{})
	if _, err := l.Append(context.Background(), debit("acme", 100)); err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("expected storage error, got %v", err)
	}
}

func TestExport_Formats(t *testing.T) {
	l, _ := newTestLedger()
	appendN(t, l, "acme", 3)

	var jsonl bytes.Buffer
	if err := l.Export(context.Background(), &jsonl, "acme", "jsonl"); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(jsonl.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("jsonl: expected 3 lines, got %d", len(lines))
	}
	var first Entry
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatal(err)
	}
	if computeHash(&first) != first.Hash {
		t.Error("exported entry should re-hash to its stored hash")
	}

	var csvBuf bytes.Buffer
	if err := l.Export(context.Background(), &csvBuf, "acme", "csv"); err != nil {
		t.Fatal(err)
	}
	if rows := strings.Count(csvBuf.String(), "\n"); rows != 4 {
		t.Errorf("csv: expected header + 3 rows, got %d lines", rows)
	}

	if err := l.Export(context.Background(), &csvBuf, "acme", "xml"); err == nil {
		t.Error("unknown format should fail")
	}
}
