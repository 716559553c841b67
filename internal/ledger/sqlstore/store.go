// Package sqlstore persists the ledger chain in a SQL database.
//
// Two drivers are supported: "sqlite" (glebarez/go-sqlite, pure Go, the
// default for single-node deployments) and "postgres" (lib/pq). Both use
// the same table; amounts are stored as integer minor units and timestamps
// in the canonical RFC3339Nano text form so a stored entry re-hashes to
// exactly the same value.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/lib/pq"

	"github.com/ledgerguard/ledgerguard/internal/ledger"
	"github.com/ledgerguard/ledgerguard/internal/money"
)

const schema = `
CREATE TABLE IF NOT EXISTS ledger_entries (
	entity_id       TEXT    NOT NULL,
	seq             BIGINT  NOT NULL,
	id              TEXT    NOT NULL,
	entry_type      TEXT    NOT NULL,
	source_type     TEXT    NOT NULL DEFAULT '',
	source_id       TEXT    NOT NULL DEFAULT '',
	account_code    TEXT    NOT NULL,
	debit_minor     BIGINT  NOT NULL,
	credit_minor    BIGINT  NOT NULL,
	balance_minor   BIGINT  NOT NULL,
	previous_hash   TEXT    NOT NULL,
	entry_hash      TEXT    NOT NULL,
	created_by      TEXT    NOT NULL,
	created_at      TEXT    NOT NULL,
	PRIMARY KEY (entity_id, seq)
);
CREATE INDEX IF NOT EXISTS idx_ledger_created_at ON ledger_entries(entity_id, created_at);
`

const columns = `entity_id, seq, id, entry_type, source_type, source_id, account_code,
	debit_minor, credit_minor, balance_minor, previous_hash, entry_hash, created_by, created_at`

// Store is a ledger.Store over database/sql.
type Store struct {
	db     *sql.DB // appends
	read   *sql.DB // heads, ranges and listings; may be db
	driver string
}

// Open opens (or creates) the ledger table using the given driver and DSN.
func Open(driver, dsn string) (*Store, error) {
	switch driver {
	case "sqlite":
		if !strings.Contains(dsn, "?") {
			// WAL lets verifiers read while an append is in flight.
			dsn += "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
		}
	case "postgres":
	default:
		return nil, fmt.Errorf("unsupported ledger driver %q (use sqlite or postgres)", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening %s ledger store: %w", driver, err)
	}
	if driver == "sqlite" {
		// One writer connection avoids SQLITE_BUSY between our own appends.
		db.SetMaxOpenConns(1)
	}

	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("creating ledger schema: %w", err)
		}
	}

	s := &Store{db: db, read: db, driver: driver}
	if driver == "sqlite" && !inMemory(dsn) {
		// Reads get their own pool so a long Range never waits behind the
		// writer connection.
		read, err := sql.Open(driver, dsn+"&_pragma=query_only(1)")
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("opening %s ledger read pool: %w", driver, err)
		}
		s.read = read
	}
	return s, nil
}

// inMemory reports whether an sqlite DSN names a private in-memory
// database, which a second pool could not see.
func inMemory(dsn string) bool {
	return strings.Contains(dsn, ":memory:") || strings.Contains(dsn, "mode=memory")
}

// DB exposes the writer handle for maintenance tooling.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close implements ledger.Store.
func (s *Store) Close() error {
	var err error
	if s.read != s.db {
		err = s.read.Close()
	}
	return errors.Join(err, s.db.Close())
}

// rebind rewrites '?' placeholders to '$n' for postgres.
func (s *Store) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Head implements ledger.Store.
func (s *Store) Head(ctx context.Context, entityID string) (*ledger.Entry, error) {
	return s.head(ctx, s.read, entityID)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) head(ctx context.Context, q queryer, entityID string) (*ledger.Entry, error) {
	row := q.QueryRowContext(ctx,
		s.rebind("SELECT "+columns+" FROM ledger_entries WHERE entity_id = ? ORDER BY seq DESC LIMIT 1"),
		entityID)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading head of %s: %w", entityID, err)
	}
	return &e, nil
}

// Insert implements ledger.Store. The head is re-read inside the same
// transaction; the primary key backs it up if two writers slip through.
func (s *Store) Insert(ctx context.Context, e ledger.Entry) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning append transaction: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	head, err := s.head(ctx, tx, e.EntityID)
	if err != nil {
		return err
	}
	wantSeq, wantPrev := uint64(0), ledger.GenesisHash
	if head != nil {
		wantSeq, wantPrev = head.Seq+1, head.Hash
	}
	if e.Seq != wantSeq || e.PrevHash != wantPrev {
		return fmt.Errorf("%w: entity %s head expects seq %d", ledger.ErrConcurrentAppend, e.EntityID, wantSeq)
	}

	_, err = tx.ExecContext(ctx,
		s.rebind("INSERT INTO ledger_entries ("+columns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"),
		e.EntityID, int64(e.Seq), e.ID, string(e.Type), e.SourceType, e.SourceID, e.AccountCode,
		int64(e.Debit), int64(e.Credit), int64(e.RunningBalance),
		e.PrevHash, e.Hash, e.CreatedBy, e.CreatedAt.UTC().Format(ledger.TimeLayout),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: entity %s seq %d already exists", ledger.ErrConcurrentAppend, e.EntityID, e.Seq)
		}
		return fmt.Errorf("inserting ledger entry: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("committing ledger entry: %w", err)
	}
	return nil
}

// Range implements ledger.Store.
func (s *Store) Range(ctx context.Context, entityID string, from, to uint64) ([]ledger.Entry, error) {
	rows, err := s.read.QueryContext(ctx,
		s.rebind("SELECT "+columns+" FROM ledger_entries WHERE entity_id = ? AND seq >= ? AND seq <= ? ORDER BY seq"),
		entityID, int64(from), clampSeq(to))
	if err != nil {
		return nil, fmt.Errorf("querying ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []ledger.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning ledger row: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Entities implements ledger.Store.
func (s *Store) Entities(ctx context.Context) ([]string, error) {
	rows, err := s.read.QueryContext(ctx, "SELECT DISTINCT entity_id FROM ledger_entries ORDER BY entity_id")
	if err != nil {
		return nil, fmt.Errorf("listing ledger entities: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(sc scanner) (ledger.Entry, error) {
	var (
		e                      ledger.Entry
		seq                    int64
		entryType              string
		debit, credit, balance int64
		createdAt              string
	)
	err := sc.Scan(
		&e.EntityID, &seq, &e.ID, &entryType, &e.SourceType, &e.SourceID, &e.AccountCode,
		&debit, &credit, &balance, &e.PrevHash, &e.Hash, &e.CreatedBy, &createdAt,
	)
	if err != nil {
		return ledger.Entry{}, err
	}
	ts, err := time.Parse(ledger.TimeLayout, createdAt)
	if err != nil {
		return ledger.Entry{}, fmt.Errorf("parsing created_at %q: %w", createdAt, err)
	}

	e.Seq = uint64(seq)
	e.Type = ledger.EntryType(entryType)
	e.Debit = money.Amount(debit)
	e.Credit = money.Amount(credit)
	e.RunningBalance = money.Amount(balance)
	e.CreatedAt = ts.UTC()
	return e, nil
}

func clampSeq(seq uint64) int64 {
	if seq > 1<<62 {
		return 1 << 62
	}
	return int64(seq)
}

// isUniqueViolation recognizes primary-key conflicts from either driver.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

var _ ledger.Store = (*Store)(nil)
