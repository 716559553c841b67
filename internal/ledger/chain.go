// Package ledger implements the append-only, hash-chained financial ledger.
//
// Every committed movement is an Entry in its entity's chain. An entry's
// hash is SHA-256 over a canonical serialization of all of its fields,
// including the previous entry's hash, so editing any historical entry
// invalidates it and breaks every link after it.
//
// Chains are per entity. Sequence numbers start at 0, and entry 0 links to
// GenesisHash.
package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// GenesisHash is the previous-hash value of the first entry in every chain.
const GenesisHash = "sha256:0000000000000000000000000000000000000000000000000000000000000000"

// TimeLayout is the canonical timestamp form used in hashes and storage.
const TimeLayout = time.RFC3339Nano

// computeHash calculates the chain hash for an entry using its stored
// PrevHash. Returns a prefixed hash string: "sha256:<hex>".
func computeHash(e *Entry) string {
	return hashWithPrev(e, e.PrevHash)
}

// hashWithPrev hashes e as if its PrevHash were prev. The verifier uses it
// to re-derive the chain independently of the stored links.
//
// Canonical form:
//
//	prev | id | entity | seq | type | source_type | source_id | account |
//	debit | credit | balance | created_by | created_at
//
// String fields are quoted so a '|' inside a value cannot shift fields.
func hashWithPrev(e *Entry, prev string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%d|%s|%s|%s|%s|%d|%d|%d|%s|%s",
		prev,
		strconv.Quote(e.ID),
		strconv.Quote(e.EntityID),
		e.Seq,
		strconv.Quote(string(e.Type)),
		strconv.Quote(e.SourceType),
		strconv.Quote(e.SourceID),
		strconv.Quote(e.AccountCode),
		int64(e.Debit),
		int64(e.Credit),
		int64(e.RunningBalance),
		strconv.Quote(e.CreatedBy),
		e.CreatedAt.UTC().Format(TimeLayout),
	)
	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}

// verifyEntry reports whether an entry's stored hash matches its contents.
func verifyEntry(e *Entry) bool {
	return e.Hash == computeHash(e)
}
