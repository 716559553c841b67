package ledger

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
)

// Export writes an entity's full chain to w in the given format.
// Supported formats: "jsonl" (default), "json", "csv".
func (l *Ledger) Export(ctx context.Context, w io.Writer, entityID, format string) error {
	head, err := l.store.Head(ctx, entityID)
	if err != nil {
		return fmt.Errorf("reading chain head for export: %w", err)
	}
	var entries []Entry
	if head != nil {
		entries, err = l.store.Range(ctx, entityID, 0, head.Seq)
		if err != nil {
			return fmt.Errorf("reading entries for export: %w", err)
		}
	}

	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if entries == nil {
			entries = []Entry{}
		}
		return enc.Encode(entries)

	case "csv":
		cw := csv.NewWriter(w)
		header := []string{
			"entity_id", "sequence_number", "id", "entry_type", "source_type", "source_id",
			"account_code", "debit_amount", "credit_amount", "running_balance",
			"created_by", "created_at", "previous_hash", "entry_hash",
		}
		if err := cw.Write(header); err != nil {
			return err
		}
		for _, e := range entries {
			if err := cw.Write([]string{
				e.EntityID,
				strconv.FormatUint(e.Seq, 10),
				e.ID,
				string(e.Type),
				e.SourceType,
				e.SourceID,
				e.AccountCode,
				e.Debit.String(),
				e.Credit.String(),
				e.RunningBalance.String(),
				e.CreatedBy,
				e.CreatedAt.UTC().Format(TimeLayout),
				e.PrevHash,
				e.Hash,
			}); err != nil {
				return err
			}
		}
		cw.Flush()
		return cw.Error()

	case "jsonl", "":
		enc := json.NewEncoder(w)
		for _, e := range entries {
			if err := enc.Encode(e); err != nil {
				return err
			}
		}
		return nil

	default:
		return fmt.Errorf("unsupported export format: %s (use json, jsonl, or csv)", format)
	}
}
