// Package persistence writes the committed event and journal history
// to Postgres. The history is append-only and is the system of record
// for downstream reconciliation.
package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// HistoryWriter writes events and journal entries using multi-row
// INSERTs. Switch to pgx CopyFrom if throughput ever demands it.
type HistoryWriter struct {
	db *sql.DB
}

// EventRow is a row in event_log.events.
type EventRow struct {
	Sequence  int64
	EventType string
	Payload   []byte // JSON-encoded envelope payload
	Timestamp time.Time
}

// JournalRow is a row in event_log.journal. Amounts are 18-decimal
// fixed-point integers rendered as strings for the NUMERIC column.
type JournalRow struct {
	JournalID     string
	BatchID       string
	DebitAccount  string
	CreditAccount string
	Collateral    int
	Amount        string
	JournalType   string
	Timestamp     int64
}

func NewHistoryWriter(db *sql.DB) *HistoryWriter {
	return &HistoryWriter{db: db}
}

// WriteEvents appends a batch of event rows. Writes are idempotent on
// the engine sequence.
func (w *HistoryWriter) WriteEvents(ctx context.Context, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.events
		(sequence, event_type, payload, timestamp)
		VALUES `

	values := make([]string, 0, len(events))
	args := make([]interface{}, 0, len(events)*4)

	for i, e := range events {
		base := i * 4
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d)", base+1, base+2, base+3, base+4,
		))
		args = append(args, e.Sequence, e.EventType, e.Payload, e.Timestamp)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := w.db.ExecContext(ctx, query, args...)
	return err
}

// WriteJournals appends a batch of journal rows.
func (w *HistoryWriter) WriteJournals(ctx context.Context, journals []JournalRow) error {
	if len(journals) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.journal
		(journal_id, batch_id, debit_account, credit_account, collateral_index, amount, journal_type, timestamp)
		VALUES `

	values := make([]string, 0, len(journals))
	args := make([]interface{}, 0, len(journals)*8)

	for i, j := range journals {
		base := i * 8
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8,
		))
		args = append(args,
			j.JournalID, j.BatchID, j.DebitAccount, j.CreditAccount,
			j.Collateral, j.Amount, j.JournalType, j.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (journal_id) DO NOTHING"

	_, err := w.db.ExecContext(ctx, query, args...)
	return err
}

// MarshalPayload serializes an event payload for storage.
func MarshalPayload(payload interface{}) ([]byte, error) {
	return json.Marshal(payload)
}
