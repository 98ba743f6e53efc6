package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"PerpSettle/internal/core"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Execer is satisfied by *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// CallRow is a row in settle_log.calls.
type CallRow struct {
	Sequence  int64
	Kind      string
	CallID    string
	MarketID  *uuid.UUID
	Payload   []byte
	StateHash []byte
	PrevHash  []byte
	CalledAt  time.Time
}

// RecordRow is a row in settle_log.records. Ordinal is the record's
// position in its call's emission order.
type RecordRow struct {
	Sequence int64
	Ordinal  int
	Kind     string
	Body     []byte
}

// Rows flattens one committed call into its log rows.
func Rows(out core.CoreOutput) (CallRow, []RecordRow, error) {
	c := out.Call
	call := CallRow{
		Sequence:  c.Sequence,
		Kind:      c.Kind,
		CallID:    c.CallID,
		MarketID:  c.Market,
		Payload:   c.Payload,
		StateHash: append([]byte(nil), c.StateHash[:]...),
		PrevHash:  append([]byte(nil), c.PrevHash[:]...),
		CalledAt:  c.Timestamp,
	}
	records := make([]RecordRow, 0, len(out.Records))
	for i, r := range out.Records {
		body, err := json.Marshal(r)
		if err != nil {
			return call, nil, errors.Wrapf(err, "marshal %s record of call %d", r.Kind(), c.Sequence)
		}
		records = append(records, RecordRow{Sequence: c.Sequence, Ordinal: i, Kind: r.Kind(), Body: body})
	}
	return call, records, nil
}

// SettleLogWriter batch-inserts calls and records with multi-row INSERTs.
// Conflicts are ignored so a retried batch is harmless.
type SettleLogWriter struct {
	maxRowsPerStmt int
}

func NewSettleLogWriter(maxRowsPerStmt int) *SettleLogWriter {
	if maxRowsPerStmt <= 0 {
		maxRowsPerStmt = 500
	}
	return &SettleLogWriter{maxRowsPerStmt: maxRowsPerStmt}
}

func (w *SettleLogWriter) WriteCallBatch(ctx context.Context, ex Execer, calls []CallRow) error {
	return w.insert(ctx, ex, "settle_log.calls",
		"sequence, kind, call_id, market_id, payload, state_hash, prev_hash, called_at",
		"(sequence)", len(calls),
		func(i int) []interface{} {
			c := calls[i]
			return []interface{}{c.Sequence, c.Kind, c.CallID, c.MarketID, string(c.Payload), c.StateHash, c.PrevHash, c.CalledAt}
		})
}

func (w *SettleLogWriter) WriteRecordBatch(ctx context.Context, ex Execer, records []RecordRow) error {
	return w.insert(ctx, ex, "settle_log.records",
		"sequence, ordinal, kind, body",
		"(sequence, ordinal)", len(records),
		func(i int) []interface{} {
			r := records[i]
			return []interface{}{r.Sequence, r.Ordinal, r.Kind, string(r.Body)}
		})
}

func (w *SettleLogWriter) insert(
	ctx context.Context,
	ex Execer,
	table, columns, conflict string,
	n int,
	row func(i int) []interface{},
) error {
	for start := 0; start < n; start += w.maxRowsPerStmt {
		end := min(start+w.maxRowsPerStmt, n)
		query, args := buildInsert(table, columns, conflict, start, end, row)
		if _, err := ex.ExecContext(ctx, query, args...); err != nil {
			return errors.Wrapf(err, "insert %s rows %d..%d", table, start, end)
		}
	}
	return nil
}

func buildInsert(table, columns, conflict string, start, end int, row func(i int) []interface{}) (string, []interface{}) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "INSERT INTO %s (%s) VALUES ", table, columns)

	args := make([]interface{}, 0, (end-start)*8)
	for i := start; i < end; i++ {
		vals := row(i)
		if i > start {
			sb.WriteString(", ")
		}
		sb.WriteByte('(')
		for j := range vals {
			if j > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", len(args)+j+1)
		}
		sb.WriteByte(')')
		args = append(args, vals...)
	}
	fmt.Fprintf(&sb, " ON CONFLICT %s DO NOTHING", conflict)
	return sb.String(), args
}
