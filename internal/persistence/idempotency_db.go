package persistence

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
)

// PostgresIdempotencyChecker is the second dedup tier: it answers for call
// ids that have fallen out of the in-memory LRU.
type PostgresIdempotencyChecker struct {
	db      *sql.DB
	timeout time.Duration
}

func NewPostgresIdempotencyChecker(db *sql.DB) *PostgresIdempotencyChecker {
	return &PostgresIdempotencyChecker{db: db, timeout: 500 * time.Millisecond}
}

// IsDuplicate reports whether a call of this kind and id is in the log.
func (pic *PostgresIdempotencyChecker) IsDuplicate(kind string, callID string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), pic.timeout)
	defer cancel()

	var exists int
	err := pic.db.QueryRowContext(ctx, `
		SELECT 1 FROM settle_log.calls
		WHERE kind = $1 AND call_id = $2
		LIMIT 1
	`, kind, callID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "dedup lookup")
	}
	return true, nil
}
