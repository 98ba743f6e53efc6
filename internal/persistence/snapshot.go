package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"PerpSettle/internal/core"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
)

// snapshotFormat v2: zstd-compressed JSON of core.SnapshotState.
const snapshotFormat = 2

// SnapshotCodec compresses snapshot states. Encoder and decoder are reused
// and safe for concurrent use.
type SnapshotCodec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func NewSnapshotCodec() (*SnapshotCodec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, errors.Wrap(err, "create zstd encoder")
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, errors.Wrap(err, "create zstd decoder")
	}
	return &SnapshotCodec{enc: enc, dec: dec}, nil
}

func (c *SnapshotCodec) Encode(snap *core.SnapshotState) ([]byte, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, errors.Wrap(err, "marshal snapshot")
	}
	return c.enc.EncodeAll(data, make([]byte, 0, len(data)/4)), nil
}

func (c *SnapshotCodec) Decode(data []byte) (*core.SnapshotState, error) {
	raw, err := c.dec.DecodeAll(data, nil)
	if err != nil {
		return nil, errors.Wrap(err, "zstd decompress snapshot")
	}
	var snap core.SnapshotState
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, errors.Wrap(err, "unmarshal snapshot")
	}
	return &snap, nil
}

// SnapshotManager stores snapshots and reads the call log back for replay.
// Warm restart loads the latest verified snapshot and replays calls from
// snapshot.Sequence+1.
type SnapshotManager struct {
	db    *sql.DB
	codec *SnapshotCodec
}

func NewSnapshotManager(db *sql.DB, codec *SnapshotCodec) *SnapshotManager {
	return &SnapshotManager{db: db, codec: codec}
}

// SaveSnapshot persists snap unverified and returns its compressed size.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *core.SnapshotState, createdAt time.Time) (int, error) {
	data, err := sm.codec.Encode(snap)
	if err != nil {
		return 0, err
	}

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO settle_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6
	`, uuid.New(), snap.Sequence, data, snap.StateHash[:], snapshotFormat, len(data), createdAt)
	if err != nil {
		return 0, errors.Wrapf(err, "save snapshot at %d", snap.Sequence)
	}
	return len(data), nil
}

// LoadLatestSnapshot returns the most recent verified snapshot, or nil on a
// cold start.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*core.SnapshotState, error) {
	var data []byte
	err := sm.db.QueryRowContext(ctx, `
		SELECT data FROM settle_log.snapshots
		WHERE verified = TRUE AND format_version = $1
		ORDER BY sequence DESC
		LIMIT 1
	`, snapshotFormat).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "load snapshot")
	}
	return sm.codec.Decode(data)
}

// MarkVerified marks a snapshot as usable for restart. The snapshot's state
// hash must match the hash the log recorded for the same sequence.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	res, err := sm.db.ExecContext(ctx, `
		UPDATE settle_log.snapshots s SET verified = TRUE
		FROM settle_log.calls c
		WHERE s.sequence = $1 AND c.sequence = s.sequence AND c.state_hash = s.state_hash
	`, sequence)
	if err != nil {
		return errors.Wrapf(err, "verify snapshot %d", sequence)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Errorf("snapshot %d does not match the call log", sequence)
	}
	return nil
}

// VerifyPending marks every unverified snapshot whose call has since been
// logged with the same hash. It returns how many were marked.
func (sm *SnapshotManager) VerifyPending(ctx context.Context) (int64, error) {
	res, err := sm.db.ExecContext(ctx, `
		UPDATE settle_log.snapshots s SET verified = TRUE
		FROM settle_log.calls c
		WHERE s.verified = FALSE AND c.sequence = s.sequence AND c.state_hash = s.state_hash
	`)
	if err != nil {
		return 0, errors.Wrap(err, "verify pending snapshots")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// LoadCallsFrom reads up to limit calls starting at fromSequence.
func (sm *SnapshotManager) LoadCallsFrom(ctx context.Context, fromSequence int64, limit int) ([]CallRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, kind, call_id, market_id, payload, state_hash, prev_hash, called_at
		FROM settle_log.calls
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, errors.Wrap(err, "load calls")
	}
	defer rows.Close()

	var calls []CallRow
	for rows.Next() {
		var c CallRow
		var market uuid.NullUUID
		if err := rows.Scan(
			&c.Sequence, &c.Kind, &c.CallID, &market,
			&c.Payload, &c.StateHash, &c.PrevHash, &c.CalledAt,
		); err != nil {
			return nil, err
		}
		if market.Valid {
			c.MarketID = &market.UUID
		}
		calls = append(calls, c)
	}
	return calls, rows.Err()
}

// GetLatestSequence returns the highest logged sequence, or -1 when empty.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := sm.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM settle_log.calls`).Scan(&seq); err != nil {
		return 0, errors.Wrap(err, "latest sequence")
	}
	if !seq.Valid {
		return -1, nil
	}
	return seq.Int64, nil
}

// ReplayFrom feeds every logged call after the core's restored position back
// through Replay and checks the recomputed hash chain against the log.
// It returns the number of calls replayed.
func ReplayFrom(ctx context.Context, sm *SnapshotManager, c *core.DeterministicCore, pageSize int) (int, error) {
	n := 0
	for {
		calls, err := sm.LoadCallsFrom(ctx, c.GetSequence(), pageSize)
		if err != nil {
			return n, err
		}
		if len(calls) == 0 {
			return n, nil
		}
		for _, row := range calls {
			if err := ReplayCall(c, row); err != nil {
				return n, err
			}
			n++
		}
	}
}

// ReplayCall re-executes one logged call and compares hashes.
func ReplayCall(c *core.DeterministicCore, row CallRow) error {
	if row.Sequence != c.GetSequence() {
		return errors.Errorf("replay gap: log has %d, core expects %d", row.Sequence, c.GetSequence())
	}
	cmd, err := core.DecodeCommand(row.Kind, row.Payload)
	if err != nil {
		return errors.Wrapf(err, "replay call %d", row.Sequence)
	}
	res, err := c.Replay(cmd)
	if err != nil {
		return errors.Wrapf(err, "replay call %d (%s)", row.Sequence, row.Kind)
	}
	if res.Duplicate {
		return errors.Errorf("replay call %d (%s %s) was a duplicate", row.Sequence, row.Kind, row.CallID)
	}
	if string(res.StateHash[:]) != string(row.StateHash) {
		return errors.Errorf("replay call %d: state hash %x, log has %x", row.Sequence, res.StateHash, row.StateHash)
	}
	return nil
}
