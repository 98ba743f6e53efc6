package core

import (
	"encoding/json"
	"time"

	"PerpSettle/internal/event"
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/observability"
	"PerpSettle/internal/settlement"
	"PerpSettle/internal/validate"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrMissingCallID   = errors.New("call id is required")
)

// DeterministicCore is the single-threaded settlement host. Every call runs
// as one transaction over the world: all of it commits or none of it does.
type DeterministicCore struct {
	world             *World
	sequence          int64
	hasher            *StateHasher
	idempotency       *IdempotencyChecker
	sequenceValidator *SequenceValidator
	validator         *validate.Validator
	metrics           *observability.Metrics
	log               zerolog.Logger

	persistChan chan<- CoreOutput
	publishChan chan<- CoreOutput
}

// CallRecord is the persisted envelope of one committed call.
type CallRecord struct {
	Sequence  int64           `json:"sequence"`
	CallID    string          `json:"call_id"`
	Kind      string          `json:"kind"`
	Market    *uuid.UUID      `json:"market,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	StateHash [32]byte        `json:"state_hash"`
	PrevHash  [32]byte        `json:"prev_hash"`
	Payload   json.RawMessage `json:"payload"`
}

type CoreOutput struct {
	Call    *CallRecord
	Records []settlement.Record
	Delta   *Delta
}

// Result is what the caller of Execute gets back.
type Result struct {
	Sequence  int64
	StateHash [32]byte
	Duplicate bool
	Records   []settlement.Record

	Consume      *settlement.ConsumeStats
	Purge        *settlement.PurgeResult
	Cancelled    int
	OrderID      uint64
	FundingDelta *fpmath.I80F48
}

// Options configures a DeterministicCore.
type Options struct {
	StartSequence int64
	DedupCapacity int
	DBChecker     DBIdempotencyChecker
	Validator     *validate.Validator
	Metrics       *observability.Metrics
	Log           zerolog.Logger
}

func NewDeterministicCore(opts Options, persistChan, publishChan chan<- CoreOutput) *DeterministicCore {
	if opts.DedupCapacity <= 0 {
		opts.DedupCapacity = 1_000_000
	}
	if opts.Validator == nil {
		opts.Validator = validate.New(validate.Config{})
	}
	log := opts.Log.With().Str("component", "core").Logger()
	return &DeterministicCore{
		world:             NewWorld(),
		sequence:          opts.StartSequence,
		hasher:            NewStateHasher(),
		idempotency:       NewIdempotencyChecker(opts.DedupCapacity, opts.DBChecker, log),
		sequenceValidator: NewSequenceValidator(),
		validator:         opts.Validator,
		metrics:           opts.Metrics,
		log:               log,
		persistChan:       persistChan,
		publishChan:       publishChan,
	}
}

// Execute runs one call. A duplicate call id is acknowledged without effect.
// On error the world is left exactly as it was.
func (c *DeterministicCore) Execute(cmd Command) (*Result, error) {
	return c.execute(cmd, false)
}

// Replay re-applies a call read back from the settlement log after a
// snapshot restore. Only the LRU is consulted for duplicates and nothing is
// emitted, since the call is already persisted.
func (c *DeterministicCore) Replay(cmd Command) (*Result, error) {
	res, err := c.execute(cmd, true)
	if err == nil && c.metrics != nil {
		c.metrics.ReplayCallsTotal.Inc()
	}
	return res, err
}

func (c *DeterministicCore) execute(cmd Command, replay bool) (*Result, error) {
	start := time.Now()
	kind := cmd.Kind()
	hdr := cmd.Header()

	if hdr.CallID == "" {
		return nil, c.reject(kind, errors.Wrap(ErrMissingCallID, kind))
	}
	if hdr.Timestamp < 0 {
		return nil, c.reject(kind, errors.Wrapf(ErrInvalidArgument, "timestamp %d", hdr.Timestamp))
	}

	// Step 1: idempotency (two-tier)
	var isDuplicate bool
	var tier string
	if replay {
		isDuplicate, tier = c.idempotency.Seen(kind, hdr.CallID), "lru"
	} else {
		isDuplicate, tier = c.idempotency.IsDuplicate(kind, hdr.CallID)
	}

	// Step 2: queue sequence for matching-engine slots
	var partition string
	if push, ok := cmd.(*PushEvent); ok {
		var err error
		partition, err = c.validatePush(push, isDuplicate)
		if err != nil {
			return nil, c.reject(kind, err)
		}
	}

	if isDuplicate {
		if c.metrics != nil {
			c.metrics.IdempotencyDuplicates.WithLabelValues(kind, tier).Inc()
			c.metrics.CoreCallsRejected.WithLabelValues(kind, "duplicate").Inc()
		}
		c.log.Debug().Str("kind", kind).Str("call_id", hdr.CallID).Str("tier", tier).Msg("duplicate call")
		return &Result{Duplicate: true, Sequence: -1}, nil
	}

	// Step 3: run against staged copies
	t := newTx(c.world)
	buf := &settlement.RecordBuffer{}
	env := &settlement.Env{
		ProgramID: c.validator.Config().ProgramOwner,
		Emitter:   buf,
		Log:       c.log,
	}
	res, err := c.run(t, env, cmd)
	if err != nil {
		return nil, c.reject(kind, err)
	}

	// Step 4: commit and chain
	delta := t.commit()
	hashStart := time.Now()
	prevHash := c.hasher.GetPrevHash()
	stateHash := c.hasher.ComputeHash(c.sequence, delta.Digest())
	if c.metrics != nil {
		c.metrics.CoreStateHashDur.Observe(time.Since(hashStart).Seconds())
	}

	payload, err := json.Marshal(cmd)
	if err != nil {
		// commands are plain structs; this cannot fail after decode
		panic("FATAL: marshal committed call: " + err.Error())
	}
	call := &CallRecord{
		Sequence:  c.sequence,
		CallID:    hdr.CallID,
		Kind:      kind,
		Market:    marketOf(cmd),
		Timestamp: time.UnixMicro(hdr.Timestamp).UTC(),
		StateHash: stateHash,
		PrevHash:  prevHash,
		Payload:   payload,
	}
	res.Sequence = c.sequence
	res.StateHash = stateHash
	res.Records = buf.Records()
	c.sequence++

	if partition != "" {
		c.sequenceValidator.Advance(partition, cmd.(*PushEvent).SeqNum)
	}
	c.idempotency.MarkProcessed(kind, hdr.CallID)

	// Step 5: emit. Persist blocks, publish drops when full.
	output := CoreOutput{Call: call, Records: res.Records, Delta: delta}
	if !replay {
		c.emit(output)
	}

	c.observe(kind, cmd, res, delta, start)
	return res, nil
}

func (c *DeterministicCore) emit(output CoreOutput) {
	if c.persistChan != nil {
		select {
		case c.persistChan <- output:
		default:
			if c.metrics != nil {
				c.metrics.PersistBackpressure.Inc()
			}
			c.persistChan <- output
		}
	}
	if c.publishChan != nil {
		select {
		case c.publishChan <- output:
		default:
			if c.metrics != nil {
				c.metrics.PublishDrops.Inc()
			}
		}
	}
}

func (c *DeterministicCore) validatePush(cmd *PushEvent, isDuplicate bool) (string, error) {
	partition := "market:" + cmd.Market.String()
	if !c.sequenceValidator.Known(partition) {
		ms, err := c.world.Market(cmd.Market)
		if err != nil {
			return "", err
		}
		c.sequenceValidator.SetExpectedSequence(partition, ms.Queue.Header.SeqNum)
	}
	if err := c.sequenceValidator.ValidateSequence(partition, cmd.SeqNum, isDuplicate); err != nil {
		if c.metrics != nil {
			if errors.Is(err, ErrSequenceGap) {
				c.metrics.EventSequenceGap.WithLabelValues(partition).Inc()
			} else {
				c.metrics.EventOutOfOrder.WithLabelValues(partition).Inc()
			}
		}
		return "", errors.Wrap(err, "sequence validation failed")
	}
	return partition, nil
}

func (c *DeterministicCore) reject(kind string, err error) error {
	reason := Reason(err)
	if c.metrics != nil {
		c.metrics.CoreCallsRejected.WithLabelValues(kind, reason).Inc()
	}
	ev := c.log.Info()
	if reason == string(settlement.ClassInvariant) || reason == string(settlement.ClassUnknown) {
		ev = c.log.Error()
	}
	ev.Err(err).Str("kind", kind).Str("reason", reason).Msg("call rejected")
	return err
}

func (c *DeterministicCore) observe(kind string, cmd Command, res *Result, delta *Delta, start time.Time) {
	if c.metrics == nil {
		return
	}
	c.metrics.CoreCallsApplied.WithLabelValues(kind).Inc()
	c.metrics.CoreCallDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	c.metrics.CoreSequence.Set(float64(c.sequence))
	c.metrics.DedupLRUSize.Set(float64(c.idempotency.Size()))
	for _, r := range res.Records {
		c.metrics.CoreRecords.WithLabelValues(r.Kind()).Inc()
	}
	for key, ms := range delta.Markets {
		c.metrics.QueueDepth.WithLabelValues(key.String()).Set(float64(ms.Queue.Len()))
	}

	m := marketOf(cmd)
	if m == nil {
		return
	}
	label := m.String()
	if s := res.Consume; s != nil {
		c.metrics.EventsConsumed.WithLabelValues(label).Add(float64(s.Processed))
		c.metrics.EventsOutOfOrder.WithLabelValues(label).Add(float64(s.OutOfOrder))
		c.metrics.EventsSkipped.WithLabelValues(label).Add(float64(s.Skipped))
		if s.StoppedOnMissing {
			c.metrics.ConsumeStalled.WithLabelValues(label).Inc()
		}
	}
	if kind == KindPruneOrders {
		c.metrics.OrdersPruned.WithLabelValues(label).Add(float64(res.Cancelled))
	}
	if p := res.Purge; p != nil {
		c.metrics.PositionsPurged.WithLabelValues(label).Inc()
		c.metrics.PurgeSettledNative.WithLabelValues(label).Add(float64(p.Transferred))
	}
}

// Reason labels a rejected call for metrics and transport mapping.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrUnknownGroup), errors.Is(err, ErrUnknownMarket),
		errors.Is(err, ErrUnknownBank), errors.Is(err, ErrUnknownOracle),
		errors.Is(err, ErrUnknownAccount):
		return "not_found"
	case errors.Is(err, ErrInvalidArgument), errors.Is(err, ErrMissingCallID),
		errors.Is(err, ErrUnknownCommand):
		return "invalid_argument"
	case errors.Is(err, ErrAlreadyExists):
		return "already_exists"
	case errors.Is(err, ErrSequenceGap), errors.Is(err, ErrOutOfOrder):
		return "sequence"
	case errors.Is(err, event.ErrQueueFull):
		// clears once the market's queue is consumed
		return "queue_full"
	}
	return string(settlement.Classify(err))
}

// recoverArithmetic turns a fixed-point panic raised outside the settlement
// package into the call's error.
func recoverArithmetic(err *error) {
	if r := recover(); r != nil {
		if ae, ok := r.(*fpmath.ArithmeticError); ok {
			*err = errors.Wrap(ae, "host arithmetic")
			return
		}
		panic(r)
	}
}

// --- Queries ---
// Only safe on the core goroutine (or before Run starts).

// World returns the live world. Callers must not mutate it.
func (c *DeterministicCore) World() *World {
	return c.world
}

// GetSequence returns the next sequence to assign.
func (c *DeterministicCore) GetSequence() int64 {
	return c.sequence
}

// GetStateHash returns the current state hash (chain tip).
func (c *DeterministicCore) GetStateHash() [32]byte {
	return c.hasher.GetPrevHash()
}

// WarmLRU loads recent composite idempotency keys into the LRU cache.
func (c *DeterministicCore) WarmLRU(keys []string) {
	c.idempotency.Warm(keys)
}

// --- Snapshot Restore ---

// SnapshotState is the serializable in-memory state for restore.
type SnapshotState struct {
	Sequence        int64             `json:"sequence"`
	StateHash       [32]byte          `json:"state_hash"`
	World           *WorldImage       `json:"world"`
	SequenceState   map[string]uint64 `json:"sequence_state"`
	IdempotencyKeys []string          `json:"idempotency_keys"`
}

// CreateSnapshotState captures the current state. Sequence is the last
// committed call.
func (c *DeterministicCore) CreateSnapshotState() *SnapshotState {
	return &SnapshotState{
		Sequence:        c.sequence - 1,
		StateHash:       c.hasher.GetPrevHash(),
		World:           c.world.Image(),
		SequenceState:   c.sequenceValidator.GetAllPartitions(),
		IdempotencyKeys: c.idempotency.Keys(),
	}
}

// RestoreFromSnapshot replaces the core's state. Replay of later calls
// continues from snap.Sequence+1.
func (c *DeterministicCore) RestoreFromSnapshot(snap *SnapshotState) error {
	w, err := snap.World.World()
	if err != nil {
		return errors.Wrap(err, "restore world")
	}
	c.world = w
	c.sequence = snap.Sequence + 1
	c.hasher.SetPrevHash(snap.StateHash)
	for partition, next := range snap.SequenceState {
		c.sequenceValidator.SetExpectedSequence(partition, next)
	}
	c.idempotency.Warm(snap.IdempotencyKeys)
	c.log.Info().
		Int64("sequence", snap.Sequence).
		Int("markets", len(w.Markets)).
		Int("accounts", len(w.Accounts)).
		Msg("restored from snapshot")
	return nil
}
