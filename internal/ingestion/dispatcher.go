package ingestion

import (
	"context"
	"strings"

	"PerpSettle/internal/core"
	"PerpSettle/internal/observability"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Submitter executes one command on the core goroutine. *core.Runner
// satisfies it.
type Submitter interface {
	Submit(ctx context.Context, cmd core.Command) (*core.Result, error)
}

// Outcome is how an inbound message was settled with the transport.
type Outcome string

const (
	OutcomeAck  Outcome = "ack"
	OutcomeNak  Outcome = "nak"
	OutcomeTerm Outcome = "term"
)

// Dispatcher parses inbound messages and submits them one at a time.
type Dispatcher struct {
	core    Submitter
	metrics *observability.Metrics
	log     zerolog.Logger
}

func NewDispatcher(core Submitter, metrics *observability.Metrics, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{core: core, metrics: metrics, log: log}
}

// Run drains msgChan until ctx is cancelled or the channel closes.
func (d *Dispatcher) Run(ctx context.Context, msgChan <-chan RawMessage) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgChan:
			if !ok {
				return nil
			}
			d.settle(msg, d.Handle(ctx, msg))
		}
	}
}

// Handle submits one message and decides its transport outcome. Calls the
// core rejected deterministically are terminated: redelivery would fail the
// same way. Sequence gaps, a full event queue and shutdown are redelivered.
func (d *Dispatcher) Handle(ctx context.Context, msg RawMessage) Outcome {
	cmd, err := ParseMessage(msg)
	if err != nil {
		d.log.Warn().Err(err).Str("subject", msg.Subject).Msg("unparseable message")
		return OutcomeTerm
	}

	res, err := d.core.Submit(ctx, cmd)
	switch {
	case err == nil:
		if res.Duplicate {
			d.log.Debug().Str("kind", cmd.Kind()).Str("call_id", cmd.Header().CallID).Msg("duplicate acked")
		}
		return OutcomeAck
	case errors.Is(err, core.ErrStopped), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return OutcomeNak
	case core.Reason(err) == "sequence":
		d.log.Warn().Err(err).Str("subject", msg.Subject).Msg("sequence gap, redelivering")
		return OutcomeNak
	case core.Reason(err) == "queue_full":
		d.log.Warn().Err(err).Str("subject", msg.Subject).Msg("event queue full, redelivering")
		return OutcomeNak
	default:
		d.log.Warn().Err(err).
			Str("kind", cmd.Kind()).
			Str("call_id", cmd.Header().CallID).
			Str("reason", core.Reason(err)).
			Msg("call rejected")
		return OutcomeTerm
	}
}

func (d *Dispatcher) settle(msg RawMessage, outcome Outcome) {
	switch outcome {
	case OutcomeAck:
		call(msg.Ack)
	case OutcomeNak:
		call(msg.Nak)
	default:
		call(msg.Term)
	}
	if d.metrics != nil {
		d.metrics.IngestMessages.WithLabelValues(source(msg.Subject), string(outcome)).Inc()
	}
}

func call(fn func()) {
	if fn != nil {
		fn()
	}
}

func source(subject string) string {
	switch {
	case strings.HasPrefix(subject, EngineEventsPrefix):
		return "engine"
	case strings.HasPrefix(subject, CrankPrefix):
		return "crank"
	default:
		return "other"
	}
}
