package ingestion

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"time"

	"PerpSettle/internal/core"
	"PerpSettle/internal/observability"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// OutboundRecord is the published form of one settlement record.
type OutboundRecord struct {
	Sequence  int64           `json:"sequence"`
	CallID    string          `json:"call_id"`
	CallKind  string          `json:"call_kind"`
	Market    *uuid.UUID      `json:"market,omitempty"`
	Ordinal   int             `json:"ordinal"`
	Kind      string          `json:"kind"`
	StateHash string          `json:"state_hash"`
	Timestamp time.Time       `json:"timestamp"`
	Record    json.RawMessage `json:"record"`
}

// Key partitions downstream consumers by market, falling back to the kind.
func (r *OutboundRecord) Key() string {
	if r.Market != nil {
		return r.Market.String()
	}
	return r.Kind
}

// OutboundRecords flattens one committed call into publishable records.
func OutboundRecords(out core.CoreOutput) ([]OutboundRecord, error) {
	c := out.Call
	recs := make([]OutboundRecord, 0, len(out.Records))
	for i, r := range out.Records {
		body, err := json.Marshal(r)
		if err != nil {
			return nil, errors.Wrapf(err, "marshal %s record", r.Kind())
		}
		recs = append(recs, OutboundRecord{
			Sequence:  c.Sequence,
			CallID:    c.CallID,
			CallKind:  c.Kind,
			Market:    c.Market,
			Ordinal:   i,
			Kind:      r.Kind(),
			StateHash: hex.EncodeToString(c.StateHash[:]),
			Timestamp: c.Timestamp,
			Record:    body,
		})
	}
	return recs, nil
}

// Sink delivers encoded records somewhere downstream.
type Sink interface {
	Name() string
	Publish(ctx context.Context, recs []OutboundRecord) error
	Close() error
}

// NATSSink publishes each record on perp.settle.records.<kind>.
type NATSSink struct {
	js jetstream.JetStream
}

func NewNATSSink(js jetstream.JetStream) *NATSSink {
	return &NATSSink{js: js}
}

func (s *NATSSink) Name() string { return "nats" }

func (s *NATSSink) Publish(ctx context.Context, recs []OutboundRecord) error {
	for i := range recs {
		data, err := json.Marshal(&recs[i])
		if err != nil {
			return errors.Wrap(err, "marshal outbound record")
		}
		if _, err := s.js.Publish(ctx, RecordsPrefix+recs[i].Kind, data); err != nil {
			return errors.Wrapf(err, "publish %s", recs[i].Kind)
		}
	}
	return nil
}

func (s *NATSSink) Close() error { return nil }

// KafkaSink writes records to one topic keyed by market.
type KafkaSink struct {
	writer *kafka.Writer
}

func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return &KafkaSink{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			BatchTimeout: 10 * time.Millisecond,
		},
	}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Publish(ctx context.Context, recs []OutboundRecord) error {
	msgs := make([]kafka.Message, 0, len(recs))
	for i := range recs {
		data, err := json.Marshal(&recs[i])
		if err != nil {
			return errors.Wrap(err, "marshal outbound record")
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(recs[i].Key()),
			Value: data,
			Headers: []kafka.Header{
				{Key: "kind", Value: []byte(recs[i].Kind)},
			},
		})
	}
	return s.writer.WriteMessages(ctx, msgs...)
}

func (s *KafkaSink) Close() error { return s.writer.Close() }

// OutboundPublisher drains the core's publish channel. Publishing is best
// effort: the settle log is authoritative and consumers can catch up from it.
type OutboundPublisher struct {
	sinks     []Sink
	inputChan <-chan core.CoreOutput
	metrics   *observability.Metrics
	log       zerolog.Logger
}

func NewOutboundPublisher(inputChan <-chan core.CoreOutput, metrics *observability.Metrics, log zerolog.Logger, sinks ...Sink) *OutboundPublisher {
	return &OutboundPublisher{sinks: sinks, inputChan: inputChan, metrics: metrics, log: log}
}

func (op *OutboundPublisher) Run(ctx context.Context) error {
	defer func() {
		for _, s := range op.sinks {
			if err := s.Close(); err != nil {
				op.log.Warn().Err(err).Str("sink", s.Name()).Msg("close sink")
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case out, ok := <-op.inputChan:
			if !ok {
				return nil
			}
			op.publish(ctx, out)
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, out core.CoreOutput) {
	if len(out.Records) == 0 {
		return
	}
	recs, err := OutboundRecords(out)
	if err != nil {
		op.log.Error().Err(err).Int64("sequence", out.Call.Sequence).Msg("encode outbound records")
		return
	}
	for _, s := range op.sinks {
		if err := s.Publish(ctx, recs); err != nil {
			op.log.Warn().Err(err).Str("sink", s.Name()).Int64("sequence", out.Call.Sequence).Msg("outbound publish failed")
			if op.metrics != nil {
				op.metrics.PublishErrors.WithLabelValues(s.Name()).Inc()
			}
			continue
		}
		if op.metrics != nil {
			op.metrics.RecordsPublished.WithLabelValues(s.Name()).Add(float64(len(recs)))
		}
	}
}
