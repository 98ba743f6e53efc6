package ingestion_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"PerpSettle/internal/core"
	"PerpSettle/internal/ingestion"
	"PerpSettle/internal/observability"
	"PerpSettle/internal/settlement"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type noteRecord struct {
	Note string `json:"note"`
}

func (noteRecord) Kind() string { return "note" }

type captureSink struct {
	name string
	err  error
	got  []ingestion.OutboundRecord
}

func (s *captureSink) Name() string { return s.name }

func (s *captureSink) Publish(_ context.Context, recs []ingestion.OutboundRecord) error {
	if s.err != nil {
		return s.err
	}
	s.got = append(s.got, recs...)
	return nil
}

func (s *captureSink) Close() error { return nil }

func testOutput(market *uuid.UUID, records ...settlement.Record) core.CoreOutput {
	return core.CoreOutput{
		Call: &core.CallRecord{
			Sequence:  7,
			CallID:    "crank-7",
			Kind:      core.KindConsumeEvents,
			Market:    market,
			Timestamp: time.Unix(1_700_000_000, 0).UTC(),
			StateHash: [32]byte{0xab},
		},
		Records: records,
	}
}

func TestOutboundRecords(t *testing.T) {
	market := uuid.New()
	recs, err := ingestion.OutboundRecords(testOutput(&market, noteRecord{"a"}, noteRecord{"b"}))
	require.NoError(t, err)
	require.Len(t, recs, 2)

	assert.Equal(t, int64(7), recs[1].Sequence)
	assert.Equal(t, 1, recs[1].Ordinal)
	assert.Equal(t, "note", recs[1].Kind)
	assert.Equal(t, core.KindConsumeEvents, recs[1].CallKind)
	assert.Equal(t, market.String(), recs[1].Key())
	assert.Equal(t, "ab", recs[1].StateHash[:2])
	assert.JSONEq(t, `{"note":"b"}`, string(recs[1].Record))

	noMarket, err := ingestion.OutboundRecords(testOutput(nil, noteRecord{"c"}))
	require.NoError(t, err)
	assert.Equal(t, "note", noMarket[0].Key())

	data, err := json.Marshal(&noMarket[0])
	require.NoError(t, err)
	assert.NotContains(t, string(data), `"market"`)
}

func TestOutboundPublisher_FansOutAndCounts(t *testing.T) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	good := &captureSink{name: "good"}
	broken := &captureSink{name: "broken", err: errors.New("broker down")}

	in := make(chan core.CoreOutput, 2)
	in <- testOutput(nil, noteRecord{"x"})
	in <- testOutput(nil)
	close(in)

	p := ingestion.NewOutboundPublisher(in, metrics, zerolog.Nop(), good, broken)
	require.NoError(t, p.Run(context.Background()))

	assert.Len(t, good.got, 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.RecordsPublished.WithLabelValues("good")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.PublishErrors.WithLabelValues("broken")))
}
