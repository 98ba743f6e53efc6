package observability_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"PerpSettle/internal/observability"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLogLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		" WARN ":  zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"":        zerolog.InfoLevel,
		"verbose": zerolog.InfoLevel,
	}
	for in, want := range cases {
		assert.Equal(t, want, observability.ParseLogLevel(in), "%q", in)
	}
}

func TestNewLoggerTo_TagsComponent(t *testing.T) {
	var buf bytes.Buffer
	log := observability.NewLoggerTo(&buf, "settle", "info")
	log.Debug().Msg("hidden")
	log.Info().Msg("shown")

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "settle", line["component"])
	assert.Equal(t, "shown", line["message"])
}

func TestHealthChecker_Readiness(t *testing.T) {
	h := observability.NewHealthChecker()
	probe := func() int {
		rec := httptest.NewRecorder()
		h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		return rec.Code
	}

	assert.Equal(t, http.StatusServiceUnavailable, probe())

	h.SetReady(true)
	assert.Equal(t, http.StatusOK, probe())

	h.AddCheck("postgres", func(context.Context) error { return errors.New("connection refused") })
	assert.Equal(t, http.StatusServiceUnavailable, probe())
	assert.Equal(t, map[string]string{"postgres": "connection refused"}, h.Probe(context.Background()))

	rec := httptest.NewRecorder()
	h.LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetrics_ChannelUtilization(t *testing.T) {
	m := observability.NewMetrics(prometheus.NewRegistry())
	m.SetChannelMetrics("persist", 25, 100)
	assert.Equal(t, 0.25, testutil.ToFloat64(m.ChannelUtilization.WithLabelValues("persist")))
	assert.Equal(t, float64(100), testutil.ToFloat64(m.ChannelCapacity.WithLabelValues("persist")))
}
