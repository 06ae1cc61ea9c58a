package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxflame/voxgate/pkg/gateway/live/sessions"
)

func TestNilMetricsAreNoOps(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordTransition("idle", "speaking")
		m.RecordBargeIn()
		m.RecordCorrection(CorrectionOK, time.Second)
		m.RecordSynthesis(SynthesisReply)
		m.RecordStale("synthesis_ended")
		m.RecordBroadcastFailures(2)
		m.RecordProtocolError("invalid_json")
		m.RecordInboundAudio(10)
	})
}

func TestCounters(t *testing.T) {
	m := New("")

	m.RecordTransition("idle", "awaiting_correction")
	m.RecordTransition("idle", "idle")
	m.RecordBargeIn()
	m.RecordCorrection(CorrectionTimeout, 3*time.Second)
	m.RecordCorrection(CorrectionPassthru, 0)
	m.RecordBroadcastFailures(0)
	m.RecordBroadcastFailures(2)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.StateTransitions.WithLabelValues("idle", "awaiting_correction")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.StateTransitions), "self transitions are not counted")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BargeIns))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Corrections.WithLabelValues(CorrectionTimeout)))
	assert.Equal(t, 1, testutil.CollectAndCount(m.CorrectionDuration))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.BroadcastFailures))
}

func TestSessionsGaugeTracksRegistry(t *testing.T) {
	m := New("")
	reg := sessions.NewRegistry(m.SessionsActive)

	unregisterA := reg.Register("a", sessions.Handle{})
	reg.Register("b", sessions.Handle{})
	assert.Equal(t, 2.0, testutil.ToFloat64(m.SessionsActive))

	unregisterA()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsActive))
	reg.Unregister("b")
	assert.Equal(t, 0.0, testutil.ToFloat64(m.SessionsActive))
}

func TestHandlerExposesNamespace(t *testing.T) {
	m := New("vg")
	m.RecordBargeIn()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "vg_barge_ins_total 1"), "body:\n%s", body)
}
