package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordSample("changed")
		m.RecordTransition("idle", "changing", 1)
		m.RecordTrigger()
		m.RecordFrame(true)
		m.RecordSourceLost()
		m.RecordDispatch("isart", nil)
		m.RecordStageDuration("generate", time.Second)
		m.RecordCommand("file")
		m.RecordFileReceived(10)
		m.RecordPlayback(true)
		m.RecordPrint(errors.New("x"))
	})
}

func TestMetrics_Record(t *testing.T) {
	m := New()

	m.RecordTransition("idle", "changing", 1)
	m.RecordTransition("changing", "detected", 2)
	m.RecordTrigger()
	m.RecordDispatch("isart", nil)
	m.RecordDispatch("isart", errors.New("boom"))
	m.RecordPlayback(false)
	m.RecordPlayback(true)
	m.RecordSourceLost()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.state))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sourceLost))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.triggers))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dispatchTotal.WithLabelValues("isart", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dispatchTotal.WithLabelValues("isart", "error")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.playbacks))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.preemptions))
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.RecordCommand("quit")

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `pedestal_node_commands_total{command="quit"} 1`))
}
