package observability

import (
	"bytes"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := log.Writer()
	log.SetOutput(&buf)
	t.Cleanup(func() { log.SetOutput(prev) })
	return &buf
}

func TestStandardLoggerLevelFiltering(t *testing.T) {
	buf := captureLog(t)
	logger := NewStandardLogger("test")

	logger.Debug("hidden", nil)
	assert.Empty(t, buf.String())

	logger.Info("visible", nil)
	assert.Contains(t, buf.String(), "[INFO] [test] visible")
}

func TestStandardLoggerDebugLevel(t *testing.T) {
	buf := captureLog(t)
	logger := NewStandardLoggerWithLevel("test", LogLevelDebug)

	logger.Debug("now shown", nil)
	assert.Contains(t, buf.String(), "[DEBUG] [test] now shown")
}

func TestStandardLoggerFieldsSorted(t *testing.T) {
	buf := captureLog(t)
	logger := NewStandardLogger("test")

	logger.Info("msg", map[string]interface{}{"zeta": 1, "alpha": "x"})
	out := buf.String()
	assert.Contains(t, out, "alpha=x zeta=1")
}

func TestStandardLoggerWith(t *testing.T) {
	buf := captureLog(t)
	logger := NewStandardLogger("test").With(map[string]interface{}{"job_id": "j1"})

	logger.Info("started", nil)
	assert.Contains(t, buf.String(), "job_id=j1")

	buf.Reset()
	logger.Info("progress", map[string]interface{}{"chunk": 3})
	out := buf.String()
	assert.Contains(t, out, "chunk=3")
	assert.Contains(t, out, "job_id=j1")
}

func TestStandardLoggerWithPrefix(t *testing.T) {
	buf := captureLog(t)
	logger := NewStandardLogger("parent").WithPrefix("child")

	logger.Warnf("count=%d", 2)
	assert.Contains(t, buf.String(), "[WARN] [child] count=2")
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, LogLevelDebug, ParseLogLevel("debug"))
	assert.Equal(t, LogLevelWarn, ParseLogLevel("warning"))
	assert.Equal(t, LogLevelInfo, ParseLogLevel("bogus"))
}

func TestInMemoryMetrics(t *testing.T) {
	m := NewInMemoryMetrics()

	m.IncrementCounter("jobs_started", 1)
	m.IncrementCounter("jobs_started", 2)
	m.IncrementCounterWithLabels("chunks", 1, map[string]string{"mode": "serial"})
	m.RecordGauge("pool_busy", 3, nil)
	m.RecordDuration("dispatch", 250*time.Millisecond)

	counters := m.Counters()
	assert.Equal(t, float64(3), counters["jobs_started"])
	assert.Equal(t, float64(1), counters["chunks,mode=serial"])
	assert.Equal(t, float64(1), counters["dispatch_seconds_count"])

	gauges := m.Gauges()
	require.Contains(t, gauges, "pool_busy")
	assert.Equal(t, float64(3), gauges["pool_busy"])

	done := m.StartTimer("op", nil)
	done()
	assert.Equal(t, float64(1), m.Counters()["op_seconds_count"])
}
