package prometheus

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRPCMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := newRPCMetrics(reg)

	m.RecordRequest("portmap", "GETPORT", "SUCCESS", 2*time.Millisecond)
	m.RecordRequest("portmap", "GETPORT", "SUCCESS", time.Millisecond)
	m.RecordRequest("portmap", "DUMP", "PROC_UNAVAIL", time.Millisecond)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.requestsTotal.WithLabelValues("portmap", "GETPORT", "SUCCESS")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requestsTotal.WithLabelValues("portmap", "DUMP", "PROC_UNAVAIL")))

	m.RecordRequestStart("echo")
	m.RecordRequestStart("echo")
	m.RecordRequestEnd("echo")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requestsInFlight.WithLabelValues("echo")))

	m.RecordBytesTransferred("in", 200)
	m.RecordBytesTransferred("in", 4)
	assert.Equal(t, 204.0, testutil.ToFloat64(m.bytesTransferred.WithLabelValues("in")))

	m.RecordConnectionAccepted()
	m.SetActiveConnections(3)
	m.RecordConnectionClosed()
	m.RecordConnectionForceClosed()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.connectionsAccepted))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.activeConnections))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.connectionsClosed))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.connectionsForceClosed))

	m.RecordDRCHit("cached")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.drcHits.WithLabelValues("cached")))
}

func TestNewRPCMetricsDisabled(t *testing.T) {
	// The global registry is never initialised in this package's tests.
	m := NewRPCMetrics()
	assert.NotNil(t, m)
	m.RecordRequest("p", "q", "SUCCESS", time.Second)
}
