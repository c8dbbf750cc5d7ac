package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg, func() float64 { return 7 })

	m.RequestsTotal.WithLabelValues("forwarded", "responded").Inc()
	m.CallLogDropped.Inc()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("forwarded", "responded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CallLogDropped))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.RateLimitKeys))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestNewWithoutKeyGauge(t *testing.T) {
	m := New(prometheus.NewRegistry(), nil)
	assert.Nil(t, m.RateLimitKeys)
}

func TestStatusClass(t *testing.T) {
	assert.Equal(t, "2xx", StatusClass(200))
	assert.Equal(t, "3xx", StatusClass(302))
	assert.Equal(t, "4xx", StatusClass(429))
	assert.Equal(t, "5xx", StatusClass(503))
	assert.Equal(t, "1xx", StatusClass(101))
}
