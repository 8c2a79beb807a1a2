package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics(t *testing.T) {
	// Register should be safe to call multiple times
	Register()
	Register()

	assert.NotPanics(t, func() {
		IncHTTP("test_endpoint")
		ObserveJob("create", "completed")
		ObserveEnqueue("queued")
		AddRecovered(0)
	})
}

func TestSetQueueGauges(t *testing.T) {
	SetQueueGauges(4, 1)
	assert.Equal(t, float64(4), testutil.ToFloat64(queuePending))
	assert.Equal(t, float64(1), testutil.ToFloat64(queueProcessing))

	SetQueueGauges(0, 0)
	assert.Equal(t, float64(0), testutil.ToFloat64(queuePending))
}

func TestAddRecovered(t *testing.T) {
	before := testutil.ToFloat64(recoveredJobs)
	AddRecovered(2)
	AddRecovered(-1)
	assert.Equal(t, before+2, testutil.ToFloat64(recoveredJobs))
}
