package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoordinatorRegister(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewCoordinator(reg)
	m.TasksQueued.Add(2)
	m.TasksStopped.WithLabelValues("success").Inc()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.TasksQueued))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TasksStopped.WithLabelValues("success")))
	n, err := testutil.GatherAndCount(reg, "zmlp_coordinator_tasks_queued_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestAnalystUnregistered(t *testing.T) {
	m := NewAnalyst(nil)
	m.TasksRunning.Inc()
	m.TasksRunning.Dec()
	assert.Equal(t, 0.0, testutil.ToFloat64(m.TasksRunning))
	m.PollErrors.WithLabelValues("coordinator:8283").Inc()
	assert.Equal(t, 1, testutil.CollectAndCount(m.PollErrors))
}
