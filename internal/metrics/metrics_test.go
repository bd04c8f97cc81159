package metrics

import (
	"testing"

	"github.com/ChuLiYu/cube-tasks/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewCollector(reg), reg
}

func startEvent(id types.TaskID, kind types.TaskKind) types.Event {
	return types.Event{Event: types.EventStart, TaskID: id, Task: &types.Task{ID: id, Kind: kind}}
}

func TestNewCollector(t *testing.T) {
	collector, reg := newTestCollector(t)

	assert.NotNil(t, collector, "NewCollector should return a non-nil collector")
	assert.NotNil(t, collector.tasksStarted, "tasksStarted counter should be initialized")
	assert.NotNil(t, collector.tasksCompleted, "tasksCompleted counter should be initialized")
	assert.NotNil(t, collector.tasksFailed, "tasksFailed counter should be initialized")
	assert.NotNil(t, collector.polls, "polls counter should be initialized")
	assert.NotNil(t, collector.taskDuration, "taskDuration histogram should be initialized")
	assert.NotNil(t, collector.tasksInFlight, "tasksInFlight gauge should be initialized")

	// registering the same metrics twice must fail
	assert.Panics(t, func() { NewCollector(reg) })
}

func TestSend_SuccessfulTask(t *testing.T) {
	collector, _ := newTestCollector(t)

	collector.Send(startEvent(42, types.KindNew))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.tasksStarted.WithLabelValues("new")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.tasksInFlight))

	collector.Send(types.Event{Event: types.EventUpdate, TaskID: 42, ProgressPercent: 30})
	collector.Send(types.Event{Event: types.EventUpdate, TaskID: 42, ProgressPercent: 60})
	assert.Equal(t, 2.0, testutil.ToFloat64(collector.progressUpdates))

	collector.Send(types.Event{Event: types.EventResult, TaskID: 42})
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.tasksCompleted))
	assert.Equal(t, 0.0, testutil.ToFloat64(collector.tasksInFlight))
	assert.Equal(t, 1, testutil.CollectAndCount(collector.taskDuration))
}

func TestSend_FailureStage(t *testing.T) {
	collector, _ := newTestCollector(t)

	// no START before the ERROR: submission failed
	collector.Send(types.Event{Event: types.EventError, TaskID: types.NoTaskID, Message: "x"})
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.tasksFailed.WithLabelValues("submit")))

	collector.Send(startEvent(7, types.KindHistory))
	collector.Send(types.Event{Event: types.EventError, TaskID: 7, Message: "y"})
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.tasksFailed.WithLabelValues("poll")))
	assert.Equal(t, 0.0, testutil.ToFloat64(collector.tasksInFlight))
}

func TestSend_SameIDRunTwice(t *testing.T) {
	collector, _ := newTestCollector(t)

	// two history commands resuming the same task
	collector.Send(startEvent(7, types.KindHistory))
	collector.Send(startEvent(7, types.KindHistory))
	assert.Equal(t, 2.0, testutil.ToFloat64(collector.tasksInFlight))

	collector.Send(types.Event{Event: types.EventResult, TaskID: 7})
	collector.Send(types.Event{Event: types.EventError, TaskID: 7, Message: "y"})

	assert.Equal(t, 0.0, testutil.ToFloat64(collector.tasksInFlight))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.tasksCompleted))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.tasksFailed.WithLabelValues("poll")))
	assert.Equal(t, 0.0, testutil.ToFloat64(collector.tasksFailed.WithLabelValues("submit")))
	assert.Equal(t, 2, testutil.CollectAndCount(collector.taskDuration))
	assert.Empty(t, collector.started)
}

func TestRecordDiscard(t *testing.T) {
	collector, _ := newTestCollector(t)

	collector.Send(startEvent(9, types.KindNew))
	collector.RecordDiscard(9)
	assert.Equal(t, 0.0, testutil.ToFloat64(collector.tasksInFlight))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.tasksDiscarded))

	// nothing pending for the id: ignored
	collector.RecordDiscard(9)
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.tasksDiscarded))
	assert.Equal(t, 0.0, testutil.ToFloat64(collector.tasksInFlight))

	var nilCollector *Collector
	assert.NotPanics(t, func() { nilCollector.RecordDiscard(9) })
}

func TestSend_UnknownKind(t *testing.T) {
	collector, _ := newTestCollector(t)

	collector.Send(types.Event{Event: types.EventStart, TaskID: 1})
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.tasksStarted.WithLabelValues("unknown")))
}

func TestRecordPoll(t *testing.T) {
	collector, _ := newTestCollector(t)

	for i := 0; i < 5; i++ {
		collector.RecordPoll()
	}
	assert.Equal(t, 5.0, testutil.ToFloat64(collector.polls))

	var nilCollector *Collector
	assert.NotPanics(t, func() { nilCollector.RecordPoll() })
}

func TestGatherExposesAllFamilies(t *testing.T) {
	collector, reg := newTestCollector(t)
	collector.Send(startEvent(1, types.KindSingle))
	collector.Send(types.Event{Event: types.EventUpdate, TaskID: 1})
	collector.Send(types.Event{Event: types.EventResult, TaskID: 1})
	collector.Send(types.Event{Event: types.EventError, TaskID: types.NoTaskID})
	collector.RecordPoll()
	collector.Send(startEvent(2, types.KindNew))
	collector.RecordDiscard(2)

	families, err := reg.Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"cube_tasks_started_total",
		"cube_tasks_completed_total",
		"cube_tasks_failed_total",
		"cube_tasks_polls_total",
		"cube_tasks_progress_updates_total",
		"cube_tasks_discarded_total",
		"cube_tasks_duration_seconds",
		"cube_tasks_in_flight",
	} {
		assert.True(t, names[want], "missing metric family %s", want)
	}
}
