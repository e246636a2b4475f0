package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEvent(t *testing.T) {
	data := map[string]interface{}{"key": "value"}
	event := NewEvent(EventTypePlanCreated, "admin1", "plan.1", data)

	assert.NotEmpty(t, event.ID)
	assert.Equal(t, EventTypePlanCreated, event.Type)
	assert.Equal(t, "admin1", event.Source)
	assert.Equal(t, "plan.1", event.Subject)
	assert.Equal(t, data, event.Data)
	assert.Equal(t, "1.0", event.Version)
	assert.WithinDuration(t, time.Now(), event.Timestamp, time.Second)
	assert.Empty(t, event.TraceID)

	assert.Same(t, event, event.WithTraceID("trace-1"))
	assert.Equal(t, "trace-1", event.TraceID)
}

func TestNewPlanEvent(t *testing.T) {
	tests := []struct {
		state string
		want  EventType
	}{
		{"NEW", EventTypePlanCreated},
		{"APPROVED", EventTypePlanApproved},
		{"RUNNING", EventTypePlanRunning},
		{"INTERRUPTED", EventTypePlanInterrupted},
		{"SUCCEEDED", EventTypePlanSucceeded},
		{"ERROR", EventTypePlanFailed},
		{"CANCELED", EventTypePlanCanceled},
	}
	for _, tt := range tests {
		t.Run(tt.state, func(t *testing.T) {
			event, err := NewPlanEvent("admin1", &PlanEvent{PlanID: 7, Name: "fo", State: tt.state, Term: 3}, "trace")
			require.NoError(t, err)
			assert.Equal(t, tt.want, event.Type)
			assert.Equal(t, "plan.7", event.Subject)
			assert.Equal(t, "trace", event.TraceID)
			assert.Equal(t, "fo", event.Data["name"])
			assert.Equal(t, float64(3), event.Data["term"])
		})
	}

	_, err := NewPlanEvent("admin1", &PlanEvent{PlanID: 1, State: "BOGUS"}, "")
	assert.Error(t, err)
}

func TestTypedEvents(t *testing.T) {
	progress, err := NewTaskProgressEvent("admin1", &TaskProgressEvent{PlanID: 2, TaskIndex: 1, TaskType: "commit-topology", State: "SUCCEEDED", Done: 2, Total: 2}, "")
	require.NoError(t, err)
	assert.Equal(t, EventTypeTaskProgress, progress.Type)
	assert.Equal(t, "plan.2", progress.Subject)
	assert.Equal(t, "commit-topology", progress.Data["task_type"])

	repaired, err := NewQuorumRepairedEvent("admin2", &QuorumRepairedEvent{Membership: []int{2}, Leader: 2}, "")
	require.NoError(t, err)
	assert.Equal(t, EventTypeQuorumRepaired, repaired.Type)
	assert.Equal(t, []interface{}{float64(2)}, repaired.Data["membership"])

	leader, err := NewLeaderChangedEvent("admin1", &LeaderChangedEvent{Replica: 1, Leader: 0, Term: 4})
	require.NoError(t, err)
	assert.Equal(t, EventTypeLeaderChanged, leader.Type)
	assert.Equal(t, "admin.1", leader.Subject)

	deployed, err := NewTopologyDeployedEvent("admin1", &TopologyDeployedEvent{Name: "store", Version: 3, PlanID: 9}, "t")
	require.NoError(t, err)
	assert.Equal(t, EventTypeTopologyDeployed, deployed.Type)
	assert.Equal(t, "topology.store", deployed.Subject)
	assert.Equal(t, "t", deployed.TraceID)
}

func TestToDataRejectsBadPayloads(t *testing.T) {
	_, err := toData(make(chan int))
	assert.Error(t, err)

	_, err = toData([]int{1, 2})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not an event payload")

	_, err = newTyped(EventTypeTaskProgress, "admin1", "plan.1", "text", "")
	assert.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	enabled := func(mutate func(*Config)) Config {
		c := DefaultConfig()
		c.Enabled = true
		mutate(&c)
		return c
	}
	tests := []struct {
		name   string
		config Config
		errMsg string
	}{
		{name: "disabled default", config: DefaultConfig()},
		{name: "disabled ignores bad settings", config: Config{Type: "kafka"}},
		{name: "enabled default", config: enabled(func(*Config) {})},
		{name: "empty type", config: enabled(func(c *Config) { c.Type = "" }), errMsg: "type is required"},
		{name: "unsupported type", config: enabled(func(c *Config) { c.Type = "kafka" }), errMsg: "kafka"},
		{name: "bad storage", config: enabled(func(c *Config) { c.NATS.Storage = "tape" }), errMsg: "tape"},
		{name: "limits", config: enabled(func(c *Config) { c.NATS.MaxMsgs = 0 }), errMsg: "limits"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}

	t.Run("reports every problem", func(t *testing.T) {
		c := enabled(func(c *Config) { c.NATS = NATSConfig{Storage: "file"} })
		err := c.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "NATS URL")
		assert.Contains(t, err.Error(), "stream name")
		assert.Contains(t, err.Error(), "replicas")
	})

	t.Run("disabled bus is nil", func(t *testing.T) {
		bus, err := Open(DefaultConfig(), nil)
		require.NoError(t, err)
		assert.Nil(t, bus)
	})

	t.Run("invalid bus is not opened", func(t *testing.T) {
		_, err := Open(enabled(func(c *Config) { c.NATS.URL = "" }), nil)
		assert.Error(t, err)
	})
}
