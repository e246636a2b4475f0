package eventbus

import (
	"encoding/json"
	"fmt"
)

// toData flattens a typed payload into the generic event data map
func toData(v interface{}) (map[string]interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %T: %w", v, err)
	}
	var data map[string]interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("%T is not an event payload: %w", v, err)
	}
	return data, nil
}

func newTyped(eventType EventType, source, subject string, payload interface{}, traceID string) (*Event, error) {
	data, err := toData(payload)
	if err != nil {
		return nil, err
	}
	event := NewEvent(eventType, source, subject, data)
	if traceID != "" {
		event.WithTraceID(traceID)
	}
	return event, nil
}

func planSubject(id int64) string {
	return fmt.Sprintf("plan.%d", id)
}

// PlanEventType maps a plan state to its lifecycle event type
func PlanEventType(state string) (EventType, bool) {
	switch state {
	case "NEW":
		return EventTypePlanCreated, true
	case "APPROVED":
		return EventTypePlanApproved, true
	case "RUNNING":
		return EventTypePlanRunning, true
	case "INTERRUPTED":
		return EventTypePlanInterrupted, true
	case "SUCCEEDED":
		return EventTypePlanSucceeded, true
	case "ERROR":
		return EventTypePlanFailed, true
	case "CANCELED":
		return EventTypePlanCanceled, true
	}
	return "", false
}

// NewPlanEvent creates a plan lifecycle event for the plan's state
func NewPlanEvent(source string, data *PlanEvent, traceID string) (*Event, error) {
	eventType, ok := PlanEventType(data.State)
	if !ok {
		return nil, fmt.Errorf("no event for plan state %q", data.State)
	}
	return newTyped(eventType, source, planSubject(data.PlanID), data, traceID)
}

// NewTaskProgressEvent creates a task progress event
func NewTaskProgressEvent(source string, data *TaskProgressEvent, traceID string) (*Event, error) {
	return newTyped(EventTypeTaskProgress, source, planSubject(data.PlanID), data, traceID)
}

// NewQuorumRepairedEvent creates an admin quorum repaired event
func NewQuorumRepairedEvent(source string, data *QuorumRepairedEvent, traceID string) (*Event, error) {
	return newTyped(EventTypeQuorumRepaired, source, "admin.membership", data, traceID)
}

// NewLeaderChangedEvent creates an admin leader changed event
func NewLeaderChangedEvent(source string, data *LeaderChangedEvent) (*Event, error) {
	return newTyped(EventTypeLeaderChanged, source, fmt.Sprintf("admin.%d", data.Replica), data, "")
}

// NewTopologyDeployedEvent creates a topology deployed event
func NewTopologyDeployedEvent(source string, data *TopologyDeployedEvent, traceID string) (*Event, error) {
	return newTyped(EventTypeTopologyDeployed, source, fmt.Sprintf("topology.%s", data.Name), data, traceID)
}
