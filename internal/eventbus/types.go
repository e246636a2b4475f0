package eventbus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event
type EventType string

const (
	// Plan lifecycle events
	EventTypePlanCreated     EventType = "plan.created"
	EventTypePlanApproved    EventType = "plan.approved"
	EventTypePlanRunning     EventType = "plan.running"
	EventTypePlanInterrupted EventType = "plan.interrupted"
	EventTypePlanSucceeded   EventType = "plan.succeeded"
	EventTypePlanFailed      EventType = "plan.failed"
	EventTypePlanCanceled    EventType = "plan.canceled"

	// Task progress events
	EventTypeTaskProgress EventType = "task.progress"

	// Admin group events
	EventTypeQuorumRepaired EventType = "admin.quorum_repaired"
	EventTypeLeaderChanged  EventType = "admin.leader_changed"

	// Topology events
	EventTypeTopologyDeployed EventType = "topology.deployed"
)

// Event represents a generic event in the system
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Source    string                 `json:"source"`
	Subject   string                 `json:"subject"`
	Data      map[string]interface{} `json:"data"`
	TraceID   string                 `json:"trace_id,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Version   string                 `json:"version"`
}

// NewEvent creates a new event with generated ID and timestamp
func NewEvent(eventType EventType, source, subject string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Subject:   subject,
		Data:      data,
		Timestamp: time.Now().UTC(),
		Version:   "1.0",
	}
}

// WithTraceID adds a trace ID to the event
func (e *Event) WithTraceID(traceID string) *Event {
	e.TraceID = traceID
	return e
}

// PlanEvent describes a plan state change
type PlanEvent struct {
	PlanID    int64  `json:"plan_id"`
	Name      string `json:"name"`
	Kind      string `json:"kind"`
	State     string `json:"state"`
	Candidate string `json:"candidate,omitempty"`
	Term      uint64 `json:"term"`
	Error     string `json:"error,omitempty"`
}

// TaskProgressEvent reports one task transition of a running plan
type TaskProgressEvent struct {
	PlanID    int64  `json:"plan_id"`
	TaskIndex int    `json:"task_index"`
	TaskType  string `json:"task_type"`
	State     string `json:"state"`
	Done      int    `json:"done"`
	Total     int    `json:"total"`
	Error     string `json:"error,omitempty"`
}

// QuorumRepairedEvent reports a forced admin membership change
type QuorumRepairedEvent struct {
	Membership []int `json:"membership"`
	Leader     int   `json:"leader"`
}

// LeaderChangedEvent reports an admin group leadership change; Leader
// is zero when the group lost its leader
type LeaderChangedEvent struct {
	Replica int    `json:"replica"`
	Leader  int    `json:"leader"`
	Term    uint64 `json:"term"`
}

// TopologyDeployedEvent reports a committed topology version
type TopologyDeployedEvent struct {
	Name    string `json:"name"`
	Version int    `json:"version"`
	PlanID  int64  `json:"plan_id"`
}

// EventHandler defines the interface for handling events
type EventHandler interface {
	Handle(ctx context.Context, event *Event) error
}

// EventHandlerFunc is a function adapter for EventHandler
type EventHandlerFunc func(ctx context.Context, event *Event) error

func (f EventHandlerFunc) Handle(ctx context.Context, event *Event) error {
	return f(ctx, event)
}

// Publisher defines the interface for publishing events
type Publisher interface {
	PublishEvent(ctx context.Context, event *Event) error
	PublishEventAsync(ctx context.Context, event *Event) error
}

// EventBus defines the interface for event publishing and subscription
type EventBus interface {
	Publisher
	SubscribeToEventType(ctx context.Context, eventType EventType, handler EventHandler) error
	SubscribeToPattern(ctx context.Context, pattern string, handler EventHandler) error
	UnsubscribeFromEventType(eventType EventType) error
	Close() error
}
