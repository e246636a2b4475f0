package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func startTestNATSServer(t *testing.T) *server.Server {
	t.Helper()
	opts := &server.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		JetStream: true,
		StoreDir:  t.TempDir(),
	}
	s, err := server.NewServer(opts)
	require.NoError(t, err)

	go s.Start()
	if !s.ReadyForConnections(10 * time.Second) {
		t.Fatal("NATS server not ready")
	}
	t.Cleanup(s.Shutdown)
	return s
}

func newTestBus(t *testing.T, s *server.Server) *NATSBus {
	t.Helper()
	config := DefaultConfig().NATS
	config.URL = s.ClientURL()
	config.StreamName = "TEST_EVENTS"
	config.Storage = "memory"
	config.MaxAge = time.Hour

	bus, err := NewNATSBus(config, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = bus.Close() })
	return bus
}

func TestNATSBusStream(t *testing.T) {
	s := startTestNATSServer(t)
	bus := newTestBus(t, s)

	info, err := bus.StreamInfo()
	require.NoError(t, err)
	assert.Equal(t, "TEST_EVENTS", info.Config.Name)
	assert.Equal(t, []string{"kvadmin.events.>"}, info.Config.Subjects)

	// reopening updates the existing stream
	again := newTestBus(t, s)
	_, err = again.StreamInfo()
	require.NoError(t, err)
}

func TestNATSBusPublishSubscribe(t *testing.T) {
	s := startTestNATSServer(t)
	bus := newTestBus(t, s)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	received := make(chan *Event, 10)
	err := bus.SubscribeToEventType(ctx, EventTypePlanSucceeded, EventHandlerFunc(func(ctx context.Context, event *Event) error {
		_, ok := MessageFromContext(ctx)
		assert.True(t, ok)
		received <- event
		return nil
	}))
	require.NoError(t, err)
	assert.Error(t, bus.SubscribeToEventType(ctx, EventTypePlanSucceeded, EventHandlerFunc(func(context.Context, *Event) error { return nil })))

	event, err := NewPlanEvent("admin1", &PlanEvent{PlanID: 4, Name: "fo", Kind: "FAILOVER", State: "SUCCEEDED"}, "")
	require.NoError(t, err)
	require.NoError(t, bus.PublishEvent(ctx, event))
	// a duplicate id is dropped by the stream
	require.NoError(t, bus.PublishEvent(ctx, event))

	select {
	case got := <-received:
		assert.Equal(t, event.ID, got.ID)
		assert.Equal(t, EventTypePlanSucceeded, got.Type)
		assert.Equal(t, "FAILOVER", got.Data["kind"])
	case <-ctx.Done():
		t.Fatal("event not delivered")
	}

	info, err := bus.StreamInfo()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), info.State.Msgs)

	require.NoError(t, bus.UnsubscribeFromEventType(EventTypePlanSucceeded))
	assert.Error(t, bus.UnsubscribeFromEventType(EventTypePlanSucceeded))
}

func TestNATSBusPatternAsync(t *testing.T) {
	bus := newTestBus(t, startTestNATSServer(t))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	received := make(chan EventType, 10)
	require.NoError(t, bus.SubscribeToPattern(ctx, "plan.*", EventHandlerFunc(func(ctx context.Context, event *Event) error {
		received <- event.Type
		return nil
	})))

	for _, state := range []string{"NEW", "APPROVED", "RUNNING"} {
		event, err := NewPlanEvent("admin1", &PlanEvent{PlanID: 1, State: state}, "")
		require.NoError(t, err)
		require.NoError(t, bus.PublishEventAsync(ctx, event))
	}
	// task events do not match the pattern
	progress, err := NewTaskProgressEvent("admin1", &TaskProgressEvent{PlanID: 1}, "")
	require.NoError(t, err)
	require.NoError(t, bus.PublishEventAsync(ctx, progress))
	require.NoError(t, bus.Flush(ctx))

	var got []EventType
	for len(got) < 3 {
		select {
		case et := <-received:
			got = append(got, et)
		case <-ctx.Done():
			t.Fatalf("received %v", got)
		}
	}
	assert.ElementsMatch(t, []EventType{EventTypePlanCreated, EventTypePlanApproved, EventTypePlanRunning}, got)
}
