package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	fetchBatch   = 10
	fetchWait    = 500 * time.Millisecond
	ackWait      = 30 * time.Second
	maxDelivered = 3
)

// NATSBus publishes events to a JetStream stream and feeds durable pull
// consumers to subscribed handlers.
type NATSBus struct {
	cfg    NATSConfig
	logger *zap.Logger
	nc     *nats.Conn
	js     nats.JetStreamContext

	mu   sync.Mutex
	subs map[string]*nats.Subscription

	done chan struct{}
	wg   sync.WaitGroup
}

type msgContextKey struct{}

// MessageFromContext returns the NATS message a handler is processing.
func MessageFromContext(ctx context.Context) (*nats.Msg, bool) {
	msg, ok := ctx.Value(msgContextKey{}).(*nats.Msg)
	return msg, ok
}

// NewNATSBus connects to the server and creates or updates the stream.
func NewNATSBus(cfg NATSConfig, logger *zap.Logger) (*NATSBus, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &NATSBus{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "eventbus"), zap.String("stream", cfg.StreamName)),
		subs:   make(map[string]*nats.Subscription),
		done:   make(chan struct{}),
	}

	nc, err := nats.Connect(cfg.URL,
		nats.Name("kvadmin"),
		nats.Timeout(cfg.ConnectTimeout),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			b.logger.Warn("Event stream disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			b.logger.Info("Event stream reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.URL, err)
	}
	b.nc = nc

	if b.js, err = nc.JetStream(); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to open JetStream: %w", err)
	}
	if err := b.ensureStream(); err != nil {
		nc.Close()
		return nil, err
	}
	b.logger.Info("Event stream ready", zap.String("url", cfg.URL))
	return b, nil
}

func (b *NATSBus) ensureStream() error {
	sc := &nats.StreamConfig{
		Name:       b.cfg.StreamName,
		Subjects:   []string{b.cfg.SubjectPrefix + ".>"},
		Retention:  nats.LimitsPolicy,
		Storage:    nats.FileStorage,
		MaxAge:     b.cfg.MaxAge,
		MaxBytes:   b.cfg.MaxBytes,
		MaxMsgs:    b.cfg.MaxMsgs,
		Replicas:   b.cfg.Replicas,
		Duplicates: b.cfg.DuplicateWindow,
	}
	if b.cfg.Storage == "memory" {
		sc.Storage = nats.MemoryStorage
	}

	_, err := b.js.AddStream(sc)
	if errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		_, err = b.js.UpdateStream(sc)
	}
	if err != nil {
		return fmt.Errorf("failed to configure stream %s: %w", b.cfg.StreamName, err)
	}
	return nil
}

// PublishEvent publishes an event and waits for the stream to store it.
// The event id is the dedup id, so a retried publish is stored once.
func (b *NATSBus) PublishEvent(ctx context.Context, event *Event) error {
	return b.publish(ctx, event, false)
}

// PublishEventAsync publishes without waiting for the stream ack.
func (b *NATSBus) PublishEventAsync(ctx context.Context, event *Event) error {
	return b.publish(ctx, event, true)
}

func (b *NATSBus) publish(ctx context.Context, event *Event, async bool) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event %s: %w", event.ID, err)
	}
	subject := b.subject(string(event.Type))
	if async {
		_, err = b.js.PublishAsync(subject, data, nats.MsgId(event.ID))
	} else {
		_, err = b.js.Publish(subject, data, nats.MsgId(event.ID), nats.Context(ctx))
	}
	if err != nil {
		b.logger.Error("Failed to publish event",
			zap.String("event_id", event.ID),
			zap.String("subject", subject),
			zap.Bool("async", async),
			zap.Error(err))
		return fmt.Errorf("failed to publish %s: %w", event.Type, err)
	}
	b.logger.Debug("Published event", zap.String("event_id", event.ID), zap.String("subject", subject))
	return nil
}

// Flush waits for the acks of every async publish.
func (b *NATSBus) Flush(ctx context.Context) error {
	select {
	case <-b.js.PublishAsyncComplete():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SubscribeToEventType delivers new events of one type to handler until ctx
// ends or the bus closes.
func (b *NATSBus) SubscribeToEventType(ctx context.Context, eventType EventType, handler EventHandler) error {
	return b.subscribe(ctx, string(eventType), handler)
}

// SubscribeToPattern takes NATS wildcards, e.g. "plan.*".
func (b *NATSBus) SubscribeToPattern(ctx context.Context, pattern string, handler EventHandler) error {
	return b.subscribe(ctx, pattern, handler)
}

func (b *NATSBus) subscribe(ctx context.Context, key string, handler EventHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[key]; ok {
		return fmt.Errorf("already subscribed to %s", key)
	}

	sub, err := b.js.PullSubscribe(b.subject(key), durableName(key),
		nats.AckExplicit(),
		nats.DeliverNew(),
		nats.MaxDeliver(maxDelivered),
		nats.AckWait(ackWait))
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", key, err)
	}
	b.subs[key] = sub

	b.wg.Add(1)
	go b.consume(ctx, key, sub, handler)
	b.logger.Info("Subscribed to events", zap.String("key", key))
	return nil
}

func (b *NATSBus) consume(ctx context.Context, key string, sub *nats.Subscription, handler EventHandler) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.done:
			return
		default:
		}

		msgs, err := sub.Fetch(fetchBatch, nats.MaxWait(fetchWait))
		switch {
		case err == nil:
		case errors.Is(err, nats.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
			continue
		case errors.Is(err, nats.ErrBadSubscription), errors.Is(err, nats.ErrConnectionClosed):
			return
		default:
			b.logger.Warn("Failed to fetch events", zap.String("key", key), zap.Error(err))
			continue
		}

		for _, msg := range msgs {
			b.deliver(ctx, key, msg, handler)
		}
	}
}

// deliver acks handled events, naks failed ones for redelivery and
// terminates events that cannot be decoded.
func (b *NATSBus) deliver(ctx context.Context, key string, msg *nats.Msg, handler EventHandler) {
	var event Event
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		b.logger.Error("Dropping undecodable event", zap.String("key", key), zap.Error(err))
		_ = msg.Term()
		return
	}
	if err := handler.Handle(context.WithValue(ctx, msgContextKey{}, msg), &event); err != nil {
		b.logger.Warn("Event handler failed",
			zap.String("key", key),
			zap.String("event_id", event.ID),
			zap.Error(err))
		_ = msg.Nak()
		return
	}
	_ = msg.Ack()
}

// UnsubscribeFromEventType stops the consumer of one event type.
func (b *NATSBus) UnsubscribeFromEventType(eventType EventType) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[string(eventType)]
	if !ok {
		return fmt.Errorf("not subscribed to %s", eventType)
	}
	delete(b.subs, string(eventType))
	return sub.Unsubscribe()
}

// Close stops every consumer and closes the connection.
func (b *NATSBus) Close() error {
	close(b.done)

	b.mu.Lock()
	for key, sub := range b.subs {
		if err := sub.Unsubscribe(); err != nil {
			b.logger.Warn("Failed to unsubscribe", zap.String("key", key), zap.Error(err))
		}
	}
	b.subs = make(map[string]*nats.Subscription)
	b.mu.Unlock()

	b.wg.Wait()
	b.nc.Close()
	b.logger.Info("Event stream closed")
	return nil
}

// StreamInfo returns the state of the backing stream.
func (b *NATSBus) StreamInfo() (*nats.StreamInfo, error) {
	return b.js.StreamInfo(b.cfg.StreamName)
}

func (b *NATSBus) subject(key string) string {
	return b.cfg.SubjectPrefix + "." + key
}

// durableName maps a subject key to a consumer name; NATS forbids '.',
// '*' and '>' in names.
func durableName(key string) string {
	r := strings.NewReplacer(".", "-", "*", "any", ">", "all")
	return "kvadmin-" + r.Replace(key)
}
