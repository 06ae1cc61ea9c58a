// Package redisbus bridges the recognizer, corrector and synthesizer over
// Redis pub/sub. Requests go out on shared or per-session "in" channels;
// replies come back on per-session "out" channels the bus subscribes to when
// a session attaches.
//
// Channel layout, with the default prefix "voxgate":
//
//	voxgate:asr:in:<session>        audio and finalize
//	voxgate:asr:out:<session>       recognition results
//	voxgate:corrector:in            correction requests
//	voxgate:corrector:out:<session> correction replies
//	voxgate:tts:in                  synthesize and flush
//	voxgate:tts:out:<session>       started, ended, failed, audio
package redisbus

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/voxflame/voxgate/pkg/core/events"
	"github.com/voxflame/voxgate/pkg/core/faults"
	"github.com/voxflame/voxgate/pkg/gateway/live/router"
)

const tracerName = "github.com/voxflame/voxgate/pkg/gateway/collab/redisbus"

var services = []string{"asr", "corrector", "tts"}

// Bus is a router endpoint for all three collaborators.
type Bus struct {
	client  *redis.Client
	emitter router.Emitter
	prefix  string
	logger  *slog.Logger
	tracer  trace.Tracer

	mu   sync.Mutex
	subs map[string]*subscription
}

type subscription struct {
	pubsub *redis.PubSub
	done   chan struct{}
}

// Option configures a Bus.
type Option func(*Bus)

// WithPrefix sets the channel prefix. Default is "voxgate".
func WithPrefix(prefix string) Option {
	return func(b *Bus) {
		if prefix = strings.TrimSpace(prefix); prefix != "" {
			b.prefix = prefix
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithTracer overrides the global otel tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(b *Bus) {
		if tracer != nil {
			b.tracer = tracer
		}
	}
}

func New(client *redis.Client, emitter router.Emitter, opts ...Option) *Bus {
	b := &Bus{
		client:  client,
		emitter: emitter,
		prefix:  "voxgate",
		logger:  slog.Default(),
		tracer:  otel.Tracer(tracerName),
		subs:    make(map[string]*subscription),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Dial parses a redis:// URL and returns a connected client.
func Dial(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, faults.Config("parse redis url", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, faults.Upstream("redis ping", err)
	}
	return client, nil
}

func (b *Bus) channel(service, direction, sessionID string) string {
	if sessionID == "" {
		return b.prefix + ":" + service + ":" + direction
	}
	return b.prefix + ":" + service + ":" + direction + ":" + sessionID
}

// Send publishes msg on the channel its collaborator listens to. A publish
// that reaches no subscriber is not an error; the collaborator may be
// restarting, and the coordinator's own timeouts cover it.
func (b *Bus) Send(ctx context.Context, sessionID string, msg events.Message) error {
	channel, payload, err := b.encodeOutbound(sessionID, msg)
	if err != nil {
		return err
	}

	ctx, span := b.tracer.Start(ctx, "redisbus.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.String("messaging.destination.name", channel),
			attribute.String("message.type", msg.MessageType()),
		),
	)
	defer span.End()

	receivers, err := b.client.Publish(ctx, channel, payload).Result()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return faults.Upstream("publish "+channel, err)
	}
	span.SetAttributes(attribute.Int64("messaging.receivers", receivers))
	span.SetStatus(codes.Ok, "")
	if receivers == 0 {
		b.logger.Debug("published with no subscribers", "channel", channel, "session_id", sessionID)
	}
	return nil
}

// Attach subscribes to the session's reply channels and forwards replies to
// the emitter until detached.
func (b *Bus) Attach(ctx context.Context, sessionID string) (func(), error) {
	channels := make([]string, 0, len(services))
	for _, svc := range services {
		channels = append(channels, b.channel(svc, "out", sessionID))
	}

	pubsub := b.client.Subscribe(ctx, channels...)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, faults.Upstream("subscribe "+sessionID, err)
	}

	sub := &subscription{pubsub: pubsub, done: make(chan struct{})}
	b.mu.Lock()
	if prev, ok := b.subs[sessionID]; ok {
		b.mu.Unlock()
		b.stop(prev)
		b.mu.Lock()
	}
	b.subs[sessionID] = sub
	b.mu.Unlock()

	go b.forward(sessionID, sub)

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			if b.subs[sessionID] == sub {
				delete(b.subs, sessionID)
			}
			b.mu.Unlock()
			b.stop(sub)
		})
	}, nil
}

func (b *Bus) stop(sub *subscription) {
	_ = sub.pubsub.Close()
	<-sub.done
}

func (b *Bus) forward(sessionID string, sub *subscription) {
	defer close(sub.done)
	for msg := range sub.pubsub.Channel() {
		service := b.serviceOf(msg.Channel, sessionID)
		ev, err := decodeInbound(service, []byte(msg.Payload))
		if err != nil {
			b.logger.Warn("dropping malformed collaborator reply", "channel", msg.Channel, "session_id", sessionID, "error", err)
			continue
		}
		if err := b.emitter.Emit(sessionID, ev); err != nil {
			b.logger.Debug("collaborator reply dropped", "session_id", sessionID, "event", ev.Kind(), "error", err)
		}
	}
}

func (b *Bus) serviceOf(channel, sessionID string) string {
	for _, svc := range services {
		if channel == b.channel(svc, "out", sessionID) {
			return svc
		}
	}
	return ""
}

// Attached reports the number of sessions with live subscriptions.
func (b *Bus) Attached() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Ping is a readiness check.
func (b *Bus) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	return nil
}

// Close detaches every session. The client itself is owned by the caller.
func (b *Bus) Close() error {
	b.mu.Lock()
	subs := make([]*subscription, 0, len(b.subs))
	for id, sub := range b.subs {
		subs = append(subs, sub)
		delete(b.subs, id)
	}
	b.mu.Unlock()
	for _, sub := range subs {
		b.stop(sub)
	}
	return nil
}
