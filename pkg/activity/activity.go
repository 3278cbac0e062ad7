package activity

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/jdziat/fleet-orchestrator/pkg/core"
	"github.com/jdziat/fleet-orchestrator/pkg/security"
)

// DefaultBuffer is the channel capacity of each subscriber.
const DefaultBuffer = 100

// Hub fans activity events out to in-process subscribers. Slow subscribers
// miss events rather than block the publisher.
type Hub struct {
	mu   sync.RWMutex
	subs []chan core.ActivityEvent
}

// NewHub creates a hub with no subscribers.
func NewHub() *Hub { return &Hub{} }

// Subscribe returns a channel receiving every published event. The caller must
// call Unsubscribe when done.
func (h *Hub) Subscribe() <-chan core.ActivityEvent {
	ch := make(chan core.ActivityEvent, DefaultBuffer)
	h.mu.Lock()
	h.subs = append(h.subs, ch)
	h.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber. The channel is not closed.
func (h *Hub) Unsubscribe(ch <-chan core.ActivityEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, sub := range h.subs {
		if sub == ch {
			h.subs = append(h.subs[:i], h.subs[i+1:]...)
			return
		}
	}
}

// Publish delivers e to every subscriber with room in its buffer.
func (h *Hub) Publish(e core.ActivityEvent) {
	h.mu.RLock()
	subs := make([]chan core.ActivityEvent, len(h.subs))
	copy(subs, h.subs)
	h.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Option configures a Log.
type Option interface {
	applyLog(*Log)
}

type logOptionFunc func(*Log)

func (f logOptionFunc) applyLog(l *Log) { f(l) }

// WithLogger sets the slog mirror.
func WithLogger(logger *slog.Logger) Option {
	return logOptionFunc(func(l *Log) {
		if logger != nil {
			l.logger = logger
		}
	})
}

// WithHub publishes every logged event to h.
func WithHub(h *Hub) Option {
	return logOptionFunc(func(l *Log) {
		l.hub = h
	})
}

// WithClock sets the time source for event timestamps.
func WithClock(now func() time.Time) Option {
	return logOptionFunc(func(l *Log) {
		if now != nil {
			l.now = now
		}
	})
}

// Log is the engine's ActivityLog. Every entry is persisted, mirrored to slog
// and published to the hub. Persistence failures are logged and swallowed.
type Log struct {
	store  core.ActivityStore
	hub    *Hub
	logger *slog.Logger
	now    func() time.Time
}

var _ core.ActivityLog = (*Log)(nil)

// New creates an activity log. store may be nil for a log-only sink.
func New(store core.ActivityStore, opts ...Option) *Log {
	l := &Log{store: store, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt.applyLog(l)
	}
	return l
}

// Log records e.
func (l *Log) Log(ctx context.Context, e core.ActivityEntry) {
	if e.TraceID == "" {
		if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
			e.TraceID = sc.TraceID().String()
		}
	}
	if e.Severity == "" {
		e.Severity = core.SeverityInfo
	}

	ev := core.ActivityEvent{
		EventType: e.EventType,
		Severity:  e.Severity,
		Title:     e.Title,
		Summary:   security.SanitizeErrorMessage(e.Summary),
		BotID:     e.BotID,
		TraceID:   e.TraceID,
		CreatedAt: l.now().UTC(),
	}
	if len(e.Payload) > 0 {
		if b, err := json.Marshal(e.Payload); err == nil {
			ev.Payload = b
		} else {
			l.logger.Warn("activity payload not serializable", "event", e.EventType, "error", err)
		}
	}

	l.logger.Log(ctx, slogLevel(e.Severity), e.Title,
		"event", e.EventType,
		"bot_id", e.BotID,
		"summary", ev.Summary,
		"trace_id", e.TraceID,
	)

	if l.store != nil {
		if err := l.store.AppendActivity(ctx, &ev); err != nil {
			l.logger.Warn("failed to persist activity event", "event", e.EventType, "error", err)
		}
	}
	if l.hub != nil {
		l.hub.Publish(ev)
	}
}

func slogLevel(s core.Severity) slog.Level {
	switch s {
	case core.SeverityWarning:
		return slog.LevelWarn
	case core.SeverityError, core.SeverityCritical:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Nop discards every entry.
type Nop struct{}

func (Nop) Log(context.Context, core.ActivityEntry) {}
