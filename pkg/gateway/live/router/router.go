// Package router moves messages between session coordinators, the external
// collaborators, and client display channels.
//
// Coordinators hold a *Router and never a collaborator directly; collaborators
// hand results back through Emit, never through a coordinator reference.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"sync"

	"github.com/voxflame/voxgate/pkg/core/events"
	"github.com/voxflame/voxgate/pkg/gateway/live/sessions"
	"github.com/voxflame/voxgate/pkg/gateway/metrics"
)

type Destination string

const (
	Recognizer  Destination = "recognizer"
	Corrector   Destination = "corrector"
	Synthesizer Destination = "synthesizer"
	// Frontend is the per-session display channel held by the registry.
	Frontend Destination = "frontend"
)

var (
	ErrUnknownDestination = errors.New("router: unknown destination")
	ErrUnknownSession     = errors.New("router: unknown session")
)

// Endpoint is a collaborator that accepts messages on behalf of a session.
type Endpoint interface {
	Send(ctx context.Context, sessionID string, msg events.Message) error
}

// Attacher is implemented by endpoints that need per-session setup, such as
// subscribing to a reply channel, before any message for that session is sent.
type Attacher interface {
	Attach(ctx context.Context, sessionID string) (detach func(), err error)
}

// Emitter accepts collaborator results for a session.
type Emitter interface {
	Emit(sessionID string, ev events.Event) error
}

// BroadcastResult reports per-destination outcomes of a broadcast.
type BroadcastResult struct {
	Delivered int
	Failed    map[string]error
}

// Err joins the per-session failures in session id order, or returns nil.
func (r BroadcastResult) Err() error {
	if len(r.Failed) == 0 {
		return nil
	}
	ids := make([]string, 0, len(r.Failed))
	for id := range r.Failed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	errs := make([]error, 0, len(ids))
	for _, id := range ids {
		errs = append(errs, fmt.Errorf("%s: %w", id, r.Failed[id]))
	}
	return errors.Join(errs...)
}

type Router struct {
	registry *sessions.Registry
	logger   *slog.Logger
	metrics  *metrics.Metrics

	mu        sync.RWMutex
	endpoints map[Destination]Endpoint
}

func New(registry *sessions.Registry, logger *slog.Logger, m *metrics.Metrics) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		registry:  registry,
		logger:    logger,
		metrics:   m,
		endpoints: make(map[Destination]Endpoint),
	}
}

// Bind installs ep as the collaborator for dest, replacing any previous one.
func (r *Router) Bind(dest Destination, ep Endpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ep == nil {
		delete(r.endpoints, dest)
		return
	}
	r.endpoints[dest] = ep
}

func (r *Router) endpoint(dest Destination) (Endpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ep, ok := r.endpoints[dest]
	return ep, ok
}

// SendTo delivers msg for sessionID to a single destination. It is
// at-most-once: failures are returned, never retried.
func (r *Router) SendTo(ctx context.Context, dest Destination, sessionID string, msg events.Message) error {
	if dest == Frontend {
		h, ok := r.registry.Lookup(sessionID)
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
		}
		if h.Display == nil {
			return fmt.Errorf("router: session %s has no display channel", sessionID)
		}
		return h.Display(msg)
	}

	ep, ok := r.endpoint(dest)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDestination, dest)
	}
	if err := ep.Send(ctx, sessionID, msg); err != nil {
		return fmt.Errorf("router: send %s to %s: %w", msg.MessageType(), dest, err)
	}
	return nil
}

// Broadcast delivers msg to every registered session's display channel. A
// failing destination is logged and recorded; it never stops the fan-out.
func (r *Router) Broadcast(ctx context.Context, msg events.Message) BroadcastResult {
	res := BroadcastResult{}
	r.registry.ForEach(func(h sessions.Handle) {
		if ctx != nil && ctx.Err() != nil {
			r.fail(&res, h.SessionID, ctx.Err())
			return
		}
		if h.Display == nil {
			return
		}
		if err := h.Display(msg); err != nil {
			r.fail(&res, h.SessionID, err)
			return
		}
		res.Delivered++
	})
	r.metrics.RecordBroadcastFailures(len(res.Failed))
	return res
}

func (r *Router) fail(res *BroadcastResult, sessionID string, err error) {
	if res.Failed == nil {
		res.Failed = make(map[string]error)
	}
	res.Failed[sessionID] = err
	r.logger.Warn("broadcast delivery failed", "session_id", sessionID, "error", err)
}

// Emit hands a collaborator event to the owning session's coordinator.
func (r *Router) Emit(sessionID string, ev events.Event) error {
	h, ok := r.registry.Lookup(sessionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	if h.Deliver == nil {
		return fmt.Errorf("router: session %s has no inbox", sessionID)
	}
	return h.Deliver(ev)
}

// Attach runs per-session setup on every bound endpoint that needs it, in
// destination order. An endpoint bound to several destinations is attached
// once when its value is comparable (typically a pointer); other values are
// attached once per destination. On failure, endpoints already attached are
// detached again.
func (r *Router) Attach(ctx context.Context, sessionID string) (detach func(), err error) {
	r.mu.RLock()
	dests := make([]Destination, 0, len(r.endpoints))
	for d := range r.endpoints {
		dests = append(dests, d)
	}
	sort.Slice(dests, func(i, j int) bool { return dests[i] < dests[j] })
	attachers := make([]Attacher, 0, len(dests))
	seen := make(map[any]bool, len(dests))
	for _, d := range dests {
		ep := r.endpoints[d]
		a, ok := ep.(Attacher)
		if !ok {
			continue
		}
		if reflect.ValueOf(ep).Comparable() {
			if seen[ep] {
				continue
			}
			seen[ep] = true
		}
		attachers = append(attachers, a)
	}
	r.mu.RUnlock()

	var detachers []func()
	detachAll := func() {
		for i := len(detachers) - 1; i >= 0; i-- {
			detachers[i]()
		}
	}
	for _, a := range attachers {
		d, err := a.Attach(ctx, sessionID)
		if err != nil {
			detachAll()
			return func() {}, fmt.Errorf("router: attach %s: %w", sessionID, err)
		}
		if d != nil {
			detachers = append(detachers, d)
		}
	}
	var once sync.Once
	return func() { once.Do(detachAll) }, nil
}
