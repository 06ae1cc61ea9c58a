package loopback

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/voxflame/voxgate/pkg/core/events"
	"github.com/voxflame/voxgate/pkg/gateway/live/router"
)

var errClosed = errors.New("loopback: closed")

// outbox emits results off the caller's goroutine while keeping them in push
// order per session. Each session with queued results has one draining
// goroutine, which exits once the queue is empty.
type outbox struct {
	emitter router.Emitter
	logger  *slog.Logger

	mu     sync.Mutex
	queues map[string]*sessionQueue
	closed bool
	wg     sync.WaitGroup
}

type sessionQueue struct {
	pending []events.Event
}

func newOutbox(emitter router.Emitter, logger *slog.Logger) *outbox {
	return &outbox{
		emitter: emitter,
		logger:  logger,
		queues:  make(map[string]*sessionQueue),
	}
}

func (o *outbox) push(sessionID string, ev events.Event) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return errClosed
	}
	q, ok := o.queues[sessionID]
	if !ok {
		q = &sessionQueue{}
		o.queues[sessionID] = q
		o.wg.Add(1)
		go o.drain(sessionID, q)
	}
	q.pending = append(q.pending, ev)
	return nil
}

func (o *outbox) drain(sessionID string, q *sessionQueue) {
	defer o.wg.Done()
	for {
		o.mu.Lock()
		if len(q.pending) == 0 {
			delete(o.queues, sessionID)
			o.mu.Unlock()
			return
		}
		ev := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		o.mu.Unlock()

		if err := o.emitter.Emit(sessionID, ev); err != nil {
			o.logger.Debug("loopback result dropped", "session_id", sessionID, "event", ev.Kind(), "error", err)
		}
	}
}

// close rejects further pushes and waits until queued results are emitted.
func (o *outbox) close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.wg.Wait()
}
