package ingress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/voxflame/voxgate/pkg/core/events"
	"github.com/voxflame/voxgate/pkg/gateway/config"
	"github.com/voxflame/voxgate/pkg/gateway/live/protocol"
	"github.com/voxflame/voxgate/pkg/gateway/live/router"
	"github.com/voxflame/voxgate/pkg/gateway/live/turn"
	"github.com/voxflame/voxgate/pkg/gateway/metrics"
)

// ErrBackpressure is returned by the display channel when the client is not
// reading fast enough. The frame is dropped.
var ErrBackpressure = errors.New("ingress: outbound queue full")

const priorityQueueSize = 16

// rateLimitNoticeEvery bounds how often a rate-limited client is told about it.
const rateLimitNoticeEvery = time.Second

type connectionDeps struct {
	id      string
	ws      *websocket.Conn
	cfg     config.Config
	router  *router.Router
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// connection owns one client socket: a reader that feeds the coordinator and
// the recognizer, and a writer that drains the display queues.
type connection struct {
	id      string
	ws      *websocket.Conn
	cfg     config.Config
	router  *router.Router
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	coord   *turn.Coordinator
	limiter *audioLimiter

	priority chan outboundFrame
	normal   chan outboundFrame

	connected      bool
	disconnectOnce sync.Once
	lastLimitedAt  time.Time
}

func newConnection(deps connectionDeps) *connection {
	if deps.now == nil {
		deps.now = time.Now
	}
	queue := deps.cfg.LiveOutboundQueueSize
	if queue <= 0 {
		queue = 128
	}
	return &connection{
		id:       deps.id,
		ws:       deps.ws,
		cfg:      deps.cfg,
		router:   deps.router,
		logger:   deps.logger,
		metrics:  deps.metrics,
		now:      deps.now,
		limiter:  newAudioLimiter(deps.now, deps.cfg.LiveMaxAudioFPS, deps.cfg.LiveMaxAudioBytesPerSecond, deps.cfg.LiveInboundBurstSeconds),
		priority: make(chan outboundFrame, priorityQueueSize),
		normal:   make(chan outboundFrame, queue),
	}
}

// run blocks until the session is over. The coordinator stopping (for any
// reason) ends the writer, which closes the socket and ends the reader.
func (c *connection) run(ctx context.Context) error {
	groupCtx, stop := context.WithCancel(ctx)
	defer stop()
	g, gctx := errgroup.WithContext(groupCtx)

	g.Go(func() error {
		defer c.ws.Close()
		w := &outboundWriter{
			ws:           c.ws,
			ctx:          gctx,
			pingInterval: c.cfg.LiveWSPingInterval,
			writeTimeout: c.cfg.LiveWSWriteTimeout,
			priority:     c.priority,
			normal:       c.normal,
		}
		if err := w.Run(); err != nil {
			return fmt.Errorf("write: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		defer stop()
		return c.coord.Run(gctx)
	})

	g.Go(func() error {
		reason := c.readLoop(gctx)
		c.disconnect(reason)
		return nil
	})

	return g.Wait()
}

func (c *connection) readLoop(ctx context.Context) string {
	for {
		if c.cfg.LiveWSReadTimeout > 0 {
			_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.LiveWSReadTimeout))
		}
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			return readFailureReason(ctx, err)
		}

		if !c.connected {
			c.connected = true
			if err := c.coord.Deliver(events.UserConnected{}); err != nil {
				return "coordinator stopped"
			}
		}

		var decoded any
		switch messageType {
		case websocket.BinaryMessage:
			decoded, err = protocol.DecodeBinary(data)
		case websocket.TextMessage:
			decoded, err = protocol.DecodeClientMessage(data)
		default:
			continue
		}
		if err != nil {
			c.reject(err)
			continue
		}

		switch m := decoded.(type) {
		case protocol.ClientAudio:
			c.forwardAudio(ctx, m)
		case protocol.ClientControl:
			if reason, stop := c.control(ctx, m); stop {
				return reason
			}
		}
	}
}

func readFailureReason(ctx context.Context, err error) string {
	switch {
	case ctx.Err() != nil:
		return "server closed"
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		return "client closed"
	case errors.Is(err, websocket.ErrReadLimit):
		return "read limit exceeded"
	default:
		return "read failed: " + err.Error()
	}
}

func (c *connection) forwardAudio(ctx context.Context, audio protocol.ClientAudio) {
	if !c.limiter.Allow(len(audio.Audio)) {
		c.metrics.RecordProtocolError(protocol.CodeRateLimited)
		now := c.now()
		if now.Sub(c.lastLimitedAt) >= rateLimitNoticeEvery {
			c.lastLimitedAt = now
			c.sendError(&protocol.DecodeError{Code: protocol.CodeRateLimited, Message: "inbound audio rate exceeded"})
		}
		return
	}
	c.metrics.RecordInboundAudio(len(audio.Audio))
	frame := events.AudioFrame{SessionID: c.id, Data: audio.Audio, Metadata: audio.Metadata}
	if err := c.router.SendTo(ctx, router.Recognizer, c.id, frame); err != nil {
		c.logger.Warn("recognizer delivery failed", "error", err)
	}
}

// control handles a client command. It reports stop=true when the read loop
// should end.
func (c *connection) control(ctx context.Context, m protocol.ClientControl) (reason string, stop bool) {
	var ev events.Event
	switch m.Op {
	case protocol.OpFlush:
		ev = events.Flush{}
	case protocol.OpInterrupt:
		ev = events.Interrupt{Reason: "client"}
	case protocol.OpResetContext:
		ev = events.ResetContext{}
	case protocol.OpUserInput:
		ev = events.RecognitionResult{Text: m.Text, IsFinal: true, Metadata: map[string]any{"source": "typed"}}
	case protocol.OpEndAudio:
		if err := c.router.SendTo(ctx, router.Recognizer, c.id, events.RecognizerFinalize{}); err != nil {
			c.logger.Warn("recognizer finalize failed", "error", err)
		}
		return "", false
	case protocol.OpEndSession:
		return "end_session", true
	default:
		return "", false
	}
	if err := c.coord.Deliver(ev); err != nil {
		return "coordinator stopped", true
	}
	return "", false
}

// disconnect tells the coordinator the user is gone. Safe to call more than
// once; only the first call is delivered.
func (c *connection) disconnect(reason string) {
	c.disconnectOnce.Do(func() {
		if err := c.coord.Deliver(events.UserDisconnected{Reason: reason}); err != nil && !errors.Is(err, turn.ErrInboxClosed) {
			c.logger.Warn("disconnect delivery failed", "error", err)
		}
	})
}

func (c *connection) reject(err error) {
	code := "internal"
	var de *protocol.DecodeError
	if errors.As(err, &de) {
		code = de.Code
	}
	c.metrics.RecordProtocolError(code)
	c.logger.Warn("malformed client message", "code", code, "error", err)
	c.sendError(err)
}

func (c *connection) sendError(err error) {
	payload, encErr := protocol.EncodeError(err)
	if encErr != nil {
		return
	}
	select {
	case c.priority <- textFrame(payload):
	default:
		c.logger.Warn("dropping error frame: priority queue full")
	}
}

// display is the session's registry display channel. It never blocks the
// caller; a slow client loses frames instead of stalling the coordinator.
func (c *connection) display(msg events.Message) error {
	payload, err := protocol.EncodeMessage(msg)
	if err != nil {
		return err
	}
	queue := c.normal
	if _, ok := msg.(events.Warning); ok {
		queue = c.priority
	}
	select {
	case queue <- textFrame(payload):
		return nil
	default:
		return ErrBackpressure
	}
}

// writeErrorNow reports a setup failure before the writer goroutine exists.
func (c *connection) writeErrorNow(message string) {
	payload, err := protocol.EncodeError(errors.New(message))
	if err != nil {
		return
	}
	deadline := time.Now().Add(2 * time.Second)
	_ = c.ws.SetWriteDeadline(deadline)
	_ = c.ws.WriteMessage(websocket.TextMessage, payload)
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, message), deadline)
}
