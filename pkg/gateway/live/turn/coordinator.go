// Package turn implements the per-session turn-taking coordinator.
//
// A Coordinator is an actor: Run consumes one ordered inbox and is the only
// goroutine that touches session state. Collaborator calls are messages sent
// through the router; their outcomes come back as events on the same inbox.
package turn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voxflame/voxgate/pkg/core/events"
	"github.com/voxflame/voxgate/pkg/gateway/journal"
	"github.com/voxflame/voxgate/pkg/gateway/live/router"
	"github.com/voxflame/voxgate/pkg/gateway/metrics"
)

const DefaultGreeting = "您好，我是燃言语音助手，请说话"

var ErrInboxClosed = errors.New("turn: coordinator stopped")

// Sender is the part of the router a coordinator talks through.
type Sender interface {
	SendTo(ctx context.Context, dest router.Destination, sessionID string, msg events.Message) error
	Broadcast(ctx context.Context, msg events.Message) router.BroadcastResult
}

// Journal records completed turns. *journal.Writer satisfies it.
type Journal interface {
	Record(journal.Entry)
}

type Config struct {
	Greeting         string
	EnableGreeting   bool
	EnableCorrection bool
	// EnableInterrupt=false defers a final utterance heard while speaking
	// until the active synthesis ends.
	EnableInterrupt bool
	// InterruptThreshold is accepted for compatibility but not consulted:
	// barge-in fires on any recognition result while speaking.
	InterruptThreshold     time.Duration
	HistoryLimit           int
	CorrectionContextTurns int
	CorrectionTimeout      time.Duration
	MaxSpeakingDuration    time.Duration
	InboxSize              int
	// BroadcastTranscripts sends transcripts to every session instead of
	// only the owning one.
	BroadcastTranscripts bool
}

func DefaultConfig() Config {
	return Config{
		Greeting:               DefaultGreeting,
		EnableGreeting:         true,
		EnableCorrection:       true,
		EnableInterrupt:        true,
		InterruptThreshold:     500 * time.Millisecond,
		HistoryLimit:           10,
		CorrectionContextTurns: 3,
		CorrectionTimeout:      3 * time.Second,
		MaxSpeakingDuration:    60 * time.Second,
		InboxSize:              64,
	}
}

type Dependencies struct {
	SessionID string
	Router    Sender
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
	Journal   Journal
	Config    Config
	// Display delivers session-scoped frames to this coordinator's own
	// connection. When nil they go through the router's Frontend, which
	// resolves the session id at send time.
	Display func(events.Message) error
	// Unregister removes the session from the registry during teardown.
	Unregister      func()
	NewRequestID    func() string
	NewCorrectionID func() string
	Now             func() time.Time
}

// Snapshot is a copy of a coordinator's state, taken in inbox order.
type Snapshot struct {
	State           State
	ActiveRequestID string
	TurnID          int64
	History         []events.Turn
	LastSpeech      time.Time
	Connected       bool
}

type envelope struct {
	ev    events.Event
	query chan<- Snapshot
}

type pendingCorrection struct {
	id       string
	turnID   int64
	text     string
	metadata map[string]any
	sentAt   time.Time
	timer    *time.Timer
}

type Coordinator struct {
	id         string
	router     Sender
	logger     *slog.Logger
	metrics    *metrics.Metrics
	journal    Journal
	cfg        Config
	displayFn  func(events.Message) error
	unregister func()
	newID      func() string
	newCorrID  func() string
	now        func() time.Time

	inbox    chan envelope
	done     chan struct{}
	stopOnce sync.Once

	// Owned by Run.
	state         State
	activeID      string
	activeKind    string
	speakingTimer *time.Timer
	pending       *pendingCorrection
	deferred      *events.RecognitionResult
	history       *history
	turnID        int64
	lastSpeech    time.Time
	connected     bool
}

func New(deps Dependencies) (*Coordinator, error) {
	if strings.TrimSpace(deps.SessionID) == "" {
		return nil, fmt.Errorf("session id is required")
	}
	if deps.Router == nil {
		return nil, fmt.Errorf("router is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.NewRequestID == nil {
		deps.NewRequestID = uuid.NewString
	}
	if deps.NewCorrectionID == nil {
		deps.NewCorrectionID = uuid.NewString
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Unregister == nil {
		deps.Unregister = func() {}
	}
	cfg := deps.Config
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 10
	}
	if cfg.CorrectionContextTurns < 0 {
		cfg.CorrectionContextTurns = 0
	}
	if cfg.CorrectionTimeout <= 0 {
		cfg.CorrectionTimeout = 3 * time.Second
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = 64
	}
	if strings.TrimSpace(cfg.Greeting) == "" {
		cfg.Greeting = DefaultGreeting
	}

	return &Coordinator{
		id:         deps.SessionID,
		router:     deps.Router,
		logger:     deps.Logger.With("session_id", deps.SessionID),
		metrics:    deps.Metrics,
		journal:    deps.Journal,
		cfg:        cfg,
		displayFn:  deps.Display,
		unregister: deps.Unregister,
		newID:      deps.NewRequestID,
		newCorrID:  deps.NewCorrectionID,
		now:        deps.Now,
		inbox:      make(chan envelope, cfg.InboxSize),
		done:       make(chan struct{}),
		state:      Idle,
		history:    newHistory(cfg.HistoryLimit),
	}, nil
}

func (c *Coordinator) SessionID() string { return c.id }

// Deliver enqueues ev in arrival order. It blocks while the inbox is full
// and fails once the coordinator has stopped.
func (c *Coordinator) Deliver(ev events.Event) error {
	if ev == nil {
		return fmt.Errorf("turn: nil event")
	}
	select {
	case <-c.done:
		return ErrInboxClosed
	default:
	}
	select {
	case c.inbox <- envelope{ev: ev}:
		return nil
	case <-c.done:
		return ErrInboxClosed
	}
}

// Snapshot returns the state as of every event delivered before the call.
func (c *Coordinator) Snapshot(ctx context.Context) (Snapshot, error) {
	reply := make(chan Snapshot, 1)
	select {
	case c.inbox <- envelope{query: reply}:
	case <-c.done:
		return Snapshot{}, ErrInboxClosed
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
	select {
	case s := <-reply:
		return s, nil
	case <-c.done:
		return Snapshot{}, ErrInboxClosed
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

// Done is closed when Run has returned.
func (c *Coordinator) Done() <-chan struct{} { return c.done }

// Run processes the inbox until UserDisconnected or ctx is canceled. Either
// way the session is torn down before Run returns.
func (c *Coordinator) Run(ctx context.Context) error {
	defer c.stopOnce.Do(func() { close(c.done) })

	for {
		select {
		case <-ctx.Done():
			c.disconnect(context.WithoutCancel(ctx), "canceled")
			return nil
		case env := <-c.inbox:
			if env.query != nil {
				env.query <- c.snapshot()
				continue
			}
			if stop := c.handle(ctx, env.ev); stop {
				return nil
			}
		case <-timerC(c.pendingTimer()):
			c.onCorrectionTimeout(ctx)
		case <-timerC(c.speakingTimer):
			c.onSpeakingTimeout(ctx)
		}
	}
}

func (c *Coordinator) handle(ctx context.Context, ev events.Event) (stop bool) {
	if err := ev.Validate(); err != nil {
		c.logger.Warn("dropping malformed event", "event", ev.Kind(), "error", err)
		return false
	}

	switch e := ev.(type) {
	case events.UserConnected:
		c.onConnected(ctx)
	case events.UserDisconnected:
		c.disconnect(ctx, e.Reason)
		return true
	case events.RecognitionResult:
		c.onRecognition(ctx, e)
	case events.CorrectedText:
		c.onCorrected(ctx, e)
	case events.CorrectionFailed:
		c.onCorrectionFailed(ctx, e)
	case events.SynthesisStarted:
		if e.RequestID != c.activeID {
			c.stale(ev, e.RequestID)
			return false
		}
		c.logger.Debug("synthesis started", "request_id", e.RequestID)
	case events.SynthesisEnded:
		c.onSynthesisDone(ctx, ev, e.RequestID, "")
	case events.SynthesisFailed:
		c.onSynthesisDone(ctx, ev, e.RequestID, e.Reason)
	case events.SynthesisAudio:
		if e.RequestID != c.activeID {
			c.stale(ev, e.RequestID)
			return false
		}
		c.display(ctx, events.AssistantAudio{RequestID: e.RequestID, Audio: e.Audio})
	case events.Interrupt:
		if c.state == Speaking {
			c.bargeIn(ctx, "interrupt: "+e.Reason)
		}
	case events.Flush:
		c.onFlush(ctx)
	case events.ResetContext:
		c.history.reset()
		c.deferred = nil
		c.logger.Info("conversation context reset")
	default:
		c.logger.Warn("dropping unknown event", "event", ev.Kind())
	}
	return false
}

func (c *Coordinator) onConnected(ctx context.Context) {
	if c.connected {
		return
	}
	c.connected = true
	c.logger.Info("user connected")
	c.display(ctx, events.SessionStarted{SessionID: c.id})

	if !c.cfg.EnableGreeting {
		return
	}
	if !c.speak(ctx, c.cfg.Greeting, metrics.SynthesisGreeting) {
		return
	}
	c.transcript(ctx, events.RoleAssistant, c.cfg.Greeting, true, map[string]any{"type": "greeting"})
}

func (c *Coordinator) onRecognition(ctx context.Context, e events.RecognitionResult) {
	text := strings.TrimSpace(e.Text)
	if text == "" {
		c.logger.Debug("ignoring empty recognition result", "final", e.IsFinal)
		return
	}
	c.lastSpeech = c.now()

	if c.state == Speaking {
		if !c.cfg.EnableInterrupt {
			c.transcript(ctx, events.RoleUser, text, e.IsFinal, e.Metadata)
			if e.IsFinal {
				deferred := e
				deferred.Text = text
				c.deferred = &deferred
				c.logger.Debug("deferring utterance until synthesis ends")
			}
			return
		}
		c.bargeIn(ctx, "user speech")
	}

	c.transcript(ctx, events.RoleUser, text, e.IsFinal, e.Metadata)
	if !e.IsFinal {
		return
	}
	c.beginTurn(ctx, text, e.Metadata)
}

// beginTurn starts a new turn for a final utterance. A correction still
// pending for an earlier turn is superseded; its late answer becomes stale.
func (c *Coordinator) beginTurn(ctx context.Context, text string, metadata map[string]any) {
	if c.pending != nil {
		c.logger.Info("superseding pending correction", "turn_id", c.pending.turnID)
		c.cancelPending()
		c.metrics.RecordCorrection(metrics.CorrectionSuperseded, 0)
	}
	c.turnID++
	turnID := c.turnID

	if !c.cfg.EnableCorrection {
		c.metrics.RecordCorrection(metrics.CorrectionSkipped, 0)
		c.reply(ctx, turnID, text, text, metrics.CorrectionSkipped, nil)
		return
	}

	req := events.CorrectionRequest{
		CorrectionID: c.newCorrID(),
		TurnID:       turnID,
		Text:         text,
		Context:      c.history.tail(c.cfg.CorrectionContextTurns),
	}
	if err := c.router.SendTo(ctx, router.Corrector, c.id, req); err != nil {
		c.logger.Warn("correction dispatch failed, speaking original", "turn_id", turnID, "correction_id", req.CorrectionID, "error", err)
		c.metrics.RecordCorrection(metrics.CorrectionFailed, 0)
		c.reply(ctx, turnID, text, text, metrics.CorrectionFailed, nil)
		return
	}

	c.setState(AwaitingCorrection)
	c.pending = &pendingCorrection{
		id:       req.CorrectionID,
		turnID:   turnID,
		text:     text,
		metadata: metadata,
		sentAt:   c.now(),
		timer:    time.NewTimer(c.cfg.CorrectionTimeout),
	}
}

// onCorrected accepts only the answer to the pending request. Answers for
// superseded turns, or for another connection that held this session id, are
// stale.
func (c *Coordinator) onCorrected(ctx context.Context, e events.CorrectedText) {
	p := c.pending
	if p == nil || p.id != e.CorrectionID {
		c.stale(e, e.CorrectionID)
		return
	}
	c.cancelPending()
	elapsed := c.now().Sub(p.sentAt)

	spoken := strings.TrimSpace(e.CorrectedText)
	outcome := metrics.CorrectionOK
	if spoken == "" {
		spoken = p.text
		outcome = metrics.CorrectionPassthru
	}
	c.metrics.RecordCorrection(outcome, elapsed)
	c.logger.Debug("correction complete", "turn_id", p.turnID, "changed", spoken != p.text)
	c.reply(ctx, p.turnID, p.text, spoken, outcome, map[string]any{
		"original": p.text,
		"type":     "correction",
	})
}

func (c *Coordinator) onCorrectionFailed(ctx context.Context, e events.CorrectionFailed) {
	p := c.pending
	if p == nil || p.id != e.CorrectionID {
		c.stale(e, e.CorrectionID)
		return
	}
	c.cancelPending()
	c.metrics.RecordCorrection(metrics.CorrectionFailed, c.now().Sub(p.sentAt))
	c.logger.Warn("correction failed, speaking original", "turn_id", p.turnID, "reason", e.Reason)
	c.reply(ctx, p.turnID, p.text, p.text, metrics.CorrectionFailed, nil)
}

func (c *Coordinator) onCorrectionTimeout(ctx context.Context) {
	p := c.pending
	if p == nil {
		return
	}
	c.cancelPending()
	c.metrics.RecordCorrection(metrics.CorrectionTimeout, c.now().Sub(p.sentAt))
	c.logger.Warn("correction timed out, speaking original", "turn_id", p.turnID, "timeout", c.cfg.CorrectionTimeout)
	c.reply(ctx, p.turnID, p.text, p.text, metrics.CorrectionTimeout, nil)
}

// reply records the turn, speaks the answer and shows it to the user.
func (c *Coordinator) reply(ctx context.Context, turnID int64, original, spoken, outcome string, metadata map[string]any) {
	at := c.now()
	c.history.append(events.Turn{Role: events.RoleUser, Content: original, At: at})
	c.history.append(events.Turn{Role: events.RoleAssistant, Content: spoken, Original: original, At: at})

	spokeOK := c.speak(ctx, spoken, metrics.SynthesisReply)
	c.transcript(ctx, events.RoleAssistant, spoken, true, metadata)

	if c.journal != nil {
		entry := journal.Entry{
			SessionID: c.id,
			TurnID:    turnID,
			Original:  original,
			Spoken:    spoken,
			Outcome:   outcome,
			At:        at,
		}
		if spokeOK {
			entry.RequestID = c.activeID
		}
		c.journal.Record(entry)
	}
}

// speak dispatches text to the synthesizer under a fresh request id. A
// dispatch failure is treated as an immediate SynthesisEnded.
func (c *Coordinator) speak(ctx context.Context, text, kind string) bool {
	if c.activeID != "" {
		c.flushActive(ctx)
	}
	id := c.newID()
	c.metrics.RecordSynthesis(kind)
	if err := c.router.SendTo(ctx, router.Synthesizer, c.id, events.SynthesisRequest{RequestID: id, Text: text}); err != nil {
		c.logger.Error("synthesis dispatch failed", "request_id", id, "error", err)
		c.setState(Idle)
		return false
	}
	c.activeID = id
	c.activeKind = kind
	c.setState(Speaking)
	if c.cfg.MaxSpeakingDuration > 0 {
		c.speakingTimer = time.NewTimer(c.cfg.MaxSpeakingDuration)
	}
	c.logger.Debug("synthesis requested", "request_id", id, "kind", kind)
	return true
}

func (c *Coordinator) onSynthesisDone(ctx context.Context, ev events.Event, requestID, failure string) {
	if requestID != c.activeID || c.activeID == "" {
		c.stale(ev, requestID)
		return
	}
	if failure != "" {
		c.logger.Error("synthesis failed", "request_id", requestID, "reason", failure)
	} else {
		c.logger.Debug("synthesis ended", "request_id", requestID)
	}
	c.clearActive()
	c.setState(Idle)
	c.resumeDeferred(ctx)
}

func (c *Coordinator) onSpeakingTimeout(ctx context.Context) {
	if c.activeID == "" {
		c.stopSpeakingTimer()
		return
	}
	c.logger.Warn("synthesis exceeded max speaking duration", "request_id", c.activeID, "limit", c.cfg.MaxSpeakingDuration)
	c.flushActive(ctx)
	c.setState(Idle)
	c.resumeDeferred(ctx)
}

func (c *Coordinator) resumeDeferred(ctx context.Context) {
	if c.deferred == nil {
		return
	}
	d := c.deferred
	c.deferred = nil
	c.beginTurn(ctx, d.Text, d.Metadata)
}

// bargeIn flushes the active synthesis without waiting for the synthesizer
// to acknowledge it.
func (c *Coordinator) bargeIn(ctx context.Context, reason string) {
	c.logger.Info("barge-in", "request_id", c.activeID, "kind", c.activeKind, "reason", reason)
	c.metrics.RecordBargeIn()
	c.setState(Interrupting)
	c.flushActive(ctx)
	c.setState(Idle)
}

func (c *Coordinator) onFlush(ctx context.Context) {
	if c.pending == nil && c.activeID == "" && c.deferred == nil {
		return
	}
	if c.pending != nil {
		c.logger.Info("flush canceled pending correction", "turn_id", c.pending.turnID)
		c.cancelPending()
	}
	c.deferred = nil
	if c.activeID != "" {
		c.flushActive(ctx)
	}
	c.setState(Idle)
}

// flushActive sends a flush for the active request and clears it. It is a
// no-op when nothing is active.
func (c *Coordinator) flushActive(ctx context.Context) {
	if c.activeID == "" {
		return
	}
	id := c.activeID
	c.clearActive()
	c.metrics.RecordSynthesis(metrics.SynthesisFlush)
	if err := c.router.SendTo(ctx, router.Synthesizer, c.id, events.SynthesisFlush{RequestID: id}); err != nil {
		c.logger.Warn("synthesis flush failed", "request_id", id, "error", err)
	}
}

func (c *Coordinator) clearActive() {
	c.activeID = ""
	c.activeKind = ""
	c.stopSpeakingTimer()
}

func (c *Coordinator) disconnect(ctx context.Context, reason string) {
	if c.state == Closed {
		return
	}
	c.logger.Info("user disconnected", "reason", reason)
	c.cancelPending()
	c.deferred = nil
	c.flushActive(ctx)
	c.setState(Closed)
	c.unregister()
}

func (c *Coordinator) cancelPending() {
	if c.pending == nil {
		return
	}
	c.pending.timer.Stop()
	c.pending = nil
}

func (c *Coordinator) pendingTimer() *time.Timer {
	if c.pending == nil {
		return nil
	}
	return c.pending.timer
}

func (c *Coordinator) stopSpeakingTimer() {
	if c.speakingTimer != nil {
		c.speakingTimer.Stop()
		c.speakingTimer = nil
	}
}

func (c *Coordinator) setState(to State) {
	from := c.state
	if !canTransition(from, to) {
		c.logger.Error("invalid state transition", "from", from, "to", to)
		return
	}
	c.state = to
	c.metrics.RecordTransition(string(from), string(to))
}

func (c *Coordinator) stale(ev events.Event, ref string) {
	c.metrics.RecordStale(string(ev.Kind()))
	c.logger.Debug("discarding stale event", "event", ev.Kind(), "ref", ref, "active_request_id", c.activeID)
}

func (c *Coordinator) transcript(ctx context.Context, role, text string, final bool, metadata map[string]any) {
	c.display(ctx, events.Transcript{
		Role:        role,
		Text:        text,
		IsFinal:     final,
		TimestampMS: c.now().UnixMilli(),
		Metadata:    metadata,
	})
}

func (c *Coordinator) display(ctx context.Context, msg events.Message) {
	if _, ok := msg.(events.Transcript); ok && c.cfg.BroadcastTranscripts {
		c.router.Broadcast(ctx, msg)
		return
	}
	var err error
	if c.displayFn != nil {
		err = c.displayFn(msg)
	} else {
		err = c.router.SendTo(ctx, router.Frontend, c.id, msg)
	}
	if err != nil {
		c.logger.Warn("frontend delivery failed", "message", msg.MessageType(), "error", err)
	}
}

func (c *Coordinator) snapshot() Snapshot {
	return Snapshot{
		State:           c.state,
		ActiveRequestID: c.activeID,
		TurnID:          c.turnID,
		History:         c.history.snapshot(),
		LastSpeech:      c.lastSpeech,
		Connected:       c.connected,
	}
}

func timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}
