// Package loopback provides in-process collaborators for development: no
// speech engine, no language model. The synthesizer pretends to speak for a
// time proportional to the text length.
//
// Results are never emitted from inside Send, since Send is called from the
// coordinator's own loop. Each collaborator queues them per session and emits
// them in order from a separate goroutine.
package loopback

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/voxflame/voxgate/pkg/core/events"
	"github.com/voxflame/voxgate/pkg/gateway/live/router"
)

// TranscriptKey is the audio metadata key the loopback recognizer treats as
// the recognized text of that frame.
const TranscriptKey = "transcript"

// Recognizer discards audio. A frame whose metadata carries TranscriptKey is
// recognized as that text, which lets a client drive the audio path without
// a speech engine.
type Recognizer struct {
	out *outbox
}

func NewRecognizer(emitter router.Emitter, logger *slog.Logger) *Recognizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recognizer{out: newOutbox(emitter, logger)}
}

func (r *Recognizer) Send(_ context.Context, sessionID string, msg events.Message) error {
	switch m := msg.(type) {
	case events.AudioFrame:
		text, _ := m.Metadata[TranscriptKey].(string)
		if strings.TrimSpace(text) == "" {
			return nil
		}
		return r.out.push(sessionID, events.RecognitionResult{
			Text:     text,
			IsFinal:  true,
			Language: "zh",
		})
	case events.RecognizerFinalize:
		return nil
	default:
		return fmt.Errorf("loopback recognizer: unsupported message %s", msg.MessageType())
	}
}

// Close waits for queued results to be emitted.
func (r *Recognizer) Close() error {
	r.out.close()
	return nil
}

// Corrector answers every request with the text unchanged.
type Corrector struct {
	out *outbox
}

func NewCorrector(emitter router.Emitter, logger *slog.Logger) *Corrector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Corrector{out: newOutbox(emitter, logger)}
}

func (c *Corrector) Send(_ context.Context, sessionID string, msg events.Message) error {
	req, ok := msg.(events.CorrectionRequest)
	if !ok {
		return fmt.Errorf("loopback corrector: unsupported message %s", msg.MessageType())
	}
	return c.out.push(sessionID, events.CorrectedText{
		CorrectionID:  req.CorrectionID,
		TurnID:        req.TurnID,
		OriginalText:  req.Text,
		CorrectedText: req.Text,
	})
}

func (c *Corrector) Close() error {
	c.out.close()
	return nil
}

// Synthesizer reports started right away and ended after
// perRune*len(text). A flush cancels the pending end.
type Synthesizer struct {
	out     *outbox
	logger  *slog.Logger
	perRune time.Duration

	mu     sync.Mutex
	active map[string]map[string]context.CancelFunc // session -> request -> cancel
	wg     sync.WaitGroup
}

func NewSynthesizer(emitter router.Emitter, perRune time.Duration, logger *slog.Logger) *Synthesizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Synthesizer{
		out:     newOutbox(emitter, logger),
		logger:  logger,
		perRune: perRune,
		active:  make(map[string]map[string]context.CancelFunc),
	}
}

func (s *Synthesizer) Send(_ context.Context, sessionID string, msg events.Message) error {
	switch m := msg.(type) {
	case events.SynthesisRequest:
		s.start(sessionID, m)
		return nil
	case events.SynthesisFlush:
		s.flush(sessionID, m.RequestID)
		return nil
	default:
		return fmt.Errorf("loopback synthesizer: unsupported message %s", msg.MessageType())
	}
}

func (s *Synthesizer) start(sessionID string, req events.SynthesisRequest) {
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	reqs := s.active[sessionID]
	if reqs == nil {
		reqs = make(map[string]context.CancelFunc)
		s.active[sessionID] = reqs
	}
	reqs[req.RequestID] = cancel
	s.wg.Add(1)
	s.mu.Unlock()

	s.emit(sessionID, events.SynthesisStarted{RequestID: req.RequestID})

	d := s.perRune * time.Duration(utf8.RuneCountInString(req.Text))
	go func() {
		defer s.wg.Done()
		defer s.forget(sessionID, req.RequestID)
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-t.C:
			s.emit(sessionID, events.SynthesisEnded{RequestID: req.RequestID})
		case <-ctx.Done():
		}
	}()
}

func (s *Synthesizer) emit(sessionID string, ev events.Event) {
	if err := s.out.push(sessionID, ev); err != nil {
		s.logger.Debug("loopback result dropped", "session_id", sessionID, "event", ev.Kind(), "error", err)
	}
}

// flush cancels requestID, or every request of the session when empty.
func (s *Synthesizer) flush(sessionID, requestID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, cancel := range s.active[sessionID] {
		if requestID == "" || id == requestID {
			cancel()
		}
	}
}

func (s *Synthesizer) forget(sessionID, requestID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reqs := s.active[sessionID]
	if cancel, ok := reqs[requestID]; ok {
		cancel()
		delete(reqs, requestID)
	}
	if len(reqs) == 0 {
		delete(s.active, sessionID)
	}
}

// Active reports how many requests are still playing.
func (s *Synthesizer) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, reqs := range s.active {
		n += len(reqs)
	}
	return n
}

// Close cancels everything in flight and waits for queued results to be
// emitted.
func (s *Synthesizer) Close() error {
	s.mu.Lock()
	for _, reqs := range s.active {
		for _, cancel := range reqs {
			cancel()
		}
	}
	s.mu.Unlock()
	s.wg.Wait()
	s.out.close()
	return nil
}
