// Package httpcorrector calls a text corrector over HTTP.
//
// Request:  POST {"text": "...", "contextTurns": [{"role": "...", "content": "..."}]}
// Response: 200 {"correctedText": "..."}
//
// Anything else is a failure and is reported as CorrectionFailed; the
// coordinator then speaks the original text.
package httpcorrector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/voxflame/voxgate/pkg/core/events"
	"github.com/voxflame/voxgate/pkg/core/faults"
	"github.com/voxflame/voxgate/pkg/gateway/live/router"
)

const (
	tracerName      = "github.com/voxflame/voxgate/pkg/gateway/collab/httpcorrector"
	maxResponseBody = 1 << 20
)

var ErrClosed = errors.New("httpcorrector: closed")

type request struct {
	Text         string               `json:"text"`
	ContextTurns []events.ContextTurn `json:"contextTurns"`
}

type response struct {
	CorrectedText string `json:"correctedText"`
}

type Config struct {
	URL     string
	Timeout time.Duration
	// HTTPClient defaults to a client with an otelhttp transport.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Corrector is the router endpoint for the corrector destination.
type Corrector struct {
	url     string
	timeout time.Duration
	client  *http.Client
	emitter router.Emitter
	logger  *slog.Logger
	tracer  trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc

	// mu orders wg.Add in Send against wg.Wait in Close.
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func New(cfg Config, emitter router.Emitter) *Corrector {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Corrector{
		url:     cfg.URL,
		timeout: timeout,
		client:  client,
		emitter: emitter,
		logger:  logger,
		tracer:  otel.Tracer(tracerName),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Send starts the call and returns. The outcome is emitted for sessionID.
func (c *Corrector) Send(ctx context.Context, sessionID string, msg events.Message) error {
	req, ok := msg.(events.CorrectionRequest)
	if !ok {
		return fmt.Errorf("httpcorrector: unsupported message %s", msg.MessageType())
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.wg.Add(1)
	c.mu.Unlock()

	// Keep the caller's span as parent, but not its cancellation: the
	// coordinator's own timeout decides when the answer stops mattering.
	callCtx := trace.ContextWithSpan(c.ctx, trace.SpanFromContext(ctx))

	go func() {
		defer c.wg.Done()
		ev := c.correct(callCtx, sessionID, req)
		if err := c.emitter.Emit(sessionID, ev); err != nil {
			c.logger.Debug("correction result dropped", "session_id", sessionID, "correction_id", req.CorrectionID, "error", err)
		}
	}()
	return nil
}

func (c *Corrector) correct(ctx context.Context, sessionID string, req events.CorrectionRequest) events.Event {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	ctx, span := c.tracer.Start(ctx, "corrector.correct",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.String("correction.id", req.CorrectionID),
			attribute.Int64("turn.id", req.TurnID),
			attribute.Int("context.turns", len(req.Context)),
		),
	)
	defer span.End()

	corrected, err := c.call(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Warn("corrector call failed", "session_id", sessionID, "turn_id", req.TurnID, "error", err)
		return events.CorrectionFailed{CorrectionID: req.CorrectionID, TurnID: req.TurnID, OriginalText: req.Text, Reason: err.Error()}
	}
	span.SetStatus(codes.Ok, "")
	return events.CorrectedText{CorrectionID: req.CorrectionID, TurnID: req.TurnID, OriginalText: req.Text, CorrectedText: corrected}
}

func (c *Corrector) call(ctx context.Context, req events.CorrectionRequest) (string, error) {
	turns := req.Context
	if turns == nil {
		turns = []events.ContextTurn{}
	}
	body, err := json.Marshal(request{Text: req.Text, ContextTurns: turns})
	if err != nil {
		return "", err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return "", faults.Config("build corrector request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", faults.Upstream("corrector", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return "", faults.Upstream("read corrector response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", faults.Upstream("corrector", fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(payload))))
	}
	var out response
	if err := json.Unmarshal(payload, &out); err != nil {
		return "", faults.Upstream("decode corrector response", err)
	}
	return out.CorrectedText, nil
}

// Close abandons in-flight calls and waits for them to return. Send fails
// with ErrClosed afterwards.
func (c *Corrector) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
	return nil
}
