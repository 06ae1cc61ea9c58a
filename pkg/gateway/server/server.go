package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/voxflame/voxgate/pkg/core/events"
	"github.com/voxflame/voxgate/pkg/gateway/collab/httpcorrector"
	"github.com/voxflame/voxgate/pkg/gateway/collab/loopback"
	"github.com/voxflame/voxgate/pkg/gateway/collab/redisbus"
	"github.com/voxflame/voxgate/pkg/gateway/config"
	"github.com/voxflame/voxgate/pkg/gateway/handlers"
	"github.com/voxflame/voxgate/pkg/gateway/journal"
	"github.com/voxflame/voxgate/pkg/gateway/lifecycle"
	"github.com/voxflame/voxgate/pkg/gateway/live/ingress"
	"github.com/voxflame/voxgate/pkg/gateway/live/router"
	"github.com/voxflame/voxgate/pkg/gateway/live/sessions"
	"github.com/voxflame/voxgate/pkg/gateway/live/turn"
	"github.com/voxflame/voxgate/pkg/gateway/metrics"
	"github.com/voxflame/voxgate/pkg/gateway/mw"
)

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux

	metrics   *metrics.Metrics
	registry  *sessions.Registry
	router    *router.Router
	lifecycle *lifecycle.Lifecycle
	journal   *journal.Writer

	// closers run in reverse order on Close.
	closers []func(context.Context) error
}

// New builds the gateway: collaborators per cfg.CollabMode, the optional
// HTTP corrector and journal, and the HTTP routes. Failing to reach a
// configured backend is an error; nothing is retried here.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	m := metrics.New(cfg.MetricsNamespace)
	registry := sessions.NewRegistry(m.SessionsActive)
	s := &Server{
		cfg:       cfg,
		logger:    logger,
		mux:       http.NewServeMux(),
		metrics:   m,
		registry:  registry,
		router:    router.New(registry, logger.With("component", "router"), m),
		lifecycle: &lifecycle.Lifecycle{},
	}

	if err := s.bindCollaborators(ctx); err != nil {
		_ = s.Close(context.Background())
		return nil, err
	}
	if err := s.openJournal(ctx); err != nil {
		_ = s.Close(context.Background())
		return nil, err
	}

	s.routes()
	return s, nil
}

func (s *Server) bindCollaborators(ctx context.Context) error {
	collabLogger := s.logger.With("component", "collab", "mode", string(s.cfg.CollabMode))

	switch s.cfg.CollabMode {
	case config.CollabRedis:
		client, err := redisbus.Dial(ctx, s.cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("collaborators: %w", err)
		}
		bus := redisbus.New(client, s.router,
			redisbus.WithPrefix(s.cfg.RedisPrefix),
			redisbus.WithLogger(collabLogger),
		)
		s.router.Bind(router.Recognizer, bus)
		s.router.Bind(router.Corrector, bus)
		s.router.Bind(router.Synthesizer, bus)
		s.lifecycle.AddCheck("redis", bus.Ping)
		s.onClose(func(context.Context) error {
			return errors.Join(bus.Close(), closeRedis(client))
		})
	default:
		recognizer := loopback.NewRecognizer(s.router, collabLogger)
		corrector := loopback.NewCorrector(s.router, collabLogger)
		synth := loopback.NewSynthesizer(s.router, s.cfg.LoopbackSpeechRate, collabLogger)
		s.router.Bind(router.Recognizer, recognizer)
		s.router.Bind(router.Corrector, corrector)
		s.router.Bind(router.Synthesizer, synth)
		s.onClose(func(context.Context) error {
			return errors.Join(synth.Close(), corrector.Close(), recognizer.Close())
		})
	}

	if s.cfg.Corrector == config.CorrectorHTTP {
		corrector := httpcorrector.New(httpcorrector.Config{
			URL:     s.cfg.CorrectorURL,
			Timeout: s.cfg.CorrectorTimeout,
			Logger:  s.logger.With("component", "corrector"),
		}, s.router)
		s.router.Bind(router.Corrector, corrector)
		s.onClose(func(context.Context) error { return corrector.Close() })
	}
	return nil
}

func closeRedis(client *redis.Client) error {
	if err := client.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
		return err
	}
	return nil
}

func (s *Server) openJournal(ctx context.Context) error {
	var sink journal.Sink = journal.Discard{}
	if s.cfg.Journal == config.JournalPostgres {
		pg, err := journal.OpenPostgres(ctx, s.cfg.JournalDSN)
		if err != nil {
			return err
		}
		s.lifecycle.AddCheck("journal", pg.Ping)
		sink = pg
	}
	s.journal = journal.NewWriter(sink, s.logger.With("component", "journal"), journal.Config{})
	s.onClose(s.journal.Close)
	return nil
}

func (s *Server) onClose(fn func(context.Context) error) {
	s.closers = append(s.closers, fn)
}

func (s *Server) turnConfig() turn.Config {
	return turn.Config{
		Greeting:               s.cfg.Greeting,
		EnableGreeting:         s.cfg.EnableGreeting,
		EnableCorrection:       s.cfg.EnableCorrection,
		EnableInterrupt:        s.cfg.EnableInterrupt,
		InterruptThreshold:     s.cfg.InterruptThreshold,
		HistoryLimit:           s.cfg.HistoryLimit,
		CorrectionContextTurns: s.cfg.CorrectionContextTurns,
		CorrectionTimeout:      s.cfg.CorrectionTimeout,
		MaxSpeakingDuration:    s.cfg.MaxSpeakingDuration,
		InboxSize:              s.cfg.InboxSize,
		BroadcastTranscripts:   s.cfg.TranscriptScope == config.TranscriptScopeBroadcast,
	}
}

func (s *Server) routes() {
	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{
		Config:    s.cfg,
		Lifecycle: s.lifecycle,
		Sessions:  s.registry,
	})
	s.mux.Handle("/metrics", s.metrics.Handler())
	s.mux.Handle("/v1/live", ingress.Handler{
		Config:    s.cfg,
		Turn:      s.turnConfig(),
		Registry:  s.registry,
		Router:    s.router,
		Lifecycle: s.lifecycle,
		Logger:    s.logger,
		Metrics:   s.metrics,
		Journal:   s.journal,
	})
	s.mux.Handle("/", handlers.NotFoundHandler{})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.CORS(s.cfg, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

// Router exposes the message router, e.g. for tests binding fakes.
func (s *Server) Router() *router.Router { return s.router }

func (s *Server) SetDraining() {
	s.lifecycle.SetDraining(true)
}

// WarnLiveSessionsDraining tells every connected client the gateway is going
// away. Failed deliveries are logged; they never stop the fan-out.
func (s *Server) WarnLiveSessionsDraining() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	res := s.router.Broadcast(ctx, events.Warning{
		Code:    "draining",
		Message: "server is shutting down; finish the current turn and reconnect",
	})
	if err := res.Err(); err != nil {
		s.logger.Warn("drain warning not delivered to every session", "delivered", res.Delivered, "error", err)
		return
	}
	s.logger.Info("drain warning sent", "delivered", res.Delivered)
}

func (s *Server) WaitLiveSessions(ctx context.Context) bool {
	return s.registry.Wait(ctx)
}

func (s *Server) CancelLiveSessions() int {
	return s.registry.CancelAll()
}

// Close releases collaborators and flushes the journal.
func (s *Server) Close(ctx context.Context) error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
