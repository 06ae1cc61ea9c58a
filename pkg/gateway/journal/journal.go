// Package journal records completed turns off the session hot path.
package journal

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Entry is one spoken reply.
type Entry struct {
	SessionID string
	TurnID    int64
	RequestID string
	Original  string
	Spoken    string
	// Outcome is the correction outcome (ok, failed, timeout, passthrough).
	Outcome string
	At      time.Time
}

// Sink persists batches of entries.
type Sink interface {
	Write(ctx context.Context, entries []Entry) error
	Close() error
}

// Discard drops every entry.
type Discard struct{}

func (Discard) Write(context.Context, []Entry) error { return nil }
func (Discard) Close() error                         { return nil }

var ErrClosed = errors.New("journal: writer closed")

type Config struct {
	QueueSize     int
	BatchSize     int
	FlushInterval time.Duration
	WriteTimeout  time.Duration
}

// Writer batches entries to a Sink from a single goroutine. Record never
// blocks; entries are dropped when the queue is full.
type Writer struct {
	sink   Sink
	logger *slog.Logger
	cfg    Config

	queue   chan Entry
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
	closed  atomic.Bool
	dropped atomic.Int64
}

func NewWriter(sink Sink, logger *slog.Logger, cfg Config) *Writer {
	if sink == nil {
		sink = Discard{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 64
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	w := &Writer{
		sink:   sink,
		logger: logger,
		cfg:    cfg,
		queue:  make(chan Entry, cfg.QueueSize),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go w.run()
	return w
}

// Record enqueues e. It is safe on a nil *Writer.
func (w *Writer) Record(e Entry) {
	if w == nil || w.closed.Load() {
		return
	}
	select {
	case w.queue <- e:
	default:
		if n := w.dropped.Add(1); n == 1 || n%100 == 0 {
			w.logger.Warn("journal queue full, dropping entries", "dropped", n)
		}
	}
}

// Dropped reports how many entries were discarded because the queue was full.
func (w *Writer) Dropped() int64 {
	if w == nil {
		return 0
	}
	return w.dropped.Load()
}

func (w *Writer) run() {
	defer close(w.done)
	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]Entry, 0, w.cfg.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), w.cfg.WriteTimeout)
		if err := w.sink.Write(ctx, batch); err != nil {
			w.logger.Error("journal write failed", "entries", len(batch), "error", err)
		}
		cancel()
		batch = batch[:0]
	}

	for {
		select {
		case e := <-w.queue:
			batch = append(batch, e)
			if len(batch) >= w.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-w.stop:
			for {
				select {
				case e := <-w.queue:
					batch = append(batch, e)
					if len(batch) >= w.cfg.BatchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

// Close drains queued entries and closes the sink.
func (w *Writer) Close(ctx context.Context) error {
	if w == nil {
		return nil
	}
	w.once.Do(func() {
		w.closed.Store(true)
		close(w.stop)
	})
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-w.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return w.sink.Close()
}
