package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/voxflame/voxgate/pkg/gateway/config"
	gatewayserver "github.com/voxflame/voxgate/pkg/gateway/server"
)

func validConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.Addr = "127.0.0.1:0"
	cfg.ShutdownGracePeriod = time.Second
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	return cfg
}

func noSignals() (func(chan<- os.Signal, ...os.Signal), func(chan<- os.Signal)) {
	return func(chan<- os.Signal, ...os.Signal) {}, func(chan<- os.Signal) {}
}

func TestRunMain_ReturnsNonZeroWhenConfigLoadFails(t *testing.T) {
	t.Parallel()

	notify, stop := noSignals()
	var stderr bytes.Buffer
	exitCode := runMain(context.Background(), &stderr, gatewayDeps{
		loadConfig: func() (config.Config, error) {
			return config.Config{}, errors.New("boom")
		},
		newGateway: func(context.Context, config.Config, *slog.Logger) (*gatewayserver.Server, error) {
			t.Fatalf("newGateway should not be called when config load fails")
			return nil, nil
		},
		signalNotify: notify,
		signalStop:   stop,
	})

	if exitCode != 1 {
		t.Fatalf("exitCode=%d, want 1", exitCode)
	}
	if got := stderr.String(); !strings.Contains(got, "boom") {
		t.Fatalf("stderr=%q", got)
	}
}

func TestRunGateway_NewGatewayError(t *testing.T) {
	t.Parallel()

	notify, stop := noSignals()
	err := runGateway(context.Background(), io.Discard, gatewayDeps{
		loadConfig: func() (config.Config, error) { return validConfig(t), nil },
		newGateway: func(context.Context, config.Config, *slog.Logger) (*gatewayserver.Server, error) {
			return nil, errors.New("redis unreachable")
		},
		signalNotify: notify,
		signalStop:   stop,
	})
	if err == nil || !strings.Contains(err.Error(), "redis unreachable") {
		t.Fatalf("err=%v", err)
	}
}

func TestRunGateway_MissingDependencies(t *testing.T) {
	t.Parallel()

	if err := runGateway(context.Background(), io.Discard, gatewayDeps{}); err == nil {
		t.Fatalf("expected error for empty deps")
	}
}

func TestRunGateway_SignalDrainsAndStops(t *testing.T) {
	t.Parallel()

	var stderr bytes.Buffer
	err := runGateway(context.Background(), &stderr, gatewayDeps{
		loadConfig: func() (config.Config, error) { return validConfig(t), nil },
		newGateway: gatewayserver.New,
		signalNotify: func(c chan<- os.Signal, _ ...os.Signal) {
			go func() {
				time.Sleep(20 * time.Millisecond)
				c <- os.Interrupt
			}()
		},
		signalStop: func(chan<- os.Signal) {},
	})
	if err != nil {
		t.Fatalf("runGateway: %v", err)
	}
	out := stderr.String()
	if !strings.Contains(out, "shutdown signal received") || !strings.Contains(out, "gateway stopped") {
		t.Fatalf("unexpected log output:\n%s", out)
	}
}

func TestBuildHTTPServer_UsesConfiguredAddress(t *testing.T) {
	t.Parallel()

	cfg := config.Config{
		Addr:              "127.0.0.1:9999",
		ReadHeaderTimeout: 2 * time.Second,
	}

	srv := buildHTTPServer(cfg, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	if srv.Addr != cfg.Addr {
		t.Fatalf("Addr=%q, want %q", srv.Addr, cfg.Addr)
	}
	if srv.ReadHeaderTimeout != cfg.ReadHeaderTimeout {
		t.Fatalf("ReadHeaderTimeout=%v, want %v", srv.ReadHeaderTimeout, cfg.ReadHeaderTimeout)
	}
}

func TestNewLogger_FormatAndLevel(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := newLogger(&buf, config.Config{LogFormat: "json", LogLevel: "warn"})
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info logged at warn level: %q", out)
	}
	if !strings.Contains(out, `"msg":"shown"`) || !strings.Contains(out, `"k":"v"`) {
		t.Fatalf("expected json record, got %q", out)
	}
}

func TestGatewayHandlerStack_Smoke(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	gw, err := gatewayserver.New(context.Background(), validConfig(t), logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer gw.Close(context.Background())

	ts := httptest.NewServer(gw.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz error: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusOK)
	}
}
