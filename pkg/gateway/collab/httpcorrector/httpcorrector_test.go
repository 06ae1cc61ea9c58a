package httpcorrector

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxflame/voxgate/pkg/core/events"
)

type fakeEmitter struct {
	mu     sync.Mutex
	events []events.Event
}

func (f *fakeEmitter) Emit(_ string, ev events.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeEmitter) wait(t *testing.T) events.Event {
	t.Helper()
	var got events.Event
	require.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		if len(f.events) == 0 {
			return false
		}
		got = f.events[0]
		return true
	}, 2*time.Second, 5*time.Millisecond)
	return got
}

func TestCorrector_Success(t *testing.T) {
	bodies := make(chan request, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var body request
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		bodies <- body
		_, _ = w.Write([]byte(`{"correctedText":"今天天气很好"}`))
	}))
	defer srv.Close()

	em := &fakeEmitter{}
	c := New(Config{URL: srv.URL, Timeout: time.Second}, em)
	defer c.Close()

	require.NoError(t, c.Send(context.Background(), "s1", events.CorrectionRequest{
		CorrectionID: "c-4",
		TurnID:       4,
		Text:         "今天天汽很好",
		Context:      []events.ContextTurn{{Role: events.RoleUser, Content: "你好"}},
	}))

	assert.Equal(t, events.CorrectedText{CorrectionID: "c-4", TurnID: 4, OriginalText: "今天天汽很好", CorrectedText: "今天天气很好"}, em.wait(t))
	gotBody := <-bodies
	assert.Equal(t, "今天天汽很好", gotBody.Text)
	assert.Equal(t, []events.ContextTurn{{Role: events.RoleUser, Content: "你好"}}, gotBody.ContextTurns)
}

func TestCorrector_EmptyContextIsArray(t *testing.T) {
	bodies := make(chan map[string]json.RawMessage, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var raw map[string]json.RawMessage
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&raw))
		bodies <- raw
		_, _ = w.Write([]byte(`{"correctedText":"好"}`))
	}))
	defer srv.Close()

	em := &fakeEmitter{}
	c := New(Config{URL: srv.URL}, em)
	defer c.Close()

	require.NoError(t, c.Send(context.Background(), "s1", events.CorrectionRequest{TurnID: 1, Text: "好"}))
	em.wait(t)
	raw := <-bodies
	assert.JSONEq(t, `[]`, string(raw["contextTurns"]))
}

func TestCorrector_Failures(t *testing.T) {
	cases := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"status", func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "model overloaded", http.StatusServiceUnavailable)
		}},
		{"bad json", func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"correctedText":`))
		}},
		{"timeout", func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(tc.handler)
			defer srv.Close()

			em := &fakeEmitter{}
			c := New(Config{URL: srv.URL, Timeout: 50 * time.Millisecond}, em)
			defer c.Close()

			require.NoError(t, c.Send(context.Background(), "s1", events.CorrectionRequest{CorrectionID: "c-9", TurnID: 9, Text: "我想喝水"}))
			failed, ok := em.wait(t).(events.CorrectionFailed)
			require.True(t, ok)
			assert.Equal(t, "c-9", failed.CorrectionID)
			assert.Equal(t, int64(9), failed.TurnID)
			assert.Equal(t, "我想喝水", failed.OriginalText)
			assert.NotEmpty(t, failed.Reason)
		})
	}
}

func TestCorrector_CallerCancellationDoesNotAbortCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(20 * time.Millisecond)
		_, _ = w.Write([]byte(`{"correctedText":"ok"}`))
	}))
	defer srv.Close()

	em := &fakeEmitter{}
	c := New(Config{URL: srv.URL, Timeout: time.Second}, em)
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, c.Send(ctx, "s1", events.CorrectionRequest{TurnID: 2, Text: "ok"}))
	cancel()

	_, ok := em.wait(t).(events.CorrectedText)
	assert.True(t, ok)
}

func TestCorrector_RejectsOtherMessagesAndAfterClose(t *testing.T) {
	c := New(Config{URL: "http://127.0.0.1:1"}, &fakeEmitter{})
	assert.Error(t, c.Send(context.Background(), "s1", events.SynthesisFlush{}))
	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Send(context.Background(), "s1", events.CorrectionRequest{TurnID: 1, Text: "x"}), ErrClosed)
	require.NoError(t, c.Close())
}

func TestCorrector_SendRacingClose(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"correctedText":"ok"}`))
	}))
	defer srv.Close()

	em := &fakeEmitter{}
	c := New(Config{URL: srv.URL, Timeout: time.Second}, em)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := c.Send(context.Background(), "s1", events.CorrectionRequest{CorrectionID: "c", TurnID: int64(i + 1), Text: "ok"})
			if err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, ErrClosed)
		}(i)
	}
	require.NoError(t, c.Close())
	wg.Wait()

	// Close waits for every accepted call, so each one has emitted.
	em.mu.Lock()
	emitted := len(em.events)
	em.mu.Unlock()
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, accepted, emitted)
}
