package sessions

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type gauge struct{ v atomic.Int64 }

func (g *gauge) Set(f float64) { g.v.Store(int64(f)) }

func TestRegistry_RegisterUnregister_CountAndWait(t *testing.T) {
	g := &gauge{}
	r := NewRegistry(g)
	if r.Count() != 0 {
		t.Fatalf("initial count=%d, want 0", r.Count())
	}

	u1 := r.Register("s1", Handle{})
	r.Register("s2", Handle{})
	if r.Count() != 2 || g.v.Load() != 2 {
		t.Fatalf("count=%d gauge=%d, want 2", r.Count(), g.v.Load())
	}

	u1()
	u1()
	if r.Count() != 1 {
		t.Fatalf("count=%d, want 1", r.Count())
	}

	r.Unregister("s2")
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if ok := r.Wait(ctx); !ok {
		t.Fatalf("expected Wait to return true")
	}
	if r.Count() != 0 || g.v.Load() != 0 {
		t.Fatalf("count=%d gauge=%d, want 0", r.Count(), g.v.Load())
	}
}

func TestRegistry_RegisterReplacesPriorEntry(t *testing.T) {
	r := NewRegistry(nil)
	var first, second atomic.Int64
	oldUnregister := r.Register("s1", Handle{Cancel: func() { first.Add(1) }})
	r.Register("s1", Handle{Cancel: func() { second.Add(1) }})

	if r.Count() != 1 {
		t.Fatalf("count=%d, want 1", r.Count())
	}
	// The replaced connection's late teardown must not evict the new entry.
	oldUnregister()
	h, ok := r.Lookup("s1")
	if !ok {
		t.Fatalf("expected s1 to survive stale unregister")
	}
	if h.SessionID != "s1" {
		t.Fatalf("SessionID=%q", h.SessionID)
	}
	h.Cancel()
	if first.Load() != 0 || second.Load() != 1 {
		t.Fatalf("cancel calls=%d/%d, want 0/1", first.Load(), second.Load())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if r.Wait(ctx) {
		t.Fatalf("Wait should block while s1 is registered")
	}
}

func TestRegistry_LookupAbsent(t *testing.T) {
	r := NewRegistry(nil)
	if _, ok := r.Lookup("missing"); ok {
		t.Fatalf("expected absent")
	}
}

func TestRegistry_ForEachSnapshotAllowsUnregister(t *testing.T) {
	r := NewRegistry(nil)
	for i := 0; i < 5; i++ {
		r.Register(fmt.Sprintf("s%d", i), Handle{})
	}

	seen := 0
	n := r.ForEach(func(h Handle) {
		seen++
		r.Unregister(h.SessionID)
	})
	if n != 5 || seen != 5 {
		t.Fatalf("visited=%d returned=%d, want 5", seen, n)
	}
	if r.Count() != 0 {
		t.Fatalf("count=%d, want 0", r.Count())
	}
}

func TestRegistry_ConcurrentChurnLosesNoUnregister(t *testing.T) {
	r := NewRegistry(nil)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		id := fmt.Sprintf("s%d", i)
		go func() {
			defer wg.Done()
			unregister := r.Register(id, Handle{})
			unregister()
		}()
		go func() {
			defer wg.Done()
			r.ForEach(func(Handle) {})
		}()
	}
	wg.Wait()
	if r.Count() != 0 {
		t.Fatalf("count=%d, want 0", r.Count())
	}
}

func TestRegistry_CancelAll_CallsCancel(t *testing.T) {
	r := NewRegistry(nil)
	var c1, c2 atomic.Int64
	r.Register("s1", Handle{Cancel: func() { c1.Add(1) }})
	r.Register("s2", Handle{Cancel: func() { c2.Add(1) }})
	r.Register("s3", Handle{})

	if n := r.CancelAll(); n != 2 {
		t.Fatalf("canceled=%d, want 2", n)
	}
	if c1.Load() != 1 || c2.Load() != 1 {
		t.Fatalf("cancel calls=%d/%d, want 1/1", c1.Load(), c2.Load())
	}
}

func TestRegistry_NilReceiver(t *testing.T) {
	var r *Registry
	r.Register("s1", Handle{})()
	r.Unregister("s1")
	if r.Count() != 0 || r.ForEach(func(Handle) {}) != 0 || r.CancelAll() != 0 {
		t.Fatalf("nil registry must be empty")
	}
	if !r.Wait(context.Background()) {
		t.Fatalf("nil registry Wait should return true")
	}
}
