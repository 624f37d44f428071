package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestGoRecordsPanicAndError(t *testing.T) {
	t.Parallel()

	sup := New(context.Background())
	sup.Go("boom", func(context.Context) error { panic("bad") })
	sup.Go("fail", func(context.Context) error { return errors.New("nope") })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = sup.Wait(ctx)

	st, ok := sup.Goroutine("boom")
	if !ok || st.Panics != 1 || st.LastPanic != "bad" || st.Active != 0 {
		t.Fatalf("boom stats = %+v, want one panic and inactive", st)
	}
	st, _ = sup.Goroutine("fail")
	if st.LastErr == "" {
		t.Fatalf("fail LastErr empty, want error text")
	}
	if sup.Err() == nil {
		t.Fatalf("Err = nil, want first error")
	}
}

func TestGoRestartRestartsAfterPanic(t *testing.T) {
	t.Parallel()

	sup := New(context.Background())
	var runs atomic.Int32
	sup.GoRestart("loop", func(ctx context.Context) error {
		if runs.Add(1) == 1 {
			panic("first run")
		}
		<-ctx.Done()
		return ctx.Err()
	}, WithRestartBackoff(time.Millisecond, 5*time.Millisecond))

	waitFor(t, func() bool {
		st, _ := sup.Goroutine("loop")
		return st.Active == 1 && st.Restarts == 1
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
		t.Fatalf("Stop = %v", err)
	}
	st, _ := sup.Goroutine("loop")
	if st.Active != 0 || st.Panics != 1 {
		t.Fatalf("loop stats = %+v, want inactive with one panic", st)
	}
}

func TestGoRestartCtxStopsOnlyItsLoop(t *testing.T) {
	t.Parallel()

	sup := New(context.Background())
	defer sup.Cancel()

	loopCtx, stopLoop := context.WithCancel(sup.Context())
	block := func(ctx context.Context) error { <-ctx.Done(); return ctx.Err() }
	sup.GoRestartCtx(loopCtx, "a", block)
	sup.GoRestart("b", block)

	waitFor(t, func() bool {
		a, _ := sup.Goroutine("a")
		b, _ := sup.Goroutine("b")
		return a.Active == 1 && b.Active == 1
	})
	stopLoop()
	waitFor(t, func() bool {
		a, _ := sup.Goroutine("a")
		return a.Active == 0
	})
	if b, _ := sup.Goroutine("b"); b.Active != 1 {
		t.Fatalf("b.Active = %d, want 1", b.Active)
	}
}
