package systemd

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	logx "groupsummary/pkg/logx"
)

type recorder struct {
	mu     sync.Mutex
	states []string
}

func (r *recorder) notify(state string) (bool, error) {
	r.mu.Lock()
	r.states = append(r.states, state)
	r.mu.Unlock()
	return true, nil
}

func (r *recorder) count(state string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.states {
		if s == state {
			n++
		}
	}
	return n
}

func TestNotifyStates(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	n := &Notifier{log: logx.Nop(), notify: rec.notify}
	if !n.Ready() || !n.Status("serving") || !n.Stopping() {
		t.Fatalf("notify returned false")
	}
	for _, s := range []string{"READY=1", "STATUS=serving", "STOPPING=1"} {
		if rec.count(s) != 1 {
			t.Fatalf("state %q sent %d times, want 1", s, rec.count(s))
		}
	}
}

func TestWatchdogSkipsWhenUnhealthy(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	n := &Notifier{log: logx.Nop(), notify: rec.notify}
	var healthy atomic.Bool

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		n.Watchdog(ctx, 5*time.Millisecond, healthy.Load)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	if got := rec.count("WATCHDOG=1"); got != 0 {
		t.Fatalf("pings while unhealthy = %d, want 0", got)
	}
	healthy.Store(true)
	deadline := time.Now().Add(2 * time.Second)
	for rec.count("WATCHDOG=1") == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("no watchdog ping after becoming healthy")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
}
