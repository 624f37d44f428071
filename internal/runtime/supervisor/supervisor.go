package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime/debug"
	"sync"
	"time"

	logx "groupsummary/pkg/logx"
)

// Supervisor owns the background goroutines of one component. Each goroutine
// has a name; panics are recovered and counted under it, which is how the
// health monitor learns whether the summary processor is alive.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	log         logx.Logger
	cancelOnErr bool

	wg   sync.WaitGroup
	done chan struct{}
	once sync.Once

	mu    sync.Mutex
	err   error
	stats map[string]*GoroutineStats
}

type Option func(*Supervisor)

// GoroutineStats covers every run started under one name.
type GoroutineStats struct {
	Name       string    `json:"name"`
	Active     int64     `json:"active"`
	Started    uint64    `json:"started"`
	Restarts   uint64    `json:"restarts"`
	Panics     uint64    `json:"panics"`
	LastErr    string    `json:"last_err,omitempty"`
	LastPanic  string    `json:"last_panic,omitempty"`
	LastStopAt time.Time `json:"last_stop_at,omitzero"`
}

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError makes the first failing Go goroutine cancel the rest.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

func New(parent context.Context, opts ...Option) *Supervisor {
	s := &Supervisor{
		log:   logx.Nop(),
		done:  make(chan struct{}),
		stats: make(map[string]*GoroutineStats),
	}
	s.ctx, s.cancel = context.WithCancel(parent)
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the context without waiting.
func (s *Supervisor) Cancel() { s.cancel() }

// Err is the first error a goroutine returned, if any.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Goroutine returns the stats recorded for name.
func (s *Supervisor) Goroutine(name string) (GoroutineStats, bool) {
	if s == nil {
		return GoroutineStats{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.stats[name]; ok {
		return *st, true
	}
	return GoroutineStats{}, false
}

// track updates the stats for name under the lock.
func (s *Supervisor) track(name string, fn func(st *GoroutineStats)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stats[name]
	if !ok {
		st = &GoroutineStats{Name: name}
		s.stats[name] = st
	}
	fn(st)
}

// run calls fn once, turning a panic into an error, and keeps the stats.
func (s *Supervisor) run(ctx context.Context, name string, restart bool, fn func(context.Context) error) (err error) {
	s.track(name, func(st *GoroutineStats) {
		st.Active++
		st.Started++
		if restart {
			st.Restarts++
		}
	})
	defer func() {
		p := recover()
		if p != nil {
			s.log.Error("goroutine panicked", logx.String("name", name), logx.Any("panic", p), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("panic: %v", p)
		}
		s.track(name, func(st *GoroutineStats) {
			st.Active--
			st.LastStopAt = time.Now()
			if p != nil {
				st.Panics++
				st.LastPanic = fmt.Sprint(p)
			}
			if err != nil && !errors.Is(err, context.Canceled) {
				st.LastErr = err.Error()
			}
		})
	}()
	return fn(ctx)
}

// Go runs fn once. A non-cancellation error becomes Err.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := s.run(s.ctx, name, false, fn)
		if err == nil || errors.Is(err, context.Canceled) {
			return
		}
		s.setErr(fmt.Errorf("%s: %w", name, err))
		if s.cancelOnErr {
			s.cancel()
		}
	}()
}

func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	s.Go(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

// RestartOption configures GoRestart.
type RestartOption func(*restartPolicy)

type restartPolicy struct {
	minBackoff      time.Duration
	maxBackoff      time.Duration
	stopOnCleanExit bool
}

// WithRestartBackoff sets the window the doubling backoff moves in.
func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(p *restartPolicy) {
		if min > 0 {
			p.minBackoff = min
		}
		if max > 0 {
			p.maxBackoff = max
		}
	}
}

// WithStopOnCleanExit controls whether a nil return ends the loop (default true).
func WithStopOnCleanExit(enabled bool) RestartOption {
	return func(p *restartPolicy) { p.stopOnCleanExit = enabled }
}

// GoRestart keeps fn running under name until the supervisor is cancelled.
// Failed runs are restarted after a jittered, doubling backoff.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	s.GoRestartCtx(s.ctx, name, fn, opts...)
}

// GoRestartCtx is GoRestart bound to ctx, which must derive from Context().
// Cancelling ctx stops only this loop.
func (s *Supervisor) GoRestartCtx(ctx context.Context, name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	p := restartPolicy{minBackoff: 250 * time.Millisecond, maxBackoff: 30 * time.Second, stopOnCleanExit: true}
	for _, o := range opts {
		o(&p)
	}
	p.maxBackoff = max(p.maxBackoff, p.minBackoff)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.restartLoop(ctx, name, fn, p)
	}()
}

func (s *Supervisor) restartLoop(ctx context.Context, name string, fn func(context.Context) error, p restartPolicy) {
	backoff := p.minBackoff
	for n := 0; ctx.Err() == nil; n++ {
		began := time.Now()
		err := s.run(ctx, name, n > 0, fn)
		switch {
		case ctx.Err() != nil || errors.Is(err, context.Canceled):
			return
		case err == nil && p.stopOnCleanExit:
			return
		case err == nil:
			err = errors.New("exited")
		}

		// A run that stayed up a while starts the backoff over.
		if time.Since(began) >= 30*time.Second {
			backoff = p.minBackoff
		}
		wait := backoff + rand.N(backoff/5+1)
		s.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("backoff", wait), logx.Err(err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		backoff = min(2*backoff, p.maxBackoff)
	}
}

func (s *Supervisor) GoRestart0(name string, fn func(ctx context.Context), opts ...RestartOption) {
	if fn == nil {
		return
	}
	s.GoRestart(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	}, opts...)
}

// Stop cancels and waits.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every goroutine has returned or ctx is done.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.once.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.done)
		}()
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return s.Err()
	}
}

func (s *Supervisor) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}
