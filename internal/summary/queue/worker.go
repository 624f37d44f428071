package queue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"groupsummary/internal/eventbus"
	"groupsummary/internal/runtime/supervisor"
	"groupsummary/internal/storage"
	logx "groupsummary/pkg/logx"
)

const (
	ProcessorName = "summary.processor"
	taskName      = "summary.task"
)

type WorkerConfig struct {
	Concurrency  int
	PollTimeout  time.Duration
	RestartGrace time.Duration
	// TaskTimeout bounds one pipeline run; 0 disables it.
	TaskTimeout time.Duration
}

func (c WorkerConfig) normalized() WorkerConfig {
	if c.Concurrency <= 0 {
		c.Concurrency = 2
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = 60 * time.Second
	}
	if c.RestartGrace <= 0 {
		c.RestartGrace = 2 * time.Second
	}
	if c.TaskTimeout < 0 {
		c.TaskTimeout = 0
	}
	return c
}

// TaskEvent is published on the bus after every run.
type TaskEvent struct {
	ID       string        `json:"id"`
	GroupID  int64         `json:"group_id"`
	Outcome  string        `json:"outcome"`
	Reason   string        `json:"reason,omitempty"`
	Messages int           `json:"messages"`
	Duration time.Duration `json:"duration"`
}

type Stats struct {
	// Active reports a live processor loop, counting one that was just
	// started but has not been scheduled yet.
	Active         bool  `json:"active"`
	Size           int   `json:"size"`
	InFlight       int64 `json:"in_flight"`
	ProcessorCount int64 `json:"processor_count"`
}

// Worker drains the queue with one supervised processor loop and runs at
// most Concurrency pipelines at a time.
type Worker struct {
	sup   *supervisor.Supervisor
	q     *Queue
	pipe  *Pipeline
	rec   Recorder
	bus   eventbus.Bus
	log   logx.Logger
	guard *groupGuard
	now   func() time.Time

	mu         sync.Mutex
	cfg        WorkerConfig
	sem        chan struct{}
	loopCtx    context.Context
	loopCancel context.CancelFunc
	started    bool

	inflight atomic.Int64
	tasks    sync.WaitGroup
}

type WorkerOption func(*Worker)

func WithLogger(log logx.Logger) WorkerOption { return func(w *Worker) { w.log = log } }

func WithRecorder(rec Recorder) WorkerOption { return func(w *Worker) { w.rec = rec } }

func WithBus(b eventbus.Bus) WorkerOption { return func(w *Worker) { w.bus = b } }

func WithClock(now func() time.Time) WorkerOption { return func(w *Worker) { w.now = now } }

func NewWorker(cfg WorkerConfig, sup *supervisor.Supervisor, pipe *Pipeline, opts ...WorkerOption) *Worker {
	cfg = cfg.normalized()
	w := &Worker{
		sup:   sup,
		q:     NewQueue(),
		pipe:  pipe,
		log:   logx.Nop(),
		guard: newGroupGuard(),
		now:   time.Now,
		cfg:   cfg,
		sem:   make(chan struct{}, cfg.Concurrency),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Apply swaps the worker config. A new concurrency limit applies to tasks
// dequeued afterwards.
func (w *Worker) Apply(cfg WorkerConfig) {
	cfg = cfg.normalized()
	w.mu.Lock()
	defer w.mu.Unlock()
	if cfg.Concurrency != w.cfg.Concurrency {
		w.sem = make(chan struct{}, cfg.Concurrency)
	}
	w.cfg = cfg
}

func (w *Worker) config() (WorkerConfig, chan struct{}) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cfg, w.sem
}

// Enqueue pushes a task; it satisfies the scheduler's dispatch target.
func (w *Worker) Enqueue(gid int64, least int, style string) error {
	w.q.Push(Task{GroupID: gid, LeastCount: least, Style: style, EnqueuedAt: w.now()})
	w.log.Debug("summary task enqueued", logx.Int64("group_id", gid), logx.Int("queue_size", w.q.Len()))
	return nil
}

func (w *Worker) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.startLocked()
}

func (w *Worker) startLocked() {
	if w.loopCancel != nil {
		w.loopCancel()
	}
	ctx, cancel := context.WithCancel(w.sup.Context())
	w.loopCtx, w.loopCancel = ctx, cancel
	w.started = true
	w.sup.GoRestartCtx(ctx, ProcessorName, w.loop, supervisor.WithRestartBackoff(time.Second, 30*time.Second))
	w.log.Info("summary processor started", logx.Int("concurrency", w.cfg.Concurrency))
}

// Started reports the started flag. It can be true while the loop is down;
// VerifyProcessorRunning checks the supervisor as well.
func (w *Worker) Started() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.started
}

// loopAliveLocked is true from startLocked until the loop context ends.
// The restart policy keeps the loop goroutine alive for that whole span, so
// this does not wait for the goroutine to be scheduled.
func (w *Worker) loopAliveLocked() bool {
	return w.started && w.loopCtx != nil && w.loopCtx.Err() == nil
}

func (w *Worker) ProcessorActive() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.loopAliveLocked()
}

// runningLoops counts processor goroutines currently executing.
func (w *Worker) runningLoops() int64 {
	st, _ := w.sup.Goroutine(ProcessorName)
	return st.Active
}

func (w *Worker) Stats() Stats {
	return Stats{Active: w.ProcessorActive(), Size: w.q.Len(), InFlight: w.inflight.Load(), ProcessorCount: w.runningLoops()}
}

// VerifyProcessorRunning starts a processor loop when none is active and
// reports whether it did.
func (w *Worker) VerifyProcessorRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.loopAliveLocked() {
		return false
	}
	st, _ := w.sup.Goroutine(ProcessorName)
	switch {
	case st.LastPanic != "":
		w.log.Warn("summary processor was down", logx.String("last_panic", st.LastPanic), logx.Uint64("panics", st.Panics))
	case st.LastErr != "":
		w.log.Warn("summary processor was down", logx.String("last_err", st.LastErr))
	default:
		w.log.Warn("summary processor was not running")
	}
	w.startLocked()
	return true
}

// Restart cancels the loop, waits up to RestartGrace for it to exit and
// starts a fresh one. In-flight pipelines keep running.
func (w *Worker) Restart(ctx context.Context) error {
	w.mu.Lock()
	if w.loopCancel != nil {
		w.loopCancel()
		w.loopCancel = nil
	}
	w.loopCtx = nil
	w.started = false
	grace := w.cfg.RestartGrace
	w.mu.Unlock()

	deadline := time.Now().Add(grace)
	for w.runningLoops() > 0 {
		if time.Now().After(deadline) {
			w.log.Warn("summary processor did not stop within grace", logx.Duration("grace", grace))
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(20 * time.Millisecond):
		}
	}
	w.Start()
	return nil
}

// Stop cancels the loop and waits for in-flight tasks until ctx is done.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if w.loopCancel != nil {
		w.loopCancel()
		w.loopCancel = nil
	}
	w.loopCtx = nil
	w.started = false
	w.mu.Unlock()

	done := make(chan struct{})
	go func() {
		w.tasks.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) loop(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		cfg, sem := w.config()
		t, ok := w.q.Pop(ctx, cfg.PollTimeout)
		if !ok {
			continue
		}
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			w.q.Push(t)
			return ctx.Err()
		}
		w.inflight.Add(1)
		w.tasks.Add(1)
		w.sup.Go(taskName, func(taskCtx context.Context) error {
			defer func() {
				<-sem
				w.inflight.Add(-1)
				w.tasks.Done()
			}()
			w.execute(taskCtx, t)
			return nil
		})
	}
}

func (w *Worker) execute(ctx context.Context, t Task) Outcome {
	start := w.now()
	id := fmt.Sprintf("summary_task_%d_%d", t.GroupID, start.Unix())
	log := w.log.With(logx.String("task_id", id), logx.Int64("group_id", t.GroupID))
	if !t.EnqueuedAt.IsZero() {
		log.Debug("summary task dequeued", logx.Duration("waited", start.Sub(t.EnqueuedAt)))
	}

	out := w.runGuarded(ctx, t, log)
	w.report(ctx, id, t.GroupID, out, w.now().Sub(start), log)
	return out
}

func (w *Worker) runGuarded(ctx context.Context, t Task, log logx.Logger) Outcome {
	if !w.guard.tryAcquire(t.GroupID) {
		return skipped("already_running")
	}
	defer w.guard.release(t.GroupID)

	cfg, _ := w.config()
	if cfg.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.TaskTimeout)
		defer cancel()
	}
	return w.pipe.Run(ctx, Request{GroupID: t.GroupID, LeastCount: t.LeastCount, Style: t.Style}, log)
}

func (w *Worker) report(ctx context.Context, id string, gid int64, out Outcome, d time.Duration, log logx.Logger) {
	log = log.With(logx.Duration("duration", d), logx.Int("messages", out.Messages))
	ev := TaskEvent{ID: id, GroupID: gid, Outcome: out.Kind.String(), Reason: out.Reason, Messages: out.Messages, Duration: d}
	switch out.Kind {
	case Success:
		log.Info("summary.task.done", logx.String("model", out.Model))
		eventbus.Publish(w.bus, eventbus.SummaryFinished, ev)
	case Skip:
		log.Info("summary.task.skipped", logx.String("reason", out.Reason))
		eventbus.Publish(w.bus, eventbus.SummarySkipped, ev)
	default:
		log.Error("summary.task.failed", logx.String("stage", out.Reason), logx.Err(out.Err))
		eventbus.Publish(w.bus, eventbus.SummaryFailed, ev)
	}

	if w.rec == nil {
		return
	}
	rec := storage.SummaryRecord{
		GroupID:    gid,
		Status:     out.Status(),
		Reason:     out.Reason,
		Messages:   out.Messages,
		DurationMS: d.Milliseconds(),
		Model:      out.Model,
		Source:     "schedule",
		At:         w.now(),
	}
	// The task context may already be cancelled by the timeout.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := w.rec.RecordSummary(rctx, rec); err != nil {
		log.Warn("summary statistics not recorded", logx.Err(err))
	}
}
