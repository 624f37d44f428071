// Package health checks the scheduler and the summary processor and
// repairs what it can.
package health

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"groupsummary/internal/eventbus"
	"groupsummary/internal/summary/jobs"
	"groupsummary/internal/summary/queue"
	"groupsummary/internal/summary/store"
	logx "groupsummary/pkg/logx"
)

type Scheduler interface {
	EnsureStarted() bool
	Running() bool
	HasJob(gid int64) bool
	Register(gid int64, e store.Entry) (jobs.JobInfo, error)
	RemoveJob(id string) bool
	ListJobs() []jobs.JobInfo
	JobIDs() []string
}

type Processor interface {
	VerifyProcessorRunning() bool
	Restart(ctx context.Context) error
	Started() bool
	Stats() queue.Stats
}

type Schedules interface {
	All() map[string]store.Entry
	CleanupInvalidGroups() (int, error)
}

type SchedulerStatus struct {
	Running  bool `json:"running"`
	JobCount int  `json:"job_count"`
}

type QueueStatus struct {
	ProcessorActive bool  `json:"processor_active"`
	Size            int   `json:"size"`
	ProcessorCount  int64 `json:"processor_count"`
	InFlight        int64 `json:"in_flight"`
}

type Result struct {
	Healthy        bool            `json:"healthy"`
	Warnings       []string        `json:"warnings"`
	Errors         []string        `json:"errors"`
	RepairsApplied []string        `json:"repairs_applied"`
	Scheduler      SchedulerStatus `json:"scheduler"`
	Queue          QueueStatus     `json:"queue"`
	Groups         int             `json:"groups"`
	CheckedAt      time.Time       `json:"checked_at"`
}

func (r *Result) warn(format string, args ...any) { r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...)) }
func (r *Result) fail(format string, args ...any) { r.Errors = append(r.Errors, fmt.Sprintf(format, args...)) }
func (r *Result) repair(format string, args ...any) { r.RepairsApplied = append(r.RepairsApplied, fmt.Sprintf(format, args...)) }

type Monitor struct {
	sched     Scheduler
	proc      Processor
	schedules Schedules
	bus       eventbus.Bus
	log       logx.Logger
	now       func() time.Time

	// One check or repair at a time.
	mu sync.Mutex
}

type Option func(*Monitor)

func WithLogger(log logx.Logger) Option { return func(m *Monitor) { m.log = log } }

func WithBus(b eventbus.Bus) Option { return func(m *Monitor) { m.bus = b } }

func WithClock(now func() time.Time) Option { return func(m *Monitor) { m.now = now } }

func New(sched Scheduler, proc Processor, schedules Schedules, opts ...Option) *Monitor {
	m := &Monitor{sched: sched, proc: proc, schedules: schedules, log: logx.Nop(), now: time.Now}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Check inspects the subsystem and applies the cheap repairs: start cron,
// start a missing processor loop, register missing jobs, drop orphans.
func (m *Monitor) Check(ctx context.Context) Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkLocked(ctx)
}

func (m *Monitor) checkLocked(_ context.Context) Result {
	res := Result{Warnings: []string{}, Errors: []string{}, RepairsApplied: []string{}}

	if !m.sched.Running() {
		res.warn("scheduler not running")
		if m.sched.EnsureStarted() {
			res.repair("started scheduler")
		}
	}

	if m.proc.VerifyProcessorRunning() {
		res.warn("queue processor not running")
		res.repair("restarted queue processor")
	}

	m.syncJobs(&res)
	m.finish(&res)
	return res
}

// syncJobs registers groups lacking a job and removes jobs lacking a group.
func (m *Monitor) syncJobs(res *Result) {
	entries := m.schedules.All()
	res.Groups = len(entries)

	var missing []int64
	for _, key := range slices.Sorted(maps.Keys(entries)) {
		gid, err := store.ParseGroupID(key)
		if err != nil {
			continue
		}
		if !m.sched.HasJob(gid) {
			missing = append(missing, gid)
		}
	}
	if len(missing) > 0 {
		res.warn("%d scheduled groups had no job", len(missing))
		recreated := 0
		for _, gid := range missing {
			if _, err := m.sched.Register(gid, entries[strconvKey(gid)]); err != nil {
				res.fail("recreate job for group %d: %v", gid, err)
				continue
			}
			recreated++
		}
		if recreated > 0 {
			res.repair("recreated %d missing jobs", recreated)
		}
	}

	var orphans []string
	for _, j := range m.sched.ListJobs() {
		if _, ok := entries[strconvKey(j.GroupID)]; !ok {
			orphans = append(orphans, j.ID)
		}
	}
	if len(orphans) > 0 {
		res.warn("%d orphaned jobs", len(orphans))
		removed := 0
		for _, id := range orphans {
			if m.sched.RemoveJob(id) {
				removed++
			}
		}
		if removed > 0 {
			res.repair("removed %d orphaned jobs", removed)
		}
	}
}

func (m *Monitor) finish(res *Result) {
	st := m.proc.Stats()
	res.Scheduler = SchedulerStatus{Running: m.sched.Running(), JobCount: len(m.sched.JobIDs())}
	res.Queue = QueueStatus{ProcessorActive: st.Active, Size: st.Size, ProcessorCount: st.ProcessorCount, InFlight: st.InFlight}
	res.CheckedAt = m.now()
	res.Healthy = len(res.Errors) == 0 && len(res.Warnings) == 0 && res.Scheduler.Running && m.proc.Started()

	fields := []logx.Field{
		logx.Bool("healthy", res.Healthy),
		logx.Int("warnings", len(res.Warnings)),
		logx.Int("errors", len(res.Errors)),
		logx.Strings("repairs", res.RepairsApplied),
	}
	if res.Healthy {
		m.log.Debug("health check", fields...)
	} else {
		m.log.Warn("health check", fields...)
	}
	if len(res.RepairsApplied) > 0 {
		eventbus.Publish(m.bus, eventbus.HealthRepaired, res.RepairsApplied)
	}
}

// FullRepair restarts the processor, starts cron, drops invalid groups and
// resyncs jobs, then runs Check. Each step's error is captured on its own.
func (m *Monitor) FullRepair(ctx context.Context) Result {
	m.mu.Lock()
	defer m.mu.Unlock()

	var pre Result
	if err := m.proc.Restart(ctx); err != nil {
		pre.fail("restart queue processor: %v", err)
	} else {
		pre.repair("queue processor restarted")
	}
	if m.sched.EnsureStarted() {
		pre.repair("scheduler started")
	}
	if n, err := m.schedules.CleanupInvalidGroups(); err != nil {
		pre.fail("cleanup invalid groups: %v", err)
	} else if n > 0 {
		pre.repair("removed %d invalid group entries", n)
	}
	m.syncJobs(&pre)

	post := m.checkLocked(ctx)
	post.Warnings = append(pre.Warnings, post.Warnings...)
	post.Errors = append(pre.Errors, post.Errors...)
	post.RepairsApplied = append(pre.RepairsApplied, post.RepairsApplied...)
	post.Healthy = post.Healthy && len(pre.Errors) == 0
	m.log.Info("full repair finished", logx.Strings("repairs", post.RepairsApplied), logx.Int("errors", len(post.Errors)))
	return post
}

// Maintenance is the periodic job body.
func (m *Monitor) Maintenance(ctx context.Context) error {
	res := m.Check(ctx)
	if len(res.Errors) > 0 {
		return fmt.Errorf("health check: %s", strings.Join(res.Errors, "; "))
	}
	return nil
}

func strconvKey(gid int64) string { return strconv.FormatInt(gid, 10) }
