// Package jobs keeps one daily cron job per scheduled group, plus a few
// maintenance jobs, on a robfig/cron engine.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"groupsummary/internal/summary/store"
	logx "groupsummary/pkg/logx"
)

const (
	DefaultTimezone     = "Asia/Shanghai"
	enqueueWarnThrottle = 5 * time.Second
)

// Enqueuer receives fired group jobs. It must not block.
type Enqueuer interface {
	Enqueue(groupID int64, leastCount int, style string) error
}

type Config struct {
	Timezone string
	// DefaultLeast replaces a missing least_message_count.
	DefaultLeast int
}

type Manager struct {
	parser cron.Parser
	log    logx.Logger
	now    func() time.Time
	enq    Enqueuer

	mu      sync.Mutex
	cfg     Config
	loc     *time.Location
	c       *cron.Cron
	running bool
	jobs    map[string]*jobDef

	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time
}

type jobDef struct {
	id      string
	gid     int64
	spec    string
	sched   cron.Schedule
	least   int
	style   string
	run     func()
	entryID cron.EntryID
}

type Option func(*Manager)

func WithLogger(log logx.Logger) Option { return func(m *Manager) { m.log = log } }

// WithClock replaces the clock used for next-run previews.
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

func New(cfg Config, enq Enqueuer, opts ...Option) *Manager {
	m := &Manager{
		// SecondOptional accepts the six-field group specs and five-field maintenance specs.
		parser:      cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		log:         logx.Nop(),
		now:         time.Now,
		enq:         enq,
		cfg:         cfg,
		jobs:        map[string]*jobDef{},
		lastEnqWarn: map[string]time.Time{},
	}
	for _, o := range opts {
		o(m)
	}
	m.loc = m.loadLocation(cfg.Timezone)
	m.c = cron.New(cron.WithParser(m.parser), cron.WithLocation(m.loc))
	return m
}

func (m *Manager) loadLocation(tz string) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		tz = DefaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		m.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// Location returns the zone triggers are evaluated in.
func (m *Manager) Location() *time.Location {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loc
}

// Apply updates the config. A zone change rebuilds the engine with every job.
func (m *Manager) Apply(cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	oldTZ := strings.TrimSpace(m.cfg.Timezone)
	m.cfg = cfg
	if oldTZ == strings.TrimSpace(cfg.Timezone) {
		return
	}
	if m.running {
		// Running callbacks may call back into the manager; do not wait for them.
		m.c.Stop()
	}
	m.loc = m.loadLocation(cfg.Timezone)
	m.c = cron.New(cron.WithParser(m.parser), cron.WithLocation(m.loc))
	for _, d := range m.jobs {
		d.entryID = m.c.Schedule(d.sched, cron.FuncJob(d.run))
	}
	if m.running {
		m.c.Start()
	}
	m.log.Info("cron rebuilt for new timezone", logx.String("tz", m.loc.String()), logx.Int("jobs", len(m.jobs)))
}

// EnsureStarted starts the engine if needed and reports whether it did.
func (m *Manager) EnsureStarted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return false
	}
	m.c.Start()
	m.running = true
	m.log.Info("cron started", logx.String("tz", m.loc.String()), logx.Int("jobs", len(m.jobs)))
	return true
}

func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Stop halts triggering and waits for running callbacks or ctx.
func (m *Manager) Stop(ctx context.Context) {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	done := m.c.Stop()
	m.mu.Unlock()

	select {
	case <-done.Done():
	case <-ctx.Done():
	}
	m.log.Info("cron stopped")
}

// Register upserts the daily job of gid. A non-positive least count takes
// the configured default.
func (m *Manager) Register(gid int64, e store.Entry) (JobInfo, error) {
	spec := TriggerSpec(gid, e.Hour, e.Minute)
	sched, err := m.parser.Parse(spec)
	if err != nil {
		return JobInfo{}, fmt.Errorf("register %s: %w", JobID(gid), err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	least := e.LeastMessageCount
	if least <= 0 {
		least = m.cfg.DefaultLeast
	}
	id := JobID(gid)
	d := &jobDef{id: id, gid: gid, spec: spec, sched: sched, least: least, style: e.Style}
	d.run = func() { m.dispatch(id, gid, least, d.style) }

	m.removeLocked(id)
	d.entryID = m.c.Schedule(sched, cron.FuncJob(d.run))
	m.jobs[id] = d

	info := m.infoLocked(d)
	m.log.Debug("schedule registered",
		logx.String("job", id),
		logx.String("spec", spec),
		logx.String("next", info.Next.Format("2006-01-02 15:04:05")),
	)
	return info, nil
}

// Unregister removes the job of gid. Removing an absent job is not an error.
func (m *Manager) Unregister(gid int64) bool {
	return m.RemoveJob(JobID(gid))
}

// RemoveJob removes any job by id, group or maintenance.
func (m *Manager) RemoveJob(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := m.removeLocked(id)
	if removed {
		m.log.Debug("job removed", logx.String("job", id))
	}
	return removed
}

func (m *Manager) removeLocked(id string) bool {
	d, ok := m.jobs[id]
	if !ok {
		return false
	}
	m.c.Remove(d.entryID)
	delete(m.jobs, id)
	return true
}

// HasJob reports whether gid has a live job.
func (m *Manager) HasJob(gid int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.jobs[JobID(gid)]
	return ok
}

// ListJobs returns the group jobs sorted by id.
func (m *Manager) ListJobs() []JobInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]JobInfo, 0, len(m.jobs))
	for _, id := range slices.Sorted(maps.Keys(m.jobs)) {
		if strings.HasPrefix(id, JobPrefix) {
			out = append(out, m.infoLocked(m.jobs[id]))
		}
	}
	return out
}

// JobIDs returns every job id, group and maintenance, sorted.
func (m *Manager) JobIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Sorted(maps.Keys(m.jobs))
}

func (m *Manager) infoLocked(d *jobDef) JobInfo {
	info := JobInfo{ID: d.id, GroupID: d.gid, Spec: d.spec, LeastCount: d.least, Style: d.style}
	if m.running {
		e := m.c.Entry(d.entryID)
		info.Next, info.Prev = e.Next, e.Prev
	}
	if info.Next.IsZero() {
		info.Next = d.sched.Next(m.now().In(m.loc))
	}
	return info
}

// Reconcile makes the live group jobs equal entries. Keys that are not
// group ids are handed to prune; jobs for groups absent from entries are
// removed. Per-group failures do not stop the pass.
func (m *Manager) Reconcile(entries map[string]store.Entry, prune func(key string) error) ReconcileResult {
	res := ReconcileResult{}
	want := map[string]bool{}
	for _, key := range slices.Sorted(maps.Keys(entries)) {
		gid, err := store.ParseGroupID(key)
		if err != nil {
			if prune != nil {
				if perr := prune(key); perr != nil {
					m.log.Warn("invalid schedule key could not be pruned", logx.String("key", key), logx.Err(perr))
				}
			}
			res.Pruned = append(res.Pruned, key)
			continue
		}
		want[JobID(gid)] = true
		if _, err := m.Register(gid, entries[key]); err != nil {
			if res.Failed == nil {
				res.Failed = map[string]string{}
			}
			res.Failed[key] = err.Error()
			m.log.Error("schedule register failed", logx.Int64("group_id", gid), logx.Err(err))
			continue
		}
		res.Registered++
	}

	for _, j := range m.ListJobs() {
		if !want[j.ID] {
			m.RemoveJob(j.ID)
			res.Orphans = append(res.Orphans, j.ID)
		}
	}
	m.log.Info("schedules reconciled",
		logx.Int("registered", res.Registered),
		logx.Int("failed", len(res.Failed)),
		logx.Int("pruned", len(res.Pruned)),
		logx.Int("orphans", len(res.Orphans)),
	)
	return res
}

// AddMaintenance upserts a named job running fn on spec (five or six
// fields, or a descriptor such as "@every 10m").
func (m *Manager) AddMaintenance(name, spec string, timeout time.Duration, fn func(ctx context.Context) error) error {
	if strings.TrimSpace(name) == "" || strings.HasPrefix(name, JobPrefix) {
		return errors.New("maintenance job name required and must not use the group prefix")
	}
	sched, err := m.parser.Parse(spec)
	if err != nil {
		return fmt.Errorf("maintenance %s: %w", name, err)
	}
	d := &jobDef{id: name, spec: spec, sched: sched}
	d.run = func() {
		ctx := context.Background()
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		defer func() {
			if r := recover(); r != nil {
				m.log.Error("maintenance job panicked", logx.String("job", name), logx.Any("panic", r))
			}
		}()
		start := time.Now()
		if err := fn(ctx); err != nil {
			m.log.Warn("maintenance job failed", logx.String("job", name), logx.Err(err))
			return
		}
		m.log.Debug("maintenance job done", logx.String("job", name), logx.Duration("took", time.Since(start)))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(name)
	d.entryID = m.c.Schedule(sched, cron.FuncJob(d.run))
	m.jobs[name] = d
	return nil
}

func (m *Manager) dispatch(id string, gid int64, least int, style string) {
	if m.enq == nil {
		return
	}
	if err := m.enq.Enqueue(gid, least, style); err != nil {
		m.reportEnqueueError(id, err)
		return
	}
	m.log.Debug("schedule fired", logx.String("job", id), logx.Int("least", least))
}

// reportEnqueueError logs at most one warning per job every few seconds.
func (m *Manager) reportEnqueueError(id string, err error) {
	now := time.Now()
	m.enqMu.Lock()
	last := m.lastEnqWarn[id]
	if !last.IsZero() && now.Sub(last) < enqueueWarnThrottle {
		m.enqMu.Unlock()
		return
	}
	m.lastEnqWarn[id] = now
	m.enqMu.Unlock()
	m.log.Warn("schedule failed to enqueue task", logx.String("job", id), logx.Err(err))
}
