package jobs

import (
	"context"
	"errors"
	"math"
	"slices"
	"sync"
	"testing"
	"time"

	"groupsummary/internal/summary/store"
)

type call struct {
	gid   int64
	least int
	style string
}

type fakeEnqueuer struct {
	mu    sync.Mutex
	calls []call
	err   error
}

func (f *fakeEnqueuer) Enqueue(gid int64, least int, style string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{gid, least, style})
	return f.err
}

func shanghaiClock(t *testing.T, layout string) func() time.Time {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Shanghai")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	now, err := time.ParseInLocation("2006-01-02 15:04", layout, loc)
	if err != nil {
		t.Fatal(err)
	}
	return func() time.Time { return now }
}

func TestTriggerSecond(t *testing.T) {
	t.Parallel()

	tests := []struct {
		gid  int64
		want int
	}{
		{0, 0},
		{59, 59},
		{60, 0},
		{61, 1},
		{123456, 36},
		{-1001234567890, 10},
		{math.MinInt64, 8},
		{math.MaxInt64, 7},
	}
	for _, tt := range tests {
		if got := TriggerSecond(tt.gid); got != tt.want {
			t.Fatalf("TriggerSecond(%d) = %d, want %d", tt.gid, got, tt.want)
		}
	}
	if got := TriggerSpec(123456, 22, 30); got != "36 30 22 * * *" {
		t.Fatalf("TriggerSpec = %q", got)
	}
}

func TestJobIDRoundTrip(t *testing.T) {
	t.Parallel()

	for _, gid := range []int64{0, 7, -1001234} {
		got, ok := ParseJobID(JobID(gid))
		if !ok || got != gid {
			t.Fatalf("ParseJobID(JobID(%d)) = (%d, %v)", gid, got, ok)
		}
	}
	for _, id := range []string{"summary_health_check", "summary_group_", "summary_group_x"} {
		if _, ok := ParseJobID(id); ok {
			t.Fatalf("ParseJobID(%q) ok, want false", id)
		}
	}
}

func TestRegisterNextRunUsesGroupSecond(t *testing.T) {
	t.Parallel()

	m := New(Config{Timezone: "Asia/Shanghai", DefaultLeast: 1000}, &fakeEnqueuer{}, WithClock(shanghaiClock(t, "2026-03-01 23:00")))
	info, err := m.Register(123456, store.Entry{Hour: 22, Minute: 30, LeastMessageCount: 500})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if info.ID != "summary_group_123456" {
		t.Fatalf("ID = %q", info.ID)
	}
	want := "2026-03-02 22:30:36"
	if got := info.Next.Format("2006-01-02 15:04:05"); got != want {
		t.Fatalf("Next = %s, want %s", got, want)
	}
	if info.Next.Second() != 123456%60 {
		t.Fatalf("Next second = %d, want %d", info.Next.Second(), 123456%60)
	}
}

func TestRegisterIsUpsertAndDispatches(t *testing.T) {
	t.Parallel()

	enq := &fakeEnqueuer{}
	m := New(Config{DefaultLeast: 1000}, enq)
	if _, err := m.Register(5, store.Entry{Hour: 1, Minute: 2, LeastMessageCount: 100, Style: "a"}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Register(5, store.Entry{Hour: 3, Minute: 4, Style: "b"}); err != nil {
		t.Fatal(err)
	}
	jobs := m.ListJobs()
	if len(jobs) != 1 || jobs[0].Spec != "5 4 3 * * *" || jobs[0].LeastCount != 1000 {
		t.Fatalf("ListJobs = %+v, want one upserted job with default least", jobs)
	}

	m.mu.Lock()
	run := m.jobs[JobID(5)].run
	m.mu.Unlock()
	run()
	if len(enq.calls) != 1 || enq.calls[0] != (call{5, 1000, "b"}) {
		t.Fatalf("enqueued = %+v", enq.calls)
	}

	enq.err = errors.New("closed")
	run()
	run()
}

func TestReconcileMatchesEntries(t *testing.T) {
	t.Parallel()

	m := New(Config{DefaultLeast: 1000}, &fakeEnqueuer{})
	if _, err := m.Register(999, store.Entry{Hour: 1, Minute: 1}); err != nil {
		t.Fatal(err)
	}
	if err := m.AddMaintenance("summary_health_check", "@every 10m", time.Second, func(context.Context) error { return nil }); err != nil {
		t.Fatal(err)
	}

	var pruned []string
	entries := map[string]store.Entry{
		"1":    {Hour: 8, Minute: 0},
		"-200": {Hour: 9, Minute: 15},
		"bad":  {Hour: 1, Minute: 1},
	}
	res := m.Reconcile(entries, func(key string) error { pruned = append(pruned, key); return nil })
	if res.Registered != 2 || len(res.Failed) != 0 {
		t.Fatalf("Reconcile = %+v", res)
	}
	if !slices.Equal(pruned, []string{"bad"}) || !slices.Equal(res.Orphans, []string{"summary_group_999"}) {
		t.Fatalf("pruned = %v, orphans = %v", pruned, res.Orphans)
	}

	var ids []string
	for _, j := range m.ListJobs() {
		ids = append(ids, j.ID)
	}
	if !slices.Equal(ids, []string{"summary_group_-200", "summary_group_1"}) {
		t.Fatalf("live jobs = %v", ids)
	}
	if !slices.Contains(m.JobIDs(), "summary_health_check") {
		t.Fatalf("maintenance job removed by reconcile")
	}

	delete(entries, "1")
	m.Reconcile(entries, nil)
	if m.HasJob(1) {
		t.Fatalf("job for removed group survived reconcile")
	}
}

func TestUnregisterIsIdempotent(t *testing.T) {
	t.Parallel()

	m := New(Config{}, &fakeEnqueuer{})
	if m.Unregister(42) {
		t.Fatalf("Unregister(absent) = true")
	}
	if _, err := m.Register(42, store.Entry{Hour: 0, Minute: 0}); err != nil {
		t.Fatal(err)
	}
	if !m.Unregister(42) || m.Unregister(42) {
		t.Fatalf("Unregister sequence wrong")
	}
}

func TestStartStopAndMaintenance(t *testing.T) {
	t.Parallel()

	m := New(Config{Timezone: "Nowhere/Invalid"}, &fakeEnqueuer{})
	if m.Location() != time.Local {
		t.Fatalf("Location = %v, want Local fallback", m.Location())
	}
	if !m.EnsureStarted() || m.EnsureStarted() || !m.Running() {
		t.Fatalf("EnsureStarted not idempotent")
	}

	var runs int
	boom := errors.New("boom")
	if err := m.AddMaintenance("summary_key_cleanup", "@every 10m", 0, func(context.Context) error { runs++; return boom }); err != nil {
		t.Fatal(err)
	}
	if err := m.AddMaintenance("summary_group_x", "@every 1m", 0, nil); err == nil {
		t.Fatalf("AddMaintenance accepted group prefix")
	}
	if err := m.AddMaintenance("x", "not a spec", 0, nil); err == nil {
		t.Fatalf("AddMaintenance accepted bad spec")
	}
	m.mu.Lock()
	run := m.jobs["summary_key_cleanup"].run
	m.mu.Unlock()
	run()
	if runs != 1 {
		t.Fatalf("runs = %d, want 1", runs)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	m.Stop(ctx)
	if m.Running() {
		t.Fatalf("Running after Stop")
	}
}
