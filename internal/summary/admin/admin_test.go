package admin

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"

	"groupsummary/internal/eventbus"
	"groupsummary/internal/summary/jobs"
	"groupsummary/internal/summary/store"
	logx "groupsummary/pkg/logx"
)

type nopEnqueuer struct{}

func (nopEnqueuer) Enqueue(int64, int, string) error { return nil }

func newService(t *testing.T) (*Service, *store.Store, *jobs.Manager, eventbus.Bus) {
	t.Helper()
	st, err := store.Open(t.TempDir(), store.WithBounds(50, 1000))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	mgr := jobs.New(jobs.Config{DefaultLeast: 1000}, nopEnqueuer{})
	bus := eventbus.New()
	return New(st, mgr, bus, logx.Nop()), st, mgr, bus
}

func TestParseTime(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in       string
		wantH    int
		wantM    int
		wantFail bool
	}{
		{"22:30", 22, 30, false},
		{" 7:05 ", 7, 5, false},
		{"2230", 22, 30, false},
		{"930", 9, 30, false},
		{"8", 8, 0, false},
		{"23", 23, 0, false},
		{"24:00", 0, 0, true},
		{"12:60", 0, 0, true},
		{"12:3a", 0, 0, true},
		{"1:2:3", 0, 0, true},
		{"12345", 0, 0, true},
		{"", 0, 0, true},
		{"noon", 0, 0, true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			h, m, err := ParseTime(tt.in)
			if tt.wantFail {
				if !errors.Is(err, ErrInvalidTime) {
					t.Fatalf("ParseTime(%q) err = %v, want ErrInvalidTime", tt.in, err)
				}
				return
			}
			if err != nil || h != tt.wantH || m != tt.wantM {
				t.Fatalf("ParseTime(%q) = %d,%d,%v, want %d,%d", tt.in, h, m, err, tt.wantH, tt.wantM)
			}
		})
	}
}

func TestSetAndRemoveSchedule(t *testing.T) {
	t.Parallel()

	svc, st, mgr, bus := newService(t)
	events, unsub := bus.Subscribe(8)
	defer unsub()

	ctx := WithActor(context.Background(), "ops")
	info, err := svc.SetSchedule(ctx, -1001234567890, 22, 30, 10, " brief ")
	if err != nil {
		t.Fatalf("SetSchedule: %v", err)
	}
	if info.Spec != "10 30 22 * * *" || info.LeastCount != 50 || info.Style != "brief" {
		t.Fatalf("info = %+v", info)
	}
	if _, ok := st.Get(-1001234567890); !ok || !mgr.HasJob(-1001234567890) {
		t.Fatalf("schedule not stored or job not registered")
	}
	ev := <-events
	if c, _ := ev.Data.(Change); ev.Type != eventbus.ScheduleSet || c.Actor != "ops" || !c.OK {
		t.Fatalf("event = %+v", ev)
	}

	if _, err := svc.SetSchedule(ctx, -5, 25, 0, 100, ""); !IsValidation(err) {
		t.Fatalf("SetSchedule bad hour err = %v, want validation", err)
	}
	if mgr.HasJob(-5) {
		t.Fatalf("job registered for rejected schedule")
	}

	for range 2 {
		if err := svc.RemoveSchedule(ctx, -1001234567890); err != nil {
			t.Fatalf("RemoveSchedule: %v", err)
		}
	}
	if mgr.HasJob(-1001234567890) {
		t.Fatalf("job still registered after remove")
	}
}

func TestRemoveAllClearsEveryGroupJob(t *testing.T) {
	t.Parallel()

	svc, st, mgr, _ := newService(t)
	ctx := context.Background()
	gids := []int64{-1, -2, -3, -4, -5}
	if n, failed := svc.SetAll(ctx, 8, 0, 200, "", gids); n != 5 || len(failed) != 0 {
		t.Fatalf("SetAll = %d,%v", n, failed)
	}
	// A stray job with no stored schedule is force-removed too.
	if _, err := mgr.Register(-99, store.Entry{Hour: 1, Minute: 1}); err != nil {
		t.Fatal(err)
	}

	groups, removed, err := svc.RemoveAll(ctx)
	if err != nil {
		t.Fatalf("RemoveAll: %v", err)
	}
	if groups != 5 || removed != 5 {
		t.Fatalf("RemoveAll = %d groups, %d jobs, want 5, 5", groups, removed)
	}
	for _, j := range mgr.ListJobs() {
		if strings.HasPrefix(j.ID, jobs.JobPrefix) {
			t.Fatalf("job %s left after RemoveAll", j.ID)
		}
	}
	if ids := st.ListGroupIDs(); len(ids) != 0 {
		t.Fatalf("store ids = %v, want none", ids)
	}
}

func TestSetAllRejectsBadTime(t *testing.T) {
	t.Parallel()

	svc, _, mgr, _ := newService(t)
	n, failed := svc.SetAll(context.Background(), 8, 75, 200, "", []int64{-1, -2})
	if n != 0 || !slices.Equal(failed, []int64{-1, -2}) {
		t.Fatalf("SetAll = %d,%v, want 0 and every group", n, failed)
	}
	if len(mgr.ListJobs()) != 0 {
		t.Fatalf("jobs registered for rejected bulk schedule")
	}
}

func TestSchedulesJoinsJobs(t *testing.T) {
	t.Parallel()

	svc, _, _, _ := newService(t)
	ctx := context.Background()
	for _, gid := range []int64{-20, -10} {
		if _, err := svc.SetSchedule(ctx, gid, 9, 0, 100, ""); err != nil {
			t.Fatal(err)
		}
	}
	list := svc.Schedules()
	if len(list) != 2 || list[0].GroupID != -20 || list[0].Job == nil || list[0].Job.ID != "summary_group_-20" {
		t.Fatalf("Schedules = %+v", list)
	}
	if err := svc.SetGroupSetting(ctx, -10, "colour", "x"); !IsValidation(err) {
		t.Fatalf("SetGroupSetting unknown key err = %v, want validation", err)
	}
}
