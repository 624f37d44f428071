// Package admin implements the schedule mutations exposed to operators.
// Each keeps the store and the live cron jobs in step.
package admin

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"groupsummary/internal/eventbus"
	"groupsummary/internal/summary/jobs"
	"groupsummary/internal/summary/store"
	logx "groupsummary/pkg/logx"
)

type actorKey struct{}

// WithActor tags ctx with the identity performing an admin action.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

func Actor(ctx context.Context) string {
	if s, ok := ctx.Value(actorKey{}).(string); ok && s != "" {
		return s
	}
	return "system"
}

// Change is published on the bus for every mutation.
type Change struct {
	Actor   string `json:"actor"`
	Action  string `json:"action"`
	GroupID int64  `json:"group_id,omitempty"`
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

type Service struct {
	store *store.Store
	jobs  *jobs.Manager
	bus   eventbus.Bus
	log   logx.Logger
}

func New(st *store.Store, mgr *jobs.Manager, bus eventbus.Bus, log logx.Logger) *Service {
	return &Service{store: st, jobs: mgr, bus: bus, log: log}
}

func (s *Service) publish(ctx context.Context, typ, action string, gid int64, detail string, err error) {
	c := Change{Actor: Actor(ctx), Action: action, GroupID: gid, OK: err == nil, Detail: detail}
	if err != nil {
		c.Error = err.Error()
	}
	eventbus.Publish(s.bus, typ, c)
}

// SetSchedule stores the daily schedule of gid and upserts its job. If the
// job cannot be registered the previous entry is restored.
func (s *Service) SetSchedule(ctx context.Context, gid int64, hour, minute, least int, style string) (jobs.JobInfo, error) {
	info, err := s.setOne(gid, store.Entry{Hour: hour, Minute: minute, LeastMessageCount: least, Style: strings.TrimSpace(style)})
	s.publish(ctx, eventbus.ScheduleSet, "schedule.set", gid, fmt.Sprintf("%02d:%02d least=%d", hour, minute, least), err)
	if err != nil {
		return jobs.JobInfo{}, err
	}
	s.log.Info("schedule set",
		logx.Int64("group_id", gid),
		logx.String("at", fmt.Sprintf("%02d:%02d", hour, minute)),
		logx.Int("least", info.LeastCount),
		logx.String("next", info.Next.Format("2006-01-02 15:04:05")),
		logx.String("actor", Actor(ctx)),
	)
	return info, nil
}

func (s *Service) setOne(gid int64, e store.Entry) (jobs.JobInfo, error) {
	prev, existed := s.store.Get(gid)
	saved, err := s.store.Set(gid, e)
	if err != nil {
		return jobs.JobInfo{}, err
	}
	info, err := s.jobs.Register(gid, saved)
	if err == nil {
		return info, nil
	}
	var rerr error
	if existed {
		_, rerr = s.store.Set(gid, prev)
	} else {
		rerr = s.store.Remove(gid)
	}
	if rerr != nil {
		s.log.Error("schedule rollback failed", logx.Int64("group_id", gid), logx.Err(rerr))
	}
	return jobs.JobInfo{}, err
}

// RemoveSchedule drops the schedule and job of gid. Removing an absent
// schedule succeeds.
func (s *Service) RemoveSchedule(ctx context.Context, gid int64) error {
	s.jobs.Unregister(gid)
	err := s.store.Remove(gid)
	s.publish(ctx, eventbus.ScheduleRemoved, "schedule.remove", gid, "", err)
	if err != nil {
		return fmt.Errorf("remove schedule %d: %w", gid, err)
	}
	s.log.Info("schedule removed", logx.Int64("group_id", gid), logx.String("actor", Actor(ctx)))
	return nil
}

// SetAll applies one schedule to every gid and returns how many succeeded
// and which failed.
func (s *Service) SetAll(ctx context.Context, hour, minute, least int, style string, gids []int64) (int, []int64) {
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, slices.Clone(gids)
	}
	updated := 0
	var failed []int64
	for _, gid := range gids {
		if _, err := s.setOne(gid, store.Entry{Hour: hour, Minute: minute, LeastMessageCount: least, Style: strings.TrimSpace(style)}); err != nil {
			failed = append(failed, gid)
			s.log.Error("bulk schedule failed", logx.Int64("group_id", gid), logx.Err(err))
			continue
		}
		updated++
	}
	detail := fmt.Sprintf("%02d:%02d groups=%d failed=%d", hour, minute, updated, len(failed))
	s.publish(ctx, eventbus.ScheduleSet, "schedule.set_all", 0, detail, nil)
	s.log.Info("bulk schedule applied", logx.Int("updated", updated), logx.Int("failed", len(failed)), logx.String("actor", Actor(ctx)))
	return updated, failed
}

// RemoveAll clears every schedule. Group jobs left in cron afterwards are
// force-removed; they are not counted in removedJobs.
func (s *Service) RemoveAll(ctx context.Context) (groups int, removedJobs int, err error) {
	for _, key := range s.store.ListGroupIDs() {
		gid, perr := strconv.ParseInt(key, 10, 64)
		if perr != nil {
			s.log.Warn("invalid group id in store", logx.String("key", key))
			continue
		}
		if s.jobs.Unregister(gid) {
			removedJobs++
		}
	}
	groups, err = s.store.RemoveAll()
	if err != nil {
		err = fmt.Errorf("remove all schedules: %w", err)
	}

	if left := s.jobs.ListJobs(); len(left) > 0 {
		s.log.Warn("group jobs left after remove all", logx.Int("count", len(left)))
		for _, j := range left {
			s.jobs.RemoveJob(j.ID)
		}
	}
	s.publish(ctx, eventbus.ScheduleRemoved, "schedule.remove_all", 0, fmt.Sprintf("groups=%d jobs=%d", groups, removedJobs), err)
	s.log.Info("all schedules removed", logx.Int("groups", groups), logx.Int("jobs", removedJobs), logx.String("actor", Actor(ctx)))
	return groups, removedJobs, err
}

// SetGroupSetting sets one override key for gid.
func (s *Service) SetGroupSetting(ctx context.Context, gid int64, key, value string) error {
	value = strings.TrimSpace(value)
	if value == "" {
		return fmt.Errorf("group setting %s: empty value", key)
	}
	err := s.store.SetGroupSetting(gid, key, value)
	s.publish(ctx, eventbus.ScheduleSet, "group_setting.set", gid, key, err)
	return err
}

func (s *Service) RemoveGroupSetting(ctx context.Context, gid int64, key string) error {
	err := s.store.RemoveGroupSetting(gid, key)
	s.publish(ctx, eventbus.ScheduleRemoved, "group_setting.remove", gid, key, err)
	return err
}

// Schedule pairs a stored entry with its live job.
type Schedule struct {
	GroupID int64         `json:"group_id"`
	Entry   store.Entry   `json:"entry"`
	Job     *jobs.JobInfo `json:"job,omitempty"`
}

// Schedules lists stored schedules with their job, sorted by group id.
func (s *Service) Schedules() []Schedule {
	live := map[int64]jobs.JobInfo{}
	for _, j := range s.jobs.ListJobs() {
		live[j.GroupID] = j
	}
	var out []Schedule
	for key, e := range s.store.All() {
		gid, err := store.ParseGroupID(key)
		if err != nil {
			continue
		}
		sc := Schedule{GroupID: gid, Entry: e}
		if j, ok := live[gid]; ok {
			sc.Job = &j
		}
		out = append(out, sc)
	}
	slices.SortFunc(out, func(a, b Schedule) int {
		switch {
		case a.GroupID < b.GroupID:
			return -1
		case a.GroupID > b.GroupID:
			return 1
		}
		return 0
	})
	return out
}

// IsValidation reports whether err came from bad admin input.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidTime) ||
		errors.Is(err, store.ErrInvalidHour) ||
		errors.Is(err, store.ErrInvalidMinute) ||
		errors.Is(err, store.ErrInvalidGroupID) ||
		errors.Is(err, store.ErrUnknownSettingKey)
}
