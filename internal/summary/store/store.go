// Package store persists per-group summary schedules and group overrides.
//
// Every mutation rewrites the whole document atomically. Readers see an
// in-memory mirror that changes only after the write succeeded.
package store

import (
	"fmt"
	"maps"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"groupsummary/internal/summary/jsonfile"
	logx "groupsummary/pkg/logx"
)

type Store struct {
	log logx.Logger
	now func() time.Time

	schedulePath string
	settingsPath string

	mu        sync.Mutex
	schedules map[string]Entry
	settings  map[string]GroupSetting
	minLeast  int
	maxLeast  int
}

type Option func(*Store)

func WithLogger(log logx.Logger) Option { return func(s *Store) { s.log = log } }

func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

// WithBounds sets the least_message_count clamp range.
func WithBounds(min, max int) Option {
	return func(s *Store) { s.minLeast, s.maxLeast = min, max }
}

// Open loads both documents from dir. Corrupt files are moved aside and
// load as empty.
func Open(dir string, opts ...Option) (*Store, error) {
	s := &Store{
		log:          logx.Nop(),
		now:          time.Now,
		schedulePath: filepath.Join(dir, ScheduleFile),
		settingsPath: filepath.Join(dir, SettingsFile),
		minLeast:     1,
		maxLeast:     1000,
	}
	for _, o := range opts {
		o(s)
	}
	var err error
	if s.schedules, err = jsonfile.Load[Entry](s.schedulePath, s.log); err != nil {
		return nil, fmt.Errorf("load schedules: %w", err)
	}
	if s.settings, err = jsonfile.Load[GroupSetting](s.settingsPath, s.log); err != nil {
		return nil, fmt.Errorf("load group settings: %w", err)
	}
	s.log.Debug("schedule store loaded", logx.Int("schedules", len(s.schedules)), logx.Int("group_settings", len(s.settings)))
	return s, nil
}

// SetBounds updates the clamp range, e.g. after a config reload.
func (s *Store) SetBounds(min, max int) {
	s.mu.Lock()
	s.minLeast, s.maxLeast = min, max
	s.mu.Unlock()
}

// normalize validates e and fills timestamps. A non-positive least count
// becomes the upper bound.
func (s *Store) normalize(prev Entry, existed bool, e Entry) (Entry, error) {
	if e.Hour < 0 || e.Hour > 23 {
		return Entry{}, fmt.Errorf("%w: %d", ErrInvalidHour, e.Hour)
	}
	if e.Minute < 0 || e.Minute > 59 {
		return Entry{}, fmt.Errorf("%w: %d", ErrInvalidMinute, e.Minute)
	}
	if e.LeastMessageCount <= 0 {
		e.LeastMessageCount = s.maxLeast
	}
	e.LeastMessageCount = max(s.minLeast, min(e.LeastMessageCount, s.maxLeast))

	now := s.now()
	e.CreatedAt = now
	if existed && !prev.CreatedAt.IsZero() {
		e.CreatedAt = prev.CreatedAt
	}
	e.UpdatedAt = now
	return e, nil
}

// Set validates and upserts the schedule of gid. It returns the stored entry.
func (s *Store) Set(gid int64, e Entry) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := keyOf(gid)
	prev, existed := s.schedules[key]
	e, err := s.normalize(prev, existed, e)
	if err != nil {
		return Entry{}, err
	}
	next := maps.Clone(s.schedules)
	next[key] = e
	if err := s.commitSchedules(next); err != nil {
		return Entry{}, err
	}
	return e, nil
}

func (s *Store) Get(gid int64) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.schedules[keyOf(gid)]
	return e, ok
}

// Remove deletes the schedule of gid. Removing an absent group succeeds.
func (s *Store) Remove(gid int64) error {
	return s.RemoveKey(keyOf(gid))
}

// RemoveKey deletes a schedule by its raw key, valid or not.
func (s *Store) RemoveKey(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.schedules[key]; !ok {
		return nil
	}
	next := maps.Clone(s.schedules)
	delete(next, key)
	return s.commitSchedules(next)
}

// RemoveAll clears every schedule and returns how many were removed.
func (s *Store) RemoveAll() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.schedules)
	if err := s.commitSchedules(map[string]Entry{}); err != nil {
		return 0, err
	}
	return n, nil
}

// ListGroupIDs returns the raw keys of every schedule, sorted.
func (s *Store) ListGroupIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Sorted(maps.Keys(s.schedules))
}

// All returns a copy of every schedule keyed by raw group key.
func (s *Store) All() map[string]Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.schedules)
}

// CleanupInvalidGroups drops schedules and group settings whose key is not
// a valid group id. It returns the number of records removed.
func (s *Store) CleanupInvalidGroups() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	schedules := maps.Clone(s.schedules)
	settings := maps.Clone(s.settings)
	removed := 0
	for k := range schedules {
		if !ValidGroupID(k) {
			delete(schedules, k)
			removed++
		}
	}
	settingsRemoved := 0
	for k := range settings {
		if !ValidGroupID(k) {
			delete(settings, k)
			settingsRemoved++
		}
	}
	if removed > 0 {
		if err := s.commitSchedules(schedules); err != nil {
			return 0, err
		}
	}
	if settingsRemoved > 0 {
		if err := s.commitSettings(settings); err != nil {
			return removed, err
		}
	}
	if total := removed + settingsRemoved; total > 0 {
		s.log.Info("invalid group keys removed", logx.Int("schedules", removed), logx.Int("group_settings", settingsRemoved))
	}
	return removed + settingsRemoved, nil
}

// GetGroupSetting returns a non-empty override for key.
func (s *Store) GetGroupSetting(gid int64, key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings[keyOf(gid)].get(key)
}

func (s *Store) SetGroupSetting(gid int64, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := maps.Clone(s.settings)
	if err := s.applySetting(next, gid, key, value); err != nil {
		return err
	}
	return s.commitSettings(next)
}

// RemoveGroupSetting clears key. A group left without overrides is pruned.
func (s *Store) RemoveGroupSetting(gid int64, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.settings[keyOf(gid)].get(key); !ok {
		if key != KeyDefaultModelName && key != KeyDefaultStyle {
			return ErrUnknownSettingKey
		}
		return nil
	}
	next := maps.Clone(s.settings)
	if err := s.applySetting(next, gid, key, ""); err != nil {
		return err
	}
	return s.commitSettings(next)
}

func (s *Store) ListGroupSettings() map[string]GroupSetting {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.settings)
}

func (s *Store) applySetting(m map[string]GroupSetting, gid int64, key, value string) error {
	k := keyOf(gid)
	g := m[k]
	if err := g.set(key, value); err != nil {
		return fmt.Errorf("%w: %q", err, key)
	}
	if g.empty() {
		delete(m, k)
		return nil
	}
	g.UpdatedAt = s.now()
	m[k] = g
	return nil
}

// commitSchedules persists next and swaps the mirror. Caller holds mu.
func (s *Store) commitSchedules(next map[string]Entry) error {
	if err := jsonfile.Save(s.schedulePath, next); err != nil {
		s.log.Error("schedule save failed", logx.String("path", s.schedulePath), logx.Err(err))
		return fmt.Errorf("save schedules: %w", err)
	}
	s.schedules = next
	return nil
}

func (s *Store) commitSettings(next map[string]GroupSetting) error {
	if err := jsonfile.Save(s.settingsPath, next); err != nil {
		s.log.Error("group settings save failed", logx.String("path", s.settingsPath), logx.Err(err))
		return fmt.Errorf("save group settings: %w", err)
	}
	s.settings = next
	return nil
}
