// Package keystatus tracks LLM API key health and quarantines failing keys.
package keystatus

import (
	"context"
	"errors"
	"maps"
	"math/rand/v2"
	"slices"
	"sync"
	"time"
	"unicode/utf8"

	logx "groupsummary/pkg/logx"
)

// Store caches the backend's records and routes every change through
// Backend.Update, so several Stores on one shared backend agree on key
// health. Reads reload from the backend first.
type Store struct {
	backend   Backend
	log       logx.Logger
	now       func() time.Time
	shuffle   func([]string)
	threshold int

	mu   sync.Mutex
	data map[string]Record
}

type Option func(*Store)

func WithLogger(log logx.Logger) Option { return func(s *Store) { s.log = log } }

func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

// WithRand makes the shuffle of GetAvailableKeys reproducible.
func WithRand(r *rand.Rand) Option {
	return func(s *Store) {
		s.shuffle = func(keys []string) {
			r.Shuffle(len(keys), func(i, j int) { keys[i], keys[j] = keys[j], keys[i] })
		}
	}
}

// WithFailureThreshold sets how many consecutive failures quarantine a key.
func WithFailureThreshold(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.threshold = n
		}
	}
}
// Open loads the current records from backend.
func Open(ctx context.Context, backend Backend, opts ...Option) (*Store, error) {
	s := &Store{
		backend:   backend,
		log:       logx.Nop(),
		now:       time.Now,
		threshold: DefaultFailureThreshold,
		shuffle: func(keys []string) {
			rand.Shuffle(len(keys), func(i, j int) { keys[i], keys[j] = keys[j], keys[i] })
		},
	}
	for _, o := range opts {
		o(s)
	}
	data, err := backend.Load(ctx)
	if err != nil {
		return nil, err
	}
	if data == nil {
		data = map[string]Record{}
	}
	s.data = data
	return s, nil
}

// refresh replaces the cached view with the backend's records, keeping the
// cache when the backend cannot be read. Caller holds mu.
func (s *Store) refresh(ctx context.Context) {
	data, err := s.backend.Load(ctx)
	if err != nil {
		s.log.Warn("key status load failed; using cached view", logx.Err(err))
		return
	}
	if data == nil {
		data = map[string]Record{}
	}
	s.data = data
}

// update runs fn against the backend's current record for id and caches the
// stored result. A failed write leaves the cache as it was. Caller holds mu.
func (s *Store) update(ctx context.Context, id string, fn UpdateFunc) (Record, bool, error) {
	wrote := false
	r, err := s.backend.Update(ctx, id, func(cur Record, ok bool) (Record, bool) {
		next, write := fn(cur, ok)
		wrote = write
		return next, write
	})
	if err != nil {
		s.log.Error("key status save failed", logx.String("key", id), logx.Err(err))
		return Record{}, false, err
	}
	if wrote {
		s.data[id] = r
	}
	return r, wrote, nil
}

// RecordSuccess marks key healthy and resets its failure streak.
func (s *Store) RecordSuccess(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	_, _, err := s.update(ctx, Fingerprint(key), func(r Record, _ bool) (Record, bool) {
		r.Status = StatusNormal
		r.ConsecutiveFailures = 0
		r.UnavailableUntil = time.Time{}
		r.SuccessCount++
		r.LastSuccess = now
		return r, true
	})
	return err
}

// RecordFailure counts a failed call. statusCode 0 means the provider gave
// no status. The key is quarantined for Cooldown(statusCode) on 401, 429 or
// 503, or once the failure streak reaches the threshold.
func (s *Store) RecordFailure(ctx context.Context, key string, statusCode int, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := Fingerprint(key)
	now := s.now()
	message = truncateMessage(message, maxErrorMessage)
	r, _, err := s.update(ctx, id, func(r Record, _ bool) (Record, bool) {
		if r.Status == "" {
			r.Status = StatusNormal
		}
		r.ConsecutiveFailures++
		r.FailureCount++
		r.LastFailure = now
		r.LastError = &LastError{StatusCode: statusCode, Message: message, Timestamp: now}
		if quarantineNow(statusCode) || r.ConsecutiveFailures >= s.threshold {
			r.Status = StatusUnavailable
			r.UnavailableUntil = now.Add(Cooldown(statusCode))
		}
		return r, true
	})
	if err != nil {
		return err
	}
	if r.Status == StatusUnavailable {
		s.log.Warn("api key quarantined",
			logx.String("key", id),
			logx.Int("status_code", statusCode),
			logx.Int("consecutive_failures", r.ConsecutiveFailures),
			logx.Duration("cooldown", r.UnavailableUntil.Sub(now)),
		)
	}
	return nil
}

// truncateMessage cuts s to at most n bytes without splitting a rune.
func truncateMessage(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// promote returns r to normal when its quarantine has elapsed.
func promote(r *Record, now time.Time) bool {
	if r.Status != StatusUnavailable || now.Before(r.UnavailableUntil) {
		return false
	}
	r.Status = StatusNormal
	r.ConsecutiveFailures = 0
	r.UnavailableUntil = time.Time{}
	return true
}

// promoteStored promotes the backend's copy of id. Another writer may have
// promoted or re-quarantined it since it was read.
func (s *Store) promoteStored(ctx context.Context, id string, now time.Time) (bool, error) {
	_, wrote, err := s.update(ctx, id, func(r Record, ok bool) (Record, bool) {
		return r, ok && promote(&r, now)
	})
	return wrote, err
}

// GetAvailableKeys returns the usable subset of keys in random order.
// When every key is quarantined it returns the one that recovers first; it
// never returns an empty list for non-empty input.
func (s *Store) GetAvailableKeys(ctx context.Context, keys []string) []string {
	if len(keys) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refresh(ctx)

	now := s.now()
	seen := map[string]bool{}
	var (
		available []string
		soonest   string
		soonestAt time.Time
	)
	for _, k := range keys {
		id := Fingerprint(k)
		if seen[id] {
			continue
		}
		seen[id] = true

		r, ok := s.data[id]
		if !ok || r.Status != StatusUnavailable {
			available = append(available, k)
			continue
		}
		if !now.Before(r.UnavailableUntil) {
			if wrote, _ := s.promoteStored(ctx, id, now); wrote {
				s.log.Info("api key recovered", logx.String("key", id))
			}
			// Elapsed quarantines are usable even if the write failed.
			available = append(available, k)
			continue
		}
		if soonest == "" || r.UnavailableUntil.Before(soonestAt) {
			soonest, soonestAt = k, r.UnavailableUntil
		}
	}

	switch {
	case len(available) > 0:
	case soonest != "":
		available = []string{soonest}
		s.log.Warn("no api key available; using the one recovering first",
			logx.String("key", Fingerprint(soonest)),
			logx.Duration("recovers_in", soonestAt.Sub(now)),
		)
	default:
		available = slices.Clone(keys)
		s.log.Warn("no api key available; returning all keys")
	}
	s.shuffle(available)
	return available
}

// CleanupExpiredKeys promotes every elapsed quarantine and returns the count.
func (s *Store) CleanupExpiredKeys(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refresh(ctx)
	now := s.now()
	n := 0
	var errs []error
	for _, id := range slices.Sorted(maps.Keys(s.data)) {
		r := s.data[id]
		if !promote(&r, now) {
			continue
		}
		wrote, err := s.promoteStored(ctx, id, now)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if wrote {
			n++
		}
	}
	if n > 0 {
		s.log.Info("expired key quarantines cleared", logx.Int("count", n))
	}
	return n, errors.Join(errs...)
}

// StatusSummary reports totals and per-fingerprint counters from the
// backend's current records. Elapsed quarantines are reported as normal
// without being persisted.
func (s *Store) StatusSummary(ctx context.Context) Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refresh(ctx)
	now := s.now()
	out := Summary{Keys: make(map[string]KeySummary, len(s.data))}
	for _, id := range slices.Sorted(maps.Keys(s.data)) {
		r := s.data[id]
		ks := KeySummary{
			Status:              r.Status,
			SuccessCount:        r.SuccessCount,
			FailureCount:        r.FailureCount,
			ConsecutiveFailures: r.ConsecutiveFailures,
		}
		if r.Status == StatusUnavailable && !now.Before(r.UnavailableUntil) {
			ks.Status = StatusNormal
		}
		out.TotalKeys++
		if ks.Status == StatusUnavailable {
			out.UnavailableKeys++
			ks.UnavailableUntil = r.UnavailableUntil
			ks.RecoveryInSeconds = int64(r.UnavailableUntil.Sub(now).Seconds())
		} else {
			out.AvailableKeys++
		}
		out.Keys[id] = ks
	}
	return out
}

// Record returns the cached record for key, for tests and diagnostics.
func (s *Store) Record(key string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.data[Fingerprint(key)]
	return r, ok
}
