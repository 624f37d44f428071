package keystatus

import (
	"context"
	"errors"
	"maps"
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	logx "groupsummary/pkg/logx"
)

type memBackend struct {
	mu      sync.Mutex
	records map[string]Record
	fail    error
}

func (m *memBackend) Load(context.Context) (map[string]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return maps.Clone(m.records), nil
}

func (m *memBackend) Update(_ context.Context, id string, fn UpdateFunc) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.records[id]
	next, write := fn(cur, ok)
	if !write {
		return cur, nil
	}
	if m.fail != nil {
		return cur, m.fail
	}
	if m.records == nil {
		m.records = map[string]Record{}
	}
	m.records[id] = next
	return next, nil
}

func (m *memBackend) setFail(err error) {
	m.mu.Lock()
	m.fail = err
	m.mu.Unlock()
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestStore(t *testing.T) (*Store, *clock) {
	t.Helper()
	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return openOn(t, &memBackend{}, c), c
}

func openOn(t *testing.T, be Backend, c *clock) *Store {
	t.Helper()
	s, err := Open(context.Background(), be, WithClock(c.Now), WithRand(rand.New(rand.NewPCG(1, 2))))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func TestCooldown(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code int
		want time.Duration
	}{
		{401, time.Hour},
		{429, 300 * time.Second},
		{500, 300 * time.Second},
		{502, 300 * time.Second},
		{503, 600 * time.Second},
		{504, 300 * time.Second},
		{418, 300 * time.Second},
		{0, 300 * time.Second},
	}
	for _, tt := range tests {
		if got := Cooldown(tt.code); got != tt.want {
			t.Fatalf("Cooldown(%d) = %v, want %v", tt.code, got, tt.want)
		}
	}
}

func TestRateLimitedKeyRecoversAfterCooldown(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, c := newTestStore(t)
	if err := s.RecordFailure(ctx, "sk-a", 429, "rate limited"); err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}

	other := "sk-b"
	if got := s.GetAvailableKeys(ctx, []string{"sk-a", other}); !slices.Equal(got, []string{other}) {
		t.Fatalf("GetAvailableKeys = %v, want [%s]", got, other)
	}

	c.Advance(299 * time.Second)
	if got := s.GetAvailableKeys(ctx, []string{"sk-a", other}); slices.Contains(got, "sk-a") {
		t.Fatalf("key available before cooldown elapsed: %v", got)
	}
	c.Advance(time.Second)
	got := s.GetAvailableKeys(ctx, []string{"sk-a", other})
	if !slices.Contains(got, "sk-a") {
		t.Fatalf("key not available after cooldown: %v", got)
	}
	if r, _ := s.Record("sk-a"); r.Status != StatusNormal || r.ConsecutiveFailures != 0 {
		t.Fatalf("record after promotion = %+v", r)
	}
}

func TestConsecutiveFailuresQuarantine(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _ := newTestStore(t)
	for i := 0; i < 2; i++ {
		_ = s.RecordFailure(ctx, "sk-a", 0, "timeout")
	}
	if r, _ := s.Record("sk-a"); r.Status != StatusNormal {
		t.Fatalf("status after 2 failures = %s, want normal", r.Status)
	}
	_ = s.RecordFailure(ctx, "sk-a", 0, "timeout")
	r, _ := s.Record("sk-a")
	if r.Status != StatusUnavailable || r.FailureCount != 3 {
		t.Fatalf("record after 3 failures = %+v, want unavailable", r)
	}

	_ = s.RecordSuccess(ctx, "sk-a")
	r, _ = s.Record("sk-a")
	if r.Status != StatusNormal || r.ConsecutiveFailures != 0 || r.SuccessCount != 1 || r.FailureCount != 3 {
		t.Fatalf("record after success = %+v", r)
	}
}

func TestAllQuarantinedReturnsSoonest(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _ := newTestStore(t)
	_ = s.RecordFailure(ctx, "sk-long", 401, "unauthorized")
	_ = s.RecordFailure(ctx, "sk-short", 429, "slow down")

	got := s.GetAvailableKeys(ctx, []string{"sk-long", "sk-short", "sk-long"})
	if !slices.Equal(got, []string{"sk-short"}) {
		t.Fatalf("GetAvailableKeys = %v, want [sk-short]", got)
	}
	if got := s.GetAvailableKeys(ctx, nil); got != nil {
		t.Fatalf("GetAvailableKeys(nil) = %v, want nil", got)
	}
}

func TestUnauthorizedKeyExcluded(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _ := newTestStore(t)
	_ = s.RecordFailure(ctx, "k1", 401, "bad key")
	_ = s.RecordSuccess(ctx, "k2")

	got := s.GetAvailableKeys(ctx, []string{"k1", "k2"})
	if !slices.Equal(got, []string{"k2"}) {
		t.Fatalf("GetAvailableKeys = %v, want [k2]", got)
	}
	sum := s.StatusSummary(ctx)
	if sum.TotalKeys != 2 || sum.UnavailableKeys != 1 || sum.AvailableKeys != 1 {
		t.Fatalf("StatusSummary totals = %+v", sum)
	}
	ks := sum.Keys[Fingerprint("k1")]
	if ks.Status != StatusUnavailable || ks.RecoveryInSeconds != 3600 {
		t.Fatalf("k1 summary = %+v, want unavailable for 3600s", ks)
	}
}

func TestCleanupExpiredKeys(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, c := newTestStore(t)
	_ = s.RecordFailure(ctx, "a", 503, "")
	_ = s.RecordFailure(ctx, "b", 401, "")

	c.Advance(10 * time.Minute)
	n, err := s.CleanupExpiredKeys(ctx)
	if err != nil || n != 1 {
		t.Fatalf("CleanupExpiredKeys = (%d, %v), want (1, nil)", n, err)
	}
	if r, _ := s.Record("a"); r.Status != StatusNormal {
		t.Fatalf("a status = %s, want normal", r.Status)
	}
	if r, _ := s.Record("b"); r.Status != StatusUnavailable {
		t.Fatalf("b status = %s, want unavailable", r.Status)
	}
}

func TestFileBackendStoresFingerprintsOnly(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "key_status.json")
	be := &FileBackend{Path: path, Log: logx.Nop()}
	s, err := Open(ctx, be)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	const secret = "sk-live-0123456789abcdef"
	if err := s.RecordFailure(ctx, secret, 429, "quota"); err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(b), secret) {
		t.Fatalf("raw key persisted: %s", b)
	}
	if !strings.Contains(string(b), Fingerprint(secret)) {
		t.Fatalf("fingerprint missing from %s", b)
	}

	s2, err := Open(ctx, be)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if r, ok := s2.Record(secret); !ok || r.Status != StatusUnavailable || r.LastError.StatusCode != 429 {
		t.Fatalf("reloaded record = %+v (ok=%v)", r, ok)
	}
}

func TestFingerprintAndRedisKey(t *testing.T) {
	t.Parallel()

	fp := Fingerprint("abc")
	if len(fp) != 18 || !strings.HasPrefix(fp, "k_") || fp != Fingerprint("abc") || fp == Fingerprint("abd") {
		t.Fatalf("Fingerprint(abc) = %q", fp)
	}
	if got := RedisKey(""); got != "groupsummary:key_status" {
		t.Fatalf("RedisKey(\"\") = %q", got)
	}
	if got := RedisKey("bot1"); got != "bot1:key_status" {
		t.Fatalf("RedisKey(bot1) = %q", got)
	}
	if _, err := NewRedisBackend("not a url", "x"); err == nil {
		t.Fatalf("NewRedisBackend(bad url) = nil error")
	}
	recs, err := decodeFields(map[string]string{
		"k_a": `{"status":"unavailable","failure_count":2}`,
		"k_b": `{}`,
		"k_c": `not json`,
	})
	if err != nil || len(recs) != 2 {
		t.Fatalf("decodeFields = (%v, %v), want 2 records", recs, err)
	}
	if recs["k_a"].Status != StatusUnavailable || recs["k_b"].Status != StatusNormal {
		t.Fatalf("decoded statuses = %q, %q", recs["k_a"].Status, recs["k_b"].Status)
	}
	if _, err := decodeFields(map[string]string{"k_c": "[1]"}); err == nil {
		t.Fatalf("decodeFields(all malformed) = nil error")
	}
}

func TestStoresShareOneBackend(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	be := &memBackend{}
	a := openOn(t, be, c)
	b := openOn(t, be, c)

	if err := a.RecordFailure(ctx, "sk-a", 401, "revoked"); err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}
	if got := b.GetAvailableKeys(ctx, []string{"sk-a", "sk-b"}); !slices.Equal(got, []string{"sk-b"}) {
		t.Fatalf("other store GetAvailableKeys = %v, want [sk-b]", got)
	}

	// Writers on different keys keep each other's records.
	if err := b.RecordSuccess(ctx, "sk-b"); err != nil {
		t.Fatalf("RecordSuccess: %v", err)
	}
	if err := a.RecordFailure(ctx, "sk-c", 0, "timeout"); err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}
	recs, _ := be.Load(ctx)
	if len(recs) != 3 || recs[Fingerprint("sk-a")].Status != StatusUnavailable || recs[Fingerprint("sk-b")].SuccessCount != 1 {
		t.Fatalf("backend records = %+v", recs)
	}

	// Counters accumulate across stores.
	if err := b.RecordFailure(ctx, "sk-c", 0, "timeout"); err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}
	if r := recs[Fingerprint("sk-c")]; r.FailureCount != 1 {
		t.Fatalf("sk-c before second failure = %+v", r)
	}
	recs, _ = be.Load(ctx)
	if r := recs[Fingerprint("sk-c")]; r.FailureCount != 2 || r.ConsecutiveFailures != 2 {
		t.Fatalf("sk-c after failures from both stores = %+v", r)
	}

	sum := b.StatusSummary(ctx)
	if sum.TotalKeys != 3 || sum.UnavailableKeys != 1 {
		t.Fatalf("StatusSummary = %+v, want 3 keys with 1 unavailable", sum)
	}
	c.Advance(time.Hour)
	if n, err := a.CleanupExpiredKeys(ctx); err != nil || n != 1 {
		t.Fatalf("CleanupExpiredKeys = (%d, %v), want (1, nil)", n, err)
	}
	if n, err := b.CleanupExpiredKeys(ctx); err != nil || n != 0 {
		t.Fatalf("second CleanupExpiredKeys = (%d, %v), want (0, nil)", n, err)
	}
}

func TestFailedWriteLeavesRecordUnchanged(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	be := &memBackend{}
	s := openOn(t, be, c)
	if err := s.RecordSuccess(ctx, "sk-a"); err != nil {
		t.Fatalf("RecordSuccess: %v", err)
	}

	boom := errors.New("backend down")
	be.setFail(boom)
	if err := s.RecordFailure(ctx, "sk-a", 401, "revoked"); !errors.Is(err, boom) {
		t.Fatalf("RecordFailure = %v, want %v", err, boom)
	}
	if err := s.RecordSuccess(ctx, "sk-a"); !errors.Is(err, boom) {
		t.Fatalf("RecordSuccess = %v, want %v", err, boom)
	}
	r, _ := s.Record("sk-a")
	if r.Status != StatusNormal || r.FailureCount != 0 || r.SuccessCount != 1 || r.LastError != nil {
		t.Fatalf("record after failed writes = %+v, want the last stored one", r)
	}
	if got := s.GetAvailableKeys(ctx, []string{"sk-a"}); !slices.Equal(got, []string{"sk-a"}) {
		t.Fatalf("GetAvailableKeys = %v, want [sk-a]", got)
	}
}

func TestRecordFailureTruncatesOnRuneBoundary(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		msg  string
		want int
	}{
		{"ascii", strings.Repeat("a", 400), maxErrorMessage},
		{"two byte", strings.Repeat("é", 200), maxErrorMessage},
		{"three byte", strings.Repeat("限", 150), maxErrorMessage},
		{"four byte", "a" + strings.Repeat("🙂", 100), 297},
		{"short", "quota", 5},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			s, _ := newTestStore(t)
			if err := s.RecordFailure(ctx, "sk", 0, tt.msg); err != nil {
				t.Fatalf("RecordFailure: %v", err)
			}
			r, _ := s.Record("sk")
			got := r.LastError.Message
			if len(got) != tt.want || !utf8.ValidString(got) || !strings.HasPrefix(tt.msg, got) {
				t.Fatalf("stored message len = %d valid=%v, want len %d prefix", len(got), utf8.ValidString(got), tt.want)
			}
		})
	}
}
