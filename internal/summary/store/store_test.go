package store

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func fixedClock() func() time.Time {
	t := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time { return t }
}

func openTest(t *testing.T, dir string) *Store {
	t.Helper()
	s, err := Open(dir, WithBounds(50, 1000), WithClock(fixedClock()))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func TestSetValidatesAndClamps(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		in        Entry
		wantErr   error
		wantLeast int
	}{
		{"ok", Entry{Hour: 22, Minute: 30, LeastMessageCount: 500}, nil, 500},
		{"clamp low", Entry{Hour: 1, Minute: 0, LeastMessageCount: 3}, nil, 50},
		{"clamp high", Entry{Hour: 1, Minute: 0, LeastMessageCount: 5000}, nil, 1000},
		{"missing least", Entry{Hour: 1, Minute: 0}, nil, 1000},
		{"bad hour", Entry{Hour: 24, Minute: 0, LeastMessageCount: 100}, ErrInvalidHour, 0},
		{"bad minute", Entry{Hour: 0, Minute: -1, LeastMessageCount: 100}, ErrInvalidMinute, 0},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := openTest(t, t.TempDir())
			got, err := s.Set(123456, tt.in)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Set err = %v, want %v", err, tt.wantErr)
			}
			if err != nil {
				if _, ok := s.Get(123456); ok {
					t.Fatalf("invalid entry stored")
				}
				return
			}
			if got.LeastMessageCount != tt.wantLeast {
				t.Fatalf("LeastMessageCount = %d, want %d", got.LeastMessageCount, tt.wantLeast)
			}
		})
	}
}

func TestSetSurvivesReopen(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s := openTest(t, dir)
	if _, err := s.Set(-1001234, Entry{Hour: 8, Minute: 5, LeastMessageCount: 100, Style: "brief"}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.SetGroupSetting(-1001234, KeyDefaultModelName, "DeepSeek/deepseek-chat"); err != nil {
		t.Fatalf("SetGroupSetting: %v", err)
	}

	s2 := openTest(t, dir)
	e, ok := s2.Get(-1001234)
	if !ok || e.Hour != 8 || e.Minute != 5 || e.Style != "brief" || e.CreatedAt.IsZero() {
		t.Fatalf("reopened entry = %+v (ok=%v)", e, ok)
	}
	if v, ok := s2.GetGroupSetting(-1001234, KeyDefaultModelName); !ok || v != "DeepSeek/deepseek-chat" {
		t.Fatalf("GetGroupSetting = (%q, %v)", v, ok)
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	t.Parallel()

	s := openTest(t, t.TempDir())
	want := Entry{Hour: 23, Minute: 59, LeastMessageCount: 200, Style: "bullet points"}
	got, err := s.Set(60, want)
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	if e, ok := s.Get(60); !ok || e.Hour != want.Hour || e.Minute != want.Minute ||
		e.LeastMessageCount != want.LeastMessageCount || e.Style != want.Style || e.CreatedAt != got.CreatedAt {
		t.Fatalf("Get = %+v (ok=%v), want %+v", e, ok, want)
	}

	for i := 0; i < 2; i++ {
		if err := s.Remove(60); err != nil {
			t.Fatalf("Remove #%d = %v, want nil", i+1, err)
		}
	}
	if _, ok := s.Get(60); ok {
		t.Fatalf("Get after Remove found entry")
	}
	if ids := s.ListGroupIDs(); len(ids) != 0 {
		t.Fatalf("ListGroupIDs = %v, want none", ids)
	}
}

func TestFailedWriteLeavesMirrorUnchanged(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s := openTest(t, dir)
	if _, err := s.Set(1, Entry{Hour: 1, Minute: 1, LeastMessageCount: 100}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	// Point the store at a path whose parent is a regular file.
	blocker := filepath.Join(dir, "blocker")
	if err := os.WriteFile(blocker, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	s.schedulePath = filepath.Join(blocker, ScheduleFile)

	if _, err := s.Set(2, Entry{Hour: 2, Minute: 2, LeastMessageCount: 100}); err == nil {
		t.Fatalf("Set = nil, want write error")
	}
	if _, ok := s.Get(2); ok {
		t.Fatalf("failed write visible in mirror")
	}
	if err := s.Remove(1); err == nil {
		t.Fatalf("Remove = nil, want write error")
	}
	if _, ok := s.Get(1); !ok {
		t.Fatalf("failed remove dropped entry from mirror")
	}
}

func TestGroupSettings(t *testing.T) {
	t.Parallel()

	s := openTest(t, t.TempDir())
	if err := s.SetGroupSetting(7, "colour", "red"); !errors.Is(err, ErrUnknownSettingKey) {
		t.Fatalf("SetGroupSetting(unknown) = %v, want ErrUnknownSettingKey", err)
	}
	if err := s.SetGroupSetting(7, KeyDefaultStyle, "formal"); err != nil {
		t.Fatalf("SetGroupSetting: %v", err)
	}
	if err := s.SetGroupSetting(7, KeyDefaultModelName, "Qwen/qwen-max"); err != nil {
		t.Fatalf("SetGroupSetting: %v", err)
	}
	if err := s.RemoveGroupSetting(7, KeyDefaultStyle); err != nil {
		t.Fatalf("RemoveGroupSetting: %v", err)
	}
	if _, ok := s.ListGroupSettings()["7"]; !ok {
		t.Fatalf("group pruned while an override remains")
	}
	if err := s.RemoveGroupSetting(7, KeyDefaultModelName); err != nil {
		t.Fatalf("RemoveGroupSetting: %v", err)
	}
	if _, ok := s.ListGroupSettings()["7"]; ok {
		t.Fatalf("empty group setting record not pruned")
	}
}

func TestCleanupInvalidGroups(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	body := `{"123":{"hour":1,"minute":2,"least_message_count":100},"-100":{"hour":3,"minute":4,"least_message_count":100},"abc":{"hour":1,"minute":1,"least_message_count":100}}`
	if err := os.WriteFile(filepath.Join(dir, ScheduleFile), []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	s := openTest(t, dir)
	n, err := s.CleanupInvalidGroups()
	if err != nil || n != 1 {
		t.Fatalf("CleanupInvalidGroups = (%d, %v), want (1, nil)", n, err)
	}
	ids := s.ListGroupIDs()
	if len(ids) != 2 || ids[0] != "-100" || ids[1] != "123" {
		t.Fatalf("ListGroupIDs = %v, want [-100 123]", ids)
	}
}

func TestTransactionRollsBack(t *testing.T) {
	t.Parallel()

	s := openTest(t, t.TempDir())
	if _, err := s.Set(1, Entry{Hour: 1, Minute: 1, LeastMessageCount: 100}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	boom := errors.New("boom")
	err := s.Transaction(func(tx *Tx) error {
		tx.Remove(1)
		if _, err := tx.Set(2, Entry{Hour: 2, Minute: 2}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Transaction = %v, want boom", err)
	}
	if _, ok := s.Get(1); !ok {
		t.Fatalf("rolled back transaction removed group 1")
	}
	if _, ok := s.Get(2); ok {
		t.Fatalf("rolled back transaction added group 2")
	}

	err = s.Transaction(func(tx *Tx) error {
		if _, err := tx.Set(2, Entry{Hour: 2, Minute: 2, LeastMessageCount: 60}); err != nil {
			return err
		}
		return tx.SetGroupSetting(2, KeyDefaultStyle, "terse")
	})
	if err != nil {
		t.Fatalf("Transaction: %v", err)
	}
	if _, ok := s.Get(2); !ok {
		t.Fatalf("committed transaction lost group 2")
	}
	if v, _ := s.GetGroupSetting(2, KeyDefaultStyle); v != "terse" {
		t.Fatalf("default_style = %q, want terse", v)
	}
}
