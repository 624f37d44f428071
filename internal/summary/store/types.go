package store

import (
	"errors"
	"regexp"
	"strconv"
	"time"
)

var (
	ErrInvalidHour       = errors.New("hour must be in 0-23")
	ErrInvalidMinute     = errors.New("minute must be in 0-59")
	ErrInvalidGroupID    = errors.New("invalid group id")
	ErrUnknownSettingKey = errors.New("unknown group setting key")
)

const (
	ScheduleFile = "summary_schedule.json"
	SettingsFile = "summary_group_settings.json"
)

// Recognized GroupSetting keys.
const (
	KeyDefaultModelName = "default_model_name"
	KeyDefaultStyle     = "default_style"
)

// Entry is the persisted daily schedule of one group.
type Entry struct {
	Hour              int       `json:"hour"`
	Minute            int       `json:"minute"`
	LeastMessageCount int       `json:"least_message_count"`
	Style             string    `json:"style,omitempty"`
	CreatedAt         time.Time `json:"created_at,omitzero"`
	UpdatedAt         time.Time `json:"updated_at,omitzero"`
}

// GroupSetting holds per-group overrides. Empty fields inherit the global default.
type GroupSetting struct {
	DefaultModelName string    `json:"default_model_name,omitempty"`
	DefaultStyle     string    `json:"default_style,omitempty"`
	UpdatedAt        time.Time `json:"updated_at,omitzero"`
}

func (g GroupSetting) empty() bool { return g.DefaultModelName == "" && g.DefaultStyle == "" }

func (g GroupSetting) get(key string) (string, bool) {
	switch key {
	case KeyDefaultModelName:
		return g.DefaultModelName, g.DefaultModelName != ""
	case KeyDefaultStyle:
		return g.DefaultStyle, g.DefaultStyle != ""
	}
	return "", false
}

func (g *GroupSetting) set(key, value string) error {
	switch key {
	case KeyDefaultModelName:
		g.DefaultModelName = value
	case KeyDefaultStyle:
		g.DefaultStyle = value
	default:
		return ErrUnknownSettingKey
	}
	return nil
}

var groupIDPattern = regexp.MustCompile(`^-?\d+$`)

// ValidGroupID reports whether key is a decimal group id. Telegram group
// chat ids are negative, so a leading minus is allowed.
func ValidGroupID(key string) bool {
	if !groupIDPattern.MatchString(key) {
		return false
	}
	_, err := strconv.ParseInt(key, 10, 64)
	return err == nil
}

// ParseGroupID converts a stored key back to a group id.
func ParseGroupID(key string) (int64, error) {
	if !ValidGroupID(key) {
		return 0, ErrInvalidGroupID
	}
	return strconv.ParseInt(key, 10, 64)
}

func keyOf(gid int64) string { return strconv.FormatInt(gid, 10) }
