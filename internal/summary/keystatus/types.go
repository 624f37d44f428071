package keystatus

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

type Status string

const (
	StatusNormal      Status = "normal"
	StatusUnavailable Status = "unavailable"
)

const (
	DefaultFailureThreshold = 3
	defaultCooldown         = 300 * time.Second
	maxErrorMessage         = 300
)

// cooldowns maps an HTTP status to its quarantine length.
var cooldowns = map[int]time.Duration{
	401: 3600 * time.Second,
	429: 300 * time.Second,
	500: 300 * time.Second,
	502: 300 * time.Second,
	503: 600 * time.Second,
	504: 300 * time.Second,
}

// Cooldown returns the quarantine length for statusCode. Zero means no status.
func Cooldown(statusCode int) time.Duration {
	if d, ok := cooldowns[statusCode]; ok {
		return d
	}
	return defaultCooldown
}

// quarantineNow reports whether a single failure with statusCode is enough
// to quarantine the key.
func quarantineNow(statusCode int) bool {
	switch statusCode {
	case 401, 429, 503:
		return true
	}
	return false
}

// Record is the persisted state of one credential.
type Record struct {
	Status              Status     `json:"status"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	FailureCount        int        `json:"failure_count"`
	SuccessCount        int        `json:"success_count"`
	UnavailableUntil    time.Time  `json:"unavailable_until,omitzero"`
	LastSuccess         time.Time  `json:"last_success,omitzero"`
	LastFailure         time.Time  `json:"last_failure,omitzero"`
	LastError           *LastError `json:"last_error,omitempty"`
}

type LastError struct {
	StatusCode int       `json:"status_code,omitempty"`
	Message    string    `json:"message,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Summary is the operator view of every known key.
type Summary struct {
	TotalKeys       int                   `json:"total_keys"`
	AvailableKeys   int                   `json:"available_keys"`
	UnavailableKeys int                   `json:"unavailable_keys"`
	Keys            map[string]KeySummary `json:"keys"`
}

type KeySummary struct {
	Status              Status    `json:"status"`
	SuccessCount        int       `json:"success_count"`
	FailureCount        int       `json:"failure_count"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	UnavailableUntil    time.Time `json:"unavailable_until,omitzero"`
	RecoveryInSeconds   int64     `json:"recovery_in_seconds,omitempty"`
}

// Fingerprint derives the stable identifier stored and logged instead of
// the raw key.
func Fingerprint(key string) string {
	sum := sha256.Sum256([]byte(key))
	return "k_" + hex.EncodeToString(sum[:])[:16]
}
