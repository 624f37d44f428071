package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage. An empty Driver or "none" disables it.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 keeps the driver default
}

// Summary run statuses.
const (
	StatusSuccess          = "success"
	StatusFailedSend       = "failed_send"
	StatusFailedProcessing = "failed_processing"
	StatusSkipped          = "skipped"
)

// SummaryRecord is one scheduled or ad-hoc summary run.
type SummaryRecord struct {
	ID         string    `json:"id"`
	GroupID    int64     `json:"group_id"`
	Status     string    `json:"status"`
	Reason     string    `json:"reason,omitempty"`
	Messages   int       `json:"messages"`
	DurationMS int64     `json:"duration_ms"`
	Model      string    `json:"model,omitempty"`
	Source     string    `json:"source,omitempty"` // "schedule" or "manual"
	At         time.Time `json:"at"`
}

// AuditEntry records one operator or system mutation.
type AuditEntry struct {
	ID       string    `json:"id"`
	At       time.Time `json:"at"`
	Actor    string    `json:"actor"`
	Action   string    `json:"action"`
	GroupID  int64     `json:"group_id,omitempty"`
	OK       bool      `json:"ok"`
	Error    string    `json:"error,omitempty"`
	MetaJSON string    `json:"meta,omitempty"`
}
