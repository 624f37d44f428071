package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	logx "groupsummary/pkg/logx"
)

// Store persists run statistics and audit entries.
type Store interface {
	RecordSummary(ctx context.Context, r SummaryRecord) error
	AppendAudit(ctx context.Context, e AuditEntry) error
	// RecentSummaries returns up to limit records, newest first.
	// groupID 0 means every group.
	RecentSummaries(ctx context.Context, groupID int64, limit int) ([]SummaryRecord, error)
	Close() error
}

// Open initializes the configured store. It returns (nil, nil) when storage
// is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

// stamp fills ID and At when unset.
func (r *SummaryRecord) stamp() {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.At.IsZero() {
		r.At = time.Now()
	}
}

func (e *AuditEntry) stamp() {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
}
