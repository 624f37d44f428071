package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "groupsummary/pkg/logx"
)

//go:embed migrations.sql
var migrations string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer keeps SQLITE_BUSY away.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(context.Background(), migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) RecordSummary(ctx context.Context, r SummaryRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	r.stamp()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO summaries(id, group_id, status, reason, messages, duration_ms, model, source, at)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		r.ID, r.GroupID, r.Status, nullStr(r.Reason), r.Messages, r.DurationMS,
		nullStr(r.Model), nullStr(r.Source), r.At.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	e.stamp()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(id, at, actor, action, group_id, ok, err, meta) VALUES(?,?,?,?,?,?,?,?)`,
		e.ID, e.At.UnixMilli(), e.Actor, e.Action, e.GroupID, e.OK, nullStr(e.Error), nullStr(e.MetaJSON),
	)
	return err
}

func (s *sqliteStore) RecentSummaries(ctx context.Context, groupID int64, limit int) ([]SummaryRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = 20
	}
	q := `SELECT id, group_id, status, reason, messages, duration_ms, model, source, at FROM summaries`
	args := []any{}
	if groupID != 0 {
		q += ` WHERE group_id = ?`
		args = append(args, groupID)
	}
	q += ` ORDER BY at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SummaryRecord
	for rows.Next() {
		var (
			r                     SummaryRecord
			reason, model, source sql.NullString
			at                    int64
		)
		if err := rows.Scan(&r.ID, &r.GroupID, &r.Status, &reason, &r.Messages, &r.DurationMS, &model, &source, &at); err != nil {
			return nil, err
		}
		r.Reason, r.Model, r.Source = reason.String, model.String, source.String
		r.At = time.UnixMilli(at)
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
