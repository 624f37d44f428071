package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "groupsummary/pkg/logx"
)

// fileStore appends JSON Lines:
//   - <prefix>.summaries.jsonl
//   - <prefix>.audit.jsonl
type fileStore struct {
	log logx.Logger

	mu            sync.Mutex
	summariesPath string
	summaries     *os.File
	audit         *os.File
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	summariesPath := prefix + ".summaries.jsonl"
	sf, err := os.OpenFile(summariesPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	af, err := os.OpenFile(prefix+".audit.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		_ = sf.Close()
		return nil, err
	}
	return &fileStore{log: log, summariesPath: summariesPath, summaries: sf, audit: af}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.summaries != nil {
		errs = append(errs, s.summaries.Close())
		s.summaries = nil
	}
	if s.audit != nil {
		errs = append(errs, s.audit.Close())
		s.audit = nil
	}
	return errors.Join(errs...)
}

func (s *fileStore) RecordSummary(_ context.Context, r SummaryRecord) error {
	r.stamp()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.summaries == nil {
		return ErrDisabled
	}
	return json.NewEncoder(s.summaries).Encode(r)
}

func (s *fileStore) AppendAudit(_ context.Context, e AuditEntry) error {
	e.stamp()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.audit == nil {
		return ErrDisabled
	}
	return json.NewEncoder(s.audit).Encode(e)
}

// RecentSummaries scans the whole journal; it is meant for operator queries.
func (s *fileStore) RecentSummaries(ctx context.Context, groupID int64, limit int) ([]SummaryRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.summaries == nil {
		return nil, ErrDisabled
	}
	f, err := os.Open(s.summariesPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	// ring keeps the newest limit matches in file order.
	ring := make([]SummaryRecord, 0, limit)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var r SummaryRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			s.log.Debug("skip malformed summary line", logx.Err(err))
			continue
		}
		if groupID != 0 && r.GroupID != groupID {
			continue
		}
		if len(ring) == limit {
			ring = append(ring[:0], ring[1:]...)
		}
		ring = append(ring, r)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	out := make([]SummaryRecord, len(ring))
	for i, r := range ring {
		out[len(ring)-1-i] = r
	}
	return out, nil
}
