package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"groupsummary/internal/storage"
	"groupsummary/internal/summary"
	"groupsummary/internal/summary/admin"
	"groupsummary/internal/summary/health"
	"groupsummary/internal/summary/queue"
	"groupsummary/internal/summary/store"
	logx "groupsummary/pkg/logx"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeAdminError maps validation failures to 400 and everything else to 500.
func writeAdminError(w http.ResponseWriter, err error) {
	if admin.IsValidation(err) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func groupID(r *http.Request) (int64, error) {
	return store.ParseGroupID(chi.URLParam(r, "gid"))
}

func (s *Server) getHealth(w http.ResponseWriter, r *http.Request) {
	s.writeHealth(w, r, s.deps.Health.Check(r.Context()))
}

func (s *Server) postRepair(w http.ResponseWriter, r *http.Request) {
	s.log.Info("full repair requested", logx.String("actor", admin.Actor(r.Context())))
	s.writeHealth(w, r, s.deps.Health.FullRepair(r.Context()))
}

func (s *Server) writeHealth(w http.ResponseWriter, r *http.Request, res health.Result) {
	if r.URL.Query().Get("format") == "text" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, health.FormatReport(res))
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) getJobs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Jobs.ListJobs())
}

func (s *Server) getKeys(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Keys.StatusSummary(r.Context()))
}

func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	if s.deps.Stats == nil {
		writeError(w, http.StatusNotFound, storage.ErrDisabled.Error())
		return
	}
	var gid int64
	if raw := r.URL.Query().Get("group_id"); raw != "" {
		id, err := store.ParseGroupID(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		gid = id
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, 500)
	}
	recs, err := s.deps.Stats.RecentSummaries(r.Context(), gid, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if recs == nil {
		recs = []storage.SummaryRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

var errNoModels = errors.New("model switching not available")

type modelsResponse struct {
	Models []string `json:"models"`
	Active string   `json:"active"`
}

func (s *Server) getModels(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Models == nil {
		writeError(w, http.StatusNotFound, errNoModels.Error())
		return
	}
	names, active := s.deps.Models.Models()
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, modelsResponse{Models: names, Active: active})
}

// putCurrentModel switches the model used by summaries that name none.
// Unknown or malformed names are rejected with 400.
func (s *Server) putCurrentModel(w http.ResponseWriter, r *http.Request) {
	if s.deps.Models == nil {
		writeError(w, http.StatusNotFound, errNoModels.Error())
		return
	}
	var body struct {
		Model string `json:"model"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	name, err := s.deps.Models.SetCurrentModel(body.Model)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.log.Info("current model set",
		logx.String("actor", admin.Actor(r.Context())),
		logx.String("model", name),
	)
	names, _ := s.deps.Models.Models()
	writeJSON(w, http.StatusOK, modelsResponse{Models: names, Active: name})
}

func (s *Server) getSchedules(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Admin.Schedules())
}

type scheduleBody struct {
	Time              string  `json:"time"`
	LeastMessageCount int     `json:"least_message_count"`
	Style             string  `json:"style"`
	GroupIDs          []int64 `json:"group_ids,omitempty"`
}

func (s *Server) putSchedule(w http.ResponseWriter, r *http.Request) {
	gid, err := groupID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var body scheduleBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h, m, err := admin.ParseTime(body.Time)
	if err != nil {
		writeAdminError(w, err)
		return
	}
	info, err := s.deps.Admin.SetSchedule(r.Context(), gid, h, m, body.LeastMessageCount, body.Style)
	if err != nil {
		writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	gid, err := groupID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.deps.Admin.RemoveSchedule(r.Context(), gid); err != nil {
		writeAdminError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) postBulkSchedules(w http.ResponseWriter, r *http.Request) {
	var body scheduleBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h, m, err := admin.ParseTime(body.Time)
	if err != nil {
		writeAdminError(w, err)
		return
	}
	n, failed := s.deps.Admin.SetAll(r.Context(), h, m, body.LeastMessageCount, body.Style, body.GroupIDs)
	if failed == nil {
		failed = []int64{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"updated": n, "failed": failed})
}

func (s *Server) deleteSchedules(w http.ResponseWriter, r *http.Request) {
	groups, removed, err := s.deps.Admin.RemoveAll(r.Context())
	if err != nil {
		writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"groups": groups, "jobs": removed})
}

func (s *Server) putSetting(w http.ResponseWriter, r *http.Request) {
	gid, err := groupID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var body struct {
		Value string `json:"value"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.deps.Admin.SetGroupSetting(r.Context(), gid, chi.URLParam(r, "key"), body.Value); err != nil {
		writeAdminError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) deleteSetting(w http.ResponseWriter, r *http.Request) {
	gid, err := groupID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.deps.Admin.RemoveGroupSetting(r.Context(), gid, chi.URLParam(r, "key")); err != nil {
		writeAdminError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type summaryBody struct {
	LeastCount int     `json:"least_count"`
	Style      string  `json:"style"`
	UserIDs    []int64 `json:"user_ids"`
	Keyword    string  `json:"keyword"`
	ChatID     int64   `json:"chat_id"`
	ThreadID   int     `json:"thread_id"`
}

type summaryResponse struct {
	Outcome  string `json:"outcome"`
	Reason   string `json:"reason,omitempty"`
	Error    string `json:"error,omitempty"`
	Messages int    `json:"messages"`
	Model    string `json:"model,omitempty"`
}

// postSummary runs one summary inline, bypassing the queue.
func (s *Server) postSummary(w http.ResponseWriter, r *http.Request) {
	gid, err := groupID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var body summaryBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !s.allow(gid) {
		writeError(w, http.StatusTooManyRequests, "group is cooling down")
		return
	}

	cfg := s.config()
	least := body.LeastCount
	if least <= 0 {
		least = cfg.DefaultLeast
	}
	if cfg.MaxLeast > 0 && least > cfg.MaxLeast {
		least = cfg.MaxLeast
	}
	req := queue.Request{
		GroupID:    gid,
		LeastCount: least,
		Style:      body.Style,
		Filters:    summary.Filters{UserIDs: body.UserIDs, Keyword: body.Keyword},
		Target:     summary.Target{ChatID: body.ChatID, ThreadID: body.ThreadID},
	}
	log := s.log.With(logx.Int64("group_id", gid), logx.String("actor", admin.Actor(r.Context())))

	start := time.Now()
	out := s.deps.Runner.Run(r.Context(), req, log)
	s.record(r.Context(), gid, out, time.Since(start), log)

	resp := summaryResponse{Outcome: out.Kind.String(), Reason: out.Reason, Messages: out.Messages, Model: out.Model}
	status := http.StatusOK
	if out.Kind == queue.Failure {
		status = http.StatusBadGateway
		if out.Err != nil {
			resp.Error = out.Err.Error()
		}
	}
	writeJSON(w, status, resp)
}

func (s *Server) record(ctx context.Context, gid int64, out queue.Outcome, d time.Duration, log logx.Logger) {
	if s.deps.Recorder == nil {
		return
	}
	rec := storage.SummaryRecord{
		GroupID:    gid,
		Status:     out.Status(),
		Reason:     out.Reason,
		Messages:   out.Messages,
		DurationMS: d.Milliseconds(),
		Model:      out.Model,
		Source:     "manual",
		At:         time.Now(),
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.deps.Recorder.RecordSummary(rctx, rec); err != nil {
		log.Warn("summary statistics not recorded", logx.Err(err))
	}
}
