// Package httpapi serves the operator API: health, repair, schedules, group
// settings, model selection and ad-hoc summaries.
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"groupsummary/internal/runtime/supervisor"
	"groupsummary/internal/storage"
	"groupsummary/internal/summary/admin"
	"groupsummary/internal/summary/health"
	"groupsummary/internal/summary/jobs"
	"groupsummary/internal/summary/keystatus"
	"groupsummary/internal/summary/queue"
	logx "groupsummary/pkg/logx"
)

type Config struct {
	Addr      string
	JWTSecret string
	// CoolDown is the minimum gap between ad-hoc summaries of one group.
	CoolDown time.Duration
	// DefaultLeast is used when an ad-hoc request names no message count.
	DefaultLeast int
	MaxLeast     int
}

type Checker interface {
	Check(ctx context.Context) health.Result
	FullRepair(ctx context.Context) health.Result
}

type JobLister interface {
	ListJobs() []jobs.JobInfo
}

type KeyReporter interface {
	StatusSummary(ctx context.Context) keystatus.Summary
}

// StatsReader lists recorded runs, newest first. groupID 0 means all groups.
type StatsReader interface {
	RecentSummaries(ctx context.Context, groupID int64, limit int) ([]storage.SummaryRecord, error)
}

// ModelSwitcher lists the configured "Provider/model" names and changes the
// one used when a request names none.
type ModelSwitcher interface {
	Models() (names []string, active string)
	SetCurrentModel(name string) (string, error)
}

// Runner runs one summary inline.
type Runner interface {
	Run(ctx context.Context, req queue.Request, log logx.Logger) queue.Outcome
}

type Deps struct {
	Admin    *admin.Service
	Health   Checker
	Jobs     JobLister
	Keys     KeyReporter
	Models   ModelSwitcher // optional
	Runner   Runner
	Recorder queue.Recorder // optional
	Stats    StatsReader    // optional
}

type Server struct {
	deps Deps
	log  logx.Logger

	mu       sync.Mutex
	cfg      Config
	limiters map[int64]*rate.Limiter

	srvMu sync.Mutex
	srv   *http.Server

	handler http.Handler
}

func New(cfg Config, deps Deps, log logx.Logger) *Server {
	s := &Server{deps: deps, log: log, cfg: cfg, limiters: map[int64]*rate.Limiter{}}
	s.handler = s.routes()
	return s
}

// Apply swaps the secret and cooldown. The listen address is fixed at Start.
func (s *Server) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg.CoolDown != s.cfg.CoolDown {
		s.limiters = map[int64]*rate.Limiter{}
	}
	cfg.Addr = s.cfg.Addr
	s.cfg = cfg
}

func (s *Server) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(s.accessLog)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(s.auth)

		r.Get("/health", s.getHealth)
		r.Post("/repair", s.postRepair)
		r.Get("/jobs", s.getJobs)
		r.Get("/keys", s.getKeys)
		r.Get("/stats", s.getStats)
		r.Get("/models", s.getModels)
		r.Put("/models/current", s.putCurrentModel)

		r.Route("/schedules", func(r chi.Router) {
			r.Get("/", s.getSchedules)
			r.Delete("/", s.deleteSchedules)
			r.Post("/bulk", s.postBulkSchedules)
			r.Put("/{gid}", s.putSchedule)
			r.Delete("/{gid}", s.deleteSchedule)
		})

		r.Route("/groups/{gid}", func(r chi.Router) {
			r.Put("/settings/{key}", s.putSetting)
			r.Delete("/settings/{key}", s.deleteSetting)
			r.Post("/summary", s.postSummary)
		})
	})
	return r
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)),
			logx.String("request_id", chimiddleware.GetReqID(r.Context())),
		)
	})
}

// allow reports whether gid is outside its ad-hoc cooldown, consuming it if so.
func (s *Server) allow(gid int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.CoolDown <= 0 {
		return true
	}
	l, ok := s.limiters[gid]
	if !ok {
		l = rate.NewLimiter(rate.Every(s.cfg.CoolDown), 1)
		s.limiters[gid] = l
	}
	return l.Allow()
}

// Start binds the listener and serves under sup until ctx ends or Stop.
func (s *Server) Start(sup *supervisor.Supervisor) error {
	addr := strings.TrimSpace(s.config().Addr)
	if addr == "" {
		return nil
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: s.handler, ReadHeaderTimeout: 10 * time.Second}
	s.srvMu.Lock()
	s.srv = srv
	s.srvMu.Unlock()

	sup.Go("httpapi.serve", func(context.Context) error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	sup.Go0("httpapi.shutdown", func(ctx context.Context) {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = s.Stop(sctx)
	})
	s.log.Info("operator api listening", logx.String("addr", ln.Addr().String()))
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	s.srvMu.Lock()
	srv := s.srv
	s.srv = nil
	s.srvMu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
