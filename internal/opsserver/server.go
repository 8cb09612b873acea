// Package opsserver exposes pipeline state, delivery history, supervisor
// snapshots, Prometheus metrics and pprof over HTTP.
//
// Bind to loopback (the default) or set a bearer token.
package opsserver

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"errbot/internal/pipeline"
	rtsup "errbot/internal/runtime/supervisor"
	"errbot/internal/storage"
	logx "errbot/pkg/logx"
)

const defaultAddr = "127.0.0.1:9464"

type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Addr) == "" {
		c.Addr = defaultAddr
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 10 * time.Second
	}
	// pprof profile and trace stream for up to 30s by default.
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 60 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 2 * time.Minute
	}
	return c
}

// PipelineSource is the read side of the pipeline.
type PipelineSource interface {
	Stats() pipeline.Stats
	Top(n int) []pipeline.ErrorRecord
	Record(sig string) (pipeline.ErrorRecord, bool)
}

// DeliverySource lists recent delivery attempts, newest first.
type DeliverySource interface {
	RecentDeliveries(ctx context.Context, limit int) ([]storage.DeliveryRow, error)
}

// Sources are the handlers' backends. Nil fields disable their routes.
type Sources struct {
	Pipeline    PipelineSource
	Deliveries  DeliverySource
	Supervisors *rtsup.Registry
	Metrics     http.Handler
}

type Service struct {
	mu  sync.Mutex
	log logx.Logger
	cfg Config
	src Sources

	ln       net.Listener
	srv      *http.Server
	sup      *rtsup.Supervisor
	stopDone chan struct{}
}

func New(cfg Config, src Sources, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg.withDefaults(), src: src, log: log.With(logx.String("comp", "opsserver"))}
}

// Supervisor returns the internal supervisor (nil if not started).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Addr returns the bound listen address, or "" while not serving.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Start runs the server under a restart loop. It is idempotent and a no-op
// when disabled.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		s.mu.Lock()
		if s.stopDone != nil {
			done := s.stopDone
			s.mu.Unlock()
			select {
			case <-done:
			case <-ctx.Done():
				return
			}
			continue
		}
		if s.sup != nil || !s.cfg.Enabled {
			s.mu.Unlock()
			return
		}
		s.sup = rtsup.NewSupervisor(ctx,
			rtsup.WithLogger(s.log),
			rtsup.WithCancelOnError(false),
		)
		sup := s.sup
		s.mu.Unlock()

		sup.GoRestart("http.serve", s.serveOnce,
			rtsup.WithPublishFirstError(true),
			rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		)
		return
	}
}

// Stop shuts the server down gracefully until ctx expires.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.sup == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	srv, sup := s.srv, s.sup
	s.mu.Unlock()

	go func() {
		defer close(done)
		if srv != nil {
			_ = srv.Shutdown(ctx)
			_ = srv.Close()
		}
		sup.Cancel()
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.ln = nil
		s.srv = nil
		s.sup = nil
		s.stopDone = nil
		s.mu.Unlock()
		s.log.Info("ops server stopped")
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
	}
}

func (s *Service) serveOnce(ctx context.Context) error {
	s.mu.Lock()
	cur := s.cfg
	s.mu.Unlock()

	if !cur.AllowInsecure && cur.Token == "" && !isLoopbackAddr(cur.Addr) {
		s.log.Error("ops server refused to start: non-loopback addr requires token or allow_insecure", logx.String("addr", cur.Addr))
		return errors.New("ops server refused to start: insecure bind")
	}
	if cur.Token == "" && !isLoopbackAddr(cur.Addr) {
		s.log.Warn("ops server running without token on non-loopback addr (insecure)", logx.String("addr", cur.Addr))
	}

	ln, err := net.Listen("tcp", cur.Addr)
	if err != nil {
		if ctx.Err() != nil {
			return context.Canceled
		}
		return err
	}
	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  cur.ReadTimeout,
		WriteTimeout: cur.WriteTimeout,
		IdleTimeout:  cur.IdleTimeout,
	}
	defer func() { _ = srv.Close() }()

	s.mu.Lock()
	s.ln = ln
	s.srv = srv
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	s.log.Info("ops server started", logx.String("addr", ln.Addr().String()), logx.Bool("token_set", cur.Token != ""))
	err = srv.Serve(ln)

	s.mu.Lock()
	if s.srv == srv {
		s.srv = nil
		s.ln = nil
	}
	stopping := s.stopDone != nil
	s.mu.Unlock()

	if stopping || ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("ops server exited unexpectedly")
	}
	return err
}

// Handler builds the router. /healthz stays unauthenticated for health checks.
func (s *Service) Handler() http.Handler {
	s.mu.Lock()
	token := strings.TrimSpace(s.cfg.Token)
	s.mu.Unlock()

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	r.Group(func(r chi.Router) {
		r.Use(bearerAuth(token))
		if s.src.Pipeline != nil {
			r.Get("/stats", s.handleStats)
			r.Get("/errors", s.handleErrors)
			r.Get("/errors/{sig}", s.handleError)
		}
		if s.src.Deliveries != nil {
			r.Get("/deliveries", s.handleDeliveries)
		}
		if s.src.Supervisors != nil {
			r.Get("/supervisors", func(w http.ResponseWriter, _ *http.Request) {
				writeJSON(w, http.StatusOK, s.src.Supervisors.Snapshots())
			})
		}
		if s.src.Metrics != nil {
			r.Method(http.MethodGet, "/metrics", s.src.Metrics)
		}
		r.Route("/debug/pprof", func(r chi.Router) {
			r.Get("/", hpprof.Index)
			r.Get("/cmdline", hpprof.Cmdline)
			r.Get("/profile", hpprof.Profile)
			r.Get("/symbol", hpprof.Symbol)
			r.Post("/symbol", hpprof.Symbol)
			r.Get("/trace", hpprof.Trace)
			r.Get("/{profile}", func(w http.ResponseWriter, req *http.Request) {
				hpprof.Handler(chi.URLParam(req, "profile")).ServeHTTP(w, req)
			})
		})
	})
	return r
}

func (s *Service) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.src.Pipeline.Stats())
}

func (s *Service) handleErrors(w http.ResponseWriter, r *http.Request) {
	n, ok := limitParam(r, "n", 20, 500)
	if !ok {
		http.Error(w, "bad n", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, s.src.Pipeline.Top(n))
}

func (s *Service) handleError(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.src.Pipeline.Record(chi.URLParam(r, "sig"))
	if !ok {
		http.Error(w, "no such signature", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Service) handleDeliveries(w http.ResponseWriter, r *http.Request) {
	n, ok := limitParam(r, "limit", 50, 1000)
	if !ok {
		http.Error(w, "bad limit", http.StatusBadRequest)
		return
	}
	rows, err := s.src.Deliveries.RecentDeliveries(r.Context(), n)
	if err != nil {
		s.log.Warn("recent deliveries failed", logx.Err(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if rows == nil {
		rows = []storage.DeliveryRow{}
	}
	writeJSON(w, http.StatusOK, rows)
}

func limitParam(r *http.Request, key string, def, max int) (int, bool) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, false
	}
	if n > max {
		n = max
	}
	return n, true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
