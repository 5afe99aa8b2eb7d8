// Package api exposes the scheduler over HTTP.
//
// Fetching a finished task consumes its result: a second GET for the same id
// answers 404.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"extractd/internal/ledger"
	"extractd/internal/scheduler"
	logx "extractd/pkg/logx"
)

// Scheduler is the subset of *scheduler.Scheduler the API drives.
type Scheduler interface {
	Submit(payload []byte, credential string, p scheduler.Params) (string, error)
	Fetch(id string) (scheduler.Result, error)
	Snapshot() scheduler.Snapshot
}

// LedgerReader is satisfied by ledger.Store.
type LedgerReader interface {
	Recent(ctx context.Context, limit int) ([]ledger.Entry, error)
}

type Config struct {
	Addr              string
	SubmitRatePerSec  float64 // 0 disables the limiter
	SubmitBurst       int
	MaxPayloadBytes   int64
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	RetryAfter        time.Duration
	Pprof             bool
}

const (
	DefaultMaxPayloadBytes = 8 << 20
	defaultLedgerLimit     = 50
	maxLedgerLimit         = 1000
)

func (c Config) withDefaults() Config {
	if c.MaxPayloadBytes <= 0 {
		c.MaxPayloadBytes = DefaultMaxPayloadBytes
	}
	if c.ReadHeaderTimeout <= 0 {
		c.ReadHeaderTimeout = 5 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 5 * time.Second
	}
	if c.RetryAfter <= 0 {
		c.RetryAfter = time.Second
	}
	if c.SubmitRatePerSec > 0 && c.SubmitBurst <= 0 {
		c.SubmitBurst = int(c.SubmitRatePerSec)
		if c.SubmitBurst < 1 {
			c.SubmitBurst = 1
		}
	}
	return c
}

type Server struct {
	cfg     Config
	sched   Scheduler
	ledger  LedgerReader
	log     logx.Logger
	limiter *rate.Limiter
	router  chi.Router
}

// New builds the router. led may be nil when the ledger is disabled.
func New(cfg Config, sched Scheduler, led LedgerReader, log logx.Logger) *Server {
	cfg = cfg.withDefaults()
	s := &Server{cfg: cfg, sched: sched, ledger: led, log: log}
	if cfg.SubmitRatePerSec > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.SubmitRatePerSec), cfg.SubmitBurst)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, s.accessLog, middleware.Recoverer)

	r.Get("/healthz", s.health)
	r.Route("/v1", func(r chi.Router) {
		r.Post("/tasks", s.submitTask)
		r.Get("/tasks/{id}", s.fetchTask)
		r.Get("/stats", s.stats)
		r.Get("/ledger", s.recentLedger)
	})

	if cfg.Pprof {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
		r.Handle("/debug/pprof/block", pprof.Handler("block"))
		r.Handle("/debug/pprof/mutex", pprof.Handler("mutex"))
	}
	s.router = r
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.log.Info("http listening", logx.String("addr", ln.Addr().String()), logx.Bool("pprof", s.cfg.Pprof))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		s.log.Warn("http shutdown incomplete", logx.Err(err))
		_ = srv.Close()
	}
	<-errCh
	s.log.Info("http stopped")
	return nil
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		fields := []logx.Field{
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", status),
			logx.Int("bytes", ww.BytesWritten()),
			logx.Duration("dur", time.Since(start)),
			logx.String("req_id", middleware.GetReqID(r.Context())),
		}
		if status >= http.StatusInternalServerError {
			s.log.Warn("http request", fields...)
			return
		}
		s.log.Debug("http request", fields...)
	})
}
