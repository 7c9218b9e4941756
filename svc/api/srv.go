package api

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/hlog"

	"sharebox/cfg"
	"sharebox/metrics"
	"sharebox/svc/db"
	"sharebox/svc/lim"
	"sharebox/svc/share"
	"sharebox/svc/svc"
	"sharebox/svc/util"
)

type Server struct {
	router     *chi.Mux
	cfg        *cfg.Cfg
	db         *db.SQLite
	rdb        *db.Redis
	httpServer *http.Server
}

// NewServer wires the HTTP facade. rdb may be nil.
func NewServer(c *cfg.Cfg, p *svc.Paste, roots *share.Roots, l *lim.Limiter, sqlDB *db.SQLite, rdb *db.Redis) *Server {
	r := chi.NewRouter()
	mw := NewMw(l, c)
	s := &Server{
		router: r,
		cfg:    c,
		db:     sqlDB,
		rdb:    rdb,
	}
	r.Group(func(r chi.Router) {
		r.Use(mw.Recoverer)
		r.Get("/health", s.Health)
		r.Get("/ready", s.Ready)
		r.Handle("/metrics", promhttp.Handler())
	})
	if c.Profiling {
		r.Mount("/debug", middleware.Profiler())
	}

	r.Group(func(r chi.Router) {
		r.Use(mw.Recoverer)
		r.Use(mw.RequestID)
		r.Use(hlog.NewHandler(util.GetLogger()))
		r.Use(hlog.AccessHandler(func(req *http.Request, status, size int, dur time.Duration) {
			route := "unmatched"
			if rctx := chi.RouteContext(req.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			metrics.RequestDuration.
				WithLabelValues(req.Method, route, strconv.Itoa(status)).
				Observe(dur.Seconds())
			hlog.FromRequest(req).Info().
				Str("method", req.Method).
				Str("route", route).
				Int("status", status).
				Int("size", size).
				Dur("duration", dur).
				Str("client_ip", util.RedactIP(req.RemoteAddr)).
				Str("request_id", util.GetRequestID(req.Context())).
				Msg("http request")
		}))
		if len(c.TrustedProxies) > 0 {
			r.Use(middleware.RealIP)
		}
		r.Use(mw.SecurityHeaders)
		hdl := &Hdl{paste: p, roots: roots}
		r.Get("/", hdl.Index)
		r.Get("/browse", hdl.Browse)
		r.Get("/download", hdl.Download)
		r.Group(func(r chi.Router) {
			r.Use(mw.ContextTimeout)
			r.Get("/pastes", hdl.ListPastes)
			r.With(mw.RateLimitPaste).Post("/paste", hdl.SubmitPaste)
			r.Get("/download_paste/{id}", hdl.DownloadPaste)
		})
	})
	s.httpServer = &http.Server{
		Addr:              c.Addr(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    256 * 1024,
	}
	return s
}
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Start serves on the configured address until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		util.Error().Err(err).Str("addr", s.httpServer.Addr).Msg("server failed to start")
		return err
	}
	return s.Serve(ln)
}

func (s *Server) Serve(ln net.Listener) error {
	util.Info().Str("addr", ln.Addr().String()).Msg("web server listening")
	if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
