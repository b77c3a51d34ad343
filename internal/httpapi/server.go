// Package httpapi is anastasis-httpd's transport layer: a loopback
// HTTP daemon that exposes reducer.Dispatch over a small session
// resource, grounded on the teacher's internal/api (server.go's
// router assembly, middleware.go's request-scoped logging and
// recovery, http_helpers.go's JSON helpers). It holds no reducer
// logic of its own — every action still goes through
// reducer.Dispatcher, matching spec §1's "pure shell" framing one
// layer up.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/anastasis-go/anastasis/internal/catalog"
	"github.com/anastasis-go/anastasis/internal/config"
	"github.com/anastasis-go/anastasis/internal/provider"
	"github.com/anastasis-go/anastasis/internal/reducer"
	"github.com/anastasis-go/anastasis/internal/session"
)

type Server struct {
	cfg        config.Config
	log        *zap.Logger
	store      session.Store
	dispatcher *reducer.Dispatcher
	registry   *registry
	metrics    *metrics

	httpServer *http.Server
}

func New(cfg config.Config, logger *zap.Logger, store session.Store, cat *catalog.Catalog, client *provider.Client) *Server {
	m := newMetrics()
	return &Server{
		cfg:        cfg,
		log:        logger,
		store:      store,
		dispatcher: reducer.New(cfg.ExternalReducer),
		registry:   newRegistry(cat, client, func(delta float64) { m.sessionsActive.Add(delta) }),
		metrics:    m,
	}
}

func (s *Server) saveState(ctx context.Context, id string, state reducer.State) error {
	raw, err := state.MarshalCanonical()
	if err != nil {
		return err
	}
	return s.store.Save(ctx, id, raw)
}

func (s *Server) loadState(ctx context.Context, id string) (reducer.State, error) {
	raw, err := s.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	var state reducer.State
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, err
	}
	return state, nil
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID())
	r.Use(recoverer(s.log))
	r.Use(accessLog(s.log))

	if s.cfg.CORSOrigin != "" {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   []string{s.cfg.CORSOrigin},
			AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
			ExposedHeaders:   []string{"X-Request-ID"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(pr chi.Router) {
		if s.cfg.RequireBearerAuth {
			pr.Use(bearerAuth(s.cfg.JWTIssuer, s.cfg.JWTSecret))
		}
		pr.Post("/session", s.handleCreateSession)
		pr.Route("/session/{id}", func(sr chi.Router) {
			sr.Get("/", s.handleGetSession)
			sr.Delete("/", s.handleDeleteSession)
			sr.Post("/action", s.handleAction)
		})
	})

	return r
}

func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.HTTPAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.log.Info("http server starting", zap.String("addr", s.cfg.HTTPAddr))
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}
