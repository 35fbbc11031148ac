package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/itstheanurag/sandboxd/internal/api"
	"github.com/itstheanurag/sandboxd/internal/audit"
	"github.com/itstheanurag/sandboxd/internal/config"
	"github.com/itstheanurag/sandboxd/internal/database"
	"github.com/itstheanurag/sandboxd/internal/executor"
	"github.com/itstheanurag/sandboxd/internal/languages"
	"github.com/itstheanurag/sandboxd/internal/limiter"
	"github.com/itstheanurag/sandboxd/internal/sandbox"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const (
	limiterCleanupInterval = 5 * time.Minute
	startupTimeout         = 10 * time.Minute
)

type Server struct {
	conf        *config.Config
	logger      *zerolog.Logger
	httpServer  *http.Server
	db          *database.Database
	sandbox     *sandbox.DockerSandbox
	rateLimiter *limiter.RateLimiter
	cancelFunc  context.CancelFunc
}

func New(
	conf *config.Config,
	logger *zerolog.Logger,
) (*Server, error) {
	profile, err := sandbox.LoadSeccompProfile(conf.Sandbox.SeccompProfile)
	if err != nil {
		return nil, fmt.Errorf("failed to load seccomp profile: %w", err)
	}

	sb, err := sandbox.NewDockerSandbox(sandbox.Options{
		Image:           conf.Sandbox.Image,
		BuildContext:    conf.Sandbox.BuildContext,
		SeccompProfile:  profile,
		User:            conf.Sandbox.User,
		StopTimeout:     conf.Sandbox.StopTimeout,
		TeardownTimeout: conf.Sandbox.TeardownTimeout,
		MaxOutputBytes:  conf.Sandbox.MaxOutputBytes,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create sandbox: %w", err)
	}

	var (
		db       *database.Database
		recorder audit.Recorder = audit.Nop{}
	)
	if conf.Db.Enabled {
		db, err = database.New(conf.Db, logger)
		if err != nil {
			_ = sb.Close()
			return nil, fmt.Errorf("failed to create database: %w", err)
		}
		pg := audit.NewPostgres(db.Pool)
		ctx, cancel := context.WithTimeout(context.Background(), database.DatabasePingTimeout*time.Second)
		err = pg.Migrate(ctx)
		cancel()
		if err != nil {
			_ = db.Close()
			_ = sb.Close()
			return nil, err
		}
		recorder = pg
	}

	exec := executor.NewExecutor(sb, languages.NewRegistry(), recorder, executor.Options{
		RenderPort:       conf.Sandbox.RenderPort,
		SettleInterval:   conf.Sandbox.SettleInterval,
		ScreenshotScript: conf.Sandbox.ScreenshotScript,
	}, logger)

	var rl *limiter.RateLimiter
	if conf.RateLimit.Enabled {
		rl = limiter.NewRateLimiter(conf.RateLimit)
	}

	handler := api.NewHandler(exec, conf.Server.MaxBodyBytes, logger)

	httpServer := &http.Server{
		Addr:         ":" + conf.Server.Port,
		Handler:      newMux(handler, rl),
		ReadTimeout:  time.Duration(conf.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(conf.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(conf.Server.IdleTimeout) * time.Second,
	}

	return &Server{
		conf:        conf,
		logger:      logger,
		httpServer:  httpServer,
		db:          db,
		sandbox:     sb,
		rateLimiter: rl,
	}, nil
}

// newMux wires the routes. A nil limiter leaves the run endpoints unlimited.
func newMux(handler *api.Handler, rl *limiter.RateLimiter) *http.ServeMux {
	limit := func(h http.HandlerFunc) http.HandlerFunc {
		if rl == nil {
			return h
		}
		return rl.Middleware(h)
	}

	mux := http.NewServeMux()

	// health check
	mux.HandleFunc("/health", handler.Health)

	// Prometheus metrics endpoint
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/execute", limit(handler.Execute))
	mux.HandleFunc("/render", limit(handler.Render))
	return mux
}

func (s *Server) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancelFunc = cancel

	if err := s.prepare(ctx); err != nil {
		return err
	}

	if s.rateLimiter != nil {
		s.rateLimiter.StartCleanup(ctx, limiterCleanupInterval)
	}

	s.logger.Info().
		Str("port", s.conf.Server.Port).
		Msg("starting HTTP server")

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// prepare builds or pulls the runtime image and removes units left over from
// a previous process before any request is served.
func (s *Server) prepare(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()

	if err := s.sandbox.EnsureImage(ctx); err != nil {
		return fmt.Errorf("failed to ensure runtime image: %w", err)
	}

	if s.conf.Sandbox.SweepOnStart {
		n, err := s.sandbox.Sweep(ctx)
		if err != nil {
			s.logger.Warn().Err(err).Msg("orphan sweep failed")
		} else if n > 0 {
			s.logger.Info().Int("removed", n).Msg("removed orphaned units")
		}
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("shutting down HTTP server")

	if s.cancelFunc != nil {
		s.cancelFunc()
	}

	// Shutdown waits for in-flight runs, whose deferred teardown removes
	// their units.
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	if s.db != nil {
		_ = s.db.Close()
	}
	return s.sandbox.Close()
}
