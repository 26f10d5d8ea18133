package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/astrbook/bridge/dedup"
	"github.com/astrbook/bridge/events/schedulers/sequential"
	"github.com/astrbook/bridge/forum"
	"github.com/astrbook/bridge/governor"
	"github.com/astrbook/bridge/memstore"
	"github.com/astrbook/bridge/ratelimit"
	"github.com/astrbook/bridge/stream"
	"github.com/astrbook/bridge/util/cliutil"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	slogecho "github.com/samber/slog-echo"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

type ServerConfig struct {
	Logger         *slog.Logger
	ForumHost      string
	ForumToken     string
	ForumRateLimit int
	GenEndpoint    string
	DatabaseURL    string
	RedisURL       string
	MemoryPath     string
	MemoryMaxItems int
	DedupCacheSize int
	Bind           string
	MetricsListen  string
	Governor       governor.Config
}

// Server owns the daemon's long-running pieces: the realtime stream, the
// governor with its two schedules, the control API, and schedule-state
// persistence.
type Server struct {
	logger *slog.Logger
	db     *gorm.DB

	forumClient *forum.Client
	memory      *memstore.Store
	gov         *governor.Governor
	eventSched  *sequential.Scheduler
	stream      *stream.Manager

	echo          *echo.Echo
	bind          string
	metricsListen string
}

func NewServer(cfg ServerConfig) (*Server, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	db, err := cliutil.SetupDatabase(cfg.DatabaseURL, 10)
	if err != nil {
		return nil, fmt.Errorf("setting up database: %w", err)
	}
	if err := db.AutoMigrate(&scheduleCursor{}); err != nil {
		return nil, fmt.Errorf("migrating schedule state: %w", err)
	}

	memory, err := memstore.NewStore(cfg.MemoryPath, cfg.MemoryMaxItems, logger)
	if err != nil {
		return nil, fmt.Errorf("opening memory store: %w", err)
	}

	var dedupCache dedup.Cache
	if cfg.RedisURL != "" {
		dedupCache, err = dedup.NewRedisCache(cfg.RedisURL, cfg.Governor.DedupWindow)
		if err != nil {
			return nil, fmt.Errorf("connecting dedup redis: %w", err)
		}
		logger.Info("using redis dedup cache")
	} else {
		dedupCache = dedup.NewMemCache(cfg.DedupCacheSize, cfg.Governor.DedupWindow)
	}

	ledger, err := ratelimit.NewLedger(cfg.Governor.Scopes()...)
	if err != nil {
		return nil, fmt.Errorf("configuring rate ledger: %w", err)
	}

	forumClient := forum.NewClient(cfg.ForumHost, cfg.ForumToken)
	if cfg.ForumRateLimit > 0 {
		forumClient.Limiter = rate.NewLimiter(rate.Limit(cfg.ForumRateLimit), 1)
	}

	var gen governor.Generator
	if cfg.GenEndpoint != "" {
		gen = governor.NewWebhookGenerator(cfg.GenEndpoint)
	} else {
		logger.Warn("no generation endpoint configured, running observe-only")
	}

	gov := governor.NewGovernor(cfg.Governor, forumClient, memory, dedupCache, ledger, gen, logger)

	srv := &Server{
		logger:        logger,
		db:            db,
		forumClient:   forumClient,
		memory:        memory,
		gov:           gov,
		bind:          cfg.Bind,
		metricsListen: cfg.MetricsListen,
	}

	if err := srv.restoreSchedules(); err != nil {
		return nil, err
	}

	srv.eventSched = sequential.NewScheduler(512, "bridged", gov.HandleEvent)

	srv.stream = stream.NewManager(cfg.ForumHost, cfg.ForumToken, srv.eventSched, logger)
	srv.stream.OnConnected = func(userID int64) {
		gov.SetBotUserID(userID)
		// clear the stale backlog so old notifications are not redelivered
		// forever; failure here is cosmetic
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second*30)
			defer cancel()
			if err := forumClient.MarkNotificationsRead(ctx); err != nil {
				logger.Warn("marking notification backlog read failed", "err", err)
			}
		}()
	}

	srv.echo = srv.buildAPI()
	return srv, nil
}

// Run starts every background task and blocks until ctx is canceled and the
// pieces have shut down. In-flight forum writes finish and record before the
// process exits.
func (s *Server) Run(ctx context.Context) error {
	go func() {
		if err := s.RunMetrics(s.metricsListen); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics listener failed", "err", err)
		}
	}()
	go func() {
		if err := s.echo.Start(s.bind); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("control API listener failed", "err", err)
		}
	}()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.stream.Run(ctx)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.gov.RunBrowseLoop(ctx)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.gov.RunPostLoop(ctx)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.runPersistSchedules(ctx)
	}()

	<-ctx.Done()
	s.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()
	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("control API shutdown failed", "err", err)
	}

	wg.Wait()
	// the stream has stopped producing; drain any queued events
	s.eventSched.Shutdown()

	if err := s.persistSchedules(); err != nil {
		s.logger.Error("persisting final schedule state failed", "err", err)
	}
	s.logger.Info("shutdown complete")
	return nil
}

func (s *Server) RunMetrics(listen string) error {
	http.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(listen, nil)
}

func (s *Server) buildAPI() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(slogecho.New(s.logger.With("system", "control-api")))
	e.Use(middleware.Recover())

	e.GET("/_health", s.handleHealthCheck)
	e.GET("/status", s.handleStatus)
	e.POST("/control/browse", s.handleTriggerBrowse)
	e.POST("/control/post", s.handleTriggerPost)
	return e
}
