package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"yt-queue/internal/format"
	"yt-queue/internal/history"
	"yt-queue/internal/logger"
	"yt-queue/internal/model"
	"yt-queue/internal/updater"
	"yt-queue/internal/websocket"
)

// JobService is the scheduler surface the API drives.
type JobService interface {
	Add(url string, opts model.FormatOptions, outputDir string) (string, error)
	Cancel(url string) bool
	DismissError(url string) bool
	Job(url string) (model.Job, bool)
	Jobs() []model.Job
	Counts() model.Counts
	SetConcurrencyLimit(n int)
	ConcurrencyLimit() int
}

type Prober interface {
	Pick(ctx context.Context, url string, policy model.SelectionPolicy) (format.PickResult, error)
}

type HistoryLister interface {
	List(ctx context.Context, opts history.ListOptions) ([]history.Entry, error)
}

type LogsProvider interface {
	RecentLogs() []logger.LogEntry
}

type UpdateRunner interface {
	Update(ctx context.Context) error
	Info() updater.Info
}

// Deps wires the server to its collaborators. Only Jobs is required.
type Deps struct {
	Jobs    JobService
	Prober  Prober
	History HistoryLister
	Logs    LogsProvider
	Hub     *websocket.Hub
	Updater UpdateRunner

	// Defaults applied to POST /jobs when the request leaves them empty.
	OutputDir string
	Options   model.FormatOptions
}

// Server exposes the scheduler over HTTP and websocket.
type Server struct {
	echo   *echo.Echo
	deps   Deps
	logger zerolog.Logger
}

func NewServer(deps Deps, logger zerolog.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:   e,
		deps:   deps,
		logger: logger.With().Str("component", "api").Logger(),
	}
	s.setupMiddleware()
	s.setupRoutes()
	if deps.Hub != nil {
		deps.Hub.SetCommandHandler(s.handleCommand)
	}
	return s
}

func (s *Server) setupMiddleware() {
	s.echo.Use(middleware.Recover())
	s.echo.Use(middleware.RequestID())

	s.echo.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept},
	}))

	s.echo.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogMethod:   true,
		LogError:    true,
		HandleError: true,
		Skipper: func(c echo.Context) bool {
			return c.Path() == "/health"
		},
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			ev := s.logger.Debug()
			if v.Error != nil {
				ev = s.logger.Error().Err(v.Error)
			}
			ev.Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Msg("request")
			return nil
		},
	}))
}

func (s *Server) setupRoutes() {
	s.echo.GET("/health", s.healthCheck)
	if s.deps.Hub != nil {
		s.echo.GET("/ws", s.deps.Hub.HandleWebSocket)
	}

	api := s.echo.Group("/api/v1")

	jobs := api.Group("/jobs")
	jobs.POST("", s.addJobs)
	jobs.GET("", s.listJobs)
	jobs.DELETE("", s.cancelJob)
	jobs.GET("/status", s.jobStatus)
	jobs.POST("/dismiss", s.dismissJob)

	api.GET("/concurrency", s.getConcurrency)
	api.PUT("/concurrency", s.setConcurrency)
	api.POST("/probe", s.probe)
	api.GET("/history", s.listHistory)
	api.GET("/logs", s.recentLogs)
	api.GET("/updater", s.updaterInfo)
	api.POST("/updater/run", s.runUpdater)
}

func (s *Server) Start(address string) error {
	s.logger.Info().Str("address", address).Msg("starting HTTP server")
	err := s.echo.Start(address)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("shutting down HTTP server")
	return s.echo.Shutdown(ctx)
}

// Echo returns the underlying Echo instance.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) healthCheck(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
		"counts": s.deps.Jobs.Counts(),
	})
}

func errorJSON(c echo.Context, code int, err error) error {
	return c.JSON(code, map[string]string{"error": err.Error()})
}
