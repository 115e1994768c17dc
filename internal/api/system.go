package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"yt-queue/internal/history"
	"yt-queue/internal/logger"
	"yt-queue/internal/model"
)

func (s *Server) getConcurrency(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]int{"limit": s.deps.Jobs.ConcurrencyLimit()})
}

func (s *Server) setConcurrency(c echo.Context) error {
	var body struct {
		Limit *int `json:"limit"`
	}
	if err := c.Bind(&body); err != nil || body.Limit == nil {
		return errorJSON(c, http.StatusBadRequest, errors.New("limit is required"))
	}
	s.deps.Jobs.SetConcurrencyLimit(*body.Limit)
	return c.JSON(http.StatusOK, map[string]int{"limit": s.deps.Jobs.ConcurrencyLimit()})
}

func (s *Server) probe(c echo.Context) error {
	if s.deps.Prober == nil {
		return errorJSON(c, http.StatusServiceUnavailable, errors.New("format probing is not configured"))
	}
	var body struct {
		URL    string                 `json:"url"`
		Policy *model.SelectionPolicy `json:"policy"`
	}
	if err := c.Bind(&body); err != nil || body.URL == "" {
		return errorJSON(c, http.StatusBadRequest, errors.New("url is required"))
	}
	policy := model.SelectionPolicy{}
	if s.deps.Options.Policy != nil {
		policy = *s.deps.Options.Policy
	}
	if body.Policy != nil {
		policy = *body.Policy
	}
	res, err := s.deps.Prober.Pick(c.Request().Context(), body.URL, policy)
	if err != nil {
		code := http.StatusBadGateway
		if errors.Is(err, model.ErrProbeTimeout) {
			code = http.StatusGatewayTimeout
		}
		return errorJSON(c, code, err)
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) listHistory(c echo.Context) error {
	if s.deps.History == nil {
		return c.JSON(http.StatusOK, []history.Entry{})
	}
	opts := history.ListOptions{
		Status: model.JobStatus(c.QueryParam("status")),
		URL:    c.QueryParam("url"),
	}
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return errorJSON(c, http.StatusBadRequest, errors.New("invalid limit"))
		}
		opts.Limit = n
	}
	entries, err := s.deps.History.List(c.Request().Context(), opts)
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, err)
	}
	if entries == nil {
		entries = []history.Entry{}
	}
	return c.JSON(http.StatusOK, entries)
}

func (s *Server) recentLogs(c echo.Context) error {
	var logs []logger.LogEntry
	if s.deps.Logs != nil {
		logs = s.deps.Logs.RecentLogs()
	}
	if logs == nil {
		logs = []logger.LogEntry{}
	}
	return c.JSON(http.StatusOK, logs)
}

func (s *Server) updaterInfo(c echo.Context) error {
	if s.deps.Updater == nil {
		return errorJSON(c, http.StatusNotFound, errors.New("updater is disabled"))
	}
	return c.JSON(http.StatusOK, s.deps.Updater.Info())
}

// runUpdater starts an update in the background and reports immediately.
func (s *Server) runUpdater(c echo.Context) error {
	if s.deps.Updater == nil {
		return errorJSON(c, http.StatusNotFound, errors.New("updater is disabled"))
	}
	if s.deps.Updater.Info().Running {
		return errorJSON(c, http.StatusConflict, errors.New("update already running"))
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if err := s.deps.Updater.Update(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("manual update failed")
		}
	}()
	return c.JSON(http.StatusAccepted, map[string]string{"status": "started"})
}
