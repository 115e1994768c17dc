package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"yt-queue/internal/model"
)

type addJobsRequest struct {
	URL       string               `json:"url"`
	URLs      []string             `json:"urls"`
	OutputDir string               `json:"output_dir"`
	Options   *model.FormatOptions `json:"options"`
}

type addResult struct {
	URL       string `json:"url"`
	Canonical string `json:"canonical,omitempty"`
	Queued    bool   `json:"queued"`
	Error     string `json:"error,omitempty"`
}

func (s *Server) addJobs(c echo.Context) error {
	var req addJobsRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, errors.New("invalid request body"))
	}
	urls := req.URLs
	if req.URL != "" {
		urls = append([]string{req.URL}, urls...)
	}
	if len(urls) == 0 {
		return errorJSON(c, http.StatusBadRequest, errors.New("url is required"))
	}

	opts := s.deps.Options
	if req.Options != nil {
		opts = mergeOptions(opts, *req.Options)
	}
	dir := strings.TrimSpace(req.OutputDir)
	if dir == "" {
		dir = s.deps.OutputDir
	}

	results := make([]addResult, 0, len(urls))
	queued := 0
	for _, raw := range urls {
		canonical, err := s.deps.Jobs.Add(raw, opts, dir)
		r := addResult{URL: raw, Canonical: canonical, Queued: err == nil}
		if err != nil {
			r.Error = err.Error()
		} else {
			queued++
		}
		results = append(results, r)
	}

	code := http.StatusCreated
	if queued == 0 {
		code = rejectionStatus(results)
	}
	return c.JSON(code, map[string]any{"results": results, "queued": queued})
}

// rejectionStatus picks the response code when nothing was queued.
func rejectionStatus(results []addResult) int {
	for _, r := range results {
		if r.Canonical == "" {
			return http.StatusBadRequest
		}
	}
	return http.StatusConflict
}

// mergeOptions overlays the request's non-empty fields onto the defaults.
// A request format without a policy clears the default policy.
func mergeOptions(base, req model.FormatOptions) model.FormatOptions {
	out := base
	if req.Format != "" {
		out.Format = req.Format
		// An explicit format string wins over the configured policy.
		out.Policy = nil
	}
	if req.Policy != nil {
		out.Policy = req.Policy
	}
	if len(req.ExtractorArgs) > 0 {
		out.ExtractorArgs = req.ExtractorArgs
	}
	if len(req.FormatSort) > 0 {
		out.FormatSort = req.FormatSort
	}
	if req.MergeOutputFormat != "" {
		out.MergeOutputFormat = req.MergeOutputFormat
	}
	if req.Subtitles {
		out.Subtitles = true
	}
	if len(req.SubLangs) > 0 {
		out.SubLangs = req.SubLangs
	}
	if req.SubFormat != "" {
		out.SubFormat = req.SubFormat
	}
	if req.Cookies.Enabled() {
		out.Cookies = req.Cookies
	}
	if req.OutputTemplate != "" {
		out.OutputTemplate = req.OutputTemplate
	}
	return out
}

func (s *Server) listJobs(c echo.Context) error {
	jobs := s.deps.Jobs.Jobs()
	if status := c.QueryParam("status"); status != "" {
		filtered := jobs[:0]
		for _, j := range jobs {
			if string(j.Status) == status {
				filtered = append(filtered, j)
			}
		}
		jobs = filtered
	}
	if jobs == nil {
		jobs = []model.Job{}
	}
	return c.JSON(http.StatusOK, map[string]any{
		"jobs":   jobs,
		"counts": s.deps.Jobs.Counts(),
	})
}

func (s *Server) jobStatus(c echo.Context) error {
	url, err := requireURL(c)
	if err != nil {
		return errorJSON(c, http.StatusBadRequest, err)
	}
	job, ok := s.deps.Jobs.Job(url)
	if !ok {
		return errorJSON(c, http.StatusNotFound, fmt.Errorf("no job for %s", url))
	}
	return c.JSON(http.StatusOK, job)
}

func (s *Server) cancelJob(c echo.Context) error {
	url, err := requireURL(c)
	if err != nil {
		return errorJSON(c, http.StatusBadRequest, err)
	}
	if !s.deps.Jobs.Cancel(url) {
		return errorJSON(c, http.StatusNotFound, fmt.Errorf("no job for %s", url))
	}
	job, ok := s.deps.Jobs.Job(url)
	if !ok {
		return c.NoContent(http.StatusNoContent)
	}
	return c.JSON(http.StatusAccepted, job)
}

func (s *Server) dismissJob(c echo.Context) error {
	url, err := requireURL(c)
	if err != nil {
		return errorJSON(c, http.StatusBadRequest, err)
	}
	if !s.deps.Jobs.DismissError(url) {
		return errorJSON(c, http.StatusConflict, fmt.Errorf("job for %s is missing or not finished", url))
	}
	return c.NoContent(http.StatusNoContent)
}

func requireURL(c echo.Context) (string, error) {
	url := strings.TrimSpace(c.QueryParam("url"))
	if url == "" {
		return "", errors.New("url query parameter is required")
	}
	return url, nil
}
