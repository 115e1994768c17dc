package scheduler

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"yt-queue/internal/model"
)

const (
	MinConcurrency     = 1
	MaxConcurrency     = 5
	DefaultConcurrency = 2

	defaultEventBuffer     = 256
	defaultMetadataTimeout = 30 * time.Second
	defaultUpdaterTimeout  = 2 * time.Minute
)

// Runner executes one job to a terminal result. Run must return once ctx is
// cancelled; emit may be called from Run's goroutine only.
type Runner interface {
	Run(ctx context.Context, job model.Job, emit func(model.Update)) model.Result
}

// MetadataFetcher looks up display metadata. Results may arrive late or
// never; the scheduler does not wait for them.
type MetadataFetcher interface {
	Fetch(ctx context.Context, url string) (model.Metadata, error)
}

// Updater refreshes the downloader binary. Failures are logged and ignored.
type Updater interface {
	Update(ctx context.Context) error
}

type Option func(*Scheduler)

func WithConcurrency(n int) Option {
	return func(s *Scheduler) { s.limit = clampLimit(n) }
}

func WithMetadataFetcher(f MetadataFetcher) Option {
	return func(s *Scheduler) { s.fetcher = f }
}

// WithUpdater runs u once, synchronously, before the first batch of jobs
// is started.
func WithUpdater(u Updater) Option {
	return func(s *Scheduler) { s.updater = u }
}

func WithEventBuffer(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.eventBuffer = n
		}
	}
}

type activeJob struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Scheduler owns the job collections. Every mutation happens under mu;
// spawning, fetching and event emission happen after it is released.
type Scheduler struct {
	runner  Runner
	fetcher MetadataFetcher
	updater Updater
	log     zerolog.Logger

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu          sync.Mutex
	limit       int
	queue       []string
	active      map[string]*activeJob
	jobs        map[string]*model.Job
	updaterDone bool
	closed      bool

	eventBuffer  int
	events       chan model.Event
	backlogMu    sync.Mutex
	backlog      []model.Event
	eventsClosed bool
	wake         chan struct{}
	forwardDone  chan struct{}
	stopped      chan struct{}
	stopOnce     sync.Once
}

func New(runner Runner, logger zerolog.Logger, opts ...Option) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		runner:      runner,
		log:         logger.With().Str("component", "scheduler").Logger(),
		baseCtx:     ctx,
		baseCancel:  cancel,
		limit:       DefaultConcurrency,
		active:      map[string]*activeJob{},
		jobs:        map[string]*model.Job{},
		eventBuffer: defaultEventBuffer,
		wake:        make(chan struct{}, 1),
		forwardDone: make(chan struct{}),
		stopped:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.events = make(chan model.Event, s.eventBuffer)
	go s.forward()
	return s
}

// Events is the single multiplexed stream of job events. It is closed by
// Shutdown.
func (s *Scheduler) Events() <-chan model.Event {
	return s.events
}

// Enqueue reports whether url was accepted.
func (s *Scheduler) Enqueue(url string, opts model.FormatOptions, outputDir string) bool {
	_, err := s.Add(url, opts, outputDir)
	return err == nil
}

// Add is Enqueue with the canonical URL and the rejection reason.
func (s *Scheduler) Add(rawURL string, opts model.FormatOptions, outputDir string) (string, error) {
	url, err := Canonicalize(rawURL)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return url, model.ErrSchedulerClosed
	}
	if _, exists := s.jobs[url]; exists {
		s.mu.Unlock()
		s.log.Debug().Str("url", url).Msg("duplicate enqueue ignored")
		return url, model.ErrDuplicateJob
	}
	job := &model.Job{
		URL:        url,
		Options:    opts,
		OutputDir:  outputDir,
		Message:    "queued",
		EnqueuedAt: time.Now(),
	}
	if err := model.TransitionJobStatus(job, model.StatusQueued); err != nil {
		s.mu.Unlock()
		return url, err
	}
	s.jobs[url] = job
	s.queue = append(s.queue, url)
	counts := s.countsLocked()
	s.mu.Unlock()

	s.log.Info().Str("url", url).Str("output_dir", outputDir).Msg("job queued")
	s.publish(model.Event{Type: model.EventStatus, URL: url, Status: model.StatusQueued, Message: "queued"})
	s.publishQueue(counts)
	if s.fetcher != nil {
		go s.fetchMetadata(url, job)
	}
	s.ProcessQueue()
	return url, nil
}

// SetConcurrencyLimit clamps n to [1,5]. Raising the limit starts queued
// jobs; lowering it never preempts running ones.
func (s *Scheduler) SetConcurrencyLimit(n int) {
	s.mu.Lock()
	s.limit = clampLimit(n)
	limit := s.limit
	counts := s.countsLocked()
	s.mu.Unlock()

	s.log.Info().Int("limit", limit).Msg("concurrency limit changed")
	s.publishQueue(counts)
	s.ProcessQueue()
}

func (s *Scheduler) ConcurrencyLimit() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.limit
}

// ProcessQueue fills free slots from the front of the queue.
func (s *Scheduler) ProcessQueue() {
	type start struct {
		job model.Job
		ctx context.Context
		aj  *activeJob
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	var started []start
	for available := s.limit - len(s.active); available > 0 && len(s.queue) > 0; available-- {
		url := s.queue[0]
		s.queue = s.queue[1:]
		job := s.jobs[url]
		if err := model.TransitionJobStatus(job, model.StatusStarting); err != nil {
			s.log.Error().Err(err).Msg("skipping queued job")
			continue
		}
		job.AttemptID = uuid.NewString()
		job.StartedAt = time.Now()
		job.Message = "starting"
		ctx, cancel := context.WithCancel(s.baseCtx)
		aj := &activeJob{cancel: cancel, done: make(chan struct{})}
		s.active[url] = aj
		started = append(started, start{job: *job, ctx: ctx, aj: aj})
	}
	runUpdater := len(started) > 0 && s.updater != nil && !s.updaterDone
	if runUpdater {
		s.updaterDone = true
	}
	counts := s.countsLocked()
	s.mu.Unlock()

	if len(started) == 0 {
		return
	}
	if runUpdater {
		s.runUpdater()
	}
	s.publishQueue(counts)
	for _, st := range started {
		s.log.Info().Str("url", st.job.URL).Str("attempt_id", st.job.AttemptID).Msg("job starting")
		s.publish(model.Event{Type: model.EventStatus, URL: st.job.URL, Status: model.StatusStarting, Message: "starting"})
		go s.runJob(st.ctx, st.job, st.aj)
	}
}

func (s *Scheduler) runUpdater() {
	ctx, cancel := context.WithTimeout(s.baseCtx, defaultUpdaterTimeout)
	defer cancel()
	if err := s.updater.Update(ctx); err != nil {
		s.log.Warn().Err(err).Msg("downloader self-update failed, continuing")
	}
}

func (s *Scheduler) runJob(ctx context.Context, job model.Job, aj *activeJob) {
	defer close(aj.done)
	defer aj.cancel()

	res := s.runIsolated(ctx, job, aj)
	s.finish(job.URL, aj, res, ctx.Err() != nil)
	s.ProcessQueue()
}

// runIsolated keeps a panicking runner from taking down the scheduler.
func (s *Scheduler) runIsolated(ctx context.Context, job model.Job, aj *activeJob) (res model.Result) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().
				Str("url", job.URL).
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("job runner panicked")
			res = model.Result{Status: model.StatusError, ExitCode: -1, Err: fmt.Errorf("internal error: %v", r)}
		}
	}()
	return s.runner.Run(ctx, job, func(u model.Update) { s.applyUpdate(job.URL, aj, u) })
}

func phaseStatus(p model.Phase) model.JobStatus {
	switch p {
	case model.PhaseDownloading, model.PhaseSubtitles:
		return model.StatusDownloading
	case model.PhaseMerging, model.PhaseFixing, model.PhaseEmbedding:
		return model.StatusMerging
	default:
		return ""
	}
}

func (s *Scheduler) applyUpdate(url string, aj *activeJob, u model.Update) {
	s.mu.Lock()
	job, ok := s.jobs[url]
	if !ok || s.active[url] != aj || job.Cancelling || job.Status.IsTerminal() {
		s.mu.Unlock()
		return
	}
	statusChanged := false
	if target := phaseStatus(u.Phase); target != "" && target != job.Status && model.CanTransition(job.Status, target) {
		job.Status = target
		statusChanged = true
	}
	pct := min(max(u.Percent, 0), 100)
	if u.Reset || pct >= job.Percent {
		job.Percent = pct
	}
	if u.Filename != "" {
		job.Filename = u.Filename
	}
	job.Message = model.TruncateMessage(updateMessage(u), model.DisplayMessageLimit)
	ev := model.Event{
		Type:     model.EventProgress,
		URL:      url,
		Status:   job.Status,
		Percent:  job.Percent,
		Speed:    u.Speed,
		ETA:      u.ETA,
		Message:  job.Message,
		Filename: job.Filename,
	}
	s.mu.Unlock()

	if statusChanged {
		s.publish(model.Event{Type: model.EventStatus, URL: url, Status: ev.Status, Percent: ev.Percent, Message: ev.Message})
	}
	s.publish(ev)
}

func updateMessage(u model.Update) string {
	if u.Message != "" {
		return u.Message
	}
	msg := fmt.Sprintf("%.1f%%", u.Percent)
	if u.Size != "" {
		msg += " of " + u.Size
	}
	if u.Speed != "" {
		msg += " at " + u.Speed
	}
	if u.ETA != "" {
		msg += " ETA " + u.ETA
	}
	return msg
}

// finish records the terminal outcome. Cancellation wins over any other
// classification the runner made.
func (s *Scheduler) finish(url string, aj *activeJob, res model.Result, ctxCancelled bool) {
	s.mu.Lock()
	if s.active[url] == aj {
		delete(s.active, url)
	}
	job, ok := s.jobs[url]
	if !ok {
		s.mu.Unlock()
		return
	}
	status := res.Status
	if job.Cancelling || ctxCancelled || status == model.StatusCancelled {
		status = model.StatusCancelled
		if job.Status != model.StatusCancelling {
			_ = model.TransitionJobStatus(job, model.StatusCancelling)
		}
	}
	if !status.IsTerminal() {
		status = model.StatusError
		if res.Err == nil {
			res.Err = fmt.Errorf("runner returned non-terminal status %q", res.Status)
		}
	}
	if err := model.TransitionJobStatus(job, status); err != nil {
		s.log.Warn().Err(err).Msg("forcing terminal status")
		job.Status = status
	}

	errText := ""
	switch status {
	case model.StatusComplete:
		job.Percent = 100
		job.Message = "completed"
	case model.StatusAlreadyExists:
		job.Message = "already downloaded"
	case model.StatusCancelled:
		job.Message = "cancelled"
	case model.StatusError:
		if res.Err != nil {
			errText = res.Err.Error()
		} else {
			errText = "download failed"
		}
		job.Message = model.TruncateMessage(errText, model.DisplayMessageLimit)
	}
	if res.Filename != "" {
		job.Filename = res.Filename
	}
	if res.FormatSpec != "" {
		job.FormatSpec = res.FormatSpec
	}
	job.Cancelling = false
	job.Dismissable = true
	job.FinishedAt = time.Now()
	snap := *job
	counts := s.countsLocked()
	s.mu.Unlock()

	logEvent := s.log.Info()
	if status == model.StatusError {
		logEvent = s.log.Error().Str("error", errText)
	}
	logEvent.Str("url", url).Str("status", string(status)).Str("filename", snap.Filename).Int("exit_code", res.ExitCode).Msg("job finished")

	s.publish(model.Event{Type: model.EventStatus, URL: url, Status: status, Percent: snap.Percent, Message: snap.Message, Filename: snap.Filename})
	s.publish(model.Event{
		Type:     model.EventFinished,
		URL:      url,
		Status:   status,
		Percent:  snap.Percent,
		Message:  snap.Message,
		Filename: snap.Filename,
		Title:    snap.Title,
		Error:    errText,
	})
	s.publishQueue(counts)
}

// Cancel removes a queued or terminal job, or asks an active one to stop.
// An active job leaves the active set only when its runner returns.
func (s *Scheduler) Cancel(rawURL string) bool {
	url, err := Canonicalize(rawURL)
	if err != nil {
		return false
	}
	s.mu.Lock()
	job, ok := s.jobs[url]
	if !ok {
		s.mu.Unlock()
		return false
	}

	if job.Status == model.StatusQueued {
		s.removeQueuedLocked(url)
		delete(s.jobs, url)
		counts := s.countsLocked()
		s.mu.Unlock()
		s.log.Info().Str("url", url).Msg("queued job removed")
		s.publishQueue(counts)
		return true
	}

	if aj, running := s.active[url]; running {
		if job.Cancelling {
			s.mu.Unlock()
			return true
		}
		if err := model.TransitionJobStatus(job, model.StatusCancelling); err != nil {
			s.mu.Unlock()
			s.log.Warn().Err(err).Msg("cancel ignored")
			return false
		}
		job.Cancelling = true
		job.Message = "cancelling"
		pct := job.Percent
		s.mu.Unlock()

		s.log.Info().Str("url", url).Msg("cancelling job")
		s.publish(model.Event{Type: model.EventStatus, URL: url, Status: model.StatusCancelling, Percent: pct, Message: "cancelling"})
		aj.cancel()
		return true
	}

	if job.Status.IsTerminal() {
		delete(s.jobs, url)
		counts := s.countsLocked()
		s.mu.Unlock()
		s.publishQueue(counts)
		return true
	}
	s.mu.Unlock()
	return false
}

// DismissError prunes a job in a terminal state.
func (s *Scheduler) DismissError(rawURL string) bool {
	url, err := Canonicalize(rawURL)
	if err != nil {
		return false
	}
	s.mu.Lock()
	job, ok := s.jobs[url]
	if !ok || !job.Status.IsTerminal() {
		s.mu.Unlock()
		return false
	}
	delete(s.jobs, url)
	counts := s.countsLocked()
	s.mu.Unlock()
	s.publishQueue(counts)
	return true
}

// Shutdown stops queue filling, cancels every active job and waits up to
// timeout for them. Jobs still running afterwards are logged, not awaited.
// The event channel is closed on return.
func (s *Scheduler) Shutdown(timeout time.Duration) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	pending := make(map[string]*activeJob, len(s.active))
	for url, aj := range s.active {
		if job := s.jobs[url]; job != nil && !job.Cancelling {
			if model.TransitionJobStatus(job, model.StatusCancelling) == nil {
				job.Cancelling = true
				job.Message = "cancelling"
			}
		}
		pending[url] = aj
	}
	s.mu.Unlock()

	s.log.Info().Int("active", len(pending)).Dur("timeout", timeout).Msg("scheduler shutting down")
	for _, aj := range pending {
		aj.cancel()
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	expired := false
	for url, aj := range pending {
		if !expired {
			select {
			case <-aj.done:
				continue
			case <-timer.C:
				expired = true
			}
		}
		select {
		case <-aj.done:
		default:
			s.log.Warn().Str("url", url).Msg("job did not finish before shutdown timeout")
		}
	}

	s.baseCancel()
	s.closeEvents()
}

func (s *Scheduler) closeEvents() {
	s.stopOnce.Do(func() {
		s.backlogMu.Lock()
		s.eventsClosed = true
		s.backlogMu.Unlock()
		close(s.stopped)
		<-s.forwardDone
	})
}

// publish appends ev to the backlog and never blocks the caller. Progress
// events are dropped once the backlog holds a full buffer's worth, and a
// queue-changed event replaces a pending one that was not yet delivered.
func (s *Scheduler) publish(ev model.Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	s.backlogMu.Lock()
	if s.eventsClosed {
		s.backlogMu.Unlock()
		return
	}
	n := len(s.backlog)
	switch {
	case ev.Type == model.EventProgress && n >= s.eventBuffer:
		s.backlogMu.Unlock()
		return
	case ev.Type == model.EventQueueChanged && n > 0 && s.backlog[n-1].Type == model.EventQueueChanged:
		s.backlog[n-1] = ev
	default:
		s.backlog = append(s.backlog, ev)
	}
	s.backlogMu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// forward moves the backlog into the events channel in order. On stop it
// hands over whatever still fits without blocking and closes the channel.
func (s *Scheduler) forward() {
	defer close(s.forwardDone)
	for {
		s.backlogMu.Lock()
		batch := s.backlog
		s.backlog = nil
		s.backlogMu.Unlock()

		for i, ev := range batch {
			select {
			case s.events <- ev:
			case <-s.stopped:
				s.flush(batch[i:])
				return
			}
		}
		select {
		case <-s.wake:
		case <-s.stopped:
			s.flush(nil)
			return
		}
	}
}

func (s *Scheduler) flush(rest []model.Event) {
	s.backlogMu.Lock()
	rest = append(rest, s.backlog...)
	s.backlog = nil
	s.backlogMu.Unlock()

	dropped := 0
	for _, ev := range rest {
		select {
		case s.events <- ev:
		default:
			dropped++
		}
	}
	if dropped > 0 {
		s.log.Warn().Int("dropped", dropped).Msg("events undelivered at shutdown")
	}
	close(s.events)
}

func (s *Scheduler) publishQueue(c model.Counts) {
	s.publish(model.Event{Type: model.EventQueueChanged, Queued: c.Queued, Active: c.Active})
}

func (s *Scheduler) fetchMetadata(url string, job *model.Job) {
	ctx, cancel := context.WithTimeout(s.baseCtx, defaultMetadataTimeout)
	defer cancel()
	meta, err := s.fetcher.Fetch(ctx, url)
	if err != nil {
		s.log.Debug().Err(err).Str("url", url).Msg("metadata fetch failed")
		return
	}
	if meta.Title == "" && meta.Thumbnail == "" {
		return
	}

	s.mu.Lock()
	// The job may have been removed, or replaced by a new enqueue.
	if s.jobs[url] != job {
		s.mu.Unlock()
		return
	}
	if meta.Title != "" {
		job.Title = meta.Title
	}
	if meta.Thumbnail != "" {
		job.Thumbnail = meta.Thumbnail
	}
	status := job.Status
	s.mu.Unlock()

	s.publish(model.Event{Type: model.EventMetadata, URL: url, Status: status, Title: meta.Title, Thumbnail: meta.Thumbnail})
}

func (s *Scheduler) removeQueuedLocked(url string) {
	for i, u := range s.queue {
		if u == url {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return
		}
	}
}

func (s *Scheduler) countsLocked() model.Counts {
	c := model.Counts{Queued: len(s.queue), Active: len(s.active), Limit: s.limit}
	for _, job := range s.jobs {
		switch job.Status {
		case model.StatusComplete, model.StatusAlreadyExists:
			c.Completed++
		case model.StatusError, model.StatusCancelled:
			c.Errored++
		}
	}
	return c
}

func (s *Scheduler) Counts() model.Counts {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.countsLocked()
}

// Job returns a snapshot of the job tracked under url.
func (s *Scheduler) Job(rawURL string) (model.Job, bool) {
	url, err := Canonicalize(rawURL)
	if err != nil {
		return model.Job{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[url]
	if !ok {
		return model.Job{}, false
	}
	return *job, true
}

// Jobs returns snapshots ordered by enqueue time.
func (s *Scheduler) Jobs() []model.Job {
	s.mu.Lock()
	out := make([]model.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, *job)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].EnqueuedAt.Equal(out[j].EnqueuedAt) {
			return out[i].URL < out[j].URL
		}
		return out[i].EnqueuedAt.Before(out[j].EnqueuedAt)
	})
	return out
}

func (s *Scheduler) Status(url string) (model.JobStatus, bool) {
	job, ok := s.Job(url)
	return job.Status, ok
}

func (s *Scheduler) Progress(url string) (float64, bool) {
	job, ok := s.Job(url)
	return job.Percent, ok
}

func (s *Scheduler) Title(url string) (string, bool) {
	job, ok := s.Job(url)
	return job.Title, ok
}

func (s *Scheduler) Thumbnail(url string) (string, bool) {
	job, ok := s.Job(url)
	return job.Thumbnail, ok
}

func (s *Scheduler) Filename(url string) (string, bool) {
	job, ok := s.Job(url)
	return job.Filename, ok && job.Filename != ""
}

// OutputPath joins the output directory and the resolved filename.
func (s *Scheduler) OutputPath(url string) (string, bool) {
	job, ok := s.Job(url)
	if !ok || job.Filename == "" {
		return "", false
	}
	return filepath.Join(job.OutputDir, job.Filename), true
}

func clampLimit(n int) int {
	return min(max(n, MinConcurrency), MaxConcurrency)
}
