package updater

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog"

	"yt-queue/internal/ytdlp"
)

const DefaultTimeout = 2 * time.Minute

var ErrUpdateRunning = errors.New("yt-dlp update already running")

// Info describes the most recent update attempt.
type Info struct {
	LastRun  *time.Time `json:"last_run,omitempty"`
	NextRun  *time.Time `json:"next_run,omitempty"`
	Output   string     `json:"output,omitempty"`
	Error    string     `json:"error,omitempty"`
	Running  bool       `json:"running"`
	Schedule string     `json:"schedule,omitempty"`
}

// Updater runs "yt-dlp -U". Concurrent calls do not stack: a second caller
// gets ErrUpdateRunning.
type Updater struct {
	binary  string
	timeout time.Duration
	log     zerolog.Logger

	running atomic.Bool
	mu      sync.RWMutex
	lastRun *time.Time
	output  string
	lastErr error
}

func New(binary string, timeout time.Duration, logger zerolog.Logger) *Updater {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Updater{
		binary:  binary,
		timeout: timeout,
		log:     logger.With().Str("component", "updater").Logger(),
	}
}

func (u *Updater) Update(ctx context.Context) error {
	if !u.running.CompareAndSwap(false, true) {
		return ErrUpdateRunning
	}
	defer u.running.Store(false)

	ctx, cancel := context.WithTimeout(ctx, u.timeout)
	defer cancel()

	start := time.Now()
	u.log.Info().Str("binary", u.binary).Msg("Updating yt-dlp")
	out, err := ytdlp.SelfUpdate(ctx, u.binary)
	if err != nil && ctx.Err() == context.DeadlineExceeded {
		err = fmt.Errorf("yt-dlp update timed out after %s: %w", u.timeout, err)
	}

	u.mu.Lock()
	u.lastRun = &start
	u.output = out
	u.lastErr = err
	u.mu.Unlock()

	if err != nil {
		u.log.Warn().Err(err).Dur("duration", time.Since(start)).Msg("yt-dlp update failed")
		return err
	}
	u.log.Info().Str("output", lastLine(out)).Dur("duration", time.Since(start)).Msg("yt-dlp update finished")
	return nil
}

func (u *Updater) Info() Info {
	u.mu.RLock()
	defer u.mu.RUnlock()
	info := Info{LastRun: u.lastRun, Output: u.output, Running: u.running.Load()}
	if u.lastErr != nil {
		info.Error = u.lastErr.Error()
	}
	return info
}

// Schedule runs an Updater periodically on a cron expression.
type Schedule struct {
	gocron  gocron.Scheduler
	job     gocron.Job
	updater *Updater
	cron    string
	log     zerolog.Logger
}

func NewSchedule(u *Updater, cron string, logger zerolog.Logger) (*Schedule, error) {
	gs, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}
	s := &Schedule{
		gocron:  gs,
		updater: u,
		cron:    cron,
		log:     logger.With().Str("component", "updater").Logger(),
	}
	job, err := gs.NewJob(
		gocron.CronJob(cron, false),
		gocron.NewTask(s.run),
		gocron.WithName("yt-dlp self-update"),
		gocron.WithTags("updater"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = gs.Shutdown()
		return nil, fmt.Errorf("failed to schedule updater %q: %w", cron, err)
	}
	s.job = job
	s.log.Info().Str("cron", cron).Msg("Registered updater schedule")
	return s, nil
}

func (s *Schedule) run() {
	if err := s.updater.Update(context.Background()); err != nil && !errors.Is(err, ErrUpdateRunning) {
		s.log.Error().Err(err).Msg("Scheduled update failed")
	}
}

func (s *Schedule) Start() {
	s.gocron.Start()
}

func (s *Schedule) Stop() error {
	return s.gocron.Shutdown()
}

// Info adds the schedule to the updater's last-run report.
// Update runs the wrapped updater immediately, outside the cron cadence.
func (s *Schedule) Update(ctx context.Context) error {
	return s.updater.Update(ctx)
}

func (s *Schedule) Info() Info {
	info := s.updater.Info()
	info.Schedule = s.cron
	if next, err := s.job.NextRun(); err == nil && !next.IsZero() {
		info.NextRun = &next
	}
	return info
}

func lastLine(s string) string {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '\n' {
			return s[i+1:]
		}
	}
	return s
}
