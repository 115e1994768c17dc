package supervisor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"yt-queue/internal/format"
	"yt-queue/internal/model"
	"yt-queue/internal/ytdlp"
)

// Picker resolves a selection policy into a format spec.
type Picker interface {
	Pick(ctx context.Context, url string, policy model.SelectionPolicy) (format.PickResult, error)
}

type RunnerOptions struct {
	Binary       string
	ProbeTimeout time.Duration
	TermTimeout  time.Duration
	SettleDelay  time.Duration
	OutputLines  int
	Reliability  ytdlp.Reliability
}

// Runner starts one Supervisor per job. It satisfies scheduler.Runner.
type Runner struct {
	opts   RunnerOptions
	picker Picker
	log    zerolog.Logger
}

func NewRunner(opts RunnerOptions, picker Picker, logger zerolog.Logger) *Runner {
	log := logger.With().Str("component", "supervisor").Logger()
	if picker == nil {
		picker = format.NewSelector(opts.Binary, opts.ProbeTimeout, logger)
	}
	if opts.SettleDelay == 0 {
		opts.SettleDelay = DefaultSettleDelay
	}
	return &Runner{opts: opts, picker: picker, log: log}
}

func (r *Runner) Run(ctx context.Context, job model.Job, emit func(model.Update)) model.Result {
	log := r.log.With().Str("url", job.URL).Str("attempt_id", job.AttemptID).Logger()

	spec, audioOnly := r.resolveFormat(ctx, job, log)
	if ctx.Err() != nil {
		return model.Result{Status: model.StatusCancelled, FormatSpec: spec, Err: model.ErrCancelled}
	}

	args, err := ytdlp.BuildDownloadArgs(ytdlp.DownloadArgs{
		URL:                job.URL,
		Format:             spec,
		OutputDir:          job.OutputDir,
		OutputTemplate:     job.Options.OutputTemplate,
		ExtractorArgs:      job.Options.ExtractorArgs,
		FormatSort:         job.Options.FormatSort,
		MergeOutputFormat:  job.Options.MergeOutputFormat,
		AudioOnly:          audioOnly,
		Subtitles:          job.Options.Subtitles,
		SubLangs:           job.Options.SubLangs,
		SubFormat:          job.Options.SubFormat,
		CookiesPath:        job.Options.Cookies.File,
		CookiesFromBrowser: job.Options.Cookies.FromBrowser,
		Reliability:        r.opts.Reliability,
	})
	if err != nil {
		return model.Result{Status: model.StatusError, FormatSpec: spec, ExitCode: -1, Err: fmt.Errorf("%w: %w", model.ErrSpawnFailed, err)}
	}

	sup := New(Config{
		Binary:      r.opts.Binary,
		Args:        args,
		OutputDir:   job.OutputDir,
		TermTimeout: r.opts.TermTimeout,
		SettleDelay: r.opts.SettleDelay,
		OutputLines: r.opts.OutputLines,
		Logger:      log,
	})
	res := sup.Run(ctx, emit)
	res.FormatSpec = spec
	return res
}

// resolveFormat picks a spec from the job's policy when it has one. A failed
// probe falls back to the caller's selector string, or a generic one.
func (r *Runner) resolveFormat(ctx context.Context, job model.Job, log zerolog.Logger) (string, bool) {
	legacy := strings.TrimSpace(job.Options.Format)
	policy := job.Options.Policy
	if policy == nil {
		return legacy, false
	}
	res, err := r.picker.Pick(ctx, job.URL, *policy)
	if err != nil {
		if ctx.Err() != nil {
			return legacy, policy.AudioOnly
		}
		fallback := format.PickFormat(nil, *policy)
		spec := legacy
		if spec == "" {
			spec = fallback.FormatSpec
		}
		log.Warn().Err(err).Str("format_spec", spec).Msg("format probe failed, using fallback selector")
		return spec, policy.AudioOnly
	}
	log.Info().Str("format_spec", res.FormatSpec).Str("kind", string(res.Kind)).Msg("format selected")
	return res.FormatSpec, res.AudioOnly()
}
