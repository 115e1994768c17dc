package cli

import (
	"flag"
	"io"

	"github.com/rs/zerolog"

	"yt-queue/internal/config"
	"yt-queue/internal/format"
	"yt-queue/internal/logger"
	"yt-queue/internal/metadata"
	"yt-queue/internal/scheduler"
	"yt-queue/internal/supervisor"
	"yt-queue/internal/updater"
)

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(flag.CommandLine.Output())
	return fs
}

func addConfigFlag(fs *flag.FlagSet) *string {
	return fs.String("config", "", "path to config file (default: ./config.yaml, ./configs, ~/.yt-queue)")
}

// newLogger builds the process logger. A nil console keeps stderr.
func newLogger(cfg *config.Config, console, extra io.Writer) *logger.Logger {
	return logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Path:       cfg.Logging.Path,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
		Console:    console,
		Extra:      extra,
	})
}

func newSelector(cfg *config.Config, log zerolog.Logger) *format.Selector {
	timeout := config.Duration(cfg.Downloader.ProbeTimeout, format.DefaultProbeTimeout)
	return format.NewSelector(cfg.Downloader.Binary, timeout, log)
}

func newUpdater(cfg *config.Config, log zerolog.Logger) *updater.Updater {
	return updater.New(cfg.Downloader.Binary, config.Duration(cfg.Updater.Timeout, updater.DefaultTimeout), log)
}

// newScheduler wires the downloader stack described by cfg. concurrency
// overrides the configured limit when positive.
func newScheduler(cfg *config.Config, concurrency int, withMetadata bool, log zerolog.Logger) *scheduler.Scheduler {
	d := cfg.Downloader
	runner := supervisor.NewRunner(supervisor.RunnerOptions{
		Binary:       d.Binary,
		ProbeTimeout: config.Duration(d.ProbeTimeout, format.DefaultProbeTimeout),
		TermTimeout:  config.Duration(d.TermTimeout, supervisor.DefaultTermTimeout),
		SettleDelay:  config.Duration(d.SettleDelay, supervisor.DefaultSettleDelay),
		OutputLines:  d.OutputLines,
		Reliability:  d.Reliability,
	}, newSelector(cfg, log), log)

	if concurrency <= 0 {
		concurrency = d.Concurrency
	}
	opts := []scheduler.Option{scheduler.WithConcurrency(concurrency)}
	if withMetadata && cfg.Metadata.Enabled {
		timeout := config.Duration(cfg.Metadata.Timeout, metadata.DefaultTimeout)
		opts = append(opts, scheduler.WithMetadataFetcher(metadata.NewFetcher(timeout, log)))
	}
	if cfg.Updater.OnFirstBatch {
		opts = append(opts, scheduler.WithUpdater(newUpdater(cfg, log)))
	}
	return scheduler.New(runner, log, opts...)
}
