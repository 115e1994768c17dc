package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"yt-queue/internal/api"
	"yt-queue/internal/config"
	"yt-queue/internal/eventsink"
	"yt-queue/internal/history"
	"yt-queue/internal/logger"
	"yt-queue/internal/runstore"
	"yt-queue/internal/updater"
	"yt-queue/internal/websocket"
)

func runServe(args []string) error {
	fs := newFlagSet("serve")
	configPath := addConfigFlag(fs)
	host := fs.String("host", "", "listen host (default from config)")
	port := fs.Int("port", 0, "listen port (default from config)")
	concurrency := fs.Int("concurrency", 0, "parallel downloads, 1-5 (default from config)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := noExtraArgs(fs.Args()); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if v := strings.TrimSpace(*host); v != "" {
		cfg.Server.Host = v
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}

	lock, err := runstore.AcquireDataLock(cfg.DataDir)
	if err != nil {
		return err
	}
	defer func() {
		_ = lock.Release()
	}()

	broadcaster := logger.NewLogBroadcaster(nil, cfg.Logging.BufferSize)
	log := newLogger(cfg, nil, broadcaster)
	defer log.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := websocket.NewHub(log.Logger)
	broadcaster.SetHub(hub)
	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	go hub.Run(hubCtx)

	sched := newScheduler(cfg, *concurrency, true, log.Logger)
	sinks := []eventsink.Sink{eventsink.NewHubSink(hub)}

	deps := api.Deps{
		Jobs:      sched,
		Prober:    newSelector(cfg, log.Logger),
		Logs:      broadcaster,
		Hub:       hub,
		OutputDir: cfg.Downloader.OutputDir,
		Options:   cfg.FormatOptions(),
	}

	if cfg.History.Enabled {
		store, err := history.Open(cfg.HistoryPath(), log.Logger)
		if err != nil {
			return fmt.Errorf("open history: %w", err)
		}
		defer store.Close()
		pruneHistory(ctx, store, cfg.History.RetentionDays, log)
		deps.History = store
		sinks = append(sinks, eventsink.NewHistorySink(store, sched.Job))
	}

	if client := eventsink.NewRedisClient(redisConfig(cfg)); client != nil {
		if err := eventsink.PingRedis(ctx, client); err != nil {
			log.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis unreachable at startup")
		}
		sink := eventsink.NewRedisSink(client, redisConfig(cfg))
		defer sink.Close()
		sinks = append(sinks, sink)
	}

	upd := newUpdater(cfg, log.Logger)
	deps.Updater = upd
	var schedule *updater.Schedule
	if cron := strings.TrimSpace(cfg.Updater.Cron); cron != "" {
		schedule, err = updater.NewSchedule(upd, cron, log.Logger)
		if err != nil {
			return err
		}
		schedule.Start()
		deps.Updater = schedule
	}

	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		eventsink.Pump(context.Background(), sched.Events(), log.Logger, sinks...)
	}()

	server := api.NewServer(deps, log.Logger)
	addr := cfg.Server.Address()
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Start(addr)
	}()
	log.Info().Str("addr", addr).Str("data_dir", cfg.DataDir).Int("concurrency", sched.ConcurrencyLimit()).Msg("yt-queue serving")

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown requested")
	case err := <-serveErr:
		runErr = err
	}

	timeout := config.Duration(cfg.Server.ShutdownTimeout, defaultShutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("api shutdown")
	}
	sched.Shutdown(timeout)
	<-pumpDone
	if schedule != nil {
		if err := schedule.Stop(); err != nil {
			log.Warn().Err(err).Msg("updater schedule shutdown")
		}
	}
	stopHub()
	log.Info().Msg("yt-queue stopped")
	return runErr
}

func redisConfig(cfg *config.Config) eventsink.RedisConfig {
	return eventsink.RedisConfig{
		Addr:            cfg.Redis.Addr,
		Password:        cfg.Redis.Password,
		DB:              cfg.Redis.DB,
		Stream:          cfg.Redis.Stream,
		MaxLen:          cfg.Redis.MaxLen,
		IncludeProgress: cfg.Redis.IncludeProgress,
	}
}

func pruneHistory(ctx context.Context, store *history.Store, retentionDays int, log *logger.Logger) {
	if retentionDays <= 0 {
		return
	}
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	n, err := store.Prune(ctx, cutoff)
	if err != nil {
		log.Warn().Err(err).Msg("history prune failed")
		return
	}
	if n > 0 {
		log.Info().Int64("removed", n).Int("retention_days", retentionDays).Msg("history pruned")
	}
}
