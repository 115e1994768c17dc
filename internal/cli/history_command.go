package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"yt-queue/internal/config"
	"yt-queue/internal/history"
	"yt-queue/internal/model"
	"yt-queue/internal/scheduler"
)

func runHistory(args []string) error {
	fs := newFlagSet("history")
	configPath := addConfigFlag(fs)
	limit := fs.Int("limit", history.DefaultListLimit, "maximum entries, newest first")
	status := fs.String("status", "", "only entries with this status (complete, error, cancelled, already_exists)")
	url := fs.String("url", "", "only entries for this url")
	prune := fs.Int("prune-days", 0, "delete entries older than N days instead of listing")
	jsonOut := fs.Bool("json", false, "print JSON output")
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
	if !cfg.History.Enabled {
		return errors.New("history is disabled (history.enabled=false)")
	}
	log := newLogger(cfg, nil, nil)
	defer log.Close()

	store, err := history.Open(cfg.HistoryPath(), log.Logger)
	if err != nil {
		return err
	}
	defer store.Close()
	ctx := context.Background()

	if *prune > 0 {
		n, err := store.Prune(ctx, time.Now().AddDate(0, 0, -*prune))
		if err != nil {
			return err
		}
		if *jsonOut {
			return printJSON(map[string]int64{"removed": n})
		}
		fmt.Printf("removed %d entries older than %d days\n", n, *prune)
		return nil
	}

	st := model.JobStatus(strings.TrimSpace(*status))
	if st != "" && !st.IsTerminal() {
		return fmt.Errorf("invalid --status %q", st)
	}
	u := strings.TrimSpace(*url)
	if u != "" {
		if canonical, err := scheduler.Canonicalize(u); err == nil {
			u = canonical
		}
	}
	entries, err := store.List(ctx, history.ListOptions{Limit: *limit, Status: st, URL: u})
	if err != nil {
		return err
	}
	if *jsonOut {
		if entries == nil {
			entries = []history.Entry{}
		}
		return printJSON(entries)
	}
	if len(entries) == 0 {
		fmt.Println("no downloads recorded yet")
		return nil
	}
	for _, e := range entries {
		name := e.Filename
		if name == "" {
			name = e.Message
		}
		label := e.Title
		if label == "" {
			label = e.URL
		}
		fmt.Printf("%s  %-14s %s  %s\n", e.FinishedAt.Local().Format("2006-01-02 15:04"), e.Status, truncateRunes(label, 60), name)
	}
	return nil
}
