package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"yt-queue/internal/config"
	"yt-queue/internal/eventsink"
	"yt-queue/internal/history"
	"yt-queue/internal/model"
)

const defaultShutdownTimeout = 10 * time.Second

// policyFlags are the selection overrides shared by get and probe.
type policyFlags struct {
	height    *int
	width     *int
	audioOnly *bool
	langs     *string
	protocol  *string
	codecs    *string
}

func addPolicyFlags(fs *flag.FlagSet) policyFlags {
	return policyFlags{
		height:    fs.Int("height", 0, "target video height, e.g. 1080"),
		width:     fs.Int("width", 0, "target video width"),
		audioOnly: fs.Bool("audio-only", false, "download the best audio track only"),
		langs:     fs.String("lang", "", "preferred audio languages, comma-separated (e.g. en,de)"),
		protocol:  fs.String("protocol", "", "preferred protocol (https, m3u8, dash)"),
		codecs:    fs.String("codecs", "", "preferred video codecs in order, comma-separated"),
	}
}

func (p policyFlags) set() bool {
	return *p.height > 0 || *p.width > 0 || *p.audioOnly || strings.TrimSpace(*p.langs) != "" ||
		strings.TrimSpace(*p.protocol) != "" || strings.TrimSpace(*p.codecs) != ""
}

// apply layers the flags over base. The result is a fresh copy.
func (p policyFlags) apply(base model.SelectionPolicy) model.SelectionPolicy {
	out := base
	out.AvoidProtocols = append([]string(nil), base.AvoidProtocols...)
	out.VideoCodecs = append([]string(nil), base.VideoCodecs...)
	out.Languages = append([]string(nil), base.Languages...)
	if *p.height > 0 {
		out.TargetHeight = *p.height
	}
	if *p.width > 0 {
		out.TargetWidth = *p.width
	}
	if *p.audioOnly {
		out.AudioOnly = true
	}
	if v := splitAndClean(*p.langs); len(v) > 0 {
		out.Languages = v
	}
	if v := strings.TrimSpace(*p.protocol); v != "" {
		out.PreferredProtocol = v
	}
	if v := splitAndClean(*p.codecs); len(v) > 0 {
		out.VideoCodecs = v
	}
	return out
}

func runGet(args []string) error {
	fs := newFlagSet("get")
	configPath := addConfigFlag(fs)
	outputDir := fs.String("output-dir", "", "download directory (default from config)")
	concurrency := fs.Int("concurrency", 0, "parallel downloads, 1-5 (default from config)")
	formatSpec := fs.String("format", "", "raw yt-dlp -f selector; disables format selection")
	mergeFormat := fs.String("merge-format", "", "merge container, e.g. mp4 or mkv")
	subs := fs.Bool("subs", false, "download and embed subtitles")
	subLangs := fs.String("sub-langs", "", "subtitle languages, comma-separated")
	cookies := fs.String("cookies", "", "path to a Netscape cookies.txt")
	browserCookies := fs.String("browser-cookies", "", "read cookies from a browser profile (e.g. firefox)")
	useTUI := fs.Bool("tui", false, "interactive dashboard with progress bars")
	jsonOut := fs.Bool("json", false, "print every event as a JSON line")
	noMetadata := fs.Bool("no-metadata", false, "skip the title/thumbnail page fetch")
	noHistory := fs.Bool("no-history", false, "do not record finished downloads")
	policy := addPolicyFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	urls := fs.Args()
	if len(urls) == 0 {
		return errors.New("get requires at least one url")
	}
	if *useTUI && *jsonOut {
		return errors.New("use either --tui or --json")
	}
	if strings.TrimSpace(*cookies) != "" && strings.TrimSpace(*browserCookies) != "" {
		return errors.New("use either --cookies or --browser-cookies")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	opts := cfg.FormatOptions()
	if v := strings.TrimSpace(*formatSpec); v != "" {
		opts.Format = v
		opts.Policy = nil
	} else if policy.set() {
		p := policy.apply(cfg.Selection.SelectionPolicy)
		opts.Policy = &p
	}
	if v := strings.TrimSpace(*mergeFormat); v != "" {
		opts.MergeOutputFormat = v
	}
	if *subs {
		opts.Subtitles = true
	}
	if v := splitAndClean(*subLangs); len(v) > 0 {
		opts.SubLangs = v
	}
	if v := strings.TrimSpace(*cookies); v != "" {
		opts.Cookies = model.CookieMode{File: v}
	}
	if v := strings.TrimSpace(*browserCookies); v != "" {
		opts.Cookies = model.CookieMode{FromBrowser: v}
	}
	dir := strings.TrimSpace(*outputDir)
	if dir == "" {
		dir = cfg.Downloader.OutputDir
	}

	var console io.Writer
	if *useTUI {
		console = io.Discard
	}
	log := newLogger(cfg, console, nil)
	defer log.Close()

	sched := newScheduler(cfg, *concurrency, !*noMetadata, log.Logger)
	tracker := newCompletion(sched.Job)
	var sinks []eventsink.Sink

	if cfg.History.Enabled && !*noHistory {
		store, err := history.Open(cfg.HistoryPath(), log.Logger)
		if err != nil {
			log.Warn().Err(err).Msg("history disabled for this run")
		} else {
			defer store.Close()
			sinks = append(sinks, eventsink.NewHistorySink(store, sched.Job))
		}
	}

	var dash *dashboard
	var ui *tuiSession
	switch {
	case *jsonOut:
		sinks = append(sinks, newJSONSink(os.Stdout))
	case *useTUI:
		ui = newTUISession(sched, tea.WithAltScreen())
		sinks = append(sinks, ui)
	default:
		dash = newDashboard(os.Stdout, stdoutIsTTY(), sched.ConcurrencyLimit)
		sinks = append(sinks, dash)
	}

	// Last, so every other sink has seen a finished event before shutdown.
	sinks = append(sinks, tracker)

	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		eventsink.Pump(context.Background(), sched.Events(), log.Logger, sinks...)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	accepted := make([]string, 0, len(urls))
	for _, raw := range urls {
		canonical, err := sched.Add(raw, opts, dir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "skip %s: %v\n", raw, err)
			continue
		}
		accepted = append(accepted, canonical)
	}
	tracker.seal(accepted)
	shutdownTimeout := config.Duration(cfg.Server.ShutdownTimeout, defaultShutdownTimeout)
	if len(accepted) == 0 {
		sched.Shutdown(shutdownTimeout)
		<-pumpDone
		return errors.New("no urls were queued")
	}

	if dash != nil {
		dash.Start()
	}
	if ui != nil {
		if err := ui.Run(ctx, tracker.Done()); err != nil {
			log.Warn().Err(err).Msg("dashboard exited with error")
		}
	} else {
		select {
		case <-tracker.Done():
		case <-ctx.Done():
			fmt.Fprintln(os.Stderr, "interrupted, cancelling downloads")
		}
	}

	sched.Shutdown(shutdownTimeout)
	<-pumpDone
	if dash != nil {
		dash.Stop()
	}

	if failed := tracker.Failed(); failed > 0 {
		return fmt.Errorf("%d of %d download(s) failed", failed, len(accepted))
	}
	return nil
}

// completion closes Done once every tracked URL is terminal or gone.
type completion struct {
	mu     sync.Mutex
	lookup eventsink.JobLookup
	urls   []string
	sealed bool
	failed int
	done   chan struct{}
	once   sync.Once
}

func newCompletion(lookup eventsink.JobLookup) *completion {
	return &completion{lookup: lookup, done: make(chan struct{})}
}

func (c *completion) Name() string { return "completion" }

func (c *completion) Handle(_ context.Context, ev model.Event) error {
	switch ev.Type {
	case model.EventFinished:
		if ev.Status == model.StatusError {
			c.mu.Lock()
			c.failed++
			c.mu.Unlock()
		}
		c.check()
	case model.EventQueueChanged:
		c.check()
	}
	return nil
}

func (c *completion) seal(urls []string) {
	c.mu.Lock()
	c.urls = append([]string(nil), urls...)
	c.sealed = true
	c.mu.Unlock()
	c.check()
}

func (c *completion) check() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.sealed {
		return
	}
	for _, u := range c.urls {
		if job, ok := c.lookup(u); ok && !job.Status.IsTerminal() {
			return
		}
	}
	c.once.Do(func() { close(c.done) })
}

func (c *completion) Done() <-chan struct{} { return c.done }

func (c *completion) Failed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failed
}

