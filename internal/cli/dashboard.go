package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"yt-queue/internal/model"
)

const (
	dashboardRefresh = 700 * time.Millisecond
	dashboardEvents  = 8
)

var reRate = regexp.MustCompile(`^([0-9]+(?:\.[0-9]+)?)\s*([kmgt]?i?b)/s$`)

type jobRow struct {
	url      string
	title    string
	status   model.JobStatus
	percent  float64
	speed    string
	eta      string
	message  string
	rateMbp  float64
	position int
}

// dashboard renders scheduler events for `get`. In live mode it redraws the
// whole screen on a ticker; otherwise it prints one line per state change.
type dashboard struct {
	mu sync.Mutex

	out   io.Writer
	live  bool
	limit func() int

	rows   map[string]*jobRow
	next   int
	events []string

	queued    int
	active    int
	completed int
	failed    int

	stop    chan struct{}
	stopped sync.Once
}

func newDashboard(out io.Writer, live bool, limit func() int) *dashboard {
	return &dashboard{
		out:    out,
		live:   live,
		limit:  limit,
		rows:   make(map[string]*jobRow),
		events: make([]string, 0, dashboardEvents),
		stop:   make(chan struct{}),
	}
}

func (d *dashboard) Name() string { return "dashboard" }

func (d *dashboard) Start() {
	if !d.live {
		return
	}
	go func() {
		t := time.NewTicker(dashboardRefresh)
		defer t.Stop()
		for {
			select {
			case <-d.stop:
				return
			case <-t.C:
				d.render()
			}
		}
	}()
}

func (d *dashboard) Stop() {
	d.stopped.Do(func() {
		close(d.stop)
		if d.live {
			d.render()
		}
	})
}

func (d *dashboard) Handle(_ context.Context, ev model.Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if ev.Type == model.EventQueueChanged {
		d.queued, d.active = ev.Queued, ev.Active
		return nil
	}
	row := d.row(ev.URL)
	switch ev.Type {
	case model.EventMetadata:
		if ev.Title != "" {
			row.title = ev.Title
		}
	case model.EventProgress:
		row.percent = ev.Percent
		row.speed = ev.Speed
		row.eta = ev.ETA
		row.rateMbp = parseRateToMbp(ev.Speed)
		if ev.Status != "" {
			row.status = ev.Status
		}
	case model.EventStatus:
		row.status = ev.Status
		row.message = ev.Message
		if !d.live {
			fmt.Fprintf(d.out, "%-14s %s\n", ev.Status, row.label())
		}
	case model.EventFinished:
		row.status = ev.Status
		row.percent = ev.Percent
		row.rateMbp = 0
		if ev.Title != "" {
			row.title = ev.Title
		}
		line := finishedLine(row, ev)
		switch ev.Status {
		case model.StatusComplete, model.StatusAlreadyExists:
			d.completed++
		case model.StatusError:
			d.failed++
		}
		d.pushEvent(line)
		if !d.live {
			fmt.Fprintln(d.out, line)
		}
	}
	return nil
}

func (d *dashboard) row(url string) *jobRow {
	row, ok := d.rows[url]
	if !ok {
		d.next++
		row = &jobRow{url: url, status: model.StatusQueued, position: d.next}
		d.rows[url] = row
	}
	return row
}

func (d *dashboard) pushEvent(line string) {
	d.events = append([]string{line}, d.events...)
	if len(d.events) > dashboardEvents {
		d.events = d.events[:dashboardEvents]
	}
}

func (r *jobRow) label() string {
	if r.title != "" {
		return truncateRunes(r.title, 60)
	}
	return r.url
}

func finishedLine(row *jobRow, ev model.Event) string {
	switch ev.Status {
	case model.StatusComplete:
		return fmt.Sprintf("done      %s -> %s", row.label(), ev.Filename)
	case model.StatusAlreadyExists:
		return fmt.Sprintf("exists    %s -> %s", row.label(), ev.Filename)
	case model.StatusCancelled:
		return fmt.Sprintf("cancelled %s", row.label())
	default:
		msg := ev.Error
		if msg == "" {
			msg = ev.Message
		}
		return fmt.Sprintf("failed    %s: %s", row.label(), msg)
	}
}

func (d *dashboard) render() {
	d.mu.Lock()
	defer d.mu.Unlock()

	active := make([]*jobRow, 0, len(d.rows))
	totalMbp := 0.0
	for _, row := range d.rows {
		if row.status.IsActive() {
			active = append(active, row)
			totalMbp += row.rateMbp
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].position < active[j].position })

	var b strings.Builder
	b.WriteString("\033[H\033[2J")
	fmt.Fprintf(&b, "yt-queue live | active %d/%d | queued %d | done %d | failed %d | total %.2f MB/s\n",
		d.active, d.limit(), d.queued, d.completed, d.failed, totalMbp/8.0)
	b.WriteString(strings.Repeat("-", 100) + "\n")
	if len(active) == 0 {
		b.WriteString("(no active downloads)\n")
	}
	for _, row := range active {
		parts := []string{fmt.Sprintf("#%d", row.position), string(row.status), formatPercent(row.percent)}
		if row.speed != "" {
			parts = append(parts, row.speed)
		}
		if row.eta != "" {
			parts = append(parts, "ETA "+row.eta)
		}
		parts = append(parts, "| "+row.label())
		b.WriteString(strings.Join(parts, "  ") + "\n")
	}
	if len(d.events) > 0 {
		b.WriteString(strings.Repeat("-", 100) + "\n")
		for _, e := range d.events {
			b.WriteString(e + "\n")
		}
	}
	fmt.Fprint(d.out, b.String())
}

// jsonSink writes every event as one JSON line.
type jsonSink struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func newJSONSink(out io.Writer) *jsonSink {
	return &jsonSink{enc: json.NewEncoder(out)}
}

func (j *jsonSink) Name() string { return "json" }

func (j *jsonSink) Handle(_ context.Context, ev model.Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.enc.Encode(ev)
}

// parseRateToMbp converts a yt-dlp rate such as "1.50MiB/s" to megabits per
// second. Unknown rates give 0.
func parseRateToMbp(s string) float64 {
	m := reRate.FindStringSubmatch(strings.TrimSpace(strings.ToLower(s)))
	if len(m) < 3 {
		return 0
	}
	val, err := strconv.ParseFloat(m[1], 64)
	if err != nil || val <= 0 {
		return 0
	}
	var mbPerSec float64
	switch m[2] {
	case "b":
		mbPerSec = val / 1_000_000
	case "kib":
		mbPerSec = val * 1024 / 1_000_000
	case "kb":
		mbPerSec = val / 1000
	case "mib":
		mbPerSec = val * 1024 * 1024 / 1_000_000
	case "mb":
		mbPerSec = val
	case "gib":
		mbPerSec = val * 1024 * 1024 * 1024 / 1_000_000
	case "gb":
		mbPerSec = val * 1000
	default:
		return 0
	}
	return mbPerSec * 8
}
