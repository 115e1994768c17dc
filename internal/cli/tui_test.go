package cli

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"yt-queue/internal/model"
)

type fakeControl struct {
	limit     int
	cancelled []string
	dismissed []string
}

func (f *fakeControl) Cancel(url string) bool {
	f.cancelled = append(f.cancelled, url)
	return true
}

func (f *fakeControl) DismissError(url string) bool {
	f.dismissed = append(f.dismissed, url)
	return true
}

func (f *fakeControl) SetConcurrencyLimit(n int) {
	f.limit = min(5, max(1, n))
}

func (f *fakeControl) ConcurrencyLimit() int { return f.limit }

func send(t *testing.T, m tea.Model, msg tea.Msg) (tuiModel, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	return next.(tuiModel), cmd
}

func key(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func TestTUIModelTracksEventsAndKeys(t *testing.T) {
	ctl := &fakeControl{limit: 2}
	m := newTUIModel(ctl)

	m, _ = send(t, m, eventMsg{Type: model.EventStatus, URL: "u1", Status: model.StatusQueued})
	m, _ = send(t, m, eventMsg{Type: model.EventStatus, URL: "u2", Status: model.StatusQueued})
	m, _ = send(t, m, eventMsg{Type: model.EventMetadata, URL: "u1", Title: "First clip"})
	m, _ = send(t, m, eventMsg{Type: model.EventProgress, URL: "u1", Status: model.StatusDownloading, Percent: 42, Speed: "1.00MiB/s", ETA: "00:05"})
	m, _ = send(t, m, eventMsg{Type: model.EventQueueChanged, Queued: 1, Active: 1})

	view := m.View()
	for _, want := range []string{"First clip", "42.0%", "1.00MiB/s", "active 1/2"} {
		if !strings.Contains(view, want) {
			t.Fatalf("view missing %q:\n%s", want, view)
		}
	}

	m, _ = send(t, m, key("c"))
	if len(ctl.cancelled) != 1 || ctl.cancelled[0] != "u1" {
		t.Fatalf("expected cancel of first row, got %v", ctl.cancelled)
	}

	m, _ = send(t, m, key("j"))
	m, _ = send(t, m, eventMsg{Type: model.EventFinished, URL: "u2", Status: model.StatusError, Error: "Private video"})
	if !strings.Contains(m.View(), "Private video") {
		t.Fatal("error message should be shown under the row")
	}
	m, _ = send(t, m, key("d"))
	if len(ctl.dismissed) != 1 || ctl.dismissed[0] != "u2" {
		t.Fatalf("expected dismiss of second row, got %v", ctl.dismissed)
	}
	if _, ok := m.rows["u2"]; ok {
		t.Fatal("dismissed row should be removed")
	}

	m, _ = send(t, m, key("+"))
	m, _ = send(t, m, key("+"))
	if ctl.limit != 4 {
		t.Fatalf("expected limit 4, got %d", ctl.limit)
	}
	m, _ = send(t, m, key("-"))
	if ctl.limit != 3 {
		t.Fatalf("expected limit 3, got %d", ctl.limit)
	}

	_, cmd := send(t, m, allDoneMsg{})
	if cmd == nil {
		t.Fatal("all-done should quit")
	}
}

func TestDashboardPlainOutput(t *testing.T) {
	var buf bytes.Buffer
	d := newDashboard(&buf, false, func() int { return 2 })
	ctx := context.Background()

	_ = d.Handle(ctx, model.Event{Type: model.EventStatus, URL: "u1", Status: model.StatusStarting})
	_ = d.Handle(ctx, model.Event{Type: model.EventMetadata, URL: "u1", Title: "Talk"})
	_ = d.Handle(ctx, model.Event{Type: model.EventFinished, URL: "u1", Status: model.StatusComplete, Filename: "talk.mp4"})
	_ = d.Handle(ctx, model.Event{Type: model.EventFinished, URL: "u2", Status: model.StatusError, Error: "boom"})
	d.Stop()

	out := buf.String()
	for _, want := range []string{"starting", "done      Talk -> talk.mp4", "failed    u2: boom"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
	if d.completed != 1 || d.failed != 1 {
		t.Fatalf("unexpected tallies completed=%d failed=%d", d.completed, d.failed)
	}
}

func TestCompletionWaitsForSeal(t *testing.T) {
	jobs := map[string]model.Job{"u1": {URL: "u1", Status: model.StatusDownloading}}
	c := newCompletion(func(url string) (model.Job, bool) {
		j, ok := jobs[url]
		return j, ok
	})
	ctx := context.Background()

	_ = c.Handle(ctx, model.Event{Type: model.EventQueueChanged})
	c.seal([]string{"u1", "gone"})
	select {
	case <-c.Done():
		t.Fatal("done before the active job finished")
	default:
	}

	jobs["u1"] = model.Job{URL: "u1", Status: model.StatusError}
	_ = c.Handle(ctx, model.Event{Type: model.EventFinished, URL: "u1", Status: model.StatusError})
	select {
	case <-c.Done():
	default:
		t.Fatal("expected done once every job settled")
	}
	if c.Failed() != 1 {
		t.Fatalf("expected one failure, got %d", c.Failed())
	}
}

func TestParseRateToMbp(t *testing.T) {
	cases := map[string]float64{
		"1MB/s":       8,
		"1000KB/s":    8,
		"Unknown B/s": 0,
		"":            0,
	}
	for in, want := range cases {
		if got := parseRateToMbp(in); got != want {
			t.Fatalf("parseRateToMbp(%q) = %v, want %v", in, got, want)
		}
	}
	if got := parseRateToMbp("1.00MiB/s"); got < 8.38 || got > 8.39 {
		t.Fatalf("unexpected MiB conversion %v", got)
	}
}

func TestPolicyFlagsOverlay(t *testing.T) {
	fs := newFlagSet("t")
	p := addPolicyFlags(fs)
	if err := fs.Parse([]string{"--height", "720", "--lang", "de, en", "--codecs", "vp9"}); err != nil {
		t.Fatal(err)
	}
	base := model.SelectionPolicy{PreferredProtocol: "https", VideoCodecs: []string{"avc1"}}
	got := p.apply(base)
	if !p.set() || got.TargetHeight != 720 || got.PreferredProtocol != "https" {
		t.Fatalf("unexpected overlay: %+v", got)
	}
	if strings.Join(got.Languages, ",") != "de,en" || strings.Join(got.VideoCodecs, ",") != "vp9" {
		t.Fatalf("unexpected lists: %+v", got)
	}
	if base.VideoCodecs[0] != "avc1" {
		t.Fatal("base policy must not be mutated")
	}
}

func TestTUISessionHandleDoesNotWaitForProgram(t *testing.T) {
	ui := newTUISession(&fakeControl{limit: 2}, tea.WithInput(nil), tea.WithOutput(io.Discard))

	handled := make(chan struct{})
	go func() {
		defer close(handled)
		for i := 0; i < 1000; i++ {
			url := fmt.Sprintf("https://example.com/v/%d", i)
			_ = ui.Handle(context.Background(), model.Event{Type: model.EventStatus, URL: url, Status: model.StatusQueued})
			_ = ui.Handle(context.Background(), model.Event{Type: model.EventQueueChanged, Queued: i + 1})
		}
	}()
	select {
	case <-handled:
	case <-time.After(3 * time.Second):
		t.Fatalf("Handle blocked before the program was started")
	}

	done := make(chan struct{})
	close(done)
	ran := make(chan error, 1)
	go func() { ran <- ui.Run(context.Background(), done) }()
	select {
	case err := <-ran:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("program did not quit after every job settled")
	}
	if err := ui.Handle(context.Background(), model.Event{Type: model.EventQueueChanged}); err != nil {
		t.Fatalf("handle after run: %v", err)
	}
}
