package eventsink

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"yt-queue/internal/history"
	"yt-queue/internal/logger"
	"yt-queue/internal/model"
	"yt-queue/internal/websocket"
)

const handleTimeout = 5 * time.Second

// Sink consumes scheduler events.
type Sink interface {
	Name() string
	Handle(ctx context.Context, ev model.Event) error
}

// Pump delivers every event to every sink in order until events is closed
// or ctx ends. A failing sink does not stop delivery to the others.
func Pump(ctx context.Context, events <-chan model.Event, log zerolog.Logger, sinks ...Sink) {
	log = log.With().Str("component", "eventsink").Logger()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			for _, s := range sinks {
				deliver(ctx, s, ev, log)
			}
		}
	}
}

func deliver(ctx context.Context, s Sink, ev model.Event, log zerolog.Logger) {
	hctx, cancel := context.WithTimeout(ctx, handleTimeout)
	defer cancel()
	err := s.Handle(hctx, ev)
	if err == nil {
		return
	}
	lvl := zerolog.WarnLevel
	if ev.Type == model.EventProgress {
		lvl = zerolog.DebugLevel
	}
	log.WithLevel(lvl).Err(err).Str("sink", s.Name()).Str("event", string(ev.Type)).Str("url", ev.URL).Msg("sink failed")
}

// Func adapts a plain function, e.g. a CLI printer.
type Func func(ev model.Event)

func (f Func) Name() string { return "func" }

func (f Func) Handle(_ context.Context, ev model.Event) error {
	f(ev)
	return nil
}

// HubSink forwards events to websocket clients as "job:<type>" messages.
type HubSink struct {
	hub logger.Broadcaster
}

func NewHubSink(hub logger.Broadcaster) *HubSink {
	return &HubSink{hub: hub}
}

func (h *HubSink) Name() string { return "websocket" }

func (h *HubSink) Handle(_ context.Context, ev model.Event) error {
	err := h.hub.Broadcast("job:"+string(ev.Type), ev)
	if errors.Is(err, websocket.ErrHubBusy) && ev.Type == model.EventProgress {
		return nil
	}
	return err
}

// Recorder is the subset of history.Store the history sink needs.
type Recorder interface {
	Record(ctx context.Context, e history.Entry) (history.Entry, error)
}

// JobLookup returns the scheduler's snapshot of a job.
type JobLookup func(url string) (model.Job, bool)

// HistorySink records every finished job.
type HistorySink struct {
	store  Recorder
	lookup JobLookup
}

func NewHistorySink(store Recorder, lookup JobLookup) *HistorySink {
	return &HistorySink{store: store, lookup: lookup}
}

func (h *HistorySink) Name() string { return "history" }

func (h *HistorySink) Handle(ctx context.Context, ev model.Event) error {
	if ev.Type != model.EventFinished {
		return nil
	}
	var entry history.Entry
	if job, ok := h.lookupJob(ev.URL); ok && job.Status.IsTerminal() {
		entry = history.EntryFromJob(job)
	} else {
		// The job was dismissed before we got here.
		entry = history.Entry{
			URL:        ev.URL,
			Title:      ev.Title,
			Filename:   ev.Filename,
			Status:     ev.Status,
			Message:    firstNonEmpty(ev.Error, ev.Message),
			FinishedAt: ev.Time,
		}
	}
	_, err := h.store.Record(ctx, entry)
	return err
}

func (h *HistorySink) lookupJob(url string) (model.Job, bool) {
	if h.lookup == nil {
		return model.Job{}, false
	}
	return h.lookup(url)
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
