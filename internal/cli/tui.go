package cli

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"yt-queue/internal/model"
)

var (
	tuiTitleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	tuiMutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	tuiErrorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true)
	tuiOKStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	tuiWarnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	tuiPanelStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	tuiSelStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("230")).Background(lipgloss.Color("62")).Bold(true)
)

// jobControl is the part of the scheduler the dashboard drives.
type jobControl interface {
	Cancel(url string) bool
	DismissError(url string) bool
	SetConcurrencyLimit(n int)
	ConcurrencyLimit() int
}

type eventMsg model.Event

type allDoneMsg struct{}

type tuiRow struct {
	url     string
	title   string
	status  model.JobStatus
	percent float64
	speed   string
	eta     string
	message string
	seq     int
}

type tuiModel struct {
	ctl    jobControl
	rows   map[string]*tuiRow
	seq    int
	cursor int
	bar    progress.Model
	width  int

	queued int
	active int
	notice string
	done   bool
}

func newTUIModel(ctl jobControl) tuiModel {
	return tuiModel{
		ctl:  ctl,
		rows: make(map[string]*tuiRow),
		bar:  progress.New(progress.WithDefaultGradient(), progress.WithoutPercentage(), progress.WithWidth(30)),
	}
}

func (m tuiModel) Init() tea.Cmd {
	return nil
}

func (m tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.bar.Width = min(40, max(10, msg.Width-70))
		return m, nil
	case eventMsg:
		m.apply(model.Event(msg))
		return m, nil
	case allDoneMsg:
		m.done = true
		return m, tea.Quit
	case tea.KeyMsg:
		return m.updateKeys(msg)
	}
	return m, nil
}

func (m tuiModel) updateKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	list := m.ordered()
	switch msg.String() {
	case "q", "ctrl+c", "esc":
		return m, tea.Quit
	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
	case "down", "j":
		if m.cursor < len(list)-1 {
			m.cursor++
		}
	case "c", "x":
		if row := m.selected(list); row != nil {
			if m.ctl.Cancel(row.url) {
				m.notice = "cancel requested: " + row.label()
			} else {
				m.notice = "nothing to cancel"
			}
		}
	case "d":
		if row := m.selected(list); row != nil {
			if m.ctl.DismissError(row.url) {
				delete(m.rows, row.url)
				m.notice = "dismissed: " + row.label()
				if m.cursor >= len(m.rows) && m.cursor > 0 {
					m.cursor--
				}
			} else {
				m.notice = "only failed downloads can be dismissed"
			}
		}
	case "+", "=":
		m.ctl.SetConcurrencyLimit(m.ctl.ConcurrencyLimit() + 1)
		m.notice = fmt.Sprintf("concurrency %d", m.ctl.ConcurrencyLimit())
	case "-", "_":
		m.ctl.SetConcurrencyLimit(m.ctl.ConcurrencyLimit() - 1)
		m.notice = fmt.Sprintf("concurrency %d", m.ctl.ConcurrencyLimit())
	}
	return m, nil
}

func (m *tuiModel) apply(ev model.Event) {
	if ev.Type == model.EventQueueChanged {
		m.queued, m.active = ev.Queued, ev.Active
		return
	}
	if ev.URL == "" {
		return
	}
	row, ok := m.rows[ev.URL]
	if !ok {
		m.seq++
		row = &tuiRow{url: ev.URL, status: model.StatusQueued, seq: m.seq}
		m.rows[ev.URL] = row
	}
	if ev.Title != "" {
		row.title = ev.Title
	}
	switch ev.Type {
	case model.EventProgress:
		row.percent = ev.Percent
		row.speed = ev.Speed
		row.eta = ev.ETA
	case model.EventStatus, model.EventFinished:
		row.status = ev.Status
		row.percent = ev.Percent
		row.message = ev.Message
		if ev.Error != "" {
			row.message = ev.Error
		}
		if ev.Status.IsTerminal() {
			row.speed, row.eta = "", ""
		}
	}
}

func (m tuiModel) ordered() []*tuiRow {
	out := make([]*tuiRow, 0, len(m.rows))
	for _, row := range m.rows {
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

func (m tuiModel) selected(list []*tuiRow) *tuiRow {
	if m.cursor < 0 || m.cursor >= len(list) {
		return nil
	}
	return list[m.cursor]
}

func (r *tuiRow) label() string {
	if r.title != "" {
		return r.title
	}
	return r.url
}

func (m tuiModel) View() string {
	header := tuiTitleStyle.Render("yt-queue") + tuiMutedStyle.Render(fmt.Sprintf(
		"  active %d/%d  queued %d", m.active, m.ctl.ConcurrencyLimit(), m.queued))

	list := m.ordered()
	lines := make([]string, 0, len(list))
	for i, row := range list {
		line := fmt.Sprintf("%-12s %s %6s  %-10s %-8s %s",
			statusStyle(row.status).Render(string(row.status)),
			m.bar.ViewAs(row.percent/100),
			formatPercent(row.percent),
			row.speed,
			row.eta,
			truncateRunes(row.label(), 48),
		)
		if i == m.cursor {
			line = tuiSelStyle.Render(">") + " " + line
		} else {
			line = "  " + line
		}
		lines = append(lines, line)
		if row.status == model.StatusError && row.message != "" {
			lines = append(lines, "    "+tuiErrorStyle.Render(truncateRunes(row.message, 100)))
		}
	}
	if len(lines) == 0 {
		lines = append(lines, tuiMutedStyle.Render("waiting for jobs..."))
	}

	panel := tuiPanelStyle.Render(strings.Join(lines, "\n"))
	hints := tuiMutedStyle.Render("j/k move  c cancel  d dismiss error  +/- concurrency  q quit")
	parts := []string{header, panel, hints}
	if m.notice != "" {
		parts = append(parts, tuiWarnStyle.Render(m.notice))
	}
	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

func statusStyle(s model.JobStatus) lipgloss.Style {
	switch s {
	case model.StatusComplete, model.StatusAlreadyExists:
		return tuiOKStyle
	case model.StatusError:
		return tuiErrorStyle
	case model.StatusCancelling, model.StatusCancelled:
		return tuiWarnStyle
	default:
		return tuiMutedStyle
	}
}

// tuiSession forwards scheduler events into a bubbletea program. Handle
// only queues the event; a single goroutine feeds the program in order, so
// the event pump never waits on a program that has not started yet.
type tuiSession struct {
	program *tea.Program

	mu      sync.Mutex
	pending []model.Event
	wake    chan struct{}
	stop    chan struct{}
	stopped bool
}

func newTUISession(ctl jobControl, opts ...tea.ProgramOption) *tuiSession {
	s := &tuiSession{
		program: tea.NewProgram(newTUIModel(ctl), opts...),
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}
	go s.forward()
	return s
}

func (s *tuiSession) Name() string { return "tui" }

func (s *tuiSession) Handle(_ context.Context, ev model.Event) error {
	s.mu.Lock()
	if !s.stopped {
		s.pending = append(s.pending, ev)
	}
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

func (s *tuiSession) forward() {
	for {
		select {
		case <-s.wake:
		case <-s.stop:
			return
		}
		s.mu.Lock()
		batch := s.pending
		s.pending = nil
		s.mu.Unlock()
		for _, ev := range batch {
			// Send blocks until Run starts and is a no-op once it returned.
			s.program.Send(eventMsg(ev))
		}
	}
}

// Run blocks until the user quits, every job settles, or ctx ends.
func (s *tuiSession) Run(ctx context.Context, done <-chan struct{}) error {
	go func() {
		select {
		case <-done:
			s.program.Send(allDoneMsg{})
		case <-ctx.Done():
			s.program.Quit()
		}
	}()
	_, err := s.program.Run()
	s.close()
	return err
}

func (s *tuiSession) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.stopped {
		s.stopped = true
		s.pending = nil
		close(s.stop)
	}
}
