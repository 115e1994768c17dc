package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"yt-queue/internal/logger"
	"yt-queue/internal/model"
	"yt-queue/internal/ytdlp"
)

// Overridden in tests to simulate a process that survives the kill.
var (
	killProcess = forceKill
	reapTree    = reap
)

const (
	DefaultTermTimeout = 3 * time.Second
	DefaultSettleDelay = 500 * time.Millisecond
	DefaultOutputLines = 500
)

type Config struct {
	Binary    string
	Args      []string
	OutputDir string
	// TermTimeout bounds the wait between the terminate signal and a kill.
	TermTimeout time.Duration
	// SettleDelay lets the OS release file handles before cleanup.
	SettleDelay time.Duration
	OutputLines int
	Logger      zerolog.Logger
}

// Supervisor owns exactly one downloader process. It is not reusable.
type Supervisor struct {
	cfg Config
	log zerolog.Logger

	cmd     *exec.Cmd
	output  *logger.RingBuffer[string]
	pipes   []io.ReadCloser
	readers sync.WaitGroup

	temps     []string
	seenTemp  map[string]bool
	final     string
	already   string
	percent   float64
	progress  bool
	resetNext bool

	waitOnce sync.Once
	waitDone chan struct{}
	waitErr  error
}

func New(cfg Config) *Supervisor {
	if cfg.Binary == "" {
		cfg.Binary = ytdlp.DefaultBinary
	}
	if cfg.TermTimeout <= 0 {
		cfg.TermTimeout = DefaultTermTimeout
	}
	if cfg.SettleDelay < 0 {
		cfg.SettleDelay = 0
	}
	if cfg.OutputLines <= 0 {
		cfg.OutputLines = DefaultOutputLines
	}
	return &Supervisor{
		cfg:      cfg,
		log:      cfg.Logger,
		output:   logger.NewRingBuffer[string](cfg.OutputLines),
		seenTemp: map[string]bool{},
		waitDone: make(chan struct{}),
	}
}

// Run spawns the process and blocks until it reaches a terminal state.
// Cancelling ctx triggers the terminate, kill, reap, cleanup sequence.
func (s *Supervisor) Run(ctx context.Context, emit func(model.Update)) model.Result {
	if emit == nil {
		emit = func(model.Update) {}
	}
	if err := ctx.Err(); err != nil {
		return model.Result{Status: model.StatusCancelled, Err: model.ErrCancelled}
	}

	cmd := exec.Command(s.cfg.Binary, s.cfg.Args...)
	setProcessGroup(cmd)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return spawnFailure(fmt.Errorf("setup stdout pipe: %w", err))
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return spawnFailure(fmt.Errorf("setup stderr pipe: %w", err))
	}
	if err := cmd.Start(); err != nil {
		return spawnFailure(fmt.Errorf("start %s: %w", s.cfg.Binary, err))
	}
	s.cmd = cmd
	s.pipes = []io.ReadCloser{stdout, stderr}
	s.log.Debug().Int("pid", cmd.Process.Pid).Strs("args", s.cfg.Args).Msg("downloader started")

	lines := make(chan string, 64)
	stop := make(chan struct{})
	defer close(stop)

	read := func(r io.Reader) {
		defer s.readers.Done()
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		scanner.Split(ytdlp.ScanLines)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-stop:
				return
			}
		}
	}
	s.readers.Add(2)
	go read(stdout)
	go read(stderr)
	go func() {
		s.readers.Wait()
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return s.cancel()
		case line, ok := <-lines:
			if !ok {
				select {
				case <-s.wait():
				case <-ctx.Done():
					return s.cancel()
				}
				if ctx.Err() != nil {
					return s.cancel()
				}
				return s.finish(s.waitErr, emit)
			}
			if ctx.Err() != nil {
				return s.cancel()
			}
			s.handleLine(line, emit)
		}
	}
}

func (s *Supervisor) closePipes() {
	for _, p := range s.pipes {
		_ = p.Close()
	}
}

// wait starts cmd.Wait once and returns a channel closed when it returns.
func (s *Supervisor) wait() <-chan struct{} {
	s.waitOnce.Do(func() {
		go func() {
			s.waitErr = s.cmd.Wait()
			close(s.waitDone)
		}()
	})
	return s.waitDone
}

func (s *Supervisor) handleLine(line string, emit func(model.Update)) {
	if strings.TrimSpace(line) == "" {
		return
	}
	s.output.Push(line)
	p := classifyLine(line)
	switch p.kind {
	case lineProgress:
		u := model.Update{Phase: model.PhaseDownloading, Percent: p.percent, Speed: p.speed, ETA: p.eta, Size: p.size}
		if s.resetNext {
			u.Reset = true
			s.resetNext = false
		}
		s.percent = p.percent
		s.progress = true
		emit(u)
	case lineSubProgress:
		emit(model.Update{Phase: model.PhaseSubtitles, Percent: max(s.percent, 5), Speed: p.speed, Size: p.size, Message: "downloading subtitles"})
	case lineDestination:
		name := baseName(p.path)
		if name != "" && !s.seenTemp[name] {
			s.seenTemp[name] = true
			s.temps = append(s.temps, name)
		}
		if s.progress {
			s.resetNext = true
		}
	case lineMerger:
		s.final = baseName(p.path)
		s.percent = 100
		emit(model.Update{Phase: model.PhaseMerging, Percent: 100, Filename: s.final, Message: "merging formats"})
	case lineFixup:
		if s.final == "" {
			s.final = baseName(p.path)
		}
		emit(model.Update{Phase: model.PhaseFixing, Percent: 100, Filename: s.final, Message: "fixing container"})
	case lineEmbed:
		if s.final == "" {
			s.final = baseName(p.path)
		}
		emit(model.Update{Phase: model.PhaseEmbedding, Percent: 100, Filename: s.final, Message: "embedding subtitles"})
	case lineError:
		s.log.Warn().Str("line", line).Msg("downloader error line")
	default:
		if m := reAlready.FindStringSubmatch(strings.TrimSpace(line)); m != nil {
			s.already = baseName(m[1])
		}
		s.log.Trace().Str("line", line).Msg("downloader output")
	}
}

// cancel escalates terminate -> bounded wait -> kill, then reaps descendants,
// waits for handles to settle and cleans up. Nothing is emitted.
func (s *Supervisor) cancel() model.Result {
	pid := s.cmd.Process.Pid
	tree := descendants(pid)

	if err := terminate(s.cmd); err != nil {
		s.log.Debug().Err(err).Int("pid", pid).Msg("terminate signal failed")
	}
	select {
	case <-s.wait():
	case <-time.After(s.cfg.TermTimeout):
		s.log.Warn().Int("pid", pid).Dur("after", s.cfg.TermTimeout).Msg("downloader ignored terminate, killing")
		if err := killProcess(s.cmd); err != nil {
			s.log.Warn().Err(err).Int("pid", pid).Msg("kill failed")
		}
		select {
		case <-s.wait():
		case <-time.After(s.cfg.TermTimeout):
			s.log.Error().Int("pid", pid).Msg("downloader did not exit after kill")
			// Wait never returned, so the pipes are still open and the
			// readers are parked in Scan.
			s.closePipes()
		}
	}

	// Forks after the snapshot share the process group and die with it.
	if err := reapTree(pid, tree); err != nil {
		s.log.Warn().Err(err).Int("pid", pid).Msg("reaping child processes failed")
	}
	if s.cfg.SettleDelay > 0 {
		time.Sleep(s.cfg.SettleDelay)
	}
	cleanupTemps(s.cfg.OutputDir, s.temps, "", true, s.log)
	s.log.Info().Int("pid", pid).Msg("download cancelled")
	res := model.Result{Status: model.StatusCancelled, ExitCode: -1, Err: model.ErrCancelled}
	select {
	case <-s.waitDone:
		res.ExitCode = exitCode(s.waitErr)
	default:
	}
	return res
}

func (s *Supervisor) finish(waitErr error, emit func(model.Update)) model.Result {
	code := exitCode(waitErr)
	if code == 0 {
		if s.final == "" {
			s.final = s.lastMediaTemp()
		}
		if s.final == "" {
			cleanupTemps(s.cfg.OutputDir, s.temps, "", true, s.log)
			if s.alreadyDownloaded() {
				return model.Result{Status: model.StatusAlreadyExists, Filename: s.already}
			}
			return model.Result{Status: model.StatusError, Err: model.ErrFileNotDeterminable}
		}
		return s.succeed(emit, code)
	}

	if s.final != "" {
		if info, err := os.Stat(s.finalPath()); err == nil && info.Size() > 0 {
			s.log.Warn().Int("exit_code", code).Str("file", s.final).Msg("downloader exited with error but output file exists")
			return s.succeed(emit, code)
		}
	}

	msg := s.lastError()
	if msg == "" {
		msg = fmt.Sprintf("%s exited with code %d", s.cfg.Binary, code)
		if waitErr != nil && code < 0 {
			msg = waitErr.Error()
		}
	}
	cleanupTemps(s.cfg.OutputDir, s.temps, "", true, s.log)
	return model.Result{Status: model.StatusError, ExitCode: code, Err: fmt.Errorf("%w: %s", model.ErrProcessExit, msg)}
}

func (s *Supervisor) succeed(emit func(model.Update), code int) model.Result {
	path := s.finalPath()
	if _, err := os.Stat(path); err != nil {
		s.log.Warn().Err(err).Str("file", path).Msg("final file not found after download")
	} else {
		now := time.Now()
		if err := os.Chtimes(path, now, now); err != nil {
			s.log.Debug().Err(err).Str("file", path).Msg("touch final file failed")
		}
	}
	emit(model.Update{Phase: model.PhaseCompleted, Percent: 100, Filename: s.final, Message: "completed"})
	cleanupTemps(s.cfg.OutputDir, s.temps, s.final, false, s.log)
	return model.Result{Status: model.StatusComplete, Filename: s.final, ExitCode: code}
}

func (s *Supervisor) finalPath() string {
	return filepath.Join(s.cfg.OutputDir, s.final)
}

// lastMediaTemp is the newest destination that is not a subtitle sidecar.
func (s *Supervisor) lastMediaTemp() string {
	for i := len(s.temps) - 1; i >= 0; i-- {
		if !isSubtitleFile(s.temps[i]) {
			return s.temps[i]
		}
	}
	return ""
}

func (s *Supervisor) alreadyDownloaded() bool {
	if s.already != "" {
		return true
	}
	_, ok := s.output.Last(func(l string) bool { return strings.Contains(l, alreadyDownloadedPhrase) })
	return ok
}

func (s *Supervisor) lastError() string {
	line, ok := s.output.Last(func(l string) bool { return strings.Contains(l, "ERROR:") })
	if !ok {
		return ""
	}
	return strings.TrimSpace(line)
}

// Output returns the captured output lines, oldest first.
func (s *Supervisor) Output() []string {
	return s.output.GetAll()
}

func spawnFailure(err error) model.Result {
	return model.Result{Status: model.StatusError, ExitCode: -1, Err: fmt.Errorf("%w: %w", model.ErrSpawnFailed, err)}
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
