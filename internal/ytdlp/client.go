package ytdlp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

const (
	DefaultBinary         = "yt-dlp"
	DefaultOutputTemplate = "%(title)s [%(id)s].%(ext)s"
)

type Reliability struct {
	SocketTimeout     int `mapstructure:"socket_timeout" yaml:"socket_timeout" json:"socket_timeout"`
	Retries           int `mapstructure:"retries" yaml:"retries" json:"retries"`
	FragmentRetries   int `mapstructure:"fragment_retries" yaml:"fragment_retries" json:"fragment_retries"`
	ExtractorRetries  int `mapstructure:"extractor_retries" yaml:"extractor_retries" json:"extractor_retries"`
	FileAccessRetries int `mapstructure:"file_access_retries" yaml:"file_access_retries" json:"file_access_retries"`
}

func DefaultReliability() Reliability {
	return Reliability{
		SocketTimeout:     30,
		Retries:           10,
		FragmentRetries:   10,
		ExtractorRetries:  3,
		FileAccessRetries: 5,
	}
}

type DownloadArgs struct {
	URL               string
	Format            string
	OutputDir         string
	OutputTemplate    string
	ExtractorArgs     map[string]map[string][]string
	FormatSort        []string
	MergeOutputFormat string
	// AudioOnly suppresses --merge-output-format; nothing is merged.
	AudioOnly          bool
	Subtitles          bool
	SubLangs           []string
	SubFormat          string
	CookiesPath        string
	CookiesFromBrowser string
	Reliability        Reliability
}

type DependencyReport struct {
	YTDLPFound  bool   `json:"yt_dlp_found"`
	YTDLPPath   string `json:"yt_dlp_path,omitempty"`
	FFmpegFound bool   `json:"ffmpeg_found"`
	FFmpegPath  string `json:"ffmpeg_path,omitempty"`
}

func DependencyStatus(binary string) DependencyReport {
	report := DependencyReport{}
	if path, err := exec.LookPath(binaryOrDefault(binary)); err == nil {
		report.YTDLPFound = true
		report.YTDLPPath = path
	}
	if path, err := exec.LookPath("ffmpeg"); err == nil {
		report.FFmpegFound = true
		report.FFmpegPath = path
	}
	return report
}

func CheckDependencies(binary string) error {
	report := DependencyStatus(binary)
	if !report.YTDLPFound {
		return fmt.Errorf("missing dependency: %s is not installed or not on PATH", binaryOrDefault(binary))
	}
	if !report.FFmpegFound {
		return fmt.Errorf("missing dependency: ffmpeg is required to merge separate video and audio streams and was not found on PATH")
	}
	return nil
}

func BuildDownloadArgs(opts DownloadArgs) ([]string, error) {
	if strings.TrimSpace(opts.URL) == "" {
		return nil, fmt.Errorf("video URL is required")
	}
	if strings.TrimSpace(opts.OutputDir) == "" {
		return nil, fmt.Errorf("output directory is required")
	}
	format := strings.TrimSpace(opts.Format)
	if format == "" {
		format = "bv*+ba/b"
	}
	template := strings.TrimSpace(opts.OutputTemplate)
	if template == "" {
		template = DefaultOutputTemplate
	}
	rel := opts.Reliability
	if rel == (Reliability{}) {
		rel = DefaultReliability()
	}

	args := []string{
		"--no-playlist",
		"--newline",
		"--progress",
		"--no-mtime",
		"--ignore-errors",
		"--skip-unavailable-fragments",
		"--socket-timeout", strconv.Itoa(rel.SocketTimeout),
		"--retries", strconv.Itoa(rel.Retries),
		"--fragment-retries", strconv.Itoa(rel.FragmentRetries),
		"--extractor-retries", strconv.Itoa(rel.ExtractorRetries),
		"--file-access-retries", strconv.Itoa(rel.FileAccessRetries),
		"--format", format,
		"-P", opts.OutputDir,
		"-o", template,
	}
	for _, group := range FormatExtractorArgs(opts.ExtractorArgs) {
		args = append(args, "--extractor-args", group)
	}
	if len(opts.FormatSort) > 0 {
		args = append(args, "--format-sort", strings.Join(trimAll(opts.FormatSort), ","))
	}
	if merge := strings.TrimSpace(opts.MergeOutputFormat); merge != "" && !opts.AudioOnly {
		args = append(args, "--merge-output-format", merge)
	}
	if opts.Subtitles {
		langs := strings.Join(trimAll(opts.SubLangs), ",")
		if langs == "" {
			langs = "en.*,en"
		}
		subFormat := strings.TrimSpace(opts.SubFormat)
		if subFormat == "" {
			subFormat = "srt/vtt/best"
		}
		args = append(args,
			"--write-auto-subs",
			"--embed-subs",
			"--sub-langs", langs,
			"--sub-format", subFormat,
		)
	}
	if strings.TrimSpace(opts.CookiesPath) != "" {
		cookiesPath, err := resolveCookiesPath(opts.CookiesPath)
		if err != nil {
			return nil, err
		}
		args = append(args, "--cookies", cookiesPath)
	}
	if strings.TrimSpace(opts.CookiesFromBrowser) != "" {
		args = append(args, "--cookies-from-browser", strings.TrimSpace(opts.CookiesFromBrowser))
	}
	return append(args, opts.URL), nil
}

// FormatExtractorArgs renders one "extractor:key=v1,v2;key2=v" group per
// extractor, sorted for stable command lines.
func FormatExtractorArgs(in map[string]map[string][]string) []string {
	if len(in) == 0 {
		return nil
	}
	extractors := make([]string, 0, len(in))
	for name := range in {
		extractors = append(extractors, name)
	}
	sort.Strings(extractors)

	groups := make([]string, 0, len(extractors))
	for _, name := range extractors {
		kv := in[name]
		keys := make([]string, 0, len(kv))
		for k := range kv {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strings.Join(trimAll(kv[k]), ","))
		}
		if len(pairs) == 0 {
			continue
		}
		groups = append(groups, name+":"+strings.Join(pairs, ";"))
	}
	return groups
}

// ProbeArgs never carries cookies so probing stays anonymous.
func ProbeArgs(url string) []string {
	return []string{"-J", "--skip-download", "--no-playlist", "--no-warnings", url}
}

func ProbeJSON(ctx context.Context, binary, url string) ([]byte, error) {
	if strings.TrimSpace(url) == "" {
		return nil, fmt.Errorf("video URL is required")
	}
	cmd := exec.CommandContext(ctx, binaryOrDefault(binary), ProbeArgs(url)...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%s probe failed: %w: %s", binaryOrDefault(binary), err, strings.TrimSpace(stderr.String()))
	}
	if stdout.Len() == 0 {
		return nil, fmt.Errorf("%s returned empty probe output", binaryOrDefault(binary))
	}
	return stdout.Bytes(), nil
}

// SelfUpdate runs the downloader's own updater and returns its output.
func SelfUpdate(ctx context.Context, binary string) (string, error) {
	cmd := exec.CommandContext(ctx, binaryOrDefault(binary), "-U")
	out, err := cmd.CombinedOutput()
	text := strings.TrimSpace(string(out))
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return text, fmt.Errorf("%s -U exited with code %d: %s", binaryOrDefault(binary), exitErr.ExitCode(), lastLine(text))
		}
		return text, fmt.Errorf("run %s -U: %w", binaryOrDefault(binary), err)
	}
	return text, nil
}

func Version(ctx context.Context, binary string) (string, error) {
	out, err := exec.CommandContext(ctx, binaryOrDefault(binary), "--version").Output()
	if err != nil {
		return "", fmt.Errorf("%s --version: %w", binaryOrDefault(binary), err)
	}
	return strings.TrimSpace(string(out)), nil
}

// ScanLines is a bufio.SplitFunc that treats both \n and \r as line breaks,
// so carriage-return progress redraws arrive as separate lines.
func ScanLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	for i := 0; i < len(data); i++ {
		if data[i] == '\n' || data[i] == '\r' {
			if i == 0 {
				return 1, nil, nil
			}
			return i + 1, data[:i], nil
		}
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}

func binaryOrDefault(binary string) string {
	if strings.TrimSpace(binary) == "" {
		return DefaultBinary
	}
	return binary
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[i+1:])
	}
	return s
}

func resolveCookiesPath(path string) (string, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return "", nil
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("resolve cookies path %s: %w", p, err)
	}
	if _, err := os.Stat(abs); err != nil {
		return "", fmt.Errorf("cookies file %s: %w", abs, err)
	}
	return abs, nil
}
