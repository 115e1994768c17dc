package ytdlp

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
)

func TestBuildDownloadArgsIncludesReliabilityFlags(t *testing.T) {
	args, err := BuildDownloadArgs(DownloadArgs{
		URL:       "https://example.com/watch?v=abc",
		Format:    "137+140",
		OutputDir: "/tmp/out",
	})
	if err != nil {
		t.Fatalf("build args: %v", err)
	}
	for _, want := range []string{
		"--ignore-errors", "--skip-unavailable-fragments", "--no-mtime", "--progress",
		"--socket-timeout", "--retries", "--fragment-retries", "--extractor-retries", "--file-access-retries",
	} {
		if !slices.Contains(args, want) {
			t.Fatalf("expected %s in args: %v", want, args)
		}
	}
	if got := valueAfter(args, "--format"); got != "137+140" {
		t.Fatalf("unexpected format: %q", got)
	}
	if args[len(args)-1] != "https://example.com/watch?v=abc" {
		t.Fatalf("url must be last argument: %v", args)
	}
	if slices.Contains(args, "--write-auto-subs") || slices.Contains(args, "--cookies") {
		t.Fatalf("unexpected optional flags: %v", args)
	}
}

func TestBuildDownloadArgsOptionalFlags(t *testing.T) {
	cookies := filepath.Join(t.TempDir(), "cookies.txt")
	if err := os.WriteFile(cookies, []byte("# Netscape HTTP Cookie File\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	args, err := BuildDownloadArgs(DownloadArgs{
		URL:       "https://example.com/v",
		OutputDir: "/tmp/out",
		ExtractorArgs: map[string]map[string][]string{
			"youtube": {"player_client": {"web", "android"}, "skip": {"dash"}},
		},
		FormatSort:        []string{"res", " codec:avc1 "},
		MergeOutputFormat: "mp4",
		Subtitles:         true,
		SubLangs:          []string{"en", "de"},
		CookiesPath:       cookies,
	})
	if err != nil {
		t.Fatalf("build args: %v", err)
	}
	if got := valueAfter(args, "--extractor-args"); got != "youtube:player_client=web,android;skip=dash" {
		t.Fatalf("unexpected extractor args: %q", got)
	}
	if got := valueAfter(args, "--format-sort"); got != "res,codec:avc1" {
		t.Fatalf("unexpected format sort: %q", got)
	}
	if got := valueAfter(args, "--merge-output-format"); got != "mp4" {
		t.Fatalf("unexpected merge format: %q", got)
	}
	if got := valueAfter(args, "--sub-langs"); got != "en,de" {
		t.Fatalf("unexpected sub langs: %q", got)
	}
	if !slices.Contains(args, "--embed-subs") || !slices.Contains(args, "--write-auto-subs") {
		t.Fatalf("missing subtitle flags: %v", args)
	}
	if got := valueAfter(args, "--cookies"); got != cookies {
		t.Fatalf("unexpected cookies path: %q", got)
	}
}

func TestBuildDownloadArgsSuppressesMergeForAudioOnly(t *testing.T) {
	args, err := BuildDownloadArgs(DownloadArgs{
		URL:               "https://example.com/v",
		Format:            "140",
		OutputDir:         "/tmp/out",
		MergeOutputFormat: "mkv",
		AudioOnly:         true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if slices.Contains(args, "--merge-output-format") {
		t.Fatalf("merge output format must be suppressed for audio-only: %v", args)
	}
}

func TestBuildDownloadArgsRejectsMissingCookies(t *testing.T) {
	_, err := BuildDownloadArgs(DownloadArgs{
		URL:         "https://example.com/v",
		OutputDir:   "/tmp/out",
		CookiesPath: filepath.Join(t.TempDir(), "missing.txt"),
	})
	if err == nil {
		t.Fatalf("expected missing cookies file error")
	}
}

func TestProbeArgsNeverCarryCookies(t *testing.T) {
	args := ProbeArgs("https://example.com/v")
	for _, a := range args {
		if strings.Contains(a, "cookie") {
			t.Fatalf("probe args must not carry cookies: %v", args)
		}
	}
	if !slices.Contains(args, "-J") || !slices.Contains(args, "--skip-download") {
		t.Fatalf("unexpected probe args: %v", args)
	}
}

func TestScanLinesSplitsCarriageReturns(t *testing.T) {
	in := "[download]   1.0% of 10MiB\r[download]  50.0% of 10MiB\r\nlast"
	sc := bufio.NewScanner(strings.NewReader(in))
	sc.Split(ScanLines)
	var lines []string
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	want := []string{"[download]   1.0% of 10MiB", "[download]  50.0% of 10MiB", "last"}
	if !slices.Equal(lines, want) {
		t.Fatalf("unexpected lines: %q", lines)
	}
}

func TestHarnessProbeAndSelfUpdate(t *testing.T) {
	fakeBin := t.TempDir()
	script := `#!/usr/bin/env bash
set -euo pipefail
if [ "$1" = "-U" ]; then
  echo "yt-dlp is up to date (2025.01.01)"
  exit 0
fi
if printf '%s ' "$@" | grep -q -- '--cookies'; then
  echo "cookies must not be passed" >&2
  exit 2
fi
echo '{"id":"abc","formats":[]}'
`
	bin := filepath.Join(fakeBin, "yt-dlp")
	if err := os.WriteFile(bin, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}

	out, err := ProbeJSON(context.Background(), bin, "https://example.com/v")
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if !strings.Contains(string(out), `"id":"abc"`) {
		t.Fatalf("unexpected probe output: %s", out)
	}

	msg, err := SelfUpdate(context.Background(), bin)
	if err != nil {
		t.Fatalf("self update: %v", err)
	}
	if !strings.Contains(msg, "up to date") {
		t.Fatalf("unexpected self-update output: %q", msg)
	}
}

func valueAfter(args []string, flag string) string {
	for i := 0; i < len(args)-1; i++ {
		if args[i] == flag {
			return args[i+1]
		}
	}
	return ""
}
