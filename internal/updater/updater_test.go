package updater

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func writeFakeYTDLP(t *testing.T, body string) string {
	t.Helper()
	bin := filepath.Join(t.TempDir(), "yt-dlp")
	if err := os.WriteFile(bin, []byte("#!/usr/bin/env bash\n"+body), 0o755); err != nil {
		t.Fatal(err)
	}
	return bin
}

func TestUpdateRecordsOutput(t *testing.T) {
	bin := writeFakeYTDLP(t, `
[ "$1" = "-U" ] || exit 9
echo "Current version: stable@2026.09.01"
echo "yt-dlp is up to date (stable@2026.09.01)"
`)
	u := New(bin, time.Second, zerolog.Nop())
	if err := u.Update(context.Background()); err != nil {
		t.Fatalf("update: %v", err)
	}
	info := u.Info()
	if info.LastRun == nil || info.Error != "" || info.Running {
		t.Fatalf("unexpected info: %+v", info)
	}
	if !strings.Contains(info.Output, "up to date") {
		t.Fatalf("expected output captured, got %q", info.Output)
	}
	if got := lastLine(info.Output); got != "yt-dlp is up to date (stable@2026.09.01)" {
		t.Fatalf("lastLine = %q", got)
	}
}

func TestUpdateFailureIsReported(t *testing.T) {
	bin := writeFakeYTDLP(t, `echo "ERROR: unable to write to binary" >&2; exit 100`)
	u := New(bin, time.Second, zerolog.Nop())
	err := u.Update(context.Background())
	if err == nil || !strings.Contains(err.Error(), "code 100") {
		t.Fatalf("expected exit code error, got %v", err)
	}
	if u.Info().Error == "" {
		t.Fatalf("expected error recorded")
	}
}

func TestUpdateTimeout(t *testing.T) {
	bin := writeFakeYTDLP(t, `exec sleep 5`)
	u := New(bin, 100*time.Millisecond, zerolog.Nop())
	err := u.Update(context.Background())
	if err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("expected timeout, got %v", err)
	}
}

func TestConcurrentUpdateRejected(t *testing.T) {
	bin := writeFakeYTDLP(t, `exec sleep 1`)
	u := New(bin, 5*time.Second, zerolog.Nop())
	done := make(chan error, 1)
	go func() { done <- u.Update(context.Background()) }()

	deadline := time.Now().Add(2 * time.Second)
	for !u.Info().Running {
		if time.Now().After(deadline) {
			t.Fatal("first update never started")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := u.Update(context.Background()); !errors.Is(err, ErrUpdateRunning) {
		t.Fatalf("expected ErrUpdateRunning, got %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("first update: %v", err)
	}
}

func TestScheduleRejectsBadCron(t *testing.T) {
	u := New("yt-dlp", time.Second, zerolog.Nop())
	if _, err := NewSchedule(u, "not a cron", zerolog.Nop()); err == nil {
		t.Fatal("expected invalid cron error")
	}
}

func TestScheduleReportsNextRun(t *testing.T) {
	u := New("yt-dlp", time.Second, zerolog.Nop())
	s, err := NewSchedule(u, "0 4 * * *", zerolog.Nop())
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	s.Start()
	defer func() { _ = s.Stop() }()

	info := s.Info()
	if info.Schedule != "0 4 * * *" {
		t.Fatalf("unexpected schedule %q", info.Schedule)
	}
	if info.NextRun == nil || !info.NextRun.After(time.Now()) {
		t.Fatalf("expected future next run, got %v", info.NextRun)
	}
}
