package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"yt-queue/internal/runstore"
	"yt-queue/internal/ytdlp"
)

type DoctorResult struct {
	OK     bool          `json:"ok"`
	Checks []DoctorCheck `json:"checks"`
}

type DoctorCheck struct {
	Name    string `json:"name"`
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

// Add appends a check and keeps OK in sync.
func (r *DoctorResult) Add(c DoctorCheck) {
	r.Checks = append(r.Checks, c)
	r.OK = r.OK && c.OK
}

// Doctor checks the external tools and directories a download needs.
func Doctor(ctx context.Context, cfg *Config) DoctorResult {
	res := DoctorResult{OK: true}
	dep := ytdlp.DependencyStatus(cfg.Downloader.Binary)
	res.Add(DoctorCheck{
		Name:    "dependency:yt-dlp",
		OK:      dep.YTDLPFound,
		Message: dependencyMessage(dep.YTDLPFound, dep.YTDLPPath, cfg.Downloader.Binary),
	})
	if dep.YTDLPFound {
		vctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		version, err := ytdlp.Version(vctx, cfg.Downloader.Binary)
		cancel()
		check := DoctorCheck{Name: "version:yt-dlp", OK: err == nil, Message: version}
		if err != nil {
			check.Message = err.Error()
		}
		res.Add(check)
	}
	res.Add(DoctorCheck{
		Name:    "dependency:ffmpeg",
		OK:      dep.FFmpegFound,
		Message: dependencyMessage(dep.FFmpegFound, dep.FFmpegPath, "ffmpeg"),
	})

	if cookies := cfg.Downloader.CookiesFile; cookies != "" {
		_, err := os.Stat(cookies)
		check := DoctorCheck{Name: "file:cookies", OK: err == nil, Message: "readable"}
		if err != nil {
			check.Message = err.Error()
		}
		res.Add(check)
	}

	ok, msg := ensureWritableDir(cfg.Downloader.OutputDir)
	res.Add(DoctorCheck{Name: "directory:output", OK: ok, Message: msg})

	ok, msg = ensureWritableDir(cfg.DataDir)
	res.Add(DoctorCheck{Name: "directory:data", OK: ok, Message: msg})

	if cfg.History.Enabled {
		ok, msg = ensureWritableDir(filepath.Dir(cfg.HistoryPath()))
		res.Add(DoctorCheck{Name: "directory:history", OK: ok, Message: msg})
	}
	return res
}

func dependencyMessage(ok bool, path, name string) string {
	if name == "" {
		name = ytdlp.DefaultBinary
	}
	if ok {
		return name + " found at " + path
	}
	return name + " not found on PATH"
}

func ensureWritableDir(path string) (bool, string) {
	if strings.TrimSpace(path) == "" {
		return false, "empty path"
	}
	if err := runstore.Mkdir(path); err != nil {
		return false, err.Error()
	}
	f, err := os.CreateTemp(path, "yt-queue-check-*.tmp")
	if err != nil {
		return false, err.Error()
	}
	_ = f.Close()
	_ = os.Remove(f.Name())
	return true, "writable"
}
