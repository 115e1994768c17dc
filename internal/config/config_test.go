package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func isolate(t *testing.T) {
	t.Helper()
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())
}

func TestLoadDefaults(t *testing.T) {
	isolate(t)
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "yt-dlp", cfg.Downloader.Binary)
	assert.Equal(t, 2, cfg.Downloader.Concurrency)
	assert.Equal(t, 45*time.Second, Duration(cfg.Downloader.ProbeTimeout, 0))
	assert.Equal(t, 3*time.Second, Duration(cfg.Downloader.TermTimeout, 0))
	assert.Equal(t, 500*time.Millisecond, Duration(cfg.Downloader.SettleDelay, 0))
	assert.Equal(t, 30, cfg.Downloader.Reliability.SocketTimeout)
	assert.True(t, cfg.Selection.Enabled)
	assert.Equal(t, []string{"m3u8"}, cfg.Selection.AvoidProtocols)
	assert.Equal(t, "127.0.0.1:8765", cfg.Server.Address())
	assert.Equal(t, filepath.Join(cfg.DataDir, "history.db"), cfg.HistoryPath())
}

func TestLoadFileAndEnvPrecedence(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
downloader:
  concurrency: 4
  output_dir: /media/videos
selection:
  target_height: 720
  languages: [de, en]
  protocol_first: true
server:
  port: 9000
`), 0o644))
	t.Setenv("YTQ_SERVER_PORT", "9100")
	t.Setenv("YTQ_SELECTION_VIDEO_CODECS", "av01,vp9")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Downloader.Concurrency)
	assert.Equal(t, "/media/videos", cfg.Downloader.OutputDir)
	assert.Equal(t, 720, cfg.Selection.TargetHeight)
	assert.Equal(t, []string{"de", "en"}, cfg.Selection.Languages)
	assert.True(t, cfg.Selection.ProtocolFirst)
	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, []string{"av01", "vp9"}, cfg.Selection.VideoCodecs)
}

func TestLoadDotEnv(t *testing.T) {
	isolate(t)
	require.NoError(t, os.WriteFile(".env", []byte("YTQ_LOGGING_LEVEL=debug\n"), 0o644))
	t.Cleanup(func() { os.Unsetenv("YTQ_LOGGING_LEVEL") })

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Default()
	cfg.Downloader.ProbeTimeout = "soon"
	cfg.Server.Port = 70000
	cfg.Downloader.CookiesFile = "/tmp/c.txt"
	cfg.Downloader.CookiesFromBrowser = "firefox"

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "downloader.probe_timeout")
	assert.Contains(t, msg, "server.port")
	assert.Contains(t, msg, "mutually exclusive")
}

func TestFormatOptions(t *testing.T) {
	cfg := Default()
	cfg.Selection.TargetHeight = 1080
	opts := cfg.FormatOptions()
	require.NotNil(t, opts.Policy)
	assert.Equal(t, 1080, opts.Policy.TargetHeight)
	assert.Equal(t, "bv*+ba/b", opts.Format)
	assert.Equal(t, "mp4", opts.MergeOutputFormat)

	cfg.Selection.TargetHeight = 480
	assert.Equal(t, 1080, opts.Policy.TargetHeight, "policy must be a copy")

	cfg.Selection.Enabled = false
	assert.Nil(t, cfg.FormatOptions().Policy)
}

func TestMarshalAndWriteDefault(t *testing.T) {
	out, err := Marshal(Default())
	require.NoError(t, err)
	text := string(out)
	assert.Contains(t, text, "probe_timeout: 45s")
	assert.Contains(t, text, "target_height: 0")
	assert.False(t, strings.Contains(text, "selectionpolicy"), "policy fields must be inlined")

	var back Config
	require.NoError(t, yaml.Unmarshal(out, &back))
	assert.Equal(t, 2, back.Downloader.Concurrency)

	path := filepath.Join(t.TempDir(), "cfg", "config.yaml")
	wrote, err := WriteDefault(path)
	require.NoError(t, err)
	assert.True(t, wrote)
	wrote, err = WriteDefault(path)
	require.NoError(t, err)
	assert.False(t, wrote)

	isolate(t)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "yt-dlp", cfg.Downloader.Binary)
}

func TestDoctorReportsMissingBinaryAndWritableDirs(t *testing.T) {
	cfg := Default()
	cfg.Downloader.Binary = filepath.Join(t.TempDir(), "no-such-yt-dlp")
	cfg.Downloader.OutputDir = filepath.Join(t.TempDir(), "out")
	cfg.DataDir = filepath.Join(t.TempDir(), "data")

	res := Doctor(context.Background(), cfg)
	assert.False(t, res.OK)
	byName := map[string]DoctorCheck{}
	for _, c := range res.Checks {
		byName[c.Name] = c
	}
	assert.False(t, byName["dependency:yt-dlp"].OK)
	assert.Contains(t, byName["dependency:yt-dlp"].Message, "not found")
	assert.True(t, byName["directory:output"].OK)
	assert.True(t, byName["directory:data"].OK)
	assert.True(t, byName["directory:history"].OK)
	_, probed := byName["version:yt-dlp"]
	assert.False(t, probed)
}
