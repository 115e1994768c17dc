package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"yt-queue/internal/model"
	"yt-queue/internal/runstore"
	"yt-queue/internal/ytdlp"
)

const EnvPrefix = "YTQ"

// Config holds all application configuration.
type Config struct {
	DataDir    string           `mapstructure:"data_dir" yaml:"data_dir"`
	Downloader DownloaderConfig `mapstructure:"downloader" yaml:"downloader"`
	Selection  SelectionConfig  `mapstructure:"selection" yaml:"selection"`
	Server     ServerConfig     `mapstructure:"server" yaml:"server"`
	Logging    LoggingConfig    `mapstructure:"logging" yaml:"logging"`
	History    HistoryConfig    `mapstructure:"history" yaml:"history"`
	Redis      RedisConfig      `mapstructure:"redis" yaml:"redis"`
	Updater    UpdaterConfig    `mapstructure:"updater" yaml:"updater"`
	Metadata   MetadataConfig   `mapstructure:"metadata" yaml:"metadata"`
}

type DownloaderConfig struct {
	Binary             string            `mapstructure:"binary" yaml:"binary"`
	OutputDir          string            `mapstructure:"output_dir" yaml:"output_dir"`
	OutputTemplate     string            `mapstructure:"output_template" yaml:"output_template"`
	Concurrency        int               `mapstructure:"concurrency" yaml:"concurrency"`
	Format             string            `mapstructure:"format" yaml:"format"`
	FormatSort         []string          `mapstructure:"format_sort" yaml:"format_sort"`
	MergeOutputFormat  string            `mapstructure:"merge_output_format" yaml:"merge_output_format"`
	Subtitles          bool              `mapstructure:"subtitles" yaml:"subtitles"`
	SubLangs           []string          `mapstructure:"sub_langs" yaml:"sub_langs"`
	SubFormat          string            `mapstructure:"sub_format" yaml:"sub_format"`
	CookiesFile        string            `mapstructure:"cookies_file" yaml:"cookies_file"`
	CookiesFromBrowser string            `mapstructure:"cookies_from_browser" yaml:"cookies_from_browser"`
	ProbeTimeout       string            `mapstructure:"probe_timeout" yaml:"probe_timeout"`
	TermTimeout        string            `mapstructure:"term_timeout" yaml:"term_timeout"`
	SettleDelay        string            `mapstructure:"settle_delay" yaml:"settle_delay"`
	OutputLines        int               `mapstructure:"output_lines" yaml:"output_lines"`
	Reliability        ytdlp.Reliability `mapstructure:"reliability" yaml:"reliability"`
}

// SelectionConfig drives the format selector. When disabled, jobs use
// downloader.format as-is.
type SelectionConfig struct {
	Enabled               bool `mapstructure:"enabled" yaml:"enabled"`
	model.SelectionPolicy `mapstructure:",squash" yaml:",inline"`
}

type ServerConfig struct {
	Host            string `mapstructure:"host" yaml:"host"`
	Port            int    `mapstructure:"port" yaml:"port"`
	ShutdownTimeout string `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Format     string `mapstructure:"format" yaml:"format"`
	Path       string `mapstructure:"path" yaml:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
	BufferSize int    `mapstructure:"buffer_size" yaml:"buffer_size"`
}

type HistoryConfig struct {
	Enabled       bool   `mapstructure:"enabled" yaml:"enabled"`
	Path          string `mapstructure:"path" yaml:"path"`
	RetentionDays int    `mapstructure:"retention_days" yaml:"retention_days"`
}

type RedisConfig struct {
	Addr            string `mapstructure:"addr" yaml:"addr"`
	Password        string `mapstructure:"password" yaml:"password"`
	DB              int    `mapstructure:"db" yaml:"db"`
	Stream          string `mapstructure:"stream" yaml:"stream"`
	MaxLen          int64  `mapstructure:"max_len" yaml:"max_len"`
	IncludeProgress bool   `mapstructure:"include_progress" yaml:"include_progress"`
}

type UpdaterConfig struct {
	// OnFirstBatch runs "yt-dlp -U" before the first downloads start.
	OnFirstBatch bool   `mapstructure:"on_first_batch" yaml:"on_first_batch"`
	Cron         string `mapstructure:"cron" yaml:"cron"`
	Timeout      string `mapstructure:"timeout" yaml:"timeout"`
}

type MetadataConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Timeout string `mapstructure:"timeout" yaml:"timeout"`
}

// Load reads configuration from file and environment variables.
// Priority: environment variables > config file > defaults. A .env file in
// the working directory is loaded into the environment first.
func Load(configPath string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("$HOME/.yt-queue")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration Load produces with no file or env.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg := &Config{}
	_ = v.Unmarshal(cfg)
	return cfg
}

func setDefaults(v *viper.Viper) {
	rel := ytdlp.DefaultReliability()

	v.SetDefault("data_dir", defaultDataDir())

	v.SetDefault("downloader.binary", ytdlp.DefaultBinary)
	v.SetDefault("downloader.output_dir", ".")
	v.SetDefault("downloader.output_template", ytdlp.DefaultOutputTemplate)
	v.SetDefault("downloader.concurrency", 2)
	v.SetDefault("downloader.format", "bv*+ba/b")
	v.SetDefault("downloader.format_sort", []string{})
	v.SetDefault("downloader.merge_output_format", "mp4")
	v.SetDefault("downloader.subtitles", false)
	v.SetDefault("downloader.sub_langs", []string{"en"})
	v.SetDefault("downloader.sub_format", "srt/best")
	v.SetDefault("downloader.cookies_file", "")
	v.SetDefault("downloader.cookies_from_browser", "")
	v.SetDefault("downloader.probe_timeout", "45s")
	v.SetDefault("downloader.term_timeout", "3s")
	v.SetDefault("downloader.settle_delay", "500ms")
	v.SetDefault("downloader.output_lines", 500)
	v.SetDefault("downloader.reliability.socket_timeout", rel.SocketTimeout)
	v.SetDefault("downloader.reliability.retries", rel.Retries)
	v.SetDefault("downloader.reliability.fragment_retries", rel.FragmentRetries)
	v.SetDefault("downloader.reliability.extractor_retries", rel.ExtractorRetries)
	v.SetDefault("downloader.reliability.file_access_retries", rel.FileAccessRetries)

	v.SetDefault("selection.enabled", true)
	v.SetDefault("selection.target_height", 0)
	v.SetDefault("selection.target_width", 0)
	v.SetDefault("selection.preferred_protocol", "https")
	v.SetDefault("selection.avoid_protocols", []string{"m3u8"})
	v.SetDefault("selection.video_ext", "")
	v.SetDefault("selection.audio_ext", "")
	v.SetDefault("selection.video_codecs", []string{"avc1", "vp9", "av01"})
	v.SetDefault("selection.audio_only", false)
	v.SetDefault("selection.languages", []string{})
	v.SetDefault("selection.protocol_first", false)

	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8765)
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.path", "")
	v.SetDefault("logging.max_size_mb", 10)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 30)
	v.SetDefault("logging.compress", false)
	v.SetDefault("logging.buffer_size", 1000)

	v.SetDefault("history.enabled", true)
	v.SetDefault("history.path", "")
	v.SetDefault("history.retention_days", 90)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.stream", "yt-queue:events")
	v.SetDefault("redis.max_len", 10000)
	v.SetDefault("redis.include_progress", false)

	v.SetDefault("updater.on_first_batch", false)
	v.SetDefault("updater.cron", "")
	v.SetDefault("updater.timeout", "2m")

	v.SetDefault("metadata.enabled", true)
	v.SetDefault("metadata.timeout", "10s")
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".yt-queue"
	}
	return filepath.Join(home, ".yt-queue")
}

// Validate rejects values that would only fail later, at job time.
func (c *Config) Validate() error {
	var errs []error
	for name, raw := range map[string]string{
		"downloader.probe_timeout": c.Downloader.ProbeTimeout,
		"downloader.term_timeout":  c.Downloader.TermTimeout,
		"downloader.settle_delay":  c.Downloader.SettleDelay,
		"server.shutdown_timeout":  c.Server.ShutdownTimeout,
		"updater.timeout":          c.Updater.Timeout,
		"metadata.timeout":         c.Metadata.Timeout,
	} {
		if _, err := parseDuration(raw); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port: %d out of range", c.Server.Port))
	}
	if c.Selection.TargetHeight < 0 || c.Selection.TargetWidth < 0 {
		errs = append(errs, errors.New("selection: target dimensions must not be negative"))
	}
	if c.Downloader.CookiesFile != "" && c.Downloader.CookiesFromBrowser != "" {
		errs = append(errs, errors.New("downloader: cookies_file and cookies_from_browser are mutually exclusive"))
	}
	return errors.Join(errs...)
}

func parseDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", raw)
	}
	return d, nil
}

// Duration parses a validated duration field. Empty means def.
func Duration(raw string, def time.Duration) time.Duration {
	d, err := parseDuration(raw)
	if err != nil || d == 0 {
		return def
	}
	return d
}

// FormatOptions builds the per-job options every enqueued URL starts from.
func (c *Config) FormatOptions() model.FormatOptions {
	d := c.Downloader
	opts := model.FormatOptions{
		Format:            d.Format,
		FormatSort:        d.FormatSort,
		MergeOutputFormat: d.MergeOutputFormat,
		Subtitles:         d.Subtitles,
		SubLangs:          d.SubLangs,
		SubFormat:         d.SubFormat,
		Cookies:           model.CookieMode{File: d.CookiesFile, FromBrowser: d.CookiesFromBrowser},
		OutputTemplate:    d.OutputTemplate,
	}
	if c.Selection.Enabled {
		policy := c.Selection.SelectionPolicy
		opts.Policy = &policy
	}
	return opts
}

func (c *Config) HistoryPath() string {
	if c.History.Path != "" {
		return c.History.Path
	}
	return filepath.Join(c.DataDir, "history.db")
}

func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Marshal renders the effective configuration as YAML.
func Marshal(cfg *Config) ([]byte, error) {
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return out, nil
}

// WriteDefault writes the default configuration to path unless a file
// already exists there. It reports whether it wrote.
func WriteDefault(path string) (bool, error) {
	if runstore.Exists(path) {
		return false, nil
	}
	data, err := Marshal(Default())
	if err != nil {
		return false, err
	}
	if err := runstore.WriteBytes(path, data); err != nil {
		return false, err
	}
	return true, nil
}
