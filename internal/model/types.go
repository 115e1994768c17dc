package model

import "time"

// Job is the scheduler's record of one download, keyed by canonical URL.
type Job struct {
	URL         string        `json:"url"`
	Options     FormatOptions `json:"options"`
	OutputDir   string        `json:"output_dir"`
	Status      JobStatus     `json:"status"`
	Percent     float64       `json:"percent"`
	Message     string        `json:"message,omitempty"`
	Filename    string        `json:"filename,omitempty"`
	Title       string        `json:"title,omitempty"`
	Thumbnail   string        `json:"thumbnail,omitempty"`
	Dismissable bool          `json:"dismissable"`
	Cancelling  bool          `json:"cancelling"`
	AttemptID   string        `json:"attempt_id,omitempty"`
	FormatSpec  string        `json:"format_spec,omitempty"`
	EnqueuedAt  time.Time     `json:"enqueued_at"`
	StartedAt   time.Time     `json:"started_at,omitzero"`
	FinishedAt  time.Time     `json:"finished_at,omitzero"`
}

// FormatOptions enumerates every per-job download option the supervisor
// understands.
type FormatOptions struct {
	Format            string                         `json:"format,omitempty"`
	Policy            *SelectionPolicy               `json:"policy,omitempty"`
	ExtractorArgs     map[string]map[string][]string `json:"extractor_args,omitempty"`
	FormatSort        []string                       `json:"format_sort,omitempty"`
	MergeOutputFormat string                         `json:"merge_output_format,omitempty"`
	Subtitles         bool                           `json:"subtitles,omitempty"`
	SubLangs          []string                       `json:"sub_langs,omitempty"`
	SubFormat         string                         `json:"sub_format,omitempty"`
	Cookies           CookieMode                     `json:"cookies,omitzero"`
	OutputTemplate    string                         `json:"output_template,omitempty"`
}

type CookieMode struct {
	File        string `json:"file,omitempty"`
	FromBrowser string `json:"from_browser,omitempty"`
}

func (c CookieMode) Enabled() bool {
	return c.File != "" || c.FromBrowser != ""
}

// SelectionPolicy drives the format selector. A zero TargetHeight and
// TargetWidth select "best" mode.
type SelectionPolicy struct {
	TargetHeight      int      `json:"target_height,omitempty" mapstructure:"target_height" yaml:"target_height"`
	TargetWidth       int      `json:"target_width,omitempty" mapstructure:"target_width" yaml:"target_width"`
	PreferredProtocol string   `json:"preferred_protocol,omitempty" mapstructure:"preferred_protocol" yaml:"preferred_protocol"`
	AvoidProtocols    []string `json:"avoid_protocols,omitempty" mapstructure:"avoid_protocols" yaml:"avoid_protocols"`
	VideoExt          string   `json:"video_ext,omitempty" mapstructure:"video_ext" yaml:"video_ext"`
	AudioExt          string   `json:"audio_ext,omitempty" mapstructure:"audio_ext" yaml:"audio_ext"`
	VideoCodecs       []string `json:"video_codecs,omitempty" mapstructure:"video_codecs" yaml:"video_codecs"`
	AudioOnly         bool     `json:"audio_only,omitempty" mapstructure:"audio_only" yaml:"audio_only"`
	Languages         []string `json:"languages,omitempty" mapstructure:"languages" yaml:"languages"`
	ProtocolFirst     bool     `json:"protocol_first,omitempty" mapstructure:"protocol_first" yaml:"protocol_first"`
}

func (p SelectionPolicy) Constrained() bool {
	return p.TargetHeight > 0 || p.TargetWidth > 0
}

// Phase is the supervisor's view of what the external process is doing.
type Phase string

const (
	PhaseDownloading Phase = "downloading"
	PhaseSubtitles   Phase = "subtitles"
	PhaseMerging     Phase = "merging"
	PhaseFixing      Phase = "fixing"
	PhaseEmbedding   Phase = "embedding"
	PhaseCompleted   Phase = "completed"
)

// Update is one structured progress event produced by a supervisor.
type Update struct {
	Phase    Phase
	Percent  float64
	Speed    string
	ETA      string
	Size     string
	Message  string
	Filename string
	// Reset marks the start of a new file so the percent may go backwards.
	Reset bool
}

// Result is the terminal outcome of one supervised process.
type Result struct {
	Status     JobStatus
	Filename   string
	FormatSpec string
	ExitCode   int
	Err        error
}

type EventType string

const (
	EventQueueChanged EventType = "queue"
	EventStatus       EventType = "status"
	EventProgress     EventType = "progress"
	EventMetadata     EventType = "metadata"
	EventFinished     EventType = "finished"
)

// Event is the tagged message the scheduler delivers to its caller.
type Event struct {
	Type      EventType `json:"type"`
	URL       string    `json:"url,omitempty"`
	Status    JobStatus `json:"status,omitempty"`
	Percent   float64   `json:"percent"`
	Speed     string    `json:"speed,omitempty"`
	ETA       string    `json:"eta,omitempty"`
	Message   string    `json:"message,omitempty"`
	Filename  string    `json:"filename,omitempty"`
	Title     string    `json:"title,omitempty"`
	Thumbnail string    `json:"thumbnail,omitempty"`
	Error     string    `json:"error,omitempty"`
	Queued    int       `json:"queued,omitempty"`
	Active    int       `json:"active,omitempty"`
	Time      time.Time `json:"time"`
}

// Metadata is what the metadata fetcher reports for a URL. Either field may
// be empty.
type Metadata struct {
	Title     string `json:"title,omitempty"`
	Thumbnail string `json:"thumbnail,omitempty"`
}

// Counts summarizes the scheduler collections.
type Counts struct {
	Queued    int `json:"queued"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Errored   int `json:"errored"`
	Limit     int `json:"limit"`
}

const DisplayMessageLimit = 300

// TruncateMessage shortens s to at most limit runes for display.
func TruncateMessage(s string, limit int) string {
	r := []rune(s)
	if limit <= 0 || len(r) <= limit {
		return s
	}
	return string(r[:limit-1]) + "…"
}
