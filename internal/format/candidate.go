package format

import (
	"encoding/json"
	"fmt"
	"strings"
)

type Kind string

const (
	KindVideo Kind = "video"
	KindAudio Kind = "audio"
	KindMuxed Kind = "muxed"
)

// Candidate is one encoded variant from a probe. Built fresh per probe and
// never mutated afterwards.
type Candidate struct {
	ID                 string  `json:"id"`
	Protocol           string  `json:"protocol,omitempty"`
	Ext                string  `json:"ext,omitempty"`
	VCodec             string  `json:"vcodec,omitempty"`
	ACodec             string  `json:"acodec,omitempty"`
	Height             int     `json:"height,omitempty"`
	Width              int     `json:"width,omitempty"`
	FPS                float64 `json:"fps,omitempty"`
	TBR                float64 `json:"tbr,omitempty"`
	ABR                float64 `json:"abr,omitempty"`
	Note               string  `json:"note,omitempty"`
	Language           string  `json:"language,omitempty"`
	LanguagePreference int     `json:"language_preference,omitempty"`
	IsDefault          bool    `json:"is_default,omitempty"`
	IsOriginal         bool    `json:"is_original,omitempty"`
	Kind               Kind    `json:"kind"`
}

func (c Candidate) HasVideo() bool { return c.Kind == KindVideo || c.Kind == KindMuxed }
func (c Candidate) HasAudio() bool { return c.Kind == KindAudio || c.Kind == KindMuxed }

// ProbeDocument is the parsed yt-dlp -J output reduced to what selection needs.
type ProbeDocument struct {
	ID               string
	Title            string
	Thumbnail        string
	OriginalLanguage string
	Language         string
	DefaultLanguage  string
	Candidates       []Candidate
	// Skipped counts variants that are neither audio nor video (storyboards).
	Skipped int
}

// ParseProbe converts raw probe JSON into a ProbeDocument.
// Exported so tests can feed fixtures without a real yt-dlp.
func ParseProbe(data []byte) (*ProbeDocument, error) {
	var raw probeOutput
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse probe JSON: %w", err)
	}
	doc := &ProbeDocument{
		ID:               raw.ID,
		Title:            raw.Title,
		Thumbnail:        raw.Thumbnail,
		OriginalLanguage: NormalizeLanguage(raw.OriginalLanguage),
		Language:         NormalizeLanguage(raw.Language),
		DefaultLanguage:  NormalizeLanguage(raw.DefaultLanguage),
	}
	for i := range raw.Formats {
		c, ok := convertFormat(&raw.Formats[i])
		if !ok {
			doc.Skipped++
			continue
		}
		doc.Candidates = append(doc.Candidates, c)
	}
	return doc, nil
}

// --- yt-dlp JSON wire types ---

type probeOutput struct {
	ID               string        `json:"id"`
	Title            string        `json:"title"`
	Thumbnail        string        `json:"thumbnail"`
	OriginalLanguage string        `json:"original_language"`
	Language         string        `json:"language"`
	DefaultLanguage  string        `json:"default_language"`
	Formats          []probeFormat `json:"formats"`
}

type probeFormat struct {
	FormatID           string   `json:"format_id"`
	Protocol           string   `json:"protocol"`
	Ext                string   `json:"ext"`
	VCodec             string   `json:"vcodec"`
	ACodec             string   `json:"acodec"`
	Height             *float64 `json:"height"`
	Width              *float64 `json:"width"`
	FPS                *float64 `json:"fps"`
	TBR                *float64 `json:"tbr"`
	ABR                *float64 `json:"abr"`
	FormatNote         string   `json:"format_note"`
	Language           *string  `json:"language"`
	LanguagePreference *float64 `json:"language_preference"`
	IsDefault          *bool    `json:"is_default"`
	IsOriginal         *bool    `json:"is_original"`
}

func convertFormat(f *probeFormat) (Candidate, bool) {
	id := strings.TrimSpace(f.FormatID)
	if id == "" {
		return Candidate{}, false
	}
	c := Candidate{
		ID:                 id,
		Protocol:           strings.ToLower(strings.TrimSpace(f.Protocol)),
		Ext:                strings.ToLower(strings.TrimSpace(f.Ext)),
		VCodec:             strings.ToLower(strings.TrimSpace(f.VCodec)),
		ACodec:             strings.ToLower(strings.TrimSpace(f.ACodec)),
		Height:             int(deref(f.Height)),
		Width:              int(deref(f.Width)),
		FPS:                deref(f.FPS),
		TBR:                deref(f.TBR),
		ABR:                deref(f.ABR),
		Note:               strings.TrimSpace(f.FormatNote),
		LanguagePreference: int(deref(f.LanguagePreference)),
		IsDefault:          f.IsDefault != nil && *f.IsDefault,
		IsOriginal:         f.IsOriginal != nil && *f.IsOriginal,
	}
	if f.Language != nil {
		c.Language = NormalizeLanguage(*f.Language)
	}
	kind, ok := classify(c)
	if !ok {
		return Candidate{}, false
	}
	c.Kind = kind
	return c, true
}

// classify decides by codec presence. An empty codec field means unknown and
// counts as present; "none" means absent.
func classify(c Candidate) (Kind, bool) {
	if c.Ext == "mhtml" || c.Protocol == "mhtml" {
		return "", false
	}
	video := c.VCodec != "none"
	audio := c.ACodec != "none"
	switch {
	case video && audio:
		return KindMuxed, true
	case video:
		return KindVideo, true
	case audio:
		return KindAudio, true
	default:
		return "", false
	}
}

func deref(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}
