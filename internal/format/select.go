package format

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"yt-queue/internal/model"
	"yt-queue/internal/ytdlp"
)

type PickKind string

const (
	PickVideoAudio PickKind = "video+audio"
	PickMuxed      PickKind = "muxed"
	PickAudioOnly  PickKind = "audio-only"
	PickFallback   PickKind = "fallback"
)

const (
	FallbackAudio = "bestaudio/best"
	FallbackBest  = "bv*+ba/b"

	DefaultProbeTimeout = 45 * time.Second
)

type Counts struct {
	Total int `json:"total"`
	Video int `json:"video"`
	Audio int `json:"audio"`
	Muxed int `json:"muxed"`
}

type PickResult struct {
	FormatSpec string                `json:"format_spec"`
	Kind       PickKind              `json:"kind"`
	VideoID    string                `json:"video_id,omitempty"`
	AudioID    string                `json:"audio_id,omitempty"`
	ChosenIDs  []string              `json:"chosen_ids,omitempty"`
	Counts     Counts                `json:"counts"`
	Languages  []string              `json:"languages,omitempty"`
	Policy     model.SelectionPolicy `json:"policy"`
}

// AudioOnly reports whether nothing will be merged, so no merge container
// should be requested.
func (r PickResult) AudioOnly() bool {
	return r.Kind == PickAudioOnly || (r.Kind == PickFallback && r.Policy.AudioOnly)
}

// PickFormat is pure and total: it always returns a result, and the same
// document and policy always give the same result.
func PickFormat(doc *ProbeDocument, policy model.SelectionPolicy) PickResult {
	var videos, audios, muxed []Candidate
	if doc != nil {
		for _, c := range doc.Candidates {
			switch c.Kind {
			case KindVideo:
				videos = append(videos, c)
			case KindAudio:
				audios = append(audios, c)
			case KindMuxed:
				muxed = append(muxed, c)
			}
		}
	}
	s := scorer{policy: policy, languages: effectiveLanguages(doc, policy.Languages)}
	res := PickResult{
		Counts: Counts{
			Total: len(videos) + len(audios) + len(muxed),
			Video: len(videos),
			Audio: len(audios),
			Muxed: len(muxed),
		},
		Languages: s.languages,
		Policy:    policy,
	}

	if policy.AudioOnly {
		if a, ok := best(audios, s.audio); ok {
			return res.with(PickAudioOnly, a.ID, "", a.ID)
		}
		res.Kind = PickFallback
		res.FormatSpec = FallbackAudio
		return res
	}

	v, haveVideo := best(videos, s.video)
	a, haveAudio := best(audios, s.audio)
	if haveVideo && haveAudio {
		return res.with(PickVideoAudio, v.ID+"+"+a.ID, v.ID, a.ID)
	}
	if m, ok := best(muxed, s.muxed); ok {
		return res.with(PickMuxed, m.ID, m.ID, "")
	}
	if haveAudio {
		return res.with(PickAudioOnly, a.ID, "", a.ID)
	}
	res.Kind = PickFallback
	res.FormatSpec = fallbackSpec(policy)
	return res
}

func (r PickResult) with(kind PickKind, spec, videoID, audioID string) PickResult {
	r.Kind = kind
	r.FormatSpec = spec
	r.VideoID = videoID
	r.AudioID = audioID
	r.ChosenIDs = nil
	for _, id := range []string{videoID, audioID} {
		if id != "" && (len(r.ChosenIDs) == 0 || r.ChosenIDs[0] != id) {
			r.ChosenIDs = append(r.ChosenIDs, id)
		}
	}
	return r
}

func fallbackSpec(policy model.SelectionPolicy) string {
	var filter string
	if policy.TargetHeight > 0 {
		filter += "[height<=" + strconv.Itoa(policy.TargetHeight) + "]"
	}
	if policy.TargetWidth > 0 {
		filter += "[width<=" + strconv.Itoa(policy.TargetWidth) + "]"
	}
	if filter == "" {
		return FallbackBest
	}
	return "bv*" + filter + "+ba/b" + filter + "/" + FallbackBest
}

// Selector probes a URL with yt-dlp and picks a format.
type Selector struct {
	Binary  string
	Timeout time.Duration
	Logger  zerolog.Logger
}

func NewSelector(binary string, timeout time.Duration, logger zerolog.Logger) *Selector {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	return &Selector{
		Binary:  binary,
		Timeout: timeout,
		Logger:  logger.With().Str("component", "format").Logger(),
	}
}

// Probe runs one bounded, credential-free probe call.
func (s *Selector) Probe(ctx context.Context, url string) (*ProbeDocument, error) {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := ytdlp.ProbeJSON(probeCtx, s.Binary, url)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("%w after %s: %s", model.ErrProbeTimeout, timeout, url)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %w", model.ErrProbeFailed, err)
	}
	doc, err := ParseProbe(out)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrProbeFailed, err)
	}
	return doc, nil
}

func (s *Selector) Pick(ctx context.Context, url string, policy model.SelectionPolicy) (PickResult, error) {
	doc, err := s.Probe(ctx, url)
	if err != nil {
		return PickResult{}, err
	}
	res := PickFormat(doc, policy)
	s.Logger.Debug().
		Str("url", url).
		Str("format_spec", res.FormatSpec).
		Str("kind", string(res.Kind)).
		Int("candidates", res.Counts.Total).
		Int("video", res.Counts.Video).
		Int("audio", res.Counts.Audio).
		Int("muxed", res.Counts.Muxed).
		Strs("languages", res.Languages).
		Msg("format picked")
	return res, nil
}
