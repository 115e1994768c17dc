package format

import (
	"strings"

	"yt-queue/internal/model"
)

// tuple fields compare lexicographically; the greater tuple wins.
type tuple []float64

func compareTuples(a, b tuple) int {
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		switch {
		case a[i] > b[i]:
			return 1
		case a[i] < b[i]:
			return -1
		}
	}
	switch {
	case len(a) > len(b):
		return 1
	case len(a) < len(b):
		return -1
	}
	return 0
}

const (
	bucketAbove   = 0
	bucketUnknown = 1
	bucketBelow   = 3
	bucketExact   = 4
)

type scorer struct {
	policy    model.SelectionPolicy
	languages []string
}

func boolScore(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func (s scorer) protocolPreferred(c Candidate) bool {
	pref := strings.ToLower(strings.TrimSpace(s.policy.PreferredProtocol))
	return pref != "" && strings.HasPrefix(c.Protocol, pref)
}

func (s scorer) protocolAvoided(c Candidate) bool {
	for _, p := range s.policy.AvoidProtocols {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" && strings.HasPrefix(c.Protocol, p) {
			return true
		}
	}
	return false
}

// protocolRank folds preference and avoidance into one field for
// constrained mode: preferred=2, neutral=1, avoided=0.
func (s scorer) protocolRank(c Candidate) float64 {
	switch {
	case s.protocolAvoided(c):
		return 0
	case s.protocolPreferred(c):
		return 2
	default:
		return 1
	}
}

// codecRank is higher for earlier entries of VideoCodecs, 0 when none match.
func (s scorer) codecRank(c Candidate) float64 {
	n := len(s.policy.VideoCodecs)
	for i, prefix := range s.policy.VideoCodecs {
		prefix = strings.ToLower(strings.TrimSpace(prefix))
		if prefix != "" && strings.HasPrefix(c.VCodec, prefix) {
			return float64(n - i)
		}
	}
	return 0
}

func extMatch(ext, want string) bool {
	want = strings.ToLower(strings.TrimSpace(want))
	return want != "" && ext == want
}

// resolutionFit buckets the effective dimension against the target. Portrait
// candidates are measured by width when a target width is set.
func (s scorer) resolutionFit(c Candidate) (bucket, closeness float64) {
	target, have := s.policy.TargetHeight, c.Height
	if s.policy.TargetWidth > 0 && (target <= 0 || c.Height > c.Width) {
		target, have = s.policy.TargetWidth, c.Width
	}
	switch {
	case have <= 0:
		return bucketUnknown, 0
	case have == target:
		return bucketExact, 0
	case have < target:
		return bucketBelow, -float64(target - have)
	default:
		return bucketAbove, -float64(have - target)
	}
}

func (s scorer) video(c Candidate) tuple {
	codec := s.codecRank(c)
	ext := boolScore(extMatch(c.Ext, s.policy.VideoExt))
	if !s.policy.Constrained() {
		return tuple{
			boolScore(s.protocolPreferred(c)),
			boolScore(!s.protocolAvoided(c)),
			codec, ext, c.FPS, c.TBR,
		}
	}
	bucket, closeness := s.resolutionFit(c)
	proto := s.protocolRank(c)
	if s.policy.ProtocolFirst {
		return tuple{proto, bucket, closeness, codec, ext, c.FPS, c.TBR}
	}
	return tuple{bucket, closeness, proto, codec, ext, c.FPS, c.TBR}
}

func (s scorer) track(c Candidate) tuple {
	return tuple{
		boolScore(c.IsOriginal),
		boolScore(c.IsDefault),
		boolScore(noteSays(c.Note, "original")),
		boolScore(noteSays(c.Note, "default")),
		languageScore(c.Language, s.languages),
		float64(c.LanguagePreference),
	}
}

func isDRC(c Candidate) bool {
	return strings.Contains(strings.ToLower(c.ID), "-drc") || noteSays(c.Note, "drc")
}

func (s scorer) audio(c Candidate) tuple {
	abr := c.ABR
	if abr == 0 {
		abr = c.TBR
	}
	return append(s.track(c),
		boolScore(!isDRC(c)),
		boolScore(s.protocolPreferred(c)),
		boolScore(!s.protocolAvoided(c)),
		boolScore(extMatch(c.Ext, s.policy.AudioExt)),
		abr,
	)
}

func (s scorer) muxed(c Candidate) tuple {
	return append(s.video(c), s.track(c)...)
}

// best returns the highest-scoring candidate. Equal tuples fall back to the
// smaller format id so the result never depends on probe order.
func best(cands []Candidate, score func(Candidate) tuple) (Candidate, bool) {
	var (
		winner Candidate
		top    tuple
		found  bool
	)
	for _, c := range cands {
		t := score(c)
		if !found {
			winner, top, found = c, t, true
			continue
		}
		cmp := compareTuples(t, top)
		if cmp > 0 || (cmp == 0 && c.ID < winner.ID) {
			winner, top = c, t
		}
	}
	return winner, found
}
