package format

import "strings"

const (
	langNone  = 0
	langWeak  = 1
	langBase  = 2
	langExact = 3
)

// NormalizeLanguage lowercases a language tag and uses "-" as separator.
func NormalizeLanguage(tag string) string {
	tag = strings.ToLower(strings.TrimSpace(tag))
	return strings.ReplaceAll(tag, "_", "-")
}

func baseLanguage(tag string) string {
	if i := strings.IndexByte(tag, '-'); i >= 0 {
		return tag[:i]
	}
	return tag
}

// languageMatch grades how well a candidate tag satisfies one preference.
func languageMatch(tag, pref string) int {
	tag = NormalizeLanguage(tag)
	pref = NormalizeLanguage(pref)
	if tag == "" || pref == "" {
		return langNone
	}
	if tag == pref {
		return langExact
	}
	if baseLanguage(tag) == baseLanguage(pref) {
		return langBase
	}
	if len(tag) >= 2 && len(pref) >= 2 && tag[:2] == pref[:2] {
		return langWeak
	}
	return langNone
}

// languageScore returns the best match level over prefs. Among equal levels
// an earlier preference adds a fraction below one, so levels never overlap.
func languageScore(tag string, prefs []string) float64 {
	best := langNone
	bestIdx := -1
	for i, pref := range prefs {
		if m := languageMatch(tag, pref); m > best {
			best = m
			bestIdx = i
		}
	}
	if bestIdx < 0 {
		return 0
	}
	n := len(prefs)
	return float64(best) + float64(n-bestIdx)/float64(n+1)
}

// effectiveLanguages returns the caller's preferences, or infers them from
// probe-level hints: original_language, language, default_language, then
// tracks flagged original or default.
func effectiveLanguages(doc *ProbeDocument, prefs []string) []string {
	var out []string
	seen := map[string]bool{}
	add := func(tag string) {
		tag = NormalizeLanguage(tag)
		if tag == "" || seen[tag] {
			return
		}
		seen[tag] = true
		out = append(out, tag)
	}
	for _, p := range prefs {
		add(p)
	}
	if len(out) > 0 || doc == nil {
		return out
	}
	add(doc.OriginalLanguage)
	add(doc.Language)
	add(doc.DefaultLanguage)
	for _, c := range doc.Candidates {
		if c.HasAudio() && (c.IsOriginal || noteSays(c.Note, "original")) {
			add(c.Language)
		}
	}
	for _, c := range doc.Candidates {
		if c.HasAudio() && (c.IsDefault || noteSays(c.Note, "default")) {
			add(c.Language)
		}
	}
	return out
}

func noteSays(note, word string) bool {
	return strings.Contains(strings.ToLower(note), word)
}
