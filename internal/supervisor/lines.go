package supervisor

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	reProgress    = regexp.MustCompile(`^\[download\]\s+([0-9]+(?:\.[0-9]+)?)%\s+of\s+~?\s*(\S+)(?:\s+in\s+\S+)?\s+at\s+(Unknown B/s|\S+)(?:\s+ETA\s+(\S+))?`)
	reSubProgress = regexp.MustCompile(`^\[download\]\s+([0-9]+(?:\.[0-9]+)?\s*[KMGT]?i?B)\s+at\s+(Unknown B/s|\S+)(?:\s+\(([^)]*)\))?`)
	reDestination = regexp.MustCompile(`^\[download\].*?Destination:\s+(.+?)\s*$`)
	reMerger      = regexp.MustCompile(`^\[Merger\].*?Merging formats into\s+"(.+)"`)
	reFixup       = regexp.MustCompile(`^\[FixupM3u8\].*?"(.+)"`)
	reEmbedSubs   = regexp.MustCompile(`^\[EmbedSubtitle\].*?Embedding subtitles in.*?"(.+)"`)
	reAlready     = regexp.MustCompile(`^\[download\]\s+(.+?)\s+has already been downloaded`)
)

const alreadyDownloadedPhrase = "has already been downloaded"

type lineKind int

const (
	lineOther lineKind = iota
	lineProgress
	lineSubProgress
	lineDestination
	lineMerger
	lineFixup
	lineEmbed
	lineError
)

type parsedLine struct {
	kind    lineKind
	percent float64
	size    string
	speed   string
	eta     string
	path    string
}

// classifyLine applies the matchers in fixed precedence; the first match wins.
func classifyLine(line string) parsedLine {
	l := strings.TrimSpace(line)
	if m := reProgress.FindStringSubmatch(l); m != nil {
		pct, _ := strconv.ParseFloat(m[1], 64)
		return parsedLine{kind: lineProgress, percent: pct, size: m[2], speed: m[3], eta: m[4]}
	}
	if m := reSubProgress.FindStringSubmatch(l); m != nil {
		return parsedLine{kind: lineSubProgress, size: m[1], speed: m[2], eta: m[3]}
	}
	if m := reDestination.FindStringSubmatch(l); m != nil {
		return parsedLine{kind: lineDestination, path: m[1]}
	}
	if m := reMerger.FindStringSubmatch(l); m != nil {
		return parsedLine{kind: lineMerger, path: m[1]}
	}
	if m := reFixup.FindStringSubmatch(l); m != nil {
		return parsedLine{kind: lineFixup, path: m[1]}
	}
	if m := reEmbedSubs.FindStringSubmatch(l); m != nil {
		return parsedLine{kind: lineEmbed, path: m[1]}
	}
	if strings.Contains(l, "ERROR:") {
		return parsedLine{kind: lineError}
	}
	return parsedLine{kind: lineOther}
}

// baseName strips directories using either separator, so Windows paths
// reported by the downloader resolve on any host.
func baseName(path string) string {
	p := strings.Trim(strings.TrimSpace(path), `"'`)
	if i := strings.LastIndexAny(p, `/\`); i >= 0 {
		p = p[i+1:]
	}
	return p
}

var subtitleExts = map[string]bool{
	".vtt": true, ".srt": true, ".ass": true, ".ssa": true, ".lrc": true,
	".ttml": true, ".srv1": true, ".srv2": true, ".srv3": true, ".json3": true,
}

func isSubtitleFile(name string) bool {
	i := strings.LastIndexByte(name, '.')
	if i < 0 {
		return false
	}
	return subtitleExts[strings.ToLower(name[i:])]
}
