package supervisor

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	removeAttempts = 4
	removeBackoff  = 50 * time.Millisecond
	minStemLen     = 3
)

var (
	reStemMarker   = regexp.MustCompile(`\.(f[0-9A-Za-z_-]+|temp)$`)
	reFragmentTail = regexp.MustCompile(`^\.f[0-9A-Za-z_-]+\.(mp4|webm|m4a|mkv|mp3|opus|ogg)(\.part)?$`)
)

// removeWithRetry deletes path, retrying permission errors with exponential
// backoff. A missing file counts as removed.
func removeWithRetry(path string) error {
	var err error
	delay := removeBackoff
	for attempt := 0; attempt < removeAttempts; attempt++ {
		err = os.Remove(path)
		if err == nil || errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if !errors.Is(err, fs.ErrPermission) {
			return err
		}
		if attempt < removeAttempts-1 {
			time.Sleep(delay)
			delay *= 2
		}
	}
	return err
}

// cleanupTemps removes partial and intermediate files left in dir. The final
// file is never touched. With sweep set, format fragments sharing a temp's
// stem are removed as well; this is meant for the cancel and error paths
// where yt-dlp may not have announced every fragment. Failures are logged only.
func cleanupTemps(dir string, temps []string, final string, sweep bool, log zerolog.Logger) {
	if dir == "" {
		return
	}
	removed := 0
	try := func(name string) {
		if name == "" || name == final {
			return
		}
		path := filepath.Join(dir, name)
		if _, err := os.Lstat(path); errors.Is(err, fs.ErrNotExist) {
			return
		}
		if err := removeWithRetry(path); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("cleanup: remove failed")
			return
		}
		removed++
	}

	for _, name := range temps {
		try(name + ".part")
		try(name)
	}

	if sweep {
		stems := fragmentStems(temps)
		if len(stems) > 0 {
			entries, err := os.ReadDir(dir)
			if err != nil {
				log.Debug().Err(err).Str("dir", dir).Msg("cleanup: list dir failed")
			}
			for _, e := range entries {
				if e.IsDir() {
					continue
				}
				for _, stem := range stems {
					if isFragmentOf(e.Name(), stem) {
						try(e.Name())
						break
					}
				}
			}
		}
	}
	if removed > 0 {
		log.Debug().Int("removed", removed).Str("dir", dir).Msg("cleanup: temp files removed")
	}
}

// fragmentStems returns the full name of each temp with the .part suffix,
// the extension and any .f<format> or .temp marker stripped. The whole
// stem is kept so titles sharing a first word never collide.
func fragmentStems(names []string) []string {
	var out []string
	seen := map[string]bool{}
	for _, name := range names {
		stem := strings.TrimSuffix(name, ".part")
		stem = strings.TrimSuffix(stem, filepath.Ext(stem))
		if m := reStemMarker.FindStringIndex(stem); m != nil {
			stem = stem[:m[0]]
		}
		if len(stem) < minStemLen || seen[stem] {
			continue
		}
		seen[stem] = true
		out = append(out, stem)
	}
	return out
}

// isFragmentOf reports whether name is "<stem>.f<format>.<ext>" with an
// optional .part suffix.
func isFragmentOf(name, stem string) bool {
	rest, ok := strings.CutPrefix(name, stem)
	if !ok {
		return false
	}
	return reFragmentTail.MatchString(rest)
}
