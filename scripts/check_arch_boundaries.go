package main

import (
	"fmt"
	"go/parser"
	"go/token"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const modulePrefix = "yt-queue/internal/"

// Each package may import only the internal packages listed for it. Leaf
// packages sit at the bottom; cli is the only place everything meets.
var allowed = map[string][]string{
	"cli": {
		"api", "config", "eventsink", "format", "history", "logger", "metadata",
		"model", "runstore", "scheduler", "supervisor", "updater", "websocket",
	},
	"api":        {"format", "history", "logger", "model", "updater", "websocket"},
	"eventsink":  {"history", "logger", "model", "websocket"},
	"scheduler":  {"model"},
	"supervisor": {"format", "logger", "model", "ytdlp"},
	"format":     {"model", "ytdlp"},
	"config":     {"model", "runstore", "ytdlp"},
	"updater":    {"ytdlp"},
	"history":    {"model"},
	"metadata":   {"model"},
	"logger":     {},
	"model":      {},
	"runstore":   {},
	"websocket":  {},
	"ytdlp":      {},
}

func main() {
	violations := []string{}
	add := func(format string, args ...any) {
		violations = append(violations, fmt.Sprintf(format, args...))
	}

	err := filepath.WalkDir(".", func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), "_") || d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(path, ".go") || strings.HasSuffix(path, "_test.go") {
			return nil
		}

		imports, err := internalImports(path)
		if err != nil {
			return err
		}
		slashed := filepath.ToSlash(path)
		switch {
		case strings.HasPrefix(slashed, "cmd/"):
			for _, tgt := range imports {
				if tgt != "cli" {
					add("%s: entry points may only import cli, found %s", path, tgt)
				}
			}
		case strings.HasPrefix(slashed, "internal/"):
			src := strings.Split(slashed, "/")[1]
			allow, ok := allowed[src]
			if !ok {
				add("%s: unknown source package %q", path, src)
				return nil
			}
			for _, tgt := range imports {
				if tgt != src && !contains(allow, tgt) {
					add("%s: %s -> %s is forbidden", path, src, tgt)
				}
			}
		}
		return nil
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "boundary walk failed: %v\n", err)
		os.Exit(1)
	}

	if len(violations) > 0 {
		sort.Strings(violations)
		fmt.Fprintln(os.Stderr, "architecture boundary violations detected:")
		for _, v := range violations {
			fmt.Fprintf(os.Stderr, "- %s\n", v)
		}
		os.Exit(1)
	}

	fmt.Println("architecture boundary check: OK")
}

func internalImports(path string) ([]string, error) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, path, nil, parser.ImportsOnly)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, imp := range file.Imports {
		p := strings.Trim(imp.Path.Value, "\"")
		if !strings.HasPrefix(p, modulePrefix) {
			continue
		}
		if rest := strings.TrimPrefix(p, modulePrefix); rest != "" {
			out = append(out, strings.Split(rest, "/")[0])
		}
	}
	return out, nil
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
