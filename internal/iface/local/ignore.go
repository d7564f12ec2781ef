package local

import (
	"bufio"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/openmined/qbsync/internal/utils"
	gitignore "github.com/sabhiram/go-gitignore"
)

const (
	stateDirName   = ".qb"
	ignoreFileName = ".qbignore"
)

var defaultIgnoreLines = []string{
	// qbsync
	stateDirName + "/",
	// atomic write leftovers
	".*.tmp-*",
	// editors
	".vscode",
	".idea",
	"*.swp",
	"*~",
	// general
	".git",
	"*.tmp",
	// OS-specific
	".DS_Store",
	"Thumbs.db",
}

// filter decides which paths under the root take part in sync
type filter struct {
	ignore  *gitignore.GitIgnore
	include []string
}

// newFilter compiles the default rules, the root's .qbignore and the extra
// lines from the config. An empty include list admits every path.
func newFilter(root string, extra, include []string) *filter {
	lines := append([]string{}, defaultIgnoreLines...)
	lines = append(lines, extra...)

	ignorePath := filepath.Join(root, ignoreFileName)
	if utils.FileExists(ignorePath) {
		lines = append(lines, readIgnoreFile(ignorePath)...)
	}

	return &filter{
		ignore:  gitignore.CompileIgnoreLines(lines...),
		include: include,
	}
}

func readIgnoreFile(path string) []string {
	file, err := os.Open(path)
	if err != nil {
		slog.Warn("local ignore file", "path", path, "error", err)
		return nil
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" && !strings.HasPrefix(line, "#") {
			lines = append(lines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		slog.Warn("local ignore file", "path", path, "error", err)
	}
	return lines
}

// Allows takes a slash separated path relative to the root
func (f *filter) Allows(rel string, isDir bool) bool {
	if rel == "" || rel == "." {
		return false
	}
	check := rel
	if isDir {
		check += "/"
	}
	if f.ignore.MatchesPath(check) {
		return false
	}
	// directories are walked regardless so included files below them are found
	if isDir || len(f.include) == 0 {
		return true
	}
	for _, pattern := range f.include {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}

func validPatterns(patterns []string) bool {
	for _, p := range patterns {
		if !doublestar.ValidatePattern(p) {
			return false
		}
	}
	return true
}
