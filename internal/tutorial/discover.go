package tutorial

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/zeebo/blake3"
)

// DefaultPatterns locate tutorial files when configuration supplies none.
var DefaultPatterns = []string{"*.md", "tutorials/**/*.md"}

// Discover resolves glob patterns (doublestar syntax, ** supported) under
// root into a sorted, de-duplicated list of tutorial file paths.
func Discover(root string, patterns []string) ([]string, error) {
	if len(patterns) == 0 {
		patterns = DefaultPatterns
	}
	seen := map[string]bool{}
	var files []string
	fsys := os.DirFS(root)
	for _, pattern := range patterns {
		matches, err := doublestar.Glob(fsys, pattern)
		if err != nil {
			return nil, fmt.Errorf("glob %q: %w", pattern, err)
		}
		for _, m := range matches {
			full := filepath.Join(root, filepath.FromSlash(m))
			if seen[full] {
				continue
			}
			seen[full] = true
			files = append(files, full)
		}
	}
	sort.Strings(files)
	return files, nil
}

// Fingerprint hashes the tutorial set's content so a run can record exactly
// which revision of the material it executed. Files are hashed in sorted
// path order; the path itself is mixed in so renames change the fingerprint.
func Fingerprint(files []string) (string, error) {
	sorted := append([]string(nil), files...)
	sort.Strings(sorted)

	h := blake3.New()
	for _, path := range sorted {
		content, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("fingerprint %s: %w", path, err)
		}
		h.Write([]byte(filepath.ToSlash(path)))
		h.Write([]byte{0})
		h.Write(content)
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
