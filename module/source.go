package module

import (
	"bufio"
	"bytes"
	"context"
	"os"
	"strings"

	"github.com/teranos/vetta/errors"
)

// ListSource provides the ordered list of module identifiers
type ListSource interface {
	List(ctx context.Context) ([]string, error)
}

// FileListSource reads identifiers from a text file, one per line.
// Blank lines and lines starting with '#' are ignored. A missing file is
// reported as errors.ErrConfigMissing.
type FileListSource struct {
	Path string
}

// List reads and parses the file
func (s FileListSource) List(ctx context.Context) ([]string, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Mark(errors.Wrapf(err, "module list %s", s.Path), errors.ErrConfigMissing)
		}
		return nil, errors.Wrapf(err, "failed to read module list %s", s.Path)
	}
	return ParseList(data)
}

// StaticListSource returns a fixed list, for modules named directly in vetta.toml
type StaticListSource []string

// List returns the identifiers with duplicates and blanks removed
func (s StaticListSource) List(ctx context.Context) ([]string, error) {
	return dedupe(s), nil
}

// ParseList parses the module list file format
func ParseList(data []byte) ([]string, error) {
	var names []string
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		names = append(names, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "malformed module list")
	}
	return dedupe(names), nil
}

// dedupe keeps the first occurrence of each identifier
func dedupe(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	return out
}
