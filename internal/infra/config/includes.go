package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const maxIncludeDepth = 10

// includer overlays the files named under "includes" onto a Config.
//
// Entries are paths or globs relative to the naming file, may reference
// environment variables ("secrets/${FORGEBOT_ENV}.yaml") and must stay in
// that file's directory. A leading "?" marks an include as optional: a
// missing file is skipped instead of failing the load. A glob matching
// nothing is never an error.
type includer struct {
	cfg  *Config
	seen map[string]bool
}

func applyIncludes(cfg *Config, mainPath string) error {
	inc := &includer{cfg: cfg, seen: map[string]bool{mainPath: true}}
	return inc.expand(filepath.Dir(mainPath), 0)
}

// expand consumes cfg.Includes, loading each named file in order. Includes
// found in a loaded file are expanded before the next sibling.
func (inc *includer) expand(dir string, depth int) error {
	if depth > maxIncludeDepth {
		return fmt.Errorf("config includes: nesting deeper than %d", maxIncludeDepth)
	}
	entries := inc.cfg.Includes
	inc.cfg.Includes = nil

	for _, entry := range entries {
		optional := strings.HasPrefix(entry, "?")
		files, err := resolveInclude(strings.TrimPrefix(entry, "?"), dir)
		if err != nil {
			return err
		}
		for _, file := range files {
			loaded, err := inc.load(file, optional)
			if err != nil {
				return err
			}
			if loaded && len(inc.cfg.Includes) > 0 {
				if err := inc.expand(filepath.Dir(file), depth+1); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (inc *includer) load(file string, optional bool) (bool, error) {
	if inc.seen[file] {
		return false, fmt.Errorf("config includes: circular include of %q", file)
	}
	inc.seen[file] = true

	data, err := os.ReadFile(file)
	if optional && errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("config includes: %w", err)
	}
	if err := validatePermissions(file); err != nil {
		return false, fmt.Errorf("config includes: %w", err)
	}
	if len(data) == 0 {
		return true, nil
	}
	if err := yaml.Unmarshal(data, inc.cfg); err != nil {
		return false, fmt.Errorf("config includes: parse %q: %w", file, err)
	}
	return true, nil
}

// resolveInclude turns one entry into absolute file paths. A literal path is
// returned even when missing so the read reports it.
func resolveInclude(entry, dir string) ([]string, error) {
	p := os.ExpandEnv(entry)
	if !filepath.IsAbs(p) {
		p = filepath.Join(dir, p)
	}
	p = filepath.Clean(p)

	rel, err := filepath.Rel(dir, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return nil, fmt.Errorf("config includes: %q escapes config directory", entry)
	}

	if !strings.ContainsAny(p, "*?[") {
		return []string{p}, nil
	}
	matches, err := filepath.Glob(p)
	if err != nil {
		return nil, fmt.Errorf("config includes: bad pattern %q: %w", entry, err)
	}
	return matches, nil
}
