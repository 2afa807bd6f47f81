package status

import (
	"bufio"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// TreeConfig holds configuration for the TreeRenderer.
type TreeConfig struct {
	MaxDepth       int      // levels below the root (default: 4)
	MaxFilesInline int      // files listed per line before "(+N files)" (default: 10)
	IgnorePatterns []string // filepath.Match globs; a trailing "/" matches directories only
	IgnoreFile     string   // per-workspace pattern file (default: ".folderignore")
}

// DefaultIgnorePatterns collapse dependency and build directories.
var DefaultIgnorePatterns = []string{
	".git/", "node_modules/", "__pycache__/", ".venv/", "venv/",
	"dist/", "build/", "target/", "vendor/", ".next/", ".idea/", ".vscode/",
	"*.pyc", ".DS_Store",
}

// TreeRenderer draws a compact, depth-limited view of a workspace.
type TreeRenderer struct {
	config TreeConfig
}

// NewTreeRenderer creates a TreeRenderer.
func NewTreeRenderer(cfg TreeConfig) *TreeRenderer {
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 4
	}
	if cfg.MaxFilesInline <= 0 {
		cfg.MaxFilesInline = 10
	}
	if cfg.IgnorePatterns == nil {
		cfg.IgnorePatterns = DefaultIgnorePatterns
	}
	if cfg.IgnoreFile == "" {
		cfg.IgnoreFile = ".folderignore"
	}
	return &TreeRenderer{config: cfg}
}

type matcher struct {
	dirs  []string
	files []string
}

func (m matcher) ignored(name string, isDir bool) bool {
	for _, p := range m.files {
		if ok, _ := filepath.Match(p, name); ok {
			return true
		}
	}
	if !isDir {
		return false
	}
	for _, p := range m.dirs {
		if ok, _ := filepath.Match(p, name); ok {
			return true
		}
	}
	return false
}

// patterns merges the configured patterns with the workspace ignore file.
func (r *TreeRenderer) patterns(root string) matcher {
	var m matcher
	add := func(p string) {
		p = strings.TrimSpace(p)
		if p == "" || strings.HasPrefix(p, "#") {
			return
		}
		if strings.HasSuffix(p, "/") {
			m.dirs = append(m.dirs, strings.TrimSuffix(p, "/"))
			return
		}
		m.files = append(m.files, p)
	}
	for _, p := range r.config.IgnorePatterns {
		add(p)
	}

	f, err := os.Open(filepath.Join(root, r.config.IgnoreFile))
	if err != nil {
		return m
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		add(sc.Text())
	}
	return m
}

// Render returns the tree for root. Directories come first, both groups
// sorted case-insensitively. Ignored directories collapse to
// "name/ (N files)", single-child chains are inlined as "a/b/c", and empty
// directories are skipped.
func (r *TreeRenderer) Render(root string) string {
	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		return "(folder not yet created)"
	}
	m := r.patterns(root)
	var sb strings.Builder
	r.render(&sb, root, "", 0, m)
	if sb.Len() == 0 {
		return "(empty folder)"
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (r *TreeRenderer) render(sb *strings.Builder, dir, indent string, depth int, m matcher) {
	if depth >= r.config.MaxDepth {
		sb.WriteString(indent + "└ ...\n")
		return
	}
	dirs, files := r.list(dir, m)

	type line struct {
		text  string
		child string // directory to descend into, if any
	}
	var lines []line
	for _, d := range dirs {
		path := filepath.Join(dir, d.Name())
		if m.ignored(d.Name(), true) {
			lines = append(lines, line{text: fmt.Sprintf("%s/ (%d files)", d.Name(), countFiles(path))})
			continue
		}
		if !r.hasVisible(path, m) {
			continue
		}
		chain, leaf, terminal := r.inline(path, d.Name(), m)
		if terminal {
			lines = append(lines, line{text: chain})
			continue
		}
		lines = append(lines, line{text: chain + "/", child: leaf})
	}
	if len(files) > 0 {
		lines = append(lines, line{text: r.fileLine(files)})
	}

	for i, l := range lines {
		branch, next := "├ ", "│   "
		if i == len(lines)-1 {
			branch, next = "└ ", "    "
		}
		sb.WriteString(indent + branch + l.text + "\n")
		if l.child != "" {
			r.render(sb, l.child, indent+next, depth+1, m)
		}
	}
}

// inline follows a chain of directories that each hold exactly one visible
// entry. It returns the joined label, the directory to continue rendering
// from, and whether the chain ended in a single file.
func (r *TreeRenderer) inline(path, label string, m matcher) (string, string, bool) {
	for {
		dirs, files := r.list(path, m)
		switch {
		case len(dirs) == 0 && len(files) == 1:
			return label + "/" + files[0], "", true
		case len(dirs) == 1 && len(files) == 0 && !m.ignored(dirs[0].Name(), true):
			next := filepath.Join(path, dirs[0].Name())
			if !r.hasVisible(next, m) {
				return label, path, false
			}
			label += "/" + dirs[0].Name()
			path = next
		default:
			return label, path, false
		}
	}
}

func (r *TreeRenderer) fileLine(files []string) string {
	if len(files) <= r.config.MaxFilesInline {
		return strings.Join(files, ", ")
	}
	shown := strings.Join(files[:r.config.MaxFilesInline], ", ")
	return fmt.Sprintf("%s (+%d files)", shown, len(files)-r.config.MaxFilesInline)
}

// list returns the visible subdirectories (ignored ones included, since they
// render collapsed) and the visible file names, both sorted.
func (r *TreeRenderer) list(dir string, m matcher) ([]fs.DirEntry, []string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil
	}
	var dirs []fs.DirEntry
	var files []string
	for _, e := range entries {
		if e.Name() == r.config.IgnoreFile {
			continue
		}
		if e.IsDir() {
			dirs = append(dirs, e)
			continue
		}
		if !m.ignored(e.Name(), false) {
			files = append(files, e.Name())
		}
	}
	sort.Slice(dirs, func(i, j int) bool {
		return strings.ToLower(dirs[i].Name()) < strings.ToLower(dirs[j].Name())
	})
	sort.Slice(files, func(i, j int) bool {
		return strings.ToLower(files[i]) < strings.ToLower(files[j])
	})
	return dirs, files
}

// hasVisible reports whether dir contains anything that would be drawn.
func (r *TreeRenderer) hasVisible(dir string, m matcher) bool {
	dirs, files := r.list(dir, m)
	if len(files) > 0 {
		return true
	}
	for _, d := range dirs {
		if m.ignored(d.Name(), true) || r.hasVisible(filepath.Join(dir, d.Name()), m) {
			return true
		}
	}
	return false
}

// Count returns the number of visible files and directories under root.
// Ignored directories and their contents are not counted.
func (r *TreeRenderer) Count(root string) (files, dirs int) {
	m := r.patterns(root)
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if path == root {
			return nil
		}
		if d.IsDir() {
			if m.ignored(d.Name(), true) {
				return filepath.SkipDir
			}
			dirs++
			return nil
		}
		if d.Name() != r.config.IgnoreFile && !m.ignored(d.Name(), false) {
			files++
		}
		return nil
	})
	return files, dirs
}

func countFiles(dir string) int {
	n := 0
	_ = filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			n++
		}
		return nil
	})
	return n
}
