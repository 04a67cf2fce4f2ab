// Package blocks implements the firmware code block library: a keyed store
// of reusable source fragments loaded from a directory tree, with
// prefix-fallback lookup so callers can address blocks by short names.
package blocks

import (
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Kind distinguishes source blocks from header blocks.
type Kind int

const (
	KindSource Kind = iota
	KindHeader
)

func (k Kind) String() string {
	if k == KindHeader {
		return "header"
	}
	return "source"
}

// categoryPrefixes is the fixed, ordered set of namespaces tried when an
// exact lookup misses.
var categoryPrefixes = []string{"base/", "drivers/", "logic/", "main/"}

// Info holds a block plus its metadata.
type Info struct {
	ID       string
	Path     string
	Category string
	Kind     Kind
	Content  string
}

// Library is the keyed block store. It is append-only: filled once by Load
// and never mutated afterwards, so concurrent readers are safe. The
// loaded-ids trace set is the one piece of mutable state and is guarded.
type Library struct {
	logger *zap.Logger
	blocks map[string]Info

	mu     sync.Mutex
	loaded map[string]struct{}
}

// Load walks rootDir and builds a library from every .c and .h file found.
// Block ids are paths relative to rootDir without extension, separators
// normalized to "/"; root-level files use the bare filename. Unreadable
// files are logged and skipped. A missing rootDir yields an empty library
// and a warning, not an error.
func Load(rootDir string, logger *zap.Logger) *Library {
	if logger == nil {
		logger = zap.NewNop()
	}
	lib := &Library{
		logger: logger,
		blocks: make(map[string]Info),
		loaded: make(map[string]struct{}),
	}

	if _, err := os.Stat(rootDir); err != nil {
		logger.Warn("block directory missing, library is empty",
			zap.String("dir", rootDir), zap.Error(err))
		return lib
	}

	err := filepath.WalkDir(rootDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			logger.Warn("skipping unreadable entry", zap.String("path", path), zap.Error(err))
			return nil
		}
		if d.IsDir() {
			return nil
		}

		ext := strings.ToLower(filepath.Ext(path))
		if ext != ".c" && ext != ".h" {
			return nil
		}

		content, err := os.ReadFile(path)
		if err != nil {
			logger.Warn("skipping unreadable block", zap.String("path", path), zap.Error(err))
			return nil
		}

		rel, err := filepath.Rel(rootDir, path)
		if err != nil {
			logger.Warn("skipping block outside root", zap.String("path", path), zap.Error(err))
			return nil
		}
		rel = filepath.ToSlash(rel)
		id := strings.TrimSuffix(rel, filepath.Ext(rel))

		category := "root"
		if idx := strings.LastIndex(id, "/"); idx >= 0 {
			category = id[:idx]
		}

		kind := KindSource
		if ext == ".h" {
			kind = KindHeader
		}

		lib.blocks[id] = Info{
			ID:       id,
			Path:     path,
			Category: category,
			Kind:     kind,
			Content:  string(content),
		}
		return nil
	})
	if err != nil {
		logger.Warn("block directory walk ended early", zap.Error(err))
	}

	logger.Info("block library loaded",
		zap.String("dir", rootDir), zap.Int("blocks", len(lib.blocks)))
	return lib
}

// Get resolves a block by id. It tries an exact match first, then each
// category prefix in order, and returns the first hit. Every successful
// resolution (the prefixed form included) is recorded in the loaded-ids
// set. A miss returns ("", false); it is never an error.
func (l *Library) Get(id string) (string, bool) {
	if info, ok := l.blocks[id]; ok {
		l.markLoaded(id)
		return info.Content, true
	}
	for _, prefix := range categoryPrefixes {
		prefixed := prefix + id
		if info, ok := l.blocks[prefixed]; ok {
			l.markLoaded(id)
			l.markLoaded(prefixed)
			return info.Content, true
		}
	}
	l.logger.Debug("block not found", zap.String("id", id))
	return "", false
}

// GetInfo resolves block metadata with the same prefix fallback as Get,
// without recording the lookup.
func (l *Library) GetInfo(id string) (Info, bool) {
	if info, ok := l.blocks[id]; ok {
		return info, true
	}
	for _, prefix := range categoryPrefixes {
		if info, ok := l.blocks[prefix+id]; ok {
			return info, true
		}
	}
	return Info{}, false
}

func (l *Library) markLoaded(id string) {
	l.mu.Lock()
	l.loaded[id] = struct{}{}
	l.mu.Unlock()
}

// ListIDs returns all block ids, sorted.
func (l *Library) ListIDs() []string {
	ids := make([]string, 0, len(l.blocks))
	for id := range l.blocks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// LoadedIDs returns every id successfully resolved so far, sorted.
func (l *Library) LoadedIDs() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := make([]string, 0, len(l.loaded))
	for id := range l.loaded {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len reports the number of stored blocks.
func (l *Library) Len() int {
	return len(l.blocks)
}

// CatalogEntry summarizes one block for the AI planner prompt.
type CatalogEntry struct {
	ID        string   `json:"id"`
	Kind      string   `json:"kind"`
	Purpose   string   `json:"purpose"`
	Functions []string `json:"functions,omitempty"`
}

// Catalog returns a summary of every block: its id, extracted purpose line
// and the C functions it defines. Sorted by id.
func (l *Library) Catalog() []CatalogEntry {
	entries := make([]CatalogEntry, 0, len(l.blocks))
	for _, id := range l.ListIDs() {
		info := l.blocks[id]
		entries = append(entries, CatalogEntry{
			ID:        id,
			Kind:      info.Kind.String(),
			Purpose:   extractPurpose(info.Content),
			Functions: extractFunctions(info.Content),
		})
	}
	return entries
}

// funcDefRe matches C function definitions: a return type, a name, a
// parameter list and an opening brace. Prototypes end with ';' instead of
// '{' and therefore never match.
var funcDefRe = regexp.MustCompile(`(?m)^[ \t]*(?:[A-Za-z_][A-Za-z0-9_]*[ \t]+)+\*?([A-Za-z_][A-Za-z0-9_]*)[ \t]*\([^;{}]*\)\s*\{`)

// extractPurpose returns the first descriptive line of the leading block
// comment, if any.
func extractPurpose(content string) string {
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == "" || trimmed == "/**" || trimmed == "/*" || trimmed == "*" || trimmed == "*/":
			continue
		case strings.HasPrefix(trimmed, "*") || strings.HasPrefix(trimmed, "/*") || strings.HasPrefix(trimmed, "//"):
			text := strings.TrimLeft(trimmed, "/* ")
			text = strings.TrimSpace(strings.TrimSuffix(text, "*/"))
			if text != "" {
				return text
			}
		default:
			// Past the leading comment without finding a description.
			return ""
		}
	}
	return ""
}

// extractFunctions returns the names of C functions defined in content, in
// order of definition.
func extractFunctions(content string) []string {
	seen := make(map[string]struct{})
	var names []string
	for _, m := range funcDefRe.FindAllStringSubmatch(content, -1) {
		name := m[1]
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	return names
}
