package blocks

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// defaultTemplates is the built-in template set, embedded so a fresh
// checkout can assemble firmware without an external template tree.
//
//go:embed templates
var defaultTemplates embed.FS

// WriteDefaults materializes the embedded default template set under
// rootDir, preserving the category layout (base/, drivers/, logic/,
// main/). Existing files are not overwritten.
func WriteDefaults(rootDir string) error {
	return fs.WalkDir(defaultTemplates, "templates", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel("templates", path)
		if err != nil {
			return err
		}
		target := filepath.Join(rootDir, rel)

		if d.IsDir() {
			return os.MkdirAll(target, 0755)
		}

		if _, err := os.Stat(target); err == nil {
			return nil
		}

		content, err := defaultTemplates.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read embedded template %s: %w", path, err)
		}
		if err := os.WriteFile(target, content, 0644); err != nil {
			return fmt.Errorf("write template %s: %w", target, err)
		}
		return nil
	})
}

// EnsureDefaults materializes the default templates only when rootDir does
// not exist yet, then reports whether the directory is usable.
func EnsureDefaults(rootDir string) error {
	if _, err := os.Stat(rootDir); err == nil {
		return nil
	}
	if err := os.MkdirAll(rootDir, 0755); err != nil {
		return fmt.Errorf("create block directory: %w", err)
	}
	return WriteDefaults(rootDir)
}
