package orchestrator

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"dcs-mission-validator/internal/logger"
	"dcs-mission-validator/internal/models"
)

// Inputs names the archives of a one-shot run.
type Inputs struct {
	Files     []string // validated as given
	Dirs      []string // archives directly inside
	Recursive []string // archives anywhere below
}

// Empty reports whether no input was named.
func (in Inputs) Empty() bool {
	return len(in.Files) == 0 && len(in.Dirs) == 0 && len(in.Recursive) == 0
}

// CollectFiles expands in into distinct FileRefs, files first, then
// directories, then recursive directories. Missing directories are logged
// and skipped; missing files are kept so the validator can report them.
func CollectFiles(in Inputs, ext string, log *zap.SugaredLogger) []models.FileRef {
	if log == nil {
		log = logger.ComponentLogger("collect")
	}
	ext = strings.ToLower(ext)
	if ext == "" {
		ext = ".miz"
	}

	seen := make(map[string]struct{})
	var out []models.FileRef
	add := func(path string) {
		abs, err := filepath.Abs(path)
		if err != nil {
			log.Warnw("Skipping unresolvable path", logger.FieldPath, path, logger.FieldError, err)
			return
		}
		if _, dup := seen[abs]; dup {
			return
		}
		seen[abs] = struct{}{}
		ref := models.FileRef{Path: abs, ObservedAt: time.Now()}
		if info, err := os.Stat(abs); err == nil && !info.IsDir() {
			ref.Size = info.Size()
			ref.Exists = true
		}
		out = append(out, ref)
	}
	matches := func(name string) bool {
		return strings.ToLower(filepath.Ext(name)) == ext
	}

	for _, f := range in.Files {
		if strings.TrimSpace(f) != "" {
			add(f)
		}
	}

	for _, dir := range in.Dirs {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			log.Warnw("Skipping unreadable directory", logger.FieldPath, dir, logger.FieldError, err)
			continue
		}
		for _, e := range entries {
			if !e.IsDir() && matches(e.Name()) {
				add(filepath.Join(dir, e.Name()))
			}
		}
	}

	for _, root := range in.Recursive {
		if strings.TrimSpace(root) == "" {
			continue
		}
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				log.Warnw("Skipping unreadable path", logger.FieldPath, path, logger.FieldError, err)
				if d != nil && d.IsDir() && path != root {
					return filepath.SkipDir
				}
				return nil
			}
			if !d.IsDir() && matches(d.Name()) {
				add(path)
			}
			return nil
		})
		if err != nil {
			log.Warnw("Failed to walk directory", logger.FieldPath, root, logger.FieldError, err)
		}
	}
	return out
}
