package editor

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/devcollab/devcollab/internal/logger"
)

// Directories never shared with guests.
var skipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	".devcollab":   true,
}

// FSWorkspace is a Workspace rooted at a local directory.
type FSWorkspace struct {
	root string
}

// NewFSWorkspace opens the directory at root as a workspace.
func NewFSWorkspace(root string) (*FSWorkspace, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("workspace root %s is not a directory", abs)
	}
	return &FSWorkspace{root: abs}, nil
}

func (w *FSWorkspace) Root() string { return w.root }

// Files lists every regular file under the root, as slash-separated relative
// paths, skipping VCS and dependency directories.
func (w *FSWorkspace) Files() ([]string, error) {
	var files []string
	err := filepath.WalkDir(w.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != w.root && skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(w.root, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	return files, err
}

func (w *FSWorkspace) Read(rel string) (string, error) {
	abs, err := w.Abs(rel)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (w *FSWorkspace) Write(rel, content string) error {
	abs, err := w.Abs(rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return err
	}
	return os.WriteFile(abs, []byte(content), 0o644)
}

func (w *FSWorkspace) Delete(rel string) error {
	abs, err := w.Abs(rel)
	if err != nil {
		return err
	}
	err = os.Remove(abs)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// Abs resolves a workspace-relative path, rejecting escapes above the root.
func (w *FSWorkspace) Abs(rel string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(rel))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes workspace", rel)
	}
	return filepath.Join(w.root, clean), nil
}

// LogNotifier writes notifications to the application log. The CLI uses it;
// an editor integration would surface messages in its own UI.
type LogNotifier struct{}

func (LogNotifier) Info(msg string)  { logger.Info(msg) }
func (LogNotifier) Warn(msg string)  { logger.Warn(msg) }
func (LogNotifier) Error(msg string) { logger.Error(msg) }
