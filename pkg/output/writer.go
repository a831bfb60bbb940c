// Package output writes mirror files below the output root
package output

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"ssb-archive/pkg/utils"
)

// Writer writes files addressed by slash-separated paths relative to Root
type Writer struct {
	Root string
}

func NewWriter(root string) *Writer {
	return &Writer{Root: root}
}

// Path maps a slash-separated local path onto the filesystem, rejecting paths that leave Root
func (w *Writer) Path(localPath string) (string, error) {
	cleaned := path.Clean("/" + localPath)
	if cleaned == "/" || strings.Contains(localPath, "\x00") {
		return "", fmt.Errorf("%w: invalid local path '%s'", utils.ErrFilesystem, localPath)
	}
	return filepath.Join(w.Root, filepath.FromSlash(strings.TrimPrefix(cleaned, "/"))), nil
}

// Write creates the parent directories of localPath and replaces the file with data
func (w *Writer) Write(localPath string, data []byte) error {
	full, err := w.Path(localPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return fmt.Errorf("%w: creating directory for '%s': %w", utils.ErrFilesystem, localPath, err)
	}
	if err := os.WriteFile(full, data, 0644); err != nil {
		return fmt.Errorf("%w: writing '%s': %w", utils.ErrFilesystem, localPath, err)
	}
	return nil
}
