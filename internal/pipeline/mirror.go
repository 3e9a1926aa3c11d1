package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

var ErrOutsideRoot = errors.New("path escapes mirror root")

// FileMirror writes every accepted document back to the local file it was
// opened from. The file must already exist; the mirror never creates new
// files. When Root is set, relative paths resolve under it and absolute
// paths must stay inside it.
type FileMirror struct {
	Root string
}

func (m FileMirror) Persist(ctx context.Context, doc Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	target, err := m.Resolve(doc.FilePath)
	if err != nil {
		return &PersistError{FilePath: doc.FilePath, Err: err}
	}

	info, err := os.Stat(target)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return &PersistError{FilePath: doc.FilePath, Err: ErrLocalFileMissing}
	case err != nil:
		return &PersistError{FilePath: doc.FilePath, Err: err}
	case info.IsDir():
		return &PersistError{FilePath: doc.FilePath, Err: fmt.Errorf("%s is a directory", target)}
	}

	var body bytes.Buffer
	if err := json.Indent(&body, doc.Pipeline, "", "  "); err != nil {
		return &PersistError{FilePath: doc.FilePath, Err: err}
	}
	if err := writeAtomic(target, body.Bytes(), info.Mode().Perm()); err != nil {
		return &PersistError{FilePath: doc.FilePath, Err: err}
	}
	return nil
}

// Resolve maps a document key to the file the mirror writes.
func (m FileMirror) Resolve(filePath string) (string, error) {
	if filePath == "" {
		return "", fmt.Errorf("empty file path")
	}
	if m.Root == "" {
		return filepath.Clean(filePath), nil
	}

	root, err := filepath.Abs(m.Root)
	if err != nil {
		return "", err
	}
	target := filePath
	if !filepath.IsAbs(target) {
		target = filepath.Join(root, target)
	}
	target = filepath.Clean(target)

	rel, err := filepath.Rel(root, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", ErrOutsideRoot
	}
	return target, nil
}

// writeAtomic replaces path via a temp file in the same directory so a
// failed write never leaves a truncated pipeline behind.
func writeAtomic(path string, data []byte, perm fs.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".pipeline-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
