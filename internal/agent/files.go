package agent

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/EternisAI/silo-fleet/internal/sessions"
)

const defaultFileLimit int64 = 1 << 20

// fileError carries the session response code for a failed file
// operation.
type fileError struct {
	code string
	err  error
}

func (e *fileError) Error() string { return e.err.Error() }
func (e *fileError) Unwrap() error { return e.err }

func classify(err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return &fileError{code: sessions.CodeNotFound, err: err}
	case errors.Is(err, fs.ErrPermission):
		return &fileError{code: sessions.CodeForbidden, err: err}
	default:
		return err
	}
}

func invalid(format string, args ...any) error {
	return &fileError{code: sessions.CodeInvalid, err: fmt.Errorf(format, args...)}
}

func requireAbs(path string) error {
	if !filepath.IsAbs(path) {
		return invalid("path %q is not absolute", path)
	}
	return nil
}

// openInRoot opens path without leaving root, following symlinks only
// while they resolve inside it. An empty root means "/".
func openInRoot(root, path string) (*os.File, error) {
	if err := requireAbs(path); err != nil {
		return nil, err
	}
	if root == "" {
		root = "/"
	}
	if err := requireAbs(root); err != nil {
		return nil, err
	}

	rel, err := filepath.Rel(filepath.Clean(root), filepath.Clean(path))
	if err != nil || rel == ".." || strings.HasPrefix(rel, "../") {
		return nil, &fileError{code: sessions.CodeForbidden, err: fmt.Errorf("path %q is outside %q", path, root)}
	}

	r, err := os.OpenRoot(root)
	if err != nil {
		return nil, classify(err)
	}
	defer r.Close()

	f, err := r.Open(rel)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
			return nil, classify(err)
		}
		// os.Root refuses symlinks that resolve outside root.
		return nil, &fileError{code: sessions.CodeForbidden, err: err}
	}
	return f, nil
}

// ListDir lists a directory under root, directories first.
func ListDir(root, dir string) ([]sessions.FileEntry, error) {
	d, err := openInRoot(root, dir)
	if err != nil {
		return nil, err
	}
	defer d.Close()

	info, err := d.Stat()
	if err != nil {
		return nil, classify(err)
	}
	if !info.IsDir() {
		return nil, invalid("%s is not a directory", dir)
	}
	entries, err := d.ReadDir(-1)
	if err != nil {
		return nil, classify(err)
	}

	out := make([]sessions.FileEntry, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, sessions.FileEntry{
			Name:    e.Name(),
			Size:    info.Size(),
			Mode:    info.Mode().String(),
			ModTime: info.ModTime().UTC(),
			IsDir:   e.IsDir(),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IsDir != out[j].IsDir {
			return out[i].IsDir
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

// ReadFile reads up to limit bytes at offset. eof is set when the read
// reached the end of the file.
func ReadFile(root, path string, offset, limit int64) (data []byte, eof bool, err error) {
	if offset < 0 {
		return nil, false, invalid("negative offset")
	}
	if limit <= 0 {
		limit = defaultFileLimit
	}

	f, err := openInRoot(root, path)
	if err != nil {
		return nil, false, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, false, classify(err)
	}
	if info.IsDir() {
		return nil, false, invalid("%s is a directory", path)
	}

	if offset >= info.Size() {
		return []byte{}, true, nil
	}
	buf := make([]byte, min(limit, info.Size()-offset))
	n, err := f.ReadAt(buf, offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, false, classify(err)
	}
	return buf[:n], offset+int64(n) >= info.Size(), nil
}

// TailFile returns the last n lines of path under root, reading at most
// limit bytes from its end.
func TailFile(root, path string, n int, limit int64) ([]string, error) {
	if n <= 0 {
		n = sessions.DefaultTailLines
	}
	if limit <= 0 {
		limit = defaultFileLimit
	}

	f, err := openInRoot(root, path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, classify(err)
	}
	if info.IsDir() {
		return nil, invalid("%s is a directory", path)
	}

	start := info.Size() - limit
	if start < 0 {
		start = 0
	}
	buf := make([]byte, info.Size()-start)
	if _, err := f.ReadAt(buf, start); err != nil && !errors.Is(err, io.EOF) {
		return nil, classify(err)
	}

	// A window that starts mid-file begins with a partial line.
	if start > 0 {
		if i := bytes.IndexByte(buf, '\n'); i >= 0 {
			buf = buf[i+1:]
		}
	}
	text := strings.TrimSuffix(string(buf), "\n")
	if text == "" {
		return []string{}, nil
	}

	lines := strings.Split(text, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}
