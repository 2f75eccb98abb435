package sessions

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/EternisAI/silo-fleet/internal/apperr"
	"github.com/EternisAI/silo-fleet/internal/store"
)

const (
	// DefaultReadLimit caps reads of system-scope sessions and policies
	// without MaxBytes.
	DefaultReadLimit int64 = 1 << 20
	DefaultTailLines       = 100
	MaxTailLines           = 5000
)

// scope is what a validated session may touch.
type scope struct {
	session  *store.Session
	root     string
	maxBytes int64
}

func (m *Manager) scopeOf(ctx context.Context, sessionID string, kinds ...store.SessionKind) (*scope, error) {
	s, err := m.Validate(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	allowed := false
	for _, k := range kinds {
		if s.Kind == k {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, fmt.Errorf("operation not supported by %s session: %w", s.Kind, apperr.ErrInvalid)
	}

	sc := &scope{session: s, root: "/", maxBytes: DefaultReadLimit}
	if s.PolicyID != "" {
		policy, err := m.store.GetPolicy(ctx, s.PolicyID)
		if err != nil {
			return nil, fmt.Errorf("session policy: %w", err)
		}
		sc.root = policy.RootPath
		if policy.MaxBytes > 0 {
			sc.maxBytes = policy.MaxBytes
		}
	}
	return sc, nil
}

// resolvePath cleans p and checks that it stays inside root. Relative
// paths are taken from root.
func resolvePath(root, p string) (string, error) {
	root = path.Clean("/" + root)
	var full string
	if path.IsAbs(p) {
		full = path.Clean(p)
	} else {
		full = path.Join(root, p)
	}

	if full == root {
		return full, nil
	}
	prefix := strings.TrimSuffix(root, "/") + "/"
	if !strings.HasPrefix(full, prefix) {
		return "", fmt.Errorf("path %q escapes %q: %w", p, root, apperr.ErrForbidden)
	}
	return full, nil
}

// List lists a directory of a files session.
func (m *Manager) List(ctx context.Context, sessionID, dir string) ([]FileEntry, error) {
	sc, err := m.scopeOf(ctx, sessionID, store.SessionFiles)
	if err != nil {
		return nil, err
	}
	full, err := resolvePath(sc.root, dir)
	if err != nil {
		return nil, err
	}

	resp, err := m.roundTrip(ctx, sc.session.NodeID, Request{Op: OpFilesList, SessionID: sessionID, Root: sc.root, Path: full})
	if err != nil {
		return nil, err
	}
	return resp.Entries, nil
}

type ReadResult struct {
	Path   string
	Offset int64
	Data   []byte
	EOF    bool
}

// Read returns up to limit bytes of a file, bounded by the policy.
func (m *Manager) Read(ctx context.Context, sessionID, file string, offset, limit int64) (*ReadResult, error) {
	sc, err := m.scopeOf(ctx, sessionID, store.SessionFiles, store.SessionLog)
	if err != nil {
		return nil, err
	}
	if offset < 0 {
		return nil, fmt.Errorf("negative offset: %w", apperr.ErrInvalid)
	}
	full, err := resolvePath(sc.root, file)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > sc.maxBytes {
		limit = sc.maxBytes
	}

	resp, err := m.roundTrip(ctx, sc.session.NodeID, Request{
		Op:        OpFilesRead,
		SessionID: sessionID,
		Root:      sc.root,
		Path:      full,
		Offset:    offset,
		Limit:     limit,
	})
	if err != nil {
		return nil, err
	}

	data := resp.Data
	if int64(len(data)) > limit {
		data = data[:limit]
	}
	return &ReadResult{Path: full, Offset: offset, Data: data, EOF: resp.EOF}, nil
}

// Tail returns the last lines of a log. An empty file means the policy
// root itself.
func (m *Manager) Tail(ctx context.Context, sessionID, file string, lines int) ([]string, error) {
	sc, err := m.scopeOf(ctx, sessionID, store.SessionLog)
	if err != nil {
		return nil, err
	}
	full, err := resolvePath(sc.root, file)
	if err != nil {
		return nil, err
	}
	switch {
	case lines <= 0:
		lines = DefaultTailLines
	case lines > MaxTailLines:
		lines = MaxTailLines
	}

	resp, err := m.roundTrip(ctx, sc.session.NodeID, Request{
		Op:        OpLogTail,
		SessionID: sessionID,
		Root:      sc.root,
		Path:      full,
		Lines:     lines,
		Limit:     sc.maxBytes,
	})
	if err != nil {
		return nil, err
	}
	return resp.Lines, nil
}

// Input writes keystrokes to a terminal session.
func (m *Manager) Input(ctx context.Context, sessionID string, data []byte) error {
	sc, err := m.scopeOf(ctx, sessionID, store.SessionTerminal)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	_, err = m.roundTrip(ctx, sc.session.NodeID, Request{Op: OpTerminalInput, SessionID: sessionID, Data: data})
	return err
}

func (m *Manager) Resize(ctx context.Context, sessionID string, cols, rows uint16) error {
	if cols == 0 || rows == 0 {
		return fmt.Errorf("terminal size %dx%d: %w", cols, rows, apperr.ErrInvalid)
	}
	sc, err := m.scopeOf(ctx, sessionID, store.SessionTerminal)
	if err != nil {
		return err
	}
	_, err = m.roundTrip(ctx, sc.session.NodeID, Request{
		Op:        OpTerminalResize,
		SessionID: sessionID,
		Cols:      cols,
		Rows:      rows,
	})
	return err
}
