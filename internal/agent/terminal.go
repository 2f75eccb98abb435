//go:build linux || darwin

package agent

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"

	"github.com/EternisAI/silo-fleet/internal/sessions"
	"github.com/creack/pty"
)

// ptyTerminal is one shell attached to a pseudo terminal.
type ptyTerminal struct {
	cmd  *exec.Cmd
	pty  *os.File
	once sync.Once
}

func (t *ptyTerminal) close() {
	t.once.Do(func() {
		t.pty.Close()
		if t.cmd.Process != nil {
			t.cmd.Process.Kill()
		}
	})
}

// Terminals runs the pty shells of terminal sessions. Output and exit
// are reported through the emit callback.
type Terminals struct {
	shell string
	emit  func(sessionID string, data []byte, closed bool)

	mu        sync.Mutex
	terminals map[string]*ptyTerminal
}

func NewTerminals(shell string, emit func(sessionID string, data []byte, closed bool)) *Terminals {
	if shell == "" {
		shell = os.Getenv("SHELL")
	}
	if shell == "" {
		shell = "/bin/bash"
	}
	return &Terminals{
		shell:     shell,
		emit:      emit,
		terminals: make(map[string]*ptyTerminal),
	}
}

func (ts *Terminals) Open(sessionID string, cols, rows uint16) error {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if _, exists := ts.terminals[sessionID]; exists {
		return invalid("terminal %s already open", sessionID)
	}

	cmd := exec.Command(ts.shell)
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	size := &pty.Winsize{Cols: 80, Rows: 24}
	if cols > 0 && rows > 0 {
		size = &pty.Winsize{Cols: cols, Rows: rows}
	}
	f, err := pty.StartWithSize(cmd, size)
	if err != nil {
		return fmt.Errorf("failed to start shell: %w", err)
	}

	t := &ptyTerminal{cmd: cmd, pty: f}
	ts.terminals[sessionID] = t
	go ts.pump(sessionID, t)

	slog.Info("Terminal opened", "session_id", sessionID, "shell", ts.shell, "pid", cmd.Process.Pid)
	return nil
}

// pump copies pty output until the shell exits, then reports the close.
func (ts *Terminals) pump(sessionID string, t *ptyTerminal) {
	buf := make([]byte, 4096)
	for {
		n, err := t.pty.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			ts.emit(sessionID, chunk, false)
		}
		if err != nil {
			break
		}
	}

	t.close()
	t.cmd.Wait()

	ts.mu.Lock()
	if ts.terminals[sessionID] == t {
		delete(ts.terminals, sessionID)
	}
	ts.mu.Unlock()

	ts.emit(sessionID, nil, true)
	slog.Info("Terminal exited", "session_id", sessionID)
}

func (ts *Terminals) get(sessionID string) (*ptyTerminal, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	t, ok := ts.terminals[sessionID]
	if !ok {
		return nil, &fileError{code: sessions.CodeNotFound, err: errors.New("no such terminal")}
	}
	return t, nil
}

func (ts *Terminals) Input(sessionID string, data []byte) error {
	t, err := ts.get(sessionID)
	if err != nil {
		return err
	}
	_, err = t.pty.Write(data)
	return err
}

func (ts *Terminals) Resize(sessionID string, cols, rows uint16) error {
	t, err := ts.get(sessionID)
	if err != nil {
		return err
	}
	return pty.Setsize(t.pty, &pty.Winsize{Cols: cols, Rows: rows})
}

// Close kills the shell. The exit is reported by the pump.
func (ts *Terminals) Close(sessionID string) error {
	t, err := ts.get(sessionID)
	if err != nil {
		return err
	}
	t.close()
	return nil
}

func (ts *Terminals) CloseAll() {
	ts.mu.Lock()
	all := make([]*ptyTerminal, 0, len(ts.terminals))
	for _, t := range ts.terminals {
		all = append(all, t)
	}
	ts.mu.Unlock()

	for _, t := range all {
		t.close()
	}
}
