package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"time"
)

const (
	CommandExec    = "exec"
	CommandService = "service"
)

var validServiceActions = map[string]bool{
	"start": true, "stop": true, "restart": true,
	"reload": true, "enable": true, "disable": true, "status": true,
}

var errCancelled = errors.New("cancelled")

type ExecPayload struct {
	Command string `json:"command"`
	// Timeout in seconds; zero uses the executor default.
	Timeout int `json:"timeout"`
}

type ServicePayload struct {
	Name   string `json:"name"`
	Action string `json:"action"`
}

// Outcome is how a command ended. Err is nil on success.
type Outcome struct {
	ExitCode int
	Err      error
}

type Executor struct {
	shell          string
	defaultTimeout time.Duration
}

func NewExecutor(shell string, defaultTimeout time.Duration) *Executor {
	if shell == "" {
		shell = "/bin/sh"
	}
	if defaultTimeout <= 0 {
		defaultTimeout = 10 * time.Minute
	}
	return &Executor{shell: shell, defaultTimeout: defaultTimeout}
}

// Run executes a command of the given type and streams its combined
// output to out. Cancelling ctx kills the process.
func (e *Executor) Run(ctx context.Context, typ string, payload json.RawMessage, out io.Writer) Outcome {
	switch typ {
	case CommandExec:
		var p ExecPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return Outcome{ExitCode: -1, Err: fmt.Errorf("invalid exec payload: %w", err)}
		}
		if p.Command == "" {
			return Outcome{ExitCode: -1, Err: errors.New("exec payload needs a command")}
		}
		timeout := e.defaultTimeout
		if p.Timeout > 0 {
			timeout = time.Duration(p.Timeout) * time.Second
		}
		fmt.Fprintf(out, "$ %s\n", p.Command)
		return e.run(ctx, timeout, out, e.shell, "-c", p.Command)

	case CommandService:
		var p ServicePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return Outcome{ExitCode: -1, Err: fmt.Errorf("invalid service payload: %w", err)}
		}
		if p.Action == "" {
			p.Action = "restart"
		}
		if p.Name == "" || !validServiceActions[p.Action] {
			return Outcome{ExitCode: -1, Err: fmt.Errorf("invalid service operation %q on %q", p.Action, p.Name)}
		}
		fmt.Fprintf(out, "Service %s: %s\n", p.Name, p.Action)
		return e.run(ctx, e.defaultTimeout, out, "systemctl", p.Action, p.Name)

	default:
		return Outcome{ExitCode: -1, Err: fmt.Errorf("unknown command type: %s", typ)}
	}
}

func (e *Executor) run(ctx context.Context, timeout time.Duration, out io.Writer, name string, args ...string) Outcome {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, name, args...)
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.WaitDelay = time.Second

	err := cmd.Run()
	switch {
	case ctx.Err() != nil:
		return Outcome{ExitCode: exitCode(cmd, -1), Err: errCancelled}
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return Outcome{ExitCode: exitCode(cmd, -1), Err: fmt.Errorf("timed out after %s", timeout)}
	case err != nil:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return Outcome{ExitCode: exitErr.ExitCode(), Err: err}
		}
		return Outcome{ExitCode: -1, Err: err}
	}
	return Outcome{}
}

func exitCode(cmd *exec.Cmd, def int) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	return def
}
