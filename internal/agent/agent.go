// Package agent is the node side of the fleet: it executes commands,
// serves session requests and reports host facts over the agent stream.
package agent

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/EternisAI/silo-fleet/internal/grpc/wire"
	"github.com/EternisAI/silo-fleet/internal/sessions"
	"github.com/google/uuid"
)

type Config struct {
	Version        string        `mapstructure:"-"`
	Shell          string        `mapstructure:"shell"`
	CommandTimeout time.Duration `mapstructure:"command_timeout"`
	// BusyThreshold is the number of running commands at which pings are
	// answered busy. Zero never reports busy.
	BusyThreshold  int           `mapstructure:"busy_threshold"`
	BusyRetryAfter time.Duration `mapstructure:"busy_retry_after"`
	DedupeTTL      time.Duration `mapstructure:"dedupe_ttl"`
	DedupeSize     int           `mapstructure:"dedupe_size"`
}

func (c Config) withDefaults() Config {
	if c.BusyRetryAfter <= 0 {
		c.BusyRetryAfter = 30 * time.Second
	}
	if c.DedupeTTL <= 0 {
		c.DedupeTTL = time.Hour
	}
	if c.DedupeSize <= 0 {
		c.DedupeSize = 1024
	}
	return c
}

// Emitter delivers frames to the server.
type Emitter interface {
	Send(msg *wire.Message) error
}

type Agent struct {
	cfg       Config
	executor  *Executor
	dedupe    *Dedupe
	terminals *Terminals

	emitterMu sync.RWMutex
	emitter   Emitter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

func New(cfg Config) *Agent {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	a := &Agent{
		cfg:      cfg,
		executor: NewExecutor(cfg.Shell, cfg.CommandTimeout),
		dedupe:   NewDedupe(cfg.DedupeTTL, cfg.DedupeSize, nil),
		ctx:      ctx,
		cancel:   cancel,
		running:  make(map[string]context.CancelFunc),
	}
	a.terminals = NewTerminals(cfg.Shell, a.emitTerminal)
	return a
}

// SetEmitter wires the stream client, which is created after the agent.
func (a *Agent) SetEmitter(e Emitter) {
	a.emitterMu.Lock()
	defer a.emitterMu.Unlock()
	a.emitter = e
}

func (a *Agent) emit(msg *wire.Message) {
	a.emitterMu.RLock()
	e := a.emitter
	a.emitterMu.RUnlock()

	if e == nil {
		slog.Warn("No emitter, dropping message", "type", msg.Type)
		return
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if err := e.Send(msg); err != nil {
		slog.Warn("Failed to emit message", "type", msg.Type, "error", err)
	}
}

// Facts is the heartbeat payload: host facts plus a telemetry snapshot.
func (a *Agent) Facts(ctx context.Context) wire.Heartbeat {
	return CollectFacts(ctx, a.cfg.Version, a.Running())
}

func (a *Agent) Running() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.running)
}

// Pong answers a liveness ping.
func (a *Agent) Pong() wire.Pong {
	if a.cfg.BusyThreshold > 0 && a.Running() >= a.cfg.BusyThreshold {
		return wire.Pong{Busy: true, RetryAfter: a.cfg.BusyRetryAfter}
	}
	return wire.Pong{}
}

// HandleCommand starts a command unless its id was already seen. The
// first progress report moves the command to in_progress on the server.
func (a *Agent) HandleCommand(cmd wire.Command) {
	if a.dedupe.CheckAndMark(cmd.CommandID) {
		slog.Info("Ignoring redelivered command", "command_id", cmd.CommandID)
		return
	}

	ctx, cancel := context.WithCancel(a.ctx)
	a.mu.Lock()
	a.running[cmd.CommandID] = cancel
	a.mu.Unlock()

	a.wg.Add(1)
	go a.execute(ctx, cancel, cmd)
}

func (a *Agent) execute(ctx context.Context, cancel context.CancelFunc, cmd wire.Command) {
	defer a.wg.Done()
	defer func() {
		cancel()
		a.mu.Lock()
		delete(a.running, cmd.CommandID)
		a.mu.Unlock()
	}()

	slog.Info("Command started", "command_id", cmd.CommandID, "type", cmd.Type)
	a.emit(&wire.Message{Type: wire.TypeCommandProgress, Progress: &wire.Progress{CommandID: cmd.CommandID}})

	out := &progressWriter{agent: a, commandID: cmd.CommandID}
	outcome := a.executor.Run(ctx, cmd.Type, cmd.Payload, out)

	result := &wire.Result{CommandID: cmd.CommandID, Success: outcome.Err == nil, ExitCode: outcome.ExitCode}
	if outcome.Err != nil {
		result.Error = outcome.Err.Error()
	}
	a.emit(&wire.Message{Type: wire.TypeCommandResult, Result: result})
	slog.Info("Command finished", "command_id", cmd.CommandID, "success", result.Success, "exit_code", result.ExitCode)
}

// HandleCancel stops a running command; unknown ids are ignored.
func (a *Agent) HandleCancel(commandID string) {
	a.mu.Lock()
	cancel, ok := a.running[commandID]
	a.mu.Unlock()

	if !ok {
		slog.Debug("Cancel for command not running", "command_id", commandID)
		return
	}
	slog.Info("Cancelling command", "command_id", commandID)
	cancel()
}

// HandleSession performs one session operation.
func (a *Agent) HandleSession(req sessions.Request) sessions.Response {
	var (
		resp sessions.Response
		err  error
	)

	switch req.Op {
	case sessions.OpFilesList:
		resp.Entries, err = ListDir(req.Root, req.Path)
	case sessions.OpFilesRead:
		resp.Data, resp.EOF, err = ReadFile(req.Root, req.Path, req.Offset, req.Limit)
	case sessions.OpLogTail:
		resp.Lines, err = TailFile(req.Root, req.Path, req.Lines, req.Limit)
	case sessions.OpTerminalOpen:
		err = a.terminals.Open(req.SessionID, req.Cols, req.Rows)
	case sessions.OpTerminalInput:
		err = a.terminals.Input(req.SessionID, req.Data)
	case sessions.OpTerminalResize:
		err = a.terminals.Resize(req.SessionID, req.Cols, req.Rows)
	case sessions.OpTerminalClose:
		err = a.terminals.Close(req.SessionID)
	default:
		err = invalid("unknown session op %q", req.Op)
	}

	if err != nil {
		resp = sessions.Response{Error: err.Error()}
		var fe *fileError
		if errors.As(err, &fe) {
			resp.Code = fe.code
		}
		slog.Debug("Session operation failed", "op", req.Op, "session_id", req.SessionID, "error", err)
	}
	return resp
}

// Rejected kills every terminal: a node the server no longer accepts
// has no session that could still close them.
func (a *Agent) Rejected() {
	slog.Warn("Agent key rejected, closing terminals")
	a.terminals.CloseAll()
}

func (a *Agent) emitTerminal(sessionID string, data []byte, closed bool) {
	a.emit(&wire.Message{
		Type:           wire.TypeTerminalOutput,
		TerminalOutput: &wire.TerminalOutput{SessionID: sessionID, Data: data, Closed: closed},
	})
}

// Shutdown cancels running commands, kills terminals and waits for the
// command goroutines to report.
func (a *Agent) Shutdown(timeout time.Duration) {
	a.cancel()
	a.terminals.CloseAll()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		slog.Warn("Timed out waiting for commands to stop")
	}
}

// progressWriter streams command output as progress frames.
type progressWriter struct {
	agent     *Agent
	commandID string
}

func (w *progressWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	w.agent.emit(&wire.Message{
		Type:     wire.TypeCommandProgress,
		Progress: &wire.Progress{CommandID: w.commandID, Output: string(p)},
	})
	return len(p), nil
}
