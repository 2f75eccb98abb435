package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/EternisAI/silo-fleet/internal/apperr"
	"github.com/EternisAI/silo-fleet/internal/grpc/wire"
	"github.com/EternisAI/silo-fleet/internal/nodes"
	"github.com/EternisAI/silo-fleet/internal/store"
	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Authenticator verifies an agent's node id and key.
type Authenticator interface {
	Authenticate(ctx context.Context, nodeID, agentKey string) error
}

type HeartbeatRecorder interface {
	RecordHeartbeat(ctx context.Context, nodeID string, hb nodes.Heartbeat) (*store.Node, error)
}

type CommandReporter interface {
	Dispatch(ctx context.Context, nodeID string) (*store.Command, error)
	ReportProgress(ctx context.Context, commandID string, statusDelta store.CommandStatus, outputAppend string) (*store.Command, error)
	ReportTerminal(ctx context.Context, commandID string, finalStatus store.CommandStatus, finalOutput string) (*store.Command, error)
}

type TerminalSink interface {
	HandleTerminalOutput(nodeID, sessionID string, data []byte)
	// TerminalExited must not wait on the agent: it runs on the stream's
	// receive loop.
	TerminalExited(ctx context.Context, sessionID string) error
}

type StreamHandler struct {
	connManager       *ConnectionManager
	auth              Authenticator
	heartbeats        HeartbeatRecorder
	commands          CommandReporter
	terminals         TerminalSink
	heartbeatInterval time.Duration
}

func NewStreamHandler(connManager *ConnectionManager, auth Authenticator, heartbeats HeartbeatRecorder, commands CommandReporter, terminals TerminalSink, heartbeatInterval time.Duration) *StreamHandler {
	return &StreamHandler{
		connManager:       connManager,
		auth:              auth,
		heartbeats:        heartbeats,
		commands:          commands,
		terminals:         terminals,
		heartbeatInterval: heartbeatInterval,
	}
}

func (sh *StreamHandler) HandleStream(stream wire.Stream) error {
	ctx := stream.Context()

	firstMsg, err := stream.Recv()
	if err != nil {
		return fmt.Errorf("failed to receive first message: %w", err)
	}
	if firstMsg.Type != wire.TypeHello || firstMsg.Hello == nil || firstMsg.Hello.NodeID == "" {
		sh.reject(stream, wire.ErrCodeBadRequest, "first message must be hello with node_id")
		return status.Error(codes.InvalidArgument, "first message must be hello")
	}

	hello := firstMsg.Hello
	nodeID := hello.NodeID
	if err := sh.auth.Authenticate(ctx, nodeID, hello.AgentKey); err != nil {
		slog.Warn("Agent authentication failed", "node_id", nodeID, "error", err)
		sh.reject(stream, wire.ErrCodeUnauthenticated, "invalid node id or agent key")
		return status.Error(codes.Unauthenticated, "invalid node id or agent key")
	}

	conn := sh.connManager.Register(nodeID)
	defer func() {
		sh.connManager.Deregister(conn)
		slog.Info("Agent disconnected", "node_id", nodeID, "conn_id", conn.ConnID,
			"connected_for", time.Since(conn.ConnectedAt).Round(time.Second))
	}()

	ack := &wire.Message{
		ID:      uuid.NewString(),
		Type:    wire.TypeHelloAck,
		ReplyTo: firstMsg.ID,
		HelloAck: &wire.HelloAck{
			NodeID:            nodeID,
			HeartbeatInterval: sh.heartbeatInterval,
			ServerTime:        time.Now().UTC(),
		},
	}
	if err := stream.Send(ack); err != nil {
		return fmt.Errorf("failed to send hello ack: %w", err)
	}

	slog.Info("Agent connection established", "node_id", nodeID, "conn_id", conn.ConnID, "agent_version", hello.Facts.AgentVersion)

	done := make(chan struct{})
	errChan := make(chan error, 2)

	go sh.receiveLoop(ctx, conn, stream, done, errChan)
	go sh.sendLoop(conn, stream, done, errChan)

	// The hello counts as the first heartbeat; a node that comes online
	// gets its queued work right away.
	sh.recordHeartbeat(ctx, nodeID, hello.Facts)
	if _, err := sh.commands.Dispatch(ctx, nodeID); err != nil {
		slog.Warn("Dispatch on connect failed", "node_id", nodeID, "error", err)
	}

	select {
	case err := <-errChan:
		close(done)
		if err != nil && err != io.EOF {
			return err
		}
		return nil
	case <-conn.Done():
		close(done)
		return status.Error(codes.Aborted, "connection replaced or closed by server")
	}
}

func (sh *StreamHandler) reject(stream wire.Stream, code, message string) {
	err := stream.Send(&wire.Message{
		ID:    uuid.NewString(),
		Type:  wire.TypeError,
		Error: &wire.Error{Code: code, Message: message},
	})
	if err != nil {
		slog.Debug("Failed to send rejection", "error", err)
	}
}

func (sh *StreamHandler) receiveLoop(ctx context.Context, conn *AgentConnection, stream wire.Stream, done chan struct{}, errChan chan error) {
	for {
		select {
		case <-done:
			return
		default:
			msg, err := stream.Recv()
			if err != nil {
				if err != io.EOF {
					slog.Error("Error receiving message", "node_id", conn.NodeID, "error", err)
				}
				errChan <- err
				return
			}

			slog.Debug("Message received", "node_id", conn.NodeID, "message_id", msg.ID, "type", msg.Type)

			sh.connManager.UpdateLastSeen(conn.NodeID)

			if err := sh.processMessage(ctx, conn, msg); err != nil {
				slog.Error("Failed to process message", "node_id", conn.NodeID, "type", msg.Type, "error", err)
			}
		}
	}
}

func (sh *StreamHandler) sendLoop(conn *AgentConnection, stream wire.Stream, done chan struct{}, errChan chan error) {
	for {
		select {
		case <-done:
			return
		case <-conn.Done():
			return
		case msg := <-conn.SendCh:
			slog.Debug("Sending message", "node_id", conn.NodeID, "message_id", msg.ID, "type", msg.Type)

			if err := stream.Send(msg); err != nil {
				slog.Error("Error sending message", "node_id", conn.NodeID, "error", err)
				errChan <- err
				return
			}
		}
	}
}

func (sh *StreamHandler) processMessage(ctx context.Context, conn *AgentConnection, msg *wire.Message) error {
	nodeID := conn.NodeID

	switch msg.Type {
	case wire.TypeHeartbeat:
		if msg.Heartbeat == nil {
			return fmt.Errorf("heartbeat without payload")
		}
		sh.recordHeartbeat(ctx, nodeID, *msg.Heartbeat)

	case wire.TypePing:
		pong := &wire.Message{
			ID:      uuid.NewString(),
			Type:    wire.TypePong,
			ReplyTo: msg.ID,
			Pong:    &wire.Pong{},
		}
		if err := sh.connManager.sendOn(conn, pong); err != nil {
			return fmt.Errorf("failed to send pong: %w", err)
		}

	case wire.TypePong, wire.TypeSessionResponse:
		sh.connManager.HandleResponse(conn, msg)

	case wire.TypeCommandProgress:
		if msg.Progress == nil {
			return fmt.Errorf("progress without payload")
		}
		_, err := sh.commands.ReportProgress(ctx, msg.Progress.CommandID, store.CommandInProgress, msg.Progress.Output)
		return ignoreConflict(err)

	case wire.TypeCommandResult:
		if msg.Result == nil {
			return fmt.Errorf("result without payload")
		}
		r := msg.Result
		final := store.CommandSuccess
		if !r.Success {
			final = store.CommandFailed
		}
		output := r.Output
		if r.Error != "" {
			output += fmt.Sprintf("\n[exit %d] %s\n", r.ExitCode, r.Error)
		}
		_, err := sh.commands.ReportTerminal(ctx, r.CommandID, final, output)
		return ignoreConflict(err)

	case wire.TypeTerminalOutput:
		if msg.TerminalOutput == nil {
			return fmt.Errorf("terminal output without payload")
		}
		out := msg.TerminalOutput
		if len(out.Data) > 0 {
			sh.terminals.HandleTerminalOutput(nodeID, out.SessionID, out.Data)
		}
		if out.Closed {
			if err := sh.terminals.TerminalExited(ctx, out.SessionID); err != nil {
				return fmt.Errorf("close exited terminal: %w", err)
			}
		}

	case wire.TypeError:
		if msg.Error != nil {
			slog.Warn("Agent reported error", "node_id", nodeID, "code", msg.Error.Code, "message", msg.Error.Message)
		}

	default:
		slog.Warn("Unknown message type", "node_id", nodeID, "type", msg.Type)
	}

	return nil
}

func (sh *StreamHandler) recordHeartbeat(ctx context.Context, nodeID string, hb wire.Heartbeat) {
	_, err := sh.heartbeats.RecordHeartbeat(ctx, nodeID, nodes.Heartbeat{
		Hostname:     hb.Hostname,
		IPAddress:    hb.IPAddress,
		OS:           hb.OS,
		AgentVersion: hb.AgentVersion,
		MACAddress:   hb.MACAddress,
		Snapshot:     hb.Snapshot,
	})
	if err != nil {
		slog.Error("Failed to record heartbeat", "node_id", nodeID, "error", err)
	}
}

// ignoreConflict swallows late reports; the queue already logged them.
func ignoreConflict(err error) error {
	if errors.Is(err, apperr.ErrConflict) {
		return nil
	}
	return err
}
