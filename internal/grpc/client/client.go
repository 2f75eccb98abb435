package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/EternisAI/silo-fleet/internal/backoff"
	"github.com/EternisAI/silo-fleet/internal/grpc/wire"
	"github.com/EternisAI/silo-fleet/internal/sessions"
	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	grpctls "github.com/EternisAI/silo-fleet/internal/grpc/tls"
)

const (
	sendChannelBuffer        = 256
	defaultHeartbeatInterval = 30 * time.Second
	helloTimeout             = 15 * time.Second
	flushTimeout             = 3 * time.Second
)

// ErrRejected means the server refused the agent's credentials.
var ErrRejected = errors.New("rejected by server")

// Handler is the agent behind the stream.
type Handler interface {
	Facts(ctx context.Context) wire.Heartbeat
	Pong() wire.Pong
	HandleCommand(cmd wire.Command)
	HandleCancel(commandID string)
	HandleSession(req sessions.Request) sessions.Response
	// Rejected is called each time the server refuses the agent's key.
	Rejected()
}

type TLSConfig struct {
	Enabled            bool   `mapstructure:"enabled"`
	CertFile           string `mapstructure:"cert_file"`
	KeyFile            string `mapstructure:"key_file"`
	CAFile             string `mapstructure:"ca_file"`
	ServerNameOverride string `mapstructure:"server_name_override"`
}

type Config struct {
	ServerAddress string         `mapstructure:"server_address"`
	TLS           TLSConfig      `mapstructure:"tls"`
	Reconnect     backoff.Policy `mapstructure:"reconnect"`
	// HeartbeatInterval is used until the server's hello_ack says
	// otherwise.
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

type Option func(*Client)

// WithDialOptions replaces the transport credentials and adds dial
// options, mostly for tests.
func WithDialOptions(opts ...grpc.DialOption) Option {
	return func(c *Client) {
		c.dialOpts = opts
	}
}

type Client struct {
	cfg      Config
	nodeID   string
	agentKey string
	handler  Handler
	dialOpts []grpc.DialOption

	conn      *grpc.ClientConn
	stream    wire.ClientStream
	connected atomic.Bool
	heartbeat atomic.Int64

	sendCh chan *wire.Message
	stopCh chan struct{}
	doneCh chan struct{}

	backoff *backoff.Backoff

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.RWMutex
}

func NewClient(cfg Config, nodeID, agentKey string, handler Handler, opts ...Option) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:      cfg,
		nodeID:   nodeID,
		agentKey: agentKey,
		handler:  handler,
		sendCh:   make(chan *wire.Message, sendChannelBuffer),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		backoff:  backoff.New(cfg.Reconnect),
		ctx:      ctx,
		cancel:   cancel,
	}
	interval := cfg.HeartbeatInterval
	if interval <= 0 {
		interval = defaultHeartbeatInterval
	}
	c.heartbeat.Store(int64(interval))
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Start() error {
	go c.connectionLoop()
	return nil
}

func (c *Client) Stop() error {
	slog.Info("Stopping gRPC client")
	c.flush(flushTimeout)
	close(c.stopCh)
	c.cancel()
	<-c.doneCh
	slog.Info("gRPC client stopped")
	return nil
}

// flush waits for queued frames to go out while connected.
func (c *Client) flush(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for c.Connected() && len(c.sendCh) > 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
}

func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Send queues msg for the server. Messages queued while disconnected
// go out after the next hello.
func (c *Client) Send(msg *wire.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	select {
	case c.sendCh <- msg:
		return nil
	default:
		return fmt.Errorf("send channel full")
	}
}

func (c *Client) connectionLoop() {
	defer close(c.doneCh)

	for {
		select {
		case <-c.stopCh:
			c.disconnect()
			return
		default:
		}

		err := c.connect()
		if err == nil {
			c.backoff.Reset()
			c.connected.Store(true)

			err = c.handleStream()
			c.connected.Store(false)
			c.disconnect()

			if errors.Is(err, io.EOF) {
				slog.Info("Server closed connection")
			} else if err != nil {
				slog.Error("Stream error", "error", err)
			}
		}

		delay := c.backoff.Next()
		switch {
		case errors.Is(err, ErrRejected):
			slog.Error("Server rejected agent credentials", "node_id", c.nodeID, "retry_in", delay)
			c.handler.Rejected()
		case err != nil:
			slog.Warn("Connection lost", "error", err, "retry_in", delay)
		default:
			slog.Info("Reconnecting", "delay", delay)
		}

		select {
		case <-time.After(delay):
		case <-c.stopCh:
			return
		}
	}
}

func (c *Client) dialOptions() ([]grpc.DialOption, error) {
	if c.dialOpts != nil {
		return c.dialOpts, nil
	}

	tlsCfg := c.cfg.TLS
	if tlsCfg.Enabled {
		creds, err := grpctls.LoadClientCredentials(tlsCfg.CertFile, tlsCfg.KeyFile, tlsCfg.CAFile, tlsCfg.ServerNameOverride)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS credentials: %w", err)
		}
		slog.Info("Using TLS connection")
		return []grpc.DialOption{grpc.WithTransportCredentials(creds)}, nil
	}

	slog.Warn("Using insecure connection (TLS disabled)")
	return []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, nil
}

func (c *Client) connect() error {
	slog.Info("Connecting to server", "address", c.cfg.ServerAddress)

	opts, err := c.dialOptions()
	if err != nil {
		return err
	}
	conn, err := grpc.NewClient(c.cfg.ServerAddress, opts...)
	if err != nil {
		return fmt.Errorf("failed to dial server: %w", err)
	}

	stream, err := wire.Connect(c.ctx, conn)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to create stream: %w", err)
	}

	if err := c.hello(stream); err != nil {
		stream.CloseSend()
		conn.Close()
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.stream = stream
	c.mu.Unlock()

	slog.Info("Connected to server", "address", c.cfg.ServerAddress, "node_id", c.nodeID)
	return nil
}

// hello authenticates the stream and waits for the server's ack.
func (c *Client) hello(stream wire.ClientStream) error {
	factsCtx, cancel := context.WithTimeout(c.ctx, 5*time.Second)
	facts := c.handler.Facts(factsCtx)
	cancel()

	err := stream.Send(&wire.Message{
		ID:    uuid.NewString(),
		Type:  wire.TypeHello,
		Hello: &wire.Hello{NodeID: c.nodeID, AgentKey: c.agentKey, Facts: facts},
	})
	if err != nil {
		return fmt.Errorf("failed to send hello: %w", err)
	}

	type recvResult struct {
		msg *wire.Message
		err error
	}
	ch := make(chan recvResult, 1)
	go func() {
		msg, err := stream.Recv()
		ch <- recvResult{msg, err}
	}()

	var res recvResult
	select {
	case res = <-ch:
	case <-time.After(helloTimeout):
		return fmt.Errorf("no hello_ack within %s", helloTimeout)
	case <-c.ctx.Done():
		return c.ctx.Err()
	}
	if res.err != nil {
		return fmt.Errorf("failed to receive hello_ack: %w", res.err)
	}

	switch {
	case res.msg.Type == wire.TypeError && res.msg.Error != nil:
		return fmt.Errorf("%w: %s", ErrRejected, res.msg.Error.Message)
	case res.msg.Type != wire.TypeHelloAck || res.msg.HelloAck == nil:
		return fmt.Errorf("expected hello_ack, got %s", res.msg.Type)
	}

	if interval := res.msg.HelloAck.HeartbeatInterval; interval > 0 {
		c.heartbeat.Store(int64(interval))
	}
	return nil
}

func (c *Client) disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stream != nil {
		c.stream.CloseSend()
		c.stream = nil
	}

	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func (c *Client) currentStream() wire.ClientStream {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stream
}

func (c *Client) handleStream() error {
	done := make(chan struct{})
	errChan := make(chan error, 3)

	go c.receiveLoop(done, errChan)
	go c.sendLoop(done, errChan)
	go c.heartbeatLoop(done)

	err := <-errChan
	close(done)
	return err
}

func (c *Client) receiveLoop(done chan struct{}, errChan chan error) {
	stream := c.currentStream()
	if stream == nil {
		errChan <- fmt.Errorf("stream is nil")
		return
	}

	for {
		msg, err := stream.Recv()
		if err != nil {
			errChan <- err
			return
		}

		select {
		case <-done:
			return
		default:
		}

		slog.Debug("Message received", "message_id", msg.ID, "type", msg.Type)
		c.processMessage(msg)
	}
}

func (c *Client) sendLoop(done chan struct{}, errChan chan error) {
	stream := c.currentStream()
	if stream == nil {
		errChan <- fmt.Errorf("stream is nil")
		return
	}

	for {
		select {
		case <-done:
			return
		case msg := <-c.sendCh:
			slog.Debug("Sending message", "message_id", msg.ID, "type", msg.Type)
			if err := stream.Send(msg); err != nil {
				// Keep the frame for the next connection.
				select {
				case c.sendCh <- msg:
				default:
				}
				errChan <- err
				return
			}
		}
	}
}

func (c *Client) heartbeatLoop(done chan struct{}) {
	interval := time.Duration(c.heartbeat.Load())
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(c.ctx, interval/2)
			facts := c.handler.Facts(ctx)
			cancel()

			if err := c.Send(&wire.Message{Type: wire.TypeHeartbeat, Heartbeat: &facts}); err != nil {
				slog.Warn("Failed to queue heartbeat", "error", err)
			}
		}
	}
}

func (c *Client) processMessage(msg *wire.Message) {
	switch msg.Type {
	case wire.TypePing:
		pong := c.handler.Pong()
		c.reply(msg, &wire.Message{Type: wire.TypePong, Pong: &pong})

	case wire.TypeCommand:
		if msg.Command == nil {
			slog.Warn("Command frame without payload", "message_id", msg.ID)
			return
		}
		c.handler.HandleCommand(*msg.Command)

	case wire.TypeCommandCancel:
		if msg.Cancel != nil {
			c.handler.HandleCancel(msg.Cancel.CommandID)
		}

	case wire.TypeSessionRequest:
		if msg.SessionRequest == nil {
			slog.Warn("Session request without payload", "message_id", msg.ID)
			return
		}
		go func(req sessions.Request) {
			resp := c.handler.HandleSession(req)
			c.reply(msg, &wire.Message{Type: wire.TypeSessionResponse, SessionResponse: &resp})
		}(*msg.SessionRequest)

	case wire.TypePong, wire.TypeHelloAck:
		slog.Debug("Ignoring frame", "type", msg.Type)

	case wire.TypeError:
		if msg.Error != nil {
			slog.Warn("Server reported error", "code", msg.Error.Code, "message", msg.Error.Message)
		}

	default:
		slog.Warn("Unknown message type", "type", msg.Type)
	}
}

func (c *Client) reply(req, resp *wire.Message) {
	resp.ReplyTo = req.ID
	if err := c.Send(resp); err != nil {
		slog.Error("Failed to send reply", "type", resp.Type, "reply_to", req.ID, "error", err)
	}
}
