// Package eventclient keeps a local view of the fleet in sync with the
// server's event stream. Delivery over the stream is at most once, so
// every (re)connect starts with a full fetch of the node list; missed
// events are never replayed.
package eventclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/EternisAI/silo-fleet/internal/api/http/dto"
	"github.com/EternisAI/silo-fleet/internal/backoff"
	"github.com/EternisAI/silo-fleet/internal/events"
	"github.com/gorilla/websocket"
)

const (
	nodesPath  = "/api/v1/nodes"
	eventsPath = "/api/v1/events"

	httpTimeout = 15 * time.Second
	writeWait   = 10 * time.Second
)

type Config struct {
	// ServerURL is the http(s) base address of the API.
	ServerURL string
	Token     string
	Backoff   backoff.Policy
	// Commands and Sessions are followed from the first connection on.
	Commands []string
	Sessions []string
}

type Option func(*Watcher)

func WithHTTPClient(c *http.Client) Option {
	return func(w *Watcher) { w.http = c }
}

func WithDialer(d *websocket.Dialer) Option {
	return func(w *Watcher) { w.dialer = d }
}

// WithEventHandler registers fn for every live event after it has been
// applied to the cache.
func WithEventHandler(fn func(events.Event)) Option {
	return func(w *Watcher) { w.onEvent = fn }
}

// WithReconcileHandler registers fn for every completed reconciliation.
func WithReconcileHandler(fn func([]dto.NodeResponse)) Option {
	return func(w *Watcher) { w.onReconcile = fn }
}

type Watcher struct {
	cfg    Config
	http   *http.Client
	dialer *websocket.Dialer

	onEvent     func(events.Event)
	onReconcile func([]dto.NodeResponse)

	mu         sync.RWMutex
	nodes      map[string]dto.NodeResponse
	conn       *websocket.Conn
	writeMu    sync.Mutex
	follows    map[string]bool
	sessions   map[string]bool
	reconciles int
}

func New(cfg Config, opts ...Option) *Watcher {
	w := &Watcher{
		cfg:      cfg,
		http:     &http.Client{Timeout: httpTimeout},
		dialer:   websocket.DefaultDialer,
		nodes:    make(map[string]dto.NodeResponse),
		follows:  make(map[string]bool),
		sessions: make(map[string]bool),
	}
	for _, id := range cfg.Commands {
		w.follows[id] = true
	}
	for _, id := range cfg.Sessions {
		w.sessions[id] = true
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run connects and reconnects until ctx ends. The delay between attempts
// grows per the backoff policy and resets after every connection that
// reached the reconciled state.
func (w *Watcher) Run(ctx context.Context) error {
	bo := backoff.New(w.cfg.Backoff)

	for {
		synced, err := w.connectOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if synced {
			bo.Reset()
		}

		delay := bo.Next()
		slog.Warn("Event stream disconnected", "error", err, "retry_in", delay, "failures", bo.Failures())

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// connectOnce runs one connection. synced reports whether the
// reconciliation completed before the connection ended.
func (w *Watcher) connectOnce(ctx context.Context) (synced bool, err error) {
	wsURL, err := w.streamURL()
	if err != nil {
		return false, err
	}

	header := http.Header{}
	if w.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+w.cfg.Token)
	}

	conn, resp, err := w.dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			return false, fmt.Errorf("dial %s: %s: %w", wsURL, resp.Status, err)
		}
		return false, fmt.Errorf("dial %s: %w", wsURL, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	var hello events.Event
	if err := conn.ReadJSON(&hello); err != nil {
		return false, fmt.Errorf("read hello: %w", err)
	}
	if hello.Type != events.Hello {
		return false, fmt.Errorf("expected hello, got %q", hello.Type)
	}
	var info events.HelloInfo
	if err := hello.Decode(&info); err != nil {
		return false, fmt.Errorf("decode hello: %w", err)
	}

	// Events that arrive while the snapshot is fetched wait in the socket
	// and are applied afterwards.
	if err := w.Reconcile(ctx); err != nil {
		return false, err
	}

	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.conn = nil
		w.mu.Unlock()
	}()

	slog.Info("Event stream connected", "connection_id", info.ConnectionID)

	for {
		var e events.Event
		if err := conn.ReadJSON(&e); err != nil {
			return true, fmt.Errorf("read event: %w", err)
		}
		w.apply(e)
	}
}

func (w *Watcher) streamURL() (string, error) {
	u, err := url.Parse(strings.TrimRight(w.cfg.ServerURL, "/") + eventsPath)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http", "":
		u.Scheme = "ws"
	}

	q := u.Query()
	w.mu.RLock()
	for id := range w.follows {
		q.Add("command_id", id)
	}
	for id := range w.sessions {
		q.Add("session_id", id)
	}
	w.mu.RUnlock()
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Reconcile replaces the node cache with the server's current node list.
func (w *Watcher) Reconcile(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(w.cfg.ServerURL, "/")+nodesPath, nil)
	if err != nil {
		return fmt.Errorf("build reconcile request: %w", err)
	}
	if w.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+w.cfg.Token)
	}

	resp, err := w.http.Do(req)
	if err != nil {
		return fmt.Errorf("fetch nodes: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch nodes: unexpected status %s", resp.Status)
	}

	var list dto.ListNodesResponse
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return fmt.Errorf("decode nodes: %w", err)
	}

	fresh := make(map[string]dto.NodeResponse, len(list.Nodes))
	for _, n := range list.Nodes {
		fresh[n.ID] = n
	}

	w.mu.Lock()
	w.nodes = fresh
	w.reconciles++
	w.mu.Unlock()

	slog.Debug("Node cache reconciled", "nodes", len(fresh))
	if w.onReconcile != nil {
		w.onReconcile(list.Nodes)
	}
	return nil
}

// apply folds a live event into the cache. Events older than the cached
// row are stale leftovers from before the last snapshot and only reach
// the event handler.
func (w *Watcher) apply(e events.Event) {
	w.mu.Lock()
	n, known := w.nodes[e.NodeID]
	fresh := !known || !e.Time.Before(n.UpdatedAt)

	switch e.Type {
	case events.NodeRegistered:
		if !known {
			var data struct {
				Hostname string `json:"hostname"`
				Status   string `json:"status"`
			}
			if err := e.Decode(&data); err == nil {
				w.nodes[e.NodeID] = dto.NodeResponse{
					ID:        e.NodeID,
					Hostname:  data.Hostname,
					Status:    data.Status,
					CreatedAt: e.Time,
					UpdatedAt: e.Time,
				}
			}
		}
	case events.NodeStatusChanged:
		var change events.StatusChange
		if known && fresh && e.Decode(&change) == nil {
			n.Status = change.To
			n.UpdatedAt = e.Time
			if change.To != "error" {
				n.ErrorCode, n.ErrorMessage, n.ErrorAt = "", "", nil
			}
			w.nodes[e.NodeID] = n
		}
	case events.NodeBackoff:
		var status events.BackoffStatus
		if known && fresh && e.Decode(&status) == nil {
			n.ConsecutiveFailures = status.ConsecutiveFailures
			next := status.NextRetryAt
			n.NextRetryAt = &next
			n.UpdatedAt = e.Time
			w.nodes[e.NodeID] = n
		}
	case events.NodeDeleted:
		delete(w.nodes, e.NodeID)
	}
	w.mu.Unlock()

	if w.onEvent != nil {
		w.onEvent(e)
	}
}

// Nodes returns the cached nodes ordered by id.
func (w *Watcher) Nodes() []dto.NodeResponse {
	w.mu.RLock()
	defer w.mu.RUnlock()

	out := make([]dto.NodeResponse, 0, len(w.nodes))
	for _, n := range w.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (w *Watcher) Node(id string) (dto.NodeResponse, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	n, ok := w.nodes[id]
	return n, ok
}

// Connected reports whether a reconciled connection is live.
func (w *Watcher) Connected() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.conn != nil
}

// Reconciles counts completed reconciliations.
func (w *Watcher) Reconciles() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.reconciles
}

// FollowCommand subscribes to the live output of a command. The follow
// survives reconnects.
func (w *Watcher) FollowCommand(commandID string) error {
	w.mu.Lock()
	w.follows[commandID] = true
	w.mu.Unlock()
	return w.send(action{Action: "subscribe", CommandID: commandID})
}

// FollowSession subscribes to the output of a terminal session.
func (w *Watcher) FollowSession(sessionID string) error {
	w.mu.Lock()
	w.sessions[sessionID] = true
	w.mu.Unlock()
	return w.send(action{Action: "subscribe", SessionID: sessionID})
}

type action struct {
	Action    string `json:"action"`
	CommandID string `json:"command_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

var errNotConnected = errors.New("event stream not connected")

// send is a no-op while disconnected: follows are replayed through the
// query string on the next connection.
func (w *Watcher) send(a action) error {
	w.mu.RLock()
	conn := w.conn
	w.mu.RUnlock()
	if conn == nil {
		return nil
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(a); err != nil {
		return fmt.Errorf("%w: %v", errNotConnected, err)
	}
	return nil
}
