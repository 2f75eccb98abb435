package handler

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/EternisAI/silo-fleet/internal/backoff"
	"github.com/EternisAI/silo-fleet/internal/events"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingPeriod     = (wsPongWait * 9) / 10
	wsMaxMessageSize = 4096
)

// EventsHandler streams hub events to operators over a websocket.
type EventsHandler struct {
	hub       *events.Hub
	reconnect events.ReconnectPolicy
	upgrader  websocket.Upgrader
}

func NewEventsHandler(hub *events.Hub, reconnect backoff.Policy) *EventsHandler {
	reconnect = reconnect.Normalize()
	return &EventsHandler{
		hub: hub,
		reconnect: events.ReconnectPolicy{
			InitialMs:  reconnect.Initial.Milliseconds(),
			MaxMs:      reconnect.Max.Milliseconds(),
			Multiplier: reconnect.Multiplier,
		},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

type streamAction struct {
	Action    string `json:"action"`
	CommandID string `json:"command_id"`
	SessionID string `json:"session_id"`
}

// Stream sends a hello event followed by live events until either side
// goes away. Output of commands and sessions is only sent for ids given
// as command_id/session_id query values or subscribed later.
// GET /api/v1/events
func (h *EventsHandler) Stream(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Warn("Websocket upgrade failed", "error", err, "client_ip", c.ClientIP())
		return
	}
	defer conn.Close()

	sub := h.hub.Subscribe(events.SubscribeOptions{
		CommandIDs: c.QueryArray("command_id"),
		SessionIDs: c.QueryArray("session_id"),
	})
	defer sub.Close()

	slog.Info("Event stream opened", "connection_id", sub.ID(), "client_ip", c.ClientIP(), "subject", c.GetString("subject"))

	hello := events.New(events.Hello, events.HelloInfo{
		ConnectionID: strconv.FormatUint(sub.ID(), 10),
		Reconnect:    h.reconnect,
	})
	hello.Time = time.Now()
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := conn.WriteJSON(hello); err != nil {
		slog.Debug("Failed to send hello", "connection_id", sub.ID(), "error", err)
		return
	}

	go h.readLoop(conn, sub)

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case e, ok := <-sub.Events():
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(wsWriteWait))
				slog.Info("Event stream closed", "connection_id", sub.ID())
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(e); err != nil {
				slog.Debug("Event stream write failed", "connection_id", sub.ID(), "error", err)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop handles subscribe/unsubscribe actions and pongs. Closing the
// subscription ends the write loop.
func (h *EventsHandler) readLoop(conn *websocket.Conn, sub *events.Subscription) {
	defer sub.Close()

	conn.SetReadLimit(wsMaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		var a streamAction
		if err := conn.ReadJSON(&a); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("Event stream read failed", "connection_id", sub.ID(), "error", err)
			}
			return
		}

		switch a.Action {
		case "subscribe":
			if a.CommandID != "" {
				sub.FollowCommand(a.CommandID)
			}
			if a.SessionID != "" {
				sub.FollowSession(a.SessionID)
			}
		case "unsubscribe":
			if a.CommandID != "" {
				sub.UnfollowCommand(a.CommandID)
			}
			if a.SessionID != "" {
				sub.UnfollowSession(a.SessionID)
			}
		default:
			slog.Debug("Unknown stream action", "connection_id", sub.ID(), "action", a.Action)
		}
	}
}
