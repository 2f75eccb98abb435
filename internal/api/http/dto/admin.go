package dto

import "time"

type ConnectionInfo struct {
	NodeID      string    `json:"node_id"`
	ConnID      string    `json:"conn_id"`
	ConnectedAt time.Time `json:"connected_at"`
	LastSeen    time.Time `json:"last_seen"`
}

type ConnectionsResponse struct {
	Connections   []ConnectionInfo `json:"connections"`
	Count         int              `json:"count"`
	Subscribers   int              `json:"subscribers"`
	DroppedEvents uint64           `json:"dropped_events"`
	Time          time.Time        `json:"time"`
}
