package dto

type HealthResponse struct {
	Status          string `json:"status"`
	ConnectedAgents int    `json:"connected_agents"`
	UptimeSeconds   int64  `json:"uptime_seconds"`
}
