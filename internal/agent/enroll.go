package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/EternisAI/silo-fleet/internal/api/http/dto"
	"github.com/EternisAI/silo-fleet/internal/grpc/wire"
)

// Enroll trades a one-time enrollment token for a node id and agent key.
func Enroll(ctx context.Context, client *http.Client, serverURL, token string, facts wire.Heartbeat) (*Identity, error) {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	reqBody, err := json.Marshal(dto.EnrollRequest{
		Token:        token,
		Hostname:     facts.Hostname,
		IPAddress:    facts.IPAddress,
		OS:           facts.OS,
		AgentVersion: facts.AgentVersion,
		MACAddress:   facts.MACAddress,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := strings.TrimSuffix(serverURL, "/") + "/api/v1/enroll"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("enrollment failed (HTTP %d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var enrolled dto.EnrollResponse
	if err := json.Unmarshal(body, &enrolled); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	return &Identity{
		NodeID:         enrolled.NodeID,
		AgentKey:       enrolled.AgentKey,
		KeyFingerprint: enrolled.KeyFingerprint,
		EnrolledAt:     time.Now().UTC(),
	}, nil
}
