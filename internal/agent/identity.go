package agent

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Identity is what an enrolled agent persists to reconnect.
type Identity struct {
	NodeID         string    `yaml:"node_id"`
	AgentKey       string    `yaml:"agent_key"`
	KeyFingerprint string    `yaml:"key_fingerprint,omitempty"`
	EnrolledAt     time.Time `yaml:"enrolled_at"`
}

// LoadIdentity reads the identity file. A missing file is reported as
// (nil, nil) so the caller can enroll.
func LoadIdentity(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read identity: %w", err)
	}

	var id Identity
	if err := yaml.Unmarshal(data, &id); err != nil {
		return nil, fmt.Errorf("failed to parse identity: %w", err)
	}
	if id.NodeID == "" || id.AgentKey == "" {
		return nil, fmt.Errorf("identity %s is incomplete", path)
	}
	return &id, nil
}

// SaveIdentity writes the identity readable by the owner only.
func SaveIdentity(path string, id *Identity) error {
	data, err := yaml.Marshal(id)
	if err != nil {
		return fmt.Errorf("failed to marshal identity: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create identity directory: %w", err)
	}

	comment := "# Enrolled on " + id.EnrolledAt.Format(time.RFC3339) + "\n"
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append([]byte(comment), data...), 0o600); err != nil {
		return fmt.Errorf("failed to write identity: %w", err)
	}
	return os.Rename(tmp, path)
}
