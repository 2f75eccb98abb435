package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/EternisAI/silo-fleet/internal/agent"
)

// enrollIdentity exchanges token for agent credentials and saves them.
func enrollIdentity(ctx context.Context, serverURL, token, path string) (*agent.Identity, error) {
	if serverURL == "" {
		return nil, fmt.Errorf("enroll server url is required")
	}
	if token == "" {
		return nil, fmt.Errorf("enrollment token is required")
	}

	facts := agent.CollectFacts(ctx, AppVersion, 0)
	client := &http.Client{Timeout: 30 * time.Second}
	id, err := agent.Enroll(ctx, client, serverURL, token, facts)
	if err != nil {
		return nil, err
	}
	if err := agent.SaveIdentity(path, id); err != nil {
		return nil, err
	}

	slog.Info("Enrolled", "node_id", id.NodeID, "key_fingerprint", id.KeyFingerprint, "identity", path)
	return id, nil
}

func runEnroll(args []string) error {
	fs := flag.NewFlagSet("enroll", flag.ExitOnError)
	server := fs.String("server", config.Enroll.ServerURL, "Server URL (e.g., http://server:8080)")
	token := fs.String("token", config.Enroll.Token, "Enrollment token")
	path := fs.String("identity", config.Identity.Path, "Where to store the agent identity")
	force := fs.Bool("force", false, "Enroll again even if an identity exists")
	if err := fs.Parse(args); err != nil {
		return err
	}

	existing, err := agent.LoadIdentity(*path)
	if err != nil {
		return err
	}
	if existing != nil && !*force {
		return fmt.Errorf("already enrolled as node %s (use --force to replace %s)", existing.NodeID, *path)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	id, err := enrollIdentity(ctx, *server, *token, *path)
	if err != nil {
		return err
	}

	fmt.Println("Enrollment successful!")
	fmt.Printf("  Node ID:     %s\n", id.NodeID)
	fmt.Printf("  Fingerprint: %s\n", id.KeyFingerprint)
	fmt.Printf("  Identity:    %s\n", *path)
	return nil
}
