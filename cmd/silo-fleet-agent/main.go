package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/EternisAI/silo-fleet/internal/agent"
	grpcclient "github.com/EternisAI/silo-fleet/internal/grpc/client"
)

var AppVersion string

// loadOrEnroll returns the saved identity, enrolling first when there is
// none and a token is configured.
func loadOrEnroll() (*agent.Identity, error) {
	id, err := agent.LoadIdentity(config.Identity.Path)
	if err != nil || id != nil {
		return id, err
	}

	slog.Info("No identity found, enrolling", "server_url", config.Enroll.ServerURL, "identity", config.Identity.Path)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	return enrollIdentity(ctx, config.Enroll.ServerURL, config.Enroll.Token, config.Identity.Path)
}

func main() {
	InitConfig()

	if len(os.Args) > 1 && os.Args[1] == "enroll" {
		if err := runEnroll(os.Args[2:]); err != nil {
			slog.Error("Enrollment failed", "error", err)
			os.Exit(1)
		}
		return
	}

	slog.Info("Silo Fleet Agent", "version", AppVersion)

	id, err := loadOrEnroll()
	if err != nil {
		slog.Error("Failed to load agent identity", "error", err)
		os.Exit(1)
	}

	a := agent.New(config.Agent)
	grpcClient := grpcclient.NewClient(config.Grpc, id.NodeID, id.AgentKey, a)
	a.SetEmitter(grpcClient)

	if err := grpcClient.Start(); err != nil {
		slog.Error("Failed to start gRPC client", "error", err)
		os.Exit(1)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	sig := <-quit
	slog.Info("Received shutdown signal", "signal", sig)

	// Running commands are cancelled and report before the stream closes.
	a.Shutdown(10 * time.Second)

	if err := grpcClient.Stop(); err != nil {
		slog.Error("gRPC client stop error", "error", err)
	}
	slog.Info("Shutdown complete")
}
