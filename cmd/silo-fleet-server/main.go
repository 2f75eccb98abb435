package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	internalhttp "github.com/EternisAI/silo-fleet/internal/api/http"
	"github.com/EternisAI/silo-fleet/internal/cert"
	"github.com/EternisAI/silo-fleet/internal/commands"
	"github.com/EternisAI/silo-fleet/internal/db"
	"github.com/EternisAI/silo-fleet/internal/enroll"
	"github.com/EternisAI/silo-fleet/internal/events"
	grpcserver "github.com/EternisAI/silo-fleet/internal/grpc/server"
	"github.com/EternisAI/silo-fleet/internal/nodes"
	"github.com/EternisAI/silo-fleet/internal/sessions"
	"github.com/EternisAI/silo-fleet/internal/store"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

var AppVersion string

func openStore(ctx context.Context) (store.Store, error) {
	if config.Db.Driver == db.DriverMemory {
		slog.Warn("Using in-memory store, state is lost on restart")
		return store.NewMemoryStore(), nil
	}

	if err := db.RunMigrations(ctx, config.Db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	pool, err := db.InitDB(ctx, config.Db)
	if err != nil {
		return nil, err
	}
	return store.NewPostgresStore(pool), nil
}

func openBackoffStore(ctx context.Context) (nodes.BackoffStore, func(), error) {
	if !config.Redis.Enabled {
		return nodes.NewMemoryBackoffStore(), func() {}, nil
	}
	rs, err := nodes.NewRedisBackoffStore(ctx, config.Redis)
	if err != nil {
		return nil, nil, err
	}
	slog.Info("Using Redis backoff store", "address", config.Redis.Address)
	return rs, func() { _ = rs.Close() }, nil
}

func ensureCertificates() error {
	tls := config.Grpc.TLS
	if !tls.Enabled || !tls.AutoGenerate {
		return nil
	}
	return cert.Ensure(cert.Paths{
		CACert:     tls.CAFile,
		CAKey:      tls.CAKeyFile,
		ServerCert: tls.CertFile,
		ServerKey:  tls.KeyFile,
	}, tls.Hosts)
}

// loadIssuer returns nil when the server does not hold the CA key; node
// certificates are then issued out of band.
func loadIssuer() *cert.Issuer {
	tls := config.Grpc.TLS
	if !tls.Enabled || tls.CAFile == "" || tls.CAKeyFile == "" {
		return nil
	}
	issuer, err := cert.NewIssuer(tls.CAFile, tls.CAKeyFile)
	if err != nil {
		slog.Warn("Node certificate issuing disabled", "error", err)
		return nil
	}
	return issuer
}

func main() {
	InitConfig()

	slog.Info("Silo Fleet Server", "version", AppVersion)

	startCtx, startCancel := context.WithTimeout(context.Background(), 30*time.Second)
	st, err := openStore(startCtx)
	if err != nil {
		startCancel()
		slog.Error("Failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	backoffs, closeBackoffs, err := openBackoffStore(startCtx)
	startCancel()
	if err != nil {
		slog.Error("Failed to open backoff store", "error", err)
		os.Exit(1)
	}
	defer closeBackoffs()

	if err := ensureCertificates(); err != nil {
		slog.Error("Failed to prepare TLS certificates", "error", err)
		os.Exit(1)
	}

	hub := events.NewHub(nil)
	if config.Nats.Enabled {
		bridge := events.NewBridge(hub, config.Nats.Subject)
		if err := bridge.Connect(config.Nats); err != nil {
			slog.Error("Failed to start event bridge", "error", err)
			os.Exit(1)
		}
		defer bridge.Close()
	}

	locks := nodes.NewKeyedMutex()
	connManager := grpcserver.NewConnectionManager()

	registry := nodes.NewRegistry(st, backoffs, hub, nil, locks)
	registry.SetDisconnector(connManager)
	tracker := nodes.NewTracker(st, backoffs, hub, nil, locks, config.Liveness)
	prober := nodes.NewProber(tracker, connManager)
	queue := commands.NewQueue(st, connManager, hub, nil, locks, config.Queue)
	sessionManager := sessions.NewManager(st, connManager, hub, nil, config.Sessions)
	registry.SetTerminalCloser(sessionManager)
	enrollService := enroll.NewService(st, registry, nil)

	streamHandler := grpcserver.NewStreamHandler(connManager, enrollService, tracker, queue, sessionManager, config.Grpc.HeartbeatInterval)
	grpcSrv := grpcserver.NewServer(config.Grpc.Port, &config.Grpc.TLS, connManager, streamHandler)

	services := &internalhttp.Services{
		Registry:    registry,
		Tracker:     tracker,
		Prober:      prober,
		Queue:       queue,
		Sessions:    sessionManager,
		Enroll:      enrollService,
		Hub:         hub,
		ConnManager: connManager,
		Certs:       loadIssuer(),
		Reconnect:   config.Events.Reconnect,
	}

	origins := config.Http.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"PUT", "PATCH", "GET", "POST", "DELETE"},
		AllowHeaders:     []string{"Origin", "Content-Length", "Content-Type", "Authorization", "X-API-Key"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))
	engine.Use(gin.Recovery())
	internalhttp.SetupRoute(engine, config.Http, config.Jwt, services)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Http.Port),
		Handler: engine,
	}

	runCtx, stopWorkers := context.WithCancel(context.Background())
	var workers sync.WaitGroup
	for name, run := range map[string]func(context.Context){
		"liveness_sweeper": tracker.Run,
		"prober":           prober.Run,
		"command_sweeper":  queue.Run,
		"session_reaper":   sessionManager.Run,
	} {
		workers.Add(1)
		go func() {
			defer workers.Done()
			slog.Debug("Worker started", "worker", name)
			run(runCtx)
		}()
	}

	errChan := make(chan error, 2)
	go func() {
		slog.Info("Starting HTTP server", "address", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	go func() {
		if err := grpcSrv.Start(); err != nil {
			errChan <- fmt.Errorf("gRPC server error: %w", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		slog.Error("Server error", "error", err)
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	}

	slog.Info("Shutting down servers...")

	stopWorkers()

	var wg sync.WaitGroup
	shutdownTimeout := 10 * time.Second

	wg.Add(1)
	go func() {
		defer wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			slog.Error("HTTP server shutdown error", "error", err)
		} else {
			slog.Info("HTTP server stopped")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := grpcSrv.StopWithTimeout(shutdownTimeout); err != nil {
			slog.Error("gRPC server shutdown error", "error", err)
		}
	}()

	wg.Wait()
	workers.Wait()
	slog.Info("Shutdown complete")
}
