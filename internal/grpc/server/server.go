package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/EternisAI/silo-fleet/internal/grpc/wire"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/keepalive"

	grpctls "github.com/EternisAI/silo-fleet/internal/grpc/tls"
)

type TLSConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	CertFile   string `mapstructure:"cert_file"`
	KeyFile    string `mapstructure:"key_file"`
	CAFile     string `mapstructure:"ca_file"`
	CAKeyFile  string `mapstructure:"ca_key_file"`
	ClientAuth string `mapstructure:"client_auth"`
	// AutoGenerate creates a private CA and server pair at the paths
	// above when they are missing.
	AutoGenerate bool     `mapstructure:"auto_generate"`
	Hosts        []string `mapstructure:"hosts"`
}

type Server struct {
	grpcServer    *grpc.Server
	connManager   *ConnectionManager
	streamHandler *StreamHandler
	port          int
	tlsConfig     *TLSConfig
	listener      net.Listener
}

func NewServer(port int, tlsConfig *TLSConfig, connManager *ConnectionManager, streamHandler *StreamHandler) *Server {
	return &Server{
		connManager:   connManager,
		streamHandler: streamHandler,
		port:          port,
		tlsConfig:     tlsConfig,
	}
}

func (s *Server) GetConnectionManager() *ConnectionManager {
	return s.connManager
}

func (s *Server) Start() error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", s.port, err)
	}
	s.listener = lis

	opts := []grpc.ServerOption{
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    30 * time.Second,
			Timeout: 10 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             10 * time.Second,
			PermitWithoutStream: true,
		}),
	}

	if s.tlsConfig != nil && s.tlsConfig.Enabled {
		creds, err := s.loadCredentials()
		if err != nil {
			return err
		}
		opts = append(opts, grpc.Creds(creds))
		slog.Info("gRPC server using TLS", "client_auth", s.tlsConfig.ClientAuth)
	} else {
		slog.Warn("gRPC server running without TLS")
	}

	s.grpcServer = grpc.NewServer(opts...)
	wire.RegisterAgentServiceServer(s.grpcServer, s)

	slog.Info("Starting gRPC server", "port", s.port)

	if err := s.grpcServer.Serve(lis); err != nil {
		return fmt.Errorf("failed to serve gRPC: %w", err)
	}

	return nil
}

func (s *Server) loadCredentials() (credentials.TransportCredentials, error) {
	clientAuth, err := grpctls.ParseClientAuthType(s.tlsConfig.ClientAuth)
	if err != nil {
		return nil, err
	}
	creds, err := grpctls.LoadServerCredentials(s.tlsConfig.CertFile, s.tlsConfig.KeyFile, s.tlsConfig.CAFile, clientAuth)
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS credentials: %w", err)
	}
	return creds, nil
}

func (s *Server) Stop(ctx context.Context) error {
	slog.Info("Stopping gRPC server")

	// Streams only end once their connections are gone.
	s.connManager.Stop()

	if s.grpcServer == nil {
		return nil
	}

	stopped := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
		slog.Info("gRPC server stopped gracefully")
	case <-ctx.Done():
		slog.Warn("gRPC server stop timeout, forcing shutdown")
		s.grpcServer.Stop()
	}

	return nil
}

func (s *Server) Connect(stream wire.Stream) error {
	return s.streamHandler.HandleStream(stream)
}

func (s *Server) StopWithTimeout(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.Stop(ctx)
}
