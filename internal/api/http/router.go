package http

import (
	"github.com/EternisAI/silo-fleet/internal/api/http/handler"
	"github.com/EternisAI/silo-fleet/internal/api/http/middleware"
	"github.com/EternisAI/silo-fleet/internal/auth"
	"github.com/EternisAI/silo-fleet/internal/backoff"
	"github.com/EternisAI/silo-fleet/internal/cert"
	"github.com/EternisAI/silo-fleet/internal/commands"
	"github.com/EternisAI/silo-fleet/internal/enroll"
	"github.com/EternisAI/silo-fleet/internal/events"
	grpcserver "github.com/EternisAI/silo-fleet/internal/grpc/server"
	"github.com/EternisAI/silo-fleet/internal/nodes"
	"github.com/EternisAI/silo-fleet/internal/sessions"
	"github.com/gin-gonic/gin"
)

type Services struct {
	Registry    *nodes.Registry
	Tracker     *nodes.Tracker
	Prober      *nodes.Prober
	Queue       *commands.Queue
	Sessions    *sessions.Manager
	Enroll      *enroll.Service
	Hub         *events.Hub
	ConnManager *grpcserver.ConnectionManager
	// Certs is nil unless the server holds the CA key.
	Certs *cert.Issuer
	// Reconnect is advertised to event stream clients.
	Reconnect backoff.Policy
}

func SetupRoute(engine *gin.Engine, cfg Config, jwtConfig auth.Config, srvs *Services) {
	engine.Use(middleware.RequestLogger())

	healthHandler := handler.NewHealthHandler(srvs.ConnManager)
	engine.GET("/health", healthHandler.Check)

	authHandler := handler.NewAuthHandler(jwtConfig)
	engine.POST("/auth/token", middleware.APIKeyAuth(cfg.AdminAPIKey), authHandler.IssueToken)

	enrollHandler := handler.NewEnrollHandler(srvs.Enroll)
	engine.POST("/api/v1/enroll", enrollHandler.Enroll)

	nodesHandler := handler.NewNodesHandler(srvs.Registry, srvs.Tracker, srvs.Prober, srvs.ConnManager)
	commandsHandler := handler.NewCommandsHandler(srvs.Queue)
	sessionsHandler := handler.NewSessionsHandler(srvs.Sessions)
	eventsHandler := handler.NewEventsHandler(srvs.Hub, srvs.Reconnect)

	api := engine.Group("/api/v1", middleware.JWTAuth(jwtConfig.Secret))
	{
		api.GET("/events", eventsHandler.Stream)

		api.GET("/nodes", nodesHandler.ListNodes)
		api.GET("/nodes/:id", nodesHandler.GetNode)
		api.POST("/nodes/:id/ping", nodesHandler.PingNode)

		api.POST("/nodes/:id/commands", commandsHandler.Enqueue)
		api.GET("/nodes/:id/commands", commandsHandler.List)
		api.GET("/commands/:id", commandsHandler.Get)
		api.POST("/commands/:id/cancel", commandsHandler.Cancel)

		api.GET("/nodes/:id/policies", sessionsHandler.ListPolicies)
		api.POST("/nodes/:id/sessions", sessionsHandler.Open)
		api.GET("/nodes/:id/sessions", sessionsHandler.ListForNode)
		api.GET("/sessions/:id", sessionsHandler.Get)
		api.DELETE("/sessions/:id", sessionsHandler.Close)
		api.GET("/sessions/:id/files", sessionsHandler.ListFiles)
		api.GET("/sessions/:id/read", sessionsHandler.ReadFile)
		api.GET("/sessions/:id/tail", sessionsHandler.Tail)
		api.POST("/sessions/:id/input", sessionsHandler.Input)
		api.POST("/sessions/:id/resize", sessionsHandler.Resize)
	}

	admin := api.Group("", middleware.RequireRole(auth.RoleAdmin))
	{
		admin.DELETE("/nodes/:id", nodesHandler.DeleteNode)
		admin.PUT("/nodes/:id/maintenance", nodesHandler.SetMaintenance)
		admin.PUT("/nodes/:id/error", nodesHandler.SetError)
		admin.DELETE("/nodes/:id/error", nodesHandler.ClearError)

		var issuer handler.CertIssuer
		if srvs.Certs != nil {
			issuer = srvs.Certs
		}
		certHandler := handler.NewCertHandler(issuer, srvs.Registry)
		admin.POST("/nodes/:id/certificate", certHandler.IssueNodeCert)

		admin.POST("/nodes/:id/policies", sessionsHandler.CreatePolicy)
		admin.DELETE("/policies/:id", sessionsHandler.DeletePolicy)

		admin.POST("/admin/enrollment-tokens", enrollHandler.CreateToken)
		admin.GET("/admin/enrollment-tokens", enrollHandler.ListTokens)

		adminHandler := handler.NewAdminHandler(srvs.ConnManager, srvs.Hub)
		admin.GET("/admin/connections", adminHandler.ListConnections)
	}
}
