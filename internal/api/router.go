// Package api is the HTTP surface of the engine.
package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/leozw/certiroute/internal/api/handlers"
	"github.com/leozw/certiroute/internal/api/middleware"
	"github.com/leozw/certiroute/internal/config"
	"github.com/leozw/certiroute/pkg/keycloak"
)

type Server struct {
	Config  *config.Config
	Router  *gin.Engine
	handler *handlers.Handler
	logger  *zap.Logger
}

func NewServer(cfg *config.Config, deps handlers.Deps, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	if cfg.Server.Mode != "" {
		gin.SetMode(cfg.Server.Mode)
	}
	router := gin.New()

	router.Use(middleware.Logger(logger))
	router.Use(gin.Recovery())
	router.Use(middleware.CORS())

	server := &Server{
		Config:  cfg,
		Router:  router,
		handler: handlers.NewHandler(deps, logger),
		logger:  logger,
	}

	server.setupRoutes(gatherer)
	return server
}

// auth verifies realm tokens when Keycloak is configured and operator
// tokens signed with the shared secret otherwise.
func (s *Server) auth() gin.HandlerFunc {
	cfg := s.Config.Auth
	if cfg.KeycloakURL != "" {
		kc := keycloak.NewClient(cfg.KeycloakURL, cfg.KeycloakRealm)
		return middleware.AuthRequired(kc.Keyfunc, []string{"RS256"}, kc.Issuer())
	}
	return middleware.AuthRequired(middleware.HMACKey(cfg.JWTSecret), []string{"HS256"}, cfg.Issuer)
}

func (s *Server) setupRoutes(gatherer prometheus.Gatherer) {
	h := s.handler

	s.Router.GET("/health", h.Health)
	s.Router.GET("/ready", h.Ready)
	if gatherer != nil {
		s.Router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	api := s.Router.Group("/api/v1")
	api.Use(middleware.RateLimit(s.Config.Server.RateLimit, s.Config.Server.RateBurst))
	api.Use(s.auth())

	{
		api.GET("/credentials", h.GetCredentials)
		api.PUT("/credentials", h.SaveCredentials)
		api.DELETE("/credentials", h.DeleteCredentials)
	}

	{
		api.GET("/ip", h.CurrentAddress)
		api.GET("/zones", h.ListZones)
		api.GET("/zones/:id/registration", h.ZoneRegistration)
	}

	{
		api.GET("/domains", h.ListDomains)
		api.POST("/domains", h.CreateDomain)
		api.GET("/domains/:id", h.GetDomain)
		api.DELETE("/domains/:id", h.DeleteDomain)
		api.POST("/domains/:id/reconcile", h.ReconcileDomain)
	}

	{
		api.GET("/certificates", h.ListCertificates)
		api.POST("/certificates", h.RequestCertificate)
		api.GET("/certificates/:id", h.GetCertificate)
		api.DELETE("/certificates/:id", h.DeleteCertificate)
		api.POST("/certificates/:id/install", h.InstallCertificate)
		api.POST("/certificates/:id/revoke", h.RevokeCertificate)
		api.GET("/certificates/:id/served", h.ServedCertificate)
	}

	{
		api.GET("/webserver/ports", h.ListPorts)
		api.POST("/webserver/scan", h.ScanPorts)
		api.POST("/webserver/detect", h.Detect)
		api.GET("/webserver/detections", h.LatestDetections)
	}
}
