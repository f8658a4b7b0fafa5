package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"critic/internal/api/handlers"
	"critic/internal/config"
)

type Server struct {
	envConfig *config.Config
	handler   *handlers.Handler
	server    *http.Server
}

func NewServer(envConfig *config.Config, handler *handlers.Handler) *Server {
	if envConfig.ProductionType != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	return &Server{
		envConfig: envConfig,
		handler:   handler,
		server: &http.Server{
			Handler: handler.InitRoutes(),
			Addr:    ":" + envConfig.Port,
		},
	}
}

// Run serves until Shutdown and returns any error other than the server being closed.
func (s *Server) Run() error {
	log.Info().Str("layer", "server").Str("addr", s.server.Addr).Msg("starting HTTP server")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Str("layer", "server").Msg("HTTP server failed")
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) {
	if err := s.server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Str("layer", "server").Msg("error during server shutdown")
		return
	}
	log.Info().Str("layer", "server").Msg("server shutdown gracefully")
}
