// Package api exposes the relay's read-only HTTP surface: the compressed
// room listing clients poll for matchmaking, plus JSON status endpoints.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/beacon-project/beacon/internal/config"
	"github.com/beacon-project/beacon/internal/db"
	"github.com/beacon-project/beacon/internal/relay"
	"github.com/beacon-project/beacon/internal/transport"
)

// Server is the REST server for Beacon.
type Server struct {
	cfg     *config.Config
	listing *relay.Listing
	history *db.History // nil when history is disabled
	started time.Time

	httpServer *http.Server
	router     *gin.Engine
}

// NewServer creates the REST server. history may be nil.
func NewServer(cfg *config.Config, listing *relay.Listing, history *db.History) *Server {
	if cfg.GetApplication().Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	return &Server{
		cfg:     cfg,
		listing: listing,
		history: history,
		started: time.Now(),
	}
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.router = s.buildRouter()

	addr := fmt.Sprintf(":%d", s.cfg.GetRelay().RESTPort)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// SO_REUSEADDR so a restarted relay can rebind immediately
	lc := transport.ReuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("REST server error: %w", err)
	}

	log.Info().Str("addr", addr).Msg("REST server starting")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("REST server error: %w", err)
	}
	return nil
}

// buildRouter creates the Gin router with all routes and middleware.
func (s *Server) buildRouter() *gin.Engine {
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(RequestLogger())
	router.Use(SecurityHeaders())
	router.Use(cors.New(cors.Config{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{"GET", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}))

	// The listing endpoint game clients poll.
	router.GET("/compressed/servers", s.handleCompressedServers)

	api := router.Group("/api")
	{
		api.GET("/ping", s.handlePing)
		api.GET("/servers", s.handleServers)
		api.GET("/status", s.handleStatus)
		api.GET("/history", s.handleHistory)
	}

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
	})

	return router
}
