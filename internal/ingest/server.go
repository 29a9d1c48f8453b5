// Package ingest is the local HTTP boundary of the daemon. External
// collaborators (a realtime transport, tooling, a UI) post update batches
// and outbound texts over a unix socket and watch committed changes over a
// websocket.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/matheus3301/inline/internal/bus"
	"github.com/matheus3301/inline/internal/presence"
	"github.com/matheus3301/inline/internal/status"
	intsync "github.com/matheus3301/inline/internal/sync"
	"github.com/matheus3301/inline/internal/update"
	"go.uber.org/zap"
)

// Engine is the part of the update engine the server drives.
type Engine interface {
	ApplyBatch(ctx context.Context, updates []update.Update) error
	Stats() intsync.Stats
	Status() *status.Machine
}

// Queuer queues outbound texts. Implemented by the outbox sender.
type Queuer interface {
	Queue(chatID int64, text string) (int64, error)
}

// Deps groups what the handlers need.
type Deps struct {
	Engine   Engine
	Outbox   Queuer
	Presence *presence.Tracker
	Bus      *bus.Bus

	// WatchBuffer is the per-watcher event buffer; a slow watcher misses
	// events rather than stalling the bus.
	WatchBuffer int

	closing <-chan struct{}
}

// Server serves the ingest API on a unix domain socket.
type Server struct {
	http       *http.Server
	listener   net.Listener
	socketPath string
	closing    chan struct{}
	stopOnce   sync.Once
	logger     *zap.Logger
}

// NewServer binds the ingest API to socketPath.
func NewServer(socketPath string, deps Deps, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	closing := make(chan struct{})
	deps.closing = closing

	// Clean stale socket if it exists.
	if _, err := os.Stat(socketPath); err == nil {
		_ = os.Remove(socketPath)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen unix socket: %w", err)
	}

	// Set socket permissions to 0600.
	if err := os.Chmod(socketPath, 0600); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}

	return &Server{
		http:       &http.Server{Handler: NewRouter(deps, logger), ReadHeaderTimeout: 10 * time.Second},
		listener:   listener,
		socketPath: socketPath,
		closing:    closing,
		logger:     logger,
	}, nil
}

// NewRouter builds the gin engine with every ingest route mounted.
func NewRouter(deps Deps, logger *zap.Logger) *gin.Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.WatchBuffer <= 0 {
		deps.WatchBuffer = 256
	}
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(logger))

	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "OK"})
	})

	v1 := r.Group("/api/v1")
	RegisterRoutes(v1, deps, logger)
	return r
}

// RegisterRoutes mounts the ingest endpoints on g.
func RegisterRoutes(g *gin.RouterGroup, deps Deps, logger *zap.Logger) {
	batches := &BatchController{engine: deps.Engine}
	messages := &SendController{outbox: deps.Outbox}
	stats := &StatsController{engine: deps.Engine}
	presenceCtl := &PresenceController{tracker: deps.Presence}
	watch := &WatchController{bus: deps.Bus, buffer: deps.WatchBuffer, closing: deps.closing, logger: logger}

	// POST /api/v1/batches -> apply an ordered batch of updates
	g.POST("/batches", batches.Handle())

	// POST /api/v1/chats/:chatId/messages -> queue an outbound text
	g.POST("/chats/:chatId/messages", messages.Handle())

	// GET /api/v1/chats/:chatId/presence -> active compose indicators
	g.GET("/chats/:chatId/presence", presenceCtl.Handle())

	// GET /api/v1/stats -> engine counters and state
	g.GET("/stats", stats.Handle())

	// GET /api/v1/watch -> websocket stream of bus events
	g.GET("/watch", watch.Handle())
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("ingest request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("took", time.Since(start)))
	}
}

// Start begins serving requests. Blocks until stopped.
func (s *Server) Start() error {
	s.logger.Info("ingest server starting", zap.String("socket", s.socketPath))
	if err := s.http.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the server down gracefully and removes the socket file.
// Open watch streams are closed.
func (s *Server) Stop(ctx context.Context) {
	s.logger.Info("ingest server stopping")
	// Hijacked watch connections are not tracked by Shutdown.
	s.stopOnce.Do(func() { close(s.closing) })
	if err := s.http.Shutdown(ctx); err != nil {
		_ = s.http.Close()
	}
	_ = os.Remove(s.socketPath)
}
