package daemon

import (
	"context"
	"fmt"
	"net"
	"os"

	"github.com/matheus3301/inline/internal/bus"
	"github.com/matheus3301/inline/internal/session"
	"github.com/matheus3301/inline/internal/status"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// EngineService is the health service name reporting the update engine.
// The empty name reports the daemon as a whole.
const EngineService = "inline.Engine"

// Server manages the gRPC health endpoint of a session daemon. Its serving
// status follows the engine state machine.
type Server struct {
	grpcServer *grpc.Server
	health     *health.Server
	listener   net.Listener
	socketPath string
	unhandle   func()
	logger     *zap.Logger
}

// NewServer creates a gRPC server bound to the session's Unix domain socket.
func NewServer(p Params, logger *zap.Logger, machine *status.Machine, b *bus.Bus) (*Server, error) {
	socketPath := p.SocketPath
	if socketPath == "" {
		socketPath = session.SocketPath(p.SessionName)
	}

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

	srv := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)

	s := &Server{
		grpcServer: srv,
		health:     hs,
		listener:   listener,
		socketPath: socketPath,
		logger:     logger,
	}
	if b != nil {
		s.unhandle = b.Handle("health", bus.KindEngineStatus, 16, s.onStatusChanged)
	}
	s.reflect(machine.Current())
	return s, nil
}

// servingStatus maps an engine state to a health status.
func servingStatus(st status.State) healthpb.HealthCheckResponse_ServingStatus {
	if st.Serving() {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}

func (s *Server) reflect(st status.State) {
	hs := servingStatus(st)
	s.health.SetServingStatus("", hs)
	s.health.SetServingStatus(EngineService, hs)
}

func (s *Server) onStatusChanged(evt bus.Event) error {
	change, ok := evt.Payload.(status.StatusChange)
	if !ok {
		return fmt.Errorf("unexpected payload %T", evt.Payload)
	}
	s.reflect(change.To)
	s.logger.Info("engine status changed",
		zap.String("from", string(change.From)),
		zap.String("to", string(change.To)))
	return nil
}

// Start begins serving gRPC requests. Blocks until stopped.
func (s *Server) Start() error {
	s.logger.Info("gRPC server starting", zap.String("socket", s.socketPath))
	return s.grpcServer.Serve(s.listener)
}

// Stop performs a graceful shutdown and removes the socket file.
func (s *Server) Stop(_ context.Context) {
	s.logger.Info("gRPC server stopping")
	if s.unhandle != nil {
		s.unhandle()
	}
	s.health.Shutdown()
	s.grpcServer.GracefulStop()
	_ = os.Remove(s.socketPath)
}
