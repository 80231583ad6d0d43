package flight

import (
	"fmt"
	"net"

	arrowflight "github.com/apache/arrow-go/v18/arrow/flight"
	"google.golang.org/grpc"

	"github.com/23skdu/longbow-groupnorm/internal/logger"
)

// Server owns the gRPC listener for a Service.
type Server struct {
	srv arrowflight.Server
}

// NewServer binds addr and registers svc. Use "localhost:0" for an
// ephemeral port and read it back with Addr.
func NewServer(addr string, svc *Service, opts ...grpc.ServerOption) (*Server, error) {
	srv := arrowflight.NewServerWithMiddleware(nil, opts...)
	if err := srv.Init(addr); err != nil {
		return nil, fmt.Errorf("flight listen %s: %w", addr, err)
	}
	srv.RegisterFlightService(svc)
	return &Server{srv: srv}, nil
}

func (s *Server) Addr() net.Addr { return s.srv.Addr() }

// Serve blocks until Shutdown is called.
func (s *Server) Serve() error {
	logger.Log.Info("flight server listening", "addr", s.srv.Addr().String())
	return s.srv.Serve()
}

func (s *Server) Shutdown() {
	s.srv.Shutdown()
	logger.Log.Info("flight server stopped")
}
