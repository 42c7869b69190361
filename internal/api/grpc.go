package api

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"

	"github.com/zde37/kademlia/pkg"
)

const (
	// AuthTokenHeader is the metadata key for authentication tokens
	AuthTokenHeader = "x-auth-token"

	// ServiceName is the name the node reports health under.
	ServiceName = "kademlia.Node"
)

// AdminServer serves the standard gRPC health service and reflection for
// operators and orchestrators.
type AdminServer struct {
	grpcServer *grpc.Server
	health     *health.Server
	listener   net.Listener
	logger     *pkg.Logger
}

// NewAdminServer creates the admin gRPC server. A non-empty token is required
// in the x-auth-token metadata of every call.
func NewAdminServer(token string, logger *pkg.Logger) (*AdminServer, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	grpcServer := grpc.NewServer(
		grpc.UnaryInterceptor(AuthInterceptor(token)),
		grpc.StreamInterceptor(streamAuthInterceptor(token)),
	)

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)

	healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	return &AdminServer{
		grpcServer: grpcServer,
		health:     healthServer,
		logger:     logger.Component("admin_grpc"),
	}, nil
}

// Start listens on addr and serves in the background.
func (s *AdminServer) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = ln

	go func() {
		if err := s.grpcServer.Serve(ln); err != nil {
			s.logger.Error().Err(err).Msg("gRPC server error")
		}
	}()

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Admin gRPC server started")
	return nil
}

// Addr returns the bound address once started.
func (s *AdminServer) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// SetServing reports the node as serving or not.
func (s *AdminServer) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(ServiceName, st)
	s.health.SetServingStatus("", st)
}

// Stop marks the node not serving and stops the server.
func (s *AdminServer) Stop() {
	s.health.Shutdown()
	s.grpcServer.GracefulStop()
	s.logger.Info().Msg("Admin gRPC server stopped")
}

// AuthInterceptor creates a gRPC unary interceptor that validates auth tokens.
// If expectedToken is empty, authentication is disabled.
func AuthInterceptor(expectedToken string) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		if err := checkToken(ctx, expectedToken); err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

func streamAuthInterceptor(expectedToken string) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if err := checkToken(ss.Context(), expectedToken); err != nil {
			return err
		}
		return handler(srv, ss)
	}
}

func checkToken(ctx context.Context, expectedToken string) error {
	if expectedToken == "" {
		return nil
	}

	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return status.Error(codes.Unauthenticated, "missing metadata")
	}

	tokens := md.Get(AuthTokenHeader)
	if len(tokens) == 0 {
		return status.Error(codes.Unauthenticated, "missing auth token")
	}

	if subtle.ConstantTimeCompare([]byte(tokens[0]), []byte(expectedToken)) != 1 {
		return status.Error(codes.Unauthenticated, "invalid auth token")
	}
	return nil
}
