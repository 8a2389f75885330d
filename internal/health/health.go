package health

import (
	"context"
	"fmt"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// DefaultService is the gRPC health service a hub reports under.
const DefaultService = "prankhub.Hub"

// Reporter mirrors hub state into the standard gRPC health service. The
// overall ("") status follows the hub status.
type Reporter struct {
	service string
	server  *health.Server
}

func NewReporter(service string) *Reporter {
	if service == "" {
		service = DefaultService
	}
	r := &Reporter{service: service, server: health.NewServer()}
	r.Set(false)
	return r
}

func (r *Reporter) Set(serving bool) {
	status := grpc_health_v1.HealthCheckResponse_NOT_SERVING
	if serving {
		status = grpc_health_v1.HealthCheckResponse_SERVING
	}
	r.server.SetServingStatus("", status)
	r.server.SetServingStatus(r.service, status)
}

// Serve listens on addr and serves health checks until ctx is done.
func (r *Reporter) Serve(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return r.ServeListener(ctx, lis)
}

func (r *Reporter) ServeListener(ctx context.Context, lis net.Listener) error {
	grpcServer := grpc.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, r.server)

	errChan := make(chan error, 1)
	go func() {
		errChan <- grpcServer.Serve(lis)
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		r.server.Shutdown()
		grpcServer.GracefulStop()
		return nil
	}
}

// Check queries a running hub and returns its status name, e.g. "SERVING".
func Check(ctx context.Context, addr, service string) (string, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return "", fmt.Errorf("create grpc client: %w", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	resp, err := grpc_health_v1.NewHealthClient(conn).Check(ctx, &grpc_health_v1.HealthCheckRequest{
		Service: service,
	})
	if err != nil {
		return "", fmt.Errorf("health check: %w", err)
	}

	return resp.GetStatus().String(), nil
}
