package httpapi

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
)

const bufSize = 1024 * 1024

type switchProbe struct{ down atomic.Bool }

func (p *switchProbe) Check(context.Context) error {
	if p.down.Load() {
		return errors.New("postgres unreachable")
	}
	return nil
}

func startBufGRPC(t *testing.T, srv *GRPCServer) healthpb.HealthClient {
	t.Helper()

	listener := bufconn.Listen(bufSize)
	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			t.Logf("grpc serve error: %v", err)
		}
	}()

	dialer := func(ctx context.Context, _ string) (net.Conn, error) {
		return listener.DialContext(ctx)
	}
	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(dialer),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial bufnet: %v", err)
	}
	t.Cleanup(func() {
		srv.GracefulStop()
		_ = conn.Close()
	})
	return healthpb.NewHealthClient(conn)
}

func checkStatus(t *testing.T, client healthpb.HealthClient, service string, want healthpb.HealthCheckResponse_ServingStatus) {
	t.Helper()
	resp, err := client.Check(context.Background(), &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		t.Fatalf("Check(%q): %v", service, err)
	}
	if resp.Status != want {
		t.Fatalf("Check(%q)=%v, want %v", service, resp.Status, want)
	}
}

func TestGRPCHealthFollowsReadiness(t *testing.T) {
	probe := &switchProbe{}
	srv := NewGRPCServer(probe, nil)
	client := startBufGRPC(t, srv)
	ctx := context.Background()

	checkStatus(t, client, serviceName, healthpb.HealthCheckResponse_NOT_SERVING)

	if !srv.Refresh(ctx) {
		t.Fatalf("Refresh with healthy backends reported not ready")
	}
	checkStatus(t, client, "", healthpb.HealthCheckResponse_SERVING)

	probe.down.Store(true)
	if srv.Refresh(ctx) {
		t.Fatalf("Refresh with a failing backend reported ready")
	}
	checkStatus(t, client, serviceName, healthpb.HealthCheckResponse_NOT_SERVING)
}
