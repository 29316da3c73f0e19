package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/market-sizer/pkg/search"
	"github.com/ChuLiYu/market-sizer/pkg/types"
)

func dialBufconn(t *testing.T, svc Service) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	gs := NewGRPCServer(svc)
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestGRPCHealth(t *testing.T) {
	conn := dialBufconn(t, newService(t))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: JobsServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
}

func TestGRPCStatusAndStop(t *testing.T) {
	svc := newService(t)
	conn := dialBufconn(t, svc)
	client := NewJobsClient(conn)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	id, err := svc.Submit(ctx, search.Submission{
		Name:    "grpc",
		Company: &search.Definition{Kind: search.KindCompany, Filters: search.Filters{}},
		People:  []search.Definition{{Kind: search.KindPerson, Name: "engineers", Filters: search.Filters{}}},
	})
	require.NoError(t, err)
	_, err = svc.Wait(ctx, id)
	require.NoError(t, err)

	p, err := client.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, p.JobID)
	assert.Equal(t, types.JobCompleted, p.Status)
	assert.EqualValues(t, 12, p.CompaniesFound)
	assert.EqualValues(t, 13, p.SegmentsDone)
	require.NotNil(t, p.FinishedAt)

	assert.NoError(t, client.Stop(ctx, id), "stopping a finished job is a no-op")
}

func TestGRPCErrors(t *testing.T) {
	conn := dialBufconn(t, newService(t))
	client := NewJobsClient(conn)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := client.Status(ctx, "missing")
	assert.Equal(t, codes.NotFound, status.Code(err))

	err = client.Stop(ctx, "missing")
	assert.Equal(t, codes.NotFound, status.Code(err))

	err = conn.Invoke(ctx, statusMethod, &structpb.Struct{}, new(structpb.Struct))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}
