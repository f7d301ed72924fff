package rpc

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/cartridge/learner/internal/pipeline"
	"github.com/cartridge/learner/internal/storage"
)

type fakeSource struct {
	ready bool
	err   error
}

func (f *fakeSource) Ready() bool { return f.ready }

func (f *fakeSource) ReplayStats(context.Context) ([]*storage.Stats, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []*storage.Stats{
		{Name: "main", Count: 40, Capacity: 100, WarmupThreshold: 25, Warm: true},
		{Name: "high", Count: 3, Capacity: 10},
	}, nil
}

func (f *fakeSource) PipelineStats() pipeline.IngestStats {
	return pipeline.IngestStats{Enqueued: 9, Dropped: 2, QueueCapacity: 16}
}

func startServer(t *testing.T, source StatsSource) (*Server, *grpc.ClientConn) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := NewServer(source, zerolog.Nop())
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Stop(ctx)
	})

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return srv, conn
}

func TestHealthFollowsServing(t *testing.T) {
	srv, conn := startServer(t, &fakeSource{})
	client := healthpb.NewHealthClient(conn)
	ctx := context.Background()

	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status)

	srv.SetServing(true)
	resp, err = client.Check(ctx, &healthpb.HealthCheckRequest{Service: ReplayServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
}

func TestStatsReportsStores(t *testing.T) {
	_, conn := startServer(t, &fakeSource{ready: true})

	out, err := FetchStats(context.Background(), conn)
	require.NoError(t, err)

	fields := out.AsMap()
	assert.Equal(t, true, fields["ready"])
	stores := fields["stores"].([]interface{})
	require.Len(t, stores, 2)
	first := stores[0].(map[string]interface{})
	assert.Equal(t, "main", first["name"])
	assert.Equal(t, float64(40), first["count"])

	ingest := fields["ingest"].(map[string]interface{})
	assert.Equal(t, float64(2), ingest["dropped"])
}

func TestStatsMapsErrors(t *testing.T) {
	_, conn := startServer(t, &fakeSource{err: storage.ErrCorruptRecord})

	_, err := FetchStats(context.Background(), conn)
	require.Error(t, err)
	assert.Equal(t, codes.Internal, status.Code(err))
}
