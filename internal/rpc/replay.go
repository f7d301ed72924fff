package rpc

import (
	"context"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/cartridge/learner/internal/pipeline"
	"github.com/cartridge/learner/internal/storage"
)

const (
	ReplayServiceName = "learner.v1.Replay"
	statsMethod       = "/" + ReplayServiceName + "/Stats"
)

// StatsSource supplies the numbers the Stats call reports.
type StatsSource interface {
	Ready() bool
	ReplayStats(ctx context.Context) ([]*storage.Stats, error)
	PipelineStats() pipeline.IngestStats
}

// ReplayServer is the server API for learner.v1.Replay.
type ReplayServer interface {
	Stats(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

// ReplayService implements ReplayServer over a StatsSource.
type ReplayService struct {
	source StatsSource
}

func NewReplayService(source StatsSource) *ReplayService {
	return &ReplayService{source: source}
}

// Stats reports per-store fill and ingestion counters as a Struct.
func (s *ReplayService) Stats(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	stores, err := s.source.ReplayStats(ctx)
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return nil, status.Error(codes.Canceled, err.Error())
	case err != nil:
		return nil, status.Error(codes.Internal, err.Error())
	}

	storeList := make([]interface{}, len(stores))
	for i, st := range stores {
		storeList[i] = map[string]interface{}{
			"name":             st.Name,
			"count":            st.Count,
			"capacity":         st.Capacity,
			"total_priority":   st.TotalPriority,
			"inserts":          st.Inserts,
			"overwrites":       st.Overwrites,
			"stored_bytes":     st.StoredBytes,
			"warmup_threshold": st.WarmupThreshold,
			"warm":             st.Warm,
		}
	}
	ingest := s.source.PipelineStats()
	out, err := structpb.NewStruct(map[string]interface{}{
		"ready":  s.source.Ready(),
		"stores": storeList,
		"ingest": map[string]interface{}{
			"enqueued":          ingest.Enqueued,
			"dropped":           ingest.Dropped,
			"windows":           ingest.Windows,
			"high_value_admits": ingest.HighValueAdmits,
			"rejected":          ingest.Rejected,
			"queue_length":      ingest.QueueLength,
			"queue_capacity":    ingest.QueueCapacity,
			"reward_median":     ingest.RewardMedian,
		},
	})
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

// RegisterReplayServer registers srv under learner.v1.Replay.
func RegisterReplayServer(s grpc.ServiceRegistrar, srv ReplayServer) {
	s.RegisterService(&replayServiceDesc, srv)
}

// FetchStats calls learner.v1.Replay/Stats on cc.
func FetchStats(ctx context.Context, cc grpc.ClientConnInterface, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := cc.Invoke(ctx, statsMethod, &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func statsHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ReplayServer).Stats(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: statsMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ReplayServer).Stats(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

var replayServiceDesc = grpc.ServiceDesc{
	ServiceName: ReplayServiceName,
	HandlerType: (*ReplayServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Stats", Handler: statsHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "learner/v1/replay.proto",
}
