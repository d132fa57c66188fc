package rpc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/cdc-scheduler/internal/worker"
	"github.com/ChuLiYu/cdc-scheduler/pkg/types"
)

const (
	registryServiceName = "cdcsched.registry.v1.Registry"
	methodRegister      = "/" + registryServiceName + "/RegisterWorker"
	methodHeartbeat     = "/" + registryServiceName + "/Heartbeat"

	// DefaultLease is how long a registration stays valid without a heartbeat.
	DefaultLease = 10 * time.Second
)

type registryServer interface {
	RegisterWorker(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Heartbeat(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

var registryServiceDesc = grpc.ServiceDesc{
	ServiceName: registryServiceName,
	HandlerType: (*registryServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "RegisterWorker", Handler: unaryHandler(methodRegister, registryServer.RegisterWorker)},
		{MethodName: "Heartbeat", Handler: unaryHandler(methodHeartbeat, registryServer.Heartbeat)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "cdcsched/registry/v1/registry.proto",
}

// WorkerInfo tracks the lease of a self-registered scanner worker.
type WorkerInfo struct {
	Handle     worker.Handle
	LastSeen   time.Time
	ExpiryTime time.Time
}

// Registry lets scanner workers join the scheduler's worker directory and
// keeps them there while they heartbeat. Workers added to the directory by
// other means (static config) are never expired by the registry.
type Registry struct {
	dir   *worker.Directory
	lease time.Duration
	now   func() time.Time

	mu      sync.Mutex
	workers map[types.WorkerID]*WorkerInfo
}

// NewRegistry creates a registry feeding dir.
func NewRegistry(dir *worker.Directory, lease time.Duration) *Registry {
	if lease <= 0 {
		lease = DefaultLease
	}
	return &Registry{
		dir:     dir,
		lease:   lease,
		now:     time.Now,
		workers: make(map[types.WorkerID]*WorkerInfo),
	}
}

// RegisterRegistry registers the registry service on s.
func RegisterRegistry(s grpc.ServiceRegistrar, r *Registry) {
	s.RegisterService(&registryServiceDesc, &registryService{r: r})
}

// Register adds h to the directory and starts its lease.
func (r *Registry) Register(h worker.Handle) time.Duration {
	now := r.now()
	r.mu.Lock()
	r.workers[h.ID] = &WorkerInfo{Handle: h, LastSeen: now, ExpiryTime: now.Add(r.lease)}
	r.mu.Unlock()

	r.dir.Add(h)
	log.Info().Str("worker", h.String()).Dur("lease", r.lease).Msg("Scanner worker registered")
	return r.lease
}

// Heartbeat extends the lease of id. It returns false when the worker is
// unknown and must register again.
func (r *Registry) Heartbeat(id types.WorkerID) bool {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok := r.workers[id]
	if !ok {
		return false
	}
	info.LastSeen = now
	info.ExpiryTime = now.Add(r.lease)
	return true
}

// Expire drops workers whose lease has run out and returns their ids.
func (r *Registry) Expire() []types.WorkerID {
	now := r.now()
	r.mu.Lock()
	var expired []types.WorkerID
	for id, info := range r.workers {
		if now.After(info.ExpiryTime) {
			expired = append(expired, id)
			delete(r.workers, id)
		}
	}
	r.mu.Unlock()

	for _, id := range expired {
		r.dir.Remove(id)
		log.Warn().Int64("worker_id", int64(id)).Msg("Scanner worker lease expired")
	}
	return expired
}

// Workers returns a copy of the current leases.
func (r *Registry) Workers() []WorkerInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]WorkerInfo, 0, len(r.workers))
	for _, info := range r.workers {
		out = append(out, *info)
	}
	return out
}

// Run expires leases every interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = r.lease / 2
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Expire()
		}
	}
}

// registryService is the gRPC face of a Registry.
type registryService struct {
	r *Registry
}

// RegisterWorker handles {"id": n, "address": "host:port"}.
func (s *registryService) RegisterWorker(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id := types.WorkerID(in.GetFields()["id"].GetNumberValue())
	h, err := worker.ParseHandle(id, stringField(in, "address"))
	if err != nil {
		return newResponse(StatusInvalidArgument, []string{err.Error()}, nil), nil
	}
	lease := s.r.Register(h)
	return newResponse(StatusOK, nil, []byte(fmt.Sprintf(`{"lease_ms":%d}`, lease.Milliseconds()))), nil
}

// Heartbeat handles {"id": n}. An unknown worker gets NOT_FOUND.
func (s *registryService) Heartbeat(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id := types.WorkerID(in.GetFields()["id"].GetNumberValue())
	if !s.r.Heartbeat(id) {
		return newResponse(StatusNotFound, []string{"worker must register again"}, nil), nil
	}
	return newResponse(StatusOK, nil, nil), nil
}
