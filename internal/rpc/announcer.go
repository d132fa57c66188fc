package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/cdc-scheduler/internal/worker"
)

// Announcer keeps a scanner worker registered with a scheduler's Registry.
type Announcer struct {
	conn *grpc.ClientConn
	self worker.Handle
}

// NewAnnouncer prepares an announcer for self against the scheduler at addr.
func NewAnnouncer(addr string, self worker.Handle, opts ...grpc.DialOption) (*Announcer, error) {
	dialOpts := append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("dial scheduler %s: %w", addr, err)
	}
	return &Announcer{conn: conn, self: self}, nil
}

func (a *Announcer) call(ctx context.Context, method string, fields map[string]any) ([]byte, error) {
	in, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := a.conn.Invoke(ctx, method, in, out); err != nil {
		return nil, err
	}
	return parseResponse(out)
}

// Register announces the worker and returns the granted lease.
func (a *Announcer) Register(ctx context.Context) (time.Duration, error) {
	body, err := a.call(ctx, methodRegister, map[string]any{
		"id":      float64(a.self.ID),
		"address": a.self.Addr(),
	})
	if err != nil {
		return 0, err
	}
	var resp struct {
		LeaseMs int64 `json:"lease_ms"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, err
	}
	return time.Duration(resp.LeaseMs) * time.Millisecond, nil
}

// Heartbeat renews the lease. ok is false when the scheduler forgot the worker.
func (a *Announcer) Heartbeat(ctx context.Context) (ok bool, err error) {
	_, err = a.call(ctx, methodHeartbeat, map[string]any{"id": float64(a.self.ID)})
	var se *StatusError
	if errors.As(err, &se) && se.Code == StatusNotFound {
		return false, nil
	}
	return err == nil, err
}

// Run registers and then heartbeats at a third of the lease until ctx ends,
// re-registering whenever the scheduler reports the lease lost.
func (a *Announcer) Run(ctx context.Context) error {
	lease, err := a.Register(ctx)
	if err != nil {
		return err
	}
	log.Info().Str("worker", a.self.String()).Dur("lease", lease).Msg("Registered with scheduler")

	interval := lease / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		ok, err := a.Heartbeat(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("Heartbeat failed")
			continue
		}
		if !ok {
			if _, err := a.Register(ctx); err != nil {
				log.Warn().Err(err).Msg("Re-register failed")
			}
		}
	}
}

// Close releases the connection.
func (a *Announcer) Close() error {
	return a.conn.Close()
}
