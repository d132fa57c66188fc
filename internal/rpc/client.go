package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/cdc-scheduler/internal/source"
	"github.com/ChuLiYu/cdc-scheduler/internal/split"
	"github.com/ChuLiYu/cdc-scheduler/internal/worker"
	"github.com/ChuLiYu/cdc-scheduler/pkg/types"
)

const (
	defaultConnCacheSize = 64
	defaultCallTimeout   = 30 * time.Second
	maxMessageSize       = 64 << 20
)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithDialOptions appends extra dial options, e.g. a custom dialer.
func WithDialOptions(opts ...grpc.DialOption) ClientOption {
	return func(c *Client) { c.dialOpts = append(c.dialOpts, opts...) }
}

// WithCompression turns zstd payload compression on or off.
func WithCompression(on bool) ClientOption {
	return func(c *Client) { c.compress = on }
}

// WithCallTimeout bounds every call that arrives without a deadline.
func WithCallTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.timeout = d }
}

// Client is a source.Reader that reaches scanner workers over gRPC.
// Connections are cached per worker address; evicted connections are closed.
type Client struct {
	mu       sync.Mutex
	conns    *lru.Cache[string, *grpc.ClientConn]
	dialOpts []grpc.DialOption
	compress bool
	timeout  time.Duration
}

var _ source.Reader = (*Client)(nil)

// NewClient creates a client caching up to cacheSize connections.
func NewClient(cacheSize int, opts ...ClientOption) (*Client, error) {
	if cacheSize <= 0 {
		cacheSize = defaultConnCacheSize
	}
	c := &Client{
		dialOpts: []grpc.DialOption{
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithKeepaliveParams(keepalive.ClientParameters{
				Time:                10 * time.Second,
				Timeout:             3 * time.Second,
				PermitWithoutStream: true,
			}),
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(maxMessageSize),
				grpc.MaxCallSendMsgSize(maxMessageSize),
			),
		},
		timeout: defaultCallTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}

	cache, err := lru.NewWithEvict[string, *grpc.ClientConn](cacheSize, func(addr string, conn *grpc.ClientConn) {
		if err := conn.Close(); err != nil {
			log.Debug().Err(err).Str("addr", addr).Msg("Closing evicted scanner connection")
		}
	})
	if err != nil {
		return nil, err
	}
	c.conns = cache
	return c, nil
}

func (c *Client) conn(addr string) (*grpc.ClientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if conn, ok := c.conns.Get(addr); ok {
		return conn, nil
	}
	conn, err := grpc.NewClient(addr, c.dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("dial scanner %s: %w", addr, err)
	}
	c.conns.Add(addr, conn)
	log.Debug().Str("addr", addr).Msg("Scanner connection created")
	return conn, nil
}

func (c *Client) invoke(ctx context.Context, w worker.Handle, method string, in *structpb.Struct) ([]byte, error) {
	conn, err := c.conn(w.Addr())
	if err != nil {
		return nil, err
	}
	if _, ok := ctx.Deadline(); !ok && c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var callOpts []grpc.CallOption
	if c.compress {
		callOpts = append(callOpts, grpc.UseCompressor(CompressorName))
	}
	out := new(structpb.Struct)
	if err := conn.Invoke(ctx, method, in, out, callOpts...); err != nil {
		return nil, fmt.Errorf("scanner %s: %w", w, err)
	}
	return parseResponse(out)
}

func (c *Client) request(ctx context.Context, w worker.Handle, api string, params any) ([]byte, error) {
	in, err := newRequest(api, params)
	if err != nil {
		return nil, err
	}
	return c.invoke(ctx, w, methodRequestScanner, in)
}

// Arm starts the scanner on w.
func (c *Client) Arm(ctx context.Context, w worker.Handle) error {
	_, err := c.invoke(ctx, w, methodStartScanner, &structpb.Struct{})
	return err
}

// DiscoverSplits calls /api/fetchSplits.
func (c *Client) DiscoverSplits(ctx context.Context, w worker.Handle, req source.DiscoverRequest) ([]split.Split, error) {
	body, err := c.request(ctx, w, APIFetchSplits, req)
	if err != nil {
		return nil, err
	}
	return split.DecodeList(body)
}

// FetchRecords calls /api/fetchRecords.
func (c *Client) FetchRecords(ctx context.Context, w worker.Handle, req source.FetchRequest) (*source.FetchResult, error) {
	body, err := c.request(ctx, w, APIFetchRecords, req)
	if err != nil {
		return nil, err
	}
	var res source.FetchResult
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("decode fetchRecords response: %w", err)
	}
	return &res, nil
}

// Close calls /api/close/<jobId>. A scanner that holds nothing for the job
// answers NOT_FOUND, which unwraps to source.ErrScannerClosed.
func (c *Client) Close(ctx context.Context, w worker.Handle, jobID types.JobID) error {
	_, err := c.request(ctx, w, APIClosePrefix+jobID.String(), nil)
	return err
}

// Conns returns the number of cached connections.
func (c *Client) Conns() int {
	return c.conns.Len()
}

// Shutdown closes every cached connection.
func (c *Client) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conns.Purge()
}
