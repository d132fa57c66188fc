package rpc

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/test/bufconn"

	"github.com/ChuLiYu/cdc-scheduler/internal/source"
	"github.com/ChuLiYu/cdc-scheduler/internal/split"
	"github.com/ChuLiYu/cdc-scheduler/internal/worker"
	"github.com/ChuLiYu/cdc-scheduler/pkg/types"
)

const bufSize = 1024 * 1024

var testWorker = worker.Handle{ID: 1, Host: "127.0.0.1", Port: 9070}

type testServer struct {
	lis *bufconn.Listener
	srv *grpc.Server
}

func startServer(t *testing.T, register func(*grpc.Server)) *testServer {
	t.Helper()
	lis := bufconn.Listen(bufSize)
	srv := grpc.NewServer()
	register(srv)
	go srv.Serve(lis)
	t.Cleanup(func() {
		srv.Stop()
		lis.Close()
	})
	return &testServer{lis: lis, srv: srv}
}

func (ts *testServer) dialer() grpc.DialOption {
	return grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) {
		return ts.lis.Dial()
	})
}

func newScannerClient(t *testing.T, sc source.Scanner, opts ...ClientOption) *Client {
	t.Helper()
	ts := startServer(t, func(s *grpc.Server) { RegisterScanner(s, sc) })
	c, err := NewClient(4, append([]ClientOption{WithDialOptions(ts.dialer())}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(c.Shutdown)
	return c
}

func initialConfig(table string) map[string]string {
	return map[string]string{
		types.ConfigScanStartupMode: types.ScanInitial,
		types.KeySnapshotTable:      table,
		source.SimChunksPerTable:    "3",
	}
}

func TestScannerRoundTrip(t *testing.T) {
	for _, compress := range []bool{false, true} {
		t.Run(map[bool]string{false: "plain", true: "zstd"}[compress], func(t *testing.T) {
			c := newScannerClient(t, source.NewSimulator(), WithCompression(compress))
			ctx := context.Background()

			require.NoError(t, c.Arm(ctx, testWorker))

			splits, err := c.DiscoverSplits(ctx, testWorker, source.DiscoverRequest{
				JobID:  7,
				Config: initialConfig("shop.orders"),
			})
			require.NoError(t, err)
			require.Len(t, splits, 3)
			first, ok := splits[0].(*split.SnapshotSplit)
			require.True(t, ok)
			assert.Equal(t, "shop.orders:0", first.SplitID)
			assert.Equal(t, "shop.orders", first.TableID)

			res, err := c.FetchRecords(ctx, testWorker, source.FetchRequest{
				JobID:  7,
				Offset: first.ToOffset(),
			})
			require.NoError(t, err)
			assert.Equal(t, "shop.orders:0", res.Offset.SplitID())
			assert.Equal(t, int64(100), res.Records)

			require.NoError(t, c.Close(ctx, testWorker, 7))
			assert.Equal(t, 1, c.Conns())
		})
	}
}

func TestBinlogSplitOverRPC(t *testing.T) {
	c := newScannerClient(t, source.NewSimulator())
	ctx := context.Background()
	require.NoError(t, c.Arm(ctx, testWorker))

	splits, err := c.DiscoverSplits(ctx, testWorker, source.DiscoverRequest{
		JobID:    1,
		Config:   map[string]string{},
		ScanMode: types.ScanLatest,
	})
	require.NoError(t, err)
	require.Len(t, splits, 1)
	bs, ok := splits[0].(*split.BinlogSplit)
	require.True(t, ok)
	assert.Equal(t, types.BinlogSplitID, bs.SplitID)
	_, ok = split.ParsePosition(bs.Offset)
	assert.True(t, ok)
}

func TestStatusErrors(t *testing.T) {
	c := newScannerClient(t, source.NewSimulator())
	ctx := context.Background()

	// not armed yet
	_, err := c.DiscoverSplits(ctx, testWorker, source.DiscoverRequest{JobID: 1, Config: initialConfig("t")})
	require.Error(t, err)
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, StatusNotStarted, se.Code)
	assert.ErrorIs(t, err, source.ErrScannerNotStarted)

	// closing a job the scanner never saw
	err = c.Close(ctx, testWorker, 42)
	assert.ErrorIs(t, err, source.ErrScannerClosed)

	// scanner-side failures keep their message
	require.NoError(t, c.Arm(ctx, testWorker))
	_, err = c.FetchRecords(ctx, testWorker, source.FetchRequest{JobID: 1, Offset: types.Offset{}})
	require.True(t, errors.As(err, &se))
	assert.Equal(t, StatusInternalError, se.Code)
	require.Len(t, se.Msgs, 1)
	assert.Contains(t, se.Msgs[0], types.KeySplitID)
}

func TestUnknownAPI(t *testing.T) {
	c := newScannerClient(t, source.NewSimulator())
	_, err := c.request(context.Background(), testWorker, "/api/bogus", nil)
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, StatusInvalidArgument, se.Code)
}

func TestConnCacheEvictsAndCloses(t *testing.T) {
	c2, err := NewClient(1)
	require.NoError(t, err)
	defer c2.Shutdown()

	first, err := c2.conn("127.0.0.1:1")
	require.NoError(t, err)
	_, err = c2.conn("127.0.0.1:2")
	require.NoError(t, err)
	assert.Equal(t, 1, c2.Conns())

	// an evicted connection is closed
	assert.Equal(t, connectivity.Shutdown, first.GetState())
}

func TestParseResponse(t *testing.T) {
	body, err := parseResponse(newResponse(StatusOK, nil, []byte(`{"a":1}`)))
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(body))

	_, err = parseResponse(nil)
	assert.Error(t, err)

	_, err = parseResponse(newResponse(StatusNotFound, []string{"gone"}, nil))
	assert.ErrorIs(t, err, source.ErrScannerClosed)
	assert.Contains(t, err.Error(), "NOT_FOUND: gone")
}

// ============================================================================
// Registry
// ============================================================================

func TestRegistryLeases(t *testing.T) {
	dir := worker.NewDirectory(worker.Handle{ID: 100, Host: "static", Port: 1})
	reg := NewRegistry(dir, time.Second)
	now := time.Unix(1000, 0)
	reg.now = func() time.Time { return now }

	reg.Register(worker.Handle{ID: 1, Host: "10.0.0.1", Port: 9070})
	assert.Equal(t, 2, dir.Len())

	now = now.Add(800 * time.Millisecond)
	assert.True(t, reg.Heartbeat(1))
	assert.False(t, reg.Heartbeat(2))

	now = now.Add(900 * time.Millisecond)
	assert.Empty(t, reg.Expire())

	now = now.Add(200 * time.Millisecond)
	assert.Equal(t, []types.WorkerID{1}, reg.Expire())
	require.Equal(t, 1, dir.Len())
	assert.Equal(t, types.WorkerID(100), dir.List()[0].ID)
}

func TestAnnouncerOverRPC(t *testing.T) {
	dir := worker.NewDirectory()
	reg := NewRegistry(dir, 5*time.Second)
	ts := startServer(t, func(s *grpc.Server) { RegisterRegistry(s, reg) })

	self := worker.Handle{ID: 3, Host: "10.0.0.3", Port: 9070}
	a, err := NewAnnouncer("127.0.0.1:9000", self, ts.dialer())
	require.NoError(t, err)
	defer a.Close()

	ctx := context.Background()
	lease, err := a.Register(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, lease)

	h, err := dir.Select(0)
	require.NoError(t, err)
	assert.Equal(t, self, h)

	ok, err := a.Heartbeat(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	reg.now = func() time.Time { return time.Now().Add(time.Minute) }
	reg.Expire()
	ok, err = a.Heartbeat(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, dir.Len())
}
