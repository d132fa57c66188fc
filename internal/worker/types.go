package worker

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/ChuLiYu/cdc-scheduler/pkg/types"
)

// Handle 遠端 worker 節點（scanner 端點）的位址資訊
type Handle struct {
	ID   types.WorkerID `json:"id" yaml:"id"`
	Host string         `json:"host" yaml:"host"`
	Port int            `json:"port" yaml:"port"`
}

// Addr returns host:port.
func (h Handle) Addr() string {
	return net.JoinHostPort(h.Host, strconv.Itoa(h.Port))
}

func (h Handle) String() string {
	return fmt.Sprintf("%d@%s", h.ID, h.Addr())
}

// ParseHandle builds a handle from an "host:port" address.
func ParseHandle(id types.WorkerID, addr string) (Handle, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return Handle{}, fmt.Errorf("worker %d: %w", id, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Handle{}, fmt.Errorf("worker %d: bad port %q", id, portStr)
	}
	return Handle{ID: id, Host: host, Port: port}, nil
}

// Runnable 可交給 Pool 執行的工作單元
type Runnable interface {
	TaskID() int64
	JobID() types.JobID
	Run(ctx context.Context) error
}

// Task 提交到 Pool 的項目
type Task struct {
	Unit    Runnable      // 實際執行的工作
	Timeout time.Duration // 0 表示不設上限
}

// Result 代表任務執行結果
type Result struct {
	TaskID   int64
	JobID    types.JobID
	Success  bool
	Error    error
	Duration time.Duration
}
