package platform

import (
	"context"
	"math"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/ratelimit"
	proxies "github.com/sinspired/clash-probe/proxy"
)

// TotalBytes 本进程测速累计下载流量
var TotalBytes atomic.Uint64

// Tunnel 把探测流量送到指定节点的出口
type Tunnel interface {
	// Delay 单次延迟测试
	Delay(ctx context.Context, p proxies.Proxy, timeout time.Duration) (time.Duration, error)
	// Acquire 独占一条通道并让其出口指向 p，用完必须 Release
	Acquire(ctx context.Context, p proxies.Proxy) (*Route, error)
	// Lanes 可同时持有的通道数
	Lanes() int
	Close() error
}

// Route 已指向某个节点的通道
type Route struct {
	Client  *http.Client
	release func()
	once    sync.Once
}

// NewRoute 供其他通道实现构造
func NewRoute(client *http.Client, release func()) *Route {
	return &Route{Client: client, release: release}
}

// Release 归还通道，可重复调用
func (r *Route) Release() {
	if r == nil {
		return
	}
	r.once.Do(func() {
		if r.release != nil {
			r.release()
		}
	})
}

// NewBucket 总下载限速，limit 单位 MB/s，0 表示不限速返回 nil
func NewBucket(limit int) *ratelimit.Bucket {
	if limit <= 0 {
		return nil
	}
	rate := float64(limit * 1024 * 1024)
	capacity := int64(math.Max(rate/10, 64*1024))
	return ratelimit.NewBucketWithRate(rate, capacity)
}

// countingConn 统计读取字节，并在连接层消耗限速令牌
type countingConn struct {
	net.Conn
	bucket *ratelimit.Bucket
}

func (c *countingConn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	if n > 0 {
		TotalBytes.Add(uint64(n))
		if c.bucket != nil {
			c.bucket.Wait(int64(n))
		}
	}
	return n, err
}
