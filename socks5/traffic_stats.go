package socks5

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"socks5proxy/logger"
)

// Stats 连接与流量统计，所有计数器都可并发访问
type Stats struct {
	active atomic.Int64
	total  atomic.Uint64

	rejectedCapacity atomic.Uint64
	rejectedACL      atomic.Uint64

	bytesUp   atomic.Uint64 // 客户端 -> 目标
	bytesDown atomic.Uint64 // 目标 -> 客户端

	failures  map[ErrorKind]*atomic.Uint64
	other     atomic.Uint64
	startTime time.Time
}

// StatsSnapshot 某一时刻的统计快照
type StatsSnapshot struct {
	ActiveConnections int64             `json:"active_connections"`
	TotalConnections  uint64            `json:"total_connections"`
	UptimeSeconds     int64             `json:"uptime_seconds"`
	RejectedCapacity  uint64            `json:"rejected_capacity"`
	RejectedACL       uint64            `json:"rejected_acl"`
	BytesUp           uint64            `json:"bytes_up"`
	BytesDown         uint64            `json:"bytes_down"`
	Errors            map[string]uint64 `json:"errors"`
}

// NewStats 创建统计对象，启动时间为当前时间
func NewStats() *Stats {
	s := &Stats{
		failures:  make(map[ErrorKind]*atomic.Uint64, len(kindNames)),
		startTime: time.Now(),
	}
	for kind := range kindNames {
		s.failures[kind] = atomic.NewUint64(0)
	}
	return s
}

// TryAdmit 活跃连接未达上限时计入 active 和 total 并返回 true
// 达到上限时只增加 rejectedCapacity
func (s *Stats) TryAdmit(max int) bool {
	for {
		cur := s.active.Load()
		if cur >= int64(max) {
			s.rejectedCapacity.Inc()
			return false
		}
		if s.active.CAS(cur, cur+1) {
			s.total.Inc()
			return true
		}
	}
}

// Release 连接处理结束，每个已准入连接恰好调用一次
func (s *Stats) Release() {
	s.active.Dec()
}

// RejectACL 白名单拒绝：回滚 active，total 保持不变
func (s *Stats) RejectACL() {
	s.active.Dec()
	s.rejectedACL.Inc()
}

// RecordFailure 按错误类型计数
func (s *Stats) RecordFailure(err error) {
	var e *Error
	if errors.As(err, &e) {
		if c, ok := s.failures[e.Kind]; ok {
			c.Inc()
			return
		}
	}
	s.other.Inc()
}

// AddUpload 记录客户端到目标的字节数
func (s *Stats) AddUpload(n int64) {
	s.bytesUp.Add(uint64(n))
}

// AddDownload 记录目标到客户端的字节数
func (s *Stats) AddDownload(n int64) {
	s.bytesDown.Add(uint64(n))
}

// Active 当前活跃连接数
func (s *Stats) Active() int64 {
	return s.active.Load()
}

// Total 累计准入连接数
func (s *Stats) Total() uint64 {
	return s.total.Load()
}

// Uptime 运行时长
func (s *Stats) Uptime() time.Duration {
	return time.Since(s.startTime)
}

// Snapshot 返回统计快照
func (s *Stats) Snapshot() StatsSnapshot {
	errs := make(map[string]uint64, len(s.failures)+1)
	for kind, c := range s.failures {
		if v := c.Load(); v > 0 {
			errs[kind.String()] = v
		}
	}
	if v := s.other.Load(); v > 0 {
		errs["other"] = v
	}
	return StatsSnapshot{
		ActiveConnections: s.active.Load(),
		TotalConnections:  s.total.Load(),
		UptimeSeconds:     int64(s.Uptime().Seconds()),
		RejectedCapacity:  s.rejectedCapacity.Load(),
		RejectedACL:       s.rejectedACL.Load(),
		BytesUp:           s.bytesUp.Load(),
		BytesDown:         s.bytesDown.Load(),
		Errors:            errs,
	}
}

// Report 每隔 interval 输出一次统计，直到 ctx 取消
func (s *Stats) Report(ctx context.Context, interval time.Duration, log *logger.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			log.Info("Stats - Active connections: %d, Total connections: %d, Uptime: %ds",
				s.Active(), s.Total(), int64(s.Uptime().Seconds()))
		}
	}
}
