package dns

import (
	"net"
	"strings"
	"sync"
	"time"

	"go.uber.org/atomic"
)

// CacheEntry 缓存条目
type CacheEntry struct {
	IP       net.IP
	Inserted time.Time
}

// DNSCache 域名到 IP 的缓存，条目在 ttl 内有效；ttl 为 0 时不读不写
type DNSCache struct {
	mu    sync.Mutex
	cache map[string]CacheEntry
	ttl   time.Duration
	now   func() time.Time

	hits   atomic.Int64
	misses atomic.Int64
}

// NewDNSCache 创建新的DNS缓存
func NewDNSCache(ttl time.Duration) *DNSCache {
	return &DNSCache{
		cache: make(map[string]CacheEntry),
		ttl:   ttl,
		now:   time.Now,
	}
}

func cacheKey(domain string) string {
	return strings.ToLower(strings.TrimSuffix(domain, "."))
}

// Enabled 缓存是否启用
func (dc *DNSCache) Enabled() bool {
	return dc.ttl > 0
}

// Get 查询缓存，过期条目在此处删除
func (dc *DNSCache) Get(domain string) (net.IP, bool) {
	if !dc.Enabled() {
		return nil, false
	}

	key := cacheKey(domain)
	dc.mu.Lock()
	defer dc.mu.Unlock()

	entry, ok := dc.cache[key]
	if !ok {
		dc.misses.Inc()
		return nil, false
	}
	if dc.now().Sub(entry.Inserted) >= dc.ttl {
		delete(dc.cache, key)
		dc.misses.Inc()
		return nil, false
	}
	dc.hits.Inc()
	return entry.IP, true
}

// Put 写入缓存，覆盖已有条目
func (dc *DNSCache) Put(domain string, ip net.IP) {
	if !dc.Enabled() {
		return
	}

	dc.mu.Lock()
	dc.cache[cacheKey(domain)] = CacheEntry{IP: ip, Inserted: dc.now()}
	dc.mu.Unlock()
}

// Len 当前条目数（含未清理的过期条目）
func (dc *DNSCache) Len() int {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	return len(dc.cache)
}

// CacheStats 缓存命中统计
type CacheStats struct {
	Entries int   `json:"entries"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
}

// Stats 返回命中统计
func (dc *DNSCache) Stats() CacheStats {
	return CacheStats{
		Entries: dc.Len(),
		Hits:    dc.hits.Load(),
		Misses:  dc.misses.Load(),
	}
}
