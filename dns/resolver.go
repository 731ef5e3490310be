package dns

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/pkg/errors"

	"socks5proxy/logger"
)

// DefaultTimeout 单次解析的超时时间
const DefaultTimeout = 5 * time.Second

const fallbackServer = "8.8.8.8:53"

var (
	// ErrNotFound 域名没有可用的 A/AAAA 记录
	ErrNotFound = errors.New("no address found")
	// ErrTimeout 解析超时，同时满足 errors.Is(err, context.DeadlineExceeded)
	ErrTimeout = context.DeadlineExceeded
)

// Lookuper 上游解析接口
type Lookuper interface {
	LookupIP(ctx context.Context, domain string) (net.IP, error)
}

// Config DNS配置
type Config struct {
	Servers   []string          // 上游服务器 host:port，为空时读取 /etc/resolv.conf
	CacheTTL  time.Duration     // 0 表示关闭缓存
	Hosts     map[string]string // 静态解析，优先于 HostsFile
	HostsFile string            // hosts 文件路径，为空时不读取，文件不存在时忽略
	Timeout   time.Duration     // 为 0 时使用 DefaultTimeout
}

// Resolver 带缓存的域名解析器
type Resolver struct {
	cache    *DNSCache
	hosts    map[string]net.IP
	upstream Lookuper
	timeout  time.Duration
	logger   *logger.Logger
}

// NewResolver 创建新的DNS解析器
func NewResolver(config Config, log *logger.Logger) (*Resolver, error) {
	servers := config.Servers
	if len(servers) == 0 {
		servers = SystemServers("/etc/resolv.conf")
	}
	return NewResolverWithLookuper(config, NewUpstream(servers, config.Timeout, log), log)
}

// NewResolverWithLookuper 使用自定义上游创建解析器
func NewResolverWithLookuper(config Config, upstream Lookuper, log *logger.Logger) (*Resolver, error) {
	if log == nil {
		log = logger.NewNop()
	}

	hosts := map[string]net.IP{"localhost": net.IPv4(127, 0, 0, 1)}
	if config.HostsFile != "" {
		fileHosts, err := LoadHostsFile(config.HostsFile)
		if err != nil {
			return nil, err
		}
		for domain, ip := range fileHosts {
			hosts[domain] = ip
		}
	}
	for domain, addr := range config.Hosts {
		ip := net.ParseIP(addr)
		if ip == nil {
			return nil, errors.Errorf("invalid ip %q for host %q", addr, domain)
		}
		hosts[cacheKey(domain)] = ip
	}

	timeout := config.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Resolver{
		cache:    NewDNSCache(config.CacheTTL),
		hosts:    hosts,
		upstream: upstream,
		timeout:  timeout,
		logger:   log,
	}, nil
}

// Cache 返回底层缓存
func (r *Resolver) Cache() *DNSCache {
	return r.cache
}

// Resolve 解析域名：IP 字面量 -> 静态解析 -> 缓存 -> 上游查询（5 秒超时）
// 失败不做负缓存
func (r *Resolver) Resolve(ctx context.Context, domain string) (net.IP, error) {
	if ip := net.ParseIP(strings.Trim(domain, "[]")); ip != nil {
		return ip, nil
	}

	if ip, ok := r.hosts[cacheKey(domain)]; ok {
		return ip, nil
	}

	if ip, ok := r.cache.Get(domain); ok {
		r.logger.Debug("DNS cache hit for %s: %s", domain, ip)
		return ip, nil
	}

	lookupCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	ip, err := r.upstream.LookupIP(lookupCtx, domain)
	if err != nil {
		if isTimeout(err) || (lookupCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil) {
			return nil, errors.Wrapf(ErrTimeout, "DNS resolution timed out for %s", domain)
		}
		return nil, errors.Wrapf(err, "failed to resolve %s", domain)
	}

	r.cache.Put(domain, ip)
	r.logger.Debug("Resolved %s to %s", domain, ip)
	return ip, nil
}

// Upstream 使用 miekg/dns 并发查询多个上游服务器
type Upstream struct {
	servers []string
	client  *dns.Client
	logger  *logger.Logger
}

// NewUpstream 创建上游查询器，timeout 为单次查询的读写超时，为 0 时使用 DefaultTimeout
func NewUpstream(servers []string, timeout time.Duration, log *logger.Logger) *Upstream {
	if log == nil {
		log = logger.NewNop()
	}
	if len(servers) == 0 {
		servers = []string{fallbackServer}
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Upstream{
		servers: servers,
		client:  &dns.Client{Net: "udp", Timeout: timeout},
		logger:  log,
	}
}

// Servers 返回上游服务器列表
func (u *Upstream) Servers() []string {
	return append([]string(nil), u.servers...)
}

// LookupIP 先查 A 记录，没有结果再查 AAAA
func (u *Upstream) LookupIP(ctx context.Context, domain string) (net.IP, error) {
	var lastErr error = ErrNotFound
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		msg := new(dns.Msg)
		msg.SetQuestion(dns.Fqdn(domain), qtype)
		msg.RecursionDesired = true

		resp, err := u.queryConcurrent(ctx, msg)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			// 超时后不再查询 AAAA
			if isTimeout(err) {
				return nil, err
			}
			lastErr = err
			continue
		}
		if resp.Rcode == dns.RcodeNameError {
			return nil, errors.Wrapf(ErrNotFound, "%s: %s", domain, dns.RcodeToString[resp.Rcode])
		}
		if resp.Rcode != dns.RcodeSuccess {
			lastErr = errors.Errorf("%s: %s", domain, dns.RcodeToString[resp.Rcode])
			continue
		}
		if ip := firstIP(resp); ip != nil {
			return ip, nil
		}
	}
	return nil, lastErr
}

// querySingleServer 查询单个服务器
func (u *Upstream) querySingleServer(ctx context.Context, msg *dns.Msg, server string) (*dns.Msg, error) {
	resp, _, err := u.client.ExchangeContext(ctx, msg, server)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, errors.Errorf("empty response from %s", server)
	}
	return resp, nil
}

// queryConcurrent 并发查询所有服务器，返回第一个成功的响应
func (u *Upstream) queryConcurrent(ctx context.Context, msg *dns.Msg) (*dns.Msg, error) {
	if len(u.servers) == 1 {
		return u.querySingleServer(ctx, msg, u.servers[0])
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		resp *dns.Msg
		err  error
	}
	results := make(chan result, len(u.servers))
	for _, server := range u.servers {
		go func(s string) {
			resp, err := u.querySingleServer(ctx, msg.Copy(), s)
			if err != nil {
				u.logger.Debug("DNS query to %s failed: %v", s, err)
			}
			results <- result{resp, err}
		}(server)
	}

	var lastErr error
	for range u.servers {
		res := <-results
		if res.err == nil {
			return res.resp, nil
		}
		lastErr = res.err
	}
	return nil, lastErr
}

// firstIP 提取应答中的第一个地址，CNAME 链由上游展开
func firstIP(msg *dns.Msg) net.IP {
	for _, rr := range msg.Answer {
		switch record := rr.(type) {
		case *dns.A:
			return record.A
		case *dns.AAAA:
			return record.AAAA
		}
	}
	return nil
}

// SystemServers 读取系统 resolv.conf，失败时回退到 8.8.8.8:53
func SystemServers(path string) []string {
	conf, err := dns.ClientConfigFromFile(path)
	if err != nil || len(conf.Servers) == 0 {
		return []string{fallbackServer}
	}
	servers := make([]string, 0, len(conf.Servers))
	for _, s := range conf.Servers {
		servers = append(servers, net.JoinHostPort(s, conf.Port))
	}
	return servers
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
