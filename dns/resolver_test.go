package dns

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/miekg/dns"
)

// countingLookuper 记录调用次数的上游
type countingLookuper struct {
	mu    sync.Mutex
	calls map[string]int
	ips   map[string]net.IP
	err   error
	block bool
}

func newCountingLookuper() *countingLookuper {
	return &countingLookuper{calls: map[string]int{}, ips: map[string]net.IP{}}
}

func (l *countingLookuper) LookupIP(ctx context.Context, domain string) (net.IP, error) {
	l.mu.Lock()
	l.calls[domain]++
	ip, ok := l.ips[domain]
	l.mu.Unlock()

	if l.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if l.err != nil {
		return nil, l.err
	}
	if !ok {
		return nil, ErrNotFound
	}
	return ip, nil
}

func (l *countingLookuper) count(domain string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[domain]
}

func TestResolveCachesWithinTTL(t *testing.T) {
	up := newCountingLookuper()
	up.ips["example.com"] = net.ParseIP("93.184.216.34")

	r, err := NewResolverWithLookuper(Config{CacheTTL: time.Minute}, up, nil)
	if err != nil {
		t.Fatalf("NewResolverWithLookuper failed: %v", err)
	}

	now := time.Unix(1000, 0)
	r.cache.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		ip, err := r.Resolve(context.Background(), "example.com")
		if err != nil {
			t.Fatalf("Resolve failed: %v", err)
		}
		if !ip.Equal(net.ParseIP("93.184.216.34")) {
			t.Fatalf("unexpected ip %s", ip)
		}
	}
	if got := up.count("example.com"); got != 1 {
		t.Errorf("expected 1 upstream lookup within ttl, got %d", got)
	}

	// 到达 ttl 后重新查询
	now = now.Add(time.Minute)
	if _, err := r.Resolve(context.Background(), "example.com"); err != nil {
		t.Fatalf("Resolve after expiry failed: %v", err)
	}
	if got := up.count("example.com"); got != 2 {
		t.Errorf("expected a fresh lookup after ttl, got %d lookups", got)
	}

	stats := r.Cache().Stats()
	if stats.Hits != 2 || stats.Entries != 1 {
		t.Errorf("unexpected cache stats: %+v", stats)
	}
}

func TestResolveZeroTTLDisablesCache(t *testing.T) {
	up := newCountingLookuper()
	up.ips["example.com"] = net.ParseIP("10.0.0.1")

	r, _ := NewResolverWithLookuper(Config{CacheTTL: 0}, up, nil)
	for i := 0; i < 3; i++ {
		if _, err := r.Resolve(context.Background(), "example.com"); err != nil {
			t.Fatalf("Resolve failed: %v", err)
		}
	}
	if got := up.count("example.com"); got != 3 {
		t.Errorf("expected every resolve to hit upstream, got %d", got)
	}
	if r.Cache().Len() != 0 {
		t.Error("cache should stay empty when ttl is 0")
	}
}

func TestResolveNoNegativeCaching(t *testing.T) {
	up := newCountingLookuper()
	r, _ := NewResolverWithLookuper(Config{CacheTTL: time.Minute}, up, nil)

	for i := 0; i < 2; i++ {
		_, err := r.Resolve(context.Background(), "missing.test")
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	}
	if got := up.count("missing.test"); got != 2 {
		t.Errorf("failures must not be cached, got %d lookups", got)
	}
}

func TestResolveTimeout(t *testing.T) {
	up := newCountingLookuper()
	up.block = true

	r, _ := NewResolverWithLookuper(Config{CacheTTL: time.Minute, Timeout: 50 * time.Millisecond}, up, nil)

	start := time.Now()
	_, err := r.Resolve(context.Background(), "slow.test")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("timeout not honoured")
	}
}

// netTimeout 模拟网络层读超时
type netTimeout struct{}

func (netTimeout) Error() string   { return "i/o timeout" }
func (netTimeout) Timeout() bool   { return true }
func (netTimeout) Temporary() bool { return true }

func TestResolveNetTimeoutIsTimeout(t *testing.T) {
	up := newCountingLookuper()
	up.err = &net.OpError{Op: "read", Net: "udp", Err: netTimeout{}}

	r, _ := NewResolverWithLookuper(Config{CacheTTL: time.Minute}, up, nil)
	_, err := r.Resolve(context.Background(), "slow.test")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded for a network timeout, got %v", err)
	}
}

// silentServer 返回一个只收不回的 UDP 地址
func silentServer(t *testing.T) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}
	t.Cleanup(func() { pc.Close() })
	return pc.LocalAddr().String()
}

func TestUpstreamTimeout(t *testing.T) {
	if up := NewUpstream([]string{"192.0.2.1:53"}, 0, nil); up.client.Timeout != DefaultTimeout {
		t.Errorf("default client timeout = %v, want %v", up.client.Timeout, DefaultTimeout)
	}

	up := NewUpstream([]string{silentServer(t)}, 200*time.Millisecond, nil)

	start := time.Now()
	_, err := up.LookupIP(context.Background(), "example.test")
	elapsed := time.Since(start)
	if err == nil {
		t.Fatal("expected an error from a silent server")
	}
	if !isTimeout(err) {
		t.Errorf("expected a timeout error, got %v", err)
	}
	// A 超时后不再查询 AAAA
	if elapsed > time.Second {
		t.Errorf("lookup took %v, client timeout not applied", elapsed)
	}
}

func TestResolveSilentUpstream(t *testing.T) {
	r, err := NewResolver(Config{
		Servers:  []string{silentServer(t)},
		CacheTTL: time.Minute,
		Timeout:  300 * time.Millisecond,
	}, nil)
	if err != nil {
		t.Fatalf("NewResolver failed: %v", err)
	}

	start := time.Now()
	_, err = r.Resolve(context.Background(), "example.test")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("resolve took %v", elapsed)
	}
}

func writeHosts(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hosts")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadHostsFile(t *testing.T) {
	path := writeHosts(t, `# comment
127.0.0.1   localhost
::1         localhost ip6-localhost
10.0.0.5    db.internal DB-Alias.internal.  # trailing comment
not-an-ip   broken.internal
10.0.0.6    db.internal
`)

	hosts, err := LoadHostsFile(path)
	if err != nil {
		t.Fatalf("LoadHostsFile failed: %v", err)
	}

	want := map[string]string{
		"localhost":         "127.0.0.1",
		"ip6-localhost":     "::1",
		"db.internal":       "10.0.0.5",
		"db-alias.internal": "10.0.0.5",
	}
	if len(hosts) != len(want) {
		t.Errorf("got %d entries: %v", len(hosts), hosts)
	}
	for name, ip := range want {
		if !hosts[name].Equal(net.ParseIP(ip)) {
			t.Errorf("%s = %v, want %s", name, hosts[name], ip)
		}
	}

	hosts, err = LoadHostsFile(filepath.Join(t.TempDir(), "missing"))
	if err != nil || len(hosts) != 0 {
		t.Errorf("missing hosts file: %v %v", hosts, err)
	}
}

func TestResolveHostsFile(t *testing.T) {
	path := writeHosts(t, "10.0.0.5 db.internal\n10.0.0.7 cache.internal\n")

	up := newCountingLookuper()
	r, err := NewResolverWithLookuper(Config{
		CacheTTL:  time.Minute,
		HostsFile: path,
		Hosts:     map[string]string{"cache.internal": "10.0.0.8"},
	}, up, nil)
	if err != nil {
		t.Fatalf("NewResolverWithLookuper failed: %v", err)
	}

	for domain, want := range map[string]string{
		"db.internal":    "10.0.0.5",
		"cache.internal": "10.0.0.8",
	} {
		ip, err := r.Resolve(context.Background(), domain)
		if err != nil {
			t.Fatalf("Resolve(%s) failed: %v", domain, err)
		}
		if !ip.Equal(net.ParseIP(want)) {
			t.Errorf("Resolve(%s) = %s, want %s", domain, ip, want)
		}
	}
	if len(up.calls) != 0 {
		t.Errorf("upstream should not be queried, calls: %v", up.calls)
	}
}

func TestResolveLiteralsAndHosts(t *testing.T) {
	up := newCountingLookuper()
	r, err := NewResolverWithLookuper(Config{
		CacheTTL: time.Minute,
		Hosts:    map[string]string{"DB.Internal": "10.9.8.7"},
	}, up, nil)
	if err != nil {
		t.Fatalf("NewResolverWithLookuper failed: %v", err)
	}

	cases := map[string]string{
		"127.0.0.1":   "127.0.0.1",
		"::1":         "::1",
		"localhost":   "127.0.0.1",
		"db.internal": "10.9.8.7",
	}
	for domain, want := range cases {
		ip, err := r.Resolve(context.Background(), domain)
		if err != nil {
			t.Errorf("Resolve(%s) failed: %v", domain, err)
			continue
		}
		if !ip.Equal(net.ParseIP(want)) {
			t.Errorf("Resolve(%s) = %s, want %s", domain, ip, want)
		}
	}
	if len(up.calls) != 0 {
		t.Errorf("upstream should not be queried, calls: %v", up.calls)
	}

	if _, err := NewResolverWithLookuper(Config{Hosts: map[string]string{"x": "bad"}}, up, nil); err == nil {
		t.Error("expected error for invalid host ip")
	}
}

// startDNSServer 在本地 UDP 端口启动测试用 DNS 服务器
func startDNSServer(t *testing.T) string {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}

	mux := dns.NewServeMux()
	mux.HandleFunc("example.test.", func(w dns.ResponseWriter, req *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(req)
		if req.Question[0].Qtype == dns.TypeA {
			rr, _ := dns.NewRR("example.test. 60 IN A 192.0.2.10")
			m.Answer = append(m.Answer, rr)
		}
		w.WriteMsg(m)
	})
	mux.HandleFunc("v6only.test.", func(w dns.ResponseWriter, req *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(req)
		if req.Question[0].Qtype == dns.TypeAAAA {
			rr, _ := dns.NewRR("v6only.test. 60 IN AAAA 2001:db8::1")
			m.Answer = append(m.Answer, rr)
		}
		w.WriteMsg(m)
	})
	mux.HandleFunc(".", func(w dns.ResponseWriter, req *dns.Msg) {
		m := new(dns.Msg)
		m.SetRcode(req, dns.RcodeNameError)
		w.WriteMsg(m)
	})

	started := make(chan struct{})
	srv := &dns.Server{PacketConn: pc, Handler: mux, NotifyStartedFunc: func() { close(started) }}
	go srv.ActivateAndServe()
	<-started
	t.Cleanup(func() { srv.Shutdown() })

	return pc.LocalAddr().String()
}

func TestUpstreamAgainstLocalServer(t *testing.T) {
	addr := startDNSServer(t)

	r, err := NewResolver(Config{Servers: []string{addr}, CacheTTL: time.Minute}, nil)
	if err != nil {
		t.Fatalf("NewResolver failed: %v", err)
	}

	ip, err := r.Resolve(context.Background(), "example.test")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if !ip.Equal(net.ParseIP("192.0.2.10")) {
		t.Errorf("got %s, want 192.0.2.10", ip)
	}

	ip, err = r.Resolve(context.Background(), "v6only.test")
	if err != nil {
		t.Fatalf("Resolve v6only failed: %v", err)
	}
	if !ip.Equal(net.ParseIP("2001:db8::1")) {
		t.Errorf("got %s, want 2001:db8::1", ip)
	}

	_, err = r.Resolve(context.Background(), "nothing.test")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for NXDOMAIN, got %v", err)
	}
}

func TestUpstreamRacesServers(t *testing.T) {
	addr := startDNSServer(t)

	// 一个不可达的服务器加一个正常服务器
	up := NewUpstream([]string{"127.0.0.1:1", addr}, 0, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	ip, err := up.LookupIP(ctx, "example.test")
	if err != nil {
		t.Fatalf("LookupIP failed: %v", err)
	}
	if !ip.Equal(net.ParseIP("192.0.2.10")) {
		t.Errorf("got %s", ip)
	}
}

func TestSystemServersFallback(t *testing.T) {
	servers := SystemServers("/nonexistent/resolv.conf")
	if len(servers) != 1 || servers[0] != "8.8.8.8:53" {
		t.Errorf("unexpected fallback: %v", servers)
	}
}
