package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	m := NewManager("")
	if err := m.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	cfg := m.GetConfig()

	if cfg.ListenAddress() != "127.0.0.1:1080" {
		t.Errorf("listen address = %s", cfg.ListenAddress())
	}
	if cfg.SOCKS5.MaxConnections != 1000 {
		t.Errorf("max connections = %d", cfg.SOCKS5.MaxConnections)
	}
	if cfg.Timeout() != 60*time.Second {
		t.Errorf("timeout = %v", cfg.Timeout())
	}
	if cfg.DNSCacheTTL() != 300*time.Second {
		t.Errorf("dns ttl = %v", cfg.DNSCacheTTL())
	}
	if cfg.DNS.HostsFile != "/etc/hosts" {
		t.Errorf("hosts file = %q", cfg.DNS.HostsFile)
	}
	if cfg.SOCKS5.AuthFile != "auth.txt" || cfg.SOCKS5.UseAuth {
		t.Errorf("unexpected auth defaults: %+v", cfg.SOCKS5)
	}
	if !cfg.Relay.HalfClose {
		t.Error("half close should default to true")
	}
	if cfg.ReportInterval() != time.Minute {
		t.Errorf("report interval = %v", cfg.ReportInterval())
	}
}

func TestLoadJSONAndTOMLAgree(t *testing.T) {
	jsonPath := writeFile(t, "config.json", `{
  "listener": {"bind_ip": "0.0.0.0", "bind_port": 1090},
  "socks5": {"max_connections": 5, "allowed_ips": "10.0.0.0/8"},
  "dns": {"cache_ttl_seconds": 0, "servers": ["1.1.1.1"], "hosts": {"intranet.local": "10.1.2.3"}}
}`)
	tomlPath := writeFile(t, "config.toml", `
[listener]
bind_ip = "0.0.0.0"
bind_port = 1090

[socks5]
max_connections = 5
allowed_ips = "10.0.0.0/8"

[dns]
cache_ttl_seconds = 0
servers = ["1.1.1.1"]

[dns.hosts]
"intranet.local" = "10.1.2.3"
`)

	var loaded []*Config
	for _, path := range []string{jsonPath, tomlPath} {
		m := NewManager(path)
		if err := m.Load(); err != nil {
			t.Fatalf("Load(%s) failed: %v", path, err)
		}
		loaded = append(loaded, m.GetConfig())
	}

	if !reflect.DeepEqual(loaded[0], loaded[1]) {
		t.Errorf("json and toml differ:\n%+v\n%+v", loaded[0], loaded[1])
	}

	cfg := loaded[0]
	if cfg.ListenAddress() != "0.0.0.0:1090" {
		t.Errorf("listen address = %s", cfg.ListenAddress())
	}
	if cfg.SOCKS5.TimeoutSeconds != 60 {
		t.Errorf("unset fields should keep defaults, timeout = %d", cfg.SOCKS5.TimeoutSeconds)
	}
	if !reflect.DeepEqual(cfg.DNS.Servers, []string{"1.1.1.1:53"}) {
		t.Errorf("servers = %v", cfg.DNS.Servers)
	}
	if cfg.DNS.Hosts["intranet.local"] != "10.1.2.3" {
		t.Errorf("hosts = %v", cfg.DNS.Hosts)
	}
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := writeFile(t, "config.json", `{"socks5": {"max_connections": 5}}`)

	t.Setenv("SOCKS5_MAX_CONNECTIONS", "7")
	t.Setenv("SOCKS5_ALLOWED_IPS", "192.168.0.0/16,127.0.0.1")
	t.Setenv("SOCKS5_DNS_SERVERS", "9.9.9.9,8.8.8.8:5353")
	t.Setenv("SOCKS5_RELAY_HALF_CLOSE", "false")
	t.Setenv("SOCKS5_DNS_HOSTS_FILE", "/srv/hosts")

	m := NewManager(path)
	if err := m.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	cfg := m.GetConfig()

	if cfg.SOCKS5.MaxConnections != 7 {
		t.Errorf("env should override file, got %d", cfg.SOCKS5.MaxConnections)
	}
	if cfg.SOCKS5.AllowedIPs != "192.168.0.0/16,127.0.0.1" {
		t.Errorf("allowed ips = %q", cfg.SOCKS5.AllowedIPs)
	}
	if !reflect.DeepEqual(cfg.DNS.Servers, []string{"9.9.9.9:53", "8.8.8.8:5353"}) {
		t.Errorf("servers = %v", cfg.DNS.Servers)
	}
	if cfg.Relay.HalfClose {
		t.Error("half close should be disabled by env")
	}
	if cfg.DNS.HostsFile != "/srv/hosts" {
		t.Errorf("hosts file = %q", cfg.DNS.HostsFile)
	}
}

func TestLoadErrors(t *testing.T) {
	// 显式指定的文件不存在
	m := NewManager(filepath.Join(t.TempDir(), "missing.json"))
	if err := m.Load(); err == nil {
		t.Error("expected error for missing config file")
	}

	// 格式错误
	bad := writeFile(t, "bad.json", `{"listener": `)
	if err := NewManager(bad).Load(); err == nil {
		t.Error("expected error for malformed json")
	}

	// 校验失败
	invalid := writeFile(t, "invalid.json", `{"tls": {"enabled": true}}`)
	if err := NewManager(invalid).Load(); err == nil {
		t.Error("expected error for TLS without cert/key")
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		modify func(c *Config)
	}{
		{"bad bind ip", func(c *Config) { c.Listener.BindIP = "localhost" }},
		{"bad port", func(c *Config) { c.Listener.BindPort = 70000 }},
		{"zero max connections", func(c *Config) { c.SOCKS5.MaxConnections = 0 }},
		{"zero timeout", func(c *Config) { c.SOCKS5.TimeoutSeconds = 0 }},
		{"auth without file", func(c *Config) { c.SOCKS5.UseAuth = true; c.SOCKS5.AuthFile = "" }},
		{"negative ttl", func(c *Config) { c.DNS.CacheTTLSeconds = -1 }},
		{"bad host ip", func(c *Config) { c.DNS.Hosts["a.test"] = "nope" }},
		{"bad web listen", func(c *Config) { c.Web.Enabled = true; c.Web.Listen = "8080" }},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }},
	}

	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	for _, tc := range cases {
		cfg := DefaultConfig()
		tc.modify(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected validation error", tc.name)
		}
	}
}

func TestSaveRoundTrip(t *testing.T) {
	for _, name := range []string{"out/config.json", "out/config.toml"} {
		path := filepath.Join(t.TempDir(), name)

		m := NewManager(path)
		cfg := DefaultConfig()
		cfg.Listener.BindPort = 2080
		cfg.DNS.Hosts["db.internal"] = "10.0.0.5"
		if err := m.SetConfig(cfg); err != nil {
			t.Fatalf("SetConfig failed: %v", err)
		}
		if err := m.Save(); err != nil {
			t.Fatalf("Save(%s) failed: %v", name, err)
		}
		if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
			t.Errorf("temp file left behind for %s", name)
		}

		reloaded := NewManager(path)
		if err := reloaded.Load(); err != nil {
			t.Fatalf("reload %s failed: %v", name, err)
		}
		got := reloaded.GetConfig()
		if got.Listener.BindPort != 2080 || got.DNS.Hosts["db.internal"] != "10.0.0.5" {
			t.Errorf("%s: reloaded config mismatch: %+v", name, got)
		}
	}
}

func TestGetConfigReturnsCopy(t *testing.T) {
	m := NewManager("")
	if err := m.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	cfg := m.GetConfig()
	cfg.DNS.Hosts["x.test"] = "1.2.3.4"
	cfg.SOCKS5.MaxConnections = 1

	again := m.GetConfig()
	if _, ok := again.DNS.Hosts["x.test"]; ok {
		t.Error("host map shared with caller")
	}
	if again.SOCKS5.MaxConnections != 1000 {
		t.Error("config struct shared with caller")
	}
}

func TestParseServers(t *testing.T) {
	got := ParseServers(" 1.1.1.1 , ,[2001:4860:4860::8888],8.8.4.4:5353")
	want := []string{"1.1.1.1:53", "[2001:4860:4860::8888]:53", "8.8.4.4:5353"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ParseServers = %v, want %v", got, want)
	}
}
