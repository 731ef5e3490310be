package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"socks5proxy/logger"
)

// ListenerConfig 监听配置
type ListenerConfig struct {
	BindIP   string `json:"bind_ip" toml:"bind_ip" env:"SOCKS5_BIND_IP"`
	BindPort int    `json:"bind_port" toml:"bind_port" env:"SOCKS5_BIND_PORT"`
}

// SOCKS5Config 代理行为配置
type SOCKS5Config struct {
	MaxConnections int    `json:"max_connections" toml:"max_connections" env:"SOCKS5_MAX_CONNECTIONS"`
	TimeoutSeconds int    `json:"timeout_seconds" toml:"timeout_seconds" env:"SOCKS5_TIMEOUT_SECONDS"`
	UseAuth        bool   `json:"use_auth" toml:"use_auth" env:"SOCKS5_USE_AUTH"`
	AuthFile       string `json:"auth_file" toml:"auth_file" env:"SOCKS5_AUTH_FILE"`
	AllowedIPs     string `json:"allowed_ips" toml:"allowed_ips" env:"SOCKS5_ALLOWED_IPS"` // 逗号分隔的 CIDR 列表，空表示全部允许
}

// TLSConfig TLS 前置配置
type TLSConfig struct {
	Enabled  bool   `json:"enabled" toml:"enabled" env:"SOCKS5_USE_TLS"`
	CertFile string `json:"cert_file" toml:"cert_file" env:"SOCKS5_TLS_CERT"`
	KeyFile  string `json:"key_file" toml:"key_file" env:"SOCKS5_TLS_KEY"`
}

// DNSConfig 域名解析配置
type DNSConfig struct {
	CacheTTLSeconds int               `json:"cache_ttl_seconds" toml:"cache_ttl_seconds" env:"SOCKS5_DNS_CACHE_TTL"` // 0 表示关闭缓存
	Servers         []string          `json:"servers" toml:"servers" env:"SOCKS5_DNS_SERVERS" envSeparator:","`
	Hosts           map[string]string `json:"hosts" toml:"hosts"`                                       // 静态解析 domain -> ip，优先于 hosts 文件
	HostsFile       string            `json:"hosts_file" toml:"hosts_file" env:"SOCKS5_DNS_HOSTS_FILE"` // 为空时不读取
}

// RelayConfig 转发配置
type RelayConfig struct {
	// HalfClose 为 true 时一个方向结束后继续转发另一方向，否则任一方向结束即关闭连接
	HalfClose bool `json:"half_close" toml:"half_close" env:"SOCKS5_RELAY_HALF_CLOSE"`
}

// StatsConfig 统计上报配置
type StatsConfig struct {
	ReportIntervalSeconds int `json:"report_interval_seconds" toml:"report_interval_seconds" env:"SOCKS5_STATS_INTERVAL"`
}

// WebConfig 统计接口配置
type WebConfig struct {
	Enabled bool   `json:"enabled" toml:"enabled" env:"SOCKS5_WEB_ENABLED"`
	Listen  string `json:"listen" toml:"listen" env:"SOCKS5_WEB_LISTEN"`
}

// LoggingConfig 日志配置
type LoggingConfig struct {
	Level      string `json:"level" toml:"level" env:"SOCKS5_LOG_LEVEL"`
	LogFile    string `json:"log_file" toml:"log_file" env:"SOCKS5_LOG_FILE"`
	MaxSize    int    `json:"max_size" toml:"max_size"`
	MaxBackups int    `json:"max_backups" toml:"max_backups"`
	MaxAge     int    `json:"max_age" toml:"max_age"`
	Compress   bool   `json:"compress" toml:"compress"`
}

// Config 配置文件结构体
type Config struct {
	Listener ListenerConfig `json:"listener" toml:"listener"`
	SOCKS5   SOCKS5Config   `json:"socks5" toml:"socks5"`
	TLS      TLSConfig      `json:"tls" toml:"tls"`
	DNS      DNSConfig      `json:"dns" toml:"dns"`
	Relay    RelayConfig    `json:"relay" toml:"relay"`
	Stats    StatsConfig    `json:"stats" toml:"stats"`
	Web      WebConfig      `json:"web" toml:"web"`
	Logging  LoggingConfig  `json:"logging" toml:"logging"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	lc := logger.DefaultConfig()
	return &Config{
		Listener: ListenerConfig{
			BindIP:   "127.0.0.1",
			BindPort: 1080,
		},
		SOCKS5: SOCKS5Config{
			MaxConnections: 1000,
			TimeoutSeconds: 60,
			AuthFile:       "auth.txt",
		},
		DNS: DNSConfig{
			CacheTTLSeconds: 300,
			Hosts:           map[string]string{},
			HostsFile:       "/etc/hosts",
		},
		Relay: RelayConfig{HalfClose: true},
		Stats: StatsConfig{ReportIntervalSeconds: 60},
		Web: WebConfig{
			Listen: "127.0.0.1:8080",
		},
		Logging: LoggingConfig{
			Level:      lc.Level,
			MaxSize:    lc.MaxSize,
			MaxBackups: lc.MaxBackups,
			MaxAge:     lc.MaxAge,
		},
	}
}

// Validate 检查配置的一致性，所有错误在启动时即为致命错误
func (c *Config) Validate() error {
	if net.ParseIP(c.Listener.BindIP) == nil {
		return fmt.Errorf("invalid bind ip: %q", c.Listener.BindIP)
	}
	if c.Listener.BindPort < 0 || c.Listener.BindPort > 65535 {
		return fmt.Errorf("invalid bind port: %d", c.Listener.BindPort)
	}
	if c.SOCKS5.MaxConnections <= 0 {
		return fmt.Errorf("max_connections must be positive, got %d", c.SOCKS5.MaxConnections)
	}
	if c.SOCKS5.TimeoutSeconds <= 0 {
		return fmt.Errorf("timeout_seconds must be positive, got %d", c.SOCKS5.TimeoutSeconds)
	}
	if c.SOCKS5.UseAuth && c.SOCKS5.AuthFile == "" {
		return fmt.Errorf("use_auth requires auth_file")
	}
	if c.TLS.Enabled && (c.TLS.CertFile == "" || c.TLS.KeyFile == "") {
		return fmt.Errorf("TLS enabled but certificate or key path not provided")
	}
	if c.DNS.CacheTTLSeconds < 0 {
		return fmt.Errorf("dns cache ttl must not be negative, got %d", c.DNS.CacheTTLSeconds)
	}
	for domain, ip := range c.DNS.Hosts {
		if net.ParseIP(ip) == nil {
			return fmt.Errorf("invalid ip %q for host %q", ip, domain)
		}
	}
	if c.Stats.ReportIntervalSeconds < 0 {
		return fmt.Errorf("stats report interval must not be negative")
	}
	if c.Web.Enabled {
		if _, _, err := net.SplitHostPort(c.Web.Listen); err != nil {
			return fmt.Errorf("invalid web listen address %q: %v", c.Web.Listen, err)
		}
	}
	if _, err := logger.ParseLevel(c.Logging.Level); err != nil {
		return err
	}
	return nil
}

// ListenAddress 返回 SOCKS5 监听地址
func (c *Config) ListenAddress() string {
	return net.JoinHostPort(c.Listener.BindIP, fmt.Sprint(c.Listener.BindPort))
}

// Timeout 单连接握手与拨号超时
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.SOCKS5.TimeoutSeconds) * time.Second
}

// DNSCacheTTL 域名缓存有效期
func (c *Config) DNSCacheTTL() time.Duration {
	return time.Duration(c.DNS.CacheTTLSeconds) * time.Second
}

// ReportInterval 统计日志间隔
func (c *Config) ReportInterval() time.Duration {
	return time.Duration(c.Stats.ReportIntervalSeconds) * time.Second
}

// LoggerConfig 转换为日志模块配置
func (c *Config) LoggerConfig() logger.Config {
	lc := logger.DefaultConfig()
	lc.Level = c.Logging.Level
	lc.OutputFile = c.Logging.LogFile
	lc.MaxSize = c.Logging.MaxSize
	lc.MaxBackups = c.Logging.MaxBackups
	lc.MaxAge = c.Logging.MaxAge
	lc.Compress = c.Logging.Compress
	return lc
}

// ParseServers 解析逗号分隔的 DNS 服务器列表，缺省端口补 53
func ParseServers(list string) []string {
	var servers []string
	for _, s := range strings.Split(list, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		servers = append(servers, s)
	}
	return NormalizeServers(servers)
}

// NormalizeServers 为缺少端口的 DNS 服务器补 53
func NormalizeServers(servers []string) []string {
	out := make([]string, 0, len(servers))
	for _, s := range servers {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, _, err := net.SplitHostPort(s); err != nil {
			s = net.JoinHostPort(strings.Trim(s, "[]"), "53")
		}
		out = append(out, s)
	}
	return out
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
