package main

import (
	"github.com/spf13/pflag"

	"socks5proxy/config"
)

// options 命令行参数，只有显式设置的参数会覆盖配置文件和环境变量
type options struct {
	configPath string

	bindIP         string
	bindPort       int
	maxConnections int
	timeoutSeconds int
	useAuth        bool
	authFile       string
	allowedIPs     string
	useTLS         bool
	tlsCert        string
	tlsKey         string
	dnsCacheTTL    int
	dnsServers     string
	hostsFile      string
	halfClose      bool
	statsInterval  int
	webEnabled     bool
	webListen      string
	logLevel       string
	logFile        string
}

func newOptions() *options {
	d := config.DefaultConfig()
	return &options{
		bindIP:         d.Listener.BindIP,
		bindPort:       d.Listener.BindPort,
		maxConnections: d.SOCKS5.MaxConnections,
		timeoutSeconds: d.SOCKS5.TimeoutSeconds,
		authFile:       d.SOCKS5.AuthFile,
		dnsCacheTTL:    d.DNS.CacheTTLSeconds,
		hostsFile:      d.DNS.HostsFile,
		halfClose:      d.Relay.HalfClose,
		statsInterval:  d.Stats.ReportIntervalSeconds,
		webListen:      d.Web.Listen,
		logLevel:       d.Logging.Level,
	}
}

func (o *options) register(fs *pflag.FlagSet) {
	fs.StringVarP(&o.configPath, "config", "c", "", "path to a .json or .toml configuration file")
	fs.StringVar(&o.bindIP, "bind-ip", o.bindIP, "IP address to listen on")
	fs.IntVarP(&o.bindPort, "bind-port", "p", o.bindPort, "port to listen on")
	fs.IntVar(&o.maxConnections, "max-connections", o.maxConnections, "maximum concurrent client connections")
	fs.IntVar(&o.timeoutSeconds, "timeout-seconds", o.timeoutSeconds, "TLS handshake and dial timeout in seconds")
	fs.BoolVar(&o.useAuth, "use-auth", o.useAuth, "require username/password authentication")
	fs.StringVar(&o.authFile, "auth-file", o.authFile, "credentials file with one user:password per line")
	fs.StringVar(&o.allowedIPs, "allowed-ips", o.allowedIPs, "comma separated client CIDRs allowed to connect (empty allows all)")
	fs.BoolVar(&o.useTLS, "use-tls", o.useTLS, "accept clients over TLS")
	fs.StringVar(&o.tlsCert, "tls-cert", o.tlsCert, "TLS certificate file (PEM)")
	fs.StringVar(&o.tlsKey, "tls-key", o.tlsKey, "TLS private key file (PEM)")
	fs.IntVar(&o.dnsCacheTTL, "dns-cache-ttl", o.dnsCacheTTL, "DNS cache TTL in seconds (0 disables the cache)")
	fs.StringVar(&o.dnsServers, "dns-servers", o.dnsServers, "comma separated upstream DNS servers (default from /etc/resolv.conf)")
	fs.StringVar(&o.hostsFile, "hosts-file", o.hostsFile, "hosts file consulted before upstream DNS (empty disables)")
	fs.BoolVar(&o.halfClose, "half-close", o.halfClose, "keep relaying the other direction after one side finishes sending")
	fs.IntVar(&o.statsInterval, "stats-interval", o.statsInterval, "seconds between stats log lines (0 disables)")
	fs.BoolVar(&o.webEnabled, "web", o.webEnabled, "serve stats over HTTP")
	fs.StringVar(&o.webListen, "web-listen", o.webListen, "listen address for the stats HTTP server")
	fs.StringVar(&o.logLevel, "log-level", o.logLevel, "log level: error, warn, info, debug, trace")
	fs.StringVar(&o.logFile, "log-file", o.logFile, "also write logs to this file (rotated)")
}

// apply 将显式设置的参数写入 cfg
func (o *options) apply(cfg *config.Config, fs *pflag.FlagSet) {
	set := map[string]func(){
		"bind-ip":         func() { cfg.Listener.BindIP = o.bindIP },
		"bind-port":       func() { cfg.Listener.BindPort = o.bindPort },
		"max-connections": func() { cfg.SOCKS5.MaxConnections = o.maxConnections },
		"timeout-seconds": func() { cfg.SOCKS5.TimeoutSeconds = o.timeoutSeconds },
		"use-auth":        func() { cfg.SOCKS5.UseAuth = o.useAuth },
		"auth-file":       func() { cfg.SOCKS5.AuthFile = o.authFile },
		"allowed-ips":     func() { cfg.SOCKS5.AllowedIPs = o.allowedIPs },
		"use-tls":         func() { cfg.TLS.Enabled = o.useTLS },
		"tls-cert":        func() { cfg.TLS.CertFile = o.tlsCert },
		"tls-key":         func() { cfg.TLS.KeyFile = o.tlsKey },
		"dns-cache-ttl":   func() { cfg.DNS.CacheTTLSeconds = o.dnsCacheTTL },
		"dns-servers":     func() { cfg.DNS.Servers = config.ParseServers(o.dnsServers) },
		"hosts-file":      func() { cfg.DNS.HostsFile = o.hostsFile },
		"half-close":      func() { cfg.Relay.HalfClose = o.halfClose },
		"stats-interval":  func() { cfg.Stats.ReportIntervalSeconds = o.statsInterval },
		"web":             func() { cfg.Web.Enabled = o.webEnabled },
		"web-listen":      func() { cfg.Web.Listen = o.webListen },
		"log-level":       func() { cfg.Logging.Level = o.logLevel },
		"log-file":        func() { cfg.Logging.LogFile = o.logFile },
	}

	fs.Visit(func(f *pflag.Flag) {
		if fn, ok := set[f.Name]; ok {
			fn()
		}
	})
}

// loadConfig 默认值 < 配置文件 < 环境变量 < 命令行参数
func loadConfig(o *options, fs *pflag.FlagSet) (*config.Config, error) {
	m := config.NewManager(o.configPath)
	if err := m.Load(); err != nil {
		return nil, err
	}

	cfg := m.GetConfig()
	o.apply(cfg, fs)
	if err := m.SetConfig(cfg); err != nil {
		return nil, err
	}
	return m.GetConfig(), nil
}
