package socks5

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"io"
	"net"
	"strconv"
	"sync"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"socks5proxy/dns"
	"socks5proxy/logger"
)

const (
	SOCKS5_VERSION = 0x05

	// 命令类型
	CMD_CONNECT   = 0x01
	CMD_BIND      = 0x02
	CMD_UDP_ASSOC = 0x03

	// 地址类型
	ATYPE_IPV4   = 0x01
	ATYPE_DOMAIN = 0x03
	ATYPE_IPV6   = 0x04

	// 回应状态
	REP_SUCCESS                    = 0x00
	REP_GENERAL_FAILURE            = 0x01
	REP_CONNECTION_FORBIDDEN       = 0x02
	REP_NETWORK_UNREACHABLE        = 0x03
	REP_HOST_UNREACHABLE           = 0x04
	REP_CONNECTION_REFUSED         = 0x05
	REP_TTL_EXPIRED                = 0x06
	REP_COMMAND_NOT_SUPPORTED      = 0x07
	REP_ADDRESS_TYPE_NOT_SUPPORTED = 0x08
)

// Resolver 域名解析接口
type Resolver interface {
	Resolve(ctx context.Context, domain string) (net.IP, error)
}

// TargetAddress 客户端请求的目标地址，Domain 仅在 ATYP 为域名时设置
type TargetAddress struct {
	IP     net.IP
	Domain string
	Port   uint16
}

// DialAddress 用于拨号的 ip:port
func (t TargetAddress) DialAddress() string {
	return net.JoinHostPort(t.IP.String(), strconv.Itoa(int(t.Port)))
}

func (t TargetAddress) String() string {
	if t.Domain != "" {
		return net.JoinHostPort(t.Domain, strconv.Itoa(int(t.Port)))
	}
	return t.DialAddress()
}

// Config SOCKS5 服务器配置
type Config struct {
	MaxConnections int
	Timeout        time.Duration     // TLS 握手与拨号超时
	Credentials    *CredentialStore  // 为 nil 时不要求认证
	AllowList      *AllowList        // 为 nil 或空时允许所有客户端
	TLSConfig      *tls.Config       // 为 nil 时不启用 TLS
	Resolver       Resolver          // 为 nil 时使用默认解析器
	HalfClose      bool              // 转发时支持半关闭
	ReportInterval time.Duration     // 统计日志间隔，0 表示不输出
	Stats          *Stats            // 为 nil 时新建
	Logger         *logger.Logger
}

// SOCKS5Server SOCKS5 服务器
type SOCKS5Server struct {
	config   Config
	stats    *Stats
	logger   *logger.Logger
	wg       sync.WaitGroup
	mu       sync.Mutex
	listener net.Listener
}

// NewSOCKS5Server 创建服务器
func NewSOCKS5Server(config Config) (*SOCKS5Server, error) {
	if config.MaxConnections <= 0 {
		return nil, ConfigError("max connections must be positive")
	}
	if config.Timeout <= 0 {
		return nil, ConfigError("timeout must be positive")
	}
	if config.Logger == nil {
		config.Logger = logger.WithPrefix("SOCKS5")
	}
	if config.Stats == nil {
		config.Stats = NewStats()
	}
	if config.Resolver == nil {
		resolver, err := dns.NewResolver(dns.Config{CacheTTL: 300 * time.Second}, config.Logger)
		if err != nil {
			return nil, ConfigError("%v", err)
		}
		config.Resolver = resolver
	}

	return &SOCKS5Server{
		config: config,
		stats:  config.Stats,
		logger: config.Logger,
	}, nil
}

// Stats 返回统计对象
func (s *SOCKS5Server) Stats() *Stats {
	return s.stats
}

// Addr 返回监听地址，未启动时为 nil
func (s *SOCKS5Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ListenAndServe 绑定地址后开始服务，绑定失败立即返回
func (s *SOCKS5Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", addr)
	}
	return s.Serve(ctx, ln)
}

// Serve 接受连接直到 ctx 取消，返回前等待所有连接处理结束
func (s *SOCKS5Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stop := context.AfterFunc(ctx, func() {
		ln.Close()
	})
	defer stop()

	s.logger.Info("SOCKS5 server started on %s", ln.Addr())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.stats.Report(ctx, s.config.ReportInterval, s.logger)
	}()

	var tempDelay time.Duration
	for {
		clientConn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.logger.Info("Server shutting down...")
				break
			}
			if errors.Is(err, net.ErrClosed) {
				s.logger.Info("Listener closed, shutting down...")
				break
			}
			// 临时错误退避后重试
			if tempDelay == 0 {
				tempDelay = 5 * time.Millisecond
			} else if tempDelay *= 2; tempDelay > time.Second {
				tempDelay = time.Second
			}
			s.logger.Error("Failed to accept connection: %v", err)
			select {
			case <-time.After(tempDelay):
				continue
			case <-ctx.Done():
			}
			break
		}
		tempDelay = 0

		if !s.stats.TryAdmit(s.config.MaxConnections) {
			s.logger.Warn("Connection limit reached (%d), rejecting %s", s.config.MaxConnections, clientConn.RemoteAddr())
			clientConn.Close()
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(ctx, clientConn)
		}()
	}

	cancel()
	s.wg.Wait()
	s.logger.Info("SOCKS5 server stopped")
	return nil
}

// Connection 单个客户端连接的处理状态
type Connection struct {
	id       string
	raw      net.Conn
	client   net.Conn
	target   net.Conn
	mu       sync.Mutex
	aborted  atomic.Bool
	server   *SOCKS5Server
	logger   *logger.Logger
	username string
}

func (s *SOCKS5Server) handleConnection(ctx context.Context, clientConn net.Conn) {
	remote := clientConn.RemoteAddr()

	if !s.config.AllowList.IsAllowedAddr(remote) {
		s.stats.RejectACL()
		clientConn.Close()
		s.logger.Warn("Connection from %s rejected by allow list", remote)
		return
	}
	defer s.stats.Release()

	id := uuid.New().String()[:8]
	c := &Connection{
		id:     id,
		raw:    clientConn,
		client: clientConn,
		server: s,
		logger: s.logger.WithField("conn", id),
	}

	// 关闭时直接断开，进行中的读写随之返回
	stop := context.AfterFunc(ctx, c.abort)
	defer stop()
	defer c.close()

	c.logger.Debug("New connection from %s", remote)

	err := c.serve(ctx)
	switch {
	case c.aborted.Load():
		c.logger.Debug("Connection from %s closed by shutdown", remote)
	case err != nil:
		s.stats.RecordFailure(err)
		s.logFailure(c.logger, remote, err)
	default:
		c.logger.Debug("Connection from %s closed", remote)
	}
}

func (s *SOCKS5Server) logFailure(log *logger.Logger, remote net.Addr, err error) {
	var e *Error
	if errors.As(err, &e) {
		switch e.Kind {
		case KindInvalidVersion, KindAuthenticationRequired, KindAuthenticationFailed,
			KindUnsupportedCommand, KindUnsupportedAddressType:
			log.Warn("Connection error from %s: %v", remote, err)
			return
		}
	}
	log.Error("Connection error from %s: %v", remote, err)
}

// serve 执行 TLS 握手、认证、请求处理和转发
func (c *Connection) serve(ctx context.Context) error {
	cfg := c.server.config

	if cfg.TLSConfig != nil {
		tlsConn, err := serverHandshake(ctx, c.raw, cfg.TLSConfig, cfg.Timeout)
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.client = tlsConn
		c.mu.Unlock()
	}

	username, err := negotiate(c.client, cfg.Credentials)
	if err != nil {
		return err
	}
	c.username = username
	if username != "" {
		c.logger.Debug("User authenticated: %s (%s)", username, c.raw.RemoteAddr())
	}

	return c.handleRequest(ctx)
}

// handleRequest 处理SOCKS5连接请求
func (c *Connection) handleRequest(ctx context.Context) error {
	header := make([]byte, 4)
	if _, err := io.ReadFull(c.client, header); err != nil {
		return newError(KindNetworkError, err, "failed to read request header: %v", err)
	}

	version, cmd, atype := header[0], header[1], header[3]
	if version != SOCKS5_VERSION {
		return newError(KindInvalidVersion, nil, "%d", version)
	}

	switch cmd {
	case CMD_CONNECT:
	case CMD_BIND:
		c.logger.Warn("BIND command not implemented")
		return c.fail(newError(KindUnsupportedCommand, nil, "BIND"))
	case CMD_UDP_ASSOC:
		c.logger.Warn("UDP ASSOCIATE command not implemented")
		return c.fail(newError(KindUnsupportedCommand, nil, "UDP ASSOCIATE"))
	default:
		return c.fail(newError(KindUnsupportedCommand, nil, "0x%02x", cmd))
	}

	target, err := c.readAddress(ctx, atype)
	if err != nil {
		return err
	}

	c.logger.Debug("Connection request: %s -> %s", c.raw.RemoteAddr(), target)

	targetConn, err := c.connect(ctx, target)
	if err != nil {
		return err
	}
	if !c.setTarget(targetConn) {
		return nil
	}

	if err := c.sendReply(REP_SUCCESS); err != nil {
		return newError(KindNetworkError, err, "failed to send reply: %v", err)
	}

	c.logger.Info("CONNECTED: %s -> %s", c.clientInfo(), target)
	return relay(c.client, targetConn, c.server.config.HalfClose, c.server.stats)
}

// readAddress 解析请求中的地址部分，域名在此处解析为 IP
func (c *Connection) readAddress(ctx context.Context, atype byte) (TargetAddress, error) {
	var target TargetAddress

	switch atype {
	case ATYPE_IPV4:
		addr := make([]byte, net.IPv4len)
		if _, err := io.ReadFull(c.client, addr); err != nil {
			return target, newError(KindNetworkError, err, "failed to read IPv4 address: %v", err)
		}
		target.IP = net.IP(addr)
	case ATYPE_IPV6:
		addr := make([]byte, net.IPv6len)
		if _, err := io.ReadFull(c.client, addr); err != nil {
			return target, newError(KindNetworkError, err, "failed to read IPv6 address: %v", err)
		}
		target.IP = net.IP(addr)
	case ATYPE_DOMAIN:
		lenByte := make([]byte, 1)
		if _, err := io.ReadFull(c.client, lenByte); err != nil {
			return target, newError(KindNetworkError, err, "failed to read domain length: %v", err)
		}
		domain := make([]byte, int(lenByte[0]))
		if _, err := io.ReadFull(c.client, domain); err != nil {
			return target, newError(KindNetworkError, err, "failed to read domain: %v", err)
		}
		if !utf8.Valid(domain) {
			return target, errors.New("invalid domain name encoding")
		}
		target.Domain = string(domain)
	default:
		return target, c.fail(newError(KindUnsupportedAddressType, nil, "0x%02x", atype))
	}

	portBytes := make([]byte, 2)
	if _, err := io.ReadFull(c.client, portBytes); err != nil {
		return target, newError(KindNetworkError, err, "failed to read port: %v", err)
	}
	target.Port = binary.BigEndian.Uint16(portBytes)

	if atype == ATYPE_DOMAIN {
		if target.Domain == "" {
			return target, c.fail(newError(KindConnectionFailed, nil, "DNS resolution failed: empty domain name").
				withReply(REP_HOST_UNREACHABLE))
		}
		ip, err := c.server.config.Resolver.Resolve(ctx, target.Domain)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return target, c.fail(newError(KindTimeout, err, "DNS resolution timeout for %s", target.Domain))
			}
			return target, c.fail(newError(KindConnectionFailed, err, "DNS resolution failed for %s: %v", target.Domain, err).
				withReply(REP_HOST_UNREACHABLE))
		}
		target.IP = ip
		c.logger.Debug("Resolved %s to %s", target.Domain, ip)
	}

	return target, nil
}

// connect 在超时时间内连接目标
func (c *Connection) connect(ctx context.Context, target TargetAddress) (net.Conn, error) {
	dialer := net.Dialer{Timeout: c.server.config.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", target.DialAddress())
	if err != nil {
		return nil, c.fail(dialError(target, err))
	}
	return conn, nil
}

// dialError 将拨号错误映射为错误类型和回应码
func dialError(target TargetAddress, err error) *Error {
	var netErr net.Error
	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return newError(KindConnectionFailed, err, "Connection refused by %s", target).withReply(REP_CONNECTION_REFUSED)
	case errors.Is(err, syscall.ETIMEDOUT):
		return newError(KindConnectionFailed, err, "%v", err).withReply(REP_HOST_UNREACHABLE)
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		return newError(KindTimeout, err, "Connection timeout to %s", target)
	default:
		return newError(KindConnectionFailed, err, "%v", err)
	}
}

// fail 按错误类型发送失败回应后返回该错误
func (c *Connection) fail(e *Error) error {
	if rep, ok := e.ReplyCode(); ok {
		if err := c.sendReply(rep); err != nil {
			c.logger.Debug("Failed to send reply 0x%02x: %v", rep, err)
		}
	}
	return e
}

// sendReply 回应总是 10 字节：[VER, REP, RSV, ATYP=IPv4, 0.0.0.0, 0]
func (c *Connection) sendReply(rep byte) error {
	response := []byte{SOCKS5_VERSION, rep, 0x00, ATYPE_IPV4, 0, 0, 0, 0, 0, 0}
	_, err := c.client.Write(response)
	return err
}

func (c *Connection) setTarget(conn net.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.aborted.Load() {
		conn.Close()
		return false
	}
	c.target = conn
	return true
}

func (c *Connection) abort() {
	c.mu.Lock()
	c.aborted.Store(true)
	c.mu.Unlock()
	c.close()
}

func (c *Connection) close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.client.Close()
	if c.raw != c.client {
		c.raw.Close()
	}
	if c.target != nil {
		c.target.Close()
	}
}

func (c *Connection) clientInfo() string {
	if c.username != "" {
		return c.username + "@" + c.raw.RemoteAddr().String()
	}
	return c.raw.RemoteAddr().String()
}
