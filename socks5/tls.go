package socks5

import (
	"context"
	"crypto/tls"
	"net"
	"time"
)

// LoadTLSConfig 加载证书和私钥，失败为启动错误
func LoadTLSConfig(certFile, keyFile string) (*tls.Config, error) {
	if certFile == "" || keyFile == "" {
		return nil, ConfigError("TLS enabled but certificate or key path not provided")
	}
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, ConfigError("failed to load TLS certificate: %v", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// serverHandshake 在 timeout 内完成 TLS 握手
func serverHandshake(ctx context.Context, conn net.Conn, config *tls.Config, timeout time.Duration) (*tls.Conn, error) {
	tlsConn := tls.Server(conn, config)

	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := tlsConn.HandshakeContext(hctx); err != nil {
		if hctx.Err() == context.DeadlineExceeded {
			return nil, newError(KindTimeout, err, "TLS handshake timeout")
		}
		return nil, newError(KindNetworkError, err, "TLS handshake failed: %v", err)
	}
	return tlsConn, nil
}
