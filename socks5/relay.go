package socks5

import (
	"io"
	"net"

	"github.com/pkg/errors"
)

// closeWriter 支持半关闭的连接（*net.TCPConn、*tls.Conn）
type closeWriter interface {
	CloseWrite() error
}

// relay 双向转发，直到两个方向都结束
// halfClose 为 true 时一个方向读到 EOF 只关闭对端写方向，另一方向继续；
// 为 false 时任一方向结束即关闭两端。任何 I/O 错误都会立即关闭两端。
func relay(client, target net.Conn, halfClose bool, stats *Stats) error {
	upload := NewTrafficWriter(target, stats.AddUpload)
	download := NewTrafficWriter(client, stats.AddDownload)

	errc := make(chan error, 2)
	go func() {
		errc <- pipe(upload, client, target, halfClose)
	}()
	go func() {
		errc <- pipe(download, target, client, halfClose)
	}()

	var first error
	closed := false
	for i := 0; i < 2; i++ {
		err := <-errc
		if closed {
			// 两端已被关闭，另一方向的错误是关闭造成的
			continue
		}
		if err != nil {
			first = err
		}
		if err != nil || !halfClose {
			client.Close()
			target.Close()
			closed = true
		}
	}

	if first != nil {
		return newError(KindNetworkError, first, "%v", first)
	}
	return nil
}

// pipe 从 src 读取写入 dst，src 正常结束时返回 nil
func pipe(dst io.Writer, src io.Reader, dstConn net.Conn, halfClose bool) error {
	buf := bufferPool.Get()
	defer bufferPool.Put(buf)
	b := *buf

	for {
		n, rerr := src.Read(b)
		if n > 0 {
			if _, werr := dst.Write(b[:n]); werr != nil {
				return werr
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				if halfClose {
					if cw, ok := dstConn.(closeWriter); ok {
						cw.CloseWrite()
					}
				}
				return nil
			}
			return rerr
		}
	}
}
