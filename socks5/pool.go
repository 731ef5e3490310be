package socks5

import (
	"sync"

	"go.uber.org/atomic"
)

// DefaultBufferSize 转发缓冲区大小
const DefaultBufferSize = 32 * 1024

// BufferPool 固定尺寸的转发缓冲区池
type BufferPool struct {
	pool sync.Pool
	size int

	gets   atomic.Uint64
	allocs atomic.Uint64
}

// NewBufferPool 创建缓冲区池
func NewBufferPool(size int) *BufferPool {
	if size <= 0 {
		size = DefaultBufferSize
	}
	p := &BufferPool{size: size}
	p.pool.New = func() interface{} {
		p.allocs.Inc()
		buf := make([]byte, size)
		return &buf
	}
	return p
}

// Get 获取缓冲区
func (p *BufferPool) Get() *[]byte {
	p.gets.Inc()
	return p.pool.Get().(*[]byte)
}

// Put 归还缓冲区，尺寸不符的直接丢弃
func (p *BufferPool) Put(buf *[]byte) {
	if buf == nil || cap(*buf) != p.size {
		return
	}
	*buf = (*buf)[:p.size]
	p.pool.Put(buf)
}

// Size 缓冲区尺寸
func (p *BufferPool) Size() int {
	return p.size
}

// Allocated 实际分配过的缓冲区数量
func (p *BufferPool) Allocated() uint64 {
	return p.allocs.Load()
}

// 全局缓冲区池
var bufferPool = NewBufferPool(DefaultBufferSize)
