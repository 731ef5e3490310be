package socks5

import (
	"io"
)

// TrafficWriter 带流量统计的Writer包装器
type TrafficWriter struct {
	writer io.Writer
	record func(n int64)
}

// NewTrafficWriter 创建流量统计Writer，record 在每次成功写入后调用
func NewTrafficWriter(writer io.Writer, record func(n int64)) *TrafficWriter {
	return &TrafficWriter{
		writer: writer,
		record: record,
	}
}

// Write 实现io.Writer接口，并统计流量
func (tw *TrafficWriter) Write(p []byte) (n int, err error) {
	n, err = tw.writer.Write(p)
	if n > 0 && tw.record != nil {
		tw.record(int64(n))
	}
	return n, err
}
