package socks5

import (
	"fmt"
)

// ErrorKind 连接处理错误的分类
type ErrorKind int

const (
	KindInvalidVersion ErrorKind = iota + 1
	KindAuthenticationRequired
	KindAuthenticationFailed
	KindUnsupportedCommand
	KindUnsupportedAddressType
	KindConnectionFailed
	KindNetworkError
	KindTimeout
	KindConfigError
)

var kindNames = map[ErrorKind]string{
	KindInvalidVersion:         "invalid_version",
	KindAuthenticationRequired: "authentication_required",
	KindAuthenticationFailed:   "authentication_failed",
	KindUnsupportedCommand:     "unsupported_command",
	KindUnsupportedAddressType: "unsupported_address_type",
	KindConnectionFailed:       "connection_failed",
	KindNetworkError:           "network_error",
	KindTimeout:                "timeout",
	KindConfigError:            "config_error",
}

var kindMessages = map[ErrorKind]string{
	KindInvalidVersion:         "Invalid SOCKS version",
	KindAuthenticationRequired: "Authentication required",
	KindAuthenticationFailed:   "Authentication failed",
	KindUnsupportedCommand:     "Unsupported command",
	KindUnsupportedAddressType: "Unsupported address type",
	KindConnectionFailed:       "Connection failed",
	KindNetworkError:           "Network error",
	KindTimeout:                "Timeout",
	KindConfigError:            "Configuration error",
}

// replyCodes 错误类型对应的默认回应码，没有条目的类型不发送回应
var replyCodes = map[ErrorKind]byte{
	KindUnsupportedCommand:     REP_COMMAND_NOT_SUPPORTED,
	KindUnsupportedAddressType: REP_ADDRESS_TYPE_NOT_SUPPORTED,
	KindConnectionFailed:       REP_GENERAL_FAILURE,
	KindNetworkError:           REP_GENERAL_FAILURE,
	KindTimeout:                REP_HOST_UNREACHABLE,
}

func (k ErrorKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Error 代理错误，Kind 用于分类和 errors.Is 匹配
type Error struct {
	Kind   ErrorKind
	Detail string
	reply  byte
	cause  error
}

// 用于 errors.Is 匹配的哨兵错误
var (
	ErrInvalidVersion         = &Error{Kind: KindInvalidVersion}
	ErrAuthenticationRequired = &Error{Kind: KindAuthenticationRequired}
	ErrAuthenticationFailed   = &Error{Kind: KindAuthenticationFailed}
	ErrUnsupportedCommand     = &Error{Kind: KindUnsupportedCommand}
	ErrUnsupportedAddressType = &Error{Kind: KindUnsupportedAddressType}
	ErrConnectionFailed       = &Error{Kind: KindConnectionFailed}
	ErrNetwork                = &Error{Kind: KindNetworkError}
	ErrTimeout                = &Error{Kind: KindTimeout}
	ErrConfig                 = &Error{Kind: KindConfigError}
)

func newError(kind ErrorKind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...), cause: cause}
}

// withReply 覆盖默认回应码
func (e *Error) withReply(rep byte) *Error {
	e.reply = rep
	return e
}

func (e *Error) Error() string {
	msg := kindMessages[e.Kind]
	if msg == "" {
		msg = "Unknown error"
	}
	if e.Detail != "" {
		return msg + ": " + e.Detail
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Is 按 Kind 匹配
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// ReplyCode 返回发送给客户端的回应码，ok 为 false 表示不回应
func (e *Error) ReplyCode() (byte, bool) {
	if e.reply != 0 {
		return e.reply, true
	}
	rep, ok := replyCodes[e.Kind]
	return rep, ok
}

// ConfigError 启动配置错误
func ConfigError(format string, args ...interface{}) error {
	return newError(KindConfigError, nil, format, args...)
}
