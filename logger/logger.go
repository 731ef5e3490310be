package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// 日志级别名称，trace 与 debug 同级
const (
	LevelTrace = "trace"
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

const timeLayout = "2006-01-02 15:04:05"

// Config 日志配置
type Config struct {
	Level        string `json:"level" toml:"level"`                 // error, warn, info, debug, trace
	OutputFile   string `json:"log_file" toml:"log_file"`           // 日志文件路径，为空则只输出到控制台
	Prefix       string `json:"prefix" toml:"prefix"`               // 日志前缀
	EnableColors bool   `json:"enable_colors" toml:"enable_colors"` // 是否启用颜色（仅控制台输出）
	MaxSize      int    `json:"max_size" toml:"max_size"`           // 日志文件最大大小(MB)
	MaxBackups   int    `json:"max_backups" toml:"max_backups"`     // 保留的旧日志文件数量
	MaxAge       int    `json:"max_age" toml:"max_age"`             // 日志文件保存天数
	Compress     bool   `json:"compress" toml:"compress"`           // 是否压缩旧日志文件
}

// DefaultConfig 返回默认日志配置
func DefaultConfig() Config {
	return Config{
		Level:        LevelInfo,
		EnableColors: true,
		MaxSize:      100,
		MaxBackups:   5,
		MaxAge:       30,
	}
}

// Logger 基于 zap 的格式化日志器
type Logger struct {
	sugar *zap.SugaredLogger
	level zap.AtomicLevel
	file  io.Closer
}

var defaultLogger = NewLoggerWithOutput(os.Stdout, LevelInfo)

// ParseLevel 解析日志级别名称
func ParseLevel(name string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case LevelTrace, LevelDebug:
		return zapcore.DebugLevel, nil
	case LevelInfo, "":
		return zapcore.InfoLevel, nil
	case LevelWarn, "warning":
		return zapcore.WarnLevel, nil
	case LevelError:
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("unknown log level: %q", name)
	}
}

func encoderConfig(color bool) zapcore.EncoderConfig {
	cfg := zapcore.EncoderConfig{
		TimeKey:          "time",
		LevelKey:         "level",
		NameKey:          "logger",
		MessageKey:       "msg",
		LineEnding:       zapcore.DefaultLineEnding,
		EncodeLevel:      zapcore.CapitalLevelEncoder,
		EncodeTime:       zapcore.TimeEncoderOfLayout(timeLayout),
		EncodeDuration:   zapcore.StringDurationEncoder,
		EncodeName:       zapcore.FullNameEncoder,
		ConsoleSeparator: " ",
	}
	if color {
		cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	return cfg
}

// New 根据配置创建日志器：控制台总是输出，指定文件时同时写入滚动日志文件
func New(config Config) (*Logger, error) {
	lvl, err := ParseLevel(config.Level)
	if err != nil {
		return nil, err
	}
	atom := zap.NewAtomicLevelAt(lvl)

	color := config.EnableColors && isTerminal(os.Stdout) && supportsColor()
	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig(color)), zapcore.Lock(os.Stdout), atom),
	}

	var closer io.Closer
	if config.OutputFile != "" {
		if dir := filepath.Dir(config.OutputFile); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create log directory: %v", err)
			}
		}
		rotator := &lumberjack.Logger{
			Filename:   config.OutputFile,
			MaxSize:    config.MaxSize,
			MaxBackups: config.MaxBackups,
			MaxAge:     config.MaxAge,
			Compress:   config.Compress,
		}
		closer = rotator
		cores = append(cores, zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig(false)), zapcore.AddSync(rotator), atom))
	}

	l := &Logger{
		sugar: zap.New(zapcore.NewTee(cores...)).Sugar(),
		level: atom,
		file:  closer,
	}
	if config.Prefix != "" {
		l = l.Named(config.Prefix)
	}
	return l, nil
}

// NewLoggerWithOutput 创建写入指定输出的日志器，测试中常用
func NewLoggerWithOutput(output io.Writer, level string) *Logger {
	lvl, _ := ParseLevel(level)
	atom := zap.NewAtomicLevelAt(lvl)
	color := false
	if f, ok := output.(*os.File); ok {
		color = isTerminal(f) && supportsColor()
	}
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig(color)), zapcore.AddSync(output), atom)
	return &Logger{
		sugar: zap.New(core).Sugar(),
		level: atom,
	}
}

// NewNop 返回丢弃所有输出的日志器
func NewNop() *Logger {
	return &Logger{sugar: zap.NewNop().Sugar(), level: zap.NewAtomicLevel()}
}

func (l *Logger) Debug(format string, args ...interface{}) {
	l.sugar.Debugf(format, args...)
}

func (l *Logger) Info(format string, args ...interface{}) {
	l.sugar.Infof(format, args...)
}

func (l *Logger) Warn(format string, args ...interface{}) {
	l.sugar.Warnf(format, args...)
}

func (l *Logger) Error(format string, args ...interface{}) {
	l.sugar.Errorf(format, args...)
}

// Fatal 记录错误并退出进程
func (l *Logger) Fatal(format string, args ...interface{}) {
	l.sugar.Errorf(format, args...)
	l.Sync()
	os.Exit(1)
}

// Enabled 判断级别是否会输出
func (l *Logger) Enabled(level string) bool {
	lvl, err := ParseLevel(level)
	if err != nil {
		return false
	}
	return l.level.Enabled(lvl)
}

// WithField 返回带一个字段的子日志器
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{sugar: l.sugar.With(key, value), level: l.level, file: l.file}
}

// WithFields 返回带多个字段的子日志器
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	args := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return &Logger{sugar: l.sugar.With(args...), level: l.level, file: l.file}
}

// Named 返回带模块名的子日志器，输出形如 "[SOCKS5]"
func (l *Logger) Named(name string) *Logger {
	return &Logger{sugar: l.sugar.Named("[" + name + "]"), level: l.level, file: l.file}
}

// SetLevel 动态修改日志级别，未知名称保持原级别
func (l *Logger) SetLevel(level string) {
	lvl, err := ParseLevel(level)
	if err != nil {
		l.Warn("%v, keeping %s", err, l.level.Level())
		return
	}
	l.level.SetLevel(lvl)
}

// Sync 刷新缓冲
func (l *Logger) Sync() {
	_ = l.sugar.Sync()
}

// Close 刷新并关闭日志文件
func (l *Logger) Close() error {
	l.Sync()
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// isTerminal checks if the file is a terminal
func isTerminal(f *os.File) bool {
	if os.Getenv("TERMUX_VERSION") != "" {
		return true
	}
	stat, err := f.Stat()
	if err != nil {
		return false
	}
	return (stat.Mode() & os.ModeCharDevice) != 0
}

// supportsColor checks if the terminal supports colors
func supportsColor() bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	term := strings.ToLower(os.Getenv("TERM"))
	if term == "" || term == "dumb" {
		return false
	}
	for _, ct := range []string{"xterm", "screen", "tmux", "rxvt", "vt100", "ansi", "cygwin", "linux", "konsole"} {
		if strings.Contains(term, ct) {
			return true
		}
	}
	return false
}

// Default 返回全局默认日志器
func Default() *Logger {
	return defaultLogger
}

// SetDefault 替换全局默认日志器
func SetDefault(l *Logger) {
	if l != nil {
		defaultLogger = l
	}
}

// Global functions for backward compatibility
func SetLevel(level string) {
	defaultLogger.SetLevel(level)
}

func Debug(format string, args ...interface{}) {
	defaultLogger.Debug(format, args...)
}

func Info(format string, args ...interface{}) {
	defaultLogger.Info(format, args...)
}

func Warn(format string, args ...interface{}) {
	defaultLogger.Warn(format, args...)
}

func Error(format string, args ...interface{}) {
	defaultLogger.Error(format, args...)
}

func Fatal(format string, args ...interface{}) {
	defaultLogger.Fatal(format, args...)
}

// WithPrefix 创建带有前缀的日志器
func WithPrefix(prefix string) *Logger {
	return defaultLogger.Named(prefix)
}
