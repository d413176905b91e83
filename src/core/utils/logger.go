package utils

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Logger 日志器，封装zerolog提供printf风格接口
type Logger struct {
	zl   zerolog.Logger
	file *os.File
}

var (
	defaultLogger *Logger
	defaultOnce   sync.Once
)

// LoggerOptions 日志初始化选项
type LoggerOptions struct {
	Level   string // debug/info/warn/error
	Dir     string // 为空则仅输出到控制台
	File    string
	Console bool
}

// NewLogger 创建日志器；Dir非空时同时写入文件
func NewLogger(opts LoggerOptions) (*Logger, error) {
	level := parseLevel(opts.Level)

	var writers []io.Writer
	if opts.Console || opts.Dir == "" {
		writers = append(writers, zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "2006-01-02 15:04:05.000",
		})
	}

	var file *os.File
	if opts.Dir != "" {
		if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("创建日志目录失败: %v", err)
		}
		name := opts.File
		if name == "" {
			name = "gateway.log"
		}
		f, err := os.OpenFile(filepath.Join(opts.Dir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("打开日志文件失败: %v", err)
		}
		file = f
		writers = append(writers, f)
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(level).
		With().Timestamp().Logger()

	return &Logger{zl: zl, file: file}, nil
}

func parseLevel(s string) zerolog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// SetDefault 设置全局默认日志器
func SetDefault(l *Logger) {
	defaultLogger = l
}

// Default 返回全局默认日志器（未初始化时退化为控制台输出）
func Default() *Logger {
	defaultOnce.Do(func() {
		if defaultLogger == nil {
			defaultLogger, _ = NewLogger(LoggerOptions{Level: "info", Console: true})
		}
	})
	return defaultLogger
}

// Debug 输出调试日志
func (l *Logger) Debug(format string, args ...interface{}) {
	l.zl.Debug().Msgf(format, args...)
}

// Info 输出信息日志
func (l *Logger) Info(format string, args ...interface{}) {
	l.zl.Info().Msgf(format, args...)
}

// Warn 输出警告日志
func (l *Logger) Warn(format string, args ...interface{}) {
	l.zl.Warn().Msgf(format, args...)
}

// Error 输出错误日志
func (l *Logger) Error(format string, args ...interface{}) {
	l.zl.Error().Msgf(format, args...)
}

// Close 关闭日志文件
func (l *Logger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// Debug 使用默认日志器输出调试日志
func Debug(format string, args ...interface{}) { Default().Debug(format, args...) }

// Info 使用默认日志器输出信息日志
func Info(format string, args ...interface{}) { Default().Info(format, args...) }

// Warn 使用默认日志器输出警告日志
func Warn(format string, args ...interface{}) { Default().Warn(format, args...) }

// Error 使用默认日志器输出错误日志
func Error(format string, args ...interface{}) { Default().Error(format, args...) }
