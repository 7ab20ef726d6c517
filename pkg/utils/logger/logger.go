package logger

import (
	"io"
	"os"
	"sync"
	"time"

	rotatelogs "github.com/lestrrat-go/file-rotatelogs"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Level 日志级别
type Level = zapcore.Level

const (
	DebugLevel = zapcore.DebugLevel
	InfoLevel  = zapcore.InfoLevel
	WarnLevel  = zapcore.WarnLevel
	ErrorLevel = zapcore.ErrorLevel
	FatalLevel = zapcore.FatalLevel
)

// Logger 对zap的简单封装，提供printf风格的接口
type Logger struct {
	l     *zap.Logger
	sugar *zap.SugaredLogger
	level zap.AtomicLevel
}

var (
	std   = New(os.Stderr, InfoLevel)
	stdMu sync.RWMutex
)

// New 创建日志实例
// 参数：
//   - out：日志输出目标（nil时输出到标准错误）
//   - level：初始日志级别
//   - opts：附加的zap选项
func New(out io.Writer, level Level, opts ...zap.Option) *Logger {
	if out == nil {
		out = os.Stderr
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05.000")
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder

	al := zap.NewAtomicLevelAt(level)
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.AddSync(out), al)

	opts = append([]zap.Option{zap.AddCaller(), zap.AddCallerSkip(1)}, opts...)
	l := zap.New(core, opts...)
	return &Logger{l: l, sugar: l.Sugar(), level: al}
}

// NewProductionRotateByTime 按天切割的日志文件，保留7天
func NewProductionRotateByTime(filename string) io.Writer {
	w, err := rotatelogs.New(
		filename+".%Y%m%d",
		rotatelogs.WithLinkName(filename),
		rotatelogs.WithMaxAge(7*24*time.Hour),
		rotatelogs.WithRotationTime(24*time.Hour),
	)
	if err != nil {
		Errorf("[LOGGER] 创建按时间切割的日志失败: %v", err)
		return os.Stderr
	}
	return w
}

// NewProductionRotateBySize 按大小切割的日志文件（单个文件100MB，保留5个）
func NewProductionRotateBySize(filename string) io.Writer {
	return &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    100,
		MaxBackups: 5,
		MaxAge:     30,
		Compress:   true,
	}
}

// ReplaceDefault 替换包级默认日志实例
func ReplaceDefault(l *Logger) {
	if l == nil {
		return
	}
	stdMu.Lock()
	std = l
	stdMu.Unlock()
}

// Default 返回当前默认日志实例
func Default() *Logger {
	stdMu.RLock()
	defer stdMu.RUnlock()
	return std
}

// SetLevel 动态调整默认日志实例的级别
func SetLevel(level Level) { Default().SetLevel(level) }

// ParseLevel 解析配置中的级别字符串，无法识别时返回InfoLevel
func ParseLevel(s string) Level {
	switch s {
	case "debug":
		return DebugLevel
	case "warn":
		return WarnLevel
	case "error":
		return ErrorLevel
	default:
		return InfoLevel
	}
}

// Sync 刷新缓冲的日志
func Sync() error { return Default().Sync() }

func (l *Logger) SetLevel(level Level) { l.level.SetLevel(level) }
func (l *Logger) Level() Level         { return l.level.Level() }
func (l *Logger) Sync() error          { return l.l.Sync() }

func (l *Logger) Debug(args ...interface{})                 { l.sugar.Debug(args...) }
func (l *Logger) Debugf(format string, args ...interface{}) { l.sugar.Debugf(format, args...) }
func (l *Logger) Info(args ...interface{})                  { l.sugar.Info(args...) }
func (l *Logger) Infof(format string, args ...interface{})  { l.sugar.Infof(format, args...) }
func (l *Logger) Warn(args ...interface{})                  { l.sugar.Warn(args...) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.sugar.Warnf(format, args...) }
func (l *Logger) Error(args ...interface{})                 { l.sugar.Error(args...) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.sugar.Errorf(format, args...) }
func (l *Logger) Fatal(args ...interface{})                 { l.sugar.Fatal(args...) }
func (l *Logger) Fatalf(format string, args ...interface{}) { l.sugar.Fatalf(format, args...) }

func Debug(args ...interface{})                 { Default().sugar.Debug(args...) }
func Debugf(format string, args ...interface{}) { Default().sugar.Debugf(format, args...) }
func Info(args ...interface{})                  { Default().sugar.Info(args...) }
func Infof(format string, args ...interface{})  { Default().sugar.Infof(format, args...) }
func Warn(args ...interface{})                  { Default().sugar.Warn(args...) }
func Warnf(format string, args ...interface{})  { Default().sugar.Warnf(format, args...) }
func Error(args ...interface{})                 { Default().sugar.Error(args...) }
func Errorf(format string, args ...interface{}) { Default().sugar.Errorf(format, args...) }
func Fatal(args ...interface{})                 { Default().sugar.Fatal(args...) }
func Fatalf(format string, args ...interface{}) { Default().sugar.Fatalf(format, args...) }
