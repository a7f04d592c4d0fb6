package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

var (
	// Logger 调试和警告日志
	Logger *logrus.Logger
	// InfoLogger 信息日志
	InfoLogger *logrus.Logger
	// ErrorLogger 错误日志
	ErrorLogger *logrus.Logger
)

// LogConfig 日志配置
type LogConfig struct {
	ErrorLogPath string
	InfoLogPath  string
	LogLevel     string
}

// CustomFormatter 单行格式：时间、级别、调用者、消息，字段按键名排序附在末尾
type CustomFormatter struct {
	TimestampFormat string
}

// Format 实现 logrus.Formatter 接口
func (f *CustomFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	layout := f.TimestampFormat
	if layout == "" {
		layout = "15:04:05 MST 2006/01/02"
	}
	level := strings.ToUpper(entry.Level.String())
	if len(level) > 4 {
		level = level[:4]
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[%s] [%s] (%s) %s", entry.Time.Format(layout), level, getCaller(), entry.Message)
	if len(entry.Data) > 0 {
		keys := make([]string, 0, len(entry.Data))
		for k := range entry.Data {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%v", k, entry.Data[k])
		}
	}
	b.WriteByte('\n')
	return []byte(b.String()), nil
}

// getCaller 跳过日志框架自身的栈帧
func getCaller() string {
	for i := 2; i < 20; i++ {
		pc, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}
		if strings.Contains(file, "sirupsen") ||
			strings.Contains(file, "/logrus/") ||
			strings.HasSuffix(file, "/logger/logger.go") {
			continue
		}
		return fmt.Sprintf("%s:%s:%d", filepath.Base(file), runtime.FuncForPC(pc).Name(), line)
	}
	return "unknown:unknown:0"
}

// parseLogLevel 解析日志级别，无法识别时为 info
func parseLogLevel(level string) logrus.Level {
	lv, err := logrus.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		return logrus.InfoLevel
	}
	return lv
}

// InitLogger 初始化日志。文件无法打开时退回标准输出。
func InitLogger(config LogConfig) error {
	formatter := &CustomFormatter{TimestampFormat: "15:04:05 MST 2006/01/02"}
	level := parseLogLevel(config.LogLevel)

	newLogger := func() *logrus.Logger {
		l := logrus.New()
		l.SetFormatter(formatter)
		l.SetLevel(level)
		return l
	}
	Logger = newLogger()
	InfoLogger = newLogger()
	ErrorLogger = newLogger()

	InfoLogger.SetOutput(outputFor(InfoLogger, config.InfoLogPath, os.Stdout))
	ErrorLogger.SetOutput(outputFor(ErrorLogger, config.ErrorLogPath, os.Stderr))
	Logger.SetOutput(InfoLogger.Out)
	return nil
}

func outputFor(l *logrus.Logger, logPath string, std io.Writer) io.Writer {
	if logPath == "" {
		return std
	}
	f, err := openLogFile(logPath)
	if err != nil {
		l.SetOutput(std)
		l.Warnf("Failed to open log file %s, fallback to std stream: %v", logPath, err)
		return std
	}
	return io.MultiWriter(std, f)
}

// openLogFile 打开日志文件，目录不存在时创建
func openLogFile(logPath string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, err
	}
	return os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
}

// SetOutput 所有日志器输出到 w
func SetOutput(w io.Writer) {
	for _, l := range []*logrus.Logger{Logger, InfoLogger, ErrorLogger} {
		if l != nil {
			l.SetOutput(w)
		}
	}
}

// WithFields 带字段的调试/警告日志条目，未初始化时丢弃
func WithFields(fields logrus.Fields) *logrus.Entry {
	if Logger == nil {
		discard := logrus.New()
		discard.SetOutput(io.Discard)
		return logrus.NewEntry(discard).WithFields(fields)
	}
	return Logger.WithFields(fields)
}

// Infof 记录格式化信息日志
func Infof(format string, args ...interface{}) {
	if InfoLogger != nil {
		InfoLogger.Infof(format, args...)
	}
}

// Debugf 记录格式化调试日志
func Debugf(format string, args ...interface{}) {
	if Logger != nil {
		Logger.Debugf(format, args...)
	}
}

// Warnf 记录格式化警告日志
func Warnf(format string, args ...interface{}) {
	if Logger != nil {
		Logger.Warnf(format, args...)
	}
}

// Errorf 记录格式化错误日志
func Errorf(format string, args ...interface{}) {
	if ErrorLogger != nil {
		ErrorLogger.Errorf(format, args...)
	}
}

// Fatalf 记录致命错误并退出
func Fatalf(format string, args ...interface{}) {
	if ErrorLogger != nil {
		ErrorLogger.Fatalf(format, args...)
	}
	os.Exit(1)
}
