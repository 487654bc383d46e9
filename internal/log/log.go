// Package log provides leveled terminal output for the rollout orchestrator.
// Messages go through a zap console core with bracketed, coloured level tags;
// Section banners are rendered with lipgloss.
package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// SuccessLevel sits outside zap's built-in range so it can carry its own tag.
// Enablers in this package always let it through.
const SuccessLevel = zapcore.Level(-3)

// ANSI escape codes for level tags.
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[0;31m"
	colorGreen  = "\033[0;32m"
	colorYellow = "\033[1;33m"
	colorWhite  = "\033[1;37m"
)

// sectionLine is the unicode box-draw separator used by Section.
const sectionLine = "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━"

var sectionStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("6")).Bold(true)

// OsExit is the function called by Fatal to terminate the process.
// It is a package-level variable so tests can replace it without subprocess overhead.
var OsExit = os.Exit

var (
	mu     sync.RWMutex
	logger = New(os.Stdout)
	out    io.Writer = os.Stdout
)

// New builds the console logger used by the package-level functions.
func New(w io.Writer) *zap.Logger {
	encCfg := zapcore.EncoderConfig{
		MessageKey:       "msg",
		LevelKey:         "level",
		NameKey:          "logger",
		EncodeLevel:      encodeLevel,
		EncodeDuration:   zapcore.StringDurationEncoder,
		ConsoleSeparator: " ",
	}
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.AddSync(w), enabled)
	return zap.New(core)
}

var enabled = zap.LevelEnablerFunc(func(l zapcore.Level) bool {
	return l == SuccessLevel || l >= zapcore.InfoLevel
})

func encodeLevel(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	switch l {
	case SuccessLevel:
		enc.AppendString(colorGreen + "[SUCCESS]" + colorReset)
	case zapcore.WarnLevel:
		enc.AppendString(colorYellow + "[WARNING]" + colorReset)
	case zapcore.ErrorLevel, zapcore.DPanicLevel, zapcore.PanicLevel, zapcore.FatalLevel:
		enc.AppendString(colorRed + "[ERROR]" + colorReset)
	default:
		enc.AppendString(colorWhite + "[" + l.CapitalString() + "]" + colorReset)
	}
}

// SetLogger replaces the logger behind the package-level functions and
// returns a func that restores the previous one.
func SetLogger(l *zap.Logger) (restore func()) {
	mu.Lock()
	prev := logger
	logger = l
	mu.Unlock()
	return func() {
		mu.Lock()
		logger = prev
		mu.Unlock()
	}
}

// SetOutput points both the logger and Section banners at w. A nil writer
// restores stdout.
func SetOutput(w io.Writer) {
	if w == nil {
		w = os.Stdout
	}
	mu.Lock()
	logger = New(w)
	out = w
	mu.Unlock()
}

// L returns the current logger, for callers that want child loggers.
func L() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// Sync flushes buffered entries. Errors from syncing a terminal are ignored.
func Sync() {
	_ = L().Sync()
}

// Info logs an [INFO] message.
func Info(msg string, fields ...zap.Field) {
	L().Info(msg, fields...)
}

// Success logs a green [SUCCESS] message.
func Success(msg string, fields ...zap.Field) {
	L().Log(SuccessLevel, msg, fields...)
}

// Warning logs a yellow [WARNING] message.
func Warning(msg string, fields ...zap.Field) {
	L().Warn(msg, fields...)
}

// Error logs a red [ERROR] message.
func Error(msg string, fields ...zap.Field) {
	L().Error(msg, fields...)
}

// Fatal logs an [ERROR] message then exits with status 1.
func Fatal(msg string, fields ...zap.Field) {
	Error(msg, fields...)
	Sync()
	OsExit(1)
}

// Section prints a box-draw separator with a title.
func Section(title string) {
	mu.RLock()
	w := out
	mu.RUnlock()
	line := sectionStyle.Render(sectionLine)
	var b strings.Builder
	fmt.Fprintf(&b, "\n%s\n%s\n%s\n\n", line, sectionStyle.Render(title), line)
	_, _ = io.WriteString(w, b.String())
}
