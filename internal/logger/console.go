// Package logger provides leveled logging for foreman execution.
//
// Implementations are thread-safe. Components hold the Logger interface and
// tolerate a nil-behaving Nop logger, so logging never becomes a hard
// dependency of orchestration logic.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

// Logger is the leveled logging interface foreman components depend on.
type Logger interface {
	Tracef(format string, args ...any)
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// Log level constants for filtering.
const (
	levelTrace = iota
	levelDebug
	levelInfo
	levelWarn
	levelError
)

var levelNames = map[string]int{
	"trace": levelTrace,
	"debug": levelDebug,
	"info":  levelInfo,
	"warn":  levelWarn,
	"error": levelError,
}

// normalizeLevel converts a level string to its numeric value.
// Empty or unknown levels default to info.
func normalizeLevel(level string) int {
	if n, ok := levelNames[strings.ToLower(strings.TrimSpace(level))]; ok {
		return n
	}
	return levelInfo
}

// Console logs to a writer with [HH:MM:SS] timestamps and level tags.
// Color output is enabled automatically when writing to a TTY; NO_COLOR is
// respected via the color library.
type Console struct {
	mu       sync.Mutex
	writer   io.Writer
	minLevel int
	colored  bool
}

// NewConsole creates a Console logger writing to w at the given level.
// If w is nil, messages are discarded.
func NewConsole(w io.Writer, level string) *Console {
	return &Console{
		writer:   w,
		minLevel: normalizeLevel(level),
		colored:  isTTY(w),
	}
}

func isTTY(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	if color.NoColor {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

var levelColors = map[int]*color.Color{
	levelTrace: color.New(color.FgHiBlack),
	levelDebug: color.New(color.FgCyan),
	levelInfo:  color.New(color.FgGreen),
	levelWarn:  color.New(color.FgYellow),
	levelError: color.New(color.FgRed, color.Bold),
}

var levelTags = map[int]string{
	levelTrace: "TRACE",
	levelDebug: "DEBUG",
	levelInfo:  "INFO",
	levelWarn:  "WARN",
	levelError: "ERROR",
}

func (c *Console) log(level int, format string, args ...any) {
	if c == nil || c.writer == nil || level < c.minLevel {
		return
	}

	tag := levelTags[level]
	if c.colored {
		tag = levelColors[level].Sprint(tag)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.writer, "[%s] %-5s %s\n",
		time.Now().Format("15:04:05"), tag, fmt.Sprintf(format, args...))
}

// Tracef implements Logger.
func (c *Console) Tracef(format string, args ...any) { c.log(levelTrace, format, args...) }

// Debugf implements Logger.
func (c *Console) Debugf(format string, args ...any) { c.log(levelDebug, format, args...) }

// Infof implements Logger.
func (c *Console) Infof(format string, args ...any) { c.log(levelInfo, format, args...) }

// Warnf implements Logger.
func (c *Console) Warnf(format string, args ...any) { c.log(levelWarn, format, args...) }

// Errorf implements Logger.
func (c *Console) Errorf(format string, args ...any) { c.log(levelError, format, args...) }

// Nop discards all messages.
type Nop struct{}

func (Nop) Tracef(string, ...any) {}
func (Nop) Debugf(string, ...any) {}
func (Nop) Infof(string, ...any)  {}
func (Nop) Warnf(string, ...any)  {}
func (Nop) Errorf(string, ...any) {}

// OrNop returns l, or a Nop logger when l is nil.
func OrNop(l Logger) Logger {
	if l == nil {
		return Nop{}
	}
	return l
}
