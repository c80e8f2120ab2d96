package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// File logs to a timestamped per-run log file under a log directory and
// maintains a latest.log symlink pointing to the most recent run.
type File struct {
	mu       sync.Mutex
	file     *os.File
	path     string
	minLevel int
}

// NewFile creates a File logger under logDir, opening a run-YYYYMMDD-HHMMSS.log
// file and updating the latest.log symlink.
func NewFile(logDir, level string) (*File, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	name := fmt.Sprintf("run-%s.log", time.Now().Format("20060102-150405"))
	path := filepath.Join(logDir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", path, err)
	}

	// Best-effort symlink; some filesystems don't support them.
	latest := filepath.Join(logDir, "latest.log")
	_ = os.Remove(latest)
	_ = os.Symlink(name, latest)

	return &File{file: f, path: path, minLevel: normalizeLevel(level)}, nil
}

// Path returns the log file path.
func (f *File) Path() string { return f.path }

// Close closes the underlying file.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.file.Close()
}

func (f *File) log(level int, format string, args ...any) {
	if f == nil || level < f.minLevel {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	fmt.Fprintf(f.file, "[%s] %-5s %s\n",
		time.Now().Format("2006-01-02 15:04:05"), levelTags[level], fmt.Sprintf(format, args...))
}

// Tracef implements Logger.
func (f *File) Tracef(format string, args ...any) { f.log(levelTrace, format, args...) }

// Debugf implements Logger.
func (f *File) Debugf(format string, args ...any) { f.log(levelDebug, format, args...) }

// Infof implements Logger.
func (f *File) Infof(format string, args ...any) { f.log(levelInfo, format, args...) }

// Warnf implements Logger.
func (f *File) Warnf(format string, args ...any) { f.log(levelWarn, format, args...) }

// Errorf implements Logger.
func (f *File) Errorf(format string, args ...any) { f.log(levelError, format, args...) }

// Multi forwards each message to every underlying logger.
type Multi []Logger

func (m Multi) Tracef(format string, args ...any) { m.each(func(l Logger) { l.Tracef(format, args...) }) }
func (m Multi) Debugf(format string, args ...any) { m.each(func(l Logger) { l.Debugf(format, args...) }) }
func (m Multi) Infof(format string, args ...any)  { m.each(func(l Logger) { l.Infof(format, args...) }) }
func (m Multi) Warnf(format string, args ...any)  { m.each(func(l Logger) { l.Warnf(format, args...) }) }
func (m Multi) Errorf(format string, args ...any) { m.each(func(l Logger) { l.Errorf(format, args...) }) }

func (m Multi) each(fn func(Logger)) {
	for _, l := range m {
		if l != nil {
			fn(l)
		}
	}
}
