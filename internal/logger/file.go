package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// logFileBase is the prefix shared by all daemon log files. A dated suffix
// is appended per day: engine.log.2026-08-25.
const logFileBase = "engine.log"

// FileLogger writes leveled, timestamped lines to daily-rolling files under
// a log directory. The active file is engine.log.YYYY-MM-DD; the date is
// re-checked on every write so a long-lived daemon rolls over at midnight
// without external coordination. It is thread-safe.
type FileLogger struct {
	logDir   string
	logLevel string
	file     *os.File
	day      string
	mu       sync.Mutex
}

// NewFileLogger creates a FileLogger writing into logDir, creating the
// directory if needed and opening today's file immediately so permission
// problems surface at startup rather than on first write.
func NewFileLogger(logDir, logLevel string) (*FileLogger, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	fl := &FileLogger{
		logDir:   logDir,
		logLevel: normalizeLevel(logLevel),
	}
	if err := fl.rollLocked(time.Now()); err != nil {
		return nil, err
	}
	return fl, nil
}

// rollLocked opens the file for the given day, closing the previous one.
// Callers must hold mu (or be the constructor).
func (fl *FileLogger) rollLocked(now time.Time) error {
	day := now.Format("2006-01-02")
	if fl.file != nil && day == fl.day {
		return nil
	}

	path := filepath.Join(fl.logDir, logFileBase+"."+day)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}

	if fl.file != nil {
		fl.file.Sync()
		fl.file.Close()
	}
	fl.file = f
	fl.day = day
	return nil
}

func (fl *FileLogger) shouldLog(messageLevel string) bool {
	return levelToInt(messageLevel) >= levelToInt(fl.logLevel)
}

// Debugf logs a debug-level message.
func (fl *FileLogger) Debugf(format string, args ...interface{}) {
	fl.log("debug", "DEBUG", format, args...)
}

// Infof logs an info-level message.
func (fl *FileLogger) Infof(format string, args ...interface{}) {
	fl.log("info", "INFO", format, args...)
}

// Warnf logs a warning-level message.
func (fl *FileLogger) Warnf(format string, args ...interface{}) {
	fl.log("warn", "WARN", format, args...)
}

// Errorf logs an error-level message.
func (fl *FileLogger) Errorf(format string, args ...interface{}) {
	fl.log("error", "ERROR", format, args...)
}

func (fl *FileLogger) log(level, tag, format string, args ...interface{}) {
	if !fl.shouldLog(level) {
		return
	}

	now := time.Now()
	line := fmt.Sprintf("[%s] [%s] %s\n",
		now.Format("15:04:05"), tag, fmt.Sprintf(format, args...))

	fl.mu.Lock()
	defer fl.mu.Unlock()

	if err := fl.rollLocked(now); err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		return
	}
	fl.file.WriteString(line)
	fl.file.Sync()
}

// CurrentPath returns the path of the file currently being written.
func (fl *FileLogger) CurrentPath() string {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	if fl.file == nil {
		return ""
	}
	return fl.file.Name()
}

// Close flushes and closes the active log file.
func (fl *FileLogger) Close() error {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	if fl.file == nil {
		return nil
	}
	if err := fl.file.Sync(); err != nil {
		return fmt.Errorf("sync log file: %w", err)
	}
	err := fl.file.Close()
	fl.file = nil
	if err != nil {
		return fmt.Errorf("close log file: %w", err)
	}
	return nil
}

// PruneOldLogs removes engine.log* files in dir whose modification time is
// older than maxAge. Returns the number of files removed. Missing
// directories are not an error.
func PruneOldLogs(dir string, maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read log directory: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), logFileBase) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(dir, entry.Name())); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}
