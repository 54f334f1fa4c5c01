package logger

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

// ConsoleLogger writes leveled, timestamped lines to a writer. Level tags
// are colored when the writer is a terminal. All output is prefixed with
// [HH:MM:SS] for tracking execution flow.
type ConsoleLogger struct {
	writer   io.Writer
	logLevel string
	useColor bool
	mu       sync.Mutex
}

// NewConsoleLogger creates a ConsoleLogger writing to w. If w is nil,
// messages are silently discarded. Valid levels: debug, info, warn, error
// (case-insensitive); empty or invalid defaults to "info".
func NewConsoleLogger(w io.Writer, logLevel string) *ConsoleLogger {
	return &ConsoleLogger{
		writer:   w,
		logLevel: normalizeLevel(logLevel),
		useColor: isTerminal(w),
	}
}

// isTerminal reports whether the writer is a TTY that supports colors.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	if color.NoColor {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func (cl *ConsoleLogger) shouldLog(messageLevel string) bool {
	return levelToInt(messageLevel) >= levelToInt(cl.logLevel)
}

// Debugf logs a debug-level message.
func (cl *ConsoleLogger) Debugf(format string, args ...interface{}) {
	cl.log("debug", "DEBUG", format, args...)
}

// Infof logs an info-level message.
func (cl *ConsoleLogger) Infof(format string, args ...interface{}) {
	cl.log("info", "INFO", format, args...)
}

// Warnf logs a warning-level message.
func (cl *ConsoleLogger) Warnf(format string, args ...interface{}) {
	cl.log("warn", "WARN", format, args...)
}

// Errorf logs an error-level message.
func (cl *ConsoleLogger) Errorf(format string, args ...interface{}) {
	cl.log("error", "ERROR", format, args...)
}

var levelColors = map[string]*color.Color{
	"DEBUG": color.New(color.FgHiBlack),
	"INFO":  color.New(color.FgGreen),
	"WARN":  color.New(color.FgYellow),
	"ERROR": color.New(color.FgRed),
}

func (cl *ConsoleLogger) log(level, tag, format string, args ...interface{}) {
	if cl.writer == nil || !cl.shouldLog(level) {
		return
	}

	display := tag
	if cl.useColor {
		if c, ok := levelColors[tag]; ok {
			display = c.Sprint(tag)
		}
	}

	line := fmt.Sprintf("[%s] [%s] %s\n",
		time.Now().Format("15:04:05"), display, fmt.Sprintf(format, args...))

	cl.mu.Lock()
	defer cl.mu.Unlock()
	fmt.Fprint(cl.writer, line)
}
