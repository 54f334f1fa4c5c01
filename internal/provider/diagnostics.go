package provider

import (
	"sync/atomic"

	"github.com/longhouse/shipper/internal/logger"
)

// Parse errors are frequent when a writer is mid-line, so logging is gated
// by a consecutive-error tracker (first occurrence and every 100th after
// it) and every error feeds a rolling one-hour counter for the heartbeat.
var (
	parseErrors  = logger.NewErrorTracker()
	parseCounter = logger.NewRollingCounter()

	parseLog atomic.Value // logger.Logger
)

func init() {
	parseLog.Store(logger.Logger(logger.Nop{}))
}

// SetLogger routes parser diagnostics to l. The default discards them.
func SetLogger(l logger.Logger) {
	if l == nil {
		l = logger.Nop{}
	}
	parseLog.Store(l)
}

// ParseErrorsLastHour reports how many malformed lines were skipped in the
// trailing hour, across all providers.
func ParseErrorsLastHour() int64 {
	return parseCounter.LastHour()
}

func recordParseError(path string, offset int64, err error) {
	parseCounter.Incr()
	if parseErrors.RecordError() {
		parseLog.Load().(logger.Logger).Warnf(
			"skipping malformed line in %s at offset %d: %v", path, offset, err)
	}
}

func recordParseOK() {
	parseErrors.RecordSuccess()
}
