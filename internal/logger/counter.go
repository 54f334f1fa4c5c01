package logger

import (
	"sync"
	"time"
)

// RollingCounter counts events over a trailing one-hour window using
// per-minute buckets. It backs the parse_error_count_1h heartbeat field.
// Safe for concurrent use.
type RollingCounter struct {
	mu      sync.Mutex
	buckets [60]rollingBucket
	now     func() time.Time
}

type rollingBucket struct {
	minute int64
	count  int64
}

// NewRollingCounter returns an empty counter.
func NewRollingCounter() *RollingCounter {
	return &RollingCounter{now: time.Now}
}

// Incr adds one event at the current time.
func (c *RollingCounter) Incr() {
	c.mu.Lock()
	defer c.mu.Unlock()

	minute := c.now().Unix() / 60
	b := &c.buckets[minute%60]
	if b.minute != minute {
		b.minute = minute
		b.count = 0
	}
	b.count++
}

// LastHour returns the number of events recorded in the trailing hour.
func (c *RollingCounter) LastHour() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	minute := c.now().Unix() / 60
	var total int64
	for i := range c.buckets {
		if minute-c.buckets[i].minute < 60 {
			total += c.buckets[i].count
		}
	}
	return total
}
