// Package coalesce batches keystrokes before they are framed.
//
// Typing and pasting arrive from stdin in small reads; framing each one
// separately costs a 2-byte push header per read and a transport write.
// The Coalescer accumulates input and releases it when:
//
//   - the deadline expires (measured from the first byte in the batch and
//     not extended by later input)
//   - the batch reaches Threshold, a whole number of push packets
//   - the caller flushes explicitly (escape commands, shutdown)
package coalesce

import (
	"time"

	"github.com/chronologos/rtach-client/internal/protocol"
)

const (
	// DefaultDelay is the coalescing deadline from the first byte in a batch.
	DefaultDelay = 2 * time.Millisecond

	// DefaultThreshold is sixteen full push packets.
	DefaultThreshold = 16 * protocol.MaxPushPayload
)

// Coalescer accumulates keystrokes and flushes on deadline or threshold.
// All methods are used from a single goroutine (the client's event loop).
type Coalescer struct {
	buf       []byte
	delay     time.Duration
	threshold int
	timer     *time.Timer
	armed     bool
}

// New creates a Coalescer with the default delay and threshold.
func New() *Coalescer {
	return NewWithLimits(DefaultDelay, DefaultThreshold)
}

// NewWithLimits creates a Coalescer with an explicit deadline and size.
// A zero delay disables batching: every Add reports that a flush is due.
func NewWithLimits(delay time.Duration, threshold int) *Coalescer {
	t := time.NewTimer(time.Hour)
	t.Stop()
	return &Coalescer{
		buf:       make([]byte, 0, threshold),
		delay:     delay,
		threshold: threshold,
		timer:     t,
	}
}

// Add appends keystrokes. It returns true when the caller should flush now.
func (c *Coalescer) Add(data []byte) bool {
	if len(data) == 0 {
		return false
	}
	c.buf = append(c.buf, data...)
	if c.delay <= 0 {
		return true
	}
	if !c.armed {
		c.timer.Reset(c.delay)
		c.armed = true
	}
	return len(c.buf) >= c.threshold
}

// Flush returns the batch and empties the buffer, or nil when empty.
// The caller owns the returned slice.
func (c *Coalescer) Flush() []byte {
	if len(c.buf) == 0 {
		return nil
	}

	if c.armed {
		if !c.timer.Stop() {
			// Already fired; drain so the select loop does not see it.
			select {
			case <-c.timer.C:
			default:
			}
		}
		c.armed = false
	}

	out := make([]byte, len(c.buf))
	copy(out, c.buf)
	c.buf = c.buf[:0]
	return out
}

// Timer returns the deadline channel, or nil when no batch is pending so
// the select case stays disabled:
//
//	case <-coal.Timer():
//	    sess.SendKeyboardInput(coal.Flush())
func (c *Coalescer) Timer() <-chan time.Time {
	if !c.armed {
		return nil
	}
	return c.timer.C
}

// Stop releases the timer.
func (c *Coalescer) Stop() {
	c.timer.Stop()
	c.armed = false
}

// Pending returns the number of buffered bytes.
func (c *Coalescer) Pending() int {
	return len(c.buf)
}
