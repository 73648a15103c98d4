// Package ids provides message identifier suppliers for the bus.
package ids

import "sync/atomic"

// Generator yields the next message id. Implementations must be monotonic
// within a process for the lifetime of any in-flight message.
type Generator func() uint64

// Sequence returns a generator backed by an atomic counter starting at 1.
func Sequence() Generator {
	var c uint64
	return func() uint64 {
		return atomic.AddUint64(&c, 1)
	}
}
