// Package reactor provides the asynchronous write path the message bus
// consumes as its EventLoop capability: a serialized queue drained by a
// worker goroutine, so bus writers do not wait on the pipe write itself. The
// queue is bounded: once it holds its full depth of pending vectors, Writev
// blocks until the worker drains one. Runtimes with
// a real event loop substitute their own implementation; the bus only sees
// the interface.
package reactor

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"pipebus/pkg/msgbus"
)

// ErrClosed reports a write enqueued after Close.
var ErrClosed = errors.New("reactor: loop closed")

type job struct {
	sock msgbus.PipeSocket
	data []byte
}

// Loop queues outbound vectors and flushes them in order from a single
// worker. Hand-off is complete on return, matching the bus's contract for
// writev_async.
type Loop struct {
	mu     sync.Mutex
	ch     chan job
	closed bool
	wg     sync.WaitGroup
	log    *zap.Logger
}

// New starts a loop with the given queue depth.
func New(depth int, logger *zap.Logger) *Loop {
	if depth <= 0 {
		depth = 256
	}
	if logger == nil {
		logger = zap.L()
	}
	l := &Loop{ch: make(chan job, depth), log: logger}
	l.wg.Add(1)
	go l.worker()
	return l
}

// Available reports whether the loop still accepts writes.
func (l *Loop) Available() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.closed
}

// Writev enqueues the vector for sock. The bus reuses its scratch buffers
// after the call returns, so the vector is flattened into an owned copy
// before hand-off. The returned count is the full vector length.
func (l *Loop) Writev(sock msgbus.PipeSocket, iovs [][]byte) (int, error) {
	total := 0
	for _, iov := range iovs {
		total += len(iov)
	}
	flat := make([]byte, 0, total)
	for _, iov := range iovs {
		flat = append(flat, iov...)
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return 0, ErrClosed
	}
	l.ch <- job{sock: sock, data: flat}
	l.mu.Unlock()
	return total, nil
}

func (l *Loop) worker() {
	defer l.wg.Done()
	for j := range l.ch {
		if _, err := j.sock.WritevSync([][]byte{j.data}); err != nil {
			l.log.Warn("async pipe write failed",
				zap.Int("pipe_fd", j.sock.Fd()),
				zap.Int("len", len(j.data)),
				zap.Error(err))
		}
	}
}

// Close stops accepting writes, flushes the queue, and waits for the worker.
func (l *Loop) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	close(l.ch)
	l.mu.Unlock()
	l.wg.Wait()
}
