// Package sockpipe is a thin facade over a nonblocking socket descriptor.
// It exposes exactly the operations the message bus needs (peek, read,
// vectored read, synchronous vectored write) plus errno classification, and
// nothing that would tie the bus to a particular transport.
package sockpipe

import (
	"errors"
	"math"

	"golang.org/x/sys/unix"
)

// ReadAction classifies a read errno.
type ReadAction int

const (
	ReadRetry ReadAction = iota // interrupted, call again
	ReadWait                    // would block, re-arm the event
	ReadFatal                   // unrecoverable, tear down
)

// WriteAction classifies a write errno on a pipe socket.
type WriteAction int

const (
	WriteRetry      WriteAction = iota // interrupted, call again
	WriteReduceSize                    // kernel rejected the vector size, shrink the chunk
	WriteFatal                         // unrecoverable, tear down
)

// Socket wraps a descriptor the caller has handed over. Nonblocking mode is a
// precondition for use with the bus; SetNonblock establishes it.
type Socket struct {
	fd int

	// BufferSize is an advisory bound used by owners for accounting. The
	// bus registry sets it to an effectively unlimited value.
	BufferSize uint32

	nonblock bool
}

// New wraps fd. The facade takes no action on the descriptor until asked.
func New(fd int) *Socket {
	return &Socket{fd: fd, BufferSize: math.MaxUint32}
}

// Fd returns the wrapped descriptor, or -1 after Detach.
func (s *Socket) Fd() int { return s.fd }

// SetNonblock switches the descriptor to nonblocking mode.
func (s *Socket) SetNonblock() error {
	if err := unix.SetNonblock(s.fd, true); err != nil {
		return err
	}
	s.nonblock = true
	return nil
}

// Nonblock reports whether SetNonblock has been applied through this facade.
func (s *Socket) Nonblock() bool { return s.nonblock }

// Detach disowns the descriptor without closing it. Used when the facade was
// installed over an fd whose lifetime belongs to someone else.
func (s *Socket) Detach() { s.fd = -1 }

// Close closes the descriptor unless detached.
func (s *Socket) Close() error {
	if s.fd < 0 {
		return nil
	}
	err := unix.Close(s.fd)
	s.fd = -1
	return err
}

// Read performs one recv into p. Short reads are allowed; EINTR is retried.
func (s *Socket) Read(p []byte) (int, error) {
	for {
		n, err := unix.Read(s.fd, p)
		if err == unix.EINTR {
			continue
		}
		return n, err
	}
}

// Peek reads up to len(p) bytes without consuming them from the socket.
func (s *Socket) Peek(p []byte) (int, error) {
	for {
		n, _, err := unix.Recvfrom(s.fd, p, unix.MSG_PEEK)
		if err == unix.EINTR {
			continue
		}
		return n, err
	}
}

// Readv performs one vectored read across iovs. Short reads are allowed;
// EINTR is retried.
func (s *Socket) Readv(iovs [][]byte) (int, error) {
	for {
		n, err := unix.Readv(s.fd, iovs)
		if err == unix.EINTR {
			continue
		}
		return n, err
	}
}

// WritevSync writes the full vector, resuming after short writes and polling
// for writability when the nonblocking descriptor reports EAGAIN. Size-class
// errors (ENOBUFS, EMSGSIZE) are returned to the caller for classification;
// nothing has been consumed from the vector when they occur on the first
// attempt of an iovec boundary.
func (s *Socket) WritevSync(iovs [][]byte) (int, error) {
	total := 0
	pending := iovs
	for len(pending) > 0 {
		n, err := unix.Writev(s.fd, pending)
		if n > 0 {
			total += n
			pending = advance(pending, n)
			continue
		}
		switch err {
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			if perr := s.waitWritable(); perr != nil {
				return total, perr
			}
			continue
		default:
			if err == nil {
				err = errors.New("writev returned 0")
			}
			return total, err
		}
	}
	return total, nil
}

func (s *Socket) waitWritable() error {
	fds := []unix.PollFd{{Fd: int32(s.fd), Events: unix.POLLOUT}}
	for {
		_, err := unix.Poll(fds, -1)
		if err == unix.EINTR {
			continue
		}
		return err
	}
}

// advance drops n consumed bytes from the front of the vector.
func advance(iovs [][]byte, n int) [][]byte {
	for len(iovs) > 0 && n >= len(iovs[0]) {
		n -= len(iovs[0])
		iovs = iovs[1:]
	}
	if len(iovs) > 0 && n > 0 {
		rest := make([][]byte, len(iovs))
		copy(rest, iovs)
		rest[0] = rest[0][n:]
		return rest
	}
	return iovs
}

// CatchReadError classifies errno from a failed read on a nonblocking socket.
func (s *Socket) CatchReadError(err error) ReadAction {
	switch errnoOf(err) {
	case unix.EAGAIN:
		return ReadWait
	case unix.EINTR:
		return ReadRetry
	default:
		return ReadFatal
	}
}

// CatchWritePipeError classifies errno from a failed write on a pipe socket.
func (s *Socket) CatchWritePipeError(err error) WriteAction {
	switch errnoOf(err) {
	case unix.ENOBUFS, unix.EMSGSIZE:
		return WriteReduceSize
	case unix.EINTR:
		return WriteRetry
	default:
		return WriteFatal
	}
}

func errnoOf(err error) unix.Errno {
	var errno unix.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return 0
}
