package msgbus

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"pipebus/pkg/sockpipe"
)

// ReadStatus is the outcome of one Read invocation.
type ReadStatus int

const (
	// ReadIdle means no complete message was available; the caller re-arms
	// the readable event and tries again later.
	ReadIdle ReadStatus = iota

	// ReadReady means a complete message sits in the bus; GetPacket
	// returns its payload.
	ReadReady

	// ReadYield means the fair-share chunk limit was reached with the
	// message still incomplete; the caller must yield to the reactor and
	// invoke Read again.
	ReadYield
)

// ErrClosed reports that the peer closed the pipe socket.
var ErrClosed = errors.New("msgbus: pipe socket closed by peer")

// prepare outcomes for one received chunk.
type prepareStatus int

const (
	prepareContinue prepareStatus = iota
	prepareReady
	prepareWait
)

// Read drives one reader invocation on a stream-oriented pipe socket. It
// consumes records until a message completes (ReadReady, with the final
// record's byte count), the socket drains (ReadIdle), or the fairness limit
// trips (ReadYield). Fatal socket and protocol conditions surface as errors;
// transient ones never do.
func (b *Bus) Read(sock PipeSocket) (ReadStatus, int, error) {
	chunkCount := 0
	for {
		n, err := sock.Peek(b.buffer.Head())
		if err != nil {
			switch sock.CatchReadError(err) {
			case sockpipe.ReadWait:
				return ReadIdle, 0, nil
			case sockpipe.ReadRetry:
				continue
			default:
				return ReadIdle, 0, fmt.Errorf("msgbus: peek on pipe socket %d: %w", sock.Fd(), err)
			}
		}
		if n == 0 {
			return ReadIdle, 0, ErrClosed
		}
		if n < HeadSize {
			// Head not fully arrived yet; wait for the next event.
			return ReadIdle, 0, nil
		}
		if err := b.buffer.parseHead(); err != nil {
			return ReadIdle, 0, err
		}

		if !b.buffer.Info.IsChunked() {
			return b.readWhole(sock)
		}

		entry, beginMissing := b.pool.getOrCreate(&b.buffer.Info)
		if beginMissing {
			b.warnAbnormal(sock)
			// Consume the stray head to resync the stream.
			if _, err := sock.Read(b.buffer.Head()); err != nil {
				if sock.CatchReadError(err) != sockpipe.ReadWait {
					return ReadIdle, 0, fmt.Errorf("msgbus: resync on pipe socket %d: %w", sock.Fd(), err)
				}
			}
			return ReadIdle, 0, nil
		}
		if entry == nil {
			return ReadIdle, 0, errors.New("msgbus: reassembly buffer allocation failed")
		}

		remain := int(b.buffer.Info.Len) - entry.length
		tail := b.buffer.Cap() - HeadSize
		if remain < tail {
			tail = remain
		}
		iovs := [][]byte{b.buffer.Head(), entry.data[entry.length : entry.length+tail]}
		n, err = sock.Readv(iovs)
		if err != nil {
			if sock.CatchReadError(err) == sockpipe.ReadWait {
				return ReadIdle, 0, nil
			}
			return ReadIdle, 0, fmt.Errorf("msgbus: readv on pipe socket %d: %w", sock.Fd(), err)
		}
		if n == 0 {
			b.log.Warn("pipe data receive failed",
				zap.Int("pipe_fd", sock.Fd()),
				zap.Int16("reactor_id", b.buffer.Info.ReactorID))
			return ReadIdle, 0, ErrClosed
		}
		entry.length += n - HeadSize

		switch b.preparePacket(&chunkCount, entry) {
		case prepareReady:
			return ReadReady, n, nil
		case prepareWait:
			return ReadYield, 0, nil
		}
	}
}

// readWhole consumes one non-chunked record in a single read.
func (b *Bus) readWhole(sock PipeSocket) (ReadStatus, int, error) {
	want := HeadSize + int(b.buffer.Info.Len)
	if want > b.buffer.Cap() {
		return ReadIdle, 0, fmt.Errorf("msgbus: record of %d bytes exceeds buffer capacity %d", want, b.buffer.Cap())
	}
	n, err := sock.Read(b.buffer.raw[:want])
	if err != nil {
		if sock.CatchReadError(err) == sockpipe.ReadWait {
			return ReadIdle, 0, nil
		}
		return ReadIdle, 0, fmt.Errorf("msgbus: read on pipe socket %d: %w", sock.Fd(), err)
	}
	if n == 0 {
		return ReadIdle, 0, ErrClosed
	}
	if err := b.buffer.parseHead(); err != nil {
		return ReadIdle, 0, err
	}
	return ReadReady, n, nil
}

// ReadDgram drives one reader invocation on a datagram-oriented pipe socket,
// where every recv yields a whole record and no peek is needed. A chunk
// without a reassembly entry is a hard protocol error in this mode: the
// datagram is already consumed and nothing can be resynced.
func (b *Bus) ReadDgram(sock PipeSocket) (ReadStatus, int, error) {
	chunkCount := 0
	for {
		n, err := sock.Read(b.buffer.raw)
		if err != nil {
			switch sock.CatchReadError(err) {
			case sockpipe.ReadWait:
				return ReadIdle, 0, nil
			case sockpipe.ReadRetry:
				continue
			default:
				return ReadIdle, 0, fmt.Errorf("msgbus: read on pipe socket %d: %w", sock.Fd(), err)
			}
		}
		if n == 0 {
			return ReadIdle, 0, ErrClosed
		}
		if err := b.buffer.parseHead(); err != nil {
			return ReadIdle, 0, err
		}

		if !b.buffer.Info.IsChunked() {
			return ReadReady, n, nil
		}

		entry, beginMissing := b.pool.getOrCreate(&b.buffer.Info)
		if beginMissing {
			b.warnAbnormal(sock)
			return ReadIdle, 0, fmt.Errorf("msgbus: orphan chunk for msg %d on datagram socket", b.buffer.Info.MsgID)
		}
		if entry == nil {
			return ReadIdle, 0, errors.New("msgbus: reassembly buffer allocation failed")
		}
		if !entry.append(b.buffer.Data()[:n-HeadSize], b.allocator) {
			b.pool.drop(b.buffer.Info.MsgID)
			return ReadIdle, 0, errors.New("msgbus: reassembly buffer allocation failed")
		}

		switch b.preparePacket(&chunkCount, entry) {
		case prepareReady:
			return ReadReady, n, nil
		case prepareWait:
			return ReadYield, 0, nil
		}
	}
}

// preparePacket accounts one received chunk and decides the continuation:
// read another chunk, yield for fairness, or mark the message deliverable.
func (b *Bus) preparePacket(chunkCount *int, entry *packetBuffer) prepareStatus {
	*chunkCount++
	if !b.buffer.Info.IsEnd() {
		// A reactor flooding chunks could otherwise pin this worker in the
		// read loop; cap consecutive chunks so other flows get a turn.
		if *chunkCount >= b.maxRecvChunks {
			b.log.Debug("chunk budget reached, yielding to event loop",
				zap.Int("chunks", *chunkCount),
				zap.Uint64("msg_id", b.buffer.Info.MsgID))
			return prepareWait
		}
		return prepareContinue
	}
	b.buffer.Info.Flags |= FlagDataObjPtr
	b.log.Debug("message reassembled",
		zap.Uint64("msg_id", b.buffer.Info.MsgID),
		zap.Uint32("len", b.buffer.Info.Len))
	return prepareReady
}

func (b *Bus) warnAbnormal(sock PipeSocket) {
	b.log.Warn("abnormal pipe data",
		zap.String("code", CodeAbnormalPipeData),
		zap.Uint64("msg_id", b.buffer.Info.MsgID),
		zap.Int("pipe_fd", sock.Fd()),
		zap.Int16("reactor_id", b.buffer.Info.ReactorID))
}
