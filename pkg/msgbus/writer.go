package msgbus

import (
	"fmt"
	"time"

	"pipebus/pkg/sockpipe"
)

// Write transmits msg over sock, fragmenting into chunks when the payload
// exceeds one PipeBuffer (or unconditionally with AlwaysChunkedTransfer).
// The message id is assigned here; Info.Len always carries the total logical
// length, per-chunk sizes exist only as iovec lengths. When the reactor's
// event loop is available the vectors ride its asynchronous write path,
// otherwise the facade's synchronous writev is used.
func (b *Bus) Write(sock PipeSocket, msg *SendData) error {
	payload := msg.Data
	remaining := msg.Info.Len
	maxChunk := b.bufferSize - HeadSize

	msg.Info.MsgID = b.nextID()
	if msg.Info.Time == 0 {
		msg.Info.Time = float64(time.Now().UnixNano()) / float64(time.Second)
	}

	head := make([]byte, HeadSize)

	if remaining == 0 || payload == nil {
		msg.Info.Flags = 0
		msg.Info.Len = 0
		if err := msg.Info.Marshal(head); err != nil {
			return err
		}
		n, err := b.send(sock, [][]byte{head})
		if err != nil {
			return fmt.Errorf("msgbus: write head-only record: %w", err)
		}
		if n != HeadSize {
			return fmt.Errorf("msgbus: short write of head-only record: %d of %d", n, HeadSize)
		}
		return nil
	}

	if !b.alwaysChunked && remaining <= maxChunk {
		msg.Info.Flags = 0
		msg.Info.Len = remaining
		if err := msg.Info.Marshal(head); err != nil {
			return err
		}
		n, err := b.send(sock, [][]byte{head, payload})
		if n == HeadSize+int(remaining) {
			return nil
		}
		if err != nil && sock.CatchWritePipeError(err) == sockpipe.WriteReduceSize && maxChunk > fallbackChunkSize {
			maxChunk = fallbackChunkSize
		} else {
			if err == nil {
				err = fmt.Errorf("short write: %d of %d", n, HeadSize+int(remaining))
			}
			return fmt.Errorf("msgbus: write record: %w", err)
		}
	}

	msg.Info.Flags = FlagChunk | FlagBegin
	msg.Info.Len = remaining

	var offset uint32
	for remaining > 0 {
		copyN := remaining
		if remaining > maxChunk {
			copyN = maxChunk
		} else {
			msg.Info.Flags |= FlagEnd
		}

		if err := msg.Info.Marshal(head); err != nil {
			return err
		}
		if _, err := b.send(sock, [][]byte{head, payload[offset : offset+copyN]}); err != nil {
			if sock.CatchWritePipeError(err) == sockpipe.WriteReduceSize && maxChunk > fallbackChunkSize {
				maxChunk = fallbackChunkSize
				// This iteration is no longer final at the smaller size.
				msg.Info.Flags &^= FlagEnd
				continue
			}
			return fmt.Errorf("msgbus: write chunk at offset %d: %w", offset, err)
		}

		msg.Info.Flags &^= FlagBegin
		remaining -= copyN
		offset += copyN
	}
	return nil
}

// send routes one vector through the event loop when available, falling back
// to the facade's synchronous path.
func (b *Bus) send(sock PipeSocket, iovs [][]byte) (int, error) {
	if b.loop != nil && b.loop.Available() {
		return b.loop.Writev(sock, iovs)
	}
	return sock.WritevSync(iovs)
}
