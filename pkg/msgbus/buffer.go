package msgbus

import "pipebus/pkg/alloc"

// PipeBuffer is the unit of one socket read or write: a DataHead followed by
// an inline data region bounded by the configured capacity. The raw bytes are
// what crosses the fd; Info is the parsed view of the leading head.
type PipeBuffer struct {
	Info DataHead
	raw  []byte
}

func newPipeBuffer(size uint32, a alloc.Allocator) *PipeBuffer {
	raw := a.Calloc(int(size))
	if raw == nil {
		return nil
	}
	return &PipeBuffer{raw: raw}
}

// Head returns the raw header region.
func (b *PipeBuffer) Head() []byte { return b.raw[:HeadSize] }

// Data returns the inline data region after the header.
func (b *PipeBuffer) Data() []byte { return b.raw[HeadSize:] }

// Cap returns the full record capacity including the header.
func (b *PipeBuffer) Cap() int { return len(b.raw) }

// Raw returns the whole backing region.
func (b *PipeBuffer) Raw() []byte { return b.raw }

// parseHead refreshes Info from the raw header region.
func (b *PipeBuffer) parseHead() error { return b.Info.Unmarshal(b.raw[:HeadSize]) }

// Packet is the view of a delivered payload handed to the caller after a
// successful read. Inline views borrow the bus's chunk buffer or reassembly
// storage and stay valid until the next read on the same bus; MovePacket
// transfers ownership out of the pool when the caller needs the bytes longer.
type Packet struct {
	Length uint32
	Data   []byte
}
