// Package msgbus implements the inter-process message bus: a length-prefixed,
// chunk-capable framing protocol that ferries typed messages between a
// reactor and worker processes over stream and datagram pipe sockets.
//
// A logical message is one or more [DataHead | payload] records sharing a
// msg id. Payloads larger than one PipeBuffer are split into chunks by the
// writer and reassembled by the receiving bus, interleaving freely across
// ids. Each bus instance is driven by exactly one reactor thread; there is
// no internal locking.
package msgbus

import (
	"errors"
	"math"

	"go.uber.org/zap"

	"pipebus/pkg/alloc"
	"pipebus/pkg/ids"
	"pipebus/pkg/sockpipe"
)

// Warning codes attached to diagnostic log entries.
const (
	// CodeAbnormalPipeData marks a chunk whose msg id has no reassembly
	// entry and no BEGIN flag: the initial chunk was lost or duplicated.
	CodeAbnormalPipeData = "ABNORMAL_PIPE_DATA"
)

// Tunables.
const (
	// DefaultBufferSize bounds one PipeBuffer so a whole record fits the
	// kernel's pipe atomic-write region.
	DefaultBufferSize = 8 * 1024

	// DefaultMaxRecvChunkCount is the fair-share limit on chunks consumed
	// by a single Read invocation.
	DefaultMaxRecvChunkCount = 1024

	// fallbackChunkSize is the hard floor the writer downshifts to after a
	// size-class write failure.
	fallbackChunkSize = 8*1024 - HeadSize

	// MinBufferSize is the smallest usable record capacity.
	MinBufferSize = HeadSize + 1
)

// PipeSocket is the socket contract the bus consumes. *sockpipe.Socket is the
// production implementation; tests substitute fakes to drive error paths.
type PipeSocket interface {
	Fd() int
	Read(p []byte) (int, error)
	Peek(p []byte) (int, error)
	Readv(iovs [][]byte) (int, error)
	WritevSync(iovs [][]byte) (int, error)
	CatchReadError(err error) sockpipe.ReadAction
	CatchWritePipeError(err error) sockpipe.WriteAction
}

// EventLoop is the asynchronous write capability offered by the surrounding
// reactor. When Available, Writev enqueues the vector on the reactor's write
// path and must treat the hand-off as complete on return; the bus never
// blocks on it.
type EventLoop interface {
	Available() bool
	Writev(sock PipeSocket, iovs [][]byte) (int, error)
}

// SendData is an outbound message: a head plus the payload bytes. The writer
// fills in MsgID, and Time when the caller left it zero; the caller owns Fd,
// Type, ServerFd, ExtFlags and ReactorID.
type SendData struct {
	Info DataHead
	Data []byte
}

// Options configures a Bus. The zero value of every field selects a default.
type Options struct {
	// BufferSize is the PipeBuffer capacity including the head.
	BufferSize uint32

	// AlwaysChunkedTransfer forces the chunked write path even for
	// payloads that would fit a single record.
	AlwaysChunkedTransfer bool

	// MaxRecvChunkCount bounds chunks consumed per Read invocation.
	MaxRecvChunkCount int

	// Allocator supplies chunk and reassembly storage.
	Allocator alloc.Allocator

	// IDGenerator supplies message ids for outbound messages.
	IDGenerator ids.Generator

	// Logger receives diagnostics. Defaults to the process logger.
	Logger *zap.Logger

	// Loop, when set and available, carries outbound vectors instead of
	// synchronous writes.
	Loop EventLoop
}

// Bus is one message bus instance. It must be driven from a single thread;
// concurrent Read or Write calls on the same instance are not allowed.
type Bus struct {
	buffer      *PipeBuffer
	pool        *packetPool
	pipeSockets []*sockpipe.Socket

	bufferSize    uint32
	alwaysChunked bool
	maxRecvChunks int

	allocator alloc.Allocator
	nextID    ids.Generator
	log       *zap.Logger
	loop      EventLoop

	// passData holds the payload of an in-process Pass hand-off, valid
	// until the next delivery.
	passData []byte
}

// New builds a Bus from opts.
func New(opts Options) (*Bus, error) {
	if opts.BufferSize == 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.BufferSize < MinBufferSize {
		return nil, errors.New("msgbus: buffer size below minimum")
	}
	if opts.MaxRecvChunkCount <= 0 {
		opts.MaxRecvChunkCount = DefaultMaxRecvChunkCount
	}
	if opts.Allocator == nil {
		opts.Allocator = alloc.Std()
	}
	if opts.IDGenerator == nil {
		opts.IDGenerator = ids.Sequence()
	}
	if opts.Logger == nil {
		opts.Logger = zap.L()
	}

	buf := newPipeBuffer(opts.BufferSize, opts.Allocator)
	if buf == nil {
		return nil, errors.New("msgbus: chunk buffer allocation failed")
	}
	return &Bus{
		buffer:        buf,
		pool:          newPacketPool(opts.Allocator),
		bufferSize:    opts.BufferSize,
		alwaysChunked: opts.AlwaysChunkedTransfer,
		maxRecvChunks: opts.MaxRecvChunkCount,
		allocator:     opts.Allocator,
		nextID:        opts.IDGenerator,
		log:           opts.Logger,
		loop:          opts.Loop,
	}, nil
}

// Buffer exposes the current chunk buffer; Buffer().Info is the head of the
// most recently delivered record.
func (b *Bus) Buffer() *PipeBuffer { return b.buffer }

// GetPacket returns the payload view for the record sitting in the chunk
// buffer. The view stays valid until the next successful Read on this bus
// unless MovePacket transfers ownership first.
func (b *Bus) GetPacket() Packet {
	info := &b.buffer.Info
	switch {
	case info.Flags&FlagDataPtr != 0:
		return Packet{Length: uint32(len(b.passData)), Data: b.passData}
	case info.Flags&FlagDataObjPtr != 0:
		e := b.pool.find(info.MsgID)
		if e == nil {
			return Packet{}
		}
		data := e.bytes()
		return Packet{Length: uint32(len(data)), Data: data}
	default:
		return Packet{Length: info.Len, Data: b.buffer.Data()[:info.Len]}
	}
}

// MovePacket detaches the reassembled payload for the current record from
// the pool and transfers ownership to the caller. Returns nil when the
// current record has no pooled payload.
func (b *Bus) MovePacket() []byte {
	return b.pool.move(b.buffer.Info.MsgID)
}

// Pass delivers task to this bus in-process, without touching a socket. The
// payload is handed off by reference; GetPacket returns it zero-copy.
func (b *Bus) Pass(task *SendData) {
	b.buffer.Info = task.Info
	if task.Info.Len > 0 {
		b.buffer.Info.Flags = FlagDataPtr
		b.passData = task.Data
	} else {
		b.passData = nil
	}
}

// MemorySize reports the bus's current buffer footprint: the chunk buffer
// plus all in-flight reassembly storage.
func (b *Bus) MemorySize() int {
	return b.buffer.Cap() + b.pool.memory()
}

// PendingMessages reports the number of in-flight reassembly entries.
func (b *Bus) PendingMessages() int { return b.pool.size() }

// InitPipeSocket installs an owned facade for fd into the bus's socket table,
// growing the table as needed. The facade is switched to nonblocking mode and
// its buffer-size accounting is effectively unlimited.
func (b *Bus) InitPipeSocket(fd int) (*sockpipe.Socket, error) {
	if fd < 0 {
		return nil, errors.New("msgbus: negative pipe fd")
	}
	if fd >= len(b.pipeSockets) {
		grown := make([]*sockpipe.Socket, fd+1)
		copy(grown, b.pipeSockets)
		b.pipeSockets = grown
	}
	s := sockpipe.New(fd)
	s.BufferSize = math.MaxUint32
	if err := s.SetNonblock(); err != nil {
		return nil, err
	}
	b.pipeSockets[fd] = s
	return s, nil
}

// PipeSocketFor returns the registered facade for fd, or nil.
func (b *Bus) PipeSocketFor(fd int) *sockpipe.Socket {
	if fd < 0 || fd >= len(b.pipeSockets) {
		return nil
	}
	return b.pipeSockets[fd]
}

// Close releases the bus. Registered facades are detached rather than closed:
// the descriptors belong to the caller.
func (b *Bus) Close() {
	for _, s := range b.pipeSockets {
		if s != nil {
			s.Detach()
		}
	}
	b.pipeSockets = nil
	for id := range b.pool.entries {
		b.pool.drop(id)
	}
	b.allocator.Free(b.buffer.raw)
}
