package msgbus

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Fixed framing header (40 bytes) prefixed to every record on a pipe socket.
// All integer fields are little-endian; layout is stable on a single host
// only and carries no cross-host compatibility promise.
//
//  0  ..7   Fd        i64  caller-defined connection id
//  8  ..15  MsgID     u64  reassembly key
//  16 ..19  Len       u32  total payload length of the logical message
//  20 ..21  ReactorID i16  origin reactor/worker id
//  22       Type      u8   opaque tag for the caller
//  23       Flags     u8   chunk/begin/end + receiver-local markers
//  24 ..25  ServerFd  u16  auxiliary caller id
//  26 ..27  ExtFlags  u16  extension field for callers
//  28 ..31  Reserved
//  32 ..39  Time      f64  wall-clock seconds set by the sender
const HeadSize = 40

// Flag bits carried in DataHead.Flags.
const (
	FlagChunk uint8 = 1 << 0 // record is one chunk of a larger message
	FlagBegin uint8 = 1 << 1 // first chunk of its msg id
	FlagEnd   uint8 = 1 << 2 // chunk completes the logical message

	// Receiver-local markers, never produced on the wire.
	FlagDataPtr    uint8 = 1 << 3 // payload handed off in-process via Pass
	FlagDataObjPtr uint8 = 1 << 4 // payload lives in the reassembly pool
)

// DataHead describes one logical message. For a chunked transfer every chunk
// carries the same head apart from Flags; Len is always the total length.
type DataHead struct {
	Fd        int64
	MsgID     uint64
	Len       uint32
	ReactorID int16
	Type      uint8
	Flags     uint8
	ServerFd  uint16
	ExtFlags  uint16
	Time      float64
}

// IsChunked reports whether the record is part of a chunked transfer.
func (h *DataHead) IsChunked() bool { return h.Flags&FlagChunk != 0 }

// IsBegin reports whether the record opens its message.
func (h *DataHead) IsBegin() bool { return h.Flags&FlagBegin != 0 }

// IsEnd reports whether the record completes its message.
func (h *DataHead) IsEnd() bool { return h.Flags&FlagEnd != 0 }

// Marshal encodes the head into buf, which must hold HeadSize bytes.
func (h *DataHead) Marshal(buf []byte) error {
	if len(buf) < HeadSize {
		return errShortHead
	}
	binary.LittleEndian.PutUint64(buf[0:8], uint64(h.Fd))
	binary.LittleEndian.PutUint64(buf[8:16], h.MsgID)
	binary.LittleEndian.PutUint32(buf[16:20], h.Len)
	binary.LittleEndian.PutUint16(buf[20:22], uint16(h.ReactorID))
	buf[22] = h.Type
	buf[23] = h.Flags
	binary.LittleEndian.PutUint16(buf[24:26], h.ServerFd)
	binary.LittleEndian.PutUint16(buf[26:28], h.ExtFlags)
	binary.LittleEndian.PutUint32(buf[28:32], 0)
	binary.LittleEndian.PutUint64(buf[32:40], math.Float64bits(h.Time))
	return nil
}

// Unmarshal decodes the head from buf.
func (h *DataHead) Unmarshal(buf []byte) error {
	if len(buf) < HeadSize {
		return errShortHead
	}
	h.Fd = int64(binary.LittleEndian.Uint64(buf[0:8]))
	h.MsgID = binary.LittleEndian.Uint64(buf[8:16])
	h.Len = binary.LittleEndian.Uint32(buf[16:20])
	h.ReactorID = int16(binary.LittleEndian.Uint16(buf[20:22]))
	h.Type = buf[22]
	h.Flags = buf[23]
	h.ServerFd = binary.LittleEndian.Uint16(buf[24:26])
	h.ExtFlags = binary.LittleEndian.Uint16(buf[26:28])
	h.Time = math.Float64frombits(binary.LittleEndian.Uint64(buf[32:40]))
	return nil
}

var errShortHead = errors.New("msgbus: short data head")

// String renders every field for diagnostics. The format is not a contract.
func (h *DataHead) String() string {
	return fmt.Sprintf(
		"DataHead{fd=%d, msg_id=%d, len=%d, reactor_id=%d, type=%d, flags=0x%02x, server_fd=%d, ext_flags=0x%04x, time=%f}",
		h.Fd, h.MsgID, h.Len, h.ReactorID, h.Type, h.Flags, h.ServerFd, h.ExtFlags, h.Time)
}
