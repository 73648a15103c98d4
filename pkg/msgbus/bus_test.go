package msgbus

import (
	"bytes"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/sys/unix"

	"pipebus/pkg/sockpipe"
)

func socketPair(t *testing.T, typ int) (*sockpipe.Socket, *sockpipe.Socket) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, typ, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	a, b := sockpipe.New(fds[0]), sockpipe.New(fds[1])
	for _, s := range []*sockpipe.Socket{a, b} {
		if err := s.SetNonblock(); err != nil {
			t.Fatalf("set nonblock: %v", err)
		}
	}
	t.Cleanup(func() { a.Close(); b.Close() })
	return a, b
}

func streamPair(t *testing.T) (*sockpipe.Socket, *sockpipe.Socket) {
	return socketPair(t, unix.SOCK_STREAM)
}

// readUntil drives Read until the wanted status arrives, polling for
// readability on Idle. Fatal errors and timeouts fail the test.
func readUntil(t *testing.T, b *Bus, sock *sockpipe.Socket, want ReadStatus) int {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		status, n, err := b.Read(sock)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if status == want {
			return n
		}
		if status == ReadReady || status == ReadYield {
			t.Fatalf("read status = %v, want %v", status, want)
		}
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for read status %v", want)
		}
		pollIn(t, sock.Fd())
	}
}

func pollIn(t *testing.T, fd int) {
	t.Helper()
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	if _, err := unix.Poll(fds, 100); err != nil && err != unix.EINTR {
		t.Fatalf("poll: %v", err)
	}
}

func writeRaw(t *testing.T, sock *sockpipe.Socket, head DataHead, payload []byte) {
	t.Helper()
	hb := make([]byte, HeadSize)
	if err := head.Marshal(hb); err != nil {
		t.Fatalf("marshal head: %v", err)
	}
	if _, err := sock.WritevSync([][]byte{hb, payload}); err != nil {
		t.Fatalf("write raw record: %v", err)
	}
}

func TestRoundTripSingleBuffer(t *testing.T) {
	w, r := streamPair(t)
	sender := newTestBus(t, Options{BufferSize: 128})
	receiver := newTestBus(t, Options{BufferSize: 128})

	payload := bytes.Repeat([]byte{0xAB}, 50)
	msg := SendData{Info: DataHead{Fd: 42, Type: 7, Len: 50}, Data: payload}
	if err := sender.Write(w, &msg); err != nil {
		t.Fatalf("write: %v", err)
	}

	n := readUntil(t, receiver, r, ReadReady)
	if n != HeadSize+50 {
		t.Fatalf("read %d bytes, want %d", n, HeadSize+50)
	}
	head := receiver.Buffer().Info
	if head.Fd != 42 || head.Type != 7 || head.Len != 50 || head.IsChunked() {
		t.Fatalf("unexpected head: %s", head.String())
	}
	pkt := receiver.GetPacket()
	if pkt.Length != 50 || !bytes.Equal(pkt.Data, payload) {
		t.Fatalf("payload mismatch: %d bytes", pkt.Length)
	}
	if receiver.PendingMessages() != 0 {
		t.Fatalf("non-chunked delivery must not touch the pool")
	}
}

func TestTwoChunkReassembly(t *testing.T) {
	w, r := streamPair(t)
	receiver := newTestBus(t, Options{BufferSize: 80})

	payload := make([]byte, 50)
	for i := range payload {
		payload[i] = byte(i)
	}

	// First chunk fills the data region (80 - head), second carries the rest.
	head := DataHead{MsgID: 11, Len: 50, Flags: FlagChunk | FlagBegin}
	writeRaw(t, w, head, payload[:40])

	readUntil(t, receiver, r, ReadIdle)
	if receiver.PendingMessages() != 1 {
		t.Fatalf("expected one in-flight reassembly entry")
	}
	if got := receiver.MemorySize(); got != 80+50 {
		t.Fatalf("memory size = %d, want %d", got, 80+50)
	}

	head.Flags = FlagChunk | FlagEnd
	writeRaw(t, w, head, payload[40:])

	readUntil(t, receiver, r, ReadReady)
	info := receiver.Buffer().Info
	if info.Flags&FlagDataObjPtr == 0 {
		t.Fatalf("reassembled delivery must carry the pool marker")
	}
	pkt := receiver.GetPacket()
	if !bytes.Equal(pkt.Data, payload) {
		t.Fatalf("reassembled payload mismatch")
	}

	moved := receiver.MovePacket()
	if !bytes.Equal(moved, payload) {
		t.Fatalf("moved payload mismatch")
	}
	if receiver.PendingMessages() != 0 {
		t.Fatalf("pool must be empty after move")
	}
}

func TestChunkFairnessYield(t *testing.T) {
	const chunks = 2000
	w, r := streamPair(t)
	receiver := newTestBus(t, Options{BufferSize: HeadSize + 1, MaxRecvChunkCount: 1024})

	// One logical message split into 2000 one-byte chunks, streamed
	// back-to-back in a single write.
	var stream []byte
	head := DataHead{MsgID: 77, Len: chunks}
	hb := make([]byte, HeadSize)
	for i := 0; i < chunks; i++ {
		head.Flags = FlagChunk
		if i == 0 {
			head.Flags |= FlagBegin
		}
		if i == chunks-1 {
			head.Flags |= FlagEnd
		}
		if err := head.Marshal(hb); err != nil {
			t.Fatalf("marshal head: %v", err)
		}
		stream = append(stream, hb...)
		stream = append(stream, byte(i))
	}
	if _, err := w.WritevSync([][]byte{stream}); err != nil {
		t.Fatalf("write stream: %v", err)
	}

	status, _, err := receiver.Read(r)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if status != ReadYield {
		t.Fatalf("first read status = %v, want yield after the chunk budget", status)
	}

	readUntil(t, receiver, r, ReadReady)
	moved := receiver.MovePacket()
	if len(moved) != chunks {
		t.Fatalf("moved %d bytes, want %d", len(moved), chunks)
	}
	for i, c := range moved {
		if c != byte(i) {
			t.Fatalf("payload byte %d = 0x%02x, want 0x%02x", i, c, byte(i))
		}
	}
}

func TestOrphanChunkResync(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	w, r := streamPair(t)
	receiver := newTestBus(t, Options{BufferSize: 128, Logger: zap.New(core)})

	// A head-only chunk record with no BEGIN and an unknown id.
	writeRaw(t, w, DataHead{MsgID: 99, Len: 10, Flags: FlagChunk}, nil)

	status, _, err := receiver.Read(r)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if status != ReadIdle {
		t.Fatalf("orphan chunk status = %v, want idle", status)
	}
	if receiver.PendingMessages() != 0 {
		t.Fatalf("orphan chunk must not create a pool entry")
	}

	warned := false
	for _, e := range logs.All() {
		for _, f := range e.Context {
			if f.Key == "code" && f.String == CodeAbnormalPipeData {
				warned = true
			}
		}
	}
	if !warned {
		t.Fatalf("expected a warning carrying code %s", CodeAbnormalPipeData)
	}

	// The stray head was consumed; a later message is delivered intact.
	later := bytes.Repeat([]byte{0xCD}, 8)
	writeRaw(t, w, DataHead{Len: 8}, later)
	readUntil(t, receiver, r, ReadReady)
	if pkt := receiver.GetPacket(); !bytes.Equal(pkt.Data, later) {
		t.Fatalf("later message corrupted after resync")
	}
}

func TestZeroLengthMessage(t *testing.T) {
	w, r := streamPair(t)
	sender := newTestBus(t, Options{BufferSize: 128})
	receiver := newTestBus(t, Options{BufferSize: 128})

	msg := SendData{Info: DataHead{Fd: 5, Type: 2}}
	if err := sender.Write(w, &msg); err != nil {
		t.Fatalf("write: %v", err)
	}

	readUntil(t, receiver, r, ReadReady)
	head := receiver.Buffer().Info
	if head.Fd != 5 || head.Type != 2 || head.Len != 0 {
		t.Fatalf("unexpected head: %s", head.String())
	}
	if pkt := receiver.GetPacket(); pkt.Length != 0 {
		t.Fatalf("zero-length message delivered %d bytes", pkt.Length)
	}
	if receiver.PendingMessages() != 0 {
		t.Fatalf("zero-length message must not create a pool entry")
	}
}

func TestInterleavedReassembly(t *testing.T) {
	const bufCap = 104 // 64 payload bytes per chunk
	w, r := streamPair(t)
	receiver := newTestBus(t, Options{BufferSize: bufCap})

	mkPayload := func(n int, seed byte) []byte {
		p := make([]byte, n)
		for i := range p {
			p[i] = seed + byte(i)
		}
		return p
	}
	a := mkPayload(150, 0x10) // chunks of 64, 64, 22
	b := mkPayload(100, 0x60) // chunks of 64, 36

	type rec struct {
		head    DataHead
		payload []byte
	}
	chunksOf := func(id uint64, p []byte) []rec {
		var out []rec
		flags := FlagChunk | FlagBegin
		for off := 0; off < len(p); {
			n := len(p) - off
			if n > bufCap-HeadSize {
				n = bufCap - HeadSize
			}
			f := flags
			if off+n == len(p) {
				f |= FlagEnd
			}
			out = append(out, rec{DataHead{MsgID: id, Len: uint32(len(p)), Flags: f}, p[off : off+n]})
			flags = FlagChunk
			off += n
		}
		return out
	}
	ra, rb := chunksOf(1, a), chunksOf(2, b)
	for _, rc := range []rec{ra[0], rb[0], ra[1], rb[1], ra[2]} {
		writeRaw(t, w, rc.head, rc.payload)
	}

	got := make(map[uint64][]byte)
	for len(got) < 2 {
		readUntil(t, receiver, r, ReadReady)
		id := receiver.Buffer().Info.MsgID
		got[id] = receiver.MovePacket()
	}
	if !bytes.Equal(got[1], a) {
		t.Fatalf("message 1 corrupted")
	}
	if !bytes.Equal(got[2], b) {
		t.Fatalf("message 2 corrupted")
	}
	if receiver.PendingMessages() != 0 {
		t.Fatalf("pool must be empty after both moves")
	}
}

func TestRoundTripSizes(t *testing.T) {
	cases := []struct {
		name          string
		bufferSize    uint32
		payloadLen    int
		alwaysChunked bool
	}{
		{"single-record", 8192, 5000, false},
		{"forced-chunk", 8192, 5000, true},
		{"many-chunks", 128, 10000, false},
		{"tiny-buffer", HeadSize + 1, 500, false},
		{"large", 8192, 100 * 1024, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w, r := streamPair(t)
			sender := newTestBus(t, Options{BufferSize: tc.bufferSize, AlwaysChunkedTransfer: tc.alwaysChunked})
			receiver := newTestBus(t, Options{BufferSize: tc.bufferSize})

			payload := make([]byte, tc.payloadLen)
			for i := range payload {
				payload[i] = byte(i % 251)
			}
			errCh := make(chan error, 1)
			go func() {
				msg := SendData{
					Info: DataHead{Fd: 9, Type: 4, ReactorID: 2, Len: uint32(tc.payloadLen)},
					Data: payload,
				}
				errCh <- sender.Write(w, &msg)
			}()

			readUntil(t, receiver, r, ReadReady)
			if err := <-errCh; err != nil {
				t.Fatalf("write: %v", err)
			}
			head := receiver.Buffer().Info
			if head.Fd != 9 || head.Type != 4 || head.ReactorID != 2 {
				t.Fatalf("sender identity lost: %s", head.String())
			}
			if head.Len != uint32(tc.payloadLen) {
				t.Fatalf("len = %d, want %d", head.Len, tc.payloadLen)
			}
			pkt := receiver.GetPacket()
			if !bytes.Equal(pkt.Data, payload) {
				t.Fatalf("payload mismatch for %s", tc.name)
			}
		})
	}
}

func TestDatagramRoundTrip(t *testing.T) {
	w, r := socketPair(t, unix.SOCK_DGRAM)
	sender := newTestBus(t, Options{BufferSize: 128, AlwaysChunkedTransfer: true})
	receiver := newTestBus(t, Options{BufferSize: 128})

	payload := make([]byte, 300)
	for i := range payload {
		payload[i] = byte(255 - i%256)
	}
	msg := SendData{Info: DataHead{Type: 6, Len: 300}, Data: payload}
	if err := sender.Write(w, &msg); err != nil {
		t.Fatalf("write: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		status, _, err := receiver.ReadDgram(r)
		if err != nil {
			t.Fatalf("read dgram: %v", err)
		}
		if status == ReadReady {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for datagram message")
		}
		pollIn(t, r.Fd())
	}
	if got := receiver.MovePacket(); !bytes.Equal(got, payload) {
		t.Fatalf("datagram payload mismatch")
	}
}

func TestDatagramOrphanChunkFails(t *testing.T) {
	w, r := socketPair(t, unix.SOCK_DGRAM)
	receiver := newTestBus(t, Options{BufferSize: 128})

	writeRaw(t, w, DataHead{MsgID: 13, Len: 50, Flags: FlagChunk}, make([]byte, 20))
	if _, _, err := receiver.ReadDgram(r); err == nil {
		t.Fatalf("orphan chunk on a datagram socket must fail")
	}
}

func TestPassZeroCopy(t *testing.T) {
	b := newTestBus(t, Options{BufferSize: 128})

	data := []byte("in-process payload")
	task := SendData{Info: DataHead{Type: 9, Len: uint32(len(data))}, Data: data}
	b.Pass(&task)

	if b.Buffer().Info.Flags != FlagDataPtr {
		t.Fatalf("pass delivery must carry the pointer marker")
	}
	pkt := b.GetPacket()
	if int(pkt.Length) != len(data) {
		t.Fatalf("length = %d, want %d", pkt.Length, len(data))
	}
	if &pkt.Data[0] != &data[0] {
		t.Fatalf("pass must hand the payload off without copying")
	}
}

func TestReadAfterPeerClose(t *testing.T) {
	w, r := streamPair(t)
	receiver := newTestBus(t, Options{BufferSize: 128})

	if err := w.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	if _, _, err := receiver.Read(r); err == nil {
		t.Fatalf("expected error after peer close")
	}
}

func TestInitPipeSocketRegistry(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	b := newTestBus(t, Options{BufferSize: 128})
	s, err := b.InitPipeSocket(fds[0])
	if err != nil {
		t.Fatalf("init pipe socket: %v", err)
	}
	if !s.Nonblock() {
		t.Fatalf("registered socket must be nonblocking")
	}
	if got := b.PipeSocketFor(fds[0]); got != s {
		t.Fatalf("registry lookup mismatch")
	}
	if b.PipeSocketFor(fds[0]+1000) != nil {
		t.Fatalf("unknown fd must resolve to nil")
	}

	b.Close()
	if s.Fd() != -1 {
		t.Fatalf("bus close must detach the facade, not close the fd")
	}
	// The descriptor itself stays open for the owner.
	if err := unix.SetNonblock(fds[0], true); err != nil {
		t.Fatalf("fd was closed by the bus: %v", err)
	}
}
