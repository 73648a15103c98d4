package msgbus

import "pipebus/pkg/alloc"

// packetBuffer accumulates the payload of one in-flight chunked message.
// Storage comes from the injected allocator so it may live in a shared
// memory region visible to the peer process.
type packetBuffer struct {
	data   []byte
	length int
}

func (p *packetBuffer) append(b []byte, a alloc.Allocator) bool {
	need := p.length + len(b)
	if need > len(p.data) {
		nd := a.Realloc(p.data, need)
		if nd == nil {
			return false
		}
		p.data = nd
	}
	copy(p.data[p.length:], b)
	p.length += len(b)
	return true
}

func (p *packetBuffer) bytes() []byte {
	if p.data == nil {
		return nil
	}
	return p.data[:p.length]
}

// packetPool maps msg id to the buffer reassembling that message. Exactly one
// buffer exists per in-flight id; entries appear when a BEGIN chunk is seen
// and vanish when the payload is moved out.
type packetPool struct {
	entries map[uint64]*packetBuffer
	a       alloc.Allocator
}

func newPacketPool(a alloc.Allocator) *packetPool {
	return &packetPool{entries: make(map[uint64]*packetBuffer), a: a}
}

// getOrCreate returns the buffer for head.MsgID. With no entry present the
// chunk must carry BEGIN; otherwise the initial chunk was lost or duplicated
// and (nil, true) is returned so the caller can resync. Allocation failure
// returns (nil, false) and inserts nothing.
func (p *packetPool) getOrCreate(head *DataHead) (buf *packetBuffer, beginMissing bool) {
	if e, ok := p.entries[head.MsgID]; ok {
		return e, false
	}
	if !head.IsBegin() {
		return nil, true
	}
	data := p.a.Malloc(int(head.Len))
	if data == nil && head.Len > 0 {
		return nil, false
	}
	e := &packetBuffer{data: data}
	p.entries[head.MsgID] = e
	return e, false
}

func (p *packetPool) find(msgID uint64) *packetBuffer {
	return p.entries[msgID]
}

// move detaches the accumulated payload for msgID and hands ownership to the
// caller. The entry is removed; a second move returns nil.
func (p *packetPool) move(msgID uint64) []byte {
	e, ok := p.entries[msgID]
	if !ok {
		return nil
	}
	out := e.bytes()
	e.data = nil
	e.length = 0
	delete(p.entries, msgID)
	return out
}

// drop discards the entry for msgID, returning its storage to the allocator.
func (p *packetPool) drop(msgID uint64) {
	if e, ok := p.entries[msgID]; ok {
		p.a.Free(e.data)
		delete(p.entries, msgID)
	}
}

// memory sums the in-flight reassembly storage.
func (p *packetPool) memory() int {
	total := 0
	for _, e := range p.entries {
		total += len(e.data)
	}
	return total
}

func (p *packetPool) size() int { return len(p.entries) }
