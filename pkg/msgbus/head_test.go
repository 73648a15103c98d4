package msgbus

import (
	"fmt"
	"strings"
	"testing"
)

func TestDataHeadRoundtrip(t *testing.T) {
	h := DataHead{
		Fd:        -42,
		MsgID:     0x1122334455667788,
		Len:       987654,
		ReactorID: -3,
		Type:      7,
		Flags:     FlagChunk | FlagEnd,
		ServerFd:  512,
		ExtFlags:  0xBEEF,
		Time:      1722500000.25,
	}

	buf := make([]byte, HeadSize)
	if err := h.Marshal(buf); err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var h2 DataHead
	if err := h2.Unmarshal(buf); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if h2 != h {
		t.Fatalf("heads differ: %#v vs %#v", h2, h)
	}
}

func TestDataHeadShortBuffer(t *testing.T) {
	var h DataHead
	if err := h.Marshal(make([]byte, HeadSize-1)); err == nil {
		t.Fatalf("expected error on short marshal buffer")
	}
	if err := h.Unmarshal(make([]byte, HeadSize-1)); err == nil {
		t.Fatalf("expected error on short unmarshal buffer")
	}
}

func TestDataHeadStringListsEveryField(t *testing.T) {
	h := DataHead{
		Fd:        101,
		MsgID:     202,
		Len:       303,
		ReactorID: 4,
		Type:      5,
		Flags:     FlagChunk,
		ServerFd:  606,
		ExtFlags:  0x0707,
		Time:      8.5,
	}
	s := h.String()
	for _, want := range []string{
		"fd=101", "msg_id=202", "len=303", "reactor_id=4", "type=5",
		fmt.Sprintf("flags=0x%02x", FlagChunk), "server_fd=606",
		fmt.Sprintf("ext_flags=0x%04x", 0x0707), "time=8.5",
	} {
		if !strings.Contains(s, want) {
			t.Fatalf("dump %q missing %q", s, want)
		}
	}
}

func TestFlagPredicates(t *testing.T) {
	h := DataHead{Flags: FlagChunk | FlagBegin}
	if !h.IsChunked() || !h.IsBegin() || h.IsEnd() {
		t.Fatalf("predicate mismatch for flags 0x%02x", h.Flags)
	}
	h.Flags = FlagChunk | FlagEnd
	if !h.IsChunked() || h.IsBegin() || !h.IsEnd() {
		t.Fatalf("predicate mismatch for flags 0x%02x", h.Flags)
	}
	h.Flags = 0
	if h.IsChunked() || h.IsBegin() || h.IsEnd() {
		t.Fatalf("predicate mismatch for zero flags")
	}
}
