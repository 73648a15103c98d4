package alloc

import (
	"bytes"
	"testing"
)

func TestStdAllocator(t *testing.T) {
	a := Std()

	b := a.Malloc(16)
	if len(b) != 16 {
		t.Fatalf("malloc len = %d", len(b))
	}
	z := a.Calloc(8)
	if !bytes.Equal(z, make([]byte, 8)) {
		t.Fatalf("calloc must zero")
	}
}

func TestStdRealloc(t *testing.T) {
	a := Std()

	b := a.Malloc(4)
	copy(b, "abcd")

	grown := a.Realloc(b, 10)
	if len(grown) != 10 || string(grown[:4]) != "abcd" {
		t.Fatalf("realloc must preserve the prefix: %q", grown[:4])
	}

	shrunk := a.Realloc(grown, 2)
	if len(shrunk) != 2 || string(shrunk) != "ab" {
		t.Fatalf("realloc shrink mismatch: %q", shrunk)
	}

	a.Free(shrunk)
}
