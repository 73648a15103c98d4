// Package alloc defines the allocator capability injected into the message
// bus so callers may place reassembly storage wherever they need (heap,
// arena, shared memory mapping).
package alloc

// Allocator supplies the byte storage used by the bus. A nil return from
// Malloc/Calloc/Realloc signals allocation failure; the caller aborts the
// operation in progress.
type Allocator interface {
	// Malloc returns a slice of length n.
	Malloc(n int) []byte
	// Calloc returns a zeroed slice of length n.
	Calloc(n int) []byte
	// Realloc resizes b to length n, preserving the prefix.
	Realloc(b []byte, n int) []byte
	// Free releases b. Implementations backed by the Go heap may no-op.
	Free(b []byte)
}

// Std returns the default heap-backed allocator.
func Std() Allocator { return stdAllocator{} }

type stdAllocator struct{}

func (stdAllocator) Malloc(n int) []byte { return make([]byte, n) }
func (stdAllocator) Calloc(n int) []byte { return make([]byte, n) }

func (stdAllocator) Realloc(b []byte, n int) []byte {
	if n <= cap(b) {
		return b[:n]
	}
	nb := make([]byte, n)
	copy(nb, b)
	return nb
}

func (stdAllocator) Free([]byte) {}
