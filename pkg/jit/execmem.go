package jit

import (
	"sync"
	"unsafe"

	"tbcache/pkg/constants"
	"tbcache/pkg/errors"
)

// ErrOutOfMemory is returned by Allocate when the buffer has no room left.
// The cache answers it with a full flush.
var ErrOutOfMemory = errors.New("out of executable memory")

// ExecutableMemory is the host code buffer. Space is handed out with a bump
// pointer and only ever reclaimed all at once by Reset.
type ExecutableMemory struct {
	buffer []byte
	used   int
	mu     sync.Mutex
}

// NewExecutableMemory maps a code buffer of size bytes. A non-positive size
// selects constants.DefaultCodeBufferSize.
func NewExecutableMemory(size int) (*ExecutableMemory, error) {
	if size <= 0 {
		size = constants.DefaultCodeBufferSize
	}
	buffer, err := mapCode(size)
	if err != nil {
		return nil, errors.Wrapf(err, "mapping %d byte code buffer", size)
	}
	return &ExecutableMemory{buffer: buffer}, nil
}

// Allocate reserves size bytes aligned to constants.CodeGenAlign and returns
// their offset from the start of the buffer.
func (em *ExecutableMemory) Allocate(size int) (int, []byte, error) {
	em.mu.Lock()
	defer em.mu.Unlock()

	start := (em.used + constants.CodeGenAlign - 1) &^ (constants.CodeGenAlign - 1)
	if size < 0 || start+size > len(em.buffer) {
		return 0, nil, errors.Wrapf(ErrOutOfMemory, "need %d, have %d", size, len(em.buffer)-em.used)
	}
	em.used = start + size
	return start, em.buffer[start : start+size : start+size], nil
}

// BaseAddress returns the host address of the first byte of the buffer.
func (em *ExecutableMemory) BaseAddress() uintptr {
	if len(em.buffer) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&em.buffer[0]))
}

// Contains reports whether offset lies inside the allocated part.
func (em *ExecutableMemory) Contains(offset int) bool {
	em.mu.Lock()
	defer em.mu.Unlock()
	return offset >= 0 && offset < em.used
}

// Free releases the buffer.
func (em *ExecutableMemory) Free() error {
	em.mu.Lock()
	defer em.mu.Unlock()

	if em.buffer == nil {
		return nil
	}
	err := unmapCode(em.buffer)
	em.buffer = nil
	em.used = 0
	return err
}

// Reset makes the whole buffer available again. Callers must ensure no
// block in the buffer can still run.
func (em *ExecutableMemory) Reset() {
	em.mu.Lock()
	defer em.mu.Unlock()
	em.used = 0
}

// Used returns the amount of memory currently in use
func (em *ExecutableMemory) Used() int {
	em.mu.Lock()
	defer em.mu.Unlock()
	return em.used
}

// Capacity returns the total capacity
func (em *ExecutableMemory) Capacity() int {
	em.mu.Lock()
	defer em.mu.Unlock()
	return len(em.buffer)
}

// Bytes returns a copy of size bytes at offset.
func (em *ExecutableMemory) Bytes(offset, size int) []byte {
	em.mu.Lock()
	defer em.mu.Unlock()
	if offset < 0 || size < 0 || offset+size > len(em.buffer) {
		return nil
	}
	result := make([]byte, size)
	copy(result, em.buffer[offset:offset+size])
	return result
}
