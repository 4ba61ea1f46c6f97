// Package arena provides the per-connection bump allocator used for request
// and response buffers.
//
// Memory is carved from one fixed block, either from the front (buffers that
// may grow) or from the back (fixed-size scratch such as folded header
// values). Nothing is freed individually; Reset discards everything at once
// while optionally preserving a prefix of bytes for the next request.
package arena

import "sync"

// Arena is a fixed-size region with front and back allocation cursors.
// It is not safe for concurrent use.
type Arena struct {
	mem   []byte
	front int
	back  int
	pool  *Pool
}

// New creates an arena of size bytes backed by a fresh block.
func New(size int) *Arena {
	if size < 0 {
		size = 0
	}
	return &Arena{mem: make([]byte, size), back: size}
}

// Size returns the total capacity of the arena.
func (a *Arena) Size() int { return len(a.mem) }

// Free returns the number of bytes still available for allocation.
func (a *Arena) Free() int { return a.back - a.front }

// Alloc carves size bytes from the front or the back of the arena.
// It returns nil when there is not enough room.
func (a *Arena) Alloc(size int, fromEnd bool) []byte {
	if size < 0 || size > a.back-a.front {
		return nil
	}
	if fromEnd {
		a.back -= size
		return a.mem[a.back : a.back+size : a.back+size]
	}
	start := a.front
	a.front += size
	return a.mem[start:a.front:a.front]
}

// Realloc resizes old to newSize bytes, preserving its contents.
//
// When old ends at the current front cursor it is grown or shrunk in place.
// Otherwise a shrink returns a prefix of old and a grow copies old into a
// new front allocation; the original bytes stay valid until Reset.
// It returns nil when there is not enough room.
func (a *Arena) Realloc(old []byte, newSize int) []byte {
	if newSize < 0 {
		return nil
	}
	if start, ok := a.lastFront(old); ok {
		if start+newSize > a.back {
			return nil
		}
		a.front = start + newSize
		return a.mem[start:a.front:a.front]
	}
	if newSize <= len(old) {
		return old[:newSize]
	}
	fresh := a.Alloc(newSize, false)
	if fresh == nil {
		return nil
	}
	copy(fresh, old)
	return fresh
}

// Reset discards every allocation. The bytes of keep are moved to the start
// of the arena and the returned front allocation of newSize bytes begins
// with them. newSize is raised to len(keep) if smaller.
// It returns nil when newSize exceeds the arena.
func (a *Arena) Reset(keep []byte, newSize int) []byte {
	if newSize < len(keep) {
		newSize = len(keep)
	}
	if newSize > len(a.mem) {
		return nil
	}
	copy(a.mem, keep)
	a.front = newSize
	a.back = len(a.mem)
	return a.mem[:newSize:newSize]
}

// Release returns the backing block to its pool, if any. The arena must not
// be used afterwards.
func (a *Arena) Release() {
	if a.pool != nil && a.mem != nil {
		a.pool.put(a.mem)
	}
	a.mem = nil
	a.front = 0
	a.back = 0
}

// lastFront reports whether b ends exactly at the front cursor, and where it
// starts if so.
func (a *Arena) lastFront(b []byte) (int, bool) {
	n := len(b)
	if n == 0 || n > a.front {
		return 0, false
	}
	start := a.front - n
	if &a.mem[start] != &b[0] {
		return 0, false
	}
	return start, true
}

// Pool recycles arena blocks of one size.
type Pool struct {
	size   int
	blocks sync.Pool
}

// NewPool creates a pool handing out arenas of size bytes.
func NewPool(size int) *Pool {
	p := &Pool{size: size}
	p.blocks.New = func() any {
		b := make([]byte, size)
		return &b
	}
	return p
}

// Get returns an empty arena backed by a pooled block.
func (p *Pool) Get() *Arena {
	b := p.blocks.Get().(*[]byte)
	return &Arena{mem: *b, back: p.size, pool: p}
}

func (p *Pool) put(mem []byte) {
	if len(mem) != p.size {
		return
	}
	p.blocks.Put(&mem)
}
