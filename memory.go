// Copyright 2017 The Memory Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package memory implements a user-space allocator that sub-allocates
// anonymous OS page mappings.
//
// It is a drop-in replacement for a process's heap interface for callers
// that want explicit control over page-level mapping behavior: freed pages
// are returned to the kernel immediately rather than retained on a hidden
// free list. The allocator places requests with a first-fit scan over a
// list of in-band block headers (in address order within each mapping,
// mappings in the order they were created), splits blocks in place
// when there is enough slack, and coalesces a freed block into its
// immediate predecessor when they share the same mapping.
//
// The zero value of Allocator is ready to use. A single Allocator must not
// be used concurrently from more than one goroutine.
package memory

import (
	"fmt"
	"os"
	"runtime"
	"unsafe"
)

const alignment = 8 // must be a power of 2; the fixed machine-word multiple headers and payloads align to.

// roundup returns n rounded up to the next multiple of m. m must be a power of 2.
func roundup(n, m int) int { return (n + m - 1) &^ (m - 1) }

// block is the in-band header that precedes every block's payload. Its size
// is fixed and, on all supported architectures, already a multiple of
// alignment, so headerSize below is a no-op roundup kept for documentation
// and portability to architectures where it would not be.
type block struct {
	origin    *block // mapping origin: header of the first block of this block's OS mapping.
	prev      *block // predecessor in registry order: address order within a mapping, creation order across mappings.
	next      *block // successor in registry order.
	requested int    // caller-visible size; zero iff the block is free.
	total     int    // bytes this block occupies, header included.
	physSize  int    // set only on a mapping origin: the OS-mapped length backing it.
}

var headerSize = roundup(int(unsafe.Sizeof(block{})), alignment)

func blockFromPayload(p unsafe.Pointer) *block {
	return (*block)(unsafe.Pointer(uintptr(p) - uintptr(headerSize)))
}

func (b *block) payload() unsafe.Pointer {
	return unsafe.Pointer(uintptr(unsafe.Pointer(b)) + uintptr(headerSize))
}

// payloadSlice builds the caller-visible slice for b. Its length is the
// requested size and its capacity is the slack available in the block when
// the slice is built (total size minus header). A later split of b can
// shrink the block below that capacity, so Realloc and Reallocarray decide
// in-place growth from the block's current total size, not from cap.
func (b *block) payloadSlice(size int) []byte {
	full := unsafe.Slice((*byte)(b.payload()), b.total-headerSize)
	return full[:size]
}

func zero(p unsafe.Pointer, n int) {
	if n <= 0 {
		return
	}
	buf := unsafe.Slice((*byte)(p), n)
	for i := range buf {
		buf[i] = 0
	}
}

func copyUnsafe(dst, src unsafe.Pointer, n int) {
	if n <= 0 {
		return
	}
	copy(unsafe.Slice((*byte)(dst), n), unsafe.Slice((*byte)(src), n))
}

// mulOverflow returns n*e and true, or (0, false) if the product overflows
// an int. Either operand being zero always reports (0, true): Calloc and
// Reallocarray treat a zero count or element size as a legitimate
// null-returning request, not an error.
func mulOverflow(n, e int) (int, bool) {
	if n == 0 || e == 0 {
		return 0, true
	}
	size := n * e
	if size/e != n {
		return 0, false
	}
	return size, true
}

// trace gates verbose per-call logging to stderr, same switch cznic/memory
// uses. Flip to true locally when debugging; leave false otherwise.
const trace = false

// Allocator allocates and frees memory. Its zero value is ready for use.
type Allocator struct {
	head, tail *block
	regs       map[*block]int // mapping origin -> outstanding OS-mapped length; used by Close.

	allocs int // live allocation count.
	mmaps  int // live distinct OS mappings.
	bytes  int // live bytes asked from the OS.
}

// newMapping reserves a fresh OS mapping sized to hold size payload bytes
// plus one header, and returns its sole origin block.
func (a *Allocator) newMapping(size int) (*block, error) {
	total := roundup(headerSize+size, pageSize)
	buf, err := mmapReserve(total)
	if err != nil {
		return nil, fmt.Errorf("memory: reserve %d bytes: %w", total, err)
	}

	b := (*block)(unsafe.Pointer(&buf[0]))
	b.origin = b
	b.prev = nil
	b.next = nil
	b.requested = 0
	b.total = total
	b.physSize = total
	if a.regs == nil {
		a.regs = map[*block]int{}
	}
	a.regs[b] = total
	a.mmaps++
	a.bytes += total
	return b, nil
}

func (a *Allocator) releasePages(origin *block, n int) error {
	return mmapRelease(unsafe.Pointer(origin), n)
}

// place runs the first-fit placement algorithm for a size-byte request and
// returns the block that will serve it. fresh reports whether the block
// came from a brand new OS mapping (and is therefore already zeroed by the
// kernel) as opposed to reuse or split of an existing block (whose payload
// may hold stale bytes from a prior tenant).
func (a *Allocator) place(size int) (b *block, fresh bool, err error) {
	if a.head == nil {
		b, err := a.newMapping(size)
		if err != nil {
			return nil, false, err
		}
		b.requested = size
		a.head, a.tail = b, b
		return b, true, nil
	}

	for p := a.head; p != nil; p = p.next {
		// Reuse: p is free and has enough room outright.
		if p.requested == 0 && p.total >= headerSize+size {
			p.requested = size
			return p, false, nil
		}

		// Split: p has slack beyond its own footprint to carve off a new block.
		used := roundup(headerSize+p.requested, alignment)
		if p.total >= used+headerSize+size {
			addr := uintptr(unsafe.Pointer(p)) + uintptr(used)
			if int(addr%uintptr(pageSize)) < headerSize {
				// A header here would straddle a page boundary; keep scanning.
				continue
			}

			n := (*block)(unsafe.Pointer(addr))
			n.prev = p
			n.next = p.next
			if a.tail == p {
				a.tail = n
			} else {
				p.next.prev = n
			}
			p.next = n
			n.origin = p.origin
			n.requested = size
			n.total = p.total - used
			n.physSize = 0
			p.total = used
			return n, false, nil
		}
	}

	// No fit anywhere in the registry: reserve a new mapping and append it.
	b, err = a.newMapping(size)
	if err != nil {
		return nil, false, err
	}
	b.requested = size
	b.prev = a.tail
	a.tail.next = b
	a.tail = b
	return b, true, nil
}

// Malloc allocates size bytes and returns a byte slice over the allocated
// memory. The memory is not initialized. Malloc panics for size < 0 and
// returns (nil, nil) for zero size.
//
// It's fine to reslice the returned slice, but the result of appending to
// it must not be passed to Free, Realloc or Reallocarray: append may move
// it to a backing array this allocator does not own.
func (a *Allocator) Malloc(size int) (r []byte, err error) {
	if trace {
		defer func() {
			var p *byte
			if len(r) != 0 {
				p = &r[0]
			}
			fmt.Fprintf(os.Stderr, "Malloc(%#x) %p, %v\n", size, p, err)
		}()
	}
	if size < 0 {
		panic("memory: invalid malloc size")
	}
	if size == 0 {
		return nil, nil
	}

	b, _, err := a.place(size)
	if err != nil {
		return nil, err
	}
	a.allocs++
	return b.payloadSlice(size), nil
}

// Calloc is like Malloc except the allocated memory is zeroed and the size
// is computed as n*e. Calloc returns (nil, nil) if either argument is zero,
// and a distinguished error if the product overflows an int.
func (a *Allocator) Calloc(n, e int) (r []byte, err error) {
	if trace {
		defer func() {
			var p *byte
			if len(r) != 0 {
				p = &r[0]
			}
			fmt.Fprintf(os.Stderr, "Calloc(%#x, %#x) %p, %v\n", n, e, p, err)
		}()
	}
	if n < 0 || e < 0 {
		panic("memory: invalid calloc size")
	}

	size, ok := mulOverflow(n, e)
	if !ok {
		return nil, fmt.Errorf("memory: calloc size overflow: %d * %d", n, e)
	}
	if size == 0 {
		return nil, nil
	}

	b, fresh, err := a.place(size)
	if err != nil {
		return nil, err
	}
	a.allocs++
	r = b.payloadSlice(size)
	if !fresh {
		// A new mapping is already zero-filled by the kernel; reuse/split paths
		// may hold bytes from a prior tenant and must be zeroed explicitly.
		for i := range r {
			r[i] = 0
		}
	}
	return r, nil
}

// Realloc changes the size of the backing allocation of b to size bytes. The
// contents are preserved up to min(len(b), size). If b has a zero-size
// backing array (including nil), Realloc is equivalent to Malloc(size). If
// size is zero and b is non-empty, Realloc is equivalent to Free(b) and
// returns nil. Growth in place returns b itself; otherwise a new region is
// allocated, the content copied, and the old region freed. The argument
// slice must not be used again after a non-in-place Realloc.
func (a *Allocator) Realloc(b []byte, size int) (r []byte, err error) {
	if trace {
		var p0 *byte
		if cap(b) != 0 {
			p0 = (*byte)(unsafe.Pointer(unsafe.SliceData(b)))
		}
		defer func() {
			var p *byte
			if len(r) != 0 {
				p = &r[0]
			}
			fmt.Fprintf(os.Stderr, "Realloc(%p, %#x) %p, %v\n", p0, size, p, err)
		}()
	}
	switch {
	case cap(b) == 0:
		return a.Malloc(size)
	case size == 0:
		return nil, a.Free(b)
	}

	if blk := blockFromPayload(unsafe.Pointer(unsafe.SliceData(b))); size <= blk.total-headerSize {
		blk.requested = size
		return blk.payloadSlice(size), nil
	}

	if r, err = a.Malloc(size); err != nil {
		return nil, err
	}
	copy(r, b)
	return r, a.Free(b)
}

// Reallocarray is like Realloc with size computed as n*e, except that
// newly exposed bytes from an in-place grow are zeroed, and a non-in-place
// grow zero-initializes the new region beyond the copied prefix (it
// allocates via Calloc).
func (a *Allocator) Reallocarray(b []byte, n, e int) (r []byte, err error) {
	if trace {
		var p0 *byte
		if cap(b) != 0 {
			p0 = (*byte)(unsafe.Pointer(unsafe.SliceData(b)))
		}
		defer func() {
			var p *byte
			if len(r) != 0 {
				p = &r[0]
			}
			fmt.Fprintf(os.Stderr, "Reallocarray(%p, %#x, %#x) %p, %v\n", p0, n, e, p, err)
		}()
	}
	if n < 0 || e < 0 {
		panic("memory: invalid reallocarray size")
	}

	size, ok := mulOverflow(n, e)
	if !ok {
		return nil, fmt.Errorf("memory: reallocarray size overflow: %d * %d", n, e)
	}

	switch {
	case cap(b) == 0:
		return a.Calloc(n, e)
	case size == 0:
		return nil, a.Free(b)
	}

	if blk := blockFromPayload(unsafe.Pointer(unsafe.SliceData(b))); size <= blk.total-headerSize {
		old := blk.requested
		blk.requested = size
		r = blk.payloadSlice(size)
		if size > old {
			for i := old; i < size; i++ {
				r[i] = 0
			}
		}
		return r, nil
	}

	if r, err = a.Calloc(n, e); err != nil {
		return nil, err
	}
	copy(r, b)
	return r, a.Free(b)
}

// Free deallocates memory acquired from Malloc, Calloc, Realloc or
// Reallocarray. Free(nil) and Free of a slice with zero capacity are no-ops;
// a zero-length slice with non-zero capacity frees its backing block.
func (a *Allocator) Free(b []byte) (err error) {
	if trace {
		var p *byte
		if len(b) != 0 {
			p = &b[0]
		}
		defer func() {
			fmt.Fprintf(os.Stderr, "Free(%p) %v\n", p, err)
		}()
	}

	b = b[:cap(b)]
	if len(b) == 0 {
		return nil
	}
	return a.free(blockFromPayload(unsafe.Pointer(&b[0])))
}

// free merges b into its predecessor where possible, then reclaims whole idle
// pages of the containing mapping back to the OS.
func (a *Allocator) free(b *block) error {
	a.allocs--
	switch {
	case b.prev == nil && b.next == nil:
		a.head, a.tail = nil, nil
		delete(a.regs, b.origin)
		a.mmaps--
		a.bytes -= b.physSize
		return a.releasePages(b, b.physSize)
	case b.prev == nil:
		// Head with a successor: mark free. Blocks are never merged forward
		// into a successor, only ever backward into a predecessor in the
		// same mapping, and a head block has none.
		b.requested = 0
		return a.reclaim(b.origin)
	case b.prev.origin == b.origin:
		p := b.prev
		p.total += b.total
		p.next = b.next
		if b.next != nil {
			b.next.prev = p
		} else {
			a.tail = p
		}
		return a.reclaim(p.origin)
	default:
		b.requested = 0
		return a.reclaim(b.origin)
	}
}

// reclaim returns whole idle pages of m, the mapping origin of a just-freed
// or just-merged block, back to the OS. It is a no-op unless m is itself
// free and spans at least one whole page.
func (a *Allocator) reclaim(m *block) error {
	if m.requested != 0 || m.total < pageSize {
		return nil
	}

	if m.total%pageSize == 0 {
		if m.prev != nil {
			m.prev.next = m.next
		} else {
			a.head = m.next
		}
		if m.next != nil {
			m.next.prev = m.prev
		} else {
			a.tail = m.prev
		}
		delete(a.regs, m)
		a.mmaps--
		a.bytes -= m.physSize
		return a.releasePages(m, m.physSize)
	}

	// UnmapViewOfFile cannot release a prefix of a view, so on Windows m stays
	// resident until the rest of its mapping is freed into it.
	if runtime.GOOS == "windows" {
		return nil
	}

	// A non-integral tail remains resident: lay a new free header at the next
	// page boundary, retarget the rest of this mapping's chain to it, and
	// unmap only the whole-page prefix.
	w := (m.total / pageSize) * pageSize
	n := (*block)(unsafe.Pointer(uintptr(unsafe.Pointer(m)) + uintptr(w)))
	n.prev = m.prev
	n.next = m.next
	n.requested = 0
	if m.next != nil {
		n.total = int(uintptr(unsafe.Pointer(m.next)) - uintptr(unsafe.Pointer(n)))
	} else {
		n.total = m.physSize - w
	}
	n.physSize = m.physSize - w
	n.origin = m
	for c := n; c != nil && c.origin == m; c = c.next {
		c.origin = n
	}

	if m.prev != nil {
		m.prev.next = n
	} else {
		a.head = n
	}
	if m.next != nil {
		m.next.prev = n
	} else {
		a.tail = n
	}

	delete(a.regs, m)
	a.regs[n] = n.physSize
	a.bytes -= w
	return a.releasePages(m, w)
}

// Close releases every OS mapping still held by a, regardless of whether
// the memory within it is currently allocated, and resets a to its zero
// value. It is not necessary to Close an Allocator when exiting a process.
func (a *Allocator) Close() (err error) {
	for m, size := range a.regs {
		if e := a.releasePages(m, size); e != nil && err == nil {
			err = e
		}
	}
	*a = Allocator{}
	return err
}

// UnsafeMalloc is like Malloc except it returns an unsafe.Pointer instead of
// a slice.
func (a *Allocator) UnsafeMalloc(size int) (r unsafe.Pointer, err error) {
	if size < 0 {
		panic("memory: invalid malloc size")
	}
	if size == 0 {
		return nil, nil
	}

	b, _, err := a.place(size)
	if err != nil {
		return nil, err
	}
	a.allocs++
	return b.payload(), nil
}

// UnsafeCalloc is like Calloc except it returns an unsafe.Pointer.
func (a *Allocator) UnsafeCalloc(n, e int) (r unsafe.Pointer, err error) {
	if n < 0 || e < 0 {
		panic("memory: invalid calloc size")
	}

	size, ok := mulOverflow(n, e)
	if !ok {
		return nil, fmt.Errorf("memory: calloc size overflow: %d * %d", n, e)
	}
	if size == 0 {
		return nil, nil
	}

	b, fresh, err := a.place(size)
	if err != nil {
		return nil, err
	}
	a.allocs++
	p := b.payload()
	if !fresh {
		zero(p, size)
	}
	return p, nil
}

// UnsafeFree is like Free except its argument is an unsafe.Pointer, which
// must have been acquired from UnsafeMalloc, UnsafeCalloc or UnsafeRealloc.
func (a *Allocator) UnsafeFree(p unsafe.Pointer) error {
	if p == nil {
		return nil
	}
	return a.free(blockFromPayload(p))
}

// UnsafeRealloc is like Realloc except its first argument and result are
// unsafe.Pointer, which must have been acquired from UnsafeMalloc,
// UnsafeCalloc, UnsafeRealloc or UnsafeReallocarray (or be nil).
func (a *Allocator) UnsafeRealloc(p unsafe.Pointer, size int) (r unsafe.Pointer, err error) {
	if p == nil {
		return a.UnsafeMalloc(size)
	}
	if size == 0 {
		return nil, a.UnsafeFree(p)
	}

	b := blockFromPayload(p)
	if size <= b.total-headerSize {
		b.requested = size
		return p, nil
	}

	old := b.requested
	if r, err = a.UnsafeMalloc(size); err != nil {
		return nil, err
	}
	copyUnsafe(r, p, min(old, size))
	return r, a.UnsafeFree(p)
}

// UnsafeReallocarray is like Reallocarray except its first argument and
// result are unsafe.Pointer.
func (a *Allocator) UnsafeReallocarray(p unsafe.Pointer, n, e int) (r unsafe.Pointer, err error) {
	if n < 0 || e < 0 {
		panic("memory: invalid reallocarray size")
	}

	size, ok := mulOverflow(n, e)
	if !ok {
		return nil, fmt.Errorf("memory: reallocarray size overflow: %d * %d", n, e)
	}
	if p == nil {
		return a.UnsafeCalloc(n, e)
	}
	if size == 0 {
		return nil, a.UnsafeFree(p)
	}

	b := blockFromPayload(p)
	if size <= b.total-headerSize {
		old := b.requested
		b.requested = size
		if size > old {
			zero(unsafe.Pointer(uintptr(p)+uintptr(old)), size-old)
		}
		return p, nil
	}

	old := b.requested
	if r, err = a.UnsafeCalloc(n, e); err != nil {
		return nil, err
	}
	copyUnsafe(r, p, min(old, size))
	return r, a.UnsafeFree(p)
}

// UnsafeUsableSize reports the number of bytes usable at p without
// triggering a reallocation, which may be larger than the size originally
// requested. p must have been returned by UnsafeMalloc, UnsafeCalloc or
// UnsafeRealloc, or be nil.
func UnsafeUsableSize(p unsafe.Pointer) int {
	if p == nil {
		return 0
	}
	return blockFromPayload(p).total - headerSize
}

// UsableSize is like UnsafeUsableSize except its argument is the first byte
// of a slice returned from Malloc, Calloc or Realloc.
func UsableSize(p *byte) int { return UnsafeUsableSize(unsafe.Pointer(p)) }
