// Package netsock implements the socket-level primitives of the relay:
// the byte queue shared between a connection's read and write sides, the
// endpoint descriptor that carries a queue pair plus its addressing, and
// the TCP/UDP connector and listener engines built on them.
package netsock

// Buffer is a single contiguous run of unread bytes queued for one
// direction of a relay (nc_buffer in the original design).
//
// A Buffer is either empty, a view over a caller-owned scratch region
// (Owned == false — the bytes must be copied out via Promote before the
// scratch region is reused), or an owned copy (Owned == true). This
// mirrors the "tagged union of scratch-view vs owned" shape called for
// by the design notes: the scratch-view case never allocates, and most
// bytes that pass through the relay's hot path take that branch.
type Buffer struct {
	data  []byte
	pos   int
	owned bool
}

// FromScratch builds a Buffer that views p without copying. The caller
// must not reuse or mutate p until the Buffer is drained or Promote is
// called.
func FromScratch(p []byte) Buffer {
	return Buffer{data: p}
}

// Empty reports whether the queue currently holds no unread bytes.
func (b *Buffer) Empty() bool {
	return b.pos >= len(b.data)
}

// Len returns the number of unread bytes remaining in the queue.
func (b *Buffer) Len() int {
	if b.pos >= len(b.data) {
		return 0
	}
	return len(b.data) - b.pos
}

// Bytes returns the unread portion of the queue. The returned slice
// aliases the Buffer's storage and must not be retained past the next
// mutating call.
func (b *Buffer) Bytes() []byte {
	if b.Empty() {
		return nil
	}
	return b.data[b.pos:]
}

// FromOwned builds a Buffer over p as already-owned storage: used when p
// is freshly allocated and will not be mutated or reused by anything
// else, so no later Promote copy is needed.
func FromOwned(p []byte) Buffer {
	return Buffer{data: p, owned: true}
}

// Owned reports whether the queue's storage is owned (safe to outlive
// the scratch buffer it may once have pointed into).
func (b *Buffer) Owned() bool {
	return b.owned
}

// Advance moves the read cursor forward by n bytes, as after a partial
// write of n bytes from the front of the queue. When the queue becomes
// empty its storage is released.
func (b *Buffer) Advance(n int) {
	b.pos += n
	if b.pos >= len(b.data) {
		b.Reset()
	}
}

// Reset empties the queue and releases any owned storage.
func (b *Buffer) Reset() {
	b.data = nil
	b.pos = 0
	b.owned = false
}

// Promote copies a scratch-view queue into owned storage so the scratch
// region it pointed into can be reused for the next read. A no-op if the
// queue is already owned or empty.
func (b *Buffer) Promote() {
	if b.owned || b.Empty() {
		return
	}
	owned := make([]byte, b.Len())
	copy(owned, b.Bytes())
	b.data = owned
	b.pos = 0
	b.owned = true
}

// Take moves the contents of src into b, leaving src empty. When src is
// a scratch view, ownership of that view transfers to b unchanged (no
// copy) — this is the "move into peer's sendq" optimisation from the
// design notes, valid only while b was empty and the scratch region
// outlives the move.
func (b *Buffer) Take(src *Buffer) {
	*b = *src
	src.Reset()
}

// Truncate shortens the queue's remaining length to n bytes. n must be
// <= Len(); a larger n leaves the queue unchanged.
func (b *Buffer) Truncate(n int) {
	if n < 0 {
		n = 0
	}
	if n > b.Len() {
		return
	}
	b.data = b.data[:b.pos+n]
}
