// Package scrollback keeps the history pages a client has fetched from the
// companion. Pages are requested forward from offset 0; the companion
// reports the history's total length with every page, so the client knows
// when it has everything.
package scrollback

import (
	"sort"
	"sync"

	"github.com/chronologos/rtach-client/internal/protocol"
)

const (
	DefaultMaxBytes = 16 * 1024 * 1024 // 16 MB
	DefaultPageSize = 64 * 1024
)

// page is one stored scrollback page.
type page struct {
	offset uint32
	data   []byte
}

func (p page) end() uint64 { return uint64(p.offset) + uint64(len(p.data)) }

// Buffer is a byte-bounded ring of received pages. When the byte limit is
// exceeded the oldest received pages are evicted.
//
// Buffer is safe for concurrent use.
type Buffer struct {
	mu       sync.Mutex
	pages    []page
	size     int // current total page bytes stored
	maxSize  int
	head     int // index of next write position
	count    int
	capacity int

	total     uint32
	totalSeen bool
	next      uint32 // offset of the next forward page to request
}

// New creates a buffer holding at most maxBytes of page data.
func New(maxBytes int) *Buffer {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	// Assume pages of ~4KB, clamped to [64, 64K] slots.
	slots := max(64, min(maxBytes/4096, 1<<16))
	return &Buffer{
		pages:    make([]page, slots),
		maxSize:  maxBytes,
		capacity: slots,
	}
}

// Store records a received page and reports whether it moved the paging
// cursor forward. The data is copied; a page larger than the whole buffer
// keeps only its last maxBytes.
func (b *Buffer) Store(meta protocol.ScrollbackPageMeta, data []byte) bool {
	end := uint64(meta.Offset) + uint64(len(data))
	offset := meta.Offset

	b.mu.Lock()
	defer b.mu.Unlock()

	if over := len(data) - b.maxSize; over > 0 {
		data = data[over:]
		offset += uint32(over)
	}
	p := page{offset: offset, data: make([]byte, len(data))}
	copy(p.data, data)

	b.total = meta.TotalLength
	b.totalSeen = true
	advanced := false
	if end > uint64(b.next) && uint64(meta.Offset) <= uint64(b.next) {
		b.next = uint32(end)
		advanced = true
	}

	for b.count > 0 && b.size+len(p.data) > b.maxSize {
		b.evictOldest()
	}
	if b.count >= b.capacity {
		b.evictOldest()
	}

	b.pages[b.head] = p
	b.head = (b.head + 1) % b.capacity
	b.count++
	b.size += len(p.data)
	return advanced
}

// StoreLegacy replaces the buffer's contents with a whole-history response.
func (b *Buffer) StoreLegacy(data []byte) {
	b.Reset()
	b.Store(protocol.ScrollbackPageMeta{TotalLength: uint32(len(data))}, data)
}

// tail returns the index of the oldest page. Caller must hold b.mu and ensure b.count > 0.
func (b *Buffer) tail() int {
	return (b.head - b.count + b.capacity) % b.capacity
}

func (b *Buffer) evictOldest() {
	t := b.tail()
	b.size -= len(b.pages[t].data)
	b.pages[t] = page{}
	b.count--
}

// Next returns the offset and limit of the next page to request, and
// whether the whole history has already been fetched.
func (b *Buffer) Next(limit uint32) (offset, n uint32, done bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if limit == 0 {
		limit = DefaultPageSize
	}
	if b.totalSeen && b.next >= b.total {
		return b.next, 0, true
	}
	if b.totalSeen {
		limit = min(limit, b.total-b.next)
	}
	return b.next, limit, false
}

// Total returns the history length reported by the companion, and whether
// any page has reported it yet.
func (b *Buffer) Total() (uint32, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total, b.totalSeen
}

// Bytes returns the contiguous history starting at the lowest stored
// offset. Overlapping pages are merged; the result stops at the first gap.
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	stored := make([]page, 0, b.count)
	t := b.tail()
	for i := 0; i < b.count; i++ {
		stored = append(stored, b.pages[(t+i)%b.capacity])
	}
	b.mu.Unlock()

	if len(stored) == 0 {
		return nil
	}
	sort.SliceStable(stored, func(i, j int) bool { return stored[i].offset < stored[j].offset })

	cursor := uint64(stored[0].offset)
	var out []byte
	for _, p := range stored {
		if uint64(p.offset) > cursor {
			break
		}
		if p.end() > cursor {
			out = append(out, p.data[cursor-uint64(p.offset):]...)
			cursor = p.end()
		}
	}
	return out
}

// Len returns the number of page bytes stored.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Reset drops every page and forgets the reported total.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.pages {
		b.pages[i] = page{}
	}
	b.head, b.count, b.size = 0, 0, 0
	b.total, b.totalSeen, b.next = 0, false, 0
}
