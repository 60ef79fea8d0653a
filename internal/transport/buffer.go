package transport

import "github.com/ricesearch/logstream/internal/stream"

// buffer is the bounded outbound queue. Control entries sit ahead of log
// entries. On overflow the oldest log entry is evicted first, then the
// oldest control entry. Not safe for concurrent use; Transport.mu guards it.
type buffer struct {
	entries  []stream.Entry
	capacity int
	controls int // leading control entries

	dropped int64 // evictions since the last take
	total   int64 // evictions since creation
}

func newBuffer(capacity int) *buffer {
	if capacity < 1 {
		capacity = 1
	}
	return &buffer{
		entries:  make([]stream.Entry, 0, capacity),
		capacity: capacity,
	}
}

func (b *buffer) len() int { return len(b.entries) }

// push adds e, evicting one entry when full. It reports whether an entry
// was evicted.
func (b *buffer) push(e stream.Entry) bool {
	evicted := false
	if len(b.entries) >= b.capacity {
		b.evict()
		evicted = true
	}

	if e.IsControl() {
		b.entries = append(b.entries, stream.Entry{})
		copy(b.entries[b.controls+1:], b.entries[b.controls:])
		b.entries[b.controls] = e
		b.controls++
		return evicted
	}
	b.entries = append(b.entries, e)
	return evicted
}

func (b *buffer) evict() {
	idx := 0
	if b.controls < len(b.entries) {
		idx = b.controls // oldest log entry
	} else {
		b.controls--
	}
	b.entries = append(b.entries[:idx], b.entries[idx+1:]...)
	b.dropped++
	b.total++
}

// take removes and returns every buffered entry along with the eviction
// count accumulated since the previous take.
func (b *buffer) take() ([]stream.Entry, int64) {
	entries := b.entries
	dropped := b.dropped
	b.entries = make([]stream.Entry, 0, b.capacity)
	b.controls = 0
	b.dropped = 0
	return entries, dropped
}

// addDropped counts entries lost outside the buffer, such as a failed
// flush, so the next payload reports them.
func (b *buffer) addDropped(n int64) {
	b.dropped += n
	b.total += n
}
