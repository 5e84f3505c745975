// Package buffer provides the bounded producer/consumer structures that sit
// between the decode worker and the presentation scheduler: a fixed-capacity
// video frame queue and a circular audio sample ring.
//
// Neither structure locks internally. Both are owned by a player session and
// guarded by its queue lock, so the decode worker and the host threads see a
// single consistent view of queue slots, ring indices, and the display frame.
package buffer

import "github.com/zsiec/refract/media"

// FrameEntry is one slot of the video queue. The RGBA buffer is allocated
// the first time the slot is written and reused for every later frame that
// lands in the same slot index. Clear marks slots invalid without freeing.
type FrameEntry struct {
	Data   []byte
	Width  int
	Height int
	Stride int
	PTS    float64
	Valid  bool
}

// FrameQueue is a fixed-capacity ring of decoded video frames ordered by
// arrival. Within one decode segment (no seek or loop wrap) entries carry
// non-decreasing PTS values.
type FrameQueue struct {
	slots []FrameEntry
	read  int
	write int
	count int
}

// NewFrameQueue creates a queue with the given capacity. Slot buffers are
// allocated lazily on first push into each slot.
func NewFrameQueue(capacity int) *FrameQueue {
	if capacity <= 0 {
		capacity = media.FrameQueueCapacity
	}
	return &FrameQueue{slots: make([]FrameEntry, capacity)}
}

// Len returns the number of valid entries.
func (q *FrameQueue) Len() int { return q.count }

// Cap returns the slot capacity.
func (q *FrameQueue) Cap() int { return len(q.slots) }

// Full reports whether a push without overwrite would be refused.
func (q *FrameQueue) Full() bool { return q.count == len(q.slots) }

// Push copies the payload into the slot at the write index. When the queue
// is full, overwrite selects the live policy: the oldest entry is discarded
// first so the queue never stalls. Without overwrite a full queue rejects
// the frame and returns false; VOD callers retry once the scheduler has
// made room.
func (q *FrameQueue) Push(p *media.VideoPayload, overwrite bool) bool {
	if q.count == len(q.slots) {
		if !overwrite {
			return false
		}
		q.slots[q.read].Valid = false
		q.read = (q.read + 1) % len(q.slots)
		q.count--
	}

	slot := &q.slots[q.write]
	need := p.Height * p.Stride
	if cap(slot.Data) < need {
		slot.Data = make([]byte, need)
	}
	slot.Data = slot.Data[:need]
	copy(slot.Data, p.Data[:need])
	slot.Width = p.Width
	slot.Height = p.Height
	slot.Stride = p.Stride
	slot.PTS = p.PTS
	slot.Valid = true

	q.write = (q.write + 1) % len(q.slots)
	q.count++
	return true
}

// PeekOldest returns the oldest valid entry without consuming it, or nil
// when the queue is empty.
func (q *FrameQueue) PeekOldest() *FrameEntry {
	if q.count == 0 {
		return nil
	}
	return &q.slots[q.read]
}

// PopOldest consumes and returns the oldest valid entry, or nil when the
// queue is empty. The returned entry's buffer remains owned by the queue
// and is overwritten by a later push into the same slot.
func (q *FrameQueue) PopOldest() *FrameEntry {
	if q.count == 0 {
		return nil
	}
	e := &q.slots[q.read]
	e.Valid = false
	q.read = (q.read + 1) % len(q.slots)
	q.count--
	return e
}

// DrainToNewest invalidates every entry except the newest and returns that
// newest entry, consuming it as well. Used by the live presentation policy
// so display latency tracks the producer. Returns nil when empty.
func (q *FrameQueue) DrainToNewest() *FrameEntry {
	if q.count == 0 {
		return nil
	}
	newest := (q.write - 1 + len(q.slots)) % len(q.slots)
	for q.count > 0 {
		q.slots[q.read].Valid = false
		q.read = (q.read + 1) % len(q.slots)
		q.count--
	}
	return &q.slots[newest]
}

// Clear invalidates all entries and resets the indices. Slot buffers are
// kept for reuse; they are only released when the session is destroyed.
func (q *FrameQueue) Clear() {
	for i := range q.slots {
		q.slots[i].Valid = false
	}
	q.read = 0
	q.write = 0
	q.count = 0
}
