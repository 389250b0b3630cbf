// Package ring implements the bounded, sequence-numbered output buffer used
// to replay PTY output to reconnecting clients.
package ring

import (
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// truncationNoticePeriod rate-limits truncation sentinels so a burst of
// small evictions produces at most one notice per second per buffer.
const truncationNoticePeriod = time.Second

// Frame is one chunk of PTY output. Seq values strictly increase per buffer
// and are never reused.
type Frame struct {
	Seq  uint64
	Time time.Time
	Data []byte
}

// PushResult reports the assigned sequence number and whether the push
// evicted older frames.
type PushResult struct {
	// Seq is the sequence number assigned to the pushed frame.
	Seq uint64
	// Truncated is set when the push dropped frames AND the per-second
	// notice window allows surfacing it to clients.
	Truncated bool
	// FramesDropped is how many frames this push evicted.
	FramesDropped uint64
}

// Buffer is a bounded FIFO of output frames, capped independently by total
// bytes and by frame count. Whichever cap is hit first evicts the oldest
// frame. Frame storage sits behind one buffer-scoped mutex; the drop and
// truncation counters are atomics readable without taking it.
type Buffer struct {
	maxBytes  int
	maxFrames int

	mu         sync.Mutex
	frames     []Frame
	nextSeq    uint64
	lastNotice time.Time

	curBytes    atomic.Int64
	drops       atomic.Uint64
	truncations atomic.Uint64
}

// New creates a buffer with the given byte and frame caps. Sequence numbers
// start at 1 so a watermark of 0 always means "nothing seen yet".
func New(maxBytes, maxFrames int) *Buffer {
	return &Buffer{maxBytes: maxBytes, maxFrames: maxFrames, nextSeq: 1}
}

// Push appends data as the next frame, evicting oldest frames until the new
// frame fits under both caps. The data slice is retained; callers must not
// reuse it.
func (b *Buffer) Push(data []byte) PushResult {
	b.mu.Lock()
	defer b.mu.Unlock()

	var droppedThisPush uint64
	for len(b.frames) > 0 &&
		(int(b.curBytes.Load())+len(data) > b.maxBytes || len(b.frames) >= b.maxFrames) {
		evicted := b.frames[0]
		b.frames[0] = Frame{} // release the data for GC
		b.frames = b.frames[1:]
		b.curBytes.Add(-int64(len(evicted.Data)))
		b.drops.Add(1)
		droppedThisPush++
	}

	seq := b.nextSeq
	b.nextSeq++
	b.curBytes.Add(int64(len(data)))
	b.frames = append(b.frames, Frame{Seq: seq, Time: time.Now(), Data: data})

	if droppedThisPush == 0 {
		return PushResult{Seq: seq}
	}

	now := time.Now()
	if !b.lastNotice.IsZero() && now.Sub(b.lastNotice) < truncationNoticePeriod {
		return PushResult{Seq: seq, FramesDropped: droppedThisPush}
	}
	b.lastNotice = now
	b.truncations.Add(1)
	log.Printf("[ring] buffer truncated: %d frames dropped", droppedThisPush)
	return PushResult{Seq: seq, Truncated: true, FramesDropped: droppedThisPush}
}

// currentSeq returns the sequence number of the most recently pushed frame.
// Returns 0 when nothing has been pushed yet.
func (b *Buffer) currentSeq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nextSeq - 1
}

// DrainSince returns up to maxCount retained frames with seq strictly
// greater than watermark, in ascending seq order. The buffer is unchanged.
func (b *Buffer) DrainSince(watermark uint64, maxCount int) []Frame {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Frame
	for _, f := range b.frames {
		if f.Seq <= watermark {
			continue
		}
		out = append(out, f)
		if len(out) >= maxCount {
			break
		}
	}
	return out
}

// GetAll returns a copy of every retained frame, oldest first. Used for a
// subscriber joining with no prior watermark.
func (b *Buffer) GetAll() []Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Frame, len(b.frames))
	copy(out, b.frames)
	return out
}

// clear empties the buffer without resetting the sequence counter.
func (b *Buffer) clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frames = nil
	b.curBytes.Store(0)
}

// Metrics is a point-in-time snapshot of the buffer's counters. The atomic
// counters may race slightly against an in-flight push; that is acceptable
// for observability and they are never used for correctness decisions.
type Metrics struct {
	FrameCount  int
	ByteCount   int
	Drops       uint64
	Truncations uint64
	NextSeq     uint64
}

// Metrics reads the buffer's counters.
func (b *Buffer) Metrics() Metrics {
	b.mu.Lock()
	frameCount := len(b.frames)
	nextSeq := b.nextSeq
	b.mu.Unlock()

	return Metrics{
		FrameCount:  frameCount,
		ByteCount:   int(b.curBytes.Load()),
		Drops:       b.drops.Load(),
		Truncations: b.truncations.Load(),
		NextSeq:     nextSeq,
	}
}
