package petrel

import "sync"

// PendingBuffer is a byte-capped FIFO of serialized outbound frames,
// populated only while the connection is reconnecting and drained exactly
// once per successful reconnect.
type PendingBuffer struct {
	lock      sync.Mutex
	frames    [][]byte
	byteCount int
	capacity  int
	disabled  bool
	unbounded bool
}

// NewPendingBuffer builds a buffer for the given capacity: zero disables
// buffering, ReconnectBufferUnbounded removes the cap, positive bounds it.
func NewPendingBuffer(capacity int) *PendingBuffer {
	buffer := &PendingBuffer{capacity: capacity}
	switch {
	case capacity == 0:
		buffer.disabled = true
	case capacity < 0:
		buffer.unbounded = true
	}
	return buffer
}

// TryAppend queues a serialized frame. It reports false without mutation
// when buffering is disabled or the frame would push the running byte total
// past capacity. Frames are admitted whole or not at all.
func (buffer *PendingBuffer) TryAppend(frame []byte) bool {
	if buffer.disabled {
		return false
	}

	buffer.lock.Lock()
	defer buffer.lock.Unlock()

	if !buffer.unbounded && buffer.byteCount+len(frame) > buffer.capacity {
		return false
	}
	buffer.frames = append(buffer.frames, frame)
	buffer.byteCount += len(frame)
	return true
}

// DrainAll atomically removes and returns every buffered frame in FIFO
// order and resets the byte count.
func (buffer *PendingBuffer) DrainAll() [][]byte {
	buffer.lock.Lock()
	defer buffer.lock.Unlock()

	frames := buffer.frames
	buffer.frames = nil
	buffer.byteCount = 0
	return frames
}

// restore puts back frames that were drained but never sent, ahead of
// anything appended since the drain. Capacity is not re-checked; the frames
// were already admitted once.
func (buffer *PendingBuffer) restore(frames [][]byte) {
	if len(frames) == 0 {
		return
	}

	buffer.lock.Lock()
	defer buffer.lock.Unlock()

	buffer.frames = append(append([][]byte(nil), frames...), buffer.frames...)
	for _, frame := range frames {
		buffer.byteCount += len(frame)
	}
}

// Len reports the number of buffered frames.
func (buffer *PendingBuffer) Len() int {
	buffer.lock.Lock()
	defer buffer.lock.Unlock()
	return len(buffer.frames)
}

// Bytes reports the running byte total.
func (buffer *PendingBuffer) Bytes() int {
	buffer.lock.Lock()
	defer buffer.lock.Unlock()
	return buffer.byteCount
}
