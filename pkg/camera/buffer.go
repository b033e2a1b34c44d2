package camera

import "sync"

// FrameBuffer holds the most recent frame. Put never blocks; an unread frame
// is replaced. Latest never blocks and keeps returning the last frame until a
// newer one arrives or the buffer is cleared.
type FrameBuffer struct {
	ch chan Frame

	mu   sync.Mutex
	last Frame
	has  bool
}

// NewFrameBuffer creates an empty buffer.
func NewFrameBuffer() *FrameBuffer {
	return &FrameBuffer{ch: make(chan Frame, 1)}
}

// Put publishes f, dropping any frame not yet taken.
func (b *FrameBuffer) Put(f Frame) {
	for {
		select {
		case b.ch <- f:
			return
		default:
		}
		select {
		case <-b.ch:
		default:
		}
	}
}

// Latest returns the newest frame, if any.
func (b *FrameBuffer) Latest() (Frame, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	select {
	case f := <-b.ch:
		b.last, b.has = f, true
	default:
	}
	return b.last, b.has
}

// Clear drops any held frame.
func (b *FrameBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()

	select {
	case <-b.ch:
	default:
	}
	b.last, b.has = Frame{}, false
}
