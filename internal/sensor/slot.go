package sensor

import (
	"context"
	"sync"

	"sim-editor-go/internal/frame"
)

// slot is a single-frame mailbox. publish overwrites any unread frame and
// never waits for the reader; one reader takes frames out.
type slot struct {
	mu      sync.Mutex
	frame   frame.Frame
	pending bool
	closed  bool
	drops   uint64

	notify chan struct{} // capacity 1; a token means "look again"
	done   chan struct{}
}

func newSlot() *slot {
	return &slot{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// publish stores f unless the slot is closed. replaced reports whether an
// unread frame was overwritten.
func (s *slot) publish(f frame.Frame) (stored, replaced bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false, false
	}
	replaced = s.pending
	if replaced {
		s.drops++
	}
	s.frame = f
	s.pending = true
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return true, replaced
}

func (s *slot) take() (frame.Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.pending {
		return frame.Frame{}, false
	}
	f := s.frame
	s.frame = frame.Frame{}
	s.pending = false
	return f, true
}

// wait blocks for the next frame. An unread frame is dropped on close.
func (s *slot) wait(ctx context.Context) (frame.Frame, error) {
	for {
		if f, ok := s.take(); ok {
			return f, nil
		}
		select {
		case <-s.notify:
		case <-s.done:
			return frame.Frame{}, ErrStopped
		case <-ctx.Done():
			return frame.Frame{}, ctx.Err()
		}
	}
}

func (s *slot) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.frame = frame.Frame{}
	s.pending = false
	close(s.done)
}

func (s *slot) dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.drops
}
