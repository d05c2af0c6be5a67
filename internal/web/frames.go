package web

import (
	"sync"

	"github.com/cjeanneret/picamgo/internal/logic/capture"
)

// FrameStore keeps the latest preview frame and forwards new frames to
// MJPEG subscribers. It is the capture.FrameSink of the web preview.
type FrameStore struct {
	mu     sync.RWMutex
	latest capture.PreviewFrame
	has    bool
	subs   map[chan capture.PreviewFrame]struct{}
}

func NewFrameStore() *FrameStore {
	return &FrameStore{subs: make(map[chan capture.PreviewFrame]struct{})}
}

var _ capture.FrameSink = (*FrameStore)(nil)

// Publish stores f and hands it to subscribers. A subscriber that has not
// consumed the previous frame skips this one.
func (s *FrameStore) Publish(f capture.PreviewFrame) {
	s.mu.Lock()
	s.latest, s.has = f, true
	s.mu.Unlock()

	s.mu.RLock()
	defer s.mu.RUnlock()
	for ch := range s.subs {
		select {
		case ch <- f:
		default:
		}
	}
}

// Latest returns the most recent frame, false before the first one.
func (s *FrameStore) Latest() (capture.PreviewFrame, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest, s.has
}

// Subscribe returns a channel receiving new frames and its cleanup func.
func (s *FrameStore) Subscribe() (<-chan capture.PreviewFrame, func()) {
	ch := make(chan capture.PreviewFrame, 1)
	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, ch)
			s.mu.Unlock()
			close(ch)
		})
	}
}
