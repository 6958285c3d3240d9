package memory

import (
	"context"
	"sync"

	"github.com/Wyydra/duo/internal/core/domain"
	"github.com/Wyydra/duo/internal/core/port"
)

// MediaSource grants or refuses captures without touching devices.
type MediaSource struct {
	mu       sync.Mutex
	refuse   func(domain.Constraints) error
	acquired []*Media
}

// NewMediaSource returns a source that refuses a capture whenever
// refuse returns an error. A nil refuse grants everything.
func NewMediaSource(refuse func(domain.Constraints) error) *MediaSource {
	return &MediaSource{refuse: refuse}
}

func (s *MediaSource) Acquire(ctx context.Context, c domain.Constraints) (port.LocalMedia, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.refuse != nil {
		if err := s.refuse(c); err != nil {
			return nil, err
		}
	}
	m := &Media{constraints: c}
	s.mu.Lock()
	s.acquired = append(s.acquired, m)
	s.mu.Unlock()
	return m, nil
}

// Acquired lists every capture handed out, oldest first.
func (s *MediaSource) Acquired() []*Media {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Media(nil), s.acquired...)
}

// Live counts captures not yet stopped.
func (s *MediaSource) Live() int {
	n := 0
	for _, m := range s.Acquired() {
		if !m.Stopped() {
			n++
		}
	}
	return n
}

type Media struct {
	mu          sync.Mutex
	constraints domain.Constraints
	stopped     bool
}

func (m *Media) Constraints() domain.Constraints { return m.constraints }

func (m *Media) Stop() {
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()
}

func (m *Media) Stopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}
