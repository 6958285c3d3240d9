package memory

import (
	"context"
	"sync"

	"github.com/Wyydra/duo/internal/core/domain"
)

// DiagnosticsRepository keeps the most recent diagnostics in a ring
// buffer. Nothing is written to disk.
type DiagnosticsRepository struct {
	mu    sync.Mutex
	items []domain.Diagnostic
	next  int
	full  bool
}

func NewDiagnosticsRepository(capacity int) *DiagnosticsRepository {
	if capacity <= 0 {
		capacity = 256
	}
	return &DiagnosticsRepository{
		items: make([]domain.Diagnostic, capacity),
	}
}

func (r *DiagnosticsRepository) Save(ctx context.Context, d domain.Diagnostic) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[r.next] = d
	r.next = (r.next + 1) % len(r.items)
	if r.next == 0 {
		r.full = true
	}
	return nil
}

// Recent returns up to limit entries, newest last. A limit <= 0 means
// everything kept.
func (r *DiagnosticsRepository) Recent(ctx context.Context, limit int) ([]domain.Diagnostic, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var all []domain.Diagnostic
	if r.full {
		all = append(all, r.items[r.next:]...)
	}
	all = append(all, r.items[:r.next]...)

	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all, nil
}
