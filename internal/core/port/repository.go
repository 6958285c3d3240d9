package port

import (
	"context"

	"github.com/Wyydra/duo/internal/core/domain"
)

// DiagnosticsRepository keeps recent diagnostic events in memory.
type DiagnosticsRepository interface {
	Save(ctx context.Context, d domain.Diagnostic) error
	Recent(ctx context.Context, limit int) ([]domain.Diagnostic, error)
}
