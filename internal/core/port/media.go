package port

import (
	"context"

	"github.com/Wyydra/duo/internal/core/domain"
)

// LocalMedia is a captured local stream.
type LocalMedia interface {
	Constraints() domain.Constraints
	// Stop releases the capture devices. It is idempotent.
	Stop()
}

// MediaSource captures local media.
type MediaSource interface {
	Acquire(ctx context.Context, c domain.Constraints) (LocalMedia, error)
}
