package port

import (
	"context"

	"github.com/Wyydra/duo/internal/core/domain"
)

// IceConfigProvider resolves the servers a peer resource is built with.
// It never fails: on error it falls back to a known set.
type IceConfigProvider interface {
	FetchServers(ctx context.Context) domain.IceServerSet
}

// ProfileDirectory reads profiles owned by the identity collaborator.
type ProfileDirectory interface {
	Self(ctx context.Context) (domain.Profile, error)
	Partner(ctx context.Context, id domain.UserID) (domain.PartnerProfile, error)
}
