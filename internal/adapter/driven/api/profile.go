package api

import (
	"context"
	"net/http"
	"net/url"

	"github.com/Wyydra/duo/internal/core/domain"
)

// Profiles reads the caller's own profile and public partner cards.
type Profiles struct {
	client client
}

func NewProfiles(base, token string, hc *http.Client) *Profiles {
	return &Profiles{client: newClient(base, token, hc)}
}

func (p *Profiles) Self(ctx context.Context) (domain.Profile, error) {
	var profile domain.Profile
	err := p.client.getJSON(ctx, "/api/profile", true, &profile)
	return profile, err
}

func (p *Profiles) Partner(ctx context.Context, id domain.UserID) (domain.PartnerProfile, error) {
	var profile domain.PartnerProfile
	if err := p.client.getJSON(ctx, "/api/user/"+url.PathEscape(id.String()), false, &profile); err != nil {
		return domain.PartnerProfile{}, err
	}
	if profile.ID.IsZero() {
		profile.ID = id
	}
	return profile, nil
}
