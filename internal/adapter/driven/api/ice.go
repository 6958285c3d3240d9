package api

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/Wyydra/duo/internal/core/domain"
	"github.com/rs/zerolog"
)

var errNoServers = errors.New("api: empty ice server list")

// IceServers fetches the STUN/TURN list for every new call. It never
// fails: the last good list, or the static one, is returned instead.
type IceServers struct {
	client client
	log    zerolog.Logger

	mu       sync.Mutex
	lastGood *domain.IceServerSet
}

func NewIceServers(base string, hc *http.Client, log zerolog.Logger) *IceServers {
	return &IceServers{client: newClient(base, "", hc), log: log}
}

func (p *IceServers) FetchServers(ctx context.Context) domain.IceServerSet {
	set, err := p.fetch(ctx)
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		p.lastGood = &set
		p.log.Debug().Int("servers", len(set.Servers)).Msg("ICE servers fetched")
		return set
	}

	if p.lastGood != nil {
		p.log.Warn().Err(err).Msg("ICE servers unavailable, using last known list")
		return *p.lastGood
	}
	p.log.Warn().Err(err).Msg("ICE servers unavailable, using static list")
	return domain.StaticIceServers
}

func (p *IceServers) fetch(ctx context.Context) (domain.IceServerSet, error) {
	var set domain.IceServerSet
	if err := p.client.getJSON(ctx, "/api/ice-servers", false, &set); err != nil {
		return domain.IceServerSet{}, err
	}
	if set.Empty() {
		return domain.IceServerSet{}, errNoServers
	}
	return set, nil
}
