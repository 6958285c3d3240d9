package pion

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Wyydra/duo/internal/core/domain"
	"github.com/Wyydra/duo/internal/core/port"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog"
)

// opusSilence is one 20ms Opus frame of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

const frameDuration = 20 * time.Millisecond

// Devices describes what the headless client pretends to have.
type Devices struct {
	Audio bool
	Video bool
	// Deny fails every capture with one of "permission", "notfound"
	// or "busy".
	Deny string
}

// SyntheticSource stands in for capture hardware. Audio tracks carry
// Opus silence; video tracks are negotiated but carry no frames.
type SyntheticSource struct {
	devices Devices
	stream  string
	log     zerolog.Logger
}

func NewSyntheticSource(d Devices, stream string, log zerolog.Logger) *SyntheticSource {
	return &SyntheticSource{devices: d, stream: stream, log: log}
}

func (s *SyntheticSource) Acquire(ctx context.Context, c domain.Constraints) (port.LocalMedia, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch s.devices.Deny {
	case "":
	case "permission":
		return nil, domain.ErrMediaPermission
	case "notfound":
		return nil, domain.ErrMediaNotFound
	case "busy":
		return nil, domain.ErrMediaBusy
	default:
		return nil, fmt.Errorf("media: unknown deny mode %q", s.devices.Deny)
	}
	if (c.Audio && !s.devices.Audio) || (c.Video && !s.devices.Video) {
		return nil, domain.ErrMediaNotFound
	}

	m := &LocalMedia{constraints: c, done: make(chan struct{})}
	if c.Audio {
		track, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
			"audio", s.stream)
		if err != nil {
			return nil, err
		}
		m.tracks = append(m.tracks, track)
		m.wg.Add(1)
		go m.writeSilence(track, s.log)
	}
	if c.Video {
		track, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
			"video", s.stream)
		if err != nil {
			m.Stop()
			return nil, err
		}
		m.tracks = append(m.tracks, track)
	}
	return m, nil
}

// LocalMedia is a set of local tracks produced by SyntheticSource.
type LocalMedia struct {
	constraints domain.Constraints
	tracks      []*webrtc.TrackLocalStaticSample

	once sync.Once
	done chan struct{}
	wg   sync.WaitGroup
}

func (m *LocalMedia) Constraints() domain.Constraints { return m.constraints }

func (m *LocalMedia) Stop() {
	m.once.Do(func() { close(m.done) })
	m.wg.Wait()
}

func (m *LocalMedia) writeSilence(track *webrtc.TrackLocalStaticSample, log zerolog.Logger) {
	defer m.wg.Done()
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			if err := track.WriteSample(media.Sample{Data: opusSilence, Duration: frameDuration}); err != nil {
				log.Debug().Err(err).Msg("Writing audio sample")
				return
			}
		}
	}
}
