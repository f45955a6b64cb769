package peer

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"

	"mediagate/internal/core/domain"
	"mediagate/pkg/utils"
)

// ErrNoMediaSource is returned when no track of the requested kind can be
// acquired.
var ErrNoMediaSource = errors.New("no media source")

// MediaTrack is a local source of media handed to a producer.
type MediaTrack interface {
	ID() string
	Kind() domain.MediaKind
	// Ended is closed when the source stops on its own or via Stop.
	Ended() <-chan struct{}
	Stop()
}

// MediaAcquirer obtains local tracks, the way a browser asks for a camera or
// a microphone.
type MediaAcquirer interface {
	Acquire(ctx context.Context, kind domain.MediaKind) (MediaTrack, error)
}

// SyntheticTrack produces generated frames into a pion sample track. It
// stands in for a capture device on hosts without one.
type SyntheticTrack struct {
	kind  domain.MediaKind
	track *webrtc.TrackLocalStaticSample

	ended    chan struct{}
	stopOnce sync.Once
}

func NewSyntheticTrack(kind domain.MediaKind) (*SyntheticTrack, error) {
	mimeType := webrtc.MimeTypeVP8
	clockRate := uint32(90000)
	var channels uint16
	if kind == domain.MediaKindAudio {
		mimeType = webrtc.MimeTypeOpus
		clockRate = 48000
		channels = 2
	}

	id := utils.GenerateID(string(kind))
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: mimeType, ClockRate: clockRate, Channels: channels},
		id,
		"mediagate",
	)
	if err != nil {
		return nil, fmt.Errorf("create %s track: %w", kind, err)
	}

	return &SyntheticTrack{kind: kind, track: track, ended: make(chan struct{})}, nil
}

func (t *SyntheticTrack) ID() string { return t.track.ID() }

func (t *SyntheticTrack) Kind() domain.MediaKind { return t.kind }

func (t *SyntheticTrack) Ended() <-chan struct{} { return t.ended }

// Local exposes the underlying pion track.
func (t *SyntheticTrack) Local() webrtc.TrackLocal { return t.track }

func (t *SyntheticTrack) Stop() {
	t.stopOnce.Do(func() { close(t.ended) })
}

// Run writes a random frame every interval until ctx is done or the track
// is stopped. Frames are dropped while the track is not bound to a sender.
func (t *SyntheticTrack) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	frame := make([]byte, 160)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.ended:
			return nil
		case <-ticker.C:
			if _, err := rand.Read(frame); err != nil {
				return err
			}
			if err := t.track.WriteSample(media.Sample{Data: frame, Duration: interval}); err != nil {
				return err
			}
		}
	}
}

// SyntheticAcquirer hands out synthetic tracks for the kinds it is allowed
// to capture.
type SyntheticAcquirer struct {
	Kinds []domain.MediaKind
}

func (a SyntheticAcquirer) Acquire(ctx context.Context, kind domain.MediaKind) (MediaTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(a.Kinds) > 0 && !containsKind(a.Kinds, kind) {
		return nil, fmt.Errorf("%w: %s", ErrNoMediaSource, kind)
	}
	return NewSyntheticTrack(kind)
}

func containsKind(kinds []domain.MediaKind, kind domain.MediaKind) bool {
	for _, k := range kinds {
		if k == kind {
			return true
		}
	}
	return false
}
