package peer

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/pion/webrtc/v3"

	"mediagate/internal/core/domain"
)

var (
	ErrDeviceNotLoaded     = errors.New("device not loaded")
	ErrDeviceAlreadyLoaded = errors.New("device already loaded")
	// ErrCannotProduce is returned when no codec of a kind is shared with
	// the router.
	ErrCannotProduce = errors.New("cannot produce")
)

// localCodecs are the codecs this client can encode and decode.
func localCodecs() []domain.RtpCodecCapability {
	return []domain.RtpCodecCapability{
		{Kind: domain.MediaKindAudio, MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		{Kind: domain.MediaKindVideo, MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
		{Kind: domain.MediaKindVideo, MimeType: webrtc.MimeTypeVP9, ClockRate: 90000},
		{
			Kind:       domain.MediaKindVideo,
			MimeType:   webrtc.MimeTypeH264,
			ClockRate:  90000,
			Parameters: map[string]interface{}{"packetization-mode": 1},
		},
	}
}

// Device holds what this client and the router have in common. It is loaded
// once with the router's capabilities.
type Device struct {
	mu         sync.RWMutex
	loaded     bool
	caps       domain.RtpCapabilities
}

func NewDevice() *Device {
	return &Device{}
}

// Load intersects the router capabilities with the local codecs. Payload
// types come from the router. An rtx codec is kept only when the codec it
// repairs is kept.
func (d *Device) Load(routerCaps domain.RtpCapabilities) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.loaded {
		return ErrDeviceAlreadyLoaded
	}
	if len(routerCaps.Codecs) == 0 {
		return fmt.Errorf("%w: router capabilities without codecs", domain.ErrInvalidParameters)
	}

	local := localCodecs()
	kept := make(map[uint8]bool)
	var codecs []domain.RtpCodecCapability
	for _, rc := range routerCaps.Codecs {
		if rc.IsRtx() {
			continue
		}
		for _, lc := range local {
			if sameCodec(lc, rc) {
				codecs = append(codecs, rc)
				kept[rc.PreferredPayloadType] = true
				break
			}
		}
	}
	if len(codecs) == 0 {
		return fmt.Errorf("%w: no codec in common with the router", domain.ErrUnsupportedCodec)
	}

	for _, rc := range routerCaps.Codecs {
		if !rc.IsRtx() {
			continue
		}
		if apt, ok := paramUint(rc.Parameters, "apt"); ok && kept[uint8(apt)] {
			codecs = append(codecs, rc)
		}
	}

	kinds := make(map[domain.MediaKind]bool)
	for _, c := range codecs {
		kinds[c.Kind] = true
	}
	var exts []domain.RtpHeaderExtension
	for _, ext := range routerCaps.HeaderExtensions {
		if kinds[ext.Kind] {
			exts = append(exts, ext)
		}
	}

	d.caps = domain.RtpCapabilities{Codecs: codecs, HeaderExtensions: exts}
	d.loaded = true
	return nil
}

func (d *Device) Loaded() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.loaded
}

// RtpCapabilities returns the device capabilities sent with consume.
func (d *Device) RtpCapabilities() (domain.RtpCapabilities, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if !d.loaded {
		return domain.RtpCapabilities{}, ErrDeviceNotLoaded
	}
	return d.caps, nil
}

func (d *Device) CanProduce(kind domain.MediaKind) bool {
	_, _, err := d.sendCodecs(kind)
	return err == nil
}

// sendCodecs picks the first shared codec of kind and its rtx codec, if any.
func (d *Device) sendCodecs(kind domain.MediaKind) (domain.RtpCodecCapability, *domain.RtpCodecCapability, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if !d.loaded {
		return domain.RtpCodecCapability{}, nil, ErrDeviceNotLoaded
	}
	for _, c := range d.caps.Codecs {
		if c.Kind != kind || c.IsRtx() {
			continue
		}
		for _, rtx := range d.caps.Codecs {
			if !rtx.IsRtx() || rtx.Kind != kind {
				continue
			}
			if apt, ok := paramUint(rtx.Parameters, "apt"); ok && uint8(apt) == c.PreferredPayloadType {
				r := rtx
				return c, &r, nil
			}
		}
		return c, nil, nil
	}
	return domain.RtpCodecCapability{}, nil, fmt.Errorf("%w: %s", ErrCannotProduce, kind)
}

func (d *Device) headerExtensions(kind domain.MediaKind) []domain.RtpHeaderExtensionParameters {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []domain.RtpHeaderExtensionParameters
	for _, ext := range d.caps.HeaderExtensions {
		if ext.Kind == kind {
			out = append(out, domain.RtpHeaderExtensionParameters{URI: ext.URI, ID: ext.PreferredID})
		}
	}
	return out
}

func sameCodec(local, router domain.RtpCodecCapability) bool {
	if !strings.EqualFold(local.MimeType, router.MimeType) || local.ClockRate != router.ClockRate {
		return false
	}
	if local.Kind == domain.MediaKindAudio && local.Channels != router.Channels {
		return false
	}
	if strings.EqualFold(local.MimeType, webrtc.MimeTypeH264) {
		l, _ := paramUint(local.Parameters, "packetization-mode")
		r, _ := paramUint(router.Parameters, "packetization-mode")
		return l == r
	}
	return true
}

// paramUint reads a numeric codec parameter. Values decoded from JSON arrive
// as float64.
func paramUint(params map[string]interface{}, key string) (uint64, bool) {
	switch v := params[key].(type) {
	case int:
		return uint64(v), v >= 0
	case int64:
		return uint64(v), v >= 0
	case uint8:
		return uint64(v), true
	case uint32:
		return uint64(v), true
	case float64:
		return uint64(v), v >= 0
	}
	return 0, false
}
