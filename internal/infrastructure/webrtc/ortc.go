package webrtc

import (
	"fmt"
	"math/rand"
	"strconv"
	"strings"

	"mediagate/internal/core/domain"
)

// codecDesc is the subset of a codec description that codec matching looks at.
type codecDesc struct {
	mimeType  string
	clockRate uint32
	channels  uint16
	params    map[string]interface{}
}

func capDesc(c domain.RtpCodecCapability) codecDesc {
	return codecDesc{mimeType: c.MimeType, clockRate: c.ClockRate, channels: c.Channels, params: c.Parameters}
}

func paramsDesc(c domain.RtpCodecParameters) codecDesc {
	return codecDesc{mimeType: c.MimeType, clockRate: c.ClockRate, channels: c.Channels, params: c.Parameters}
}

// paramInt reads an integer codec parameter. Values decoded from JSON arrive as
// float64 and values from YAML as int, so both are accepted.
func paramInt(params map[string]interface{}, key string) (int, bool) {
	v, ok := params[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case uint8:
		return int(n), true
	case uint32:
		return int(n), true
	case float64:
		return int(n), true
	case string:
		i, err := strconv.Atoi(n)
		return i, err == nil
	}
	return 0, false
}

func paramIntOr(params map[string]interface{}, key string, def int) int {
	if v, ok := paramInt(params, key); ok {
		return v
	}
	return def
}

func mimeKind(mimeType string) domain.MediaKind {
	prefix, _, _ := strings.Cut(strings.ToLower(mimeType), "/")
	return domain.MediaKind(prefix)
}

func audioChannels(mimeType string, channels uint16) uint16 {
	if mimeKind(mimeType) == domain.MediaKindAudio && channels == 0 {
		return 1
	}
	return channels
}

// matchCodecs reports whether two codec descriptions refer to the same codec.
// Strict matching also compares codec specific profile parameters.
func matchCodecs(a, b codecDesc, strict bool) bool {
	aMime := strings.ToLower(a.mimeType)
	if aMime != strings.ToLower(b.mimeType) {
		return false
	}
	if a.clockRate != b.clockRate {
		return false
	}
	if audioChannels(a.mimeType, a.channels) != audioChannels(b.mimeType, b.channels) {
		return false
	}

	switch aMime {
	case "video/h264":
		if paramIntOr(a.params, "packetization-mode", 0) != paramIntOr(b.params, "packetization-mode", 0) {
			return false
		}
	case "video/vp9":
		if strict && paramIntOr(a.params, "profile-id", 0) != paramIntOr(b.params, "profile-id", 0) {
			return false
		}
	}
	return true
}

func cloneParams(params map[string]interface{}) map[string]interface{} {
	if params == nil {
		return nil
	}
	out := make(map[string]interface{}, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out
}

// generateRouterRtpCapabilities builds the capabilities of a router from the
// configured media codecs, assigning payload types and adding an RTX codec
// for every video codec.
func generateRouterRtpCapabilities(mediaCodecs []domain.RtpCodecCapability) (domain.RtpCapabilities, error) {
	if len(mediaCodecs) == 0 {
		return domain.RtpCapabilities{}, fmt.Errorf("%w: no media codecs configured", domain.ErrInvalidParameters)
	}

	supported := supportedRtpCapabilities()
	used := make(map[uint8]bool)
	dynamic := append([]uint8(nil), dynamicPayloadTypes...)
	nextDynamic := func() (uint8, error) {
		for len(dynamic) > 0 {
			pt := dynamic[0]
			dynamic = dynamic[1:]
			if !used[pt] {
				used[pt] = true
				return pt, nil
			}
		}
		return 0, fmt.Errorf("%w: no more available dynamic payload types", domain.ErrInvalidParameters)
	}

	var caps domain.RtpCapabilities
	kinds := make(map[domain.MediaKind]bool)

	for _, mediaCodec := range mediaCodecs {
		if !mediaCodec.Kind.Valid() || mimeKind(mediaCodec.MimeType) != mediaCodec.Kind {
			return domain.RtpCapabilities{}, fmt.Errorf("%w: codec %q has kind %q", domain.ErrInvalidParameters, mediaCodec.MimeType, mediaCodec.Kind)
		}
		if mediaCodec.IsRtx() {
			return domain.RtpCapabilities{}, fmt.Errorf("%w: rtx is added automatically", domain.ErrInvalidParameters)
		}

		var match *domain.RtpCodecCapability
		for i := range supported.Codecs {
			if matchCodecs(capDesc(mediaCodec), capDesc(supported.Codecs[i]), false) {
				match = &supported.Codecs[i]
				break
			}
		}
		if match == nil {
			return domain.RtpCapabilities{}, fmt.Errorf("%w: %s/%d", domain.ErrUnsupportedCodec, mediaCodec.MimeType, mediaCodec.ClockRate)
		}

		codec := *match
		codec.Parameters = cloneParams(match.Parameters)
		for k, v := range mediaCodec.Parameters {
			if codec.Parameters == nil {
				codec.Parameters = make(map[string]interface{})
			}
			codec.Parameters[k] = v
		}
		if mediaCodec.Channels > 0 {
			codec.Channels = mediaCodec.Channels
		}

		switch pt, static := staticPayloadTypes[strings.ToLower(codec.MimeType)]; {
		case static:
			codec.PreferredPayloadType = pt
			used[pt] = true
		case mediaCodec.PreferredPayloadType >= 96 && !used[mediaCodec.PreferredPayloadType]:
			codec.PreferredPayloadType = mediaCodec.PreferredPayloadType
			used[codec.PreferredPayloadType] = true
		default:
			pt, err := nextDynamic()
			if err != nil {
				return domain.RtpCapabilities{}, err
			}
			codec.PreferredPayloadType = pt
		}

		caps.Codecs = append(caps.Codecs, codec)
		kinds[codec.Kind] = true

		if codec.Kind == domain.MediaKindVideo {
			pt, err := nextDynamic()
			if err != nil {
				return domain.RtpCapabilities{}, err
			}
			caps.Codecs = append(caps.Codecs, domain.RtpCodecCapability{
				Kind:                 domain.MediaKindVideo,
				MimeType:             mimeTypeRtx,
				PreferredPayloadType: pt,
				ClockRate:            codec.ClockRate,
				Parameters:           map[string]interface{}{"apt": int(codec.PreferredPayloadType)},
			})
		}
	}

	for _, ext := range supported.HeaderExtensions {
		if kinds[ext.Kind] {
			caps.HeaderExtensions = append(caps.HeaderExtensions, ext)
		}
	}
	return caps, nil
}

// validateRtpCapabilities checks capabilities received from a peer.
func validateRtpCapabilities(caps domain.RtpCapabilities) error {
	if len(caps.Codecs) == 0 {
		return fmt.Errorf("%w: rtpCapabilities without codecs", domain.ErrInvalidParameters)
	}
	for _, codec := range caps.Codecs {
		if codec.MimeType == "" || codec.ClockRate == 0 {
			return fmt.Errorf("%w: malformed codec capability %q", domain.ErrInvalidParameters, codec.MimeType)
		}
	}
	return nil
}

// validateProducerParameters checks that a producer only sends codecs the
// router supports and that every encoding can be identified.
func validateProducerParameters(kind domain.MediaKind, params domain.RtpParameters, routerCaps domain.RtpCapabilities) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: invalid kind %q", domain.ErrInvalidParameters, kind)
	}
	if len(params.Codecs) == 0 {
		return fmt.Errorf("%w: rtpParameters without codecs", domain.ErrInvalidParameters)
	}
	if len(params.Encodings) == 0 {
		return fmt.Errorf("%w: rtpParameters without encodings", domain.ErrInvalidParameters)
	}
	for _, enc := range params.Encodings {
		if enc.Ssrc == 0 && enc.Rid == "" {
			return fmt.Errorf("%w: encoding without ssrc or rid", domain.ErrInvalidParameters)
		}
	}

	payloadTypes := make(map[uint8]bool)
	for _, codec := range params.Codecs {
		if payloadTypes[codec.PayloadType] {
			return fmt.Errorf("%w: duplicated payload type %d", domain.ErrInvalidParameters, codec.PayloadType)
		}
		payloadTypes[codec.PayloadType] = true
	}

	for _, codec := range params.Codecs {
		if codec.IsRtx() {
			apt, ok := paramInt(codec.Parameters, "apt")
			if !ok || !payloadTypes[uint8(apt)] {
				return fmt.Errorf("%w: rtx codec without valid apt", domain.ErrInvalidParameters)
			}
			continue
		}
		if mimeKind(codec.MimeType) != kind {
			return fmt.Errorf("%w: codec %q does not match kind %q", domain.ErrInvalidParameters, codec.MimeType, kind)
		}
		if _, ok := findRouterCodec(paramsDesc(codec), routerCaps); !ok {
			return fmt.Errorf("%w: %s not supported by router", domain.ErrUnsupportedCodec, codec.MimeType)
		}
	}
	return nil
}

func findRouterCodec(desc codecDesc, routerCaps domain.RtpCapabilities) (domain.RtpCodecCapability, bool) {
	for _, rc := range routerCaps.Codecs {
		if rc.IsRtx() {
			continue
		}
		if matchCodecs(desc, capDesc(rc), false) {
			return rc, true
		}
	}
	return domain.RtpCodecCapability{}, false
}

func findRtxFor(payloadType uint8, routerCaps domain.RtpCapabilities) (domain.RtpCodecCapability, bool) {
	for _, rc := range routerCaps.Codecs {
		if rc.IsRtx() && paramIntOr(rc.Parameters, "apt", -1) == int(payloadType) {
			return rc, true
		}
	}
	return domain.RtpCodecCapability{}, false
}

// consumableRtpParameters translates producer parameters into router payload
// types and fresh SSRCs. Consumers are derived from these.
func consumableRtpParameters(kind domain.MediaKind, params domain.RtpParameters, routerCaps domain.RtpCapabilities) domain.RtpParameters {
	var consumable domain.RtpParameters

	for _, codec := range params.Codecs {
		if codec.IsRtx() {
			continue
		}
		rc, ok := findRouterCodec(paramsDesc(codec), routerCaps)
		if !ok {
			continue
		}
		consumable.Codecs = append(consumable.Codecs, domain.RtpCodecParameters{
			MimeType:     rc.MimeType,
			PayloadType:  rc.PreferredPayloadType,
			ClockRate:    rc.ClockRate,
			Channels:     rc.Channels,
			Parameters:   cloneParams(codec.Parameters),
			RtcpFeedback: rc.RtcpFeedback,
		})
		if rtx, ok := findRtxFor(rc.PreferredPayloadType, routerCaps); ok {
			consumable.Codecs = append(consumable.Codecs, domain.RtpCodecParameters{
				MimeType:    rtx.MimeType,
				PayloadType: rtx.PreferredPayloadType,
				ClockRate:   rtx.ClockRate,
				Parameters:  cloneParams(rtx.Parameters),
			})
		}
	}

	for _, ext := range routerCaps.HeaderExtensions {
		if ext.Kind != kind || ext.Direction == "recvonly" || ext.Direction == "inactive" {
			continue
		}
		consumable.HeaderExtensions = append(consumable.HeaderExtensions, domain.RtpHeaderExtensionParameters{
			URI:     ext.URI,
			ID:      ext.PreferredID,
			Encrypt: ext.PreferredEncrypt,
		})
	}

	for _, enc := range params.Encodings {
		consumable.Encodings = append(consumable.Encodings, domain.RtpEncodingParameters{
			Ssrc:            randomSsrc(),
			MaxBitrate:      enc.MaxBitrate,
			ScalabilityMode: enc.ScalabilityMode,
			Dtx:             enc.Dtx,
		})
	}

	consumable.Rtcp = domain.RtcpParameters{Cname: params.Rtcp.Cname, ReducedSize: true}
	return consumable
}

func matchedCapability(codec domain.RtpCodecParameters, caps domain.RtpCapabilities) (domain.RtpCodecCapability, bool) {
	for _, cc := range caps.Codecs {
		if matchCodecs(paramsDesc(codec), capDesc(cc), true) {
			return cc, true
		}
	}
	return domain.RtpCodecCapability{}, false
}

// canConsume reports whether a peer with the given capabilities can receive
// media described by consumable parameters.
func canConsume(consumable domain.RtpParameters, caps domain.RtpCapabilities) bool {
	if validateRtpCapabilities(caps) != nil {
		return false
	}
	for _, codec := range consumable.Codecs {
		if _, ok := matchedCapability(codec, caps); ok {
			return !codec.IsRtx()
		}
	}
	return false
}

// consumerRtpParameters selects the codecs, extensions and a single encoding
// for a consumer. canConsume must have returned true for the same input.
func consumerRtpParameters(consumable domain.RtpParameters, caps domain.RtpCapabilities) domain.RtpParameters {
	var params domain.RtpParameters
	kept := make(map[uint8]bool)
	var rtxKept bool

	for _, codec := range consumable.Codecs {
		cc, ok := matchedCapability(codec, caps)
		if !ok {
			continue
		}
		if codec.IsRtx() {
			if !kept[uint8(paramIntOr(codec.Parameters, "apt", -1))] {
				continue
			}
			rtxKept = true
		} else {
			kept[codec.PayloadType] = true
		}
		codec.RtcpFeedback = cc.RtcpFeedback
		params.Codecs = append(params.Codecs, codec)
	}

	for _, ext := range consumable.HeaderExtensions {
		for _, ce := range caps.HeaderExtensions {
			if ce.URI == ext.URI && ce.PreferredID == ext.ID {
				params.HeaderExtensions = append(params.HeaderExtensions, ext)
				break
			}
		}
	}

	encoding := domain.RtpEncodingParameters{Ssrc: randomSsrc()}
	if rtxKept {
		encoding.Rtx = &domain.RtpEncodingRtx{Ssrc: encoding.Ssrc + 1}
	}
	if n := len(consumable.Encodings); n > 1 {
		temporal := 1
		if first := consumable.Encodings[0].ScalabilityMode; first != "" {
			if _, t, ok := strings.Cut(first, "T"); ok {
				if v, err := strconv.Atoi(t); err == nil && v > 0 {
					temporal = v
				}
			}
		}
		encoding.ScalabilityMode = fmt.Sprintf("S%dT%d", n, temporal)
	} else if n == 1 {
		encoding.ScalabilityMode = consumable.Encodings[0].ScalabilityMode
		encoding.Dtx = consumable.Encodings[0].Dtx
	}
	for _, enc := range consumable.Encodings {
		if enc.MaxBitrate > encoding.MaxBitrate {
			encoding.MaxBitrate = enc.MaxBitrate
		}
	}
	params.Encodings = []domain.RtpEncodingParameters{encoding}
	params.Rtcp = consumable.Rtcp
	return params
}

func randomSsrc() uint32 {
	return 100000000 + uint32(rand.Int31n(900000000))
}
