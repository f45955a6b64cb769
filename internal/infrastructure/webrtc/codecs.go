package webrtc

import (
	"github.com/pion/webrtc/v3"

	"mediagate/internal/core/domain"
)

const (
	mimeTypeRtx  = "video/rtx"
	mimeTypePCMA = webrtc.MimeTypePCMA
	mimeTypePCMU = webrtc.MimeTypePCMU
)

// Header extension URIs the router can negotiate.
const (
	extMid              = "urn:ietf:params:rtp-hdrext:sdes:mid"
	extRtpStreamID      = "urn:ietf:params:rtp-hdrext:sdes:rtp-stream-id"
	extRepairedStreamID = "urn:ietf:params:rtp-hdrext:sdes:repaired-rtp-stream-id"
	extAbsSendTime      = "http://www.webrtc.org/experiments/rtp-hdrext/abs-send-time"
	extTransportWideCC  = "http://www.ietf.org/id/draft-holmer-rmcat-transport-wide-cc-extensions-01"
	extAudioLevel       = "urn:ietf:params:rtp-hdrext:ssrc-audio-level"
	extVideoOrientation = "urn:3gpp:video-orientation"
	extTransmissionTime = "urn:ietf:params:rtp-hdrext:toffset"
)

// Codecs with a static payload type assignment (RFC 3551).
var staticPayloadTypes = map[string]uint8{
	"audio/pcmu": 0,
	"audio/pcma": 8,
}

// Payload types handed out to codecs without a static assignment.
var dynamicPayloadTypes = []uint8{
	100, 101, 102, 103, 104, 105, 106, 107, 108, 109, 110, 111, 112, 113, 114,
	115, 116, 117, 118, 119, 120, 121, 122, 123, 124, 125, 126, 127, 96, 97, 98, 99,
}

func videoFeedback() []domain.RtcpFeedback {
	return []domain.RtcpFeedback{
		{Type: "nack"},
		{Type: "nack", Parameter: "pli"},
		{Type: "ccm", Parameter: "fir"},
		{Type: "goog-remb"},
		{Type: "transport-cc"},
	}
}

// supportedRtpCapabilities lists every codec the engine is able to route.
// Router capabilities are the subset matching the configured media codecs.
func supportedRtpCapabilities() domain.RtpCapabilities {
	return domain.RtpCapabilities{
		Codecs: []domain.RtpCodecCapability{
			{
				Kind:      domain.MediaKindAudio,
				MimeType:  webrtc.MimeTypeOpus,
				ClockRate: 48000,
				Channels:  2,
				RtcpFeedback: []domain.RtcpFeedback{
					{Type: "nack"},
					{Type: "transport-cc"},
				},
			},
			{
				Kind:         domain.MediaKindAudio,
				MimeType:     mimeTypePCMU,
				ClockRate:    8000,
				RtcpFeedback: []domain.RtcpFeedback{{Type: "transport-cc"}},
			},
			{
				Kind:         domain.MediaKindAudio,
				MimeType:     mimeTypePCMA,
				ClockRate:    8000,
				RtcpFeedback: []domain.RtcpFeedback{{Type: "transport-cc"}},
			},
			{
				Kind:         domain.MediaKindVideo,
				MimeType:     webrtc.MimeTypeVP8,
				ClockRate:    90000,
				RtcpFeedback: videoFeedback(),
			},
			{
				Kind:         domain.MediaKindVideo,
				MimeType:     webrtc.MimeTypeVP9,
				ClockRate:    90000,
				RtcpFeedback: videoFeedback(),
			},
			{
				Kind:      domain.MediaKindVideo,
				MimeType:  webrtc.MimeTypeH264,
				ClockRate: 90000,
				Parameters: map[string]interface{}{
					"packetization-mode":      1,
					"level-asymmetry-allowed": 1,
				},
				RtcpFeedback: videoFeedback(),
			},
			{
				Kind:      domain.MediaKindVideo,
				MimeType:  webrtc.MimeTypeH264,
				ClockRate: 90000,
				Parameters: map[string]interface{}{
					"packetization-mode":      0,
					"level-asymmetry-allowed": 1,
				},
				RtcpFeedback: videoFeedback(),
			},
		},
		HeaderExtensions: []domain.RtpHeaderExtension{
			{Kind: domain.MediaKindAudio, URI: extMid, PreferredID: 1},
			{Kind: domain.MediaKindVideo, URI: extMid, PreferredID: 1},
			{Kind: domain.MediaKindVideo, URI: extRtpStreamID, PreferredID: 2, Direction: "recvonly"},
			{Kind: domain.MediaKindVideo, URI: extRepairedStreamID, PreferredID: 3, Direction: "recvonly"},
			{Kind: domain.MediaKindAudio, URI: extAbsSendTime, PreferredID: 4},
			{Kind: domain.MediaKindVideo, URI: extAbsSendTime, PreferredID: 4},
			{Kind: domain.MediaKindVideo, URI: extTransportWideCC, PreferredID: 5},
			{Kind: domain.MediaKindAudio, URI: extAudioLevel, PreferredID: 10},
			{Kind: domain.MediaKindVideo, URI: extVideoOrientation, PreferredID: 11},
			{Kind: domain.MediaKindVideo, URI: extTransmissionTime, PreferredID: 12},
		},
	}
}
