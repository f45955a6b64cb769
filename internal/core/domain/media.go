package domain

import "strings"

type MediaKind string

const (
	MediaKindAudio MediaKind = "audio"
	MediaKindVideo MediaKind = "video"
)

func (k MediaKind) Valid() bool {
	return k == MediaKindAudio || k == MediaKindVideo
}

// RtpCapabilities describes the codecs and header extensions an endpoint
// (router or device) is able to receive.
type RtpCapabilities struct {
	Codecs           []RtpCodecCapability `json:"codecs"`
	HeaderExtensions []RtpHeaderExtension `json:"headerExtensions,omitempty"`
}

type RtpCodecCapability struct {
	Kind                 MediaKind              `json:"kind" yaml:"kind"`
	MimeType             string                 `json:"mimeType" yaml:"mime_type"`
	PreferredPayloadType uint8                  `json:"preferredPayloadType,omitempty" yaml:"preferred_payload_type,omitempty"`
	ClockRate            uint32                 `json:"clockRate" yaml:"clock_rate"`
	Channels             uint16                 `json:"channels,omitempty" yaml:"channels,omitempty"`
	Parameters           map[string]interface{} `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	RtcpFeedback         []RtcpFeedback         `json:"rtcpFeedback,omitempty" yaml:"-"`
}

// IsRtx reports whether the codec is a retransmission codec.
func (c RtpCodecCapability) IsRtx() bool {
	return strings.HasSuffix(strings.ToLower(c.MimeType), "/rtx")
}

type RtcpFeedback struct {
	Type      string `json:"type"`
	Parameter string `json:"parameter,omitempty"`
}

type RtpHeaderExtension struct {
	Kind             MediaKind `json:"kind"`
	URI              string    `json:"uri"`
	PreferredID      int       `json:"preferredId"`
	PreferredEncrypt bool      `json:"preferredEncrypt,omitempty"`
	Direction        string    `json:"direction,omitempty"`
}

// RtpParameters describes what a producer sends or a consumer receives.
type RtpParameters struct {
	Mid              string                         `json:"mid,omitempty"`
	Codecs           []RtpCodecParameters           `json:"codecs"`
	HeaderExtensions []RtpHeaderExtensionParameters `json:"headerExtensions,omitempty"`
	Encodings        []RtpEncodingParameters        `json:"encodings,omitempty"`
	Rtcp             RtcpParameters                 `json:"rtcp,omitempty"`
}

type RtpCodecParameters struct {
	MimeType     string                 `json:"mimeType"`
	PayloadType  uint8                  `json:"payloadType"`
	ClockRate    uint32                 `json:"clockRate"`
	Channels     uint16                 `json:"channels,omitempty"`
	Parameters   map[string]interface{} `json:"parameters,omitempty"`
	RtcpFeedback []RtcpFeedback         `json:"rtcpFeedback,omitempty"`
}

func (c RtpCodecParameters) IsRtx() bool {
	return strings.HasSuffix(strings.ToLower(c.MimeType), "/rtx")
}

type RtpHeaderExtensionParameters struct {
	URI     string `json:"uri"`
	ID      int    `json:"id"`
	Encrypt bool   `json:"encrypt,omitempty"`
}

// RtpEncodingParameters is one spatial/quality layer of a producer.
type RtpEncodingParameters struct {
	Ssrc            uint32          `json:"ssrc,omitempty"`
	Rid             string          `json:"rid,omitempty"`
	Rtx             *RtpEncodingRtx `json:"rtx,omitempty"`
	MaxBitrate      int             `json:"maxBitrate,omitempty" yaml:"max_bitrate"`
	ScalabilityMode string          `json:"scalabilityMode,omitempty" yaml:"scalability_mode"`
	Dtx             bool            `json:"dtx,omitempty" yaml:"-"`
}

type RtpEncodingRtx struct {
	Ssrc uint32 `json:"ssrc"`
}

type RtcpParameters struct {
	Cname       string `json:"cname,omitempty"`
	ReducedSize bool   `json:"reducedSize,omitempty"`
}

// PayloadTypeFor returns the payload type of the first media codec with the
// given mime type.
func (p RtpParameters) PayloadTypeFor(mimeType string) (uint8, bool) {
	for _, codec := range p.Codecs {
		if strings.EqualFold(codec.MimeType, mimeType) {
			return codec.PayloadType, true
		}
	}
	return 0, false
}
