package webrtc

import (
	"strings"

	"github.com/pion/rtp/codecs"
)

const (
	naluTypeIDR  = 5
	naluTypeSPS  = 7
	naluTypeSTAP = 24
	naluTypeFUA  = 28
)

// isKeyframe detects whether an RTP payload starts a decodable video frame.
// Consumers resumed on a video producer drop packets until one arrives.
func isKeyframe(mimeType string, payload []byte) bool {
	if len(payload) == 0 {
		return false
	}

	switch strings.ToLower(mimeType) {
	case "video/vp8":
		var p codecs.VP8Packet
		frame, err := p.Unmarshal(payload)
		if err != nil || len(frame) == 0 {
			return false
		}
		// P bit of the VP8 payload header is clear on key frames.
		return p.S == 1 && p.PID == 0 && frame[0]&0x01 == 0
	case "video/vp9":
		var p codecs.VP9Packet
		if _, err := p.Unmarshal(payload); err != nil {
			return false
		}
		return !p.P && p.B
	case "video/h264":
		return h264Keyframe(payload)
	}
	return false
}

func h264Keyframe(payload []byte) bool {
	switch nalType := payload[0] & 0x1F; nalType {
	case naluTypeIDR, naluTypeSPS:
		return true
	case naluTypeSTAP:
		for offset := 1; offset+2 < len(payload); {
			size := int(payload[offset])<<8 | int(payload[offset+1])
			offset += 2
			if offset >= len(payload) {
				break
			}
			if t := payload[offset] & 0x1F; t == naluTypeIDR || t == naluTypeSPS {
				return true
			}
			offset += size
		}
	case naluTypeFUA:
		if len(payload) < 2 {
			return false
		}
		start := payload[1]&0x80 != 0
		return start && payload[1]&0x1F == naluTypeIDR
	}
	return false
}
