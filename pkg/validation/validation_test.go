package validation

import (
	"errors"
	"strings"
	"testing"

	"mediagate/internal/core/domain"
)

func TestValidateSessionID(t *testing.T) {
	tests := []struct {
		name      string
		sessionID string
		wantErr   bool
	}{
		{"valid id", "room-1", false},
		{"valid uuid", "3f2b8c1e-9d4a-4b6f-8a7e-1c2d3e4f5a6b", false},
		{"empty", "", true},
		{"too long", strings.Repeat("a", 101), true},
		{"invalid chars", "room 1", true},
		{"path traversal", "../etc", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSessionID(tt.sessionID)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateSessionID() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalid) {
				t.Errorf("ValidateSessionID() error %v does not wrap ErrInvalid", err)
			}
		})
	}
}

func TestValidateMediaKind(t *testing.T) {
	if err := ValidateMediaKind(domain.MediaKindAudio); err != nil {
		t.Errorf("audio rejected: %v", err)
	}
	if err := ValidateMediaKind(domain.MediaKindVideo); err != nil {
		t.Errorf("video rejected: %v", err)
	}
	if err := ValidateMediaKind("data"); err == nil {
		t.Error("data kind accepted")
	}
}

func TestValidateDtlsParameters(t *testing.T) {
	valid := domain.DtlsParameters{
		Role:         domain.DtlsRoleClient,
		Fingerprints: []domain.DtlsFingerprint{{Algorithm: "sha-256", Value: "AB:CD"}},
	}

	tests := []struct {
		name    string
		params  func() domain.DtlsParameters
		wantErr bool
	}{
		{"valid", func() domain.DtlsParameters { return valid }, false},
		{"empty role", func() domain.DtlsParameters {
			p := valid
			p.Role = ""
			return p
		}, false},
		{"bad role", func() domain.DtlsParameters {
			p := valid
			p.Role = "peer"
			return p
		}, true},
		{"no fingerprints", func() domain.DtlsParameters {
			return domain.DtlsParameters{Role: domain.DtlsRoleAuto}
		}, true},
		{"blank fingerprint", func() domain.DtlsParameters {
			return domain.DtlsParameters{Fingerprints: []domain.DtlsFingerprint{{Algorithm: "sha-256"}}}
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateDtlsParameters(tt.params())
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateDtlsParameters() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateRtpCapabilities(t *testing.T) {
	tests := []struct {
		name    string
		caps    domain.RtpCapabilities
		wantErr bool
	}{
		{"valid", domain.RtpCapabilities{Codecs: []domain.RtpCodecCapability{
			{Kind: domain.MediaKindVideo, MimeType: "video/VP8", ClockRate: 90000},
		}}, false},
		{"no codecs", domain.RtpCapabilities{}, true},
		{"bad mime", domain.RtpCapabilities{Codecs: []domain.RtpCodecCapability{
			{MimeType: "vp8", ClockRate: 90000},
		}}, true},
		{"no clock rate", domain.RtpCapabilities{Codecs: []domain.RtpCodecCapability{
			{MimeType: "audio/opus"},
		}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRtpCapabilities(tt.caps)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateRtpCapabilities() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateRtpParameters(t *testing.T) {
	valid := domain.RtpParameters{
		Codecs:    []domain.RtpCodecParameters{{MimeType: "audio/opus", PayloadType: 100, ClockRate: 48000}},
		Encodings: []domain.RtpEncodingParameters{{Ssrc: 1234}},
	}
	if err := ValidateRtpParameters(valid); err != nil {
		t.Fatalf("valid parameters rejected: %v", err)
	}

	noEncodings := valid
	noEncodings.Encodings = nil
	if err := ValidateRtpParameters(noEncodings); err == nil {
		t.Error("parameters without encodings accepted")
	}

	badPT := valid
	badPT.Codecs = []domain.RtpCodecParameters{{MimeType: "audio/opus", PayloadType: 200, ClockRate: 48000}}
	if err := ValidateRtpParameters(badPT); err == nil {
		t.Error("payload type 200 accepted")
	}
}

func TestValidateURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"valid ws", "ws://localhost:8081/ws", false},
		{"valid wss", "wss://example.com/ws", false},
		{"empty", "", true},
		{"bad scheme", "ftp://example.com", true},
		{"no host", "ws://", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateURL(tt.url)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateURL() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
