package validation

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"mediagate/internal/core/domain"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid input")

var (
	// SessionIDRegex validates session ID format
	SessionIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

	// MimeTypeRegex validates codec mime types such as "video/VP8"
	MimeTypeRegex = regexp.MustCompile(`^(audio|video)/[a-zA-Z0-9_.+-]+$`)
)

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// ValidateSessionID validates session ID
func ValidateSessionID(sessionID string) error {
	if sessionID == "" {
		return invalid("session ID is required")
	}
	if len(sessionID) > 100 {
		return invalid("session ID is too long (max 100 characters)")
	}
	if !SessionIDRegex.MatchString(sessionID) {
		return invalid("invalid session ID format")
	}
	return nil
}

// ValidateMediaKind validates a producer kind
func ValidateMediaKind(kind domain.MediaKind) error {
	if !kind.Valid() {
		return invalid("invalid media kind %q (must be audio or video)", kind)
	}
	return nil
}

// ValidateDtlsParameters validates DTLS parameters sent by a peer
func ValidateDtlsParameters(params domain.DtlsParameters) error {
	switch params.Role {
	case "", domain.DtlsRoleAuto, domain.DtlsRoleClient, domain.DtlsRoleServer:
	default:
		return invalid("invalid dtls role %q", params.Role)
	}
	if len(params.Fingerprints) == 0 {
		return invalid("dtlsParameters must contain at least one fingerprint")
	}
	for _, fp := range params.Fingerprints {
		if strings.TrimSpace(fp.Algorithm) == "" || strings.TrimSpace(fp.Value) == "" {
			return invalid("fingerprint algorithm and value are required")
		}
	}
	return nil
}

// ValidateRtpCapabilities validates capabilities sent by a peer
func ValidateRtpCapabilities(caps domain.RtpCapabilities) error {
	if len(caps.Codecs) == 0 {
		return invalid("rtpCapabilities must contain at least one codec")
	}
	for _, codec := range caps.Codecs {
		if !MimeTypeRegex.MatchString(codec.MimeType) {
			return invalid("invalid codec mime type %q", codec.MimeType)
		}
		if codec.ClockRate == 0 {
			return invalid("codec %s has no clock rate", codec.MimeType)
		}
	}
	return nil
}

// ValidateRtpParameters validates producer RTP parameters
func ValidateRtpParameters(params domain.RtpParameters) error {
	if len(params.Codecs) == 0 {
		return invalid("rtpParameters must contain at least one codec")
	}
	for _, codec := range params.Codecs {
		if !MimeTypeRegex.MatchString(codec.MimeType) {
			return invalid("invalid codec mime type %q", codec.MimeType)
		}
		if codec.PayloadType > 127 {
			return invalid("payload type %d out of range", codec.PayloadType)
		}
	}
	if len(params.Encodings) == 0 {
		return invalid("rtpParameters must contain at least one encoding")
	}
	for _, enc := range params.Encodings {
		if enc.MaxBitrate < 0 {
			return invalid("maxBitrate must not be negative")
		}
	}
	return nil
}

// ValidateURL validates URL format
func ValidateURL(urlStr string) error {
	if urlStr == "" {
		return invalid("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("%w: invalid URL format: %v", ErrInvalid, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "ws" && u.Scheme != "wss" {
		return invalid("invalid URL scheme (must be http, https, ws, or wss)")
	}
	if u.Host == "" {
		return invalid("URL must have a host")
	}
	return nil
}
