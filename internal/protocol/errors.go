package protocol

import (
	"errors"
	"fmt"

	"mediagate/internal/core/domain"
	apperrors "mediagate/pkg/errors"
	"mediagate/pkg/validation"
)

// ErrMalformed marks an envelope or payload that could not be decoded.
var ErrMalformed = errors.New("malformed message")

// ErrUnknownMethod is returned for request methods outside the catalogue.
var ErrUnknownMethod = errors.New("unknown method")

// Error is the wire error object.
type Error struct {
	Code    apperrors.ErrorCode `json:"code"`
	Message string              `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is lets a peer match a wire error received from the server against the
// domain errors it was classified from.
func (e *Error) Is(target error) bool {
	switch e.Code {
	case apperrors.ErrCodeCannotConsume:
		return target == domain.ErrCannotConsume
	case apperrors.ErrCodePreconditionFailed:
		return target == domain.ErrPrerequisite
	case apperrors.ErrCodeInvalidInput:
		return target == validation.ErrInvalid
	case apperrors.ErrCodeServiceUnavailable:
		return target == domain.ErrEngineUnavailable
	}
	return false
}

// ErrorFromErr classifies err into the wire error taxonomy.
func ErrorFromErr(err error) *Error {
	if err == nil {
		return nil
	}

	var wire *Error
	if errors.As(err, &wire) {
		return wire
	}

	code := apperrors.ErrCodeInternal
	switch {
	case errors.Is(err, domain.ErrCannotConsume):
		code = apperrors.ErrCodeCannotConsume
	case errors.Is(err, domain.ErrPrerequisite),
		errors.Is(err, domain.ErrSessionNotFound),
		errors.Is(err, domain.ErrEntityClosed):
		code = apperrors.ErrCodePreconditionFailed
	case errors.Is(err, ErrMalformed),
		errors.Is(err, ErrUnknownMethod),
		errors.Is(err, validation.ErrInvalid),
		errors.Is(err, domain.ErrInvalidParameters),
		errors.Is(err, domain.ErrUnsupportedCodec):
		code = apperrors.ErrCodeInvalidInput
	case errors.Is(err, domain.ErrEngineUnavailable):
		code = apperrors.ErrCodeServiceUnavailable
	default:
		if appErr, ok := apperrors.As(err); ok {
			return &Error{Code: appErr.Code, Message: appErr.Message}
		}
	}
	return &Error{Code: code, Message: err.Error()}
}
