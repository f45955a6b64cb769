package domain

import (
	"errors"
	"fmt"
)

// ErrPrerequisite marks an operation invoked before the entity or state it
// depends on exists. Every precondition error below wraps it.
var ErrPrerequisite = errors.New("missing prerequisite")

var (
	ErrNoRouter                  = fmt.Errorf("%w: router not created", ErrPrerequisite)
	ErrTransportNotFound         = fmt.Errorf("%w: transport not created", ErrPrerequisite)
	ErrTransportNotConnected     = fmt.Errorf("%w: transport not connected", ErrPrerequisite)
	ErrTransportAlreadyConnected = fmt.Errorf("%w: transport already connected", ErrPrerequisite)
	ErrTransportClosed           = fmt.Errorf("%w: transport closed", ErrPrerequisite)
	ErrNoProducer                = fmt.Errorf("%w: no producer to consume", ErrPrerequisite)
	ErrNoConsumer                = fmt.Errorf("%w: consumer not created", ErrPrerequisite)
	ErrConsumerNotPaused         = fmt.Errorf("%w: consumer is not paused", ErrPrerequisite)
)

var (
	ErrSessionNotFound   = errors.New("session not found")
	ErrSessionExists     = errors.New("session already exists")
	ErrCannotConsume     = errors.New("cannot consume")
	ErrEngineUnavailable = errors.New("media engine unavailable")
	ErrUnsupportedCodec  = errors.New("unsupported codec")
	ErrInvalidParameters = errors.New("invalid parameters")
	ErrEntityClosed      = errors.New("entity closed")
)
