package utils

import (
	"strings"

	"github.com/google/uuid"
)

// GenerateID returns a random identifier carrying the given prefix.
func GenerateID(prefix string) string {
	if prefix == "" {
		return uuid.NewString()
	}
	return prefix + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// GenerateSessionID generates a session key for peers that did not ask for one
func GenerateSessionID() string {
	return uuid.NewString()
}

// GenerateConnectionID generates a unique signaling connection ID
func GenerateConnectionID() string {
	return GenerateID("conn")
}

// GenerateRequestID generates a unique HTTP request ID
func GenerateRequestID() string {
	return GenerateID("req")
}

// ShortID returns the first eight characters of id, for log lines.
func ShortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
