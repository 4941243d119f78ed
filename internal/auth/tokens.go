package auth

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"strings"
)

const (
	// SessionTokenPrefix is the prefix for session tokens handed to devices
	SessionTokenPrefix = "st_"
	// DeviceSecretBytes is the entropy of a device secret
	DeviceSecretBytes = 32
)

// GenerateDeviceSecret generates a device shared secret, hex encoded
func GenerateDeviceSecret() (string, error) {
	bytes := make([]byte, DeviceSecretBytes)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

// GenerateSessionToken generates an opaque session token
func GenerateSessionToken() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	// Remove padding characters
	return SessionTokenPrefix + strings.TrimRight(base64.URLEncoding.EncodeToString(bytes), "="), nil
}

// ValidateSessionTokenFormat checks if a session token has the correct shape
func ValidateSessionTokenFormat(token string) bool {
	return strings.HasPrefix(token, SessionTokenPrefix) && len(token) >= len(SessionTokenPrefix)+40
}
