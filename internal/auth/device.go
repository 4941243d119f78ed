package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"

	"github.com/uneseule/uneseule-backend/internal/apperr"
	"github.com/uneseule/uneseule-backend/internal/cache"
)

// Device request headers
const (
	HeaderDeviceSerial    = "X-Device-Serial"
	HeaderDeviceSignature = "X-Device-Signature"
	HeaderDeviceTimestamp = "X-Device-Timestamp"
)

// DefaultSignatureWindow is the accepted clock distance for device requests
const DefaultSignatureWindow = 5 * time.Minute

// SignedRequest is what a device sends to authenticate one call
type SignedRequest struct {
	Serial    string
	Signature string
	Timestamp string
	Body      []byte
}

// SignDevice computes hex(HMAC-SHA256(secret, serial || timestamp || body))
func SignDevice(secret, serial, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(serial))
	mac.Write([]byte(timestamp))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// DeviceVerifier authenticates signed device requests
type DeviceVerifier struct {
	window time.Duration
	nonces cache.NonceStore
	now    func() time.Time
}

// NewDeviceVerifier creates a verifier; nonces may be nil to disable replay detection
func NewDeviceVerifier(window time.Duration, nonces cache.NonceStore, now func() time.Time) *DeviceVerifier {
	if window <= 0 {
		window = DefaultSignatureWindow
	}
	if now == nil {
		now = time.Now
	}
	return &DeviceVerifier{window: window, nonces: nonces, now: now}
}

// CheckFreshness rejects timestamps outside the window. It runs before any
// secret lookup so stale requests are refused regardless of signature.
func (v *DeviceVerifier) CheckFreshness(timestamp string) error {
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return apperr.ErrStaleRequest.WithMessage("request timestamp is not a unix time")
	}
	skew := v.now().Sub(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > v.window {
		return apperr.ErrStaleRequest
	}
	return nil
}

// Verify checks freshness, the signature in constant time and, when enabled,
// that the exact request was not seen before
func (v *DeviceVerifier) Verify(ctx context.Context, req SignedRequest, secret string) error {
	if err := v.CheckFreshness(req.Timestamp); err != nil {
		return err
	}

	expected := SignDevice(secret, req.Serial, req.Timestamp, req.Body)
	if !hmac.Equal([]byte(expected), []byte(req.Signature)) {
		return apperr.ErrInvalidSignature
	}

	if v.nonces != nil {
		fresh, err := v.nonces.Claim(ctx, req.Serial+":"+req.Timestamp+":"+req.Signature, 2*v.window)
		if err != nil {
			return err
		}
		if !fresh {
			return apperr.ErrStaleRequest.WithMessage("request replayed")
		}
	}
	return nil
}
