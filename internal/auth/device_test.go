package auth

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uneseule/uneseule-backend/internal/apperr"
	"github.com/uneseule/uneseule-backend/internal/cache"
)

const testSecret = "9f2c1e7a5b3d4c6e8f0a1b2c3d4e5f60718293a4b5c6d7e8f90a1b2c3d4e5f60"

func fixedNow() time.Time { return time.Unix(1760000000, 0) }

func signedRequest(ts int64, body string) SignedRequest {
	timestamp := strconv.FormatInt(ts, 10)
	return SignedRequest{
		Serial:    "T-100",
		Timestamp: timestamp,
		Body:      []byte(body),
		Signature: SignDevice(testSecret, "T-100", timestamp, []byte(body)),
	}
}

func flip(s string, i int) string {
	b := []byte(s)
	b[i] ^= 0x01
	return string(b)
}

func TestVerifyAcceptsValidSignature(t *testing.T) {
	v := NewDeviceVerifier(5*time.Minute, nil, fixedNow)

	assert.NoError(t, v.Verify(context.Background(), signedRequest(fixedNow().Unix(), `{"child_id":"C-1"}`), testSecret))
	// empty body is still signed
	assert.NoError(t, v.Verify(context.Background(), signedRequest(fixedNow().Unix(), ""), testSecret))
}

func TestVerifyRejectsSingleByteFlip(t *testing.T) {
	v := NewDeviceVerifier(5*time.Minute, nil, fixedNow)
	ctx := context.Background()
	base := signedRequest(fixedNow().Unix(), `{"child_id":"C-1"}`)

	tests := []struct {
		name   string
		mutate func(r SignedRequest) SignedRequest
	}{
		{"serial", func(r SignedRequest) SignedRequest { r.Serial = flip(r.Serial, 2); return r }},
		{"body", func(r SignedRequest) SignedRequest { r.Body = []byte(flip(string(r.Body), 3)); return r }},
		{"signature", func(r SignedRequest) SignedRequest { r.Signature = flip(r.Signature, 10); return r }},
		{"secret", func(r SignedRequest) SignedRequest {
			r.Signature = SignDevice(flip(testSecret, 0), r.Serial, r.Timestamp, r.Body)
			return r
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Verify(ctx, tt.mutate(base), testSecret)
			assert.ErrorIs(t, err, apperr.ErrInvalidSignature)
		})
	}

	t.Run("timestamp", func(t *testing.T) {
		r := base
		r.Timestamp = strconv.FormatInt(fixedNow().Unix()+1, 10)
		assert.ErrorIs(t, v.Verify(ctx, r, testSecret), apperr.ErrInvalidSignature)
	})
}

func TestVerifyStaleBeforeSignature(t *testing.T) {
	v := NewDeviceVerifier(5*time.Minute, nil, fixedNow)
	ctx := context.Background()

	tests := []struct {
		name   string
		offset time.Duration
		stale  bool
	}{
		{"inside past", -299 * time.Second, false},
		{"edge past", -300 * time.Second, false},
		{"just past", -301 * time.Second, true},
		{"future skew", 301 * time.Second, true},
		{"far past", -24 * time.Hour, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := signedRequest(fixedNow().Add(tt.offset).Unix(), "{}")
			err := v.Verify(ctx, r, testSecret)
			if tt.stale {
				assert.ErrorIs(t, err, apperr.ErrStaleRequest)
			} else {
				assert.NoError(t, err)
			}

			// staleness wins over a broken signature
			r.Signature = "00"
			err = v.Verify(ctx, r, testSecret)
			if tt.stale {
				assert.ErrorIs(t, err, apperr.ErrStaleRequest)
			} else {
				assert.ErrorIs(t, err, apperr.ErrInvalidSignature)
			}
		})
	}

	assert.ErrorIs(t, v.CheckFreshness("yesterday"), apperr.ErrStaleRequest)
}

func TestVerifyRejectsReplay(t *testing.T) {
	v := NewDeviceVerifier(5*time.Minute, cache.NewMemoryWithClock(fixedNow), fixedNow)
	ctx := context.Background()
	r := signedRequest(fixedNow().Unix(), "{}")

	require.NoError(t, v.Verify(ctx, r, testSecret))
	assert.ErrorIs(t, v.Verify(ctx, r, testSecret), apperr.ErrStaleRequest)

	// a new timestamp is a new request
	next := signedRequest(fixedNow().Unix()-1, "{}")
	assert.NoError(t, v.Verify(ctx, next, testSecret))
}
