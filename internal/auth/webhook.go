package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/uneseule/uneseule-backend/internal/apperr"
)

// SignatureScheme verifies a provider's webhook signature header over the raw body
type SignatureScheme interface {
	// Header names the request header carrying the signature
	Header() string
	Verify(header string, body []byte) error
}

func hmacHex(secret string, parts ...[]byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	for _, p := range parts {
		mac.Write(p)
	}
	return hex.EncodeToString(mac.Sum(nil))
}

func equalHex(expected, presented string) bool {
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(strings.TrimSpace(presented))))
}

// parseSignatureHeader splits "t=123,v0=abc" style headers
func parseSignatureHeader(header string) (int64, map[string][]string, bool) {
	var ts int64
	sigs := make(map[string][]string)
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return 0, nil, false
		}
		if k == "t" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return 0, nil, false
			}
			ts = n
			continue
		}
		sigs[k] = append(sigs[k], v)
	}
	return ts, sigs, ts != 0
}

// timestampedScheme covers the "t=<unix>,<version>=<hex>" family where the
// signed payload is "<unix>.<body>"
type timestampedScheme struct {
	header    string
	version   string
	secret    string
	tolerance time.Duration
	now       func() time.Time
}

func (s *timestampedScheme) Header() string { return s.header }

func (s *timestampedScheme) Verify(header string, body []byte) error {
	if header == "" || s.secret == "" {
		return apperr.ErrInvalidSignature
	}
	ts, sigs, ok := parseSignatureHeader(header)
	if !ok {
		return apperr.ErrInvalidSignature
	}
	if s.tolerance > 0 {
		age := s.now().Sub(time.Unix(ts, 0))
		if age > s.tolerance || age < -s.tolerance {
			return apperr.ErrStaleRequest
		}
	}

	expected := hmacHex(s.secret, []byte(strconv.FormatInt(ts, 10)), []byte("."), body)
	for _, sig := range sigs[s.version] {
		if equalHex(expected, sig) {
			return nil
		}
	}
	return apperr.ErrInvalidSignature
}

// NewElevenLabsScheme verifies the ElevenLabs-Signature header (t=,v0=)
func NewElevenLabsScheme(secret string, tolerance time.Duration) SignatureScheme {
	return &timestampedScheme{header: "ElevenLabs-Signature", version: "v0", secret: secret, tolerance: tolerance, now: time.Now}
}

// NewStripeScheme verifies the Stripe-Signature header (t=,v1=)
func NewStripeScheme(secret string, tolerance time.Duration) SignatureScheme {
	return &timestampedScheme{header: "Stripe-Signature", version: "v1", secret: secret, tolerance: tolerance, now: time.Now}
}

// hexScheme is a plain hex HMAC-SHA256 of the body
type hexScheme struct {
	header string
	secret string
}

func (s *hexScheme) Header() string { return s.header }

func (s *hexScheme) Verify(header string, body []byte) error {
	if header == "" || s.secret == "" {
		return apperr.ErrInvalidSignature
	}
	header = strings.TrimPrefix(strings.TrimSpace(header), "sha256=")
	if !equalHex(hmacHex(s.secret, body), header) {
		return apperr.ErrInvalidSignature
	}
	return nil
}

// NewHexScheme verifies a plain hex HMAC carried in header
func NewHexScheme(header, secret string) SignatureScheme {
	return &hexScheme{header: header, secret: secret}
}

// NewTossScheme verifies Toss Payments webhooks
func NewTossScheme(secret string) SignatureScheme {
	return &hexScheme{header: "TossPayments-Signature", secret: secret}
}

// SignTimestamped produces a "t=,<version>=" header; used by tests and tooling
func SignTimestamped(secret, version string, ts int64, body []byte) string {
	return "t=" + strconv.FormatInt(ts, 10) + "," + version + "=" +
		hmacHex(secret, []byte(strconv.FormatInt(ts, 10)), []byte("."), body)
}

// SignHex produces a plain hex HMAC of body
func SignHex(secret string, body []byte) string {
	return hmacHex(secret, body)
}
