package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

var (
	ErrMalformed       = errors.New("token: malformed")
	ErrSessionMismatch = errors.New("token: session mismatch")
	ErrExpired         = errors.New("token: expired")
	ErrBadSignature    = errors.New("token: bad signature")
	ErrNotYetValid     = errors.New("token: issued in the future")
)

// maxSkew is how many rotation intervals a code's bucket may run ahead of the
// verifier's clock.
const maxSkew = 1

// Config controls how often the displayed code changes and how long any one
// code is accepted.
type Config struct {
	RotationInterval time.Duration
	GraceWindow      time.Duration
}

// DefaultConfig rotates every minute and accepts a code for two minutes.
func DefaultConfig() Config {
	return Config{RotationInterval: 60 * time.Second, GraceWindow: 120 * time.Second}
}

// Codec issues and verifies rotating attendance codes.
//
// Without a secret the payload is only base64 encoded, so anyone who knows the
// scheme can mint a code for any session and bucket. It defeats replay of a
// captured code after its window closes and nothing more. With a secret each
// code carries an HMAC-SHA256 of the payload.
type Codec struct {
	cfg    Config
	secret []byte
}

// NewCodec builds a codec. A nil or empty secret selects the unsigned encoding.
func NewCodec(cfg Config, secret []byte) *Codec {
	def := DefaultConfig()
	if cfg.RotationInterval <= 0 {
		cfg.RotationInterval = def.RotationInterval
	}
	if cfg.GraceWindow <= 0 {
		cfg.GraceWindow = def.GraceWindow
	}
	return &Codec{cfg: cfg, secret: secret}
}

// Config returns the effective timing configuration.
func (c *Codec) Config() Config { return c.cfg }

// Signed reports whether codes carry a MAC.
func (c *Codec) Signed() bool { return len(c.secret) > 0 }

// Bucket quantizes now to the rotation interval.
func (c *Codec) Bucket(now time.Time) int64 {
	step := int64(c.cfg.RotationInterval / time.Second)
	if step <= 0 {
		step = 1
	}
	sec := now.Unix()
	b := sec / step
	if sec < 0 && sec%step != 0 {
		b--
	}
	return b
}

// bucketStart is the instant a bucket begins.
func (c *Codec) bucketStart(bucket int64) time.Time {
	step := int64(c.cfg.RotationInterval / time.Second)
	if step <= 0 {
		step = 1
	}
	return time.Unix(bucket*step, 0)
}

// Issue returns the code to display for sessionID at now.
func (c *Codec) Issue(sessionID string, now time.Time) string {
	payload := sessionID + ":" + strconv.FormatInt(c.Bucket(now), 10)
	encoded := base64.StdEncoding.EncodeToString([]byte(payload))
	if !c.Signed() {
		return encoded
	}
	return encoded + "." + c.mac(payload)
}

// ExpiresAt is the last instant a code issued at now is accepted.
func (c *Codec) ExpiresAt(now time.Time) time.Time {
	return c.bucketStart(c.Bucket(now)).Add(c.cfg.GraceWindow)
}

// NextRotation is when the displayed code changes after now.
func (c *Codec) NextRotation(now time.Time) time.Time {
	return c.bucketStart(c.Bucket(now) + 1)
}

// Verify checks that tok was issued for expectedSessionID and is still fresh.
func (c *Codec) Verify(tok, expectedSessionID string, now time.Time) error {
	encoded, sig, hasSig, err := cut(tok)
	if err != nil {
		return err
	}
	if hasSig && !c.Signed() {
		return ErrMalformed
	}
	payload, err := decode(encoded)
	if err != nil {
		return err
	}
	if c.Signed() {
		if !hasSig || !hmac.Equal([]byte(sig), []byte(c.mac(payload))) {
			return ErrBadSignature
		}
	}
	sessionID, bucket, err := parsePayload(payload)
	if err != nil {
		return err
	}
	if sessionID != expectedSessionID {
		return ErrSessionMismatch
	}
	if bucket > c.Bucket(now)+maxSkew {
		return ErrNotYetValid
	}
	age := now.Sub(c.bucketStart(bucket))
	if age > c.cfg.GraceWindow {
		return ErrExpired
	}
	return nil
}

func (c *Codec) mac(payload string) string {
	h := hmac.New(sha256.New, c.secret)
	h.Write([]byte(payload))
	return hex.EncodeToString(h.Sum(nil))
}

// Split parses the format of tok without judging signature or freshness.
func Split(tok string) (string, int64, error) {
	encoded, _, _, err := cut(tok)
	if err != nil {
		return "", 0, err
	}
	payload, err := decode(encoded)
	if err != nil {
		return "", 0, err
	}
	return parsePayload(payload)
}

// cut separates the payload from an optional MAC, which must be a full
// hex-encoded SHA-256 sum.
func cut(tok string) (encoded, sig string, hasSig bool, err error) {
	encoded, sig, hasSig = strings.Cut(tok, ".")
	if !hasSig {
		return encoded, "", false, nil
	}
	if len(sig) != hex.EncodedLen(sha256.Size) {
		return "", "", false, ErrMalformed
	}
	if _, err := hex.DecodeString(sig); err != nil {
		return "", "", false, ErrMalformed
	}
	return encoded, sig, true, nil
}

func decode(encoded string) (string, error) {
	if encoded == "" {
		return "", ErrMalformed
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", ErrMalformed
	}
	return string(raw), nil
}

func parsePayload(payload string) (string, int64, error) {
	parts := strings.Split(payload, ":")
	if len(parts) != 2 || parts[0] == "" {
		return "", 0, ErrMalformed
	}
	bucket, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return "", 0, ErrMalformed
	}
	return parts[0], bucket, nil
}
