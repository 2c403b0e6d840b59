package usecases

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"svontai_router/internal/entities"
)

// Signer computes and verifies X-SvontAI-Signature over raw bodies with the platform secret.
// Verification accepts the current and the previous secret so the secret can be rotated.
type Signer struct {
	secrets [][]byte
	skew    time.Duration
	now     func() time.Time
}

func NewSigner(current, previous string, skew time.Duration) *Signer {
	s := &Signer{skew: skew, now: time.Now}
	s.secrets = append(s.secrets, []byte(current))
	if previous != "" && previous != current {
		s.secrets = append(s.secrets, []byte(previous))
	}
	return s
}

// WithClock replaces the time source.
func (s *Signer) WithClock(now func() time.Time) *Signer {
	s.now = now
	return s
}

func (s *Signer) Sign(body []byte) string {
	return HMACHex(s.secrets[0], body)
}

// Stamp returns the signature and unix timestamp header values for body.
func (s *Signer) Stamp(body []byte) (string, int64) {
	return s.Sign(body), s.now().Unix()
}

// Verify checks the timestamp window first, then the signature against every accepted secret.
func (s *Signer) Verify(body []byte, signature, timestamp string) error {
	if err := s.checkSkew(timestamp); err != nil {
		return err
	}
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return entities.ErrSignatureInvalid
	}
	for _, secret := range s.secrets {
		if ValidHMAC(secret, body, signature) {
			return nil
		}
	}
	return entities.ErrSignatureInvalid
}

func (s *Signer) checkSkew(timestamp string) error {
	ts, err := strconv.ParseInt(strings.TrimSpace(timestamp), 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp", entities.ErrTimestampSkew)
	}
	diff := s.now().Sub(time.Unix(ts, 0))
	if diff < 0 {
		diff = -diff
	}
	if diff > s.skew {
		return entities.ErrTimestampSkew
	}
	return nil
}

func HMACHex(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// ValidHMAC compares a hex HMAC-SHA256 in constant time. A "sha256=" prefix is accepted.
func ValidHMAC(secret, body []byte, signature string) bool {
	signature = strings.TrimPrefix(strings.TrimSpace(signature), "sha256=")
	got, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}
