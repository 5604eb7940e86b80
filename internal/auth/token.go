// Package auth mints and verifies the HMAC tokens a worker presents when it attaches
// to a session.
package auth

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
	ErrNoSecret    = errors.New("worker token secret not configured")
	ErrTokenFormat = errors.New("invalid token format")
	ErrTokenSig    = errors.New("invalid token signature")
	ErrTokenExp    = errors.New("token expired")
	ErrTokenSID    = errors.New("session id mismatch")
)

// Issuer binds tokens to a session ID and an expiry.
// Wire format: base64url(session_id "." exp_unix "." hex(hmac_sha256(secret, session_id "." exp_unix))).
type Issuer struct {
	secret []byte
	ttl    time.Duration
	skew   time.Duration
	now    func() time.Time
}

func NewIssuer(secret string, ttl, skew time.Duration) *Issuer {
	return &Issuer{secret: []byte(secret), ttl: ttl, skew: skew, now: time.Now}
}

func (i *Issuer) sign(msg string) []byte {
	mac := hmac.New(sha256.New, i.secret)
	mac.Write([]byte(msg))
	return mac.Sum(nil)
}

// Mint returns a token for sessionID and its expiry.
func (i *Issuer) Mint(sessionID string) (string, time.Time, error) {
	if len(i.secret) == 0 {
		return "", time.Time{}, ErrNoSecret
	}
	exp := i.now().Add(i.ttl).Truncate(time.Second)
	msg := sessionID + "." + strconv.FormatInt(exp.Unix(), 10)
	raw := msg + "." + hex.EncodeToString(i.sign(msg))
	return base64.RawURLEncoding.EncodeToString([]byte(raw)), exp, nil
}

// Verify checks the signature, the bound session and the expiry (allowing skew).
func (i *Issuer) Verify(token, sessionID string) error {
	if len(i.secret) == 0 {
		return ErrNoSecret
	}
	b, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return ErrTokenFormat
	}
	// The session ID may itself contain dots; exp and sig are the last two fields.
	s := string(b)
	dot2 := strings.LastIndexByte(s, '.')
	if dot2 < 0 {
		return ErrTokenFormat
	}
	dot1 := strings.LastIndexByte(s[:dot2], '.')
	if dot1 < 0 {
		return ErrTokenFormat
	}
	sid, expStr, sigHex := s[:dot1], s[dot1+1:dot2], s[dot2+1:]
	exp, err := strconv.ParseInt(expStr, 10, 64)
	if err != nil {
		return ErrTokenFormat
	}
	got, err := hex.DecodeString(sigHex)
	if err != nil {
		return ErrTokenFormat
	}
	if !hmac.Equal(i.sign(sid+"."+expStr), got) {
		return ErrTokenSig
	}
	if sid != sessionID {
		return ErrTokenSID
	}
	if i.now().After(time.Unix(exp, 0).Add(i.skew)) {
		return ErrTokenExp
	}
	return nil
}
