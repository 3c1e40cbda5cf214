// Package guard derives Steam Guard one-time codes and mobile confirmation
// keys from an account's shared/identity secrets.
//
// All derivations are pure functions of (secret, time, tag): the same inputs
// always produce the same output, so callers can regenerate a code or key at
// will instead of storing it.
package guard

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"time"
)

// CodeWindow is the validity window of a login code.
const CodeWindow = 30 * time.Second

// codeChars is Steam's code alphabet. Ambiguous characters are excluded.
const codeChars = "23456789BCDFGHJKMNPQRTVWXY"

const codeLen = 5

// Tag selects which mobileconf operation a confirmation key signs.
type Tag string

const (
	TagList    Tag = "conf"
	TagDetails Tag = "details"
	TagAllow   Tag = "allow"
	TagCancel  Tag = "cancel"
)

// Code is a login one-time code together with the window it is valid for.
type Code struct {
	Value      string
	ValidFrom  time.Time
	ValidUntil time.Time
}

// InWindow reports whether t falls inside the code's validity window.
func (c Code) InWindow(t time.Time) bool {
	return !t.Before(c.ValidFrom) && t.Before(c.ValidUntil)
}

func decodeSecret(secret string) ([]byte, error) {
	if secret == "" {
		return nil, fmt.Errorf("guard: empty secret")
	}
	key, err := base64.StdEncoding.DecodeString(secret)
	if err != nil {
		return nil, fmt.Errorf("guard: malformed base64 secret: %w", err)
	}
	if len(key) == 0 {
		return nil, fmt.Errorf("guard: empty secret")
	}
	return key, nil
}

// GenerateCode derives the 5-character login code for the 30-second window
// containing t from the account's base64 shared secret.
func GenerateCode(sharedSecret string, t time.Time) (Code, error) {
	key, err := decodeSecret(sharedSecret)
	if err != nil {
		return Code{}, err
	}

	counter := t.Unix() / int64(CodeWindow/time.Second)

	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(counter))

	mac := hmac.New(sha1.New, key)
	mac.Write(buf)
	sum := mac.Sum(nil)

	start := sum[19] & 0x0F
	slice := binary.BigEndian.Uint32(sum[start:start+4]) & 0x7FFFFFFF

	out := make([]byte, codeLen)
	for i := 0; i < codeLen; i++ {
		out[i] = codeChars[slice%uint32(len(codeChars))]
		slice /= uint32(len(codeChars))
	}

	validFrom := time.Unix(counter*int64(CodeWindow/time.Second), 0).UTC()
	return Code{
		Value:      string(out),
		ValidFrom:  validFrom,
		ValidUntil: validFrom.Add(CodeWindow),
	}, nil
}

// ConfirmationKey derives the per-request signature for a mobileconf call.
// Unlike login codes the timestamp has 1-second resolution and the tag is
// appended to the HMAC input, so every (t, tag) pair yields a distinct key.
func ConfirmationKey(identitySecret string, t time.Time, tag Tag) (string, error) {
	key, err := decodeSecret(identitySecret)
	if err != nil {
		return "", err
	}

	buf := make([]byte, 8, 8+len(tag))
	binary.BigEndian.PutUint64(buf, uint64(t.Unix()))
	buf = append(buf, tag...)

	mac := hmac.New(sha1.New, key)
	mac.Write(buf)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

// DeviceID returns the android device identifier Steam expects alongside
// confirmation requests. It is stable for a given shared secret.
func DeviceID(sharedSecret string) string {
	sum := md5.Sum([]byte(sharedSecret))
	return fmt.Sprintf("android:%x-%x-%x-%x-%x",
		sum[:4], sum[4:6], sum[6:8], sum[8:10], sum[10:12])
}
