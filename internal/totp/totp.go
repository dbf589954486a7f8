// Package totp implements RFC 6238 time-based one-time passwords for the
// optional admission gate on chest creation (§6). No library in the
// retrieval pack implements TOTP, so this builds directly on crypto/hmac,
// crypto/sha1, and encoding/base32 the way every HOTP/TOTP implementation
// does.
package totp

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base32"
	"encoding/binary"
	"errors"
	"strconv"
	"strings"
	"time"
)

const (
	step      = 30 * time.Second
	digits    = 6
	skewSteps = 1
)

// ErrNoMatch is returned when a code doesn't validate against any secret.
var ErrNoMatch = errors.New("totp: code does not match any configured secret")

// Secrets is a named set of base32 secrets, one per admitted client, as
// configured via "name1:SECRET1,name2:SECRET2,...".
type Secrets map[string]string

// ParseSecrets parses the TOTP_SECRETS configuration format.
func ParseSecrets(s string) (Secrets, error) {
	out := Secrets{}
	if strings.TrimSpace(s) == "" {
		return out, nil
	}
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, ":", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, errors.New("totp: malformed secret entry: " + pair)
		}
		out[parts[0]] = parts[1]
	}
	return out, nil
}

// Validate reports whether code is a valid TOTP for any secret in the set,
// tolerant of ±1 step of clock skew.
func (s Secrets) Validate(code string) bool {
	for _, secret := range s {
		if validateOne(secret, code, time.Now()) {
			return true
		}
	}
	return false
}

func validateOne(secret, code string, now time.Time) bool {
	key, err := decodeSecret(secret)
	if err != nil {
		return false
	}
	counter := now.Unix() / int64(step.Seconds())
	for skew := -skewSteps; skew <= skewSteps; skew++ {
		if generate(key, counter+int64(skew)) == code {
			return true
		}
	}
	return false
}

func decodeSecret(secret string) ([]byte, error) {
	secret = strings.ToUpper(strings.TrimSpace(secret))
	secret = strings.TrimRight(secret, "=")
	return base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(secret)
}

func generate(key []byte, counter int64) string {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(counter))

	mac := hmac.New(sha1.New, key)
	mac.Write(buf)
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0x0f
	truncated := binary.BigEndian.Uint32(sum[offset:offset+4]) & 0x7fffffff
	code := truncated % pow10(digits)

	return leftPad(strconv.FormatUint(uint64(code), 10), digits)
}

func pow10(n int) uint32 {
	v := uint32(1)
	for i := 0; i < n; i++ {
		v *= 10
	}
	return v
}

func leftPad(s string, n int) string {
	for len(s) < n {
		s = "0" + s
	}
	return s
}
