// Package twofactor provides a TOTP (RFC 6238) implementation of the
// gateway's SecondFactorVerifier boundary.
package twofactor

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base32"
	"encoding/binary"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tbaxter/gatehouse/internal/util"
)

const (
	secretBytes = 20
	digits      = 6
	period      = 30
	// window tolerates one step of clock skew in either direction.
	window = 1
)

// Clock abstracts the time source for deterministic verification tests.
type Clock interface {
	Now() time.Time
}

// SecretSource resolves a user's enrolled TOTP secret (base32, unpadded).
// An empty secret means the user has no second factor enrolled.
type SecretSource interface {
	TOTPSecret(ctx context.Context, userID string) (string, error)
}

// Verifier implements gateway.SecondFactorVerifier using TOTP.
type Verifier struct {
	secrets SecretSource
	clock   Clock
}

// NewVerifier creates a TOTP verifier over the given secret source.
func NewVerifier(secrets SecretSource, clock Clock) *Verifier {
	return &Verifier{secrets: secrets, clock: clock}
}

// Verify checks the code against the user's enrolled secret.
func (v *Verifier) Verify(ctx context.Context, userID, code string) (bool, error) {
	secret, err := v.secrets.TOTPSecret(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("looking up totp secret: %w", err)
	}
	if secret == "" {
		return false, nil
	}
	return VerifyCode(secret, code, v.clock.Now()), nil
}

// GenerateSecret returns a new random base32 secret for enrolment.
func GenerateSecret() (string, error) {
	raw, err := util.RandomBytes(secretBytes)
	if err != nil {
		return "", err
	}
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(raw), nil
}

func normalizeCode(code string) string {
	return strings.TrimSpace(strings.ReplaceAll(code, " ", ""))
}

func validCode(code string) bool {
	if len(code) != digits {
		return false
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// VerifyCode checks a code against a secret at the given instant, accepting
// codes from adjacent time steps to tolerate clock skew.
func VerifyCode(secret, code string, now time.Time) bool {
	code = normalizeCode(code)
	if !validCode(code) {
		return false
	}
	for i := -window; i <= window; i++ {
		at := now.Add(time.Duration(i*period) * time.Second)
		expected, err := codeAt(secret, at)
		if err != nil {
			return false
		}
		if subtle.ConstantTimeCompare([]byte(expected), []byte(code)) == 1 {
			return true
		}
	}
	return false
}

func codeAt(secret string, at time.Time) (string, error) {
	decoded, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(strings.ToUpper(secret))
	if err != nil {
		return "", err
	}

	counter := uint64(at.Unix() / period)
	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], counter)

	mac := hmac.New(sha1.New, decoded)
	_, _ = mac.Write(msg[:])
	sum := mac.Sum(nil)
	offset := sum[len(sum)-1] & 0x0f
	binCode := (int(sum[offset])&0x7f)<<24 |
		(int(sum[offset+1])&0xff)<<16 |
		(int(sum[offset+2])&0xff)<<8 |
		(int(sum[offset+3]) & 0xff)
	otp := binCode % 1000000
	return fmt.Sprintf("%06d", otp), nil
}

// OtpauthURL builds the otpauth:// enrolment URL for authenticator apps.
func OtpauthURL(issuer, secret, accountLabel string) string {
	label := url.PathEscape(issuer + ":" + accountLabel)
	values := url.Values{}
	values.Set("secret", secret)
	values.Set("issuer", issuer)
	values.Set("algorithm", "SHA1")
	values.Set("digits", strconv.Itoa(digits))
	values.Set("period", strconv.Itoa(period))
	return "otpauth://totp/" + label + "?" + values.Encode()
}
