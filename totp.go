package twofactor

import (
	"strconv"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/hotp"
)

const (
	// Period is the TOTP step in seconds.
	Period = 30
	// Digits is the length of a TOTP code.
	Digits = 6
	// Skew is how many steps in the past are still accepted. Future steps never are.
	Skew = 1
)

// TOTP computes and validates RFC 6238 codes (HMAC-SHA1, 30s step, 6 digits).
type TOTP struct {
	period uint64
	skew   uint64
	opts   hotp.ValidateOpts
}

// NewTOTP returns an engine with the standard parameters.
func NewTOTP() *TOTP {
	return &TOTP{
		period: Period,
		skew:   Skew,
		opts: hotp.ValidateOpts{
			Digits:    otp.DigitsSix,
			Algorithm: otp.AlgorithmSHA1,
		},
	}
}

// counter returns the moving factor for t.
func (o *TOTP) counter(t time.Time) (uint64, bool) {
	unix := t.Unix()
	if unix < 0 {
		return 0, false
	}
	return uint64(unix) / o.period, true
}

// Code returns the zero padded code for the step containing t.
// Times before the unix epoch have no step and return ErrInvalidTime.
func (o *TOTP) Code(secret string, t time.Time) (string, error) {
	if SecretUnset(strings.TrimSpace(secret)) {
		return "", ErrSecretUnavailable
	}
	counter, ok := o.counter(t)
	if !ok {
		return "", ErrInvalidTime
	}
	code, err := hotp.GenerateCodeCustom(secret, counter, o.opts)
	if err != nil {
		return "", ErrInvalidSecret
	}
	return code, nil
}

// Validate checks a submitted code against the current and previous steps.
// Malformed secrets or codes are a plain mismatch.
func (o *TOTP) Validate(secret, code string, t time.Time) bool {
	n, err := parseCode(code)
	if err != nil {
		return false
	}
	return o.ValidateCode(secret, n, t)
}

// ValidateCode is Validate for a code that has already been parsed to an integer.
func (o *TOTP) ValidateCode(secret string, code int, t time.Time) bool {
	if code < 0 || code > 999999 {
		return false
	}
	if SecretUnset(strings.TrimSpace(secret)) {
		return false
	}
	counter, ok := o.counter(t)
	if !ok {
		return false
	}

	for i := uint64(0); i <= o.skew && i <= counter; i++ {
		expect, err := hotp.GenerateCodeCustom(secret, counter-i, o.opts)
		if err != nil {
			return false
		}
		n, err := strconv.Atoi(expect)
		if err != nil {
			return false
		}
		if n == code {
			return true
		}
	}
	return false
}

// parseCode accepts exactly Digits ASCII digits, surrounding whitespace ignored.
func parseCode(code string) (int, error) {
	code = strings.TrimSpace(code)
	if len(code) != Digits {
		return 0, ErrInvalidCodeFormat
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return 0, ErrInvalidCodeFormat
		}
	}
	n, err := strconv.Atoi(code)
	if err != nil {
		return 0, ErrInvalidCodeFormat
	}
	return n, nil
}
