package twofactor

import (
	"crypto/rand"
	"encoding/base32"
	"errors"
	"io"
)

// SecretSize is the number of random bytes in a TOTP secret (160 bits).
const SecretSize = 20

// secretEncoding is RFC 4648 base32 without padding, the form authenticator apps expect.
var secretEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// GenerateSecret reads SecretSize bytes from r and returns them base32 encoded.
// A nil reader means crypto/rand. There is no fallback if the reader fails.
func GenerateSecret(r io.Reader) (string, error) {
	if r == nil {
		r = rand.Reader
	}
	buf := make([]byte, SecretSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", errors.Join(ErrRandomSource, err)
	}
	defer clear(buf)
	return secretEncoding.EncodeToString(buf), nil
}

// SecretUnset reports whether the encoded secret is the empty "unset" value.
func SecretUnset(secret string) bool {
	return secret == ""
}
