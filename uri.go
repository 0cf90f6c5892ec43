package twofactor

import (
	"fmt"
	"net/url"
	"strings"
)

// ProvisioningURI builds the otpauth:// URI authenticator apps import, see
// https://github.com/google/google-authenticator/wiki/Key-Uri-Format
//
// The issuer and account label are percent-encoded before they are placed in the label
// and the query, so neither can inject extra parameters or split the label.
func ProvisioningURI(secret, account, issuer string) (string, error) {
	if SecretUnset(secret) {
		return "", ErrSecretUnavailable
	}
	if account == "" {
		return "", ErrMissingAccountName
	}
	if issuer == "" {
		return "", ErrMissingIssuer
	}

	return fmt.Sprintf(
		"otpauth://totp/%s:%s?secret=%s&issuer=%s&algorithm=SHA1&digits=%d&period=%d",
		escapeLabel(issuer), escapeLabel(account),
		escapeValue(secret), escapeValue(issuer),
		Digits, Period,
	), nil
}

// escapeLabel escapes a label component. ':' separates issuer and account so it is encoded too.
func escapeLabel(s string) string {
	return strings.ReplaceAll(url.PathEscape(s), ":", "%3A")
}

// escapeValue escapes a query value using %20 for spaces, which authenticator apps handle
// more consistently than '+'.
func escapeValue(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}
