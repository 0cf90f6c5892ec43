package twofactor

import "errors"

var (
	ErrUserNotFound       = errors.New("user not found")
	ErrEmptyUserID        = errors.New("user id is required")
	ErrSecretUnavailable  = errors.New("totp secret not set")
	ErrInvalidSecret      = errors.New("invalid totp secret")
	ErrInvalidCodeFormat  = errors.New("invalid totp code format")
	ErrInvalidTime        = errors.New("time is before the unix epoch")
	ErrRandomSource       = errors.New("secure random source failed")
	ErrAlreadyConfigured  = errors.New("totp already configured")
	ErrMissingAccountName = errors.New("missing account name")
	ErrMissingIssuer      = errors.New("missing issuer")
)
