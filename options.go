package twofactor

import (
	"io"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"
)

// Option configures an Authenticator.
type Option func(*Authenticator)

// WithStorage sets the persistence backend (required).
func WithStorage(store Storage) Option {
	return func(a *Authenticator) {
		a.store = store
	}
}

// WithIssuer sets the issuer shown in authenticator apps.
func WithIssuer(issuer string) Option {
	return func(a *Authenticator) {
		a.issuer = issuer
	}
}

// WithClock replaces time.Now, used where no explicit time is passed in.
func WithClock(now func() time.Time) Option {
	return func(a *Authenticator) {
		a.now = now
	}
}

// WithRandom sets the secure random source used for new secrets.
func WithRandom(r io.Reader) Option {
	return func(a *Authenticator) {
		a.random = r
	}
}

// WithSessionTTL sets how long per-user session state lives after its last change.
func WithSessionTTL(ttl time.Duration) Option {
	return func(a *Authenticator) {
		a.sessionTTL = ttl
	}
}

// WithSessionLimit caps the number of tracked sessions, evicting the least recently changed.
func WithSessionLimit(n int) Option {
	return func(a *Authenticator) {
		a.sessionLimit = n
	}
}

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *Authenticator) {
		a.log = l
	}
}

// WithMeter sets the meter used for counters. Defaults to the global meter provider.
func WithMeter(m metric.Meter) Option {
	return func(a *Authenticator) {
		a.meter = m
	}
}
