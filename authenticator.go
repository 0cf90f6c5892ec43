package twofactor

import (
	"context"
	"errors"
	"hash/maphash"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultIssuer     = "TOTP"
	DefaultSessionTTL = 2 * time.Hour
	userLockStripes   = 64
)

// Status summarises a user's second factor for admin views.
type Status string

const (
	StatusBypassed      Status = "Bypassed"
	StatusConfigured    Status = "Configured"
	StatusNotConfigured Status = "Not Configured"
)

// Enrollment is what a user needs to add the account to an authenticator app.
type Enrollment struct {
	URI    string
	Secret string
}

// VerifyResult is the outcome of Verify. A bad code is never an error.
type VerifyResult struct {
	OK              bool
	NewlyConfigured bool
}

// Authenticator ties secrets, code validation, session state and the bypass list together.
// It is safe for concurrent use.
type Authenticator struct {
	store        Storage
	issuer       string
	now          func() time.Time
	random       io.Reader
	sessionTTL   time.Duration
	sessionLimit int
	log          *slog.Logger
	meter        metric.Meter

	totp     *TOTP
	sessions *StateTracker
	bypass   *BypassList
	metrics  *metrics

	seed      maphash.Seed
	userLocks [userLockStripes]sync.Mutex

	// bypassMu orders storage updates and cache refreshes of the bypass list.
	bypassMu sync.Mutex
}

// New builds an Authenticator and loads the bypass list from storage.
func New(ctx context.Context, opts ...Option) (*Authenticator, error) {
	a := &Authenticator{ // default values
		issuer:     DefaultIssuer,
		now:        time.Now,
		sessionTTL: DefaultSessionTTL,
		totp:       NewTOTP(),
		seed:       maphash.MakeSeed(),
	}
	for _, opt := range opts {
		opt(a)
	}

	if a.store == nil {
		return nil, errors.New("storage is required")
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	if a.meter == nil {
		a.meter = otel.Meter(instrumentationName)
	}

	m, err := newMetrics(a.meter)
	if err != nil {
		return nil, err
	}
	a.metrics = m
	a.sessions = NewStateTracker(a.sessionLimit, a.sessionTTL)

	raw, err := a.store.BypassList(ctx)
	if err != nil {
		return nil, err
	}
	a.bypass = NewBypassList(raw)

	return a, nil
}

// Now returns the current time of the configured clock.
func (a *Authenticator) Now() time.Time {
	return a.now()
}

// Issuer returns the issuer used in provisioning URIs.
func (a *Authenticator) Issuer() string {
	return a.issuer
}

// lockUser serialises record mutations for one user. Different users rarely share a stripe.
func (a *Authenticator) lockUser(userID string) func() {
	mu := &a.userLocks[maphash.String(a.seed, userID)%userLockStripes]
	mu.Lock()
	return mu.Unlock
}

func (a *Authenticator) startSpan(ctx context.Context, name, userID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "twofactor."+name, trace.WithAttributes(attribute.String("user_id", userID)))
}

func spanError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// loadUser returns the stored record, or a fresh unconfigured one when the user has none yet.
func (a *Authenticator) loadUser(ctx context.Context, userID string) (*User, error) {
	u, err := a.store.User(ctx, userID)
	if errors.Is(err, ErrUserNotFound) {
		return &User{Username: userID}, nil
	}
	return u, err
}

// Enroll returns the provisioning material for userID, generating and saving a secret
// when none is set. A pending secret is returned as is, so repeated calls agree.
// Configured users get ErrAlreadyConfigured and must Reset first.
func (a *Authenticator) Enroll(ctx context.Context, userID string) (enr *Enrollment, err error) {
	ctx, span := a.startSpan(ctx, "Enroll", userID)
	defer func() { spanError(span, err); span.End() }()

	if userID == "" {
		return nil, ErrEmptyUserID
	}
	defer a.lockUser(userID)()

	u, err := a.loadUser(ctx, userID)
	if err != nil {
		a.log.ErrorContext(ctx, "failed to load user", "user_id", userID, "error", err)
		return nil, err
	}

	if u.TOTP.State() == Unconfigured {
		secret, err := GenerateSecret(a.random)
		if err != nil {
			a.log.ErrorContext(ctx, "failed to generate totp secret", "user_id", userID, "error", err)
			return nil, err
		}
		next := u.clone()
		if err := next.TOTP.apply(eventEnroll, secret); err != nil {
			return nil, err
		}
		if err := a.store.SaveUser(ctx, next); err != nil {
			a.log.ErrorContext(ctx, "failed to save user", "user_id", userID, "error", err)
			return nil, err
		}
		a.log.InfoContext(ctx, "totp secret issued", "user_id", userID)
		u = next
	} else if _, err := u.TOTP.State().next(eventEnroll); err != nil {
		return nil, err
	}

	uri, err := ProvisioningURI(u.TOTP.Secret, userID, a.issuer)
	if err != nil {
		return nil, err
	}
	return &Enrollment{URI: uri, Secret: u.TOTP.Secret}, nil
}

// Verify checks code for userID at now. A pending user becomes Configured on the first
// valid code. Success marks the session authenticated, failure sets the wrong code warning.
// The returned error is only set for storage failures, in which case nothing changes.
func (a *Authenticator) Verify(ctx context.Context, userID, code string, now time.Time) (res VerifyResult, err error) {
	ctx, span := a.startSpan(ctx, "Verify", userID)
	defer func() {
		span.SetAttributes(attribute.Bool("ok", res.OK))
		spanError(span, err)
		span.End()
	}()

	if userID == "" {
		return VerifyResult{}, nil
	}

	n, err := parseCode(code)
	if err != nil {
		a.rejected(ctx, userID, outcomeMalformed)
		return VerifyResult{}, nil
	}

	defer a.lockUser(userID)()

	u, err := a.store.User(ctx, userID)
	if errors.Is(err, ErrUserNotFound) {
		a.rejected(ctx, userID, outcomeNoSecret)
		return VerifyResult{}, nil
	} else if err != nil {
		a.log.ErrorContext(ctx, "failed to load user", "user_id", userID, "error", err)
		return VerifyResult{}, err
	}

	if u.TOTP.State() == Unconfigured {
		a.rejected(ctx, userID, outcomeNoSecret)
		return VerifyResult{}, nil
	}

	if !a.totp.ValidateCode(u.TOTP.Secret, n, now) {
		a.rejected(ctx, userID, outcomeMismatch)
		return VerifyResult{}, nil
	}

	res = VerifyResult{OK: true}
	if u.TOTP.State() == Pending {
		next := u.clone()
		if err := next.TOTP.apply(eventVerified, ""); err != nil {
			return VerifyResult{}, err
		}
		if err := a.store.SaveUser(ctx, next); err != nil {
			a.log.ErrorContext(ctx, "failed to save user", "user_id", userID, "error", err)
			return VerifyResult{}, err
		}
		res.NewlyConfigured = true
		a.metrics.enrollments.Add(ctx, 1)
		a.log.InfoContext(ctx, "totp configured", "user_id", userID)
	}

	a.sessions.update(userID, func(st *AuthState) {
		st.Authenticated = true
		st.WrongCode = false
	})
	a.metrics.verification(ctx, outcomeOK)
	return res, nil
}

func (a *Authenticator) rejected(ctx context.Context, userID, outcome string) {
	a.sessions.SetWrongCredentialWarning(userID, true)
	a.metrics.verification(ctx, outcome)
	a.log.WarnContext(ctx, "invalid totp code", "user_id", userID, "outcome", outcome)
}

// Reset clears the secret and configured flag of userID together. Resetting a user with no
// record is a no-op.
func (a *Authenticator) Reset(ctx context.Context, userID string) (err error) {
	ctx, span := a.startSpan(ctx, "Reset", userID)
	defer func() { spanError(span, err); span.End() }()

	if userID == "" {
		return ErrEmptyUserID
	}
	defer a.lockUser(userID)()

	u, err := a.store.User(ctx, userID)
	if errors.Is(err, ErrUserNotFound) {
		return nil
	} else if err != nil {
		a.log.ErrorContext(ctx, "failed to load user", "user_id", userID, "error", err)
		return err
	}

	next := u.clone()
	if err := next.TOTP.apply(eventReset, ""); err != nil {
		return err
	}
	if err := a.store.SaveUser(ctx, next); err != nil {
		a.log.ErrorContext(ctx, "failed to save user", "user_id", userID, "error", err)
		return err
	}
	a.metrics.resets.Add(ctx, 1)
	a.log.InfoContext(ctx, "totp reset", "user_id", userID)
	return nil
}

// State returns the enrollment state of userID.
func (a *Authenticator) State(ctx context.Context, userID string) (EnrollmentState, error) {
	u, err := a.loadUser(ctx, userID)
	if err != nil {
		return Unconfigured, err
	}
	return u.TOTP.State(), nil
}

// Status reports Bypassed, Configured or Not Configured for userID.
func (a *Authenticator) Status(ctx context.Context, userID string) (Status, error) {
	if a.BypassContains(userID) {
		return StatusBypassed, nil
	}
	st, err := a.State(ctx, userID)
	if err != nil {
		return StatusNotConfigured, err
	}
	if st == Configured {
		return StatusConfigured, nil
	}
	return StatusNotConfigured, nil
}

// BypassAdd exempts userID from the second factor. Adding a present user is a no-op.
func (a *Authenticator) BypassAdd(ctx context.Context, userID string) error {
	if userID == "" {
		return ErrEmptyUserID
	}
	return a.updateBypass(ctx, "add", userID, (*BypassList).Add)
}

// BypassRemove removes every entry matching userID, ignoring case.
func (a *Authenticator) BypassRemove(ctx context.Context, userID string) error {
	if userID == "" {
		return ErrEmptyUserID
	}
	return a.updateBypass(ctx, "remove", userID, (*BypassList).Remove)
}

// updateBypass applies op to the persisted list inside the storage's atomic update and
// refreshes the cached list with what was stored.
func (a *Authenticator) updateBypass(ctx context.Context, op, userID string, fn func(*BypassList, string) bool) (err error) {
	ctx, span := a.startSpan(ctx, "Bypass."+op, userID)
	defer func() { spanError(span, err); span.End() }()

	a.bypassMu.Lock()
	defer a.bypassMu.Unlock()

	var (
		stored  string
		changed bool
	)
	err = a.store.UpdateBypassList(ctx, func(current string) (string, error) {
		l := NewBypassList(current)
		changed = fn(l, userID)
		stored = l.String()
		return stored, nil
	})
	if err != nil {
		a.log.ErrorContext(ctx, "failed to save bypass list", "user_id", userID, "op", op, "error", err)
		return err
	}

	a.bypass.Replace(stored)
	if changed {
		a.metrics.bypass(ctx, op)
		a.log.InfoContext(ctx, "bypass list updated", "user_id", userID, "op", op)
	}
	return nil
}

// BypassContains reports whether userID is exempt, ignoring case.
func (a *Authenticator) BypassContains(userID string) bool {
	return a.bypass.Contains(userID)
}

// BypassUsers lists the exempt users in insertion order.
func (a *Authenticator) BypassUsers() []string {
	return a.bypass.Users()
}

// ReloadBypassList refreshes the cached list from storage, for stores shared between processes.
func (a *Authenticator) ReloadBypassList(ctx context.Context) error {
	a.bypassMu.Lock()
	defer a.bypassMu.Unlock()

	raw, err := a.store.BypassList(ctx)
	if err != nil {
		return err
	}
	a.bypass.Replace(raw)
	return nil
}

func (a *Authenticator) IsAuthenticated(userID string) bool {
	return a.sessions.IsAuthenticated(userID)
}

func (a *Authenticator) MarkAuthenticated(userID string) {
	a.sessions.SetAuthenticated(userID, true)
}

// ConsumeWrongCredentialWarning returns whether the last attempt failed and clears the flag.
func (a *Authenticator) ConsumeWrongCredentialWarning(userID string) bool {
	return a.sessions.ConsumeWrongCredentialWarning(userID)
}

// Logout ends the second factor session of userID.
func (a *Authenticator) Logout(userID string) {
	a.sessions.Forget(userID)
}

// Allowed reports whether userID may pass without entering a code right now.
func (a *Authenticator) Allowed(userID string) bool {
	return a.BypassContains(userID) || a.IsAuthenticated(userID)
}
