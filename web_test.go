package twofactor

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var csrfField = regexp.MustCompile(`name="csrf" value="([^"]+)"`)

const (
	testUserHeader = "X-Forwarded-User"
	testAdminKey   = "admin-key"
)

type testServer struct {
	auth    *Authenticator
	store   *Memory
	handler http.Handler
}

func newTestServer(t *testing.T, opts ...WebOption) *testServer {
	t.Helper()
	store := NewMemory("ci-bot",
		&User{Username: "mary", TOTP: TOTPConfig{Secret: rfcSecret, Configured: true}},
	)
	auth := newTestAuthenticator(t, store)

	opts = append([]WebOption{
		WithAuthenticator(auth),
		WithCSRFKey([]byte("csrf-key")),
		WithJWTKey([]byte("jwt-key")),
		WithAdminKey([]byte(testAdminKey)),
		WithUserHeader(testUserHeader),
		WithSecondsBetweenLogins(0),
		WithRedirect("/home"),
	}, opts...)
	s, err := buildServer(opts...)
	require.NoError(t, err)

	return &testServer{auth: auth, store: store, handler: s.newHTTPHandler()}
}

func (ts *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

// csrf loads the login page and returns the form's CSRF token.
func (ts *testServer) csrf(t *testing.T) string {
	t.Helper()
	rec := ts.do(httptest.NewRequest(http.MethodGet, "/auth/login", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	m := csrfField.FindStringSubmatch(rec.Body.String())
	require.Len(t, m, 2)
	return m[1]
}

func (ts *testServer) login(t *testing.T, user, code, csrf string) *httptest.ResponseRecorder {
	t.Helper()
	form := url.Values{"user": {user}, "token": {code}, "csrf": {csrf}}
	req := httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return ts.do(req)
}

func sessionCookie(t *testing.T, rec *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range rec.Result().Cookies() {
		if c.Name == "totp-auth" {
			return c
		}
	}
	t.Fatal("no session cookie set")
	return nil
}

func TestBuildServerRequired(t *testing.T) {
	auth := newTestAuthenticator(t, NewMemory(""))

	cases := []struct {
		Name string
		Opts []WebOption
	}{
		{"no-authenticator", []WebOption{WithCSRFKey([]byte("a")), WithJWTKey([]byte("b"))}},
		{"no-csrf-key", []WebOption{WithAuthenticator(auth), WithJWTKey([]byte("b"))}},
		{"no-jwt-key", []WebOption{WithAuthenticator(auth), WithCSRFKey([]byte("a"))}},
	}

	for _, c := range cases {
		t.Run(c.Name, func(t *testing.T) {
			_, err := buildServer(c.Opts...)
			assert.Error(t, err)
		})
	}
}

func TestLoginFlow(t *testing.T) {
	ts := newTestServer(t)
	code := currentCode(t, rfcSecret, time.Now())

	rec := ts.do(httptest.NewRequest(http.MethodGet, "/auth/check", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.login(t, "mary", code, ts.csrf(t))
	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/home", rec.Header().Get("Location"))
	cookie := sessionCookie(t, rec)
	assert.True(t, cookie.HttpOnly)
	assert.True(t, cookie.Secure)

	req := httptest.NewRequest(http.MethodGet, "/auth/check", nil)
	req.AddCookie(cookie)
	rec = ts.do(req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "mary", rec.Header().Get("X-Auth-User"))

	// the session belongs to mary, not to whoever the proxy says is asking
	req = httptest.NewRequest(http.MethodGet, "/auth/check", nil)
	req.Header.Set(testUserHeader, "james")
	req.AddCookie(cookie)
	rec = ts.do(req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/auth/logout", nil)
	req.AddCookie(cookie)
	rec = ts.do(req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, ts.auth.IsAuthenticated("mary"))

	req = httptest.NewRequest(http.MethodGet, "/auth/check", nil)
	req.AddCookie(cookie)
	rec = ts.do(req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "cookie is useless after logout")
}

func TestLoginWrongCode(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.login(t, "mary", wrongCode(t, rfcSecret, time.Now()), ts.csrf(t))
	require.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/auth/login?user=mary", rec.Header().Get("Location"))
	assert.Empty(t, rec.Result().Cookies())

	rec = ts.do(httptest.NewRequest(http.MethodGet, "/auth/login?user=mary", nil))
	assert.Contains(t, rec.Body.String(), "Wrong code")

	// the warning is shown once
	rec = ts.do(httptest.NewRequest(http.MethodGet, "/auth/login?user=mary", nil))
	assert.NotContains(t, rec.Body.String(), "Wrong code")
}

func TestLoginCSRF(t *testing.T) {
	ts := newTestServer(t)
	code := currentCode(t, rfcSecret, time.Now())

	rec := ts.login(t, "mary", code, "not-a-token")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	csrf := ts.csrf(t)
	rec = ts.login(t, "mary", wrongCode(t, rfcSecret, time.Now()), csrf)
	require.Equal(t, http.StatusSeeOther, rec.Code)

	rec = ts.login(t, "mary", code, csrf)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "csrf tokens are single use")
}

func TestLoginValidation(t *testing.T) {
	ts := newTestServer(t)
	code := currentCode(t, rfcSecret, time.Now())

	rec := ts.login(t, "../mary", code, ts.csrf(t))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	form := url.Values{"user": {"mary"}, "token": {code}, "csrf": {ts.csrf(t)}}
	req := httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set(testUserHeader, "james")
	rec = ts.do(req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(httptest.NewRequest(http.MethodPut, "/auth/login", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestLoginRateLimit(t *testing.T) {
	ts := newTestServer(t, WithSecondsBetweenLogins(60))
	code := currentCode(t, rfcSecret, time.Now())

	rec := ts.login(t, "mary", wrongCode(t, rfcSecret, time.Now()), ts.csrf(t))
	require.Equal(t, http.StatusSeeOther, rec.Code)

	rec = ts.login(t, "mary", code, ts.csrf(t))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestCheckBypass(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/auth/check", nil)
	req.Header.Set(testUserHeader, "CI-Bot")
	rec := ts.do(req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "CI-Bot", rec.Header().Get("X-Auth-User"))
}

func TestEnrollPage(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	rec := ts.do(httptest.NewRequest(http.MethodGet, "/auth/enroll", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/auth/enroll", nil)
	req.Header.Set(testUserHeader, "newbie")
	rec = ts.do(req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	assert.Contains(t, rec.Body.String(), "data:image/png;base64,")

	u, err := ts.store.User(ctx, "newbie")
	require.NoError(t, err)
	assert.Contains(t, rec.Body.String(), u.TOTP.Secret)
	assert.Equal(t, Pending, u.TOTP.State())

	m := csrfField.FindStringSubmatch(rec.Body.String())
	require.Len(t, m, 2)
	form := url.Values{"user": {"newbie"}, "token": {currentCode(t, u.TOTP.Secret, time.Now())}, "csrf": {m[1]}}
	req = httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set(testUserHeader, "newbie")
	rec = ts.do(req)
	require.Equal(t, http.StatusFound, rec.Code)

	st, err := ts.auth.State(ctx, "newbie")
	require.NoError(t, err)
	assert.Equal(t, Configured, st)

	req = httptest.NewRequest(http.MethodGet, "/auth/enroll", nil)
	req.Header.Set(testUserHeader, "newbie")
	rec = ts.do(req)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestSelfReset(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(httptest.NewRequest(http.MethodPost, "/auth/reset", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.login(t, "mary", currentCode(t, rfcSecret, time.Now()), ts.csrf(t))
	require.Equal(t, http.StatusFound, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/auth/reset", nil)
	req.AddCookie(sessionCookie(t, rec))
	rec = ts.do(req)
	assert.Equal(t, http.StatusOK, rec.Code)

	st, err := ts.auth.State(context.Background(), "mary")
	require.NoError(t, err)
	assert.Equal(t, Unconfigured, st)
	assert.False(t, ts.auth.IsAuthenticated("mary"))
}

func adminRequest(method, target string, form url.Values) *http.Request {
	var req *http.Request
	if form != nil {
		req = httptest.NewRequest(method, target, strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	req.Header.Set("Authorization", "Bearer "+testAdminKey)
	return req
}

func TestAdmin(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/admin/bypass", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec := ts.do(req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(adminRequest(http.MethodPost, "/admin/bypass", url.Values{"user": {"Alice"}}))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = ts.do(adminRequest(http.MethodGet, "/admin/bypass", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ci-bot\nAlice", rec.Body.String())

	rec = ts.do(adminRequest(http.MethodGet, "/admin/status?user=alice", nil))
	assert.Equal(t, "Bypassed", rec.Body.String())

	rec = ts.do(adminRequest(http.MethodDelete, "/admin/bypass?user=alice", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.False(t, ts.auth.BypassContains("Alice"))

	rec = ts.do(adminRequest(http.MethodPost, "/admin/bypass", url.Values{}))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(adminRequest(http.MethodGet, "/admin/status?user=mary", nil))
	assert.Equal(t, "Configured", rec.Body.String())

	rec = ts.do(adminRequest(http.MethodPost, "/admin/reset", url.Values{"user": {"mary"}}))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = ts.do(adminRequest(http.MethodGet, "/admin/status?user=mary", nil))
	assert.Equal(t, "Not Configured", rec.Body.String())
}

func TestAdminDisabledWithoutKey(t *testing.T) {
	ts := newTestServer(t, WithAdminKey(nil))

	rec := ts.do(adminRequest(http.MethodGet, "/admin/bypass", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServerUsesAuthenticatorLogger(t *testing.T) {
	buf := &bytes.Buffer{}
	auth := newTestAuthenticator(t, NewMemory(""), WithLogger(slog.New(slog.NewJSONHandler(buf, nil))))
	s, err := buildServer(
		WithAuthenticator(auth),
		WithCSRFKey([]byte("csrf-key")),
		WithJWTKey([]byte("jwt-key")),
		WithSecondsBetweenLogins(0),
	)
	require.NoError(t, err)
	ts := &testServer{auth: auth, handler: s.newHTTPHandler()}

	rec := ts.login(t, "mary", "123456", "not-a-token")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, buf.String(), "invalid csrf token")
}
