package twofactor

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/atomic"
)

// server is our HTTP server
type server struct {
	// configurable
	auth                 *Authenticator
	csrfKey              []byte
	jwtKey               []byte
	adminKey             []byte
	port                 int
	cacheSize            int
	cacheTTL             time.Duration
	jwtSessionTTL        time.Duration
	redirect             string
	authCheckURL         string
	authLoginURL         string
	enrollURL            string
	userHeader           string
	secondsBetweenLogins int64
	cookieName           string
	httpReadTimeout      time.Duration
	httpWriteTimeout     time.Duration

	// internal
	log       *slog.Logger
	usedCSRF  *expirable.LRU[string, bool]
	re        *regexp.Regexp
	lastLogin *atomic.Int64
}

// buildServer creates a new server with the given options - this allows us to track server state
// between handlers.
func buildServer(opts ...WebOption) (*server, error) {
	// set up our server struct
	s := &server{ // default values
		port:                 8080,
		cacheSize:            250,
		cacheTTL:             time.Minute * 2,
		jwtSessionTTL:        DefaultSessionTTL,
		redirect:             "/auth/check",
		authCheckURL:         "/auth/check",
		authLoginURL:         "/auth/login",
		enrollURL:            "/auth/enroll",
		cookieName:           "totp-auth",
		secondsBetweenLogins: 1,
		re:                   regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._@-]*$`),
		httpReadTimeout:      time.Second,
		httpWriteTimeout:     time.Second,
		lastLogin:            atomic.NewInt64(0),
	}
	for _, opt := range opts { // apply options
		opt(s)
	}
	s.usedCSRF = expirable.NewLRU[string, bool](s.cacheSize, nil, s.cacheTTL)

	// validate our configuration
	if s.auth == nil {
		return nil, fmt.Errorf("authenticator is required")
	}
	if len(s.csrfKey) == 0 {
		return nil, fmt.Errorf("CSRF key is required")
	}
	if len(s.jwtKey) == 0 {
		return nil, fmt.Errorf("JWT key is required")
	}
	s.log = s.auth.log

	return s, nil
}

// ServeHTTP starts the HTTP server and blocks until ctx is cancelled or the listener fails.
func ServeHTTP(ctx context.Context, opts ...WebOption) error {
	s, err := buildServer(opts...)
	if err != nil {
		return err
	}

	// build & start HTTP server.
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", s.port),
		BaseContext:  func(_ net.Listener) context.Context { return ctx },
		ReadTimeout:  s.httpReadTimeout,
		WriteTimeout: s.httpWriteTimeout,
		Handler:      s.newHTTPHandler(),
	}
	srvErr := make(chan error, 1)
	go func() {
		s.log.InfoContext(ctx, "server is running", "port", s.port)
		srvErr <- srv.ListenAndServe()
	}()

	select {
	case err = <-srvErr:
		// Error when starting HTTP server.
		return err
	case <-ctx.Done():
	}

	// When Shutdown is called, ListenAndServe immediately returns ErrServerClosed.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// newHTTPHandler creates a new HTTP handler for the server.
func (s *server) newHTTPHandler() http.Handler {
	mux := http.NewServeMux()

	// handleFunc is a replacement for mux.HandleFunc
	// which enriches the handler's HTTP instrumentation with the pattern as the http.route.
	handleFunc := func(pattern string, handlerFunc func(http.ResponseWriter, *http.Request)) {
		// Configure the "http.route" for the HTTP instrumentation.
		handler := otelhttp.WithRouteTag(pattern, http.HandlerFunc(handlerFunc))
		mux.Handle(pattern, handler)
	}

	// register our handlers
	handleFunc(s.authCheckURL, s.authCheck)
	handleFunc(s.authLoginURL, s.authLogin)
	handleFunc("/auth/logout", s.authLogout)
	handleFunc("/auth/reset", s.authReset)
	if s.userHeader != "" {
		handleFunc(s.enrollURL, s.authEnroll)
	}
	if len(s.adminKey) > 0 {
		handleFunc("/admin/bypass", s.admin(s.adminBypass))
		handleFunc("/admin/reset", s.admin(s.adminReset))
		handleFunc("/admin/status", s.admin(s.adminStatus))
	}

	// Add HTTP instrumentation for the whole server.
	return otelWrapHandler(mux, "/")
}

// headerUser returns the username set by the upstream proxy, if configured.
func (s *server) headerUser(r *http.Request) string {
	if s.userHeader == "" {
		return ""
	}
	return strings.TrimSpace(r.Header.Get(s.userHeader))
}

// sessionUser returns the username of a valid, still authenticated session cookie.
func (s *server) sessionUser(r *http.Request) (string, error) {
	cookie, err := r.Cookie(s.cookieName)
	if err != nil {
		return "", err
	}
	user, err := parseToken(s.jwtKey, cookie.Value, s.auth.Now())
	if err != nil {
		return "", err
	}
	if !s.auth.IsAuthenticated(user) {
		return "", errors.New("session not authenticated")
	}
	return user, nil
}

// authCheck is the handler for the /auth/check endpoint.
// Passes users on the bypass list and users holding a valid session cookie.
func (s *server) authCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "No", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()

	upstream := s.headerUser(r)
	if upstream != "" && s.auth.BypassContains(upstream) {
		w.Header().Set("X-Auth-User", upstream)
		writeText(w, "Welcome", http.StatusOK)
		return
	}

	user, err := s.sessionUser(r)
	if err != nil {
		s.log.DebugContext(ctx, "no valid session", "error", err)
		writeError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if upstream != "" && upstream != user {
		s.log.WarnContext(ctx, "session user does not match upstream user", "user_id", user, "upstream_user", upstream)
		writeError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	w.Header().Set("X-Auth-User", user)
	writeText(w, "Welcome", http.StatusOK)
}

// authLogin is the handler for the /auth/login endpoint.
// GET returns a login form.
// POST attempts a login, validating the TOTP and issuing a session cookie.
func (s *server) authLogin(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.loginGet(w, r)
	case http.MethodPost:
		now := time.Now().Unix()
		last := s.lastLogin.Load()
		if now < last+s.secondsBetweenLogins || !s.lastLogin.CompareAndSwap(last, now) {
			writeError(w, "Too many requests", http.StatusTooManyRequests)
			return
		}
		s.loginPost(w, r)
	default:
		writeError(w, "No", http.StatusMethodNotAllowed)
	}
}

// loginPost handles the POST request for the login form.
// - validates the CSRF token and that it has not been used before
// - validates the username (and that it matches the upstream user, if any)
// - verifies the TOTP code, which also completes a pending enrollment
// - sets the session cookie and redirects to the configured URL
func (s *server) loginPost(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := r.ParseForm(); err != nil {
		writeError(w, "Bad request", http.StatusBadRequest)
		return
	}

	if !s.consumeCSRF(r.Form.Get("csrf")) {
		writeError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	user := strings.TrimSpace(r.Form.Get("user"))
	if !s.re.MatchString(user) {
		s.log.WarnContext(ctx, "invalid username")
		writeError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if upstream := s.headerUser(r); upstream != "" && upstream != user {
		s.log.WarnContext(ctx, "form user does not match upstream user", "user_id", user, "upstream_user", upstream)
		writeError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	res, err := s.auth.Verify(ctx, user, r.Form.Get("token"), s.auth.Now())
	if err != nil {
		writeError(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if !res.OK {
		http.Redirect(w, r, s.authLoginURL+"?user="+url.QueryEscape(user), http.StatusSeeOther)
		return
	}

	session, err := signToken(s.jwtKey, user, s.jwtSessionTTL, s.auth.Now())
	if err != nil {
		s.log.ErrorContext(ctx, "failed to sign session token", "user_id", user, "error", err)
		writeError(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeCookie(w, s.cookieName, session, s.jwtSessionTTL)
	http.Redirect(w, r, s.redirect, http.StatusFound)
}

// loginGet handles the GET request for the login form.
func (s *server) loginGet(w http.ResponseWriter, r *http.Request) {
	user := s.headerUser(r)
	if user == "" {
		user = r.URL.Query().Get("user")
	}
	if user != "" && !s.re.MatchString(user) {
		user = ""
	}

	csrf, err := s.newCSRF()
	if err != nil {
		s.log.ErrorContext(r.Context(), "failed to sign csrf token", "error", err)
		writeError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	s.writePage(w, loginPage, pageData{
		Action: s.authLoginURL,
		CSRF:   csrf,
		User:   user,
		Warn:   user != "" && s.auth.ConsumeWrongCredentialWarning(user),
	})
}

// authEnroll shows the QR code and secret for the upstream user. The code is confirmed by
// posting the login form, which moves the user from pending to configured.
func (s *server) authEnroll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "No", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()

	user := s.headerUser(r)
	if user == "" || !s.re.MatchString(user) {
		writeError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	enr, err := s.auth.Enroll(ctx, user)
	if errors.Is(err, ErrAlreadyConfigured) {
		writeError(w, "Already configured", http.StatusConflict)
		return
	} else if err != nil {
		writeError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	qr, err := QRCodeDataURI(enr.URI, DefaultQRSize)
	if err != nil {
		s.log.ErrorContext(ctx, "failed to render qr code", "user_id", user, "error", err)
		writeError(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	csrf, err := s.newCSRF()
	if err != nil {
		writeError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	s.writePage(w, enrollPage, pageData{
		Action: s.authLoginURL,
		CSRF:   csrf,
		User:   user,
		Secret: enr.Secret,
		QRCode: template.URL(qr),
		Warn:   s.auth.ConsumeWrongCredentialWarning(user),
	})
}

// authLogout ends the session of the cookie holder.
func (s *server) authLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, "No", http.StatusMethodNotAllowed)
		return
	}
	if cookie, err := r.Cookie(s.cookieName); err == nil {
		if user, err := parseToken(s.jwtKey, cookie.Value, s.auth.Now()); err == nil {
			s.auth.Logout(user)
		}
	}
	writeCookie(w, s.cookieName, "", -1)
	writeText(w, "Bye", http.StatusOK)
}

// authReset lets an authenticated user drop their own TOTP configuration.
func (s *server) authReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, "No", http.StatusMethodNotAllowed)
		return
	}
	user, err := s.sessionUser(r)
	if err != nil {
		writeError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if err := s.auth.Reset(r.Context(), user); err != nil {
		writeError(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	s.auth.Logout(user)
	writeCookie(w, s.cookieName, "", -1)
	writeText(w, "Reset", http.StatusOK)
}

// admin guards h with the bearer admin key.
func (s *server) admin(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), s.adminKey) != 1 {
			writeError(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		h(w, r)
	}
}

// adminBypass lists (GET), adds (POST) or removes (DELETE) bypass users.
func (s *server) adminBypass(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if r.Method == http.MethodGet {
		if err := s.auth.ReloadBypassList(ctx); err != nil {
			writeError(w, "Internal server error", http.StatusInternalServerError)
			return
		}
		writeText(w, strings.Join(s.auth.BypassUsers(), "\n"), http.StatusOK)
		return
	}

	user := strings.TrimSpace(r.FormValue("user"))
	if user == "" {
		writeError(w, "user is required", http.StatusBadRequest)
		return
	}

	var err error
	switch r.Method {
	case http.MethodPost:
		err = s.auth.BypassAdd(ctx, user)
	case http.MethodDelete:
		err = s.auth.BypassRemove(ctx, user)
	default:
		writeError(w, "No", http.StatusMethodNotAllowed)
		return
	}
	if err != nil {
		writeError(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// adminReset resets the TOTP configuration of another user.
func (s *server) adminReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, "No", http.StatusMethodNotAllowed)
		return
	}
	user := strings.TrimSpace(r.FormValue("user"))
	if user == "" {
		writeError(w, "user is required", http.StatusBadRequest)
		return
	}
	if err := s.auth.Reset(r.Context(), user); err != nil {
		writeError(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// adminStatus reports the 2FA status of a user.
func (s *server) adminStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "No", http.StatusMethodNotAllowed)
		return
	}
	user := strings.TrimSpace(r.URL.Query().Get("user"))
	if user == "" {
		writeError(w, "user is required", http.StatusBadRequest)
		return
	}
	st, err := s.auth.Status(r.Context(), user)
	if err != nil {
		writeError(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeText(w, string(st), http.StatusOK)
}

// newCSRF signs a one-off form id, valid for the CSRF cache TTL.
func (s *server) newCSRF() (string, error) {
	return signToken(s.csrfKey, uuid.NewString(), s.cacheTTL, s.auth.Now())
}

// consumeCSRF validates token and remembers it so it cannot be replayed.
func (s *server) consumeCSRF(token string) bool {
	if _, err := parseToken(s.csrfKey, token, s.auth.Now()); err != nil {
		s.log.Warn("invalid csrf token", "error", err)
		return false
	}
	if s.usedCSRF.Contains(token) {
		s.log.Warn("csrf token already used")
		return false
	}
	s.usedCSRF.Add(token, true)
	return true
}

// writeCookie writes the session cookie. A negative maxAge deletes it.
func writeCookie(w http.ResponseWriter, name, value string, maxAge time.Duration) {
	cookie := http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Secure:   true,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
	if maxAge < 0 {
		cookie.MaxAge = -1
	} else {
		cookie.MaxAge = int(maxAge.Seconds())
	}
	http.SetCookie(w, &cookie)
}

type pageData struct {
	Action string
	CSRF   string
	User   string
	Secret string
	QRCode template.URL
	Warn   bool
}

var (
	loginPage = template.Must(template.New("login").Parse(`<html><head><title>Please Log In</title></head>
<body>{{if .Warn}}<p class="warning">Wrong code, please try again.</p>{{end}}
<form action="{{.Action}}" method="POST">
<input placeholder="username" type="text" name="user" value="{{.User}}">
<input placeholder="code" type="text" name="token" inputmode="numeric" autocomplete="one-time-code">
<input type="hidden" name="csrf" value="{{.CSRF}}">
<input type="submit" value="Submit">
</form></body></html>`))

	enrollPage = template.Must(template.New("enroll").Parse(`<html><head><title>Set up your authenticator</title></head>
<body>{{if .Warn}}<p class="warning">Wrong code, please try again.</p>{{end}}
<p>Scan the code with your authenticator app, or enter the key manually.</p>
<img src="{{.QRCode}}" alt="QR code">
<p><code>{{.Secret}}</code></p>
<form action="{{.Action}}" method="POST">
<input type="hidden" name="user" value="{{.User}}">
<input placeholder="code" type="text" name="token" inputmode="numeric" autocomplete="one-time-code">
<input type="hidden" name="csrf" value="{{.CSRF}}">
<input type="submit" value="Confirm">
</form></body></html>`))
)

// writePage renders an HTML page.
func (s *server) writePage(w http.ResponseWriter, t *template.Template, data pageData) {
	w.Header().Set("Content-Type", "text/html")
	w.WriteHeader(http.StatusOK)
	if err := t.Execute(w, data); err != nil {
		s.log.Error("failed to render page", "page", t.Name(), "error", err)
	}
}

func writeText(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(code)
	w.Write([]byte(msg))
}

// writeError writes an error message to the response.
func writeError(w http.ResponseWriter, msg string, code int) {
	writeText(w, msg, code)
}
