package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	otellog "go.opentelemetry.io/otel/log"

	"github.com/voidshard/twofactor"
)

// Globals are shared by every command.
type Globals struct {
	Config   string `long:"config" default:"conf.yaml" help:"YAML user store path" env:"USER_CONFIG"`
	RedisURL string `long:"redis-url" help:"Use a Redis store instead of the YAML file (redis://...)" env:"REDIS_URL"`
	Issuer   string `long:"issuer" default:"TOTP" help:"Issuer name shown in authenticator apps" env:"ISSUER"`
	Debug    bool   `long:"debug" help:"Enable debug mode (canned users, stdout telemetry)." env:"DEBUG"`
	LogLevel string `long:"log-level" default:"info" enum:"debug,info,warn,error" help:"Log level" env:"LOG_LEVEL"`
}

var cli struct {
	Globals `embed:""`

	Serve  cmdServe  `cmd help:"Serve the API"`
	Enroll cmdEnroll `cmd help:"Issue a TOTP secret for a user and print the QR code"`
	Verify cmdVerify `cmd help:"Check a code for a user (completes a pending enrollment)"`
	Code   cmdCode   `cmd help:"Print the current code for a secret"`
	Reset  cmdReset  `cmd help:"Reset the TOTP configuration of a user"`
	Status cmdStatus `cmd help:"Show the 2FA status of a user"`
	Bypass cmdBypass `cmd help:"Manage users exempt from 2FA"`
}

func (g *Globals) level() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(g.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// storage opens the configured store. The returned func releases it.
func (g *Globals) storage(ctx context.Context) (twofactor.Storage, func(), error) {
	switch {
	case g.Debug:
		slog.Info("debug mode enabled, using canned users only")
		return twofactor.NewDebugStorage(), func() {}, nil
	case g.RedisURL != "":
		r, err := twofactor.NewRedis(ctx, g.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		return r, func() { _ = r.Close() }, nil
	default:
		f, err := twofactor.NewFile(g.Config)
		return f, func() {}, err
	}
}

// authenticator builds the engine on top of the configured store.
func (g *Globals) authenticator(ctx context.Context, opts ...twofactor.Option) (*twofactor.Authenticator, func(), error) {
	store, closer, err := g.storage(ctx)
	if err != nil {
		return nil, nil, err
	}
	opts = append([]twofactor.Option{
		twofactor.WithStorage(store),
		twofactor.WithIssuer(g.Issuer),
	}, opts...)
	a, err := twofactor.New(ctx, opts...)
	if err != nil {
		closer()
		return nil, nil, err
	}
	return a, closer, nil
}

type cmdServe struct {
	Port       int    `long:"port" default:"8080" help:"Port to listen on" env:"PORT"`
	JWTKey     string `long:"jwt-key" env:"JWT_KEY" help:"JWT signing key (required when not in debug mode)"`
	CSRFKey    string `long:"csrf-key" env:"CSRF_KEY" help:"CSRF signing key (required when not in debug mode)"`
	AdminKey   string `long:"admin-key" env:"ADMIN_KEY" help:"Bearer key for the /admin endpoints (disabled when empty)"`
	UserHeader string `long:"user-header" env:"USER_HEADER" help:"Header carrying the upstream authenticated user, enables /auth/enroll"`
	Redirect   string `long:"redirect" default:"/auth/check" env:"REDIRECT" help:"Redirect URL after login"`
	LRUSize    int    `long:"lru-size" default:"250" env:"LRU_SIZE" help:"LRU cache size (used for remembering CSRF tokens)"`
	LRUTTL     int    `long:"lru-ttl" default:"120" env:"LRU_TTL" help:"LRU cache TTL in seconds (used for remembering CSRF tokens)"` // 2 mins
	JWTTTL     int    `long:"jwt-ttl" default:"7200" env:"JWT_TTL" help:"Session TTL in seconds"`                                      // 2 hours
	Sessions   int    `long:"sessions" default:"10000" env:"SESSIONS" help:"Maximum number of tracked 2FA sessions"`
	LoginURL   string `long:"auth-url" default:"/auth/login" env:"LOGIN_URL" help:"Auth URL"`
	CheckURL   string `long:"check-url" default:"/auth/check" env:"CHECK_URL" help:"Check URL"`
	EnrollURL  string `long:"enroll-url" default:"/auth/enroll" env:"ENROLL_URL" help:"Enrollment URL"`
	Cookie     string `long:"cookie" default:"totp-auth" env:"COOKIE" help:"Cookie name"`

	SecondsBetweenLogins int64 `long:"seconds-between-logins" default:"1" env:"SECONDS_BETWEEN_LOGINS" help:"Minimum time between logins in seconds"`

	HTTPReadTimeout  int `long:"http-read-timeout" default:"1" env:"HTTP_READ_TIMEOUT" help:"HTTP read timeout in seconds"`
	HTTPWriteTimeout int `long:"http-write-timeout" default:"1" env:"HTTP_WRITE_TIMEOUT" help:"HTTP write timeout in seconds"`
}

// defaults sets up some default values for the server, generating keys if needed (debug mode only)
func (c *cmdServe) defaults(debug bool) error {
	for name, key := range map[string]*string{"JWT": &c.JWTKey, "CSRF": &c.CSRFKey} {
		if *key != "" {
			continue
		}
		if !debug {
			return fmt.Errorf("%s key is required", name)
		}
		slog.Warn("no key provided, generating a random one", "key", name)
		rb, err := randBytes(64)
		if err != nil {
			return err
		}
		*key = string(rb)
	}
	return nil
}

// Run starts the HTTP server.
func (c *cmdServe) Run(g *Globals) error {
	if err := c.defaults(g.Debug); err != nil {
		return err
	}

	// Handle SIGINT (CTRL+C) and SIGTERM gracefully.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tel, err := twofactor.SetupOTelSDK(ctx, g.Debug)
	if err != nil {
		return err
	}
	defer func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			slog.Error("failed to shut down telemetry", "error", err)
		}
	}()
	var lp otellog.LoggerProvider
	if tel.Logs != nil {
		lp = tel.Logs
	}
	slog.SetDefault(twofactor.NewLogger(os.Stdout, g.level(), lp))

	sessionTTL := time.Duration(c.JWTTTL) * time.Second
	auth, closer, err := g.authenticator(ctx,
		twofactor.WithSessionTTL(sessionTTL),
		twofactor.WithSessionLimit(c.Sessions),
	)
	if err != nil {
		return err
	}
	defer closer()

	opts := []twofactor.WebOption{
		twofactor.WithAuthenticator(auth),
		twofactor.WithCSRFKey([]byte(c.CSRFKey)),
		twofactor.WithJWTKey([]byte(c.JWTKey)),
		twofactor.WithPort(c.Port),
		twofactor.WithLRUCacheSize(c.LRUSize),
		twofactor.WithLRUCacheTTL(time.Duration(c.LRUTTL) * time.Second),
		twofactor.WithJWTSessionTTL(sessionTTL),
		twofactor.WithRedirect(c.Redirect),
		twofactor.WithAuthCheckURL(c.CheckURL),
		twofactor.WithAuthLoginURL(c.LoginURL),
		twofactor.WithEnrollURL(c.EnrollURL),
		twofactor.WithUserHeader(c.UserHeader),
		twofactor.WithCookieName(c.Cookie),
		twofactor.WithSecondsBetweenLogins(c.SecondsBetweenLogins),
		twofactor.WithHTTPReadTimeout(time.Duration(c.HTTPReadTimeout) * time.Second),
		twofactor.WithHTTPWriteTimeout(time.Duration(c.HTTPWriteTimeout) * time.Second),
	}
	if c.AdminKey != "" {
		opts = append(opts, twofactor.WithAdminKey([]byte(c.AdminKey)))
	}
	return twofactor.ServeHTTP(ctx, opts...)
}

type cmdEnroll struct {
	Account string `arg:"" help:"Account name"`
	Output  string `long:"output" short:"o" help:"Also save the QR code as a PNG to this path"`
}

// Run issues (or re-shows the pending) secret for an account.
// Intended for an admin creating a user account
func (c *cmdEnroll) Run(g *Globals) error {
	ctx := context.Background()
	auth, closer, err := g.authenticator(ctx)
	if err != nil {
		return err
	}
	defer closer()

	enr, err := auth.Enroll(ctx, c.Account)
	if err != nil {
		return err
	}
	qr, err := twofactor.QRCodeTerminal(enr.URI)
	if err != nil {
		return err
	}

	fmt.Print(qr)
	fmt.Println("Secret:", enr.Secret)
	fmt.Println("URI:", enr.URI)
	if c.Output == "" {
		return nil
	}

	png, err := twofactor.QRCodePNG(enr.URI, twofactor.DefaultQRSize)
	if err != nil {
		return err
	}
	fmt.Println("QR code saved to:", c.Output)
	return os.WriteFile(c.Output, png, 0o600)
}

type cmdVerify struct {
	Account string `arg:"" help:"Account name"`
	Code    string `arg:"" help:"6 digit code"`
}

func (c *cmdVerify) Run(g *Globals) error {
	ctx := context.Background()
	auth, closer, err := g.authenticator(ctx)
	if err != nil {
		return err
	}
	defer closer()

	res, err := auth.Verify(ctx, c.Account, c.Code, auth.Now())
	if err != nil {
		return err
	}
	if !res.OK {
		return fmt.Errorf("invalid code")
	}
	if res.NewlyConfigured {
		fmt.Println("OK, enrollment complete")
		return nil
	}
	fmt.Println("OK")
	return nil
}

type cmdCode struct {
	Secret string `arg:"" help:"Base32 secret"`
}

func (c *cmdCode) Run(_ *Globals) error {
	code, err := twofactor.NewTOTP().Code(c.Secret, time.Now())
	if err != nil {
		return err
	}
	fmt.Println(code)
	return nil
}

type cmdReset struct {
	Account string `arg:"" help:"Account name"`
}

func (c *cmdReset) Run(g *Globals) error {
	ctx := context.Background()
	auth, closer, err := g.authenticator(ctx)
	if err != nil {
		return err
	}
	defer closer()
	return auth.Reset(ctx, c.Account)
}

type cmdStatus struct {
	Account string `arg:"" help:"Account name"`
}

func (c *cmdStatus) Run(g *Globals) error {
	ctx := context.Background()
	auth, closer, err := g.authenticator(ctx)
	if err != nil {
		return err
	}
	defer closer()

	st, err := auth.Status(ctx, c.Account)
	if err != nil {
		return err
	}
	fmt.Println(st)
	return nil
}

type cmdBypass struct {
	Add    cmdBypassAdd    `cmd help:"Exempt a user from 2FA"`
	Remove cmdBypassRemove `cmd help:"Require 2FA for a user again"`
	List   cmdBypassList   `cmd help:"List exempt users"`
}

type cmdBypassAdd struct {
	Account string `arg:"" help:"Account name"`
}

func (c *cmdBypassAdd) Run(g *Globals) error {
	ctx := context.Background()
	auth, closer, err := g.authenticator(ctx)
	if err != nil {
		return err
	}
	defer closer()
	return auth.BypassAdd(ctx, c.Account)
}

type cmdBypassRemove struct {
	Account string `arg:"" help:"Account name"`
}

func (c *cmdBypassRemove) Run(g *Globals) error {
	ctx := context.Background()
	auth, closer, err := g.authenticator(ctx)
	if err != nil {
		return err
	}
	defer closer()
	return auth.BypassRemove(ctx, c.Account)
}

type cmdBypassList struct{}

func (c *cmdBypassList) Run(g *Globals) error {
	ctx := context.Background()
	auth, closer, err := g.authenticator(ctx)
	if err != nil {
		return err
	}
	defer closer()
	fmt.Println(strings.Join(auth.BypassUsers(), "\n"))
	return nil
}

// randBytes generates n random bytes.
// Only used to be helpful & generate keys for debug style mode.
func randBytes(n int) ([]byte, error) {
	data := make([]byte, n)
	_, err := rand.Read(data)
	return data, err
}

func main() {
	// a missing .env is fine, the environment and flags still apply
	_ = godotenv.Load()

	ctx := kong.Parse(&cli)
	err := ctx.Run(&cli.Globals)
	ctx.FatalIfErrorf(err)
}
