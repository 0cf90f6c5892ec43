package twofactor

// User object holds the bare minimum
type User struct {
	// Canonical user id, compared case-sensitively.
	Username string `yaml:"username"`

	TOTP TOTPConfig `yaml:"totp"`
}

// TOTPConfig is the second factor configuration of a user.
// Configured implies a non-empty Secret; both change together.
type TOTPConfig struct {
	// Base32 secret, empty when unset. Never log this.
	Secret     string `yaml:"secret,omitempty"`
	Configured bool   `yaml:"configured"`
}

// State derives the enrollment state from the stored config.
func (c TOTPConfig) State() EnrollmentState {
	switch {
	case SecretUnset(c.Secret):
		return Unconfigured
	case c.Configured:
		return Configured
	default:
		return Pending
	}
}

// clone returns a copy that can be mutated and saved without touching u.
func (u *User) clone() *User {
	c := *u
	return &c
}
