package twofactor

import "fmt"

// EnrollmentState is where a user is in the enroll-then-verify cycle.
type EnrollmentState int

const (
	Unconfigured EnrollmentState = iota
	// Pending has a secret that has not been confirmed with a valid code yet.
	Pending
	Configured
)

func (s EnrollmentState) String() string {
	switch s {
	case Unconfigured:
		return "unconfigured"
	case Pending:
		return "pending"
	case Configured:
		return "configured"
	}
	return fmt.Sprintf("EnrollmentState(%d)", int(s))
}

type enrollmentEvent string

const (
	eventEnroll   enrollmentEvent = "enroll"
	eventVerified enrollmentEvent = "verified"
	eventReset    enrollmentEvent = "reset"
)

// transitions lists every allowed (state, event) pair. The machine is cyclic: reset always
// leads back to Unconfigured.
var transitions = map[EnrollmentState]map[enrollmentEvent]EnrollmentState{
	Unconfigured: {
		eventEnroll: Pending,
		eventReset:  Unconfigured,
	},
	Pending: {
		eventEnroll:   Pending,
		eventVerified: Configured,
		eventReset:    Unconfigured,
	},
	Configured: {
		eventVerified: Configured,
		eventReset:    Unconfigured,
	},
}

// next returns the state reached from s on e.
func (s EnrollmentState) next(e enrollmentEvent) (EnrollmentState, error) {
	if to, ok := transitions[s][e]; ok {
		return to, nil
	}
	switch {
	case s == Configured && e == eventEnroll:
		return s, ErrAlreadyConfigured
	case s == Unconfigured && e == eventVerified:
		return s, ErrSecretUnavailable
	}
	return s, fmt.Errorf("no transition from %s on %s", s, e)
}

// apply moves cfg to the state reached on e. secret is only used for the
// Unconfigured to Pending step.
func (c *TOTPConfig) apply(e enrollmentEvent, secret string) error {
	from := c.State()
	to, err := from.next(e)
	if err != nil {
		return err
	}
	switch to {
	case Unconfigured:
		*c = TOTPConfig{}
	case Pending:
		if from == Unconfigured {
			c.Secret = secret
		}
		c.Configured = false
	case Configured:
		c.Configured = true
	}
	return nil
}
