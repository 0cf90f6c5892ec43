package twofactor

import (
	"context"
	"sync"
)

// Storage for our user data and the bypass list.
//
// SaveUser must write Secret and Configured together. UpdateBypassList must run
// load, fn and store as one atomic step with respect to other updates.
type Storage interface {
	User(ctx context.Context, username string) (*User, error)
	SaveUser(ctx context.Context, user *User) error
	BypassList(ctx context.Context) (string, error)
	UpdateBypassList(ctx context.Context, fn func(current string) (string, error)) error
}

// Memory is an in-process Storage, mostly for tests and debug mode.
type Memory struct {
	mu     sync.Mutex
	users  map[string]User
	bypass string
}

// NewMemory creates a Memory store holding copies of users.
func NewMemory(bypass string, users ...*User) *Memory {
	m := &Memory{users: map[string]User{}, bypass: bypass}
	for _, u := range users {
		m.users[u.Username] = *u
	}
	return m
}

// NewDebugStorage creates a Memory store with canned data (see test_data/conf.yaml).
// Obviously, this is for debugging purposes only.
func NewDebugStorage() *Memory {
	return NewMemory("",
		&User{Username: "mary", TOTP: TOTPConfig{Secret: "3UFC3DUK27KESHBWEJDQS4B2HXLHGFZV", Configured: true}},
		&User{Username: "james", TOTP: TOTPConfig{Secret: "CV4JDXSYVFRJTHMNG4HUKF3OSTOP6B3H", Configured: true}},
		&User{Username: "test"},
	)
}

func (m *Memory) User(_ context.Context, username string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[username]
	if !ok {
		return nil, ErrUserNotFound
	}
	return &u, nil
}

func (m *Memory) SaveUser(_ context.Context, user *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[user.Username] = *user
	return nil
}

func (m *Memory) BypassList(_ context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bypass, nil
}

func (m *Memory) UpdateBypassList(_ context.Context, fn func(string) (string, error)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	next, err := fn(m.bypass)
	if err != nil {
		return err
	}
	m.bypass = next
	return nil
}
