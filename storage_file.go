package twofactor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	yaml "gopkg.in/yaml.v3"
)

// fileData is the on-disk layout of a File store.
type fileData struct {
	Bypass string  `yaml:"bypass"`
	Users  []*User `yaml:"users"`
}

// File is a YAML file backed Storage. Every write rewrites the whole file through a
// temporary file and rename, so readers never see a partial document.
type File struct {
	filename string

	mu     sync.Mutex
	users  map[string]User
	order  []string
	bypass string
}

// NewFile loads filename. A missing file is an empty store that is created on first write.
func NewFile(filename string) (*File, error) {
	f := &File{filename: filename, users: map[string]User{}}

	data, err := os.ReadFile(filename)
	if errors.Is(err, os.ErrNotExist) {
		return f, nil
	} else if err != nil {
		return nil, err
	}

	var doc fileData
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filename, err)
	}
	f.bypass = doc.Bypass
	for _, u := range doc.Users {
		if u == nil || u.Username == "" {
			continue
		}
		if _, ok := f.users[u.Username]; !ok {
			f.order = append(f.order, u.Username)
		}
		f.users[u.Username] = *u
	}
	return f, nil
}

// User returns a User object by username.
func (f *File) User(_ context.Context, username string) (*User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[username]
	if !ok {
		return nil, ErrUserNotFound
	}
	return &u, nil
}

func (f *File) SaveUser(_ context.Context, user *User) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	prev, existed := f.users[user.Username]
	f.users[user.Username] = *user
	if !existed {
		f.order = append(f.order, user.Username)
	}
	if err := f.flush(); err != nil {
		if existed {
			f.users[user.Username] = prev
		} else {
			delete(f.users, user.Username)
			f.order = f.order[:len(f.order)-1]
		}
		return err
	}
	return nil
}

func (f *File) BypassList(_ context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bypass, nil
}

func (f *File) UpdateBypassList(_ context.Context, fn func(string) (string, error)) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	next, err := fn(f.bypass)
	if err != nil {
		return err
	}
	prev := f.bypass
	f.bypass = next
	if err := f.flush(); err != nil {
		f.bypass = prev
		return err
	}
	return nil
}

// flush writes the current state. Callers hold f.mu.
func (f *File) flush() error {
	doc := fileData{Bypass: f.bypass, Users: make([]*User, 0, len(f.order))}
	for _, name := range f.order {
		u := f.users[name]
		doc.Users = append(doc.Users, &u)
	}
	data, err := yaml.Marshal(&doc)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.filename), filepath.Base(f.filename)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), f.filename)
}
