package twofactor

import (
	"regexp"
	"strings"
	"sync"

	"github.com/samber/lo"
)

// bypassSeparator matches any run of commas and whitespace in a persisted bypass list.
var bypassSeparator = regexp.MustCompile(`[,\s]+`)

// ParseBypassList splits a persisted bypass list, dropping empty tokens.
// Duplicates (compared case-insensitively) keep their first occurrence.
func ParseBypassList(raw string) []string {
	users := []string{}
	for _, tok := range bypassSeparator.Split(raw, -1) {
		if tok == "" || containsFold(users, tok) {
			continue
		}
		users = append(users, tok)
	}
	return users
}

// SerializeBypassList joins users with a single comma, keeping their order.
func SerializeBypassList(users []string) string {
	return strings.Join(users, ",")
}

func containsFold(users []string, user string) bool {
	return lo.ContainsBy(users, func(u string) bool {
		return strings.EqualFold(u, user)
	})
}

// BypassList is the set of users exempt from the second factor.
// Membership is case-insensitive and order is insertion order.
type BypassList struct {
	mu    sync.RWMutex
	users []string
}

// NewBypassList builds a list from its persisted form.
func NewBypassList(raw string) *BypassList {
	return &BypassList{users: ParseBypassList(raw)}
}

// Add appends user unless it is already present. It reports whether the list changed.
func (b *BypassList) Add(user string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if user == "" || containsFold(b.users, user) {
		return false
	}
	b.users = append(b.users, user)
	return true
}

// Remove drops every entry matching user. It reports whether the list changed.
func (b *BypassList) Remove(user string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	kept := lo.Reject(b.users, func(u string, _ int) bool {
		return strings.EqualFold(u, user)
	})
	changed := len(kept) != len(b.users)
	b.users = kept
	return changed
}

// Contains reports whether user is in the list.
func (b *BypassList) Contains(user string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return containsFold(b.users, user)
}

// Users returns a copy of the entries.
func (b *BypassList) Users() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]string(nil), b.users...)
}

// Replace swaps the whole list for the parsed form of raw.
func (b *BypassList) Replace(raw string) {
	users := ParseBypassList(raw)
	b.mu.Lock()
	b.users = users
	b.mu.Unlock()
}

// String returns the persisted form.
func (b *BypassList) String() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return SerializeBypassList(b.users)
}
