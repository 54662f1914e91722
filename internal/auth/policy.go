// Package auth provides the authorization policy for moderation actions.
// The policy is injected into handlers rather than hard-coded so the
// moderation gate can be tested and configured without touching handler code.
package auth

import "strings"

// Policy answers whether a given user identity may perform moderation
// actions.
type Policy interface {
	CanModerate(userID string) bool
}

// AllowList is a Policy backed by a fixed set of admin identities.
type AllowList struct {
	admins map[string]struct{}
}

// NewAllowList builds an AllowList from the given identities. Empty entries
// are ignored.
func NewAllowList(admins ...string) *AllowList {
	m := make(map[string]struct{}, len(admins))
	for _, a := range admins {
		a = strings.TrimSpace(a)
		if a != "" {
			m[a] = struct{}{}
		}
	}
	return &AllowList{admins: m}
}

// ParseAllowList builds an AllowList from a comma-separated string, the
// format used by the ADMIN_USERS environment variable.
func ParseAllowList(s string) *AllowList {
	return NewAllowList(strings.Split(s, ",")...)
}

// CanModerate reports whether userID is in the allow-list.
func (a *AllowList) CanModerate(userID string) bool {
	_, ok := a.admins[userID]
	return ok
}

// Size returns the number of admin identities in the list.
func (a *AllowList) Size() int {
	return len(a.admins)
}
