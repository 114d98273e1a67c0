package scim

import (
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// ValidateUser checks the request-side invariants of a User payload before
// it reaches a backend.
func ValidateUser(u *User) error {
	if u == nil {
		return InvalidInputf("missing user body")
	}
	if strings.TrimSpace(u.UserName) == "" {
		return InvalidInputf("userName is required")
	}
	for i, ph := range u.Photos {
		if ph.Value == "" {
			continue
		}
		if err := validate.Var(ph.Value, "url"); err != nil {
			return InvalidInputf("photos[%d].value must be a URL", i)
		}
	}
	if u.ProfileURL != "" {
		if err := validate.Var(u.ProfileURL, "url"); err != nil {
			return InvalidInputf("profileUrl must be a URL")
		}
	}
	return nil
}

// ValidateGroup checks the request-side invariants of a Group payload.
func ValidateGroup(g *Group) error {
	if g == nil {
		return InvalidInputf("missing group body")
	}
	if strings.TrimSpace(g.DisplayName) == "" {
		return InvalidInputf("displayName is required")
	}
	seen := make(map[string]struct{}, len(g.Members))
	for i, m := range g.Members {
		if strings.TrimSpace(m.Value) == "" {
			return InvalidInputf("members[%d].value is required", i)
		}
		if _, dup := seen[m.Value]; dup {
			return InvalidInputf("duplicate member %q", m.Value)
		}
		seen[m.Value] = struct{}{}
	}
	return nil
}

// ValidateQuery checks list/search parameters.
func ValidateQuery(q *QueryOptions) error {
	switch strings.ToLower(q.SortOrder) {
	case "", "ascending", "descending":
	default:
		return InvalidInputf("sortOrder must be ascending or descending")
	}
	if q.Filter != "" {
		if _, err := ParseFilter(q.Filter); err != nil {
			return err
		}
	}
	return nil
}
