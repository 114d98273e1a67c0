package scim

import "context"

// QueryOptions carries the list/search parameters shared by Users and Groups.
type QueryOptions struct {
	Filter     string
	SortBy     string
	SortOrder  string
	StartIndex int

	// Count is the requested page size; zero means the request did not ask
	// for one. CountZero records an explicit count of zero (or less), which
	// answers with totalResults and no resources.
	Count     int
	CountZero bool

	Attributes         []string
	ExcludedAttributes []string
}

// Normalize applies SCIM defaults: 1-based startIndex and a bounded count.
// An explicit zero count normalizes to Count 0, every other case to a page
// size between 1 and maxCount.
func (q *QueryOptions) Normalize(maxCount int) {
	if q.StartIndex < 1 {
		q.StartIndex = 1
	}
	if q.CountZero {
		q.Count = 0
		return
	}
	if q.Count <= 0 || q.Count > maxCount {
		q.Count = maxCount
	}
}

// Repository is the storage contract the REST layer programs against.
// The LDAP backend is the primary implementation; the flat-file store backs
// local development.
type Repository interface {
	CreateUser(ctx context.Context, user *User) (*User, error)
	GetUser(ctx context.Context, id string) (*User, error)
	ReplaceUser(ctx context.Context, id string, user *User) (*User, error)
	PatchUser(ctx context.Context, id string, patch *PatchRequest) (*User, error)
	DeleteUser(ctx context.Context, id string) error
	SearchUsers(ctx context.Context, opts QueryOptions) ([]*User, error)
	CountUsers(ctx context.Context, filter string) (int, error)

	CreateGroup(ctx context.Context, group *Group) (*Group, error)
	GetGroup(ctx context.Context, id string) (*Group, error)
	ReplaceGroup(ctx context.Context, id string, group *Group) (*Group, error)
	PatchGroup(ctx context.Context, id string, patch *PatchRequest) (*Group, error)
	DeleteGroup(ctx context.Context, id string) error
	SearchGroups(ctx context.Context, opts QueryOptions) ([]*Group, error)
	CountGroups(ctx context.Context, filter string) (int, error)
}
