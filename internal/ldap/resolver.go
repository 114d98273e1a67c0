package ldap

import (
	"context"

	goldap "github.com/go-ldap/ldap/v3"
	"go.uber.org/zap"

	"github.com/dhawalhost/scimgate/internal/config"
	"github.com/dhawalhost/scimgate/internal/scim"
)

// Resolver maps SCIM ids to directory entries and DNs. With entryUUID
// naming the DN is derived without a directory round trip; otherwise the id
// is located by an entryUUID equality search.
type Resolver struct {
	dir Directory
	cfg config.LDAPConfig
	log *zap.Logger
}

// NewResolver returns a resolver searching through dir.
func NewResolver(dir Directory, cfg config.LDAPConfig, log *zap.Logger) *Resolver {
	return &Resolver{dir: dir, cfg: cfg, log: log}
}

// DNFromID returns the DN for a resource id. Member references name users,
// so the constructed DN sits under the user base.
func (r *Resolver) DNFromID(ctx context.Context, id string) (string, error) {
	if r.cfg.UseEntryUUIDDN {
		return DNFromID(id, r.cfg.UserBaseDN), nil
	}
	entry, err := r.findByID(ctx, id, r.cfg.BaseDN, []string{"1.1"})
	if err != nil {
		return "", err
	}
	return entry.DN, nil
}

// FindEntry locates an entry by id under base, requesting attrs.
func (r *Resolver) FindEntry(ctx context.Context, id, base string, attrs []string) (*goldap.Entry, error) {
	return r.findByID(ctx, id, base, attrs)
}

func (r *Resolver) findByID(ctx context.Context, id, base string, attrs []string) (*goldap.Entry, error) {
	filter := "(entryUUID=" + goldap.EscapeFilter(id) + ")"
	req := goldap.NewSearchRequest(base, goldap.ScopeWholeSubtree, goldap.NeverDerefAliases,
		1, int(r.cfg.Search.TimeLimit.Seconds()), false, filter, attrs, nil)
	res, err := r.dir.Search(ctx, req)
	if err != nil {
		if isNoSuchObject(err) {
			return nil, scim.NotFoundf("no entry with id %s", id)
		}
		return nil, classify("resolve id", err)
	}
	if len(res.Entries) == 0 {
		return nil, scim.NotFoundf("no entry with id %s", id)
	}
	return res.Entries[0], nil
}
