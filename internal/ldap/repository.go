package ldap

import (
	"context"
	"sort"
	"strings"

	goldap "github.com/go-ldap/ldap/v3"
	"go.uber.org/zap"

	"github.com/dhawalhost/scimgate/internal/config"
	"github.com/dhawalhost/scimgate/internal/scim"
)

const (
	userBaseFilter  = "(objectClass=scimUser)"
	groupBaseFilter = "(objectClass=scimGroup)"
)

// Attributes replaced wholesale on PUT. Anything in this list that the new
// representation does not set is cleared from the entry.
var mutableUserAttrs = []string{
	"cn", "sn", "givenName", "displayName", "mail",
	"telephoneNumber", "mobile", "homePhone", "facsimileTelephoneNumber", "pager",
	"street", "l", "st", "postalCode", "c",
	"title", "employeeType", "preferredLanguage", "personalTitle",
	"scimExternalId", "scimMiddleName", "scimHonorificSuffix", "scimNickName",
	"scimProfileUrl", "scimLocale", "scimTimezone", "scimActive",
	"scimEmails", "scimPhoneNumbers", "scimAddresses", "scimIms", "scimPhotos",
	"scimRoles", "scimEntitlements", "scimX509Certificates",
}

// Repository implements scim.Repository against an LDAP directory. Resource
// ids are the directory's entryUUID values; entries live under the user and
// group base DNs.
type Repository struct {
	dir        Directory
	cfg        config.LDAPConfig
	log        *zap.Logger
	mapper     *Mapper
	resolver   *Resolver
	translator *Translator
}

// NewRepository wires the mapper, resolver and filter translator around dir.
func NewRepository(dir Directory, cfg config.LDAPConfig, log *zap.Logger) *Repository {
	resolver := NewResolver(dir, cfg, log)
	return &Repository{
		dir:        dir,
		cfg:        cfg,
		log:        log,
		mapper:     NewMapper(log),
		resolver:   resolver,
		translator: NewTranslator(log, resolver),
	}
}

// ---- Users ----

// CreateUser adds the user and re-reads the resulting entry so the returned
// resource carries the server-assigned id and timestamps.
func (r *Repository) CreateUser(ctx context.Context, user *scim.User) (*scim.User, error) {
	attrs := r.mapper.UserToAttributes(user)
	dn := RDN("uid", user.UserName) + "," + r.cfg.UserBaseDN

	var controls []goldap.Control
	if r.cfg.UseEntryUUIDDN {
		controls = append(controls, NewNameWithEntryUUIDControl())
	}
	req := goldap.NewAddRequest(dn, controls)
	for _, name := range sortedKeys(attrs) {
		req.Attribute(name, attrs[name])
	}
	if err := r.dir.Add(ctx, req); err != nil {
		return nil, classify("create user", err)
	}
	r.log.Info("created user", zap.String("userName", user.UserName))

	entry, err := r.findOne(ctx, r.cfg.UserBaseDN,
		"(uid="+goldap.EscapeFilter(user.UserName)+")", userRequestAttributes)
	if err != nil {
		return nil, scim.Infrastructuref("read back created user %s: %v", user.UserName, err)
	}
	return r.mapper.EntryToUser(entry), nil
}

// GetUser reads one user by id.
func (r *Repository) GetUser(ctx context.Context, id string) (*scim.User, error) {
	entry, err := r.resolver.FindEntry(ctx, id, r.cfg.UserBaseDN, userRequestAttributes)
	if err != nil {
		return nil, err
	}
	return r.mapper.EntryToUser(entry), nil
}

// ReplaceUser overwrites the mutable attributes of a user entry. Attributes
// absent from the new representation are cleared. Naming and identity
// attributes stay untouched.
func (r *Repository) ReplaceUser(ctx context.Context, id string, user *scim.User) (*scim.User, error) {
	entry, err := r.resolver.FindEntry(ctx, id, r.cfg.UserBaseDN, userRequestAttributes)
	if err != nil {
		return nil, err
	}

	attrs := r.mapper.UserToAttributes(user)
	req := goldap.NewModifyRequest(entry.DN, nil)
	for _, name := range mutableUserAttrs {
		if vals, ok := attrs[name]; ok {
			req.Replace(name, vals)
		} else if len(entry.GetAttributeValues(name)) > 0 {
			req.Replace(name, nil)
		}
	}
	if vals, ok := attrs["userPassword"]; ok {
		req.Replace("userPassword", vals)
	}

	if err := r.dir.Modify(ctx, req); err != nil {
		return nil, classify("replace user", err)
	}
	r.log.Info("replaced user", zap.String("id", id))
	return r.GetUser(ctx, id)
}

// PatchUser applies the operations to the current resource in memory and
// writes the result back as a replace.
func (r *Repository) PatchUser(ctx context.Context, id string, patch *scim.PatchRequest) (*scim.User, error) {
	current, err := r.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	patched, err := scim.ApplyPatchToUser(current, patch)
	if err != nil {
		return nil, err
	}
	return r.ReplaceUser(ctx, id, patched)
}

// DeleteUser removes the user entry.
func (r *Repository) DeleteUser(ctx context.Context, id string) error {
	entry, err := r.resolver.FindEntry(ctx, id, r.cfg.UserBaseDN, []string{"1.1"})
	if err != nil {
		return err
	}
	if err := r.dir.Del(ctx, goldap.NewDelRequest(entry.DN, nil)); err != nil {
		return classify("delete user", err)
	}
	r.log.Info("deleted user", zap.String("id", id))
	return nil
}

// SearchUsers runs a filtered, sorted, paginated user search.
func (r *Repository) SearchUsers(ctx context.Context, opts scim.QueryOptions) ([]*scim.User, error) {
	filter, err := r.buildFilter(ctx, opts.Filter, false)
	if err != nil {
		return nil, err
	}
	entries, err := r.searchPage(ctx, r.cfg.UserBaseDN, filter, userRequestAttributes, opts, userAttrMap)
	if err != nil {
		return nil, classify("search users", err)
	}
	users := make([]*scim.User, 0, len(entries))
	for _, entry := range entries {
		users = append(users, r.mapper.EntryToUser(entry))
	}
	return users, nil
}

// CountUsers returns the total matches for a filter without reading entries.
func (r *Repository) CountUsers(ctx context.Context, filter string) (int, error) {
	ldapFilter, err := r.buildFilter(ctx, filter, false)
	if err != nil {
		return 0, err
	}
	return r.count(ctx, r.cfg.UserBaseDN, ldapFilter)
}

// ---- Groups ----

// CreateGroup adds the group with its members resolved to DNs, then re-reads
// the entry for the assigned id.
func (r *Repository) CreateGroup(ctx context.Context, group *scim.Group) (*scim.Group, error) {
	attrs := r.mapper.GroupToAttributes(group)
	if dns := r.memberDNs(ctx, group.Members); len(dns) > 0 {
		attrs["member"] = dns
	}
	dn := RDN("cn", group.DisplayName) + "," + r.cfg.GroupBaseDN

	var controls []goldap.Control
	if r.cfg.UseEntryUUIDDN {
		controls = append(controls, NewNameWithEntryUUIDControl())
	}
	req := goldap.NewAddRequest(dn, controls)
	for _, name := range sortedKeys(attrs) {
		req.Attribute(name, attrs[name])
	}
	if err := r.dir.Add(ctx, req); err != nil {
		return nil, classify("create group", err)
	}
	r.log.Info("created group", zap.String("displayName", group.DisplayName))

	entry, err := r.findOne(ctx, r.cfg.GroupBaseDN,
		"(cn="+goldap.EscapeFilter(group.DisplayName)+")", groupRequestAttributes)
	if err != nil {
		return nil, scim.Infrastructuref("read back created group %s: %v", group.DisplayName, err)
	}
	return r.mapper.EntryToGroup(entry), nil
}

// GetGroup reads one group by id.
func (r *Repository) GetGroup(ctx context.Context, id string) (*scim.Group, error) {
	entry, err := r.resolver.FindEntry(ctx, id, r.cfg.GroupBaseDN, groupRequestAttributes)
	if err != nil {
		return nil, err
	}
	return r.mapper.EntryToGroup(entry), nil
}

// ReplaceGroup overwrites displayName, externalId and the member set.
func (r *Repository) ReplaceGroup(ctx context.Context, id string, group *scim.Group) (*scim.Group, error) {
	entry, err := r.resolver.FindEntry(ctx, id, r.cfg.GroupBaseDN, groupRequestAttributes)
	if err != nil {
		return nil, err
	}

	req := goldap.NewModifyRequest(entry.DN, nil)
	if group.DisplayName != "" {
		req.Replace("cn", []string{group.DisplayName})
	}
	if group.ExternalID != "" {
		req.Replace("scimExternalId", []string{group.ExternalID})
	} else if entry.GetAttributeValue("scimExternalId") != "" {
		req.Replace("scimExternalId", nil)
	}
	req.Replace("member", r.memberDNs(ctx, group.Members))

	if err := r.dir.Modify(ctx, req); err != nil {
		return nil, classify("replace group", err)
	}
	r.log.Info("replaced group", zap.String("id", id))
	return r.GetGroup(ctx, id)
}

// PatchGroup translates patch operations into incremental directory
// modifications. Membership changes add or delete individual member values
// so concurrent patches to different members do not overwrite each other.
func (r *Repository) PatchGroup(ctx context.Context, id string, patch *scim.PatchRequest) (*scim.Group, error) {
	entry, err := r.resolver.FindEntry(ctx, id, r.cfg.GroupBaseDN, groupRequestAttributes)
	if err != nil {
		return nil, err
	}

	req := goldap.NewModifyRequest(entry.DN, nil)
	changes := 0
	for i := range patch.Operations {
		op := &patch.Operations[i]
		if op.Path == "" {
			return nil, scim.InvalidInputf("group patch requires a path")
		}
		path, err := scim.ParsePath(op.Path)
		if err != nil {
			return nil, err
		}
		switch strings.ToLower(path.Attribute) {
		case "members":
			if err := r.memberPatch(ctx, req, path, op); err != nil {
				return nil, err
			}
			changes++
		case "displayname":
			if op.Op == scim.PatchOpRemove {
				return nil, scim.InvalidInputf("displayName cannot be removed")
			}
			name, err := scim.StringValue(op.Value)
			if err != nil {
				return nil, err
			}
			req.Replace("cn", []string{name})
			changes++
		case "externalid":
			if op.Op == scim.PatchOpRemove {
				req.Replace("scimExternalId", nil)
			} else {
				ext, err := scim.StringValue(op.Value)
				if err != nil {
					return nil, err
				}
				req.Replace("scimExternalId", []string{ext})
			}
			changes++
		default:
			return nil, scim.InvalidInputf("unsupported group patch path %q", op.Path)
		}
	}

	if changes > 0 {
		if err := r.dir.Modify(ctx, req); err != nil {
			return nil, classify("patch group", err)
		}
		r.log.Info("patched group", zap.String("id", id), zap.Int("operations", changes))
	}
	return r.GetGroup(ctx, id)
}

func (r *Repository) memberPatch(ctx context.Context, req *goldap.ModifyRequest, path scim.AttrPath, op *scim.PatchOperation) error {
	// members[value eq "id"] remove targets one member.
	if path.ValueFilter != nil {
		if op.Op != scim.PatchOpRemove {
			return scim.InvalidInputf("filtered members path supports only remove")
		}
		field, memberID, ok := scim.RemovePredicate(path)
		if !ok || !strings.EqualFold(field, "value") {
			return scim.InvalidInputf("unsupported members filter in patch path")
		}
		dn, err := r.resolver.DNFromID(ctx, memberID)
		if err != nil {
			return err
		}
		req.Delete("member", []string{dn})
		return nil
	}

	switch op.Op {
	case scim.PatchOpAdd, scim.PatchOpReplace, scim.PatchOpRemove:
	default:
		return scim.InvalidInputf("unknown patch op %q", op.Op)
	}

	if op.Op == scim.PatchOpRemove && op.Value == nil {
		req.Replace("member", nil)
		return nil
	}

	members, err := scim.MembersValue(op.Value)
	if err != nil {
		return err
	}
	dns := r.memberDNs(ctx, members)
	if len(dns) == 0 {
		return scim.InvalidInputf("no resolvable members in patch value")
	}
	switch op.Op {
	case scim.PatchOpAdd:
		req.Add("member", dns)
	case scim.PatchOpReplace:
		req.Replace("member", dns)
	case scim.PatchOpRemove:
		req.Delete("member", dns)
	}
	return nil
}

// DeleteGroup removes the group entry.
func (r *Repository) DeleteGroup(ctx context.Context, id string) error {
	entry, err := r.resolver.FindEntry(ctx, id, r.cfg.GroupBaseDN, []string{"1.1"})
	if err != nil {
		return err
	}
	if err := r.dir.Del(ctx, goldap.NewDelRequest(entry.DN, nil)); err != nil {
		return classify("delete group", err)
	}
	r.log.Info("deleted group", zap.String("id", id))
	return nil
}

// SearchGroups runs a filtered, sorted, paginated group search.
func (r *Repository) SearchGroups(ctx context.Context, opts scim.QueryOptions) ([]*scim.Group, error) {
	filter, err := r.buildFilter(ctx, opts.Filter, true)
	if err != nil {
		return nil, err
	}
	entries, err := r.searchPage(ctx, r.cfg.GroupBaseDN, filter, groupRequestAttributes, opts, groupAttrMap)
	if err != nil {
		return nil, classify("search groups", err)
	}
	groups := make([]*scim.Group, 0, len(entries))
	for _, entry := range entries {
		groups = append(groups, r.mapper.EntryToGroup(entry))
	}
	return groups, nil
}

// CountGroups returns the total matches for a filter.
func (r *Repository) CountGroups(ctx context.Context, filter string) (int, error) {
	ldapFilter, err := r.buildFilter(ctx, filter, true)
	if err != nil {
		return 0, err
	}
	return r.count(ctx, r.cfg.GroupBaseDN, ldapFilter)
}

// ---- shared plumbing ----

// buildFilter combines the object class filter with the translated SCIM
// filter expression.
func (r *Repository) buildFilter(ctx context.Context, scimFilter string, group bool) (string, error) {
	base := userBaseFilter
	if group {
		base = groupBaseFilter
	}
	if strings.TrimSpace(scimFilter) == "" {
		return base, nil
	}
	expr, err := scim.ParseFilter(scimFilter)
	if err != nil {
		return "", err
	}
	var translated string
	if group {
		translated, err = r.translator.GroupFilter(ctx, expr)
	} else {
		translated, err = r.translator.UserFilter(ctx, expr)
	}
	if err != nil {
		return "", err
	}
	return "(&" + base + translated + ")", nil
}

// searchPage fetches up to startIndex-1+count entries and slices the page
// out locally; the directory does the matching and ordering.
func (r *Repository) searchPage(ctx context.Context, base, filter string, attrs []string,
	opts scim.QueryOptions, attrMap map[string]string) ([]*goldap.Entry, error) {

	sizeLimit := r.cfg.Search.SizeLimit
	if want := opts.StartIndex - 1 + opts.Count; want > 0 && want < sizeLimit {
		sizeLimit = want
	}

	var controls []goldap.Control
	if opts.SortBy != "" {
		sortAttr, ok := attrMap[strings.ToLower(opts.SortBy)]
		if !ok {
			return nil, scim.InvalidInputf("cannot sort by %q", opts.SortBy)
		}
		controls = append(controls, goldap.NewControlServerSideSortingWithSortKeys([]*goldap.SortKey{{
			AttributeType: sortAttr,
			Reverse:       strings.EqualFold(opts.SortOrder, "descending"),
		}}))
	}

	req := goldap.NewSearchRequest(base, goldap.ScopeWholeSubtree, goldap.NeverDerefAliases,
		sizeLimit, int(r.cfg.Search.TimeLimit.Seconds()), false, filter, attrs, controls)
	res, err := r.dir.Search(ctx, req)
	if err != nil {
		// A size limit hit still returns the page worth of entries.
		if !goldap.IsErrorAnyOf(err, goldap.LDAPResultSizeLimitExceeded) || res == nil {
			return nil, err
		}
	}

	entries := res.Entries
	if skip := opts.StartIndex - 1; skip > 0 {
		if skip >= len(entries) {
			return nil, nil
		}
		entries = entries[skip:]
	}
	if opts.Count > 0 && len(entries) > opts.Count {
		entries = entries[:opts.Count]
	}
	return entries, nil
}

// count runs a no-attribute search and returns the number of matches.
func (r *Repository) count(ctx context.Context, base, filter string) (int, error) {
	req := goldap.NewSearchRequest(base, goldap.ScopeWholeSubtree, goldap.NeverDerefAliases,
		r.cfg.Search.SizeLimit, int(r.cfg.Search.TimeLimit.Seconds()), false,
		filter, []string{"1.1"}, nil)
	res, err := r.dir.Search(ctx, req)
	if err != nil {
		if goldap.IsErrorAnyOf(err, goldap.LDAPResultSizeLimitExceeded) && res != nil {
			return len(res.Entries), nil
		}
		return 0, classify("count", err)
	}
	return len(res.Entries), nil
}

// findOne returns the single entry matching filter under base.
func (r *Repository) findOne(ctx context.Context, base, filter string, attrs []string) (*goldap.Entry, error) {
	req := goldap.NewSearchRequest(base, goldap.ScopeWholeSubtree, goldap.NeverDerefAliases,
		1, int(r.cfg.Search.TimeLimit.Seconds()), false, filter, attrs, nil)
	res, err := r.dir.Search(ctx, req)
	if err != nil && !goldap.IsErrorAnyOf(err, goldap.LDAPResultSizeLimitExceeded) {
		return nil, err
	}
	if res == nil || len(res.Entries) == 0 {
		return nil, scim.NotFoundf("no entry matching %s", filter)
	}
	return res.Entries[0], nil
}

// memberDNs resolves member ids to DNs, logging and skipping unresolvable
// ones.
func (r *Repository) memberDNs(ctx context.Context, members []scim.Member) []string {
	dns := make([]string, 0, len(members))
	for _, m := range members {
		dn, err := r.resolver.DNFromID(ctx, m.Value)
		if err != nil {
			r.log.Warn("could not resolve member id", zap.String("id", m.Value), zap.Error(err))
			continue
		}
		dns = append(dns, dn)
	}
	return dns
}

func sortedKeys(attrs map[string][]string) []string {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
