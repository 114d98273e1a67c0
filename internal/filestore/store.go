// Package filestore is a single-file backend for local development and
// tests. It keeps the full resource set in memory and persists it as JSON
// on every write.
package filestore

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/dhawalhost/scimgate/internal/scim"
)

type fileData struct {
	Users          map[string]*scim.User  `json:"users"`
	Groups         map[string]*scim.Group `json:"groups"`
	PasswordHashes map[string]string      `json:"passwordHashes"`
}

// Store implements scim.Repository on top of a JSON file.
type Store struct {
	path string
	log  *zap.Logger

	mu   sync.RWMutex
	data fileData
}

// New loads the store from path, starting empty when the file is absent.
func New(path string, log *zap.Logger) (*Store, error) {
	s := &Store{
		path: path,
		log:  log,
		data: fileData{
			Users:          map[string]*scim.User{},
			Groups:         map[string]*scim.Group{},
			PasswordHashes: map[string]string{},
		},
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, scim.Infrastructuref("read store file: %v", err)
	}
	if err := json.Unmarshal(raw, &s.data); err != nil {
		return nil, scim.Infrastructuref("parse store file %s: %v", path, err)
	}
	if s.data.Users == nil {
		s.data.Users = map[string]*scim.User{}
	}
	if s.data.Groups == nil {
		s.data.Groups = map[string]*scim.Group{}
	}
	if s.data.PasswordHashes == nil {
		s.data.PasswordHashes = map[string]string{}
	}
	log.Info("file store loaded", zap.String("path", path),
		zap.Int("users", len(s.data.Users)), zap.Int("groups", len(s.data.Groups)))
	return s, nil
}

// persist writes the data file atomically. Callers hold the write lock.
func (s *Store) persist() error {
	raw, err := json.MarshalIndent(&s.data, "", "  ")
	if err != nil {
		return scim.Infrastructuref("encode store: %v", err)
	}
	tmp := s.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return scim.Infrastructuref("create store dir: %v", err)
	}
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return scim.Infrastructuref("write store: %v", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return scim.Infrastructuref("replace store: %v", err)
	}
	return nil
}

func newMeta(resourceType string) *scim.Meta {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &scim.Meta{
		ResourceType: resourceType,
		Created:      &now,
		LastModified: &now,
		Version:      versionToken(now),
	}
}

func touchMeta(meta *scim.Meta, resourceType string) *scim.Meta {
	now := time.Now().UTC().Truncate(time.Millisecond)
	if meta == nil {
		meta = &scim.Meta{ResourceType: resourceType, Created: &now}
	}
	meta.ResourceType = resourceType
	meta.LastModified = &now
	meta.Version = versionToken(now)
	return meta
}

func versionToken(t time.Time) string {
	return `W/"` + strconv.FormatInt(t.UnixMilli(), 10) + `"`
}

// ---- Users ----

// CreateUser stores a new user. The password, when supplied, is kept only as
// a bcrypt hash and never returned.
func (s *Store) CreateUser(_ context.Context, user *scim.User) (*scim.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.data.Users {
		if strings.EqualFold(existing.UserName, user.UserName) {
			return nil, scim.Conflictf("userName %q already exists", user.UserName)
		}
	}

	stored := cloneUser(user)
	stored.ID = uuid.NewString()
	stored.Schemas = []string{scim.UserSchema}
	stored.Meta = newMeta("User")
	if err := s.setPassword(stored); err != nil {
		return nil, err
	}

	s.data.Users[stored.ID] = stored
	if err := s.persist(); err != nil {
		return nil, err
	}
	s.log.Info("created user", zap.String("id", stored.ID), zap.String("userName", stored.UserName))
	return s.withGroupsLocked(cloneUser(stored)), nil
}

// GetUser reads one user by id.
func (s *Store) GetUser(_ context.Context, id string) (*scim.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.data.Users[id]
	if !ok {
		return nil, scim.NotFoundf("user %s", id)
	}
	return s.withGroupsLocked(cloneUser(user)), nil
}

// ReplaceUser overwrites a user, keeping its id and creation time.
func (s *Store) ReplaceUser(_ context.Context, id string, user *scim.User) (*scim.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.data.Users[id]
	if !ok {
		return nil, scim.NotFoundf("user %s", id)
	}
	for otherID, other := range s.data.Users {
		if otherID != id && strings.EqualFold(other.UserName, user.UserName) {
			return nil, scim.Conflictf("userName %q already exists", user.UserName)
		}
	}

	stored := cloneUser(user)
	stored.ID = id
	stored.Schemas = []string{scim.UserSchema}
	stored.Meta = touchMeta(existing.Meta, "User")
	if stored.Password != "" {
		if err := s.setPassword(stored); err != nil {
			return nil, err
		}
	} else {
		stored.Password = ""
	}

	s.data.Users[id] = stored
	if err := s.persist(); err != nil {
		return nil, err
	}
	return s.withGroupsLocked(cloneUser(stored)), nil
}

// PatchUser applies the operations in memory and stores the result.
func (s *Store) PatchUser(ctx context.Context, id string, patch *scim.PatchRequest) (*scim.User, error) {
	current, err := s.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	patched, err := scim.ApplyPatchToUser(current, patch)
	if err != nil {
		return nil, err
	}
	return s.ReplaceUser(ctx, id, patched)
}

// DeleteUser removes a user and its group memberships.
func (s *Store) DeleteUser(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data.Users[id]; !ok {
		return scim.NotFoundf("user %s", id)
	}
	delete(s.data.Users, id)
	delete(s.data.PasswordHashes, id)
	for _, group := range s.data.Groups {
		group.Members = removeMember(group.Members, id)
	}
	return s.persist()
}

// SearchUsers evaluates the filter in memory and returns the requested page.
func (s *Store) SearchUsers(_ context.Context, opts scim.QueryOptions) ([]*scim.User, error) {
	expr, err := parseOptFilter(opts.Filter)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]*scim.User, 0, len(s.data.Users))
	for _, user := range s.data.Users {
		ok, err := matches(user, expr)
		if err != nil {
			return nil, err
		}
		if ok {
			matched = append(matched, s.withGroupsLocked(cloneUser(user)))
		}
	}
	sortResources(matched, opts.SortBy, opts.SortOrder, func(u *scim.User) string { return u.UserName })
	return page(matched, opts.StartIndex, opts.Count), nil
}

// CountUsers returns the number of users matching the filter.
func (s *Store) CountUsers(_ context.Context, filter string) (int, error) {
	expr, err := parseOptFilter(filter)
	if err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, user := range s.data.Users {
		ok, err := matches(user, expr)
		if err != nil {
			return 0, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}

// CheckPassword verifies a user's password against the stored hash.
func (s *Store) CheckPassword(id, password string) bool {
	s.mu.RLock()
	hash, ok := s.data.PasswordHashes[id]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

func (s *Store) setPassword(user *scim.User) error {
	if user.Password == "" {
		return nil
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(user.Password), bcrypt.DefaultCost)
	if err != nil {
		return scim.Infrastructuref("hash password: %v", err)
	}
	s.data.PasswordHashes[user.ID] = string(hash)
	user.Password = ""
	return nil
}

// ---- Groups ----

// CreateGroup stores a new group, validating member references.
func (s *Store) CreateGroup(_ context.Context, group *scim.Group) (*scim.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.data.Groups {
		if strings.EqualFold(existing.DisplayName, group.DisplayName) {
			return nil, scim.Conflictf("displayName %q already exists", group.DisplayName)
		}
	}

	stored := cloneGroup(group)
	stored.ID = uuid.NewString()
	stored.Schemas = []string{scim.GroupSchema}
	stored.Meta = newMeta("Group")
	stored.Members = s.keepKnownMembersLocked(stored.Members)

	s.data.Groups[stored.ID] = stored
	if err := s.persist(); err != nil {
		return nil, err
	}
	s.log.Info("created group", zap.String("id", stored.ID), zap.String("displayName", stored.DisplayName))
	return cloneGroup(stored), nil
}

// GetGroup reads one group by id.
func (s *Store) GetGroup(_ context.Context, id string) (*scim.Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	group, ok := s.data.Groups[id]
	if !ok {
		return nil, scim.NotFoundf("group %s", id)
	}
	return cloneGroup(group), nil
}

// ReplaceGroup overwrites a group, keeping its id and creation time.
func (s *Store) ReplaceGroup(_ context.Context, id string, group *scim.Group) (*scim.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.data.Groups[id]
	if !ok {
		return nil, scim.NotFoundf("group %s", id)
	}

	stored := cloneGroup(group)
	stored.ID = id
	stored.Schemas = []string{scim.GroupSchema}
	stored.Meta = touchMeta(existing.Meta, "Group")
	stored.Members = s.keepKnownMembersLocked(stored.Members)

	s.data.Groups[id] = stored
	if err := s.persist(); err != nil {
		return nil, err
	}
	return cloneGroup(stored), nil
}

// PatchGroup applies the operations in memory and stores the result.
func (s *Store) PatchGroup(ctx context.Context, id string, patch *scim.PatchRequest) (*scim.Group, error) {
	current, err := s.GetGroup(ctx, id)
	if err != nil {
		return nil, err
	}
	patched, err := scim.ApplyPatchToGroup(current, patch)
	if err != nil {
		return nil, err
	}
	return s.ReplaceGroup(ctx, id, patched)
}

// DeleteGroup removes a group.
func (s *Store) DeleteGroup(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data.Groups[id]; !ok {
		return scim.NotFoundf("group %s", id)
	}
	delete(s.data.Groups, id)
	return s.persist()
}

// SearchGroups evaluates the filter in memory and returns the requested page.
func (s *Store) SearchGroups(_ context.Context, opts scim.QueryOptions) ([]*scim.Group, error) {
	expr, err := parseOptFilter(opts.Filter)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]*scim.Group, 0, len(s.data.Groups))
	for _, group := range s.data.Groups {
		ok, err := matches(group, expr)
		if err != nil {
			return nil, err
		}
		if ok {
			matched = append(matched, cloneGroup(group))
		}
	}
	sortResources(matched, opts.SortBy, opts.SortOrder, func(g *scim.Group) string { return g.DisplayName })
	return page(matched, opts.StartIndex, opts.Count), nil
}

// CountGroups returns the number of groups matching the filter.
func (s *Store) CountGroups(_ context.Context, filter string) (int, error) {
	expr, err := parseOptFilter(filter)
	if err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, group := range s.data.Groups {
		ok, err := matches(group, expr)
		if err != nil {
			return 0, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}

// ---- helpers ----

// withGroupsLocked fills the user's read-only group references from group
// membership. Callers hold at least the read lock.
func (s *Store) withGroupsLocked(user *scim.User) *scim.User {
	user.Groups = nil
	for id, group := range s.data.Groups {
		for _, m := range group.Members {
			if m.Value == user.ID {
				user.Groups = append(user.Groups, scim.GroupRef{
					Value:   id,
					Display: group.DisplayName,
					Type:    "direct",
				})
				break
			}
		}
	}
	sort.Slice(user.Groups, func(i, j int) bool { return user.Groups[i].Value < user.Groups[j].Value })
	return user
}

func (s *Store) keepKnownMembersLocked(members []scim.Member) []scim.Member {
	kept := make([]scim.Member, 0, len(members))
	for _, m := range members {
		if _, ok := s.data.Users[m.Value]; !ok {
			s.log.Warn("dropping unknown group member", zap.String("id", m.Value))
			continue
		}
		if m.Type == "" {
			m.Type = "User"
		}
		kept = append(kept, m)
	}
	if len(kept) == 0 {
		return nil
	}
	return kept
}

func removeMember(members []scim.Member, id string) []scim.Member {
	kept := members[:0]
	for _, m := range members {
		if m.Value != id {
			kept = append(kept, m)
		}
	}
	if len(kept) == 0 {
		return nil
	}
	return kept
}

func parseOptFilter(filter string) (scim.Expr, error) {
	if strings.TrimSpace(filter) == "" {
		return nil, nil
	}
	return scim.ParseFilter(filter)
}

// matches evaluates a filter expression against a resource by walking its
// JSON form.
func matches(resource any, expr scim.Expr) (bool, error) {
	if expr == nil {
		return true, nil
	}
	raw, err := json.Marshal(resource)
	if err != nil {
		return false, scim.Infrastructuref("evaluate filter: %v", err)
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return false, scim.Infrastructuref("evaluate filter: %v", err)
	}
	return evalExpr(obj, expr), nil
}

func evalExpr(obj map[string]any, expr scim.Expr) bool {
	switch e := expr.(type) {
	case *scim.LogicalExpr:
		if e.Op == "and" {
			return evalExpr(obj, e.Left) && evalExpr(obj, e.Right)
		}
		return evalExpr(obj, e.Left) || evalExpr(obj, e.Right)
	case *scim.NotExpr:
		return !evalExpr(obj, e.Expr)
	case *scim.CompareExpr:
		return evalCompare(obj, e)
	default:
		return false
	}
}

func evalCompare(obj map[string]any, e *scim.CompareExpr) bool {
	values := pathValues(obj, e.Path)
	if e.Op == "pr" {
		return len(values) > 0
	}
	want := strings.ToLower(scim.CompareValueString(e.Value))
	for _, v := range values {
		have := strings.ToLower(scim.CompareValueString(v))
		switch e.Op {
		case "eq":
			if have == want {
				return true
			}
		case "ne":
			if have != want {
				return true
			}
		case "co":
			if strings.Contains(have, want) {
				return true
			}
		case "sw":
			if strings.HasPrefix(have, want) {
				return true
			}
		case "ew":
			if strings.HasSuffix(have, want) {
				return true
			}
		case "gt":
			if have > want {
				return true
			}
		case "ge":
			if have >= want {
				return true
			}
		case "lt":
			if have < want {
				return true
			}
		case "le":
			if have <= want {
				return true
			}
		}
	}
	return false
}

// pathValues collects the candidate values a path addresses: a scalar, the
// sub-attribute of a complex value, or the elements of a multi-valued
// attribute narrowed by the qualifier.
func pathValues(obj map[string]any, path scim.AttrPath) []any {
	val, ok := lookup(obj, path.Attribute)
	if !ok || val == nil {
		return nil
	}

	items, isList := val.([]any)
	if !isList {
		if path.SubAttr == "" {
			return []any{val}
		}
		nested, isMap := val.(map[string]any)
		if !isMap {
			return nil
		}
		if sub, ok := lookup(nested, path.SubAttr); ok && sub != nil {
			return []any{sub}
		}
		return nil
	}

	var out []any
	for _, item := range items {
		m, isMap := item.(map[string]any)
		if !isMap {
			if path.SubAttr == "" && path.ValueFilter == nil {
				out = append(out, item)
			}
			continue
		}
		if path.ValueFilter != nil && !evalExpr(m, path.ValueFilter) {
			continue
		}
		if path.SubAttr == "" {
			out = append(out, item)
			continue
		}
		if sub, ok := lookup(m, path.SubAttr); ok && sub != nil {
			out = append(out, sub)
		}
	}
	return out
}

func lookup(obj map[string]any, name string) (any, bool) {
	if v, ok := obj[name]; ok {
		return v, true
	}
	for k, v := range obj {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return nil, false
}

func sortResources[T any](items []T, sortBy, sortOrder string, defaultKey func(T) string) {
	if len(items) < 2 {
		return
	}
	key := defaultKey
	if sortBy != "" {
		path, err := scim.ParsePath(sortBy)
		if err == nil {
			key = func(item T) string {
				raw, err := json.Marshal(item)
				if err != nil {
					return ""
				}
				var obj map[string]any
				if json.Unmarshal(raw, &obj) != nil {
					return ""
				}
				vals := pathValues(obj, path)
				if len(vals) == 0 {
					return ""
				}
				return scim.CompareValueString(vals[0])
			}
		}
	}
	desc := strings.EqualFold(sortOrder, "descending")
	sort.SliceStable(items, func(i, j int) bool {
		a, b := strings.ToLower(key(items[i])), strings.ToLower(key(items[j]))
		if desc {
			return a > b
		}
		return a < b
	})
}

func page[T any](items []T, startIndex, count int) []T {
	if startIndex < 1 {
		startIndex = 1
	}
	skip := startIndex - 1
	if skip >= len(items) {
		return nil
	}
	items = items[skip:]
	if count > 0 && len(items) > count {
		items = items[:count]
	}
	return items
}

func cloneUser(u *scim.User) *scim.User {
	raw, _ := json.Marshal(u)
	var out scim.User
	_ = json.Unmarshal(raw, &out)
	return &out
}

func cloneGroup(g *scim.Group) *scim.Group {
	raw, _ := json.Marshal(g)
	var out scim.Group
	_ = json.Unmarshal(raw, &out)
	return &out
}
