package ldap

import (
	"context"
	"testing"

	goldap "github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dhawalhost/scimgate/internal/config"
	"github.com/dhawalhost/scimgate/internal/scim"
)

const (
	testUserID  = "2819c223-7f76-453a-919d-413861904646"
	testGroupID = "e9e30dba-f08f-4109-8486-d5c6a331660a"
)

// fakeDirectory records requests and replays queued search results.
type fakeDirectory struct {
	searches []*goldap.SearchRequest
	results  []*goldap.SearchResult
	adds     []*goldap.AddRequest
	modifies []*goldap.ModifyRequest
	deletes  []*goldap.DelRequest
	err      error
}

func (f *fakeDirectory) Search(_ context.Context, req *goldap.SearchRequest) (*goldap.SearchResult, error) {
	f.searches = append(f.searches, req)
	if f.err != nil {
		return nil, f.err
	}
	if len(f.results) == 0 {
		return &goldap.SearchResult{}, nil
	}
	res := f.results[0]
	f.results = f.results[1:]
	return res, nil
}

func (f *fakeDirectory) Add(_ context.Context, req *goldap.AddRequest) error {
	f.adds = append(f.adds, req)
	return f.err
}

func (f *fakeDirectory) Modify(_ context.Context, req *goldap.ModifyRequest) error {
	f.modifies = append(f.modifies, req)
	return f.err
}

func (f *fakeDirectory) Del(_ context.Context, req *goldap.DelRequest) error {
	f.deletes = append(f.deletes, req)
	return f.err
}

func testConfig() config.LDAPConfig {
	return config.LDAPConfig{
		URL:            "ldap://localhost:1389",
		BaseDN:         "dc=example,dc=com",
		UserBaseDN:     "ou=users,dc=example,dc=com",
		GroupBaseDN:    "ou=groups,dc=example,dc=com",
		UseEntryUUIDDN: true,
		Search:         config.SearchConfig{SizeLimit: 1000, TimeLimit: 30_000_000_000},
	}
}

func testRepo(t *testing.T, dir *fakeDirectory) *Repository {
	t.Helper()
	return NewRepository(dir, testConfig(), zaptest.NewLogger(t))
}

func userEntry(id, uid string) *goldap.Entry {
	return goldap.NewEntry("entryUUID="+id+",ou=users,dc=example,dc=com", map[string][]string{
		"uid":             {uid},
		"entryUUID":       {id},
		"createTimestamp": {"20240301120000Z"},
		"modifyTimestamp": {"20240301120000Z"},
	})
}

func groupEntry(id, cn string, memberDNs ...string) *goldap.Entry {
	attrs := map[string][]string{
		"cn":        {cn},
		"entryUUID": {id},
	}
	if len(memberDNs) > 0 {
		attrs["member"] = memberDNs
	}
	return goldap.NewEntry("entryUUID="+id+",ou=groups,dc=example,dc=com", attrs)
}

func searchResult(entries ...*goldap.Entry) *goldap.SearchResult {
	return &goldap.SearchResult{Entries: entries}
}

func TestCreateUserAddsAndRereads(t *testing.T) {
	dir := &fakeDirectory{results: []*goldap.SearchResult{
		searchResult(userEntry(testUserID, "alice")),
	}}
	repo := testRepo(t, dir)

	out, err := repo.CreateUser(context.Background(), &scim.User{UserName: "alice"})
	require.NoError(t, err)
	assert.Equal(t, testUserID, out.ID)

	require.Len(t, dir.adds, 1)
	add := dir.adds[0]
	assert.Equal(t, "uid=alice,ou=users,dc=example,dc=com", add.DN)
	require.Len(t, add.Controls, 1)
	assert.Equal(t, ControlTypeNameWithEntryUUID, add.Controls[0].GetControlType())

	// The entry is re-read by uid to pick up the server-assigned identity.
	require.Len(t, dir.searches, 1)
	assert.Equal(t, "(uid=alice)", dir.searches[0].Filter)
	assert.Equal(t, "ou=users,dc=example,dc=com", dir.searches[0].BaseDN)
}

func TestCreateUserConflict(t *testing.T) {
	dir := &fakeDirectory{err: goldap.NewError(goldap.LDAPResultEntryAlreadyExists, assert.AnError)}
	repo := testRepo(t, dir)

	_, err := repo.CreateUser(context.Background(), &scim.User{UserName: "alice"})
	require.Error(t, err)
	assert.ErrorIs(t, err, scim.ErrConflict)
}

func TestGetUserNotFound(t *testing.T) {
	dir := &fakeDirectory{}
	repo := testRepo(t, dir)

	_, err := repo.GetUser(context.Background(), testUserID)
	require.Error(t, err)
	assert.ErrorIs(t, err, scim.ErrNotFound)
}

func TestReplaceUserClearsAbsentAttributes(t *testing.T) {
	existing := goldap.NewEntry("entryUUID="+testUserID+",ou=users,dc=example,dc=com",
		map[string][]string{
			"uid":       {"alice"},
			"entryUUID": {testUserID},
			"title":     {"Old Title"},
			"mail":      {"old@example.com"},
		})
	dir := &fakeDirectory{results: []*goldap.SearchResult{
		searchResult(existing),
		searchResult(userEntry(testUserID, "alice")),
	}}
	repo := testRepo(t, dir)

	_, err := repo.ReplaceUser(context.Background(), testUserID, &scim.User{UserName: "alice"})
	require.NoError(t, err)

	require.Len(t, dir.modifies, 1)
	mod := dir.modifies[0]
	assert.Equal(t, existing.DN, mod.DN)

	cleared := map[string]bool{}
	for _, change := range mod.Changes {
		assert.EqualValues(t, goldap.ReplaceAttribute, change.Operation)
		assert.NotEqual(t, "objectClass", change.Modification.Type)
		assert.NotEqual(t, "uid", change.Modification.Type)
		if len(change.Modification.Vals) == 0 {
			cleared[change.Modification.Type] = true
		}
	}
	assert.True(t, cleared["title"], "stale title must be cleared")
	assert.True(t, cleared["mail"], "stale mail must be cleared")
}

func TestDeleteUser(t *testing.T) {
	dir := &fakeDirectory{results: []*goldap.SearchResult{
		searchResult(userEntry(testUserID, "alice")),
	}}
	repo := testRepo(t, dir)

	require.NoError(t, repo.DeleteUser(context.Background(), testUserID))
	require.Len(t, dir.deletes, 1)
	assert.Equal(t, "entryUUID="+testUserID+",ou=users,dc=example,dc=com", dir.deletes[0].DN)
}

func TestSearchUsersFilterAndPagination(t *testing.T) {
	entries := []*goldap.Entry{
		userEntry("11111111-1111-1111-1111-111111111111", "a"),
		userEntry("22222222-2222-2222-2222-222222222222", "b"),
		userEntry("33333333-3333-3333-3333-333333333333", "c"),
	}
	dir := &fakeDirectory{results: []*goldap.SearchResult{searchResult(entries...)}}
	repo := testRepo(t, dir)

	opts := scim.QueryOptions{Filter: `userName sw "x"`, StartIndex: 2, Count: 1}
	users, err := repo.SearchUsers(context.Background(), opts)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "b", users[0].UserName)

	require.Len(t, dir.searches, 1)
	assert.Equal(t, "(&(objectClass=scimUser)(uid=x*))", dir.searches[0].Filter)
}

func TestSearchUsersStartIndexPastEnd(t *testing.T) {
	dir := &fakeDirectory{results: []*goldap.SearchResult{
		searchResult(userEntry(testUserID, "a")),
	}}
	repo := testRepo(t, dir)

	users, err := repo.SearchUsers(context.Background(), scim.QueryOptions{StartIndex: 10, Count: 5})
	require.NoError(t, err)
	assert.Empty(t, users)
}

func TestSearchUsersSortControl(t *testing.T) {
	dir := &fakeDirectory{results: []*goldap.SearchResult{searchResult()}}
	repo := testRepo(t, dir)

	_, err := repo.SearchUsers(context.Background(),
		scim.QueryOptions{SortBy: "userName", SortOrder: "descending", Count: 10})
	require.NoError(t, err)

	require.Len(t, dir.searches, 1)
	require.Len(t, dir.searches[0].Controls, 1)
	sorting, ok := dir.searches[0].Controls[0].(*goldap.ControlServerSideSorting)
	require.True(t, ok)
	require.Len(t, sorting.SortKeys, 1)
	assert.Equal(t, "uid", sorting.SortKeys[0].AttributeType)
	assert.True(t, sorting.SortKeys[0].Reverse)
}

func TestSearchUsersUnsortableAttribute(t *testing.T) {
	repo := testRepo(t, &fakeDirectory{})
	_, err := repo.SearchUsers(context.Background(), scim.QueryOptions{SortBy: "favoriteColor"})
	require.Error(t, err)
	assert.ErrorIs(t, err, scim.ErrInvalidInput)
}

func TestCountUsers(t *testing.T) {
	dir := &fakeDirectory{results: []*goldap.SearchResult{
		searchResult(userEntry(testUserID, "a"), userEntry(testGroupID, "b")),
	}}
	repo := testRepo(t, dir)

	n, err := repo.CountUsers(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Counting requests no attributes.
	require.Len(t, dir.searches, 1)
	assert.Equal(t, []string{"1.1"}, dir.searches[0].Attributes)
	assert.Equal(t, "(objectClass=scimUser)", dir.searches[0].Filter)
}

func TestCreateGroupResolvesMembers(t *testing.T) {
	dir := &fakeDirectory{results: []*goldap.SearchResult{
		searchResult(groupEntry(testGroupID, "Engineering",
			"entryUUID="+testUserID+",ou=users,dc=example,dc=com")),
	}}
	repo := testRepo(t, dir)

	out, err := repo.CreateGroup(context.Background(), &scim.Group{
		DisplayName: "Engineering",
		Members:     []scim.Member{{Value: testUserID}},
	})
	require.NoError(t, err)
	assert.Equal(t, testGroupID, out.ID)
	require.Len(t, out.Members, 1)
	assert.Equal(t, testUserID, out.Members[0].Value)

	require.Len(t, dir.adds, 1)
	var memberVals []string
	for _, attr := range dir.adds[0].Attributes {
		if attr.Type == "member" {
			memberVals = attr.Vals
		}
	}
	assert.Equal(t, []string{"entryUUID=" + testUserID + ",ou=users,dc=example,dc=com"}, memberVals)
}

func TestPatchGroupIncrementalMembership(t *testing.T) {
	otherID := "44444444-4444-4444-4444-444444444444"
	dir := &fakeDirectory{results: []*goldap.SearchResult{
		searchResult(groupEntry(testGroupID, "Engineering")),
		searchResult(groupEntry(testGroupID, "Engineering",
			"entryUUID="+testUserID+",ou=users,dc=example,dc=com")),
	}}
	repo := testRepo(t, dir)

	patch := &scim.PatchRequest{Operations: []scim.PatchOperation{
		{Op: "add", Path: "members", Value: []any{map[string]any{"value": testUserID}}},
		{Op: "remove", Path: `members[value eq "` + otherID + `"]`},
	}}
	require.NoError(t, patch.Validate())

	_, err := repo.PatchGroup(context.Background(), testGroupID, patch)
	require.NoError(t, err)

	require.Len(t, dir.modifies, 1)
	changes := dir.modifies[0].Changes
	require.Len(t, changes, 2)

	assert.EqualValues(t, goldap.AddAttribute, changes[0].Operation)
	assert.Equal(t, "member", changes[0].Modification.Type)
	assert.Equal(t, []string{"entryUUID=" + testUserID + ",ou=users,dc=example,dc=com"},
		changes[0].Modification.Vals)

	assert.EqualValues(t, goldap.DeleteAttribute, changes[1].Operation)
	assert.Equal(t, []string{"entryUUID=" + otherID + ",ou=users,dc=example,dc=com"},
		changes[1].Modification.Vals)
}

func TestPatchGroupDisplayName(t *testing.T) {
	dir := &fakeDirectory{results: []*goldap.SearchResult{
		searchResult(groupEntry(testGroupID, "Engineering")),
		searchResult(groupEntry(testGroupID, "Platform")),
	}}
	repo := testRepo(t, dir)

	patch := &scim.PatchRequest{Operations: []scim.PatchOperation{
		{Op: "replace", Path: "displayName", Value: "Platform"},
	}}
	require.NoError(t, patch.Validate())

	out, err := repo.PatchGroup(context.Background(), testGroupID, patch)
	require.NoError(t, err)
	assert.Equal(t, "Platform", out.DisplayName)

	require.Len(t, dir.modifies, 1)
	change := dir.modifies[0].Changes[0]
	assert.EqualValues(t, goldap.ReplaceAttribute, change.Operation)
	assert.Equal(t, "cn", change.Modification.Type)
	assert.Equal(t, []string{"Platform"}, change.Modification.Vals)
}

func TestPatchGroupPathlessRejected(t *testing.T) {
	dir := &fakeDirectory{results: []*goldap.SearchResult{
		searchResult(groupEntry(testGroupID, "Engineering")),
	}}
	repo := testRepo(t, dir)

	patch := &scim.PatchRequest{Operations: []scim.PatchOperation{
		{Op: "replace", Value: map[string]any{"displayName": "X"}},
	}}
	_, err := repo.PatchGroup(context.Background(), testGroupID, patch)
	require.Error(t, err)
	assert.ErrorIs(t, err, scim.ErrInvalidInput)
}

func TestPatchUserAppliesOperations(t *testing.T) {
	entry := userEntry(testUserID, "alice")
	updated := goldap.NewEntry(entry.DN, map[string][]string{
		"uid":       {"alice"},
		"entryUUID": {testUserID},
		"title":     {"Staff Engineer"},
	})
	// Reads: current resource, locate for replace, read back after modify.
	dir := &fakeDirectory{results: []*goldap.SearchResult{
		searchResult(entry),
		searchResult(entry),
		searchResult(updated),
	}}
	repo := testRepo(t, dir)

	patch := &scim.PatchRequest{Operations: []scim.PatchOperation{
		{Op: "replace", Path: "title", Value: "Staff Engineer"},
	}}
	require.NoError(t, patch.Validate())

	out, err := repo.PatchUser(context.Background(), testUserID, patch)
	require.NoError(t, err)
	assert.Equal(t, "Staff Engineer", out.Title)

	require.Len(t, dir.modifies, 1)
	found := false
	for _, change := range dir.modifies[0].Changes {
		if change.Modification.Type == "title" {
			found = true
			assert.Equal(t, []string{"Staff Engineer"}, change.Modification.Vals)
		}
	}
	assert.True(t, found)
}
