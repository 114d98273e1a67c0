package scim

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePath(t *testing.T) {
	p, err := ParsePath("displayName")
	require.NoError(t, err)
	assert.Equal(t, "displayName", p.Attribute)
	assert.Empty(t, p.SubAttr)
	assert.Nil(t, p.ValueFilter)

	p, err = ParsePath("name.givenName")
	require.NoError(t, err)
	assert.Equal(t, "name", p.Attribute)
	assert.Equal(t, "givenName", p.SubAttr)

	p, err = ParsePath(`emails[type eq "work"].value`)
	require.NoError(t, err)
	assert.Equal(t, "emails", p.Attribute)
	assert.Equal(t, "value", p.SubAttr)
	require.NotNil(t, p.ValueFilter)

	p, err = ParsePath(`members[value eq "2819c223-7f76-453a-919d-413861904646"]`)
	require.NoError(t, err)
	assert.Equal(t, "members", p.Attribute)
	assert.Empty(t, p.SubAttr)
	require.NotNil(t, p.ValueFilter)
}

func TestParsePathErrors(t *testing.T) {
	for _, in := range []string{"", "  ", `members[value eq "x"`, `members] eq`} {
		_, err := ParsePath(in)
		require.Error(t, err, "input %q", in)
		assert.True(t, errors.Is(err, ErrInvalidInput), "input %q", in)
	}
}

func TestRemovePredicate(t *testing.T) {
	p, err := ParsePath(`members[value eq "abc-123"]`)
	require.NoError(t, err)

	field, value, ok := RemovePredicate(p)
	require.True(t, ok)
	assert.Equal(t, "value", field)
	assert.Equal(t, "abc-123", value)

	p, err = ParsePath(`members[value co "abc"]`)
	require.NoError(t, err)
	_, _, ok = RemovePredicate(p)
	assert.False(t, ok)
}

func TestMembersValue(t *testing.T) {
	members, err := MembersValue([]any{
		map[string]any{"value": "id-1", "display": "Alice"},
		map[string]any{"value": "id-2"},
	})
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, "id-1", members[0].Value)
	assert.Equal(t, "Alice", members[0].Display)

	members, err = MembersValue(map[string]any{"value": "id-3"})
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, "id-3", members[0].Value)
}

func TestPatchRequestValidate(t *testing.T) {
	req := &PatchRequest{Operations: []PatchOperation{
		{Op: "Replace", Path: "displayName", Value: "New Name"},
		{Op: "Add", Path: "members", Value: map[string]any{"value": "id-1"}},
		{Op: "Remove", Path: `members[value eq "id-1"]`},
	}}
	require.NoError(t, req.Validate())
	assert.Equal(t, "replace", req.Operations[0].Op)

	bad := &PatchRequest{Operations: []PatchOperation{{Op: "remove"}}}
	err := bad.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidInput))

	empty := &PatchRequest{}
	require.Error(t, empty.Validate())
}

func TestStringAndBoolValue(t *testing.T) {
	s, err := StringValue("x")
	require.NoError(t, err)
	assert.Equal(t, "x", s)

	s, err = StringValue(true)
	require.NoError(t, err)
	assert.Equal(t, "true", s)

	_, err = StringValue(map[string]any{})
	require.Error(t, err)

	b, err := BoolValue("True")
	require.NoError(t, err)
	assert.True(t, b)

	_, err = BoolValue("maybe")
	require.Error(t, err)
}

func TestProject(t *testing.T) {
	active := true
	u := &User{
		Schemas:  []string{UserSchema},
		ID:       "id-1",
		UserName: "alice",
		Active:   &active,
		Name:     &Name{GivenName: "Alice", FamilyName: "Doe"},
		Emails:   []Email{{Value: "a@example.com", Type: "work"}},
	}

	out, err := Project(u, []string{"userName", "name.givenName"}, nil)
	require.NoError(t, err)
	obj := out.(map[string]any)
	assert.Equal(t, "alice", obj["userName"])
	assert.Equal(t, "id-1", obj["id"])
	assert.NotContains(t, obj, "emails")
	assert.NotContains(t, obj, "active")
	name := obj["name"].(map[string]any)
	assert.Equal(t, "Alice", name["givenName"])
	assert.NotContains(t, name, "familyName")

	out, err = Project(u, nil, []string{"emails"})
	require.NoError(t, err)
	obj = out.(map[string]any)
	assert.NotContains(t, obj, "emails")
	assert.Equal(t, "alice", obj["userName"])

	same, err := Project(u, nil, nil)
	require.NoError(t, err)
	assert.Same(t, u, same.(*User))
}

func TestApplyPatchUnmatchedValueFilter(t *testing.T) {
	user := &User{
		UserName: "alice",
		Emails:   []Email{{Value: "alice@example.com", Type: "home"}},
	}

	_, err := ApplyPatchToUser(user, &PatchRequest{Operations: []PatchOperation{
		{Op: "replace", Path: `emails[type eq "work"].value`, Value: "alice@work.example.com"},
	}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoTarget))
	assert.True(t, errors.Is(err, ErrInvalidInput))
	assert.False(t, errors.Is(err, ErrNotFound))

	// add against an unmatched filter is rejected the same way.
	_, err = ApplyPatchToUser(user, &PatchRequest{Operations: []PatchOperation{
		{Op: "add", Path: `phoneNumbers[type eq "work"].value`, Value: "555-0100"},
	}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoTarget))

	// remove against an unmatched filter is a no-op.
	out, err := ApplyPatchToUser(user, &PatchRequest{Operations: []PatchOperation{
		{Op: "remove", Path: `emails[type eq "work"]`},
	}})
	require.NoError(t, err)
	require.Len(t, out.Emails, 1)
}
