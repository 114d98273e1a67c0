package client_test

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dhawalhost/scimgate/internal/filestore"
	"github.com/dhawalhost/scimgate/internal/scim"
	"github.com/dhawalhost/scimgate/pkg/client"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store, err := filestore.New(filepath.Join(t.TempDir(), "data.json"), zaptest.NewLogger(t))
	require.NoError(t, err)

	r := gin.New()
	h := scim.NewHTTPHandler(store, zaptest.NewLogger(t), "http://localhost/scim/v2", 100)
	h.RegisterRoutes(r.Group("/scim/v2"))

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func TestClientUserRoundTrip(t *testing.T) {
	srv := newTestServer(t)
	c := client.New(client.Config{BaseURL: srv.URL + "/scim/v2"})
	ctx := context.Background()

	var created scim.User
	require.NoError(t, c.CreateUser(ctx, scim.User{UserName: "alice"}, &created))
	require.NotEmpty(t, created.ID)

	var fetched scim.User
	require.NoError(t, c.GetUser(ctx, created.ID, &fetched))
	assert.Equal(t, "alice", fetched.UserName)

	patch := scim.PatchRequest{Operations: []scim.PatchOperation{
		{Op: "replace", Path: "title", Value: "Engineer"},
	}}
	var patched scim.User
	require.NoError(t, c.PatchUser(ctx, created.ID, patch, &patched))
	assert.Equal(t, "Engineer", patched.Title)

	list, err := c.ListUsers(ctx, client.ListOptions{Filter: `userName eq "alice"`})
	require.NoError(t, err)
	assert.Equal(t, 1, list.TotalResults)
	require.Len(t, list.Resources, 1)

	require.NoError(t, c.DeleteUser(ctx, created.ID))

	err = c.GetUser(ctx, created.ID, &fetched)
	var scimErr *client.Error
	require.ErrorAs(t, err, &scimErr)
	assert.Equal(t, 404, scimErr.StatusCode)
}

func TestClientGroupRoundTrip(t *testing.T) {
	srv := newTestServer(t)
	c := client.New(client.Config{BaseURL: srv.URL + "/scim/v2"})
	ctx := context.Background()

	var user scim.User
	require.NoError(t, c.CreateUser(ctx, scim.User{UserName: "alice"}, &user))

	var group scim.Group
	require.NoError(t, c.CreateGroup(ctx, scim.Group{
		DisplayName: "Engineering",
		Members:     []scim.Member{{Value: user.ID}},
	}, &group))
	require.NotEmpty(t, group.ID)
	require.Len(t, group.Members, 1)

	var fetched scim.Group
	require.NoError(t, c.GetGroup(ctx, group.ID, &fetched))
	assert.Equal(t, "Engineering", fetched.DisplayName)

	require.NoError(t, c.DeleteGroup(ctx, group.ID))
}

func TestClientSurfacesScimErrors(t *testing.T) {
	srv := newTestServer(t)
	c := client.New(client.Config{BaseURL: srv.URL + "/scim/v2"})

	err := c.CreateUser(context.Background(), scim.User{}, nil)
	var scimErr *client.Error
	require.ErrorAs(t, err, &scimErr)
	assert.Equal(t, 400, scimErr.StatusCode)
	assert.Equal(t, "invalidValue", scimErr.ScimType)
	assert.NotEmpty(t, scimErr.Detail)
}
