package scim_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dhawalhost/scimgate/internal/filestore"
	"github.com/dhawalhost/scimgate/internal/scim"
)

const testBaseURL = "http://localhost:8090/scim/v2"

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store, err := filestore.New(filepath.Join(t.TempDir(), "data.json"), zaptest.NewLogger(t))
	require.NoError(t, err)

	r := gin.New()
	h := scim.NewHTTPHandler(store, zaptest.NewLogger(t), testBaseURL, 100)
	h.RegisterRoutes(r.Group("/scim/v2"))
	return r
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/scim+json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestCreateUserEndpoint(t *testing.T) {
	r := newTestRouter(t)

	w := doJSON(t, r, http.MethodPost, "/scim/v2/Users", scim.User{UserName: "alice", Title: "Engineer"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, scim.MediaType, w.Header().Get("Content-Type"))
	assert.NotEmpty(t, w.Header().Get("ETag"))

	body := decodeBody(t, w)
	id, _ := body["id"].(string)
	require.NotEmpty(t, id)
	assert.Equal(t, testBaseURL+"/Users/"+id, w.Header().Get("Location"))
	assert.Equal(t, []any{scim.UserSchema}, body["schemas"])
	assert.Equal(t, "alice", body["userName"])

	meta, _ := body["meta"].(map[string]any)
	require.NotNil(t, meta)
	assert.Equal(t, "User", meta["resourceType"])
	assert.Equal(t, testBaseURL+"/Users/"+id, meta["location"])
}

func TestCreateUserRequiresUserName(t *testing.T) {
	r := newTestRouter(t)

	w := doJSON(t, r, http.MethodPost, "/scim/v2/Users", scim.User{Title: "Engineer"})
	require.Equal(t, http.StatusBadRequest, w.Code)

	body := decodeBody(t, w)
	assert.Equal(t, []any{scim.ErrorSchema}, body["schemas"])
	assert.Equal(t, "400", body["status"])
	assert.Equal(t, "invalidValue", body["scimType"])
}

func TestGetUserNotFound(t *testing.T) {
	r := newTestRouter(t)

	w := doJSON(t, r, http.MethodGet, "/scim/v2/Users/nope", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "404", decodeBody(t, w)["status"])
}

func TestUserLifecycleEndpoints(t *testing.T) {
	r := newTestRouter(t)

	w := doJSON(t, r, http.MethodPost, "/scim/v2/Users", scim.User{UserName: "alice"})
	require.Equal(t, http.StatusCreated, w.Code)
	id := decodeBody(t, w)["id"].(string)

	w = doJSON(t, r, http.MethodPut, "/scim/v2/Users/"+id, scim.User{UserName: "alice", Title: "Engineer"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "Engineer", decodeBody(t, w)["title"])

	patch := scim.PatchRequest{Operations: []scim.PatchOperation{
		{Op: "replace", Path: "title", Value: "Staff Engineer"},
	}}
	w = doJSON(t, r, http.MethodPatch, "/scim/v2/Users/"+id, patch)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "Staff Engineer", decodeBody(t, w)["title"])

	w = doJSON(t, r, http.MethodDelete, "/scim/v2/Users/"+id, nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = doJSON(t, r, http.MethodGet, "/scim/v2/Users/"+id, nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestListUsersFilterAndPagination(t *testing.T) {
	r := newTestRouter(t)
	for _, name := range []string{"carol", "alice", "bob"} {
		w := doJSON(t, r, http.MethodPost, "/scim/v2/Users", scim.User{UserName: name, Title: "Engineer"})
		require.Equal(t, http.StatusCreated, w.Code)
	}

	w := doJSON(t, r, http.MethodGet,
		`/scim/v2/Users?filter=title+eq+%22Engineer%22&sortBy=userName&startIndex=2&count=1`, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	body := decodeBody(t, w)
	assert.Equal(t, []any{scim.ListSchema}, body["schemas"])
	assert.Equal(t, float64(3), body["totalResults"])
	assert.Equal(t, float64(2), body["startIndex"])
	assert.Equal(t, float64(1), body["itemsPerPage"])

	resources, _ := body["Resources"].([]any)
	require.Len(t, resources, 1)
	assert.Equal(t, "bob", resources[0].(map[string]any)["userName"])
}

func TestListUsersRejectsBadFilter(t *testing.T) {
	r := newTestRouter(t)

	w := doJSON(t, r, http.MethodGet, `/scim/v2/Users?filter=userName+eq`, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalidValue", decodeBody(t, w)["scimType"])
}

func TestSearchUsersEndpoint(t *testing.T) {
	r := newTestRouter(t)
	w := doJSON(t, r, http.MethodPost, "/scim/v2/Users", scim.User{UserName: "alice"})
	require.Equal(t, http.StatusCreated, w.Code)

	w = doJSON(t, r, http.MethodPost, "/scim/v2/Users/.search", scim.SearchRequest{
		Schemas: []string{scim.SearchSchema},
		Filter:  `userName eq "alice"`,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, float64(1), decodeBody(t, w)["totalResults"])
}

func TestSearchAllResourceTypes(t *testing.T) {
	r := newTestRouter(t)
	w := doJSON(t, r, http.MethodPost, "/scim/v2/Users", scim.User{UserName: "alice"})
	require.Equal(t, http.StatusCreated, w.Code)
	w = doJSON(t, r, http.MethodPost, "/scim/v2/Groups", scim.Group{DisplayName: "Engineering"})
	require.Equal(t, http.StatusCreated, w.Code)

	w = doJSON(t, r, http.MethodPost, "/scim/v2/.search", scim.SearchRequest{
		Schemas: []string{scim.SearchSchema},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	body := decodeBody(t, w)
	assert.Equal(t, float64(2), body["totalResults"])
	resources, _ := body["Resources"].([]any)
	require.Len(t, resources, 2)
	// Users come first in the combined listing.
	assert.Equal(t, "alice", resources[0].(map[string]any)["userName"])
	assert.Equal(t, "Engineering", resources[1].(map[string]any)["displayName"])
}

func TestGetUserAttributesProjection(t *testing.T) {
	r := newTestRouter(t)
	w := doJSON(t, r, http.MethodPost, "/scim/v2/Users", scim.User{UserName: "alice", Title: "Engineer"})
	require.Equal(t, http.StatusCreated, w.Code)
	id := decodeBody(t, w)["id"].(string)

	w = doJSON(t, r, http.MethodGet, "/scim/v2/Users/"+id+"?attributes=userName", nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decodeBody(t, w)
	assert.Equal(t, "alice", body["userName"])
	assert.Equal(t, id, body["id"])
	assert.NotContains(t, body, "title")
}

func TestGroupEndpoints(t *testing.T) {
	r := newTestRouter(t)

	w := doJSON(t, r, http.MethodPost, "/scim/v2/Users", scim.User{UserName: "alice"})
	require.Equal(t, http.StatusCreated, w.Code)
	userID := decodeBody(t, w)["id"].(string)

	w = doJSON(t, r, http.MethodPost, "/scim/v2/Groups", scim.Group{
		DisplayName: "Engineering",
		Members:     []scim.Member{{Value: userID}},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	body := decodeBody(t, w)
	groupID := body["id"].(string)
	members, _ := body["members"].([]any)
	require.Len(t, members, 1)
	member := members[0].(map[string]any)
	assert.Equal(t, userID, member["value"])
	assert.Equal(t, testBaseURL+"/Users/"+userID, member["$ref"])

	// Membership shows up on the user with a group reference.
	w = doJSON(t, r, http.MethodGet, "/scim/v2/Users/"+userID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	groups, _ := decodeBody(t, w)["groups"].([]any)
	require.Len(t, groups, 1)
	assert.Equal(t, testBaseURL+"/Groups/"+groupID, groups[0].(map[string]any)["$ref"])

	patch := scim.PatchRequest{Operations: []scim.PatchOperation{
		{Op: "remove", Path: `members[value eq "` + userID + `"]`},
	}}
	w = doJSON(t, r, http.MethodPatch, "/scim/v2/Groups/"+groupID, patch)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.NotContains(t, decodeBody(t, w), "members")

	w = doJSON(t, r, http.MethodDelete, "/scim/v2/Groups/"+groupID, nil)
	require.Equal(t, http.StatusNoContent, w.Code)
}

func TestBulkEndpoint(t *testing.T) {
	r := newTestRouter(t)

	req := scim.BulkRequest{
		Schemas: []string{scim.BulkSchema},
		Operations: []scim.BulkOperation{
			{
				Method: "POST",
				Path:   "/Users",
				BulkID: "qwerty",
				Data:   scim.User{UserName: "alice"},
			},
			{
				Method: "POST",
				Path:   "/Groups",
				Data: scim.Group{
					DisplayName: "Engineering",
					Members:     []scim.Member{{Value: "bulkId:qwerty"}},
				},
			},
		},
	}
	w := doJSON(t, r, http.MethodPost, "/scim/v2/Bulk", req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	body := decodeBody(t, w)
	assert.Equal(t, []any{scim.BulkRespSchema}, body["schemas"])
	ops, _ := body["Operations"].([]any)
	require.Len(t, ops, 2)

	first := ops[0].(map[string]any)
	assert.Equal(t, "201", first["status"])
	assert.Equal(t, "qwerty", first["bulkId"])
	location, _ := first["location"].(string)
	require.NotEmpty(t, location)

	second := ops[1].(map[string]any)
	require.Equal(t, "201", second["status"], w.Body.String())

	// The group's member reference resolved to the created user's id.
	groupLocation, _ := second["location"].(string)
	w = doJSON(t, r, http.MethodGet, strings.TrimPrefix(groupLocation, "http://localhost:8090"), nil)
	require.Equal(t, http.StatusOK, w.Code)
	members, _ := decodeBody(t, w)["members"].([]any)
	require.Len(t, members, 1)
	assert.NotContains(t, members[0].(map[string]any)["value"], "bulkId")
}

func TestBulkFailOnErrors(t *testing.T) {
	r := newTestRouter(t)

	req := scim.BulkRequest{
		Schemas:      []string{scim.BulkSchema},
		FailOnErrors: 1,
		Operations: []scim.BulkOperation{
			{Method: "DELETE", Path: "/Users/nope"},
			{Method: "POST", Path: "/Users", Data: scim.User{UserName: "alice"}},
		},
	}
	w := doJSON(t, r, http.MethodPost, "/scim/v2/Bulk", req)
	require.Equal(t, http.StatusOK, w.Code)

	ops, _ := decodeBody(t, w)["Operations"].([]any)
	// Processing stopped after the first failure.
	require.Len(t, ops, 1)
	assert.Equal(t, "404", ops[0].(map[string]any)["status"])
}

func TestServiceProviderConfigEndpoint(t *testing.T) {
	r := newTestRouter(t)

	w := doJSON(t, r, http.MethodGet, "/scim/v2/ServiceProviderConfig", nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decodeBody(t, w)
	assert.Equal(t, []any{scim.ServiceProviderConfigSchema}, body["schemas"])
	patch, _ := body["patch"].(map[string]any)
	assert.Equal(t, true, patch["supported"])
	bulk, _ := body["bulk"].(map[string]any)
	assert.Equal(t, true, bulk["supported"])
}

func TestResourceTypesEndpoints(t *testing.T) {
	r := newTestRouter(t)

	w := doJSON(t, r, http.MethodGet, "/scim/v2/ResourceTypes", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(2), decodeBody(t, w)["totalResults"])

	w = doJSON(t, r, http.MethodGet, "/scim/v2/ResourceTypes/User", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "/Users", decodeBody(t, w)["endpoint"])

	w = doJSON(t, r, http.MethodGet, "/scim/v2/ResourceTypes/Gadget", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestSchemasEndpoints(t *testing.T) {
	r := newTestRouter(t)

	w := doJSON(t, r, http.MethodGet, "/scim/v2/Schemas", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(2), decodeBody(t, w)["totalResults"])

	w = doJSON(t, r, http.MethodGet, "/scim/v2/Schemas/"+scim.UserSchema, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "User", decodeBody(t, w)["name"])
}

func TestListUsersExplicitZeroCount(t *testing.T) {
	r := newTestRouter(t)
	for _, name := range []string{"alice", "bob"} {
		w := doJSON(t, r, http.MethodPost, "/scim/v2/Users", scim.User{UserName: name})
		require.Equal(t, http.StatusCreated, w.Code)
	}

	// An explicit count of zero answers with the total and no resources.
	w := doJSON(t, r, http.MethodGet, "/scim/v2/Users?count=0", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	body := decodeBody(t, w)
	assert.Equal(t, float64(2), body["totalResults"])
	assert.Equal(t, float64(0), body["itemsPerPage"])
	resources, ok := body["Resources"].([]any)
	require.True(t, ok, w.Body.String())
	assert.Empty(t, resources)

	// An omitted count still pages with the default size.
	w = doJSON(t, r, http.MethodGet, "/scim/v2/Users", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resources, _ = decodeBody(t, w)["Resources"].([]any)
	assert.Len(t, resources, 2)
}

func TestSearchExplicitZeroCount(t *testing.T) {
	r := newTestRouter(t)
	w := doJSON(t, r, http.MethodPost, "/scim/v2/Users", scim.User{UserName: "alice"})
	require.Equal(t, http.StatusCreated, w.Code)
	w = doJSON(t, r, http.MethodPost, "/scim/v2/Groups", scim.Group{DisplayName: "Engineering"})
	require.Equal(t, http.StatusCreated, w.Code)

	w = doJSON(t, r, http.MethodPost, "/scim/v2/Users/.search", map[string]any{
		"schemas": []string{scim.SearchSchema},
		"count":   0,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decodeBody(t, w)
	assert.Equal(t, float64(1), body["totalResults"])
	resources, _ := body["Resources"].([]any)
	assert.Empty(t, resources)

	w = doJSON(t, r, http.MethodPost, "/scim/v2/.search", map[string]any{
		"schemas": []string{scim.SearchSchema},
		"count":   0,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body = decodeBody(t, w)
	assert.Equal(t, float64(2), body["totalResults"])
	resources, ok := body["Resources"].([]any)
	require.True(t, ok, w.Body.String())
	assert.Empty(t, resources)
}

func TestPatchUnmatchedValueFilter(t *testing.T) {
	r := newTestRouter(t)
	w := doJSON(t, r, http.MethodPost, "/scim/v2/Users", scim.User{
		UserName: "alice",
		Emails:   []scim.Email{{Value: "alice@example.com", Type: "home"}},
	})
	require.Equal(t, http.StatusCreated, w.Code)
	id := decodeBody(t, w)["id"].(string)

	patch := scim.PatchRequest{Operations: []scim.PatchOperation{
		{Op: "replace", Path: `emails[type eq "work"].value`, Value: "alice@work.example.com"},
	}}
	w = doJSON(t, r, http.MethodPatch, "/scim/v2/Users/"+id, patch)
	require.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())

	body := decodeBody(t, w)
	assert.Equal(t, "400", body["status"])
	assert.Equal(t, "noTarget", body["scimType"])

	// Removing through an unmatched filter stays a no-op.
	patch = scim.PatchRequest{Operations: []scim.PatchOperation{
		{Op: "remove", Path: `emails[type eq "work"]`},
	}}
	w = doJSON(t, r, http.MethodPatch, "/scim/v2/Users/"+id, patch)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}
