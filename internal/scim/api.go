package scim

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// MediaType is the SCIM media type used for all response bodies.
const MediaType = "application/scim+json"

// HTTPHandler serves the SCIM 2.0 REST protocol on top of a Repository.
type HTTPHandler struct {
	repo     Repository
	logger   *zap.Logger
	baseURL  string
	maxCount int
}

// NewHTTPHandler creates a new HTTPHandler. baseURL is the externally visible
// prefix used for Location headers and $ref values, without a trailing slash.
// maxCount bounds the page size of list responses.
func NewHTTPHandler(repo Repository, logger *zap.Logger, baseURL string, maxCount int) *HTTPHandler {
	if maxCount <= 0 {
		maxCount = 200
	}
	return &HTTPHandler{
		repo:     repo,
		logger:   logger,
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		maxCount: maxCount,
	}
}

// RegisterRoutes registers the SCIM routes.
func (h *HTTPHandler) RegisterRoutes(router gin.IRouter) {
	users := router.Group("/Users")
	{
		users.POST("", h.createUser)
		users.GET("", h.listUsers)
		users.POST("/.search", h.searchUsers)
		users.GET("/:id", h.getUser)
		users.PUT("/:id", h.replaceUser)
		users.PATCH("/:id", h.patchUser)
		users.DELETE("/:id", h.deleteUser)
	}

	groups := router.Group("/Groups")
	{
		groups.POST("", h.createGroup)
		groups.GET("", h.listGroups)
		groups.POST("/.search", h.searchGroups)
		groups.GET("/:id", h.getGroup)
		groups.PUT("/:id", h.replaceGroup)
		groups.PATCH("/:id", h.patchGroup)
		groups.DELETE("/:id", h.deleteGroup)
	}

	router.POST("/.search", h.searchAll)
	router.POST("/Bulk", h.bulk)

	h.registerDiscoveryRoutes(router)
}

// User handlers

func (h *HTTPHandler) createUser(c *gin.Context) {
	var user User
	if err := c.ShouldBindJSON(&user); err != nil {
		h.writeError(c, InvalidInputf("malformed user body: %v", err))
		return
	}
	if err := ValidateUser(&user); err != nil {
		h.writeError(c, err)
		return
	}

	created, err := h.repo.CreateUser(c.Request.Context(), &user)
	if err != nil {
		h.writeError(c, err)
		return
	}

	h.decorateUser(created)
	h.setResourceHeaders(c, created.Meta)
	h.writeJSON(c, http.StatusCreated, created)
}

func (h *HTTPHandler) getUser(c *gin.Context) {
	user, err := h.repo.GetUser(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}

	h.decorateUser(user)
	h.setResourceHeaders(c, user.Meta)
	h.writeProjected(c, http.StatusOK, user,
		listParam(c, "attributes"), listParam(c, "excludedAttributes"))
}

func (h *HTTPHandler) replaceUser(c *gin.Context) {
	var user User
	if err := c.ShouldBindJSON(&user); err != nil {
		h.writeError(c, InvalidInputf("malformed user body: %v", err))
		return
	}
	if err := ValidateUser(&user); err != nil {
		h.writeError(c, err)
		return
	}

	replaced, err := h.repo.ReplaceUser(c.Request.Context(), c.Param("id"), &user)
	if err != nil {
		h.writeError(c, err)
		return
	}

	h.decorateUser(replaced)
	h.setResourceHeaders(c, replaced.Meta)
	h.writeJSON(c, http.StatusOK, replaced)
}

func (h *HTTPHandler) patchUser(c *gin.Context) {
	var patch PatchRequest
	if err := c.ShouldBindJSON(&patch); err != nil {
		h.writeError(c, InvalidInputf("malformed patch body: %v", err))
		return
	}
	if err := patch.Validate(); err != nil {
		h.writeError(c, err)
		return
	}

	patched, err := h.repo.PatchUser(c.Request.Context(), c.Param("id"), &patch)
	if err != nil {
		h.writeError(c, err)
		return
	}

	h.decorateUser(patched)
	h.setResourceHeaders(c, patched.Meta)
	h.writeJSON(c, http.StatusOK, patched)
}

func (h *HTTPHandler) deleteUser(c *gin.Context) {
	if err := h.repo.DeleteUser(c.Request.Context(), c.Param("id")); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *HTTPHandler) listUsers(c *gin.Context) {
	opts, err := queryOptionsFromParams(c)
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.listUsersResponse(c, opts)
}

func (h *HTTPHandler) searchUsers(c *gin.Context) {
	opts, err := queryOptionsFromBody(c)
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.listUsersResponse(c, opts)
}

func (h *HTTPHandler) listUsersResponse(c *gin.Context, opts QueryOptions) {
	if err := ValidateQuery(&opts); err != nil {
		h.writeError(c, err)
		return
	}
	opts.Normalize(h.maxCount)

	total, err := h.repo.CountUsers(c.Request.Context(), opts.Filter)
	if err != nil {
		h.writeError(c, err)
		return
	}
	// count=0 answers with the total alone.
	var users []*User
	if opts.Count > 0 {
		if users, err = h.repo.SearchUsers(c.Request.Context(), opts); err != nil {
			h.writeError(c, err)
			return
		}
	}

	resources := make([]any, 0, len(users))
	for _, u := range users {
		h.decorateUser(u)
		projected, err := Project(u, opts.Attributes, opts.ExcludedAttributes)
		if err != nil {
			h.writeError(c, err)
			return
		}
		resources = append(resources, projected)
	}

	h.writeJSON(c, http.StatusOK, ListResponse{
		Schemas:      []string{ListSchema},
		TotalResults: total,
		StartIndex:   opts.StartIndex,
		ItemsPerPage: len(resources),
		Resources:    resources,
	})
}

// Group handlers

func (h *HTTPHandler) createGroup(c *gin.Context) {
	var group Group
	if err := c.ShouldBindJSON(&group); err != nil {
		h.writeError(c, InvalidInputf("malformed group body: %v", err))
		return
	}
	if err := ValidateGroup(&group); err != nil {
		h.writeError(c, err)
		return
	}

	created, err := h.repo.CreateGroup(c.Request.Context(), &group)
	if err != nil {
		h.writeError(c, err)
		return
	}

	h.decorateGroup(created)
	h.setResourceHeaders(c, created.Meta)
	h.writeJSON(c, http.StatusCreated, created)
}

func (h *HTTPHandler) getGroup(c *gin.Context) {
	group, err := h.repo.GetGroup(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}

	h.decorateGroup(group)
	h.setResourceHeaders(c, group.Meta)
	h.writeProjected(c, http.StatusOK, group,
		listParam(c, "attributes"), listParam(c, "excludedAttributes"))
}

func (h *HTTPHandler) replaceGroup(c *gin.Context) {
	var group Group
	if err := c.ShouldBindJSON(&group); err != nil {
		h.writeError(c, InvalidInputf("malformed group body: %v", err))
		return
	}
	if err := ValidateGroup(&group); err != nil {
		h.writeError(c, err)
		return
	}

	replaced, err := h.repo.ReplaceGroup(c.Request.Context(), c.Param("id"), &group)
	if err != nil {
		h.writeError(c, err)
		return
	}

	h.decorateGroup(replaced)
	h.setResourceHeaders(c, replaced.Meta)
	h.writeJSON(c, http.StatusOK, replaced)
}

func (h *HTTPHandler) patchGroup(c *gin.Context) {
	var patch PatchRequest
	if err := c.ShouldBindJSON(&patch); err != nil {
		h.writeError(c, InvalidInputf("malformed patch body: %v", err))
		return
	}
	if err := patch.Validate(); err != nil {
		h.writeError(c, err)
		return
	}

	patched, err := h.repo.PatchGroup(c.Request.Context(), c.Param("id"), &patch)
	if err != nil {
		h.writeError(c, err)
		return
	}

	h.decorateGroup(patched)
	h.setResourceHeaders(c, patched.Meta)
	h.writeJSON(c, http.StatusOK, patched)
}

func (h *HTTPHandler) deleteGroup(c *gin.Context) {
	if err := h.repo.DeleteGroup(c.Request.Context(), c.Param("id")); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *HTTPHandler) listGroups(c *gin.Context) {
	opts, err := queryOptionsFromParams(c)
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.listGroupsResponse(c, opts)
}

func (h *HTTPHandler) searchGroups(c *gin.Context) {
	opts, err := queryOptionsFromBody(c)
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.listGroupsResponse(c, opts)
}

func (h *HTTPHandler) listGroupsResponse(c *gin.Context, opts QueryOptions) {
	if err := ValidateQuery(&opts); err != nil {
		h.writeError(c, err)
		return
	}
	opts.Normalize(h.maxCount)

	total, err := h.repo.CountGroups(c.Request.Context(), opts.Filter)
	if err != nil {
		h.writeError(c, err)
		return
	}
	// count=0 answers with the total alone.
	var groups []*Group
	if opts.Count > 0 {
		if groups, err = h.repo.SearchGroups(c.Request.Context(), opts); err != nil {
			h.writeError(c, err)
			return
		}
	}

	resources := make([]any, 0, len(groups))
	for _, g := range groups {
		h.decorateGroup(g)
		projected, err := Project(g, opts.Attributes, opts.ExcludedAttributes)
		if err != nil {
			h.writeError(c, err)
			return
		}
		resources = append(resources, projected)
	}

	h.writeJSON(c, http.StatusOK, ListResponse{
		Schemas:      []string{ListSchema},
		TotalResults: total,
		StartIndex:   opts.StartIndex,
		ItemsPerPage: len(resources),
		Resources:    resources,
	})
}

// searchAll queries Users and Groups together. The page window applies to
// the concatenation, Users first.
func (h *HTTPHandler) searchAll(c *gin.Context) {
	opts, err := queryOptionsFromBody(c)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if err := ValidateQuery(&opts); err != nil {
		h.writeError(c, err)
		return
	}
	opts.Normalize(h.maxCount)

	userTotal, err := h.repo.CountUsers(c.Request.Context(), opts.Filter)
	if err != nil {
		h.writeError(c, err)
		return
	}
	groupTotal, err := h.repo.CountGroups(c.Request.Context(), opts.Filter)
	if err != nil {
		h.writeError(c, err)
		return
	}

	// count=0 answers with the total alone.
	if opts.Count == 0 {
		h.writeJSON(c, http.StatusOK, ListResponse{
			Schemas:      []string{ListSchema},
			TotalResults: userTotal + groupTotal,
			StartIndex:   opts.StartIndex,
			Resources:    make([]any, 0),
		})
		return
	}

	wide := opts
	wide.StartIndex = 1
	wide.Count = opts.StartIndex - 1 + opts.Count

	var combined []any
	users, err := h.repo.SearchUsers(c.Request.Context(), wide)
	if err != nil {
		h.writeError(c, err)
		return
	}
	for _, u := range users {
		h.decorateUser(u)
		combined = append(combined, u)
	}
	groups, err := h.repo.SearchGroups(c.Request.Context(), wide)
	if err != nil {
		h.writeError(c, err)
		return
	}
	for _, g := range groups {
		h.decorateGroup(g)
		combined = append(combined, g)
	}

	if skip := opts.StartIndex - 1; skip < len(combined) {
		combined = combined[skip:]
	} else {
		combined = nil
	}
	if len(combined) > opts.Count {
		combined = combined[:opts.Count]
	}

	resources := make([]any, 0, len(combined))
	for _, res := range combined {
		projected, err := Project(res, opts.Attributes, opts.ExcludedAttributes)
		if err != nil {
			h.writeError(c, err)
			return
		}
		resources = append(resources, projected)
	}

	h.writeJSON(c, http.StatusOK, ListResponse{
		Schemas:      []string{ListSchema},
		TotalResults: userTotal + groupTotal,
		StartIndex:   opts.StartIndex,
		ItemsPerPage: len(resources),
		Resources:    resources,
	})
}

// Request parsing

func queryOptionsFromParams(c *gin.Context) (QueryOptions, error) {
	opts := QueryOptions{
		Filter:             c.Query("filter"),
		SortBy:             c.Query("sortBy"),
		SortOrder:          c.Query("sortOrder"),
		Attributes:         listParam(c, "attributes"),
		ExcludedAttributes: listParam(c, "excludedAttributes"),
	}
	var err error
	if opts.StartIndex, err = intParam(c, "startIndex"); err != nil {
		return opts, err
	}
	if raw := c.Query("count"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return opts, InvalidInputf("count must be an integer")
		}
		if n < 1 {
			opts.CountZero = true
		} else {
			opts.Count = n
		}
	}
	return opts, nil
}

func queryOptionsFromBody(c *gin.Context) (QueryOptions, error) {
	var req SearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		return QueryOptions{}, InvalidInputf("malformed search body: %v", err)
	}
	opts := QueryOptions{
		Filter:             req.Filter,
		SortBy:             req.SortBy,
		SortOrder:          req.SortOrder,
		StartIndex:         req.StartIndex,
		Attributes:         req.Attributes,
		ExcludedAttributes: req.ExcludedAttributes,
	}
	if req.Count != nil {
		if *req.Count < 1 {
			opts.CountZero = true
		} else {
			opts.Count = *req.Count
		}
	}
	return opts, nil
}

func listParam(c *gin.Context, name string) []string {
	raw := c.Query(name)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func intParam(c *gin.Context, name string) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, InvalidInputf("%s must be an integer", name)
	}
	return n, nil
}

// Response shaping

func (h *HTTPHandler) decorateUser(u *User) {
	u.Schemas = []string{UserSchema}
	if u.Meta == nil {
		u.Meta = &Meta{ResourceType: "User"}
	}
	u.Meta.Location = h.location("Users", u.ID)
	for i := range u.Groups {
		if u.Groups[i].Value != "" {
			u.Groups[i].Ref = h.location("Groups", u.Groups[i].Value)
		}
	}
}

func (h *HTTPHandler) decorateGroup(g *Group) {
	g.Schemas = []string{GroupSchema}
	if g.Meta == nil {
		g.Meta = &Meta{ResourceType: "Group"}
	}
	g.Meta.Location = h.location("Groups", g.ID)
	for i := range g.Members {
		if g.Members[i].Value != "" {
			g.Members[i].Ref = h.location("Users", g.Members[i].Value)
		}
	}
}

func (h *HTTPHandler) location(resource, id string) string {
	return h.baseURL + "/" + resource + "/" + id
}

func (h *HTTPHandler) setResourceHeaders(c *gin.Context, meta *Meta) {
	if meta == nil {
		return
	}
	if meta.Location != "" {
		c.Header("Location", meta.Location)
	}
	if meta.Version != "" {
		c.Header("ETag", meta.Version)
	}
}

func (h *HTTPHandler) writeProjected(c *gin.Context, status int, resource any, attributes, excluded []string) {
	projected, err := Project(resource, attributes, excluded)
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.writeJSON(c, status, projected)
}

func (h *HTTPHandler) writeJSON(c *gin.Context, status int, body any) {
	data, err := json.Marshal(body)
	if err != nil {
		h.logger.Error("Failed to marshal response", zap.Error(err))
		c.Data(http.StatusInternalServerError, MediaType,
			[]byte(`{"schemas":["`+ErrorSchema+`"],"status":"500"}`))
		return
	}
	c.Data(status, MediaType, data)
}

// errorStatus maps the error taxonomy onto an HTTP status and SCIM error
// type.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound, ""
	case errors.Is(err, ErrNoTarget):
		return http.StatusBadRequest, "noTarget"
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest, "invalidValue"
	case errors.Is(err, ErrConflict):
		return http.StatusConflict, "uniqueness"
	case errors.Is(err, ErrInfrastructure):
		return http.StatusServiceUnavailable, ""
	default:
		return http.StatusInternalServerError, ""
	}
}

// writeError renders an error as a SCIM error response.
func (h *HTTPHandler) writeError(c *gin.Context, err error) {
	status, scimType := errorStatus(err)

	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Error(err))
	} else {
		h.logger.Debug("Request rejected",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Error(err))
	}

	h.writeJSON(c, status, ErrorResponse{
		Schemas:  []string{ErrorSchema},
		Status:   strconv.Itoa(status),
		ScimType: scimType,
		Detail:   err.Error(),
	})
}
