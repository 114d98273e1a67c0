package scim

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// bulk processes a SCIM bulk request. Operations run in order; a bulkId
// assigned by a POST can be referenced by later operations in the same
// request as "bulkId:<id>".
func (h *HTTPHandler) bulk(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, BulkMaxPayloadSize)

	var req BulkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeError(c, InvalidInputf("malformed bulk body: %v", err))
		return
	}
	if len(req.Operations) == 0 {
		h.writeError(c, InvalidInputf("bulk request has no operations"))
		return
	}
	if len(req.Operations) > BulkMaxOperations {
		h.writeError(c, InvalidInputf("bulk request exceeds %d operations", BulkMaxOperations))
		return
	}

	bulkIDs := make(map[string]string)
	results := make([]BulkOperation, 0, len(req.Operations))
	errCount := 0

	for _, op := range req.Operations {
		result := h.bulkOperation(c.Request.Context(), op, bulkIDs)
		results = append(results, result)

		if status, _ := strconv.Atoi(result.Status); status >= http.StatusBadRequest {
			errCount++
			if req.FailOnErrors > 0 && errCount >= req.FailOnErrors {
				h.logger.Debug("Bulk request stopped early",
					zap.Int("errors", errCount),
					zap.Int("processed", len(results)))
				break
			}
		}
	}

	h.writeJSON(c, http.StatusOK, BulkResponse{
		Schemas:    []string{BulkRespSchema},
		Operations: results,
	})
}

func (h *HTTPHandler) bulkOperation(ctx context.Context, op BulkOperation, bulkIDs map[string]string) BulkOperation {
	result := BulkOperation{
		Method: op.Method,
		BulkID: op.BulkID,
	}

	resource, id, err := splitBulkPath(op.Path)
	if err != nil {
		return bulkFailure(result, err)
	}
	id = resolveBulkID(id, bulkIDs)

	data, err := resolveBulkData(op.Data, bulkIDs)
	if err != nil {
		return bulkFailure(result, err)
	}

	method := strings.ToUpper(op.Method)
	switch {
	case method == http.MethodPost && id != "":
		return bulkFailure(result, InvalidInputf("POST path must not contain an id"))
	case method != http.MethodPost && id == "":
		return bulkFailure(result, InvalidInputf("%s path must contain an id", method))
	}

	switch resource {
	case "Users":
		return h.bulkUserOperation(ctx, method, id, data, result, bulkIDs)
	case "Groups":
		return h.bulkGroupOperation(ctx, method, id, data, result, bulkIDs)
	default:
		return bulkFailure(result, InvalidInputf("unknown bulk path %q", op.Path))
	}
}

func (h *HTTPHandler) bulkUserOperation(ctx context.Context, method, id string, data []byte, result BulkOperation, bulkIDs map[string]string) BulkOperation {
	switch method {
	case http.MethodPost:
		var user User
		if err := json.Unmarshal(data, &user); err != nil {
			return bulkFailure(result, InvalidInputf("malformed user data: %v", err))
		}
		if err := ValidateUser(&user); err != nil {
			return bulkFailure(result, err)
		}
		created, err := h.repo.CreateUser(ctx, &user)
		if err != nil {
			return bulkFailure(result, err)
		}
		if result.BulkID != "" {
			bulkIDs[result.BulkID] = created.ID
		}
		return bulkSuccess(result, http.StatusCreated, h.location("Users", created.ID), created.Meta)

	case http.MethodPut:
		var user User
		if err := json.Unmarshal(data, &user); err != nil {
			return bulkFailure(result, InvalidInputf("malformed user data: %v", err))
		}
		if err := ValidateUser(&user); err != nil {
			return bulkFailure(result, err)
		}
		replaced, err := h.repo.ReplaceUser(ctx, id, &user)
		if err != nil {
			return bulkFailure(result, err)
		}
		return bulkSuccess(result, http.StatusOK, h.location("Users", id), replaced.Meta)

	case http.MethodPatch:
		patch, err := bulkPatch(data)
		if err != nil {
			return bulkFailure(result, err)
		}
		patched, err := h.repo.PatchUser(ctx, id, patch)
		if err != nil {
			return bulkFailure(result, err)
		}
		return bulkSuccess(result, http.StatusOK, h.location("Users", id), patched.Meta)

	case http.MethodDelete:
		if err := h.repo.DeleteUser(ctx, id); err != nil {
			return bulkFailure(result, err)
		}
		return bulkSuccess(result, http.StatusNoContent, h.location("Users", id), nil)

	default:
		return bulkFailure(result, InvalidInputf("unsupported bulk method %q", method))
	}
}

func (h *HTTPHandler) bulkGroupOperation(ctx context.Context, method, id string, data []byte, result BulkOperation, bulkIDs map[string]string) BulkOperation {
	switch method {
	case http.MethodPost:
		var group Group
		if err := json.Unmarshal(data, &group); err != nil {
			return bulkFailure(result, InvalidInputf("malformed group data: %v", err))
		}
		if err := ValidateGroup(&group); err != nil {
			return bulkFailure(result, err)
		}
		created, err := h.repo.CreateGroup(ctx, &group)
		if err != nil {
			return bulkFailure(result, err)
		}
		if result.BulkID != "" {
			bulkIDs[result.BulkID] = created.ID
		}
		return bulkSuccess(result, http.StatusCreated, h.location("Groups", created.ID), created.Meta)

	case http.MethodPut:
		var group Group
		if err := json.Unmarshal(data, &group); err != nil {
			return bulkFailure(result, InvalidInputf("malformed group data: %v", err))
		}
		if err := ValidateGroup(&group); err != nil {
			return bulkFailure(result, err)
		}
		replaced, err := h.repo.ReplaceGroup(ctx, id, &group)
		if err != nil {
			return bulkFailure(result, err)
		}
		return bulkSuccess(result, http.StatusOK, h.location("Groups", id), replaced.Meta)

	case http.MethodPatch:
		patch, err := bulkPatch(data)
		if err != nil {
			return bulkFailure(result, err)
		}
		patched, err := h.repo.PatchGroup(ctx, id, patch)
		if err != nil {
			return bulkFailure(result, err)
		}
		return bulkSuccess(result, http.StatusOK, h.location("Groups", id), patched.Meta)

	case http.MethodDelete:
		if err := h.repo.DeleteGroup(ctx, id); err != nil {
			return bulkFailure(result, err)
		}
		return bulkSuccess(result, http.StatusNoContent, h.location("Groups", id), nil)

	default:
		return bulkFailure(result, InvalidInputf("unsupported bulk method %q", method))
	}
}

func bulkPatch(data []byte) (*PatchRequest, error) {
	var patch PatchRequest
	if err := json.Unmarshal(data, &patch); err != nil {
		return nil, InvalidInputf("malformed patch data: %v", err)
	}
	if err := patch.Validate(); err != nil {
		return nil, err
	}
	return &patch, nil
}

// splitBulkPath parses "/Users" or "/Users/<id>" into its parts.
func splitBulkPath(path string) (resource, id string, err error) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	switch len(parts) {
	case 1:
		return parts[0], "", nil
	case 2:
		return parts[0], parts[1], nil
	default:
		return "", "", InvalidInputf("invalid bulk path %q", path)
	}
}

// resolveBulkID maps a "bulkId:<id>" reference to the id assigned earlier in
// the same request. Unresolved references pass through untouched so the
// backend reports them as not found.
func resolveBulkID(id string, bulkIDs map[string]string) string {
	ref, ok := strings.CutPrefix(id, "bulkId:")
	if !ok {
		return id
	}
	if resolved, ok := bulkIDs[ref]; ok {
		return resolved
	}
	return id
}

// resolveBulkData rewrites "bulkId:<id>" references inside the operation
// payload, typically group member values pointing at users created earlier
// in the same request.
func resolveBulkData(data any, bulkIDs map[string]string) ([]byte, error) {
	if data == nil {
		return nil, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, InvalidInputf("malformed bulk data: %v", err)
	}
	for ref, id := range bulkIDs {
		raw = []byte(strings.ReplaceAll(string(raw), "bulkId:"+ref, id))
	}
	return raw, nil
}

func bulkSuccess(result BulkOperation, status int, location string, meta *Meta) BulkOperation {
	result.Status = strconv.Itoa(status)
	result.Location = location
	if meta != nil {
		result.Version = meta.Version
	}
	return result
}

func bulkFailure(result BulkOperation, err error) BulkOperation {
	status, scimType := errorStatus(err)
	result.Status = strconv.Itoa(status)
	result.Response = ErrorResponse{
		Schemas:  []string{ErrorSchema},
		Status:   strconv.Itoa(status),
		ScimType: scimType,
		Detail:   err.Error(),
	}
	return result
}
