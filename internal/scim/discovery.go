package scim

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Discovery schema URNs.
const (
	ServiceProviderConfigSchema = "urn:ietf:params:scim:schemas:core:2.0:ServiceProviderConfig"
	ResourceTypeSchema          = "urn:ietf:params:scim:schemas:core:2.0:ResourceType"
	SchemaSchema                = "urn:ietf:params:scim:schemas:core:2.0:Schema"
)

// Bulk endpoint limits advertised by the service provider configuration and
// enforced by the Bulk handler.
const (
	BulkMaxOperations  = 100
	BulkMaxPayloadSize = 1 << 20
)

func (h *HTTPHandler) registerDiscoveryRoutes(router gin.IRouter) {
	router.GET("/ServiceProviderConfig", h.serviceProviderConfig)
	router.GET("/ResourceTypes", h.resourceTypes)
	router.GET("/ResourceTypes/:name", h.resourceType)
	router.GET("/Schemas", h.schemas)
	router.GET("/Schemas/:urn", h.schema)
}

func (h *HTTPHandler) serviceProviderConfig(c *gin.Context) {
	h.writeJSON(c, http.StatusOK, gin.H{
		"schemas":          []string{ServiceProviderConfigSchema},
		"documentationUri": "https://datatracker.ietf.org/doc/html/rfc7644",
		"patch":            gin.H{"supported": true},
		"bulk": gin.H{
			"supported":      true,
			"maxOperations":  BulkMaxOperations,
			"maxPayloadSize": BulkMaxPayloadSize,
		},
		"filter": gin.H{
			"supported":  true,
			"maxResults": h.maxCount,
		},
		"changePassword": gin.H{"supported": true},
		"sort":           gin.H{"supported": true},
		"etag":           gin.H{"supported": true},
		"authenticationSchemes": []gin.H{
			{
				"type":        "oauthbearertoken",
				"name":        "OAuth Bearer Token",
				"description": "Authentication via a bearer token in the Authorization header",
				"primary":     true,
			},
		},
		"meta": gin.H{
			"resourceType": "ServiceProviderConfig",
			"location":     h.baseURL + "/ServiceProviderConfig",
		},
	})
}

func (h *HTTPHandler) resourceTypes(c *gin.Context) {
	types := []gin.H{h.userResourceType(), h.groupResourceType()}
	h.writeJSON(c, http.StatusOK, ListResponse{
		Schemas:      []string{ListSchema},
		TotalResults: len(types),
		StartIndex:   1,
		ItemsPerPage: len(types),
		Resources:    []any{types[0], types[1]},
	})
}

func (h *HTTPHandler) resourceType(c *gin.Context) {
	switch c.Param("name") {
	case "User":
		h.writeJSON(c, http.StatusOK, h.userResourceType())
	case "Group":
		h.writeJSON(c, http.StatusOK, h.groupResourceType())
	default:
		h.writeError(c, NotFoundf("unknown resource type %q", c.Param("name")))
	}
}

func (h *HTTPHandler) userResourceType() gin.H {
	return gin.H{
		"schemas":     []string{ResourceTypeSchema},
		"id":          "User",
		"name":        "User",
		"endpoint":    "/Users",
		"description": "User Account",
		"schema":      UserSchema,
		"meta": gin.H{
			"resourceType": "ResourceType",
			"location":     h.baseURL + "/ResourceTypes/User",
		},
	}
}

func (h *HTTPHandler) groupResourceType() gin.H {
	return gin.H{
		"schemas":     []string{ResourceTypeSchema},
		"id":          "Group",
		"name":        "Group",
		"endpoint":    "/Groups",
		"description": "Group",
		"schema":      GroupSchema,
		"meta": gin.H{
			"resourceType": "ResourceType",
			"location":     h.baseURL + "/ResourceTypes/Group",
		},
	}
}

func (h *HTTPHandler) schemas(c *gin.Context) {
	defs := []any{h.userSchemaDefinition(), h.groupSchemaDefinition()}
	h.writeJSON(c, http.StatusOK, ListResponse{
		Schemas:      []string{ListSchema},
		TotalResults: len(defs),
		StartIndex:   1,
		ItemsPerPage: len(defs),
		Resources:    defs,
	})
}

func (h *HTTPHandler) schema(c *gin.Context) {
	switch c.Param("urn") {
	case UserSchema:
		h.writeJSON(c, http.StatusOK, h.userSchemaDefinition())
	case GroupSchema:
		h.writeJSON(c, http.StatusOK, h.groupSchemaDefinition())
	default:
		h.writeError(c, NotFoundf("unknown schema %q", c.Param("urn")))
	}
}

func (h *HTTPHandler) userSchemaDefinition() gin.H {
	return gin.H{
		"schemas":     []string{SchemaSchema},
		"id":          UserSchema,
		"name":        "User",
		"description": "User Account",
		"attributes": []gin.H{
			stringAttr("userName", true, "server"),
			complexAttr("name", false, []gin.H{
				stringAttr("formatted", false, "none"),
				stringAttr("familyName", false, "none"),
				stringAttr("givenName", false, "none"),
				stringAttr("middleName", false, "none"),
				stringAttr("honorificPrefix", false, "none"),
				stringAttr("honorificSuffix", false, "none"),
			}),
			stringAttr("displayName", false, "none"),
			stringAttr("nickName", false, "none"),
			stringAttr("profileUrl", false, "none"),
			stringAttr("title", false, "none"),
			stringAttr("userType", false, "none"),
			stringAttr("preferredLanguage", false, "none"),
			stringAttr("locale", false, "none"),
			stringAttr("timezone", false, "none"),
			{"name": "active", "type": "boolean", "multiValued": false, "required": false, "mutability": "readWrite", "returned": "default"},
			{"name": "password", "type": "string", "multiValued": false, "required": false, "mutability": "writeOnly", "returned": "never"},
			multiValuedAttr("emails"),
			multiValuedAttr("phoneNumbers"),
			multiValuedAttr("ims"),
			multiValuedAttr("photos"),
			multiValuedAttr("addresses"),
			{"name": "groups", "type": "complex", "multiValued": true, "required": false, "mutability": "readOnly", "returned": "default"},
			multiValuedAttr("entitlements"),
			multiValuedAttr("roles"),
			multiValuedAttr("x509Certificates"),
		},
		"meta": gin.H{
			"resourceType": "Schema",
			"location":     h.baseURL + "/Schemas/" + UserSchema,
		},
	}
}

func (h *HTTPHandler) groupSchemaDefinition() gin.H {
	return gin.H{
		"schemas":     []string{SchemaSchema},
		"id":          GroupSchema,
		"name":        "Group",
		"description": "Group",
		"attributes": []gin.H{
			stringAttr("displayName", true, "none"),
			{"name": "members", "type": "complex", "multiValued": true, "required": false, "mutability": "readWrite", "returned": "default"},
		},
		"meta": gin.H{
			"resourceType": "Schema",
			"location":     h.baseURL + "/Schemas/" + GroupSchema,
		},
	}
}

func stringAttr(name string, required bool, uniqueness string) gin.H {
	attr := gin.H{
		"name":        name,
		"type":        "string",
		"multiValued": false,
		"required":    required,
		"mutability":  "readWrite",
		"returned":    "default",
	}
	if uniqueness != "" {
		attr["uniqueness"] = uniqueness
	}
	return attr
}

func complexAttr(name string, required bool, sub []gin.H) gin.H {
	return gin.H{
		"name":          name,
		"type":          "complex",
		"multiValued":   false,
		"required":      required,
		"mutability":    "readWrite",
		"returned":      "default",
		"subAttributes": sub,
	}
}

func multiValuedAttr(name string) gin.H {
	return gin.H{
		"name":        name,
		"type":        "complex",
		"multiValued": true,
		"required":    false,
		"mutability":  "readWrite",
		"returned":    "default",
		"subAttributes": []gin.H{
			stringAttr("value", false, "none"),
			stringAttr("display", false, "none"),
			stringAttr("type", false, "none"),
			{"name": "primary", "type": "boolean", "multiValued": false, "required": false, "mutability": "readWrite", "returned": "default"},
		},
	}
}
