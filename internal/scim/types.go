package scim

import "time"

// SCIM 2.0 schema URNs.
const (
	UserSchema     = "urn:ietf:params:scim:schemas:core:2.0:User"
	GroupSchema    = "urn:ietf:params:scim:schemas:core:2.0:Group"
	ListSchema     = "urn:ietf:params:scim:api:messages:2.0:ListResponse"
	ErrorSchema    = "urn:ietf:params:scim:api:messages:2.0:Error"
	PatchSchema    = "urn:ietf:params:scim:api:messages:2.0:PatchOp"
	SearchSchema   = "urn:ietf:params:scim:api:messages:2.0:SearchRequest"
	BulkSchema     = "urn:ietf:params:scim:api:messages:2.0:BulkRequest"
	BulkRespSchema = "urn:ietf:params:scim:api:messages:2.0:BulkResponse"
)

// User is a SCIM 2.0 User resource.
type User struct {
	Schemas           []string          `json:"schemas"`
	ID                string            `json:"id,omitempty"`
	ExternalID        string            `json:"externalId,omitempty"`
	UserName          string            `json:"userName"`
	Name              *Name             `json:"name,omitempty"`
	DisplayName       string            `json:"displayName,omitempty"`
	NickName          string            `json:"nickName,omitempty"`
	ProfileURL        string            `json:"profileUrl,omitempty"`
	Title             string            `json:"title,omitempty"`
	UserType          string            `json:"userType,omitempty"`
	PreferredLanguage string            `json:"preferredLanguage,omitempty"`
	Locale            string            `json:"locale,omitempty"`
	Timezone          string            `json:"timezone,omitempty"`
	Active            *bool             `json:"active,omitempty"`
	Password          string            `json:"password,omitempty"`
	Emails            []Email           `json:"emails,omitempty"`
	PhoneNumbers      []PhoneNumber     `json:"phoneNumbers,omitempty"`
	IMs               []IM              `json:"ims,omitempty"`
	Photos            []Photo           `json:"photos,omitempty"`
	Addresses         []Address         `json:"addresses,omitempty"`
	Groups            []GroupRef        `json:"groups,omitempty"`
	Entitlements      []Entitlement     `json:"entitlements,omitempty"`
	Roles             []Role            `json:"roles,omitempty"`
	X509Certificates  []X509Certificate `json:"x509Certificates,omitempty"`
	Meta              *Meta             `json:"meta,omitempty"`
}

// Group is a SCIM 2.0 Group resource.
type Group struct {
	Schemas     []string `json:"schemas"`
	ID          string   `json:"id,omitempty"`
	ExternalID  string   `json:"externalId,omitempty"`
	DisplayName string   `json:"displayName"`
	Members     []Member `json:"members,omitempty"`
	Meta        *Meta    `json:"meta,omitempty"`
}

// Name is the structured name sub-attribute of a User.
type Name struct {
	Formatted       string `json:"formatted,omitempty"`
	FamilyName      string `json:"familyName,omitempty"`
	GivenName       string `json:"givenName,omitempty"`
	MiddleName      string `json:"middleName,omitempty"`
	HonorificPrefix string `json:"honorificPrefix,omitempty"`
	HonorificSuffix string `json:"honorificSuffix,omitempty"`
}

// Email is one element of the multi-valued emails attribute.
type Email struct {
	Value   string `json:"value,omitempty"`
	Display string `json:"display,omitempty"`
	Type    string `json:"type,omitempty"`
	Primary bool   `json:"primary,omitempty"`
}

// PhoneNumber is one element of the multi-valued phoneNumbers attribute.
type PhoneNumber struct {
	Value   string `json:"value,omitempty"`
	Display string `json:"display,omitempty"`
	Type    string `json:"type,omitempty"`
	Primary bool   `json:"primary,omitempty"`
}

// IM is one element of the multi-valued ims attribute.
type IM struct {
	Value   string `json:"value,omitempty"`
	Display string `json:"display,omitempty"`
	Type    string `json:"type,omitempty"`
	Primary bool   `json:"primary,omitempty"`
}

// Photo is one element of the multi-valued photos attribute.
type Photo struct {
	Value   string `json:"value,omitempty"`
	Display string `json:"display,omitempty"`
	Type    string `json:"type,omitempty"`
	Primary bool   `json:"primary,omitempty"`
}

// Address is one element of the multi-valued addresses attribute.
type Address struct {
	Formatted     string `json:"formatted,omitempty"`
	StreetAddress string `json:"streetAddress,omitempty"`
	Locality      string `json:"locality,omitempty"`
	Region        string `json:"region,omitempty"`
	PostalCode    string `json:"postalCode,omitempty"`
	Country       string `json:"country,omitempty"`
	Type          string `json:"type,omitempty"`
	Primary       bool   `json:"primary,omitempty"`
}

// Role is one element of the multi-valued roles attribute.
type Role struct {
	Value   string `json:"value,omitempty"`
	Display string `json:"display,omitempty"`
	Type    string `json:"type,omitempty"`
	Primary bool   `json:"primary,omitempty"`
}

// Entitlement is one element of the multi-valued entitlements attribute.
type Entitlement struct {
	Value   string `json:"value,omitempty"`
	Display string `json:"display,omitempty"`
	Type    string `json:"type,omitempty"`
	Primary bool   `json:"primary,omitempty"`
}

// X509Certificate is one element of the multi-valued x509Certificates attribute.
type X509Certificate struct {
	Value   string `json:"value,omitempty"`
	Display string `json:"display,omitempty"`
	Type    string `json:"type,omitempty"`
	Primary bool   `json:"primary,omitempty"`
}

// GroupRef is a read-only reference from a User to a Group it belongs to.
type GroupRef struct {
	Value   string `json:"value,omitempty"`
	Ref     string `json:"$ref,omitempty"`
	Display string `json:"display,omitempty"`
	Type    string `json:"type,omitempty"`
}

// Member is one element of a Group's members attribute. Value carries the
// member's SCIM id.
type Member struct {
	Value   string `json:"value,omitempty"`
	Ref     string `json:"$ref,omitempty"`
	Display string `json:"display,omitempty"`
	Type    string `json:"type,omitempty"`
}

// Meta is the server-assigned metadata block of a resource.
type Meta struct {
	ResourceType string     `json:"resourceType,omitempty"`
	Created      *time.Time `json:"created,omitempty"`
	LastModified *time.Time `json:"lastModified,omitempty"`
	Location     string     `json:"location,omitempty"`
	Version      string     `json:"version,omitempty"`
}

// ListResponse is a SCIM list/query response envelope.
type ListResponse struct {
	Schemas      []string `json:"schemas"`
	TotalResults int      `json:"totalResults"`
	StartIndex   int      `json:"startIndex"`
	ItemsPerPage int      `json:"itemsPerPage"`
	Resources    []any    `json:"Resources"`
}

// PatchRequest is a SCIM PATCH request body.
type PatchRequest struct {
	Schemas    []string         `json:"schemas"`
	Operations []PatchOperation `json:"Operations"`
}

// PatchOperation is a single add/remove/replace instruction.
type PatchOperation struct {
	Op    string `json:"op"`
	Path  string `json:"path,omitempty"`
	Value any    `json:"value,omitempty"`
}

// SearchRequest is the POST /.search request body.
type SearchRequest struct {
	Schemas            []string `json:"schemas"`
	Filter             string   `json:"filter,omitempty"`
	SortBy             string   `json:"sortBy,omitempty"`
	SortOrder          string   `json:"sortOrder,omitempty"`
	StartIndex         int      `json:"startIndex,omitempty"`
	Count              *int     `json:"count,omitempty"`
	Attributes         []string `json:"attributes,omitempty"`
	ExcludedAttributes []string `json:"excludedAttributes,omitempty"`
}

// ErrorResponse is a SCIM error body.
type ErrorResponse struct {
	Schemas  []string `json:"schemas"`
	Status   string   `json:"status"`
	ScimType string   `json:"scimType,omitempty"`
	Detail   string   `json:"detail,omitempty"`
}

// BulkRequest is the POST /Bulk request body.
type BulkRequest struct {
	Schemas      []string        `json:"schemas"`
	FailOnErrors int             `json:"failOnErrors,omitempty"`
	Operations   []BulkOperation `json:"Operations"`
}

// BulkOperation is one operation of a bulk request or response.
type BulkOperation struct {
	Method   string `json:"method"`
	Path     string `json:"path,omitempty"`
	BulkID   string `json:"bulkId,omitempty"`
	Version  string `json:"version,omitempty"`
	Data     any    `json:"data,omitempty"`
	Location string `json:"location,omitempty"`
	Response any    `json:"response,omitempty"`
	Status   string `json:"status,omitempty"`
}

// BulkResponse is the POST /Bulk response body.
type BulkResponse struct {
	Schemas    []string        `json:"schemas"`
	Operations []BulkOperation `json:"Operations"`
}
