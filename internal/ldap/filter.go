package ldap

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	goldap "github.com/go-ldap/ldap/v3"
	"go.uber.org/zap"

	"github.com/dhawalhost/scimgate/internal/scim"
)

// alwaysFalse is the RFC 4526 empty OR, matching no entry. Unmappable
// attribute paths translate to it so a bad filter narrows results instead
// of widening them.
const alwaysFalse = "(|)"

// jsonMatchingRule is the extensible matching rule evaluating a JSON object
// filter against JSON-valued attributes.
const jsonMatchingRule = "jsonObjectFilterExtensibleMatch"

// userAttrMap maps lower-cased user paths to directory attributes.
var userAttrMap = map[string]string{
	"id":                      "entryUUID",
	"externalid":              "scimExternalId",
	"username":                "uid",
	"displayname":             "cn",
	"name.formatted":          "cn",
	"name.familyname":         "sn",
	"name.givenname":          "givenName",
	"name.middlename":         "scimMiddleName",
	"name.honorificprefix":    "personalTitle",
	"name.honorificsuffix":    "scimHonorificSuffix",
	"nickname":                "scimNickName",
	"profileurl":              "scimProfileUrl",
	"title":                   "title",
	"usertype":                "employeeType",
	"preferredlanguage":       "preferredLanguage",
	"locale":                  "scimLocale",
	"timezone":                "scimTimezone",
	"active":                  "scimActive",
	"emails.value":            "mail",
	"emails":                  "mail",
	"phonenumbers.value":      "telephoneNumber",
	"addresses.streetaddress": "street",
	"addresses.locality":      "l",
	"addresses.region":        "st",
	"addresses.postalcode":    "postalCode",
	"addresses.country":       "c",
	"meta.created":            "createTimestamp",
	"meta.lastmodified":       "modifyTimestamp",
}

// groupAttrMap maps lower-cased group paths to directory attributes.
var groupAttrMap = map[string]string{
	"id":                "entryUUID",
	"externalid":        "scimExternalId",
	"displayname":       "cn",
	"members":           "member",
	"members.value":     "member",
	"meta.created":      "createTimestamp",
	"meta.lastmodified": "modifyTimestamp",
}

// jsonAttrMap maps multi-valued complex attributes to their JSON-valued
// directory attributes, used for qualified value paths.
var jsonAttrMap = map[string]string{
	"emails":           "scimEmails",
	"phonenumbers":     "scimPhoneNumbers",
	"addresses":        "scimAddresses",
	"ims":              "scimIms",
	"photos":           "scimPhotos",
	"roles":            "scimRoles",
	"entitlements":     "scimEntitlements",
	"x509certificates": "scimX509Certificates",
}

// memberResolver resolves a SCIM id to the member's DN.
type memberResolver interface {
	DNFromID(ctx context.Context, id string) (string, error)
}

// Translator converts parsed SCIM filter expressions into directory filter
// strings. Translation is deterministic for a given expression and directory
// state.
type Translator struct {
	log      *zap.Logger
	resolver memberResolver
}

// NewTranslator returns a translator using resolver for member lookups.
func NewTranslator(log *zap.Logger, resolver memberResolver) *Translator {
	return &Translator{log: log, resolver: resolver}
}

// UserFilter translates a user filter expression.
func (t *Translator) UserFilter(ctx context.Context, expr scim.Expr) (string, error) {
	return t.translate(ctx, expr, userAttrMap, false)
}

// GroupFilter translates a group filter expression.
func (t *Translator) GroupFilter(ctx context.Context, expr scim.Expr) (string, error) {
	return t.translate(ctx, expr, groupAttrMap, true)
}

func (t *Translator) translate(ctx context.Context, expr scim.Expr, attrMap map[string]string, group bool) (string, error) {
	switch e := expr.(type) {
	case *scim.LogicalExpr:
		left, err := t.translate(ctx, e.Left, attrMap, group)
		if err != nil {
			return "", err
		}
		right, err := t.translate(ctx, e.Right, attrMap, group)
		if err != nil {
			return "", err
		}
		if e.Op == "and" {
			return "(&" + left + right + ")", nil
		}
		return "(|" + left + right + ")", nil
	case *scim.NotExpr:
		inner, err := t.translate(ctx, e.Expr, attrMap, group)
		if err != nil {
			return "", err
		}
		return "(!" + inner + ")", nil
	case *scim.CompareExpr:
		return t.compare(ctx, e, attrMap, group)
	default:
		return "", scim.InvalidInputf("unsupported filter node %T", expr)
	}
}

func (t *Translator) compare(ctx context.Context, e *scim.CompareExpr, attrMap map[string]string, group bool) (string, error) {
	// Qualified value paths on complex multi-valued attributes use the JSON
	// object matching rule; qualified member paths resolve ids to DNs.
	if e.Path.ValueFilter != nil {
		if group && strings.EqualFold(e.Path.Attribute, "members") {
			return t.memberQualifierFilter(ctx, e)
		}
		if jsonAttr, ok := jsonAttrMap[strings.ToLower(e.Path.Attribute)]; ok {
			return t.jsonQualifiedFilter(jsonAttr, e)
		}
		t.log.Warn("value path on unmapped attribute", zap.String("attribute", e.Path.Attribute))
		return alwaysFalse, nil
	}

	attr, ok := attrMap[strings.ToLower(e.Path.String())]
	if !ok {
		t.log.Warn("no directory mapping for filter attribute", zap.String("path", e.Path.String()))
		return alwaysFalse, nil
	}

	value := scim.CompareValueString(e.Value)
	if attr == "member" {
		value = t.memberValue(ctx, value)
	}
	if attr == "createTimestamp" || attr == "modifyTimestamp" {
		value = toGeneralizedTime(value)
	}
	escaped := goldap.EscapeFilter(value)

	switch e.Op {
	case "eq":
		return "(" + attr + "=" + escaped + ")", nil
	case "ne":
		return "(!(" + attr + "=" + escaped + "))", nil
	case "co":
		return "(" + attr + "=*" + escaped + "*)", nil
	case "sw":
		return "(" + attr + "=" + escaped + "*)", nil
	case "ew":
		return "(" + attr + "=*" + escaped + ")", nil
	case "pr":
		return "(" + attr + "=*)", nil
	case "gt", "ge":
		// The directory offers only inclusive ordering matches.
		return "(" + attr + ">=" + escaped + ")", nil
	case "lt", "le":
		return "(" + attr + "<=" + escaped + ")", nil
	default:
		return "", scim.InvalidInputf("unsupported filter operator %q", e.Op)
	}
}

// memberValue resolves a member id to its DN, keeping the raw value when
// resolution fails so the filter still parses.
func (t *Translator) memberValue(ctx context.Context, id string) string {
	dn, err := t.resolver.DNFromID(ctx, id)
	if err != nil {
		t.log.Warn("could not resolve member id to DN", zap.String("id", id), zap.Error(err))
		return id
	}
	return dn
}

// memberQualifierFilter handles members[value eq "id"] style paths.
func (t *Translator) memberQualifierFilter(ctx context.Context, e *scim.CompareExpr) (string, error) {
	field, id, ok := scim.RemovePredicate(e.Path)
	if !ok || !strings.EqualFold(field, "value") {
		t.log.Warn("unsupported members qualifier")
		return alwaysFalse, nil
	}
	dn := t.memberValue(ctx, id)
	return "(member=" + goldap.EscapeFilter(dn) + ")", nil
}

// jsonQualifiedFilter builds an extensible match for a qualified value path,
// combining the qualifier predicates with the outer comparison into one JSON
// object filter.
func (t *Translator) jsonQualifiedFilter(jsonAttr string, e *scim.CompareExpr) (string, error) {
	qualifier, ok := t.jsonNode(e.Path.ValueFilter)
	if !ok {
		return alwaysFalse, nil
	}

	nodes := []map[string]any{qualifier}
	if e.Path.SubAttr != "" {
		outer, ok := t.jsonLeaf(e.Path.SubAttr, e.Op, e.Value)
		if !ok {
			return alwaysFalse, nil
		}
		nodes = append(nodes, outer)
	} else if e.Op != "pr" {
		t.log.Warn("qualified path without sub-attribute supports only pr", zap.String("op", e.Op))
		return alwaysFalse, nil
	}

	var filterObj map[string]any
	if len(nodes) == 1 {
		filterObj = nodes[0]
	} else {
		filterObj = map[string]any{"filterType": "and", "andFilters": nodes}
	}
	raw, err := json.Marshal(filterObj)
	if err != nil {
		return "", scim.Infrastructuref("encode json filter: %v", err)
	}
	return "(" + jsonAttr + ":" + jsonMatchingRule + ":=" + goldap.EscapeFilter(string(raw)) + ")", nil
}

// jsonNode converts a qualifier expression into a JSON object filter node.
// Supported: eq, co, and and/or combinations of them.
func (t *Translator) jsonNode(expr scim.Expr) (map[string]any, bool) {
	switch e := expr.(type) {
	case *scim.CompareExpr:
		return t.jsonLeaf(e.Path.Attribute, e.Op, e.Value)
	case *scim.LogicalExpr:
		left, lok := t.jsonNode(e.Left)
		right, rok := t.jsonNode(e.Right)
		if !lok || !rok {
			return nil, false
		}
		if e.Op == "and" {
			return map[string]any{"filterType": "and", "andFilters": []map[string]any{left, right}}, true
		}
		return map[string]any{"filterType": "or", "orFilters": []map[string]any{left, right}}, true
	default:
		t.log.Warn("unsupported qualifier expression in value path")
		return nil, false
	}
}

func (t *Translator) jsonLeaf(field, op string, value any) (map[string]any, bool) {
	switch op {
	case "eq":
		return map[string]any{"filterType": "equals", "field": field, "value": scim.CompareValueString(value)}, true
	case "co":
		return map[string]any{"filterType": "contains", "field": field, "value": scim.CompareValueString(value)}, true
	default:
		t.log.Warn("unsupported operator in json object filter", zap.String("op", op))
		return nil, false
	}
}

// toGeneralizedTime converts an ISO 8601 instant into generalized time for
// comparison against operational timestamp attributes. Unparseable values
// pass through untouched.
func toGeneralizedTime(value string) string {
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return value
	}
	return t.UTC().Format("20060102150405Z")
}
