package scim

import (
	"encoding/json"
	"strings"
)

// Attribute names that are returned regardless of the requested projection.
var alwaysReturned = map[string]bool{
	"schemas": true,
	"id":      true,
}

// Project applies the attributes / excludedAttributes projection to a
// resource and returns it as a generic JSON object. With no projection the
// resource is returned unchanged. Attribute names match case-insensitively
// and may address sub-attributes with dots, e.g. name.familyName.
func Project(resource any, attributes, excluded []string) (any, error) {
	if len(attributes) == 0 && len(excluded) == 0 {
		return resource, nil
	}
	raw, err := json.Marshal(resource)
	if err != nil {
		return nil, Infrastructuref("projection: %v", err)
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, Infrastructuref("projection: %v", err)
	}

	if len(attributes) > 0 {
		return projectInclude(obj, attributes), nil
	}
	return projectExclude(obj, excluded), nil
}

func projectInclude(obj map[string]any, attributes []string) map[string]any {
	keep := map[string][]string{} // lowercased top-level -> sub-attrs ("" = whole)
	for _, a := range attributes {
		top, sub := splitAttr(a)
		if sub == "" {
			keep[top] = nil
			continue
		}
		if subs, seen := keep[top]; !seen || subs != nil {
			keep[top] = append(keep[top], sub)
		}
	}

	out := map[string]any{}
	for key, val := range obj {
		lk := strings.ToLower(key)
		if alwaysReturned[lk] || lk == "meta" {
			out[key] = val
			continue
		}
		subs, ok := keep[lk]
		if !ok {
			continue
		}
		if subs == nil {
			out[key] = val
			continue
		}
		if nested, isObj := val.(map[string]any); isObj {
			out[key] = filterSubAttrs(nested, subs)
		} else {
			out[key] = val
		}
	}
	return out
}

func projectExclude(obj map[string]any, excluded []string) map[string]any {
	drop := map[string][]string{}
	for _, a := range excluded {
		top, sub := splitAttr(a)
		if sub == "" {
			drop[top] = nil
			continue
		}
		drop[top] = append(drop[top], sub)
	}

	out := map[string]any{}
	for key, val := range obj {
		lk := strings.ToLower(key)
		subs, ok := drop[lk]
		if ok && subs == nil && !alwaysReturned[lk] {
			continue
		}
		if ok && subs != nil {
			if nested, isObj := val.(map[string]any); isObj {
				val = removeSubAttrs(nested, subs)
			}
		}
		out[key] = val
	}
	return out
}

func filterSubAttrs(obj map[string]any, subs []string) map[string]any {
	out := map[string]any{}
	for key, val := range obj {
		for _, sub := range subs {
			if strings.EqualFold(key, sub) {
				out[key] = val
				break
			}
		}
	}
	return out
}

func removeSubAttrs(obj map[string]any, subs []string) map[string]any {
	out := map[string]any{}
	for key, val := range obj {
		dropped := false
		for _, sub := range subs {
			if strings.EqualFold(key, sub) {
				dropped = true
				break
			}
		}
		if !dropped {
			out[key] = val
		}
	}
	return out
}

func splitAttr(a string) (top, sub string) {
	a = strings.ToLower(strings.TrimSpace(a))
	// Strip a schema URN prefix such as urn:...:User:userName.
	if i := strings.LastIndex(a, ":"); i >= 0 {
		a = a[i+1:]
	}
	if i := strings.Index(a, "."); i > 0 {
		return a[:i], a[i+1:]
	}
	return a, ""
}
