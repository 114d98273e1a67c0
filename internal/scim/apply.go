package scim

import (
	"encoding/json"
	"strings"
)

// ApplyPatchToUser applies patch operations to a user in memory and returns
// the patched resource. Backends that persist whole resources use this
// before writing the result back.
func ApplyPatchToUser(u *User, patch *PatchRequest) (*User, error) {
	obj, err := toObject(u)
	if err != nil {
		return nil, err
	}
	for i := range patch.Operations {
		if err := applyOperation(obj, &patch.Operations[i]); err != nil {
			return nil, err
		}
	}
	var out User
	if err := fromObject(obj, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ApplyPatchToGroup applies patch operations to a group in memory.
func ApplyPatchToGroup(g *Group, patch *PatchRequest) (*Group, error) {
	obj, err := toObject(g)
	if err != nil {
		return nil, err
	}
	for i := range patch.Operations {
		if err := applyOperation(obj, &patch.Operations[i]); err != nil {
			return nil, err
		}
	}
	var out Group
	if err := fromObject(obj, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func applyOperation(obj map[string]any, op *PatchOperation) error {
	if op.Path == "" {
		return applyPathless(obj, op)
	}
	path, err := ParsePath(op.Path)
	if err != nil {
		return err
	}
	if path.ValueFilter != nil {
		return applyQualified(obj, path, op)
	}
	if path.SubAttr != "" {
		return applySubAttr(obj, path, op)
	}
	return applyTopLevel(obj, path.Attribute, op)
}

// applyPathless merges a value object's fields into the resource.
func applyPathless(obj map[string]any, op *PatchOperation) error {
	fields, ok := op.Value.(map[string]any)
	if !ok {
		return InvalidInputf("patch %s without path requires an object value", op.Op)
	}
	for name, val := range fields {
		sub := &PatchOperation{Op: op.Op, Path: name, Value: val}
		if err := applyOperation(obj, sub); err != nil {
			return err
		}
	}
	return nil
}

func applyTopLevel(obj map[string]any, attr string, op *PatchOperation) error {
	key := findKey(obj, attr)
	switch op.Op {
	case PatchOpRemove:
		if key != "" {
			delete(obj, key)
		}
		return nil
	case PatchOpAdd:
		if key != "" {
			if existing, isList := obj[key].([]any); isList {
				obj[key] = append(existing, asList(op.Value)...)
				return nil
			}
		}
	case PatchOpReplace:
	default:
		return InvalidInputf("unknown patch op %q", op.Op)
	}
	if key == "" {
		key = attr
	}
	obj[key] = op.Value
	return nil
}

func applySubAttr(obj map[string]any, path AttrPath, op *PatchOperation) error {
	key := findKey(obj, path.Attribute)
	var nested map[string]any
	if key == "" {
		if op.Op == PatchOpRemove {
			return nil
		}
		key = path.Attribute
		nested = map[string]any{}
		obj[key] = nested
	} else {
		var ok bool
		nested, ok = obj[key].(map[string]any)
		if !ok {
			return InvalidInputf("patch path %s.%s does not address a complex attribute", path.Attribute, path.SubAttr)
		}
	}
	subKey := findKey(nested, path.SubAttr)
	if op.Op == PatchOpRemove {
		if subKey != "" {
			delete(nested, subKey)
		}
		return nil
	}
	if subKey == "" {
		subKey = path.SubAttr
	}
	nested[subKey] = op.Value
	return nil
}

// applyQualified applies an operation to the elements of a multi-valued
// attribute selected by the value filter.
func applyQualified(obj map[string]any, path AttrPath, op *PatchOperation) error {
	key := findKey(obj, path.Attribute)
	if key == "" {
		if op.Op == PatchOpRemove {
			return nil
		}
		return NoTargetf("patch path %s matched no values", op.Path)
	}
	list, ok := obj[key].([]any)
	if !ok {
		return InvalidInputf("patch path %s does not address a multi-valued attribute", path.Attribute)
	}

	if op.Op == PatchOpRemove && path.SubAttr == "" {
		kept := make([]any, 0, len(list))
		for _, item := range list {
			if m, isMap := item.(map[string]any); isMap && matchExpr(m, path.ValueFilter) {
				continue
			}
			kept = append(kept, item)
		}
		if len(kept) == 0 {
			delete(obj, key)
		} else {
			obj[key] = kept
		}
		return nil
	}

	matched := false
	for _, item := range list {
		m, isMap := item.(map[string]any)
		if !isMap || !matchExpr(m, path.ValueFilter) {
			continue
		}
		matched = true
		switch {
		case path.SubAttr == "":
			fields, isObj := op.Value.(map[string]any)
			if !isObj {
				return InvalidInputf("patch on filtered values requires an object value")
			}
			for name, val := range fields {
				k := findKey(m, name)
				if k == "" {
					k = name
				}
				m[k] = val
			}
		case op.Op == PatchOpRemove:
			if k := findKey(m, path.SubAttr); k != "" {
				delete(m, k)
			}
		default:
			k := findKey(m, path.SubAttr)
			if k == "" {
				k = path.SubAttr
			}
			m[k] = op.Value
		}
	}
	if !matched && op.Op != PatchOpRemove {
		return NoTargetf("patch path %s matched no values", op.Path)
	}
	return nil
}

// matchExpr evaluates a value filter against one element of a multi-valued
// attribute.
func matchExpr(item map[string]any, expr Expr) bool {
	switch e := expr.(type) {
	case *LogicalExpr:
		if e.Op == "and" {
			return matchExpr(item, e.Left) && matchExpr(item, e.Right)
		}
		return matchExpr(item, e.Left) || matchExpr(item, e.Right)
	case *NotExpr:
		return !matchExpr(item, e.Expr)
	case *CompareExpr:
		key := findKey(item, e.Path.Attribute)
		if key == "" {
			return false
		}
		have := CompareValueString(item[key])
		want := CompareValueString(e.Value)
		switch e.Op {
		case "pr":
			return have != ""
		case "eq":
			return strings.EqualFold(have, want)
		case "ne":
			return !strings.EqualFold(have, want)
		case "co":
			return strings.Contains(strings.ToLower(have), strings.ToLower(want))
		case "sw":
			return strings.HasPrefix(strings.ToLower(have), strings.ToLower(want))
		case "ew":
			return strings.HasSuffix(strings.ToLower(have), strings.ToLower(want))
		case "gt":
			return have > want
		case "ge":
			return have >= want
		case "lt":
			return have < want
		case "le":
			return have <= want
		}
	}
	return false
}

// findKey locates a map key case-insensitively and returns its canonical
// spelling, or empty when absent.
func findKey(obj map[string]any, name string) string {
	if _, ok := obj[name]; ok {
		return name
	}
	for k := range obj {
		if strings.EqualFold(k, name) {
			return k
		}
	}
	return ""
}

func asList(v any) []any {
	if list, ok := v.([]any); ok {
		return list
	}
	return []any{v}
}

func toObject(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, Infrastructuref("patch apply: %v", err)
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, Infrastructuref("patch apply: %v", err)
	}
	return obj, nil
}

func fromObject(obj map[string]any, dst any) error {
	raw, err := json.Marshal(obj)
	if err != nil {
		return Infrastructuref("patch apply: %v", err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return InvalidInputf("patched resource is malformed: %v", err)
	}
	return nil
}
