package scim

import (
	"encoding/json"
	"strings"
)

// Patch operation names after normalization.
const (
	PatchOpAdd     = "add"
	PatchOpRemove  = "remove"
	PatchOpReplace = "replace"
)

// Validate checks the request envelope and normalizes operation names to
// lower case. Remove operations must carry a path.
func (r *PatchRequest) Validate() error {
	if len(r.Operations) == 0 {
		return InvalidInputf("patch request has no operations")
	}
	for i := range r.Operations {
		op := &r.Operations[i]
		op.Op = strings.ToLower(op.Op)
		switch op.Op {
		case PatchOpAdd, PatchOpReplace:
			if op.Path == "" && op.Value == nil {
				return InvalidInputf("patch op %d: %s without path requires a value object", i, op.Op)
			}
		case PatchOpRemove:
			if op.Path == "" {
				return InvalidInputf("patch op %d: remove requires a path", i)
			}
		default:
			return InvalidInputf("patch op %d: unknown op %q", i, op.Op)
		}
	}
	return nil
}

// ParsePath parses a PATCH path: attr, attr.sub, attr[valFilter], or
// attr[valFilter].sub. The value filter grammar is the same as filter
// expressions.
func ParsePath(path string) (AttrPath, error) {
	if strings.TrimSpace(path) == "" {
		return AttrPath{}, InvalidInputf("empty patch path")
	}
	p := &filterParser{input: path}
	p.next()
	if p.tok.kind != tokIdent {
		return AttrPath{}, InvalidInputf("patch path must start with an attribute name")
	}
	out := AttrPath{Attribute: p.tok.text}
	p.next()

	if p.tok.kind == tokLBracket {
		p.next()
		valFilter, err := p.parseOr()
		if err != nil {
			return AttrPath{}, err
		}
		if p.tok.kind != tokRBracket {
			return AttrPath{}, InvalidInputf("patch path missing ] in %q", path)
		}
		out.ValueFilter = valFilter
		p.next()
		if p.tok.kind == tokIdent && strings.HasPrefix(p.tok.text, ".") {
			out.SubAttr = strings.TrimPrefix(p.tok.text, ".")
			p.next()
		}
	} else if i := strings.Index(out.Attribute, "."); i > 0 {
		out.SubAttr = out.Attribute[i+1:]
		out.Attribute = out.Attribute[:i]
	}

	if p.tok.kind != tokEOF {
		return AttrPath{}, InvalidInputf("trailing %q in patch path %q", p.tok.text, path)
	}
	return out, nil
}

// RemovePredicate extracts the sub-attribute equality predicate from a
// value-filtered remove path such as members[value eq "X"]. Only a single
// eq comparison is supported as a predicate.
func RemovePredicate(path AttrPath) (field, value string, ok bool) {
	cmp, isCmp := path.ValueFilter.(*CompareExpr)
	if !isCmp || cmp.Op != "eq" {
		return "", "", false
	}
	s, isStr := cmp.Value.(string)
	if !isStr {
		return "", "", false
	}
	return cmp.Path.Attribute, s, true
}

// decodeValue remarshals a decoded JSON value into dst. Patch values arrive
// as any; this converts them to the typed shapes the backends work with.
func decodeValue(v any, dst any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return InvalidInputf("patch value: %v", err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return InvalidInputf("patch value: %v", err)
	}
	return nil
}

// MembersValue decodes a patch value into group members. Accepts a single
// member object or a list of them.
func MembersValue(v any) ([]Member, error) {
	switch v.(type) {
	case []any:
		var members []Member
		if err := decodeValue(v, &members); err != nil {
			return nil, err
		}
		return members, nil
	default:
		var member Member
		if err := decodeValue(v, &member); err != nil {
			return nil, err
		}
		return []Member{member}, nil
	}
}

// StringValue coerces a patch value to its string form. Booleans and numbers
// are rendered canonically so they can be stored as directory attribute
// values.
func StringValue(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case bool, float64:
		return CompareValueString(t), nil
	default:
		return "", InvalidInputf("patch value must be a simple value, got %T", v)
	}
}

// BoolValue coerces a patch value to bool, accepting JSON booleans and their
// string forms.
func BoolValue(v any) (bool, error) {
	switch t := v.(type) {
	case bool:
		return t, nil
	case string:
		switch strings.ToLower(t) {
		case "true":
			return true, nil
		case "false":
			return false, nil
		}
	}
	return false, InvalidInputf("patch value must be boolean, got %v", v)
}

// UserValue decodes a pathless patch value into a partial User.
func UserValue(v any) (*User, error) {
	var u User
	if err := decodeValue(v, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// GroupValue decodes a pathless patch value into a partial Group.
func GroupValue(v any) (*Group, error) {
	var g Group
	if err := decodeValue(v, &g); err != nil {
		return nil, err
	}
	return &g, nil
}
