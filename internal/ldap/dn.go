package ldap

import (
	"strings"

	"github.com/google/uuid"
)

const entryUUIDAttr = "entryUUID"

// EscapeRDNValue escapes a value for use inside a relative distinguished
// name per RFC 4514. Leading/trailing spaces and a leading '#' are escaped
// in addition to the special character set.
func EscapeRDNValue(value string) string {
	if value == "" {
		return value
	}
	var sb strings.Builder
	sb.Grow(len(value))
	for i := 0; i < len(value); i++ {
		c := value[i]
		switch c {
		case ',', '=', '+', '<', '>', '#', ';', '\\', '"':
			sb.WriteByte('\\')
			sb.WriteByte(c)
		case ' ':
			if i == 0 || i == len(value)-1 {
				sb.WriteByte('\\')
			}
			sb.WriteByte(c)
		default:
			sb.WriteByte(c)
		}
	}
	return sb.String()
}

// UnescapeRDNValue reverses EscapeRDNValue.
func UnescapeRDNValue(value string) string {
	var sb strings.Builder
	sb.Grow(len(value))
	for i := 0; i < len(value); i++ {
		if value[i] == '\\' && i+1 < len(value) {
			i++
		}
		sb.WriteByte(value[i])
	}
	return sb.String()
}

// RDN renders a single attr=value pair with the value escaped.
func RDN(attr, value string) string {
	return attr + "=" + EscapeRDNValue(value)
}

// DNFromID builds the entryUUID-named DN for a resource id under base.
// Only valid when the directory names entries by entryUUID.
func DNFromID(id, base string) string {
	return entryUUIDAttr + "=" + id + "," + base
}

// IDFromDN extracts the resource id from an entryUUID-named DN. Returns
// false when the leading RDN is not an entryUUID with a UUID-shaped value.
func IDFromDN(dn string) (string, bool) {
	rdn := firstRDN(dn)
	i := strings.Index(rdn, "=")
	if i < 0 {
		return "", false
	}
	if !strings.EqualFold(strings.TrimSpace(rdn[:i]), entryUUIDAttr) {
		return "", false
	}
	val := UnescapeRDNValue(strings.TrimSpace(rdn[i+1:]))
	if _, err := uuid.Parse(val); err != nil {
		return "", false
	}
	return val, true
}

// FirstRDNValue returns the unescaped value of the leading RDN, used for
// display names when resolving member DNs.
func FirstRDNValue(dn string) string {
	rdn := firstRDN(dn)
	if i := strings.Index(rdn, "="); i >= 0 {
		return UnescapeRDNValue(strings.TrimSpace(rdn[i+1:]))
	}
	return ""
}

// firstRDN returns the leading RDN of a DN, honoring escaped commas.
func firstRDN(dn string) string {
	for i := 0; i < len(dn); i++ {
		switch dn[i] {
		case '\\':
			i++
		case ',':
			return dn[:i]
		}
	}
	return dn
}

// UnderBase reports whether dn sits under base, compared case-insensitively.
func UnderBase(dn, base string) bool {
	return strings.HasSuffix(strings.ToLower(dn), strings.ToLower(base))
}
