package ldap

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	goldap "github.com/go-ldap/ldap/v3"
	"go.uber.org/zap"

	"github.com/dhawalhost/scimgate/internal/scim"
)

// Object classes for the two resource types. scimUser and scimGroup are the
// auxiliary classes holding the scim* attributes.
var (
	userObjectClasses  = []string{"top", "person", "organizationalPerson", "inetOrgPerson", "scimUser"}
	groupObjectClasses = []string{"top", "groupOfNames", "scimGroup"}
)

// Attributes requested on user searches, including the operational ones
// carrying identity and timestamps and the virtual memberOf.
var userRequestAttributes = []string{
	"uid", "cn", "sn", "givenName", "displayName", "mail",
	"telephoneNumber", "mobile", "homePhone", "facsimileTelephoneNumber", "pager",
	"street", "l", "st", "postalCode", "c",
	"title", "employeeType", "preferredLanguage", "personalTitle",
	"scimExternalId", "scimMiddleName", "scimHonorificSuffix", "scimNickName",
	"scimProfileUrl", "scimLocale", "scimTimezone", "scimActive",
	"scimEmails", "scimPhoneNumbers", "scimAddresses", "scimIms", "scimPhotos",
	"scimRoles", "scimEntitlements", "scimX509Certificates", "scimResourceType",
	"entryUUID", "createTimestamp", "modifyTimestamp", "memberOf",
}

// Attributes requested on group searches.
var groupRequestAttributes = []string{
	"cn", "member", "scimExternalId", "scimResourceType",
	"entryUUID", "createTimestamp", "modifyTimestamp",
}

// Mapper converts between SCIM resources and directory entries. Multi-valued
// complex attributes are carried as one JSON document per directory attribute
// value; frequently queried fields are mirrored into standard inetOrgPerson
// attributes as well.
type Mapper struct {
	log *zap.Logger
}

// NewMapper returns a mapper logging decode problems to log.
func NewMapper(log *zap.Logger) *Mapper {
	return &Mapper{log: log}
}

// UserToAttributes renders a User as directory attributes. The entry's DN
// and identity attributes are the repository's concern.
func (m *Mapper) UserToAttributes(u *scim.User) map[string][]string {
	attrs := map[string][]string{
		"objectClass":      userObjectClasses,
		"scimResourceType": {"User"},
	}
	setIf(attrs, "scimExternalId", u.ExternalID)
	setIf(attrs, "uid", u.UserName)

	switch {
	case u.DisplayName != "":
		attrs["cn"] = []string{u.DisplayName}
		attrs["displayName"] = []string{u.DisplayName}
	case u.Name != nil && u.Name.Formatted != "":
		attrs["cn"] = []string{u.Name.Formatted}
	case u.UserName != "":
		attrs["cn"] = []string{u.UserName}
	}

	if u.Name != nil {
		setIf(attrs, "sn", u.Name.FamilyName)
		setIf(attrs, "givenName", u.Name.GivenName)
		setIf(attrs, "scimMiddleName", u.Name.MiddleName)
		setIf(attrs, "personalTitle", u.Name.HonorificPrefix)
		setIf(attrs, "scimHonorificSuffix", u.Name.HonorificSuffix)
	}
	// sn is mandatory for person entries.
	if _, ok := attrs["sn"]; !ok {
		if u.UserName != "" {
			attrs["sn"] = []string{u.UserName}
		} else {
			attrs["sn"] = []string{"Unknown"}
		}
	}

	setIf(attrs, "scimNickName", u.NickName)
	setIf(attrs, "scimProfileUrl", u.ProfileURL)
	setIf(attrs, "title", u.Title)
	setIf(attrs, "employeeType", u.UserType)
	setIf(attrs, "preferredLanguage", u.PreferredLanguage)
	setIf(attrs, "scimLocale", u.Locale)
	setIf(attrs, "scimTimezone", u.Timezone)
	if u.Active != nil {
		attrs["scimActive"] = []string{fmt.Sprintf("%t", *u.Active)}
	}
	setIf(attrs, "userPassword", u.Password)

	if len(u.Emails) > 0 {
		primary := u.Emails[0]
		for _, e := range u.Emails {
			if e.Primary {
				primary = e
				break
			}
		}
		setIf(attrs, "mail", primary.Value)
		m.encodeJSONValues(attrs, "scimEmails", toAnySlice(u.Emails))
	}

	if len(u.PhoneNumbers) > 0 {
		for _, ph := range u.PhoneNumbers {
			if ph.Value == "" || ph.Type == "" {
				continue
			}
			if mirror, ok := phoneMirror[strings.ToLower(ph.Type)]; ok {
				if _, taken := attrs[mirror]; !taken {
					attrs[mirror] = []string{ph.Value}
				}
			}
		}
		m.encodeJSONValues(attrs, "scimPhoneNumbers", toAnySlice(u.PhoneNumbers))
	}

	if len(u.Addresses) > 0 {
		work := u.Addresses[0]
		for _, a := range u.Addresses {
			if strings.EqualFold(a.Type, "work") {
				work = a
				break
			}
		}
		setIf(attrs, "street", work.StreetAddress)
		setIf(attrs, "l", work.Locality)
		setIf(attrs, "st", work.Region)
		setIf(attrs, "postalCode", work.PostalCode)
		setIf(attrs, "c", work.Country)
		m.encodeJSONValues(attrs, "scimAddresses", toAnySlice(u.Addresses))
	}

	m.encodeJSONValues(attrs, "scimIms", toAnySlice(u.IMs))
	m.encodeJSONValues(attrs, "scimPhotos", toAnySlice(u.Photos))
	m.encodeJSONValues(attrs, "scimRoles", toAnySlice(u.Roles))
	m.encodeJSONValues(attrs, "scimEntitlements", toAnySlice(u.Entitlements))
	m.encodeJSONValues(attrs, "scimX509Certificates", toAnySlice(u.X509Certificates))

	return attrs
}

// phoneMirror maps SCIM phone types to standard directory attributes. The
// first number of each type wins the mirror; all numbers land in
// scimPhoneNumbers regardless.
var phoneMirror = map[string]string{
	"work":   "telephoneNumber",
	"mobile": "mobile",
	"home":   "homePhone",
	"fax":    "facsimileTelephoneNumber",
	"pager":  "pager",
}

// EntryToUser converts a directory entry to a User. The id comes from the
// entryUUID attribute, falling back to an entryUUID-named DN.
func (m *Mapper) EntryToUser(entry *goldap.Entry) *scim.User {
	u := &scim.User{Schemas: []string{scim.UserSchema}}

	u.ID = entry.GetAttributeValue("entryUUID")
	if u.ID == "" {
		if id, ok := IDFromDN(entry.DN); ok {
			u.ID = id
		} else {
			m.log.Warn("entry has no resolvable id", zap.String("dn", entry.DN))
		}
	}

	u.ExternalID = entry.GetAttributeValue("scimExternalId")
	u.UserName = entry.GetAttributeValue("uid")
	u.DisplayName = entry.GetAttributeValue("displayName")

	name := &scim.Name{
		FamilyName:      entry.GetAttributeValue("sn"),
		GivenName:       entry.GetAttributeValue("givenName"),
		MiddleName:      entry.GetAttributeValue("scimMiddleName"),
		HonorificPrefix: entry.GetAttributeValue("personalTitle"),
		HonorificSuffix: entry.GetAttributeValue("scimHonorificSuffix"),
	}
	name.Formatted = formatName(name)
	if *name != (scim.Name{}) {
		u.Name = name
	}

	u.NickName = entry.GetAttributeValue("scimNickName")
	u.ProfileURL = entry.GetAttributeValue("scimProfileUrl")
	u.Title = entry.GetAttributeValue("title")
	u.UserType = entry.GetAttributeValue("employeeType")
	u.PreferredLanguage = entry.GetAttributeValue("preferredLanguage")
	u.Locale = entry.GetAttributeValue("scimLocale")
	u.Timezone = entry.GetAttributeValue("scimTimezone")

	if s := entry.GetAttributeValue("scimActive"); s != "" {
		active := strings.EqualFold(s, "true")
		u.Active = &active
	}

	if vals := entry.GetAttributeValues("scimEmails"); len(vals) > 0 {
		u.Emails = decodeJSONValues[scim.Email](m, "scimEmails", vals)
	} else if mail := entry.GetAttributeValue("mail"); mail != "" {
		u.Emails = []scim.Email{{Value: mail, Type: "work", Primary: true}}
	}
	u.PhoneNumbers = decodeJSONValues[scim.PhoneNumber](m, "scimPhoneNumbers", entry.GetAttributeValues("scimPhoneNumbers"))
	u.Addresses = decodeJSONValues[scim.Address](m, "scimAddresses", entry.GetAttributeValues("scimAddresses"))
	u.IMs = decodeJSONValues[scim.IM](m, "scimIms", entry.GetAttributeValues("scimIms"))
	u.Photos = decodeJSONValues[scim.Photo](m, "scimPhotos", entry.GetAttributeValues("scimPhotos"))
	u.Roles = decodeJSONValues[scim.Role](m, "scimRoles", entry.GetAttributeValues("scimRoles"))
	u.Entitlements = decodeJSONValues[scim.Entitlement](m, "scimEntitlements", entry.GetAttributeValues("scimEntitlements"))
	u.X509Certificates = decodeJSONValues[scim.X509Certificate](m, "scimX509Certificates", entry.GetAttributeValues("scimX509Certificates"))

	// Group references from the virtual memberOf attribute.
	for _, groupDN := range entry.GetAttributeValues("memberOf") {
		if id, ok := IDFromDN(groupDN); ok {
			u.Groups = append(u.Groups, scim.GroupRef{Value: id, Type: "direct"})
		}
	}

	u.Meta = m.entryMeta(entry, "User")
	return u
}

// GroupToAttributes renders a Group as directory attributes. Members are
// handled by the repository because they require id-to-DN resolution.
func (m *Mapper) GroupToAttributes(g *scim.Group) map[string][]string {
	attrs := map[string][]string{
		"objectClass":      groupObjectClasses,
		"scimResourceType": {"Group"},
	}
	setIf(attrs, "scimExternalId", g.ExternalID)
	setIf(attrs, "cn", g.DisplayName)
	return attrs
}

// EntryToGroup converts a directory entry to a Group. Member DNs become
// member ids; DNs not named by entryUUID are dropped.
func (m *Mapper) EntryToGroup(entry *goldap.Entry) *scim.Group {
	g := &scim.Group{Schemas: []string{scim.GroupSchema}}

	g.ID = entry.GetAttributeValue("entryUUID")
	if g.ID == "" {
		if id, ok := IDFromDN(entry.DN); ok {
			g.ID = id
		} else {
			m.log.Warn("group entry has no resolvable id", zap.String("dn", entry.DN))
		}
	}

	g.ExternalID = entry.GetAttributeValue("scimExternalId")
	g.DisplayName = entry.GetAttributeValue("cn")

	for _, memberDN := range entry.GetAttributeValues("member") {
		id, ok := IDFromDN(memberDN)
		if !ok {
			m.log.Debug("skipping member without entryUUID naming", zap.String("dn", memberDN))
			continue
		}
		g.Members = append(g.Members, scim.Member{Value: id, Type: "User"})
	}

	g.Meta = m.entryMeta(entry, "Group")
	return g
}

// entryMeta builds resource metadata from the operational timestamp
// attributes. The version token changes whenever the entry is modified.
func (m *Mapper) entryMeta(entry *goldap.Entry, resourceType string) *scim.Meta {
	meta := &scim.Meta{ResourceType: resourceType}
	if t, err := ParseGeneralizedTime(entry.GetAttributeValue("createTimestamp")); err == nil {
		meta.Created = &t
	}
	if t, err := ParseGeneralizedTime(entry.GetAttributeValue("modifyTimestamp")); err == nil {
		meta.LastModified = &t
		meta.Version = VersionToken(t)
	} else if meta.Created != nil {
		meta.Version = VersionToken(*meta.Created)
	}
	return meta
}

// VersionToken renders a weak ETag from a modification instant.
func VersionToken(t time.Time) string {
	return fmt.Sprintf(`W/"%d"`, t.UnixMilli())
}

// ParseGeneralizedTime parses an LDAP generalized time value: whole or
// fractional seconds, with a Z or numeric offset suffix.
func ParseGeneralizedTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	layouts := []string{
		"20060102150405Z0700",
		"20060102150405.000Z0700",
		"20060102150405.999999999Z0700",
		"200601021504Z0700",
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable generalized time %q", s)
}

func (m *Mapper) encodeJSONValues(attrs map[string][]string, name string, values []any) {
	if len(values) == 0 {
		return
	}
	out := make([]string, 0, len(values))
	for _, v := range values {
		raw, err := json.Marshal(v)
		if err != nil {
			m.log.Error("failed to serialize element", zap.String("attribute", name), zap.Error(err))
			continue
		}
		out = append(out, string(raw))
	}
	if len(out) > 0 {
		attrs[name] = out
	}
}

// decodeJSONValues parses each stored JSON document independently; a corrupt
// value drops that element only.
func decodeJSONValues[T any](m *Mapper, name string, vals []string) []T {
	if len(vals) == 0 {
		return nil
	}
	out := make([]T, 0, len(vals))
	for _, raw := range vals {
		var v T
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			m.log.Error("failed to deserialize element",
				zap.String("attribute", name), zap.Error(err))
			continue
		}
		out = append(out, v)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func formatName(n *scim.Name) string {
	parts := make([]string, 0, 5)
	for _, p := range []string{n.HonorificPrefix, n.GivenName, n.MiddleName, n.FamilyName, n.HonorificSuffix} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, " ")
}

func setIf(attrs map[string][]string, name, value string) {
	if value != "" {
		attrs[name] = []string{value}
	}
}

func toAnySlice[T any](in []T) []any {
	if len(in) == 0 {
		return nil
	}
	out := make([]any, len(in))
	for i := range in {
		out[i] = in[i]
	}
	return out
}
