package ldap

import (
	"fmt"

	ber "github.com/go-asn1-ber/asn1-ber"
)

// ControlTypeNameWithEntryUUID is the request control asking the directory
// to name a newly added entry by its entryUUID instead of the RDN supplied
// in the add request.
const ControlTypeNameWithEntryUUID = "1.3.6.1.4.1.30221.2.5.44"

// NameWithEntryUUIDControl is a value-less critical control. If the server
// does not support it the add request fails rather than silently producing
// a differently named entry.
type NameWithEntryUUIDControl struct {
	Criticality bool
}

// NewNameWithEntryUUIDControl returns the control with criticality set.
func NewNameWithEntryUUIDControl() *NameWithEntryUUIDControl {
	return &NameWithEntryUUIDControl{Criticality: true}
}

// GetControlType returns the control OID.
func (c *NameWithEntryUUIDControl) GetControlType() string {
	return ControlTypeNameWithEntryUUID
}

// Encode renders the control sequence: OID plus criticality, no value.
func (c *NameWithEntryUUIDControl) Encode() *ber.Packet {
	packet := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "Control")
	packet.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString,
		ControlTypeNameWithEntryUUID, "Control Type (Name With entryUUID)"))
	if c.Criticality {
		packet.AppendChild(ber.NewBoolean(ber.ClassUniversal, ber.TypePrimitive, ber.TagBoolean,
			c.Criticality, "Criticality"))
	}
	return packet
}

// String describes the control.
func (c *NameWithEntryUUIDControl) String() string {
	return fmt.Sprintf("Control Type: Name With entryUUID (%s)  Criticality: %t",
		ControlTypeNameWithEntryUUID, c.Criticality)
}
