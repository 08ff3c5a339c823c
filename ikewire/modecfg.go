package ikewire

import (
	"encoding/binary"
	"fmt"
)

// AttributePayloadType is the one-byte message-type field at the head
// of a MODE_CFG/XAuth Attributes payload body (§4.4).
type AttributePayloadType uint8

const (
	CfgRequest AttributePayloadType = 1
	CfgReply   AttributePayloadType = 2
	CfgSet     AttributePayloadType = 3
	CfgAck     AttributePayloadType = 4
)

// MODE_CFG attribute types (draft-dukes-ike-mode-cfg, plus the Check
// Point extensions this client actually needs to read: split-tunnel
// routes and search domains).
const (
	AttrInternalIP4Address uint16 = 1
	AttrInternalIP4Netmask uint16 = 2
	AttrInternalIP4DNS     uint16 = 3
	AttrInternalAddrExpiry uint16 = 5
	AttrSupportedAttrs     uint16 = 14
	AttrCPDomainName       uint16 = 15
	AttrCPMTU              uint16 = 16
	AttrCPAddRoute         uint16 = 20
	AttrCPSplitDNSName     uint16 = 22
)

// XAuth attribute types (draft-ietf-ipsec-isakmp-xauth-06).
const (
	AttrXAuthType      uint16 = 16520
	AttrXAuthUserName  uint16 = 16521
	AttrXAuthPassword  uint16 = 16522
	AttrXAuthMessage   uint16 = 16538
	AttrXAuthStatus    uint16 = 16539
)

// MarshalAttributePayload encodes a MODE_CFG/XAuth Attributes payload
// body: 1-byte message type, 1-byte reserved, 2-byte identifier, then
// the back-to-back attribute list.
func MarshalAttributePayload(typ AttributePayloadType, identifier uint16, attrs []Attribute) []byte {
	b := make([]byte, 4)
	b[0] = byte(typ)
	binary.BigEndian.PutUint16(b[2:4], identifier)
	return append(b, MarshalAttributes(attrs)...)
}

// AttributePayload is a decoded MODE_CFG/XAuth Attributes payload body.
type AttributePayload struct {
	Type       AttributePayloadType
	Identifier uint16
	Attributes []Attribute
}

// UnmarshalAttributePayload decodes the body MarshalAttributePayload
// produces.
func UnmarshalAttributePayload(b []byte) (*AttributePayload, error) {
	if len(b) < 4 {
		return nil, fmt.Errorf("ikewire: truncated attribute payload")
	}
	attrs, err := UnmarshalAttributes(b[4:])
	if err != nil {
		return nil, err
	}
	return &AttributePayload{
		Type:       AttributePayloadType(b[0]),
		Identifier: binary.BigEndian.Uint16(b[2:4]),
		Attributes: attrs,
	}, nil
}
