package l2tp

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

type avpFlagLen uint16

// AVPVendorID is the Vendor ID from the AVP header as per RFC2661 section 4.1
type AVPVendorID uint16

// AVPType is the attribute type from the AVP header as per RFC2661 section 4.1
type AVPType uint16

// AVPMsgType stores the value of the Message Type AVP
type AVPMsgType uint16

// Don't be tempted to try to make the fields in this structure private:
// doing so breaks the reflection properties which binary.Write depends upon
// for serialising the header.
type avpHeader struct {
	FlagLen  avpFlagLen
	VendorID AVPVendorID
	AvpType  AVPType
}

const (
	avpHeaderLen = 6
	// avpMaxLen is the largest value the 10-bit AVP length field can carry
	avpMaxLen = 0x3ff
	// VendorIDIetf is the namespace used for standard AVPs described
	// by RFC2661.
	VendorIDIetf AVPVendorID = 0
)

const (
	avpFlagMandatory avpFlagLen = 0x8000
	avpFlagHidden    avpFlagLen = 0x4000
)

// AVP type identifiers as per RFC2661, representing the value held by
// a given AVP.
const (
	AvpTypeMessage               AVPType = 0
	AvpTypeResultCode            AVPType = 1
	AvpTypeProtocolVersion       AVPType = 2
	AvpTypeFramingCap            AVPType = 3
	AvpTypeBearerCap             AVPType = 4
	AvpTypeTiebreaker            AVPType = 5
	AvpTypeFirmwareRevision      AVPType = 6
	AvpTypeHostName              AVPType = 7
	AvpTypeVendorName            AVPType = 8
	AvpTypeTunnelID              AVPType = 9
	AvpTypeRxWindowSize          AVPType = 10
	AvpTypeChallenge             AVPType = 11
	AvpTypeQ931CauseCode         AVPType = 12
	AvpTypeChallengeResponse     AVPType = 13
	AvpTypeSessionID             AVPType = 14
	AvpTypeCallSerialNumber      AVPType = 15
	AvpTypeMinimumBps            AVPType = 16
	AvpTypeMaximumBps            AVPType = 17
	AvpTypeBearerType            AVPType = 18
	AvpTypeFramingType           AVPType = 19
	AvpTypeCalledNumber          AVPType = 21
	AvpTypeCallingNumber         AVPType = 22
	AvpTypeSubAddress            AVPType = 23
	AvpTypeConnectSpeed          AVPType = 24
	AvpTypePhysicalChannelID     AVPType = 25
	AvpTypeInitialRcvdLcpConfreq AVPType = 26
	AvpTypeLastSentLcpConfreq    AVPType = 27
	AvpTypeLastRcvdLcpConfreq    AVPType = 28
	AvpTypeProxyAuthType         AVPType = 29
	AvpTypeProxyAuthName         AVPType = 30
	AvpTypeProxyAuthChallenge    AVPType = 31
	AvpTypeProxyAuthID           AVPType = 32
	AvpTypeProxyAuthResponse     AVPType = 33
	AvpTypeCallErrors            AVPType = 34
	AvpTypeAccm                  AVPType = 35
	AvpTypeRandomVector          AVPType = 36
	AvpTypePrivGroupID           AVPType = 37
	AvpTypeRxConnectSpeed        AVPType = 38
	AvpTypeSequencingRequired    AVPType = 39
)

// AVP message types as per RFC2661, representing the various control
// protocol messages used in the L2TPv2 protocol.
const (
	AvpMsgTypeIllegal AVPMsgType = 0
	AvpMsgTypeSccrq   AVPMsgType = 1
	AvpMsgTypeSccrp   AVPMsgType = 2
	AvpMsgTypeScccn   AVPMsgType = 3
	AvpMsgTypeStopccn AVPMsgType = 4
	AvpMsgTypeHello   AVPMsgType = 6
	AvpMsgTypeOcrq    AVPMsgType = 7
	AvpMsgTypeOcrp    AVPMsgType = 8
	AvpMsgTypeOccn    AVPMsgType = 9
	AvpMsgTypeIcrq    AVPMsgType = 10
	AvpMsgTypeIcrp    AVPMsgType = 11
	AvpMsgTypeIccn    AVPMsgType = 12
	AvpMsgTypeCdn     AVPMsgType = 14
	AvpMsgTypeWen     AVPMsgType = 15
	AvpMsgTypeSli     AVPMsgType = 16
)

var _ fmt.Stringer = (*AVPType)(nil)

func (t AVPType) String() string {
	switch t {
	case AvpTypeMessage:
		return "MessageType"
	case AvpTypeResultCode:
		return "ResultCode"
	case AvpTypeProtocolVersion:
		return "ProtocolVersion"
	case AvpTypeFramingCap:
		return "FramingCapabilities"
	case AvpTypeBearerCap:
		return "BearerCapabilities"
	case AvpTypeTiebreaker:
		return "Tiebreaker"
	case AvpTypeFirmwareRevision:
		return "FirmwareRevision"
	case AvpTypeHostName:
		return "HostName"
	case AvpTypeVendorName:
		return "VendorName"
	case AvpTypeTunnelID:
		return "AssignedTunnelID"
	case AvpTypeRxWindowSize:
		return "ReceiveWindowSize"
	case AvpTypeChallenge:
		return "Challenge"
	case AvpTypeQ931CauseCode:
		return "Q931CauseCode"
	case AvpTypeChallengeResponse:
		return "ChallengeResponse"
	case AvpTypeSessionID:
		return "AssignedSessionID"
	case AvpTypeCallSerialNumber:
		return "CallSerialNumber"
	case AvpTypeMinimumBps:
		return "MinimumBps"
	case AvpTypeMaximumBps:
		return "MaximumBps"
	case AvpTypeBearerType:
		return "BearerType"
	case AvpTypeFramingType:
		return "FramingType"
	case AvpTypeCalledNumber:
		return "CalledNumber"
	case AvpTypeCallingNumber:
		return "CallingNumber"
	case AvpTypeSubAddress:
		return "SubAddress"
	case AvpTypeConnectSpeed:
		return "ConnectSpeed"
	case AvpTypePhysicalChannelID:
		return "PhysicalChannelID"
	case AvpTypeInitialRcvdLcpConfreq:
		return "InitialRcvdLcpConfreq"
	case AvpTypeLastSentLcpConfreq:
		return "LastSentLcpConfreq"
	case AvpTypeLastRcvdLcpConfreq:
		return "LastRcvdLcpConfreq"
	case AvpTypeProxyAuthType:
		return "ProxyAuthType"
	case AvpTypeProxyAuthName:
		return "ProxyAuthName"
	case AvpTypeProxyAuthChallenge:
		return "ProxyAuthChallenge"
	case AvpTypeProxyAuthID:
		return "ProxyAuthID"
	case AvpTypeProxyAuthResponse:
		return "ProxyAuthResponse"
	case AvpTypeCallErrors:
		return "CallErrors"
	case AvpTypeAccm:
		return "ACCM"
	case AvpTypeRandomVector:
		return "RandomVector"
	case AvpTypePrivGroupID:
		return "PrivateGroupID"
	case AvpTypeRxConnectSpeed:
		return "RxConnectSpeed"
	case AvpTypeSequencingRequired:
		return "SequencingRequired"
	}
	return fmt.Sprintf("AVP%d", uint16(t))
}

var _ fmt.Stringer = (*AVPMsgType)(nil)

func (t AVPMsgType) String() string {
	switch t {
	case AvpMsgTypeIllegal:
		return "ILLEGAL"
	case AvpMsgTypeSccrq:
		return "SCCRQ"
	case AvpMsgTypeSccrp:
		return "SCCRP"
	case AvpMsgTypeScccn:
		return "SCCCN"
	case AvpMsgTypeStopccn:
		return "StopCCN"
	case AvpMsgTypeHello:
		return "HELLO"
	case AvpMsgTypeOcrq:
		return "OCRQ"
	case AvpMsgTypeOcrp:
		return "OCRP"
	case AvpMsgTypeOccn:
		return "OCCN"
	case AvpMsgTypeIcrq:
		return "ICRQ"
	case AvpMsgTypeIcrp:
		return "ICRP"
	case AvpMsgTypeIccn:
		return "ICCN"
	case AvpMsgTypeCdn:
		return "CDN"
	case AvpMsgTypeWen:
		return "WEN"
	case AvpMsgTypeSli:
		return "SLI"
	}
	return fmt.Sprintf("MSG%d", uint16(t))
}

var _ fmt.Stringer = (*AVPVendorID)(nil)

func (v AVPVendorID) String() string {
	if v == VendorIDIetf {
		return "IETF"
	}
	return fmt.Sprintf("Vendor %d", uint16(v))
}

func (hdr *avpHeader) isMandatory() bool {
	return (avpFlagMandatory & hdr.FlagLen) == avpFlagMandatory
}

func (hdr *avpHeader) isHidden() bool {
	return (avpFlagHidden & hdr.FlagLen) == avpFlagHidden
}

func (hdr *avpHeader) totalLen() int {
	return int(avpMaxLen & hdr.FlagLen)
}

func newAvpHeader(isMandatory, isHidden bool,
	payloadBytes int,
	vid AVPVendorID,
	typ AVPType) *avpHeader {
	var flagLen avpFlagLen
	if isMandatory {
		flagLen |= avpFlagMandatory
	}
	if isHidden {
		flagLen |= avpFlagHidden
	}
	flagLen |= avpFlagLen(avpMaxLen & (payloadBytes + avpHeaderLen))
	return &avpHeader{
		FlagLen:  flagLen,
		VendorID: vid,
		AvpType:  typ,
	}
}

// AVP is a single Attribute-Value Pair carried by a control message.
//
// The set of implementations is closed: each AVP this package knows how
// to interpret has its own type, and everything else is represented
// by UnknownAVP.
type AVP interface {
	fmt.Stringer
	// Type returns the attribute type carried in the AVP header.
	Type() AVPType
	header(payloadLen int) *avpHeader
	payload() []byte
}

// MessageTypeAVP identifies the control message type.  By convention it
// is the first AVP in every control message.
type MessageTypeAVP struct {
	Value AVPMsgType
}

// ProtocolVersionAVP carries the L2TP protocol version and revision.
// RFC2661 uses version 1 revision 0.
type ProtocolVersionAVP struct {
	Version  uint8
	Revision uint8
}

// HostNameAVP carries the sender's host name.
type HostNameAVP struct {
	Value []byte
}

// FramingCapabilitiesAVP carries the framing types the sender supports.
type FramingCapabilitiesAVP struct {
	Async bool
	Sync  bool
}

// BearerCapabilitiesAVP carries the bearer types the sender supports.
type BearerCapabilitiesAVP struct {
	Analog  bool
	Digital bool
}

// TiebreakerAVP carries the value used to resolve simultaneous SCCRQs.
type TiebreakerAVP struct {
	Value [8]byte
}

// FirmwareRevisionAVP carries the sender's firmware revision.
type FirmwareRevisionAVP struct {
	Value uint16
}

// VendorNameAVP carries a vendor-specific description of the sender.
type VendorNameAVP struct {
	Value []byte
}

// AssignedTunnelIDAVP carries the tunnel ID the sender assigns to the tunnel.
type AssignedTunnelIDAVP struct {
	Value uint16
}

// ReceiveWindowSizeAVP carries the sender's control message receive window.
type ReceiveWindowSizeAVP struct {
	Value uint16
}

// ChallengeAVP carries an opaque challenge for the CHAP-like tunnel
// authentication.
type ChallengeAVP struct {
	Value []byte
}

// ChallengeResponseAVP carries the response to a peer's challenge.
type ChallengeResponseAVP struct {
	Value [16]byte
}

// UnknownAVP holds any AVP this package doesn't interpret: unrecognised
// attribute types, vendor-specific AVPs, and hidden AVPs.
type UnknownAVP struct {
	VendorID  AVPVendorID
	AttrType  AVPType
	Mandatory bool
	Hidden    bool
	Data      []byte
}

const (
	framingCapSync  = 0x1
	framingCapAsync = 0x2
	bearerCapDigit  = 0x1
	bearerCapAnalog = 0x2
)

func ietfHeader(mandatory bool, typ AVPType, payloadLen int) *avpHeader {
	return newAvpHeader(mandatory, false, payloadLen, VendorIDIetf, typ)
}

func be16(v uint16) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, v)
	return b
}

func be32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

func (a MessageTypeAVP) Type() AVPType { return AvpTypeMessage }
func (a MessageTypeAVP) header(n int) *avpHeader { return ietfHeader(true, a.Type(), n) }
func (a MessageTypeAVP) payload() []byte { return be16(uint16(a.Value)) }
func (a MessageTypeAVP) String() string { return fmt.Sprintf("%v: %v", a.Type(), a.Value) }
func (a ProtocolVersionAVP) Type() AVPType { return AvpTypeProtocolVersion }
func (a ProtocolVersionAVP) header(n int) *avpHeader { return ietfHeader(true, a.Type(), n) }
func (a ProtocolVersionAVP) payload() []byte { return []byte{a.Version, a.Revision} }
func (a ProtocolVersionAVP) String() string { return fmt.Sprintf("%v: %d.%d", a.Type(), a.Version, a.Revision) }
func (a HostNameAVP) Type() AVPType { return AvpTypeHostName }
func (a HostNameAVP) header(n int) *avpHeader { return ietfHeader(true, a.Type(), n) }
func (a HostNameAVP) payload() []byte { return a.Value }
func (a HostNameAVP) String() string { return fmt.Sprintf("%v: %q", a.Type(), a.Value) }
func (a VendorNameAVP) Type() AVPType { return AvpTypeVendorName }
func (a VendorNameAVP) header(n int) *avpHeader { return ietfHeader(false, a.Type(), n) }
func (a VendorNameAVP) payload() []byte { return a.Value }
func (a VendorNameAVP) String() string { return fmt.Sprintf("%v: %q", a.Type(), a.Value) }
func (a TiebreakerAVP) Type() AVPType { return AvpTypeTiebreaker }
func (a TiebreakerAVP) header(n int) *avpHeader { return ietfHeader(false, a.Type(), n) }
func (a TiebreakerAVP) payload() []byte { return a.Value[:] }
func (a TiebreakerAVP) String() string { return fmt.Sprintf("%v: %x", a.Type(), a.Value) }
func (a FirmwareRevisionAVP) Type() AVPType { return AvpTypeFirmwareRevision }
func (a FirmwareRevisionAVP) header(n int) *avpHeader { return ietfHeader(false, a.Type(), n) }
func (a FirmwareRevisionAVP) payload() []byte { return be16(a.Value) }
func (a FirmwareRevisionAVP) String() string { return fmt.Sprintf("%v: %#04x", a.Type(), a.Value) }
func (a AssignedTunnelIDAVP) Type() AVPType { return AvpTypeTunnelID }
func (a AssignedTunnelIDAVP) header(n int) *avpHeader { return ietfHeader(true, a.Type(), n) }
func (a AssignedTunnelIDAVP) payload() []byte { return be16(a.Value) }
func (a AssignedTunnelIDAVP) String() string { return fmt.Sprintf("%v: %d", a.Type(), a.Value) }
func (a ReceiveWindowSizeAVP) Type() AVPType { return AvpTypeRxWindowSize }
func (a ReceiveWindowSizeAVP) header(n int) *avpHeader { return ietfHeader(true, a.Type(), n) }
func (a ReceiveWindowSizeAVP) payload() []byte { return be16(a.Value) }
func (a ReceiveWindowSizeAVP) String() string { return fmt.Sprintf("%v: %d", a.Type(), a.Value) }
func (a ChallengeAVP) Type() AVPType { return AvpTypeChallenge }
func (a ChallengeAVP) header(n int) *avpHeader { return ietfHeader(true, a.Type(), n) }
func (a ChallengeAVP) payload() []byte { return a.Value }
func (a ChallengeAVP) String() string { return fmt.Sprintf("%v: %x", a.Type(), a.Value) }
func (a ChallengeResponseAVP) Type() AVPType { return AvpTypeChallengeResponse }
func (a ChallengeResponseAVP) header(n int) *avpHeader { return ietfHeader(true, a.Type(), n) }
func (a ChallengeResponseAVP) payload() []byte { return a.Value[:] }
func (a ChallengeResponseAVP) String() string { return fmt.Sprintf("%v: %x", a.Type(), a.Value) }

func (a FramingCapabilitiesAVP) Type() AVPType { return AvpTypeFramingCap }
func (a FramingCapabilitiesAVP) header(n int) *avpHeader { return ietfHeader(true, a.Type(), n) }
func (a FramingCapabilitiesAVP) payload() []byte {
	var v uint32
	if a.Sync {
		v |= framingCapSync
	}
	if a.Async {
		v |= framingCapAsync
	}
	return be32(v)
}

func (a FramingCapabilitiesAVP) String() string {
	return fmt.Sprintf("%v: sync=%v async=%v", a.Type(), a.Sync, a.Async)
}

func (a BearerCapabilitiesAVP) Type() AVPType { return AvpTypeBearerCap }
func (a BearerCapabilitiesAVP) header(n int) *avpHeader { return ietfHeader(true, a.Type(), n) }
func (a BearerCapabilitiesAVP) payload() []byte {
	var v uint32
	if a.Digital {
		v |= bearerCapDigit
	}
	if a.Analog {
		v |= bearerCapAnalog
	}
	return be32(v)
}

func (a BearerCapabilitiesAVP) String() string {
	return fmt.Sprintf("%v: digital=%v analog=%v", a.Type(), a.Digital, a.Analog)
}

// Type returns the attribute type from the AVP header.  Since the vendor
// ID qualifies the type, callers interested in vendor AVPs should check
// VendorID too.
func (a UnknownAVP) Type() AVPType { return a.AttrType }
func (a UnknownAVP) header(n int) *avpHeader {
	return newAvpHeader(a.Mandatory, a.Hidden, n, a.VendorID, a.AttrType)
}
func (a UnknownAVP) payload() []byte { return a.Data }

func (a UnknownAVP) String() string {
	m := "-"
	h := "-"
	if a.Mandatory {
		m = "M"
	}
	if a.Hidden {
		h = "H"
	}
	var t string
	if a.VendorID == VendorIDIetf {
		t = a.AttrType.String()
	} else {
		t = fmt.Sprintf("%v AVP %d", a.VendorID, uint16(a.AttrType))
	}
	return fmt.Sprintf("%s [%s%s]: %d bytes", t, m, h, len(a.Data))
}

// appendAVP encodes a and appends it to b.
func appendAVP(b []byte, a AVP) ([]byte, error) {
	p := a.payload()
	if len(p)+avpHeaderLen > avpMaxLen {
		return b, fmt.Errorf("%w: %v payload of %d bytes exceeds %d byte limit",
			ErrAVPTooLarge, a.Type(), len(p), avpMaxLen-avpHeaderLen)
	}
	buf := bytes.NewBuffer(b)
	if err := binary.Write(buf, binary.BigEndian, a.header(len(p))); err != nil {
		return b, err
	}
	buf.Write(p)
	return buf.Bytes(), nil
}

// EncodeAVP returns the wire representation of a, header included.
func EncodeAVP(a AVP) ([]byte, error) {
	return appendAVP(make([]byte, 0, avpHeaderLen+len(a.payload())), a)
}

// DecodeAVP decodes the AVP at the start of b.  It returns the AVP along
// with the number of bytes of b it occupied.
//
// AVPs with an unrecognised type, a vendor-specific ID, or the hidden bit
// set are returned as UnknownAVP rather than treated as errors.  Decoded
// byte fields never alias b.
func DecodeAVP(b []byte) (AVP, int, error) {
	if len(b) < avpHeaderLen {
		return nil, 0, fmt.Errorf("%w: %d bytes is too short for an AVP header", ErrMalformedAVP, len(b))
	}
	hdr := avpHeader{
		FlagLen:  avpFlagLen(binary.BigEndian.Uint16(b[0:2])),
		VendorID: AVPVendorID(binary.BigEndian.Uint16(b[2:4])),
		AvpType:  AVPType(binary.BigEndian.Uint16(b[4:6])),
	}
	total := hdr.totalLen()
	if total < avpHeaderLen {
		return nil, 0, fmt.Errorf("%w: length %d is shorter than the AVP header", ErrMalformedAVP, total)
	}
	if total > len(b) {
		return nil, 0, fmt.Errorf("%w: length %d exceeds the %d bytes available", ErrMalformedAVP, total, len(b))
	}
	a, err := decodePayload(&hdr, b[avpHeaderLen:total])
	if err != nil {
		return nil, 0, err
	}
	return a, total, nil
}

// avpFixedLen lists the payload sizes of the fixed-size IETF AVPs
var avpFixedLen = map[AVPType]int{
	AvpTypeMessage:           2,
	AvpTypeProtocolVersion:   2,
	AvpTypeFirmwareRevision:  2,
	AvpTypeTunnelID:          2,
	AvpTypeRxWindowSize:      2,
	AvpTypeFramingCap:        4,
	AvpTypeBearerCap:         4,
	AvpTypeTiebreaker:        8,
	AvpTypeChallengeResponse: 16,
}

func checkLen(typ AVPType, data []byte, want int) error {
	if len(data) != want {
		return fmt.Errorf("%w: %v payload is %d bytes, expected %d", ErrMalformedAVP, typ, len(data), want)
	}
	return nil
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func decodePayload(hdr *avpHeader, data []byte) (AVP, error) {
	if hdr.VendorID != VendorIDIetf || hdr.isHidden() {
		return unknownAVP(hdr, data), nil
	}

	if want, ok := avpFixedLen[hdr.AvpType]; ok {
		if err := checkLen(hdr.AvpType, data, want); err != nil {
			return nil, err
		}
	}

	switch hdr.AvpType {
	case AvpTypeMessage:
		return MessageTypeAVP{Value: AVPMsgType(binary.BigEndian.Uint16(data))}, nil
	case AvpTypeProtocolVersion:
		return ProtocolVersionAVP{Version: data[0], Revision: data[1]}, nil
	case AvpTypeHostName:
		return HostNameAVP{Value: clone(data)}, nil
	case AvpTypeVendorName:
		return VendorNameAVP{Value: clone(data)}, nil
	case AvpTypeFramingCap:
		v := binary.BigEndian.Uint32(data)
		return FramingCapabilitiesAVP{Sync: v&framingCapSync != 0, Async: v&framingCapAsync != 0}, nil
	case AvpTypeBearerCap:
		v := binary.BigEndian.Uint32(data)
		return BearerCapabilitiesAVP{Digital: v&bearerCapDigit != 0, Analog: v&bearerCapAnalog != 0}, nil
	case AvpTypeTiebreaker:
		var a TiebreakerAVP
		copy(a.Value[:], data)
		return a, nil
	case AvpTypeFirmwareRevision:
		return FirmwareRevisionAVP{Value: binary.BigEndian.Uint16(data)}, nil
	case AvpTypeTunnelID:
		return AssignedTunnelIDAVP{Value: binary.BigEndian.Uint16(data)}, nil
	case AvpTypeRxWindowSize:
		return ReceiveWindowSizeAVP{Value: binary.BigEndian.Uint16(data)}, nil
	case AvpTypeChallenge:
		return ChallengeAVP{Value: clone(data)}, nil
	case AvpTypeChallengeResponse:
		var a ChallengeResponseAVP
		copy(a.Value[:], data)
		return a, nil
	}
	return unknownAVP(hdr, data), nil
}

func unknownAVP(hdr *avpHeader, data []byte) UnknownAVP {
	return UnknownAVP{
		VendorID:  hdr.VendorID,
		AttrType:  hdr.AvpType,
		Mandatory: hdr.isMandatory(),
		Hidden:    hdr.isHidden(),
		Data:      clone(data),
	}
}

// ParseAVPBuffer decodes a buffer consisting entirely of encoded AVPs.
// An empty buffer yields no AVPs and no error.
func ParseAVPBuffer(b []byte) ([]AVP, error) {
	var avps []AVP
	for len(b) > 0 {
		a, n, err := DecodeAVP(b)
		if err != nil {
			return nil, err
		}
		avps = append(avps, a)
		b = b[n:]
	}
	return avps, nil
}
