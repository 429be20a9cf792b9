package l2tp

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
)

// L2TPv2 control message header per RFC2661
type l2tpV2Header struct {
	FlagsVer uint16
	Len      uint16
	Tid      uint16
	Sid      uint16
	Ns       uint16
	Nr       uint16
}

const (
	v2HeaderLen          = 12
	controlMessageMaxLen = int(^uint16(0))
	protocolVersion2     = 2
)

// Header flags per RFC2661 section 3.1
const (
	headerFlagType     uint16 = 0x8000
	headerFlagLength   uint16 = 0x4000
	headerFlagSequence uint16 = 0x0800
	headerFlagOffset   uint16 = 0x0200
	headerFlagPriority uint16 = 0x0100
	headerVersionMask  uint16 = 0x000f

	controlFlagsVer = headerFlagType | headerFlagLength | headerFlagSequence | protocolVersion2
)

// Message is an L2TPv2 message: either a *ControlMessage or a *DataMessage.
type Message interface {
	// ToBytes returns the wire representation of the message.
	ToBytes() ([]byte, error)
	isMessage()
}

// ControlMessage is an RFC2661 control message: the fixed v2 header
// followed by a sequence of AVPs.
//
// Length is informational only.  It is set by ParseMessage to the length
// field of the received header, and refreshed by ToBytes.
type ControlMessage struct {
	Length    uint16
	TunnelID  uint16
	SessionID uint16
	Ns        uint16
	Nr        uint16
	AVPs      []AVP
}

// DataMessage is an RFC2661 data message carrying a PPP frame.
type DataMessage struct {
	TunnelID  uint16
	SessionID uint16
	// Sequenced indicates the Ns and Nr fields are present
	Sequenced bool
	Ns        uint16
	Nr        uint16
	Payload   []byte
}

func (m *ControlMessage) isMessage() {}
func (m *DataMessage) isMessage()    {}

// ToBytes encodes the message.  The length field is computed from the
// encoded AVPs, and m.Length is updated to match.
func (m *ControlMessage) ToBytes() ([]byte, error) {
	var err error

	b := make([]byte, v2HeaderLen, 128)
	for _, a := range m.AVPs {
		if b, err = appendAVP(b, a); err != nil {
			return nil, err
		}
	}

	if len(b) > controlMessageMaxLen {
		return nil, fmt.Errorf("control message of %d bytes exceeds maximum length %d",
			len(b), controlMessageMaxLen)
	}

	hdr := l2tpV2Header{
		FlagsVer: controlFlagsVer,
		Len:      uint16(len(b)),
		Tid:      m.TunnelID,
		Sid:      m.SessionID,
		Ns:       m.Ns,
		Nr:       m.Nr,
	}
	hb := new(bytes.Buffer)
	if err = binary.Write(hb, binary.BigEndian, &hdr); err != nil {
		return nil, err
	}
	copy(b, hb.Bytes())

	m.Length = hdr.Len
	return b, nil
}

// MessageType returns the value of the message's first AVP if it is a
// Message Type AVP.  A zero-length body (ZLB) has no message type.
func (m *ControlMessage) MessageType() (AVPMsgType, bool) {
	if len(m.AVPs) == 0 {
		return 0, false
	}
	if mt, ok := m.AVPs[0].(MessageTypeAVP); ok {
		return mt.Value, true
	}
	return 0, false
}

func (m *ControlMessage) String() string {
	var str strings.Builder
	fmt.Fprintf(&str, "tid %d sid %d ns %d nr %d", m.TunnelID, m.SessionID, m.Ns, m.Nr)
	for _, a := range m.AVPs {
		fmt.Fprintf(&str, ", %v", a)
	}
	return str.String()
}

// ToBytes encodes the message.  The length field is always included;
// the sequence fields are included if the message is sequenced.
func (m *DataMessage) ToBytes() ([]byte, error) {
	flags := headerFlagLength | protocolVersion2
	hlen := 8
	if m.Sequenced {
		flags |= headerFlagSequence
		hlen += 4
	}

	total := hlen + len(m.Payload)
	if total > controlMessageMaxLen {
		return nil, fmt.Errorf("data message of %d bytes exceeds maximum length %d",
			total, controlMessageMaxLen)
	}

	b := make([]byte, total)
	binary.BigEndian.PutUint16(b[0:], flags)
	binary.BigEndian.PutUint16(b[2:], uint16(total))
	binary.BigEndian.PutUint16(b[4:], m.TunnelID)
	binary.BigEndian.PutUint16(b[6:], m.SessionID)
	if m.Sequenced {
		binary.BigEndian.PutUint16(b[8:], m.Ns)
		binary.BigEndian.PutUint16(b[10:], m.Nr)
	}
	copy(b[hlen:], m.Payload)
	return b, nil
}

// ParseMessage decodes an L2TPv2 message from b.
//
// Bytes beyond the length declared by the header are ignored.
func ParseMessage(b []byte) (Message, error) {
	if len(b) < 2 {
		return nil, fmt.Errorf("%w: %d bytes is too short for a message header", ErrTruncatedMessage, len(b))
	}

	flags := binary.BigEndian.Uint16(b[0:2])
	if v := flags & headerVersionMask; v != protocolVersion2 {
		return nil, fmt.Errorf("%w: protocol version %d", ErrUnknownMessageKind, v)
	}

	if flags&headerFlagType != 0 {
		return parseControlMessage(b, flags)
	}
	return parseDataMessage(b, flags)
}

func parseControlMessage(b []byte, flags uint16) (*ControlMessage, error) {
	if flags&headerFlagLength == 0 || flags&headerFlagSequence == 0 {
		return nil, fmt.Errorf("%w: control message header lacks length or sequence fields", ErrUnknownMessageKind)
	}

	if len(b) < v2HeaderLen {
		return nil, fmt.Errorf("%w: %d bytes is too short for a control message header",
			ErrTruncatedMessage, len(b))
	}

	var hdr l2tpV2Header
	if err := binary.Read(bytes.NewReader(b), binary.BigEndian, &hdr); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTruncatedMessage, err)
	}

	if int(hdr.Len) < v2HeaderLen {
		return nil, fmt.Errorf("%w: header length %d is shorter than the control message header",
			ErrTruncatedMessage, hdr.Len)
	}
	if int(hdr.Len) > len(b) {
		return nil, fmt.Errorf("%w: header length %d exceeds the %d bytes received",
			ErrTruncatedMessage, hdr.Len, len(b))
	}

	// A zero-length body is a valid (ZLB) acknowledgement, so no AVPs
	// is not an error here.
	avps, err := ParseAVPBuffer(b[v2HeaderLen:hdr.Len])
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidAVP, err)
	}

	return &ControlMessage{
		Length:    hdr.Len,
		TunnelID:  hdr.Tid,
		SessionID: hdr.Sid,
		Ns:        hdr.Ns,
		Nr:        hdr.Nr,
		AVPs:      avps,
	}, nil
}

func parseDataMessage(b []byte, flags uint16) (*DataMessage, error) {
	var length int
	var msg DataMessage

	need := func(off, n int, what string) error {
		if len(b) < off+n {
			return fmt.Errorf("%w: %d bytes is too short for data message %s", ErrTruncatedMessage, len(b), what)
		}
		return nil
	}

	off := 2
	if flags&headerFlagLength != 0 {
		if err := need(off, 2, "length"); err != nil {
			return nil, err
		}
		length = int(binary.BigEndian.Uint16(b[off:]))
		off += 2
	}

	if err := need(off, 4, "tunnel and session IDs"); err != nil {
		return nil, err
	}
	msg.TunnelID = binary.BigEndian.Uint16(b[off:])
	msg.SessionID = binary.BigEndian.Uint16(b[off+2:])
	off += 4

	if flags&headerFlagSequence != 0 {
		if err := need(off, 4, "sequence numbers"); err != nil {
			return nil, err
		}
		msg.Sequenced = true
		msg.Ns = binary.BigEndian.Uint16(b[off:])
		msg.Nr = binary.BigEndian.Uint16(b[off+2:])
		off += 4
	}

	if flags&headerFlagOffset != 0 {
		if err := need(off, 2, "offset size"); err != nil {
			return nil, err
		}
		pad := int(binary.BigEndian.Uint16(b[off:]))
		off += 2
		if err := need(off, pad, "offset padding"); err != nil {
			return nil, err
		}
		off += pad
	}

	end := len(b)
	if flags&headerFlagLength != 0 {
		if length < off {
			return nil, fmt.Errorf("%w: header length %d is shorter than the data message header",
				ErrTruncatedMessage, length)
		}
		if length > len(b) {
			return nil, fmt.Errorf("%w: header length %d exceeds the %d bytes received",
				ErrTruncatedMessage, length, len(b))
		}
		end = length
	}

	msg.Payload = clone(b[off:end])
	return &msg, nil
}
