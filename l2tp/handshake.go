package l2tp

import (
	"errors"
	"fmt"
	"os"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
)

// Transport is the datagram transport a Handshake exchanges messages over.
//
// Send transmits a single datagram and returns the number of bytes sent.
// Recv blocks until a single datagram arrives and returns its contents.
type Transport interface {
	Send(b []byte) (int, error)
	Recv() ([]byte, error)
}

// Metrics observes the progress of a Handshake.
type Metrics interface {
	// MessageSent is called for each control message successfully sent.
	MessageSent(t AVPMsgType)
	// MessageReceived is called for each control message received.
	MessageReceived(t AVPMsgType)
	// UnknownAVP is called for each AVP ignored because it wasn't recognised.
	UnknownAVP(a UnknownAVP)
	// HandshakeDone is called once the handshake completes, with a nil
	// error on success.
	HandshakeDone(err error)
}

type nullMetrics struct{}

func (nullMetrics) MessageSent(AVPMsgType)     {}
func (nullMetrics) MessageReceived(AVPMsgType) {}
func (nullMetrics) UnknownAVP(UnknownAVP)      {}
func (nullMetrics) HandshakeDone(error)        {}

// HandshakeState is the state of the control connection handshake.
type HandshakeState int

const (
	// HandshakeIdle is the state before Run is called.
	HandshakeIdle HandshakeState = iota
	// HandshakeRequestSent is the state once the SCCRQ has been sent.
	HandshakeRequestSent
	// HandshakeResponseValidated is the state once a valid SCCRP has been received.
	HandshakeResponseValidated
	// HandshakeEstablished is the state once the SCCCN has been sent.
	HandshakeEstablished
	// HandshakeFailed is the terminal state following any error.
	HandshakeFailed
)

func (s HandshakeState) String() string {
	switch s {
	case HandshakeIdle:
		return "idle"
	case HandshakeRequestSent:
		return "request-sent"
	case HandshakeResponseValidated:
		return "response-validated"
	case HandshakeEstablished:
		return "established"
	case HandshakeFailed:
		return "failed"
	}
	return fmt.Sprintf("HandshakeState(%d)", int(s))
}

// FramingCapability describes the type of framing which a peer supports.
// It should be specified as a bitwise OR of FramingCap* values.
type FramingCapability uint32

const (
	// FramingCapSync indicates synchronous framing is supported
	FramingCapSync FramingCapability = framingCapSync
	// FramingCapAsync indicates asynchronous framing is supported
	FramingCapAsync FramingCapability = framingCapAsync
)

// HandshakeConfig configures a Handshake.
type HandshakeConfig struct {
	// TunnelID is the tunnel ID we assign to the tunnel.  The peer uses
	// it in the header of every message it sends us.  It must be non-zero.
	TunnelID uint16
	// HostName is sent in the SCCRQ.  If unset, os.Hostname is used.
	HostName string
	// Secret is the shared secret used to answer the peer's challenge.
	Secret []byte
	// FramingCaps is sent in the SCCRQ.  If unset, both sync and
	// async framing are advertised.
	FramingCaps FramingCapability
	// ReceiveWindowSize, if non-zero, is sent in the SCCRQ.
	ReceiveWindowSize uint16
	// VerifyProtocolVersion requires the SCCRP to carry a Protocol
	// Version AVP for version 1 revision 0.
	VerifyProtocolVersion bool
	// Logger is used for logging.  If nil, nothing is logged.
	Logger log.Logger
	// Metrics, if set, is informed of handshake progress.
	Metrics Metrics
}

// Handshake runs the client side of the RFC2661 control connection
// establishment: it sends SCCRQ, validates the peer's SCCRP, and
// answers with an SCCCN carrying the response to the peer's challenge.
//
// A Handshake runs once.  Create a new Handshake with a fresh transport
// to try again.
type Handshake struct {
	cfg              HandshakeConfig
	logger           log.Logger
	metrics          Metrics
	xport            Transport
	fsm              fsm
	assignedTunnelID uint16
	challenge        []byte
	peerNs           uint16
	err              error
}

// NewHandshake creates a Handshake which will run over xport.
func NewHandshake(xport Transport, cfg *HandshakeConfig) (*Handshake, error) {
	if xport == nil {
		return nil, errors.New("invalid nil transport")
	}
	if cfg == nil {
		return nil, errors.New("invalid nil config")
	}
	if cfg.TunnelID == 0 {
		return nil, errors.New("tunnel ID must be non-zero")
	}

	// Duplicate the configuration so we don't modify the user's copy
	myCfg := *cfg
	if myCfg.HostName == "" {
		name, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("failed to look up host name: %v", err)
		}
		myCfg.HostName = name
	}
	if myCfg.FramingCaps == 0 {
		myCfg.FramingCaps = FramingCapSync | FramingCapAsync
	}

	h := &Handshake{
		cfg:     myCfg,
		logger:  myCfg.Logger,
		metrics: myCfg.Metrics,
		xport:   xport,
	}
	if h.logger == nil {
		h.logger = log.NewNopLogger()
	}
	h.logger = log.With(h.logger, "tunnel_id", myCfg.TunnelID)
	if h.metrics == nil {
		h.metrics = nullMetrics{}
	}

	// Ref: RFC2661 section 7.2.1
	h.fsm = fsm{
		current: HandshakeIdle,
		table: []eventDesc{
			{from: HandshakeIdle, events: []string{"open"}, cb: h.sendSccrq, to: HandshakeRequestSent},
			{from: HandshakeRequestSent, events: []string{"recv"}, cb: h.recvSccrp, to: HandshakeResponseValidated},
			{from: HandshakeResponseValidated, events: []string{"connect"}, cb: h.sendScccn, to: HandshakeEstablished},
		},
	}

	return h, nil
}

// Run runs the handshake to completion.  It returns nil once the tunnel
// is established; any failure leaves the handshake in HandshakeFailed
// with the error available from Err.
//
// Run may only be called once.  Later calls return an error wrapping
// ErrAlreadyRun and leave the handshake untouched.
func (h *Handshake) Run() error {
	if h.fsm.current != HandshakeIdle {
		return fmt.Errorf("%w: state is %v", ErrAlreadyRun, h.fsm.current)
	}

	level.Info(h.logger).Log("message", "starting control connection handshake")

	for _, ev := range []string{"open", "recv", "connect"} {
		level.Debug(h.logger).Log(
			"message", "fsm event",
			"event", ev,
			"state", h.fsm.current)
		if err := h.fsm.handleEvent(ev); err != nil {
			return h.fail(err)
		}
	}

	level.Info(h.logger).Log(
		"message", "control connection established",
		"peer_tunnel_id", h.assignedTunnelID)
	h.metrics.HandshakeDone(nil)
	return nil
}

// State returns the current handshake state.
func (h *Handshake) State() HandshakeState {
	return h.fsm.current
}

// TunnelID returns the tunnel ID we requested.
func (h *Handshake) TunnelID() uint16 {
	return h.cfg.TunnelID
}

// AssignedTunnelID returns the tunnel ID the peer assigned in its SCCRP.
// It is zero until the SCCRP has been validated.
func (h *Handshake) AssignedTunnelID() uint16 {
	return h.assignedTunnelID
}

// Challenge returns the challenge the peer sent in its SCCRP.
func (h *Handshake) Challenge() []byte {
	return h.challenge
}

// Err returns the error which caused the handshake to fail, if any.
func (h *Handshake) Err() error {
	return h.err
}

func (h *Handshake) fail(err error) error {
	level.Error(h.logger).Log(
		"message", "control connection handshake failed",
		"state", h.fsm.current,
		"reason", FailureReason(err),
		"error", err)
	h.err = err
	h.fsm.current = HandshakeFailed
	h.metrics.HandshakeDone(err)
	return err
}

func (h *Handshake) send(msg *ControlMessage) error {
	mt, _ := msg.MessageType()

	b, err := msg.ToBytes()
	if err != nil {
		return fmt.Errorf("failed to encode %v: %w", mt, err)
	}

	n, err := h.xport.Send(b)
	if err != nil {
		return fmt.Errorf("failed to send %v: %w", mt, err)
	}
	if n != len(b) {
		return fmt.Errorf("%w: sent %d of %d bytes of %v", ErrPartialSend, n, len(b), mt)
	}

	level.Debug(h.logger).Log(
		"message", "send",
		"message_type", mt,
		"length", len(b),
		"ns", msg.Ns,
		"nr", msg.Nr)
	h.metrics.MessageSent(mt)
	return nil
}

func (h *Handshake) sendSccrq() error {
	avps := []AVP{
		MessageTypeAVP{Value: AvpMsgTypeSccrq},
		ProtocolVersionAVP{Version: 1, Revision: 0},
		HostNameAVP{Value: []byte(h.cfg.HostName)},
		FramingCapabilitiesAVP{
			Sync:  h.cfg.FramingCaps&FramingCapSync != 0,
			Async: h.cfg.FramingCaps&FramingCapAsync != 0,
		},
		AssignedTunnelIDAVP{Value: h.cfg.TunnelID},
	}
	if h.cfg.ReceiveWindowSize != 0 {
		avps = append(avps, ReceiveWindowSizeAVP{Value: h.cfg.ReceiveWindowSize})
	}

	// The peer hasn't assigned a tunnel ID yet, so the header carries zero
	return h.send(&ControlMessage{AVPs: avps})
}

func (h *Handshake) recvSccrp() error {
	b, err := h.xport.Recv()
	if err != nil {
		return fmt.Errorf("failed to receive SCCRP: %w", err)
	}

	m, err := ParseMessage(b)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidResponse, err)
	}

	var msg *ControlMessage
	switch m := m.(type) {
	case *ControlMessage:
		msg = m
	case *DataMessage:
		return fmt.Errorf("%w: tid %d sid %d", ErrPrematureData, m.TunnelID, m.SessionID)
	}

	if msg.TunnelID != h.cfg.TunnelID {
		return fmt.Errorf("%w: expected %d, got %d", ErrTunnelIDMismatch, h.cfg.TunnelID, msg.TunnelID)
	}

	mt, ok := msg.MessageType()
	if !ok {
		return fmt.Errorf("%w: first AVP is not a Message Type AVP", ErrUnexpectedMessageType)
	}
	h.metrics.MessageReceived(mt)

	level.Debug(h.logger).Log(
		"message", "recv",
		"message_type", mt,
		"length", len(b),
		"ns", msg.Ns,
		"nr", msg.Nr)

	if mt != AvpMsgTypeSccrp {
		return fmt.Errorf("%w: expected %v, got %v", ErrUnexpectedMessageType, AvpMsgTypeSccrp, mt)
	}

	var assignedTunnelID *uint16
	var challenge []byte
	var version *ProtocolVersionAVP

	for _, a := range msg.AVPs[1:] {
		switch a := a.(type) {
		case AssignedTunnelIDAVP:
			assignedTunnelID = &a.Value
		case ChallengeAVP:
			challenge = a.Value
		case ProtocolVersionAVP:
			version = &a
		case UnknownAVP:
			level.Info(h.logger).Log(
				"message", "ignoring unrecognised AVP",
				"avp", a)
			h.metrics.UnknownAVP(a)
		default:
			level.Debug(h.logger).Log(
				"message", "ignoring AVP",
				"avp", a)
		}
	}

	if assignedTunnelID == nil {
		return fmt.Errorf("%w: SCCRP has no Assigned Tunnel ID AVP", ErrMissingTunnelID)
	}
	if *assignedTunnelID == 0 {
		return fmt.Errorf("%w: SCCRP assigns reserved tunnel ID 0", ErrMissingTunnelID)
	}
	if challenge == nil {
		return fmt.Errorf("%w: SCCRP has no Challenge AVP", ErrMissingChallenge)
	}
	if h.cfg.VerifyProtocolVersion {
		if version == nil {
			return fmt.Errorf("%w: SCCRP has no Protocol Version AVP", ErrProtocolVersionMismatch)
		}
		if version.Version != 1 || version.Revision != 0 {
			return fmt.Errorf("%w: peer offers %d.%d", ErrProtocolVersionMismatch, version.Version, version.Revision)
		}
	}

	h.assignedTunnelID = *assignedTunnelID
	h.challenge = challenge
	h.peerNs = msg.Ns
	return nil
}

func (h *Handshake) sendScccn() error {
	rsp := ChallengeResponse(h.assignedTunnelID, h.cfg.Secret, h.challenge)
	return h.send(&ControlMessage{
		TunnelID: h.assignedTunnelID,
		Ns:       1,
		Nr:       h.peerNs + 1,
		AVPs: []AVP{
			MessageTypeAVP{Value: AvpMsgTypeScccn},
			ChallengeResponseAVP{Value: rsp},
		},
	})
}
