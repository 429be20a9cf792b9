package l2tp

import (
	"bytes"
	"encoding/hex"
	"errors"
	"io"
	"testing"

	"github.com/go-kit/kit/log"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

type recvResult struct {
	b   []byte
	err error
}

// scriptedTransport records what is sent and replays a fixed series of
// receive results.
type scriptedTransport struct {
	sent    [][]byte
	shortOn int // 1-based index of the send to truncate, or 0
	sendErr error
	recvs   []recvResult
	nrecv   int
}

func (st *scriptedTransport) Send(b []byte) (int, error) {
	if st.sendErr != nil {
		return 0, st.sendErr
	}
	st.sent = append(st.sent, append([]byte(nil), b...))
	if st.shortOn == len(st.sent) {
		return len(b) - 1, nil
	}
	return len(b), nil
}

func (st *scriptedTransport) Recv() ([]byte, error) {
	st.nrecv++
	if len(st.recvs) == 0 {
		return nil, io.EOF
	}
	r := st.recvs[0]
	st.recvs = st.recvs[1:]
	return r.b, r.err
}

type recordingMetrics struct {
	sent, received []AVPMsgType
	unknown        []UnknownAVP
	done           []error
}

func (rm *recordingMetrics) MessageSent(t AVPMsgType)     { rm.sent = append(rm.sent, t) }
func (rm *recordingMetrics) MessageReceived(t AVPMsgType) { rm.received = append(rm.received, t) }
func (rm *recordingMetrics) UnknownAVP(a UnknownAVP)      { rm.unknown = append(rm.unknown, a) }
func (rm *recordingMetrics) HandshakeDone(err error)      { rm.done = append(rm.done, err) }

func mustEncode(t *testing.T, m Message) []byte {
	t.Helper()
	b, err := m.ToBytes()
	if err != nil {
		t.Fatalf("ToBytes(): %v", err)
	}
	return b
}

func sccrp(tid, ns uint16, avps ...AVP) *ControlMessage {
	return &ControlMessage{
		TunnelID: tid,
		Ns:       ns,
		Nr:       1,
		AVPs:     append([]AVP{MessageTypeAVP{Value: AvpMsgTypeSccrp}}, avps...),
	}
}

func testHandshakeConfig() *HandshakeConfig {
	return &HandshakeConfig{
		TunnelID: 6,
		HostName: "RUGGEDv0",
		Secret:   []byte("secret"),
		Logger:   log.NewNopLogger(),
	}
}

func parseSent(t *testing.T, b []byte) *ControlMessage {
	t.Helper()
	m, err := ParseMessage(b)
	if err != nil {
		t.Fatalf("ParseMessage(%x): %v", b, err)
	}
	cm, ok := m.(*ControlMessage)
	if !ok {
		t.Fatalf("sent %T; want *ControlMessage", m)
	}
	return cm
}

func TestHandshakeEstablished(t *testing.T) {
	xport := &scriptedTransport{
		recvs: []recvResult{{b: mustEncode(t, sccrp(6, 0,
			ProtocolVersionAVP{Version: 1, Revision: 0},
			HostNameAVP{Value: []byte("lns")},
			FramingCapabilitiesAVP{Sync: true},
			AssignedTunnelIDAVP{Value: 42},
			ChallengeAVP{Value: []byte{1, 2, 3}},
		))}},
	}
	rm := &recordingMetrics{}
	cfg := testHandshakeConfig()
	cfg.Metrics = rm

	h, err := NewHandshake(xport, cfg)
	if err != nil {
		t.Fatalf("NewHandshake(): %v", err)
	}
	if h.State() != HandshakeIdle {
		t.Errorf("State() == %v before Run; want %v", h.State(), HandshakeIdle)
	}

	if err := h.Run(); err != nil {
		t.Fatalf("Run(): %v", err)
	}

	if h.State() != HandshakeEstablished {
		t.Errorf("State() == %v; want %v", h.State(), HandshakeEstablished)
	}
	if h.TunnelID() != 6 {
		t.Errorf("TunnelID() == %v; want 6", h.TunnelID())
	}
	if h.AssignedTunnelID() != 42 {
		t.Errorf("AssignedTunnelID() == %v; want 42", h.AssignedTunnelID())
	}
	if diff := cmp.Diff([]byte{1, 2, 3}, h.Challenge()); diff != "" {
		t.Errorf("Challenge() mismatch (-want +got):\n%s", diff)
	}
	if h.Err() != nil {
		t.Errorf("Err() == %v; want nil", h.Err())
	}

	if len(xport.sent) != 2 {
		t.Fatalf("sent %d messages; want 2", len(xport.sent))
	}

	wantSccrq := &ControlMessage{
		Length: uint16(len(xport.sent[0])),
		AVPs: []AVP{
			MessageTypeAVP{Value: AvpMsgTypeSccrq},
			ProtocolVersionAVP{Version: 1, Revision: 0},
			HostNameAVP{Value: []byte("RUGGEDv0")},
			FramingCapabilitiesAVP{Sync: true, Async: true},
			AssignedTunnelIDAVP{Value: 6},
		},
	}
	if diff := cmp.Diff(wantSccrq, parseSent(t, xport.sent[0])); diff != "" {
		t.Errorf("SCCRQ mismatch (-want +got):\n%s", diff)
	}

	rsp, _ := hex.DecodeString("0afcb1484cfa8c356c50ff3446b3232a")
	var digest [16]byte
	copy(digest[:], rsp)
	wantScccn := &ControlMessage{
		Length:   uint16(len(xport.sent[1])),
		TunnelID: 42,
		Ns:       1,
		Nr:       1,
		AVPs: []AVP{
			MessageTypeAVP{Value: AvpMsgTypeScccn},
			ChallengeResponseAVP{Value: digest},
		},
	}
	if diff := cmp.Diff(wantScccn, parseSent(t, xport.sent[1])); diff != "" {
		t.Errorf("SCCCN mismatch (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff([]AVPMsgType{AvpMsgTypeSccrq, AvpMsgTypeScccn}, rm.sent); diff != "" {
		t.Errorf("sent metrics mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]AVPMsgType{AvpMsgTypeSccrp}, rm.received); diff != "" {
		t.Errorf("received metrics mismatch (-want +got):\n%s", diff)
	}
	if len(rm.done) != 1 || rm.done[0] != nil {
		t.Errorf("HandshakeDone calls == %v; want [nil]", rm.done)
	}
}

func TestHandshakeOptionalSccrqAVPs(t *testing.T) {
	xport := &scriptedTransport{
		recvs: []recvResult{{b: mustEncode(t, sccrp(9, 0,
			AssignedTunnelIDAVP{Value: 1},
			ChallengeAVP{Value: []byte{}},
		))}},
	}
	cfg := testHandshakeConfig()
	cfg.TunnelID = 9
	cfg.FramingCaps = FramingCapSync
	cfg.ReceiveWindowSize = 4

	h, err := NewHandshake(xport, cfg)
	if err != nil {
		t.Fatalf("NewHandshake(): %v", err)
	}
	if err := h.Run(); err != nil {
		t.Fatalf("Run(): %v", err)
	}

	got := parseSent(t, xport.sent[0]).AVPs
	want := []AVP{
		MessageTypeAVP{Value: AvpMsgTypeSccrq},
		ProtocolVersionAVP{Version: 1, Revision: 0},
		HostNameAVP{Value: []byte("RUGGEDv0")},
		FramingCapabilitiesAVP{Sync: true},
		AssignedTunnelIDAVP{Value: 9},
		ReceiveWindowSizeAVP{Value: 4},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("SCCRQ AVPs mismatch (-want +got):\n%s", diff)
	}

	// An empty challenge is still a challenge
	scccn := parseSent(t, xport.sent[1])
	wantRsp := ChallengeResponseAVP{Value: ChallengeResponse(1, []byte("secret"), nil)}
	if diff := cmp.Diff(AVP(wantRsp), scccn.AVPs[1]); diff != "" {
		t.Errorf("challenge response mismatch (-want +got):\n%s", diff)
	}
}

func TestHandshakeIgnoresUnknownAVPs(t *testing.T) {
	vendor := UnknownAVP{VendorID: 311, AttrType: 1, Data: []byte("x")}
	xport := &scriptedTransport{
		recvs: []recvResult{{b: mustEncode(t, sccrp(6, 3,
			vendor,
			TiebreakerAVP{Value: [8]byte{1}},
			BearerCapabilitiesAVP{Analog: true},
			FirmwareRevisionAVP{Value: 0x0100},
			VendorNameAVP{Value: []byte("acme")},
			ReceiveWindowSizeAVP{Value: 8},
			AssignedTunnelIDAVP{Value: 42},
			ChallengeAVP{Value: []byte{9}},
		))}},
	}
	rm := &recordingMetrics{}
	cfg := testHandshakeConfig()
	cfg.Metrics = rm

	h, err := NewHandshake(xport, cfg)
	if err != nil {
		t.Fatalf("NewHandshake(): %v", err)
	}
	if err := h.Run(); err != nil {
		t.Fatalf("Run(): %v", err)
	}

	if diff := cmp.Diff([]UnknownAVP{vendor}, rm.unknown); diff != "" {
		t.Errorf("unknown AVP metrics mismatch (-want +got):\n%s", diff)
	}

	// Nr acknowledges the SCCRP
	if scccn := parseSent(t, xport.sent[1]); scccn.Nr != 4 {
		t.Errorf("SCCCN Nr == %d; want 4", scccn.Nr)
	}
}

func TestHandshakeFailures(t *testing.T) {
	goodAVPs := []AVP{AssignedTunnelIDAVP{Value: 42}, ChallengeAVP{Value: []byte{1, 2, 3}}}
	errRecv := errors.New("recv failed")
	errSend := errors.New("send failed")

	cases := []struct {
		name      string
		xport     *scriptedTransport
		strict    bool
		want      error
		reason    string
		wantSends int
	}{
		{
			name:      "tunnel id mismatch",
			xport:     &scriptedTransport{recvs: []recvResult{{b: mustEncode(t, sccrp(7, 0, goodAVPs...))}}},
			want:      ErrTunnelIDMismatch,
			reason:    "tunnel_id_mismatch",
			wantSends: 1,
		},
		{
			name:      "misaddressed zlb",
			xport:     &scriptedTransport{recvs: []recvResult{{b: mustEncode(t, &ControlMessage{TunnelID: 7})}}},
			want:      ErrTunnelIDMismatch,
			reason:    "tunnel_id_mismatch",
			wantSends: 1,
		},
		{
			name: "misaddressed message without message type",
			xport: &scriptedTransport{recvs: []recvResult{{b: mustEncode(t, &ControlMessage{
				TunnelID: 7,
				AVPs:     append([]AVP{HostNameAVP{Value: []byte("lns")}}, goodAVPs...),
			})}}},
			want:      ErrTunnelIDMismatch,
			reason:    "tunnel_id_mismatch",
			wantSends: 1,
		},
		{
			name: "missing challenge",
			xport: &scriptedTransport{recvs: []recvResult{{b: mustEncode(t, sccrp(6, 0,
				AssignedTunnelIDAVP{Value: 42}))}}},
			want:      ErrMissingChallenge,
			reason:    "missing_challenge",
			wantSends: 1,
		},
		{
			name: "missing tunnel id",
			xport: &scriptedTransport{recvs: []recvResult{{b: mustEncode(t, sccrp(6, 0,
				ChallengeAVP{Value: []byte{1}}))}}},
			want:      ErrMissingTunnelID,
			reason:    "missing_tunnel_id",
			wantSends: 1,
		},
		{
			name: "hidden tunnel id",
			xport: &scriptedTransport{recvs: []recvResult{{b: mustEncode(t, sccrp(6, 0,
				UnknownAVP{AttrType: AvpTypeTunnelID, Mandatory: true, Hidden: true, Data: []byte{0, 42}},
				ChallengeAVP{Value: []byte{1}}))}}},
			want:      ErrMissingTunnelID,
			reason:    "missing_tunnel_id",
			wantSends: 1,
		},
		{
			name: "zero tunnel id",
			xport: &scriptedTransport{recvs: []recvResult{{b: mustEncode(t, sccrp(6, 0,
				AssignedTunnelIDAVP{Value: 0},
				ChallengeAVP{Value: []byte{1}}))}}},
			want:      ErrMissingTunnelID,
			reason:    "missing_tunnel_id",
			wantSends: 1,
		},
		{
			name: "premature data",
			xport: &scriptedTransport{recvs: []recvResult{{b: mustEncode(t,
				&DataMessage{TunnelID: 6, SessionID: 1, Payload: []byte{0xff, 0x03}})}}},
			want:      ErrPrematureData,
			reason:    "premature_data",
			wantSends: 1,
		},
		{
			name: "unexpected message type",
			xport: &scriptedTransport{recvs: []recvResult{{b: mustEncode(t, &ControlMessage{
				TunnelID: 6,
				AVPs:     append([]AVP{MessageTypeAVP{Value: AvpMsgTypeStopccn}}, goodAVPs...),
			})}}},
			want:      ErrUnexpectedMessageType,
			reason:    "unexpected_message_type",
			wantSends: 1,
		},
		{
			name: "first avp not message type",
			xport: &scriptedTransport{recvs: []recvResult{{b: mustEncode(t, &ControlMessage{
				TunnelID: 6,
				AVPs:     append([]AVP{HostNameAVP{Value: []byte("lns")}, MessageTypeAVP{Value: AvpMsgTypeSccrp}}, goodAVPs...),
			})}}},
			want:      ErrUnexpectedMessageType,
			reason:    "unexpected_message_type",
			wantSends: 1,
		},
		{
			name:      "zlb",
			xport:     &scriptedTransport{recvs: []recvResult{{b: mustEncode(t, &ControlMessage{TunnelID: 6})}}},
			want:      ErrUnexpectedMessageType,
			reason:    "unexpected_message_type",
			wantSends: 1,
		},
		{
			name:      "undecodable response",
			xport:     &scriptedTransport{recvs: []recvResult{{b: []byte{0xc8, 0x03, 0x00, 0x0c}}}},
			want:      ErrInvalidResponse,
			reason:    "invalid_response",
			wantSends: 1,
		},
		{
			name:      "malformed avp in response",
			xport:     &scriptedTransport{recvs: []recvResult{{b: []byte{0xc8, 0x02, 0x00, 0x0e, 0, 6, 0, 0, 0, 0, 0, 1, 0x80, 0x02}}}},
			want:      ErrInvalidAVP,
			reason:    "invalid_response",
			wantSends: 1,
		},
		{
			name:      "recv error",
			xport:     &scriptedTransport{recvs: []recvResult{{err: errRecv}}},
			want:      errRecv,
			reason:    "io_error",
			wantSends: 1,
		},
		{
			name:      "short sccrq",
			xport:     &scriptedTransport{shortOn: 1, recvs: []recvResult{{b: mustEncode(t, sccrp(6, 0, goodAVPs...))}}},
			want:      ErrPartialSend,
			reason:    "partial_send",
			wantSends: 1,
		},
		{
			name:      "short scccn",
			xport:     &scriptedTransport{shortOn: 2, recvs: []recvResult{{b: mustEncode(t, sccrp(6, 0, goodAVPs...))}}},
			want:      ErrPartialSend,
			reason:    "partial_send",
			wantSends: 2,
		},
		{
			name:      "send error",
			xport:     &scriptedTransport{sendErr: errSend},
			want:      errSend,
			reason:    "io_error",
			wantSends: 0,
		},
		{
			name:      "strict without protocol version",
			xport:     &scriptedTransport{recvs: []recvResult{{b: mustEncode(t, sccrp(6, 0, goodAVPs...))}}},
			strict:    true,
			want:      ErrProtocolVersionMismatch,
			reason:    "protocol_version_mismatch",
			wantSends: 1,
		},
		{
			name: "strict with wrong protocol version",
			xport: &scriptedTransport{recvs: []recvResult{{b: mustEncode(t, sccrp(6, 0,
				append([]AVP{ProtocolVersionAVP{Version: 2, Revision: 0}}, goodAVPs...)...))}}},
			strict:    true,
			want:      ErrProtocolVersionMismatch,
			reason:    "protocol_version_mismatch",
			wantSends: 1,
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			rm := &recordingMetrics{}
			cfg := testHandshakeConfig()
			cfg.VerifyProtocolVersion = c.strict
			cfg.Metrics = rm

			h, err := NewHandshake(c.xport, cfg)
			if err != nil {
				t.Fatalf("NewHandshake(): %v", err)
			}

			err = h.Run()
			if !errors.Is(err, c.want) {
				t.Fatalf("Run() == %v; want %v", err, c.want)
			}
			if h.State() != HandshakeFailed {
				t.Errorf("State() == %v; want %v", h.State(), HandshakeFailed)
			}
			if h.Err() != err {
				t.Errorf("Err() == %v; want %v", h.Err(), err)
			}
			if got := FailureReason(err); got != c.reason {
				t.Errorf("FailureReason() == %q; want %q", got, c.reason)
			}
			if len(c.xport.sent) != c.wantSends {
				t.Errorf("sent %d messages; want %d", len(c.xport.sent), c.wantSends)
			}
			if len(rm.done) != 1 || rm.done[0] != err {
				t.Errorf("HandshakeDone calls == %v; want [%v]", rm.done, err)
			}

			// A failed handshake can't be rerun
			nrecv := c.xport.nrecv
			if rerr := h.Run(); !errors.Is(rerr, ErrAlreadyRun) {
				t.Errorf("second Run() == %v; want %v", rerr, ErrAlreadyRun)
			}
			if c.xport.nrecv != nrecv || len(c.xport.sent) != c.wantSends {
				t.Errorf("second Run() used the transport")
			}
			if h.Err() != err || len(rm.done) != 1 {
				t.Errorf("second Run() changed the recorded failure")
			}
		})
	}
}

func TestHandshakeStrictProtocolVersion(t *testing.T) {
	xport := &scriptedTransport{
		recvs: []recvResult{{b: mustEncode(t, sccrp(6, 0,
			ProtocolVersionAVP{Version: 1, Revision: 0},
			AssignedTunnelIDAVP{Value: 42},
			ChallengeAVP{Value: []byte{1}},
		))}},
	}
	cfg := testHandshakeConfig()
	cfg.VerifyProtocolVersion = true

	h, err := NewHandshake(xport, cfg)
	if err != nil {
		t.Fatalf("NewHandshake(): %v", err)
	}
	if err := h.Run(); err != nil {
		t.Errorf("Run(): %v", err)
	}
}

func TestHandshakeRunTwice(t *testing.T) {
	xport := &scriptedTransport{
		recvs: []recvResult{{b: mustEncode(t, sccrp(6, 0,
			AssignedTunnelIDAVP{Value: 42},
			ChallengeAVP{Value: []byte{1}},
		))}},
	}
	var logbuf bytes.Buffer
	rm := &recordingMetrics{}
	cfg := testHandshakeConfig()
	cfg.Logger = log.NewLogfmtLogger(&logbuf)
	cfg.Metrics = rm

	h, err := NewHandshake(xport, cfg)
	if err != nil {
		t.Fatalf("NewHandshake(): %v", err)
	}
	if err := h.Run(); err != nil {
		t.Fatalf("Run(): %v", err)
	}

	logged := logbuf.Len()
	if err := h.Run(); !errors.Is(err, ErrAlreadyRun) {
		t.Errorf("second Run() == %v; want %v", err, ErrAlreadyRun)
	}
	if logbuf.Len() != logged {
		t.Errorf("second Run() logged %q", logbuf.String()[logged:])
	}
	if len(rm.done) != 1 {
		t.Errorf("HandshakeDone called %d times; want 1", len(rm.done))
	}
	if h.State() != HandshakeEstablished {
		t.Errorf("State() == %v after second Run(); want %v", h.State(), HandshakeEstablished)
	}
	if h.Err() != nil {
		t.Errorf("Err() == %v after second Run(); want nil", h.Err())
	}
	if len(xport.sent) != 2 {
		t.Errorf("sent %d messages; want 2", len(xport.sent))
	}
}

func TestNewHandshakeBadArgs(t *testing.T) {
	cases := []struct {
		name  string
		xport Transport
		cfg   *HandshakeConfig
	}{
		{"nil transport", nil, testHandshakeConfig()},
		{"nil config", &scriptedTransport{}, nil},
		{"zero tunnel id", &scriptedTransport{}, &HandshakeConfig{Secret: []byte("x")}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if _, err := NewHandshake(c.xport, c.cfg); err == nil {
				t.Errorf("NewHandshake() succeeded; want error")
			}
		})
	}
}

func TestNewHandshakeDefaults(t *testing.T) {
	cfg := &HandshakeConfig{TunnelID: 1}
	h, err := NewHandshake(&scriptedTransport{}, cfg)
	if err != nil {
		t.Fatalf("NewHandshake(): %v", err)
	}
	if h.cfg.HostName == "" {
		t.Errorf("host name not defaulted")
	}
	if h.cfg.FramingCaps != FramingCapSync|FramingCapAsync {
		t.Errorf("FramingCaps == %v; want sync|async", h.cfg.FramingCaps)
	}
	if cfg.HostName != "" || cfg.FramingCaps != 0 {
		t.Errorf("NewHandshake() modified the caller's config")
	}
	if diff := cmp.Diff(HandshakeConfig{TunnelID: 1}, *cfg, cmpopts.IgnoreFields(HandshakeConfig{}, "Logger", "Metrics")); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}
