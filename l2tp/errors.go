package l2tp

import (
	"errors"
)

// Errors returned by the codec.  Callers should test for these using
// errors.Is, since they are always wrapped with further detail.
var (
	// ErrMalformedAVP is returned when an AVP cannot be decoded
	ErrMalformedAVP = errors.New("malformed AVP")
	// ErrAVPTooLarge is returned when an AVP payload won't fit the 10-bit length field
	ErrAVPTooLarge = errors.New("AVP too large")
	// ErrTruncatedMessage is returned when a message buffer is shorter than its header requires
	ErrTruncatedMessage = errors.New("truncated message")
	// ErrUnknownMessageKind is returned for headers which are neither L2TPv2 control nor data
	ErrUnknownMessageKind = errors.New("unknown message kind")
	// ErrInvalidAVP is returned when a control message carries an AVP which fails to decode
	ErrInvalidAVP = errors.New("invalid AVP in control message")
)

// Errors returned by the handshake.
var (
	ErrPartialSend             = errors.New("partial send")
	ErrTunnelIDMismatch        = errors.New("tunnel ID mismatch")
	ErrUnexpectedMessageType   = errors.New("unexpected message type")
	ErrMissingTunnelID         = errors.New("missing assigned tunnel ID")
	ErrMissingChallenge        = errors.New("missing challenge")
	ErrPrematureData           = errors.New("data message received before tunnel establishment")
	ErrInvalidResponse         = errors.New("invalid response")
	ErrProtocolVersionMismatch = errors.New("protocol version mismatch")
	ErrAlreadyRun              = errors.New("handshake has already run")
)

var failureReasons = []struct {
	err    error
	reason string
}{
	{ErrPartialSend, "partial_send"},
	{ErrTunnelIDMismatch, "tunnel_id_mismatch"},
	{ErrUnexpectedMessageType, "unexpected_message_type"},
	{ErrMissingTunnelID, "missing_tunnel_id"},
	{ErrMissingChallenge, "missing_challenge"},
	{ErrPrematureData, "premature_data"},
	{ErrProtocolVersionMismatch, "protocol_version_mismatch"},
	{ErrInvalidResponse, "invalid_response"},
	{ErrAVPTooLarge, "encode_error"},
}

// FailureReason returns a short label describing err, suitable for use
// as a log value or metric label.  A nil error is reported as "established".
// Errors not raised by this package are assumed to come from the transport.
func FailureReason(err error) string {
	if err == nil {
		return "established"
	}
	for _, fr := range failureReasons {
		if errors.Is(err, fr.err) {
			return fr.reason
		}
	}
	return "io_error"
}
