/*
Package l2tp implements the client side of the L2TPv2 control connection
handshake for Linux systems.

L2TPv2 is specified by RFC2661.  It is used to carry PPP frames between
an access concentrator (LAC) and a network server (LNS).  Before any
sessions can be set up the two peers establish a control connection:
the LAC sends Start-Control-Connection-Request (SCCRQ), the LNS answers
with Start-Control-Connection-Reply (SCCRP), and the LAC confirms with
Start-Control-Connection-Connected (SCCCN).

Package l2tp implements:

 * encoding and decoding of L2TPv2 control and data message headers,
 * encoding and decoding of the Attribute Value Pairs (AVPs) carried in
   control messages,
 * the SCCRQ/SCCRP/SCCCN handshake, including the response to the
   LNS's challenge,
 * a UDP transport for the handshake whose socket may be handed to the
   Linux kernel data plane once the tunnel is established.

Reliable delivery, retransmission, HELLO keep-alives and session setup
are not implemented.  Callers wanting to retry a failed handshake create
a new Handshake over a new transport.

Usage

	import (
		"github.com/katalix/go-l2tpcc/l2tp"
	)

	# Note we're ignoring errors for brevity.

	xport, _ := l2tp.NewUDPTransport("", "192.0.2.1:1701", l2tp.TransportConfig{
		RecvTimeout: 5 * time.Second,
	})
	defer xport.Close()

	h, _ := l2tp.NewHandshake(xport, &l2tp.HandshakeConfig{
		TunnelID: 62719,
		Secret:   []byte("sharedsecret"),
	})

	if err := h.Run(); err != nil {
		fmt.Println("handshake failed:", l2tp.FailureReason(err))
	}

	# Instantiate the tunnel in the kernel.
	dp, _ := l2tp.NewNetlinkDataPlane()
	dpcfg, _ := l2tp.NewDataPlaneConfig(h)
	tdp, _ := dp.NewTunnel(dpcfg, xport.FD())

Errors

Handshake failures wrap one of the exported Err* values, allowing callers
to use errors.Is to determine why the handshake failed.  FailureReason
maps an error to a short label suitable for logging or metrics.

Logging

Package l2tp uses structured logging.  The logger of choice is the go-kit
logger: https://godoc.org/github.com/go-kit/kit/log, and uses go-kit levels
in order to separate verbose debugging logs from normal informational output:
https://godoc.org/github.com/go-kit/kit/log/level.

Logging emitted at level.Info covers the start and result of the handshake
and any unrecognised AVPs the peer sends.

Logging emitted at level.Debug traces each message sent and received and
each state machine event.

To disable all logging from package l2tp, pass in a nil logger.

*/
package l2tp
