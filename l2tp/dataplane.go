package l2tp

import (
	"fmt"
)

// DataPlane is an interface for creating tunnel data plane instances.
//
// The control connection handshake is handled in userspace; once it
// completes, the data plane takes over forwarding of data messages.
type DataPlane interface {
	// NewTunnel creates a new tunnel data plane instance.
	//
	// The fd is the socket carrying the established control connection.
	// The data plane may share the socket but does not take ownership
	// of it.
	NewTunnel(cfg *TunnelDataPlaneConfig, fd int) (TunnelDataPlane, error)

	// Close is called to release any resources held by the data plane.
	Close()
}

// TunnelDataPlaneConfig describes an established tunnel.
type TunnelDataPlaneConfig struct {
	// TunnelID is the ID we assigned to the tunnel
	TunnelID uint16
	// PeerTunnelID is the ID the peer assigned to the tunnel
	PeerTunnelID uint16
}

// TunnelDataPlane is an interface representing a tunnel data plane.
type TunnelDataPlane interface {
	// Down performs the necessary actions to tear down the data plane.
	// On successful return the dataplane should be fully destroyed.
	Down() error
}

// NewDataPlaneConfig returns the data plane configuration for the tunnel
// an Established handshake negotiated.
func NewDataPlaneConfig(h *Handshake) (*TunnelDataPlaneConfig, error) {
	if h.State() != HandshakeEstablished {
		return nil, fmt.Errorf("tunnel is not established: handshake state %v", h.State())
	}
	return &TunnelDataPlaneConfig{
		TunnelID:     h.TunnelID(),
		PeerTunnelID: h.AssignedTunnelID(),
	}, nil
}
