package l2tp

import (
	"fmt"

	"github.com/katalix/go-l2tpcc/internal/nll2tp"
)

var _ DataPlane = (*nlDataPlane)(nil)
var _ TunnelDataPlane = (*nlTunnelDataPlane)(nil)

type nlDataPlane struct {
	nlconn *nll2tp.Conn
}

type nlTunnelDataPlane struct {
	f   *nlDataPlane
	cfg *nll2tp.TunnelConfig
}

func tunnelCfgToNl(cfg *TunnelDataPlaneConfig) *nll2tp.TunnelConfig {
	return &nll2tp.TunnelConfig{
		Tid:        nll2tp.L2tpTunnelID(cfg.TunnelID),
		Ptid:       nll2tp.L2tpTunnelID(cfg.PeerTunnelID),
		Version:    nll2tp.ProtocolVersion2,
		Encap:      nll2tp.EncaptypeUdp,
		DebugFlags: nll2tp.L2tpDebugFlags(0)}
}

func (dpf *nlDataPlane) NewTunnel(cfg *TunnelDataPlaneConfig, fd int) (TunnelDataPlane, error) {
	if cfg == nil {
		return nil, fmt.Errorf("invalid nil tunnel config")
	}

	nlcfg := tunnelCfgToNl(cfg)
	if err := dpf.nlconn.CreateManagedTunnel(fd, nlcfg); err != nil {
		return nil, fmt.Errorf("failed to instantiate tunnel via. netlink: %v", err)
	}
	return &nlTunnelDataPlane{f: dpf, cfg: nlcfg}, nil
}

func (dpf *nlDataPlane) Close() {
	if dpf.nlconn != nil {
		dpf.nlconn.Close()
	}
}

func (tdp *nlTunnelDataPlane) Down() error {
	return tdp.f.nlconn.DeleteTunnel(tdp.cfg)
}

// NewNetlinkDataPlane returns a DataPlane which instantiates tunnels
// in the Linux kernel using the l2tp generic netlink family.
func NewNetlinkDataPlane() (DataPlane, error) {

	nlconn, err := nll2tp.Dial()
	if err != nil {
		return nil, fmt.Errorf("failed to establish a netlink/L2TP connection: %v", err)
	}

	return &nlDataPlane{
		nlconn: nlconn,
	}, nil
}
