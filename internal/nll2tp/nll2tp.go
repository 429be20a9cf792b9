// Package nll2tp manages L2TPv2 tunnel instances in the Linux kernel
// using the l2tp generic netlink family.
package nll2tp

import (
	"errors"

	"github.com/mdlayher/genetlink"
	"github.com/mdlayher/netlink"
)

type L2tpProtocolVersion uint8
type L2tpTunnelID uint32

const (
	ProtocolVersion2 L2tpProtocolVersion = 2
)

// TunnelConfig describes a kernel tunnel instance
type TunnelConfig struct {
	Tid        L2tpTunnelID
	Ptid       L2tpTunnelID
	Version    L2tpProtocolVersion
	Encap      L2tpEncapType
	DebugFlags L2tpDebugFlags
}

// Conn is a generic netlink connection bound to the l2tp family
type Conn struct {
	genlFamily genetlink.Family
	c          *genetlink.Conn
}

// Dial creates a new genetlink L2TP connection to the kernel
func Dial() (*Conn, error) {
	c, err := genetlink.Dial(nil)
	if err != nil {
		return nil, err
	}

	id, err := c.GetFamily(GenlName)
	if err != nil {
		c.Close()
		return nil, err
	}

	return &Conn{
		genlFamily: id,
		c:          c,
	}, nil
}

// Close connection, releasing associated resources
func (c *Conn) Close() {
	c.c.Close()
}

// CreateManagedTunnel creates a tunnel instance in the kernel which uses
// the userspace socket fd for its data path.
func (c *Conn) CreateManagedTunnel(fd int, config *TunnelConfig) error {
	if fd < 0 {
		return errors.New("managed tunnel needs a valid socket file descriptor")
	}

	b, err := tunnelCreateAttr(fd, config)
	if err != nil {
		return err
	}

	return c.execute(CmdTunnelCreate, b)
}

// DeleteTunnel deletes a tunnel instance in the kernel
func (c *Conn) DeleteTunnel(config *TunnelConfig) error {
	if config == nil {
		return errors.New("invalid nil tunnel config")
	}

	ae := netlink.NewAttributeEncoder()
	ae.Uint32(AttrConnId, uint32(config.Tid))
	b, err := ae.Encode()
	if err != nil {
		return err
	}

	return c.execute(CmdTunnelDelete, b)
}

func (c *Conn) execute(cmd uint8, b []byte) error {
	_, err := c.c.Execute(genetlink.Message{
		Header: genetlink.Header{
			Command: cmd,
			Version: c.genlFamily.Version,
		},
		Data: b,
	},
		c.genlFamily.ID,
		netlink.Request|netlink.Acknowledge)
	return err
}

func tunnelCreateAttr(fd int, config *TunnelConfig) ([]byte, error) {

	// Basic error checking
	if config == nil {
		return nil, errors.New("invalid nil tunnel config")
	}
	if config.Tid == 0 {
		return nil, errors.New("tunnel config must have a non-zero tunnel ID")
	}
	if config.Ptid == 0 {
		return nil, errors.New("tunnel config must have a non-zero peer tunnel ID")
	}
	if config.Version != ProtocolVersion2 {
		return nil, errors.New("only L2TPv2 tunnels are supported")
	}
	if config.Tid > 65535 {
		return nil, errors.New("L2TPv2 tunnel ID can't exceed 16-bit limit")
	}
	if config.Ptid > 65535 {
		return nil, errors.New("L2TPv2 peer tunnel ID can't exceed 16-bit limit")
	}
	if config.Encap != EncaptypeUdp {
		return nil, errors.New("L2TPv2 only supports UDP encapsulation")
	}

	ae := netlink.NewAttributeEncoder()
	ae.Uint32(AttrConnId, uint32(config.Tid))
	ae.Uint32(AttrPeerConnId, uint32(config.Ptid))
	ae.Uint8(AttrProtoVersion, uint8(config.Version))
	ae.Uint16(AttrEncapType, uint16(config.Encap))
	ae.Uint32(AttrDebug, uint32(config.DebugFlags))
	ae.Uint32(AttrFd, uint32(fd))
	return ae.Encode()
}
