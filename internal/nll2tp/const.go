package nll2tp

// Values from the kernel's l2tp generic netlink uapi (linux/l2tp.h)

// GenlName is the generic netlink family name for the L2TP subsystem
const GenlName = "l2tp"

// Commands
const (
	CmdTunnelCreate = 1
	CmdTunnelDelete = 2
)

// Attributes
const (
	AttrEncapType    = 2
	AttrProtoVersion = 7
	AttrConnId       = 9
	AttrPeerConnId   = 10
	AttrDebug        = 17
	AttrFd           = 23
)

// L2tpEncapType is the lower-level encapsulation used by a tunnel
type L2tpEncapType uint16

const (
	EncaptypeUdp L2tpEncapType = 0
	EncaptypeIp  L2tpEncapType = 1
)

// L2tpDebugFlags controls kernel-space logging for a tunnel
type L2tpDebugFlags uint32

const (
	MsgDebug   L2tpDebugFlags = 1 << 0
	MsgControl L2tpDebugFlags = 1 << 1
	MsgSeq     L2tpDebugFlags = 1 << 2
	MsgData    L2tpDebugFlags = 1 << 3
)
