package l2tp

import (
	"errors"
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

func unixToNetAddr(addr unix.Sockaddr) (*net.UDPAddr, error) {
	if addr != nil {
		if sa4, ok := addr.(*unix.SockaddrInet4); ok {
			return &net.UDPAddr{
				IP:   net.IP{sa4.Addr[0], sa4.Addr[1], sa4.Addr[2], sa4.Addr[3]},
				Port: sa4.Port,
			}, nil
		} else if sa6, ok := addr.(*unix.SockaddrInet6); ok {
			ip := make(net.IP, net.IPv6len)
			copy(ip, sa6.Addr[:])
			return &net.UDPAddr{
				IP:   ip,
				Port: sa6.Port,
			}, nil
		}
	}
	return nil, errors.New("unhandled address family")
}

func netAddrToUnix(addr *net.UDPAddr) (unix.Sockaddr, error) {
	if addr != nil {
		if b := addr.IP.To4(); b != nil {
			return &unix.SockaddrInet4{
				Port: addr.Port,
				Addr: [4]byte{b[0], b[1], b[2], b[3]},
			}, nil
		} else if b := addr.IP.To16(); b != nil {
			sa6 := &unix.SockaddrInet6{Port: addr.Port}
			copy(sa6.Addr[:], b)
			if addr.Zone != "" {
				ifi, err := net.InterfaceByName(addr.Zone)
				if err != nil {
					return nil, fmt.Errorf("zone %v: %v", addr.Zone, err)
				}
				sa6.ZoneId = uint32(ifi.Index)
			}
			return sa6, nil
		}
	}
	return nil, errors.New("unhandled address family")
}

func newUDPTunnelAddress(address string) (unix.Sockaddr, error) {
	u, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, fmt.Errorf("resolve %v: %v", address, err)
	}
	return netAddrToUnix(u)
}

func sockaddrFamily(sa unix.Sockaddr) int {
	switch sa.(type) {
	case *unix.SockaddrInet4:
		return unix.AF_INET
	case *unix.SockaddrInet6:
		return unix.AF_INET6
	}
	return unix.AF_UNSPEC
}
