package network

import (
	"fmt"
	"net"

	"floodnet/internal/peer"
)

// reachableAddrs renders the multiaddrs a listener bound to bound can be
// reached at. An unspecified IP expands to every interface address of the
// same family (both families for "::").
func reachableAddrs(transport string, bound net.Addr, peerID string) ([]string, error) {
	var ip net.IP
	var port int
	switch a := bound.(type) {
	case *net.UDPAddr:
		ip, port = a.IP, a.Port
	case *net.TCPAddr:
		ip, port = a.IP, a.Port
	default:
		return nil, fmt.Errorf("unexpected listen addr %T", bound)
	}
	ips := []net.IP{ip}
	if ip == nil || ip.IsUnspecified() {
		v4only := ip != nil && ip.To4() != nil
		ifaddrs, err := net.InterfaceAddrs()
		if err != nil {
			return nil, fmt.Errorf("interface addrs: %w", err)
		}
		ips = ips[:0]
		for _, ia := range ifaddrs {
			ipn, ok := ia.(*net.IPNet)
			if !ok || ipn.IP.IsLinkLocalUnicast() {
				continue
			}
			if v4only && ipn.IP.To4() == nil {
				continue
			}
			ips = append(ips, ipn.IP)
		}
		if len(ips) == 0 {
			ips = append(ips, net.IPv4(127, 0, 0, 1))
		}
	}
	out := make([]string, 0, len(ips))
	for _, ip := range ips {
		s, err := peer.FormatAddr(transport, ip, port, peerID)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// dialTarget resolves a peer multiaddr to host:port for the given transport.
func dialTarget(addr, transport string) (string, error) {
	a, err := peer.ParseAddr(addr)
	if err != nil {
		return "", err
	}
	if a.Transport != transport {
		return "", fmt.Errorf("%w: %s address on %s transport", peer.ErrUnsupportedAddr, a.Transport, transport)
	}
	return a.HostPort(), nil
}
