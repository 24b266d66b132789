package peer

import (
	"errors"
	"fmt"
	"net"
	"strconv"

	ma "github.com/multiformats/go-multiaddr"
)

const (
	TransportQUIC = "quic"
	TransportWS   = "ws"
)

var ErrUnsupportedAddr = errors.New("unsupported peer address")

// Addr is a parsed peer address such as
// /ip4/127.0.0.1/udp/7001/quic-v1/p2p/<id>.
type Addr struct {
	Raw       string
	Transport string
	Host      string
	Port      int
	PeerID    string
	IPv4      bool
}

func ParseAddr(s string) (Addr, error) {
	m, err := ma.NewMultiaddr(s)
	if err != nil {
		return Addr{}, fmt.Errorf("%w: %v", ErrUnsupportedAddr, err)
	}
	out := Addr{Raw: s}
	if v, err := m.ValueForProtocol(ma.P_IP4); err == nil {
		out.Host = v
		out.IPv4 = true
	} else if v, err := m.ValueForProtocol(ma.P_IP6); err == nil {
		out.Host = v
	} else if v, err := m.ValueForProtocol(ma.P_DNS4); err == nil {
		out.Host = v
	} else if v, err := m.ValueForProtocol(ma.P_DNS); err == nil {
		out.Host = v
	} else {
		return Addr{}, fmt.Errorf("%w: no host in %s", ErrUnsupportedAddr, s)
	}
	var portStr string
	if _, err := m.ValueForProtocol(ma.P_QUIC_V1); err == nil {
		out.Transport = TransportQUIC
		portStr, err = m.ValueForProtocol(ma.P_UDP)
		if err != nil {
			return Addr{}, fmt.Errorf("%w: quic without udp port", ErrUnsupportedAddr)
		}
	} else if _, err := m.ValueForProtocol(ma.P_WS); err == nil {
		out.Transport = TransportWS
		portStr, err = m.ValueForProtocol(ma.P_TCP)
		if err != nil {
			return Addr{}, fmt.Errorf("%w: ws without tcp port", ErrUnsupportedAddr)
		}
	} else {
		return Addr{}, fmt.Errorf("%w: no known transport in %s", ErrUnsupportedAddr, s)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return Addr{}, fmt.Errorf("%w: bad port %q", ErrUnsupportedAddr, portStr)
	}
	out.Port = port
	if id, err := m.ValueForProtocol(ma.P_P2P); err == nil {
		out.PeerID = id
	}
	return out, nil
}

func (a Addr) HostPort() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// FormatAddr renders a listen endpoint as a multiaddr string; peerID may be
// empty.
func FormatAddr(transport string, ip net.IP, port int, peerID string) (string, error) {
	family := "ip4"
	if ip.To4() == nil {
		family = "ip6"
	}
	var s string
	switch transport {
	case TransportQUIC:
		s = fmt.Sprintf("/%s/%s/udp/%d/quic-v1", family, ip.String(), port)
	case TransportWS:
		s = fmt.Sprintf("/%s/%s/tcp/%d/ws", family, ip.String(), port)
	default:
		return "", fmt.Errorf("%w: transport %q", ErrUnsupportedAddr, transport)
	}
	if peerID != "" {
		s += "/p2p/" + peerID
	}
	if _, err := ma.NewMultiaddr(s); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnsupportedAddr, err)
	}
	return s, nil
}
