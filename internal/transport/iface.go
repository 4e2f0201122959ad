package transport

import (
	"errors"
	"net"
	"net/netip"
)

// interfaceAddrs returns every local IPv4 address and the directed
// broadcast address of each broadcast-capable subnet.
func interfaceAddrs() (map[netip.Addr]struct{}, []netip.Addr, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, nil, err
	}

	local := make(map[netip.Addr]struct{})
	seen := make(map[netip.Addr]struct{})
	var bcast []netip.Addr
	var errs []error

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			ip, ok := netip.AddrFromSlice(ipnet.IP.To4())
			if !ok {
				continue
			}
			local[ip] = struct{}{}

			if iface.Flags&net.FlagBroadcast == 0 || iface.Flags&net.FlagLoopback != 0 {
				continue
			}
			b, ok := broadcastAddr(ipnet)
			if !ok {
				continue
			}
			if _, dup := seen[b]; !dup {
				seen[b] = struct{}{}
				bcast = append(bcast, b)
			}
		}
	}
	return local, bcast, errors.Join(errs...)
}

// broadcastAddr computes ip | ^mask for an IPv4 network.
func broadcastAddr(n *net.IPNet) (netip.Addr, bool) {
	ip := n.IP.To4()
	if ip == nil || len(n.Mask) != net.IPv4len {
		return netip.Addr{}, false
	}
	var out [4]byte
	for i := range out {
		out[i] = ip[i] | ^n.Mask[i]
	}
	return netip.AddrFrom4(out), true
}
