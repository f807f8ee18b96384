package audit

import "net/netip"

// AnonymizeIP truncates an address to its network: /24 for IPv4 and /48 for
// IPv6. IPv4-mapped IPv6 addresses are treated as IPv4.
// Returns an empty string if the input is not an IP address.
func AnonymizeIP(ipStr string) string {
	addr, err := netip.ParseAddr(ipStr)
	if err != nil {
		return ""
	}
	addr = addr.Unmap().WithZone("")

	bits := 48
	if addr.Is4() {
		bits = 24
	}
	prefix, err := addr.Prefix(bits)
	if err != nil {
		return ""
	}
	return prefix.Addr().String()
}
