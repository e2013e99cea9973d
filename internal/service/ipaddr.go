package service

import (
	"net/netip"
	"strings"
)

// CanonicalIP parses s and returns its canonical text form. IPv4-mapped IPv6
// addresses are unmapped so that "::ffff:1.2.3.4" and "1.2.3.4" are one key.
func CanonicalIP(s string) (string, bool) {
	addr, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return "", false
	}
	return addr.Unmap().String(), true
}

// IsLocalIP reports whether s is "localhost" or an address that is never
// routed on the public internet.
func IsLocalIP(s string) bool {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "localhost") {
		return true
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	return addr.IsPrivate() ||
		addr.IsLoopback() ||
		addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() ||
		addr.IsUnspecified()
}
