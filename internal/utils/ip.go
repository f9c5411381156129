package utils

import "net/netip"

// PrefixSize returns the number of addresses in a prefix, saturating at 1<<63.
func PrefixSize(p netip.Prefix) uint64 {
	bits := p.Addr().BitLen() - p.Bits()
	if bits >= 64 {
		return 1 << 63
	}
	return 1 << bits
}

// Hosts calls fn for every address in p, in order, until fn returns false.
func Hosts(p netip.Prefix, fn func(netip.Addr) bool) {
	p = p.Masked()
	for a := p.Addr(); a.IsValid() && p.Contains(a); a = a.Next() {
		if !fn(a) {
			return
		}
	}
}
