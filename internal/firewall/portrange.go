package firewall

import (
	"fmt"
	"net/netip"
	"sort"

	"go4.org/netipx"
)

// PortRange is an inclusive port interval together with the addresses allowed on it.
// Before condensation addrs holds the raw atoms of every rule that covered the
// interval, in any order and possibly overlapping. After condensation addrs is
// sorted and disjoint and lows mirrors the From bound of each entry.
type PortRange struct {
	Left  uint16
	Right uint16

	addrs []netipx.IPRange
	lows  []netip.Addr
}

func single(port uint16, addrs []netipx.IPRange) PortRange {
	return PortRange{Left: port, Right: port, addrs: addrs}
}

func span(left, right uint16, addrs []netipx.IPRange) PortRange {
	return PortRange{Left: left, Right: right, addrs: addrs}
}

// portKey is the only ordering used for PortRange values. Two ranges with the
// same key are interchangeable for bisection, nothing more.
func portKey(pr PortRange) uint16 {
	return pr.Left
}

// IsSingle reports whether the range denotes exactly one port.
func (pr PortRange) IsSingle() bool {
	return pr.Right <= pr.Left
}

func (pr PortRange) ContainsPort(port uint16) bool {
	if pr.IsSingle() {
		return pr.Left == port
	}
	return pr.Left <= port && port <= pr.Right
}

// Addrs returns a copy of the address ranges carried by the port range.
func (pr PortRange) Addrs() []netipx.IPRange {
	out := make([]netipx.IPRange, len(pr.addrs))
	copy(out, pr.addrs)
	return out
}

func (pr PortRange) String() string {
	if pr.IsSingle() {
		return fmt.Sprintf("%d", pr.Left)
	}
	return fmt.Sprintf("%d-%d", pr.Left, pr.Right)
}

// lookupAddr finds the condensed address range that admits addr.
func (pr *PortRange) lookupAddr(addr netip.Addr) (netipx.IPRange, bool) {
	i := sort.Search(len(pr.lows), func(i int) bool { return pr.lows[i].Compare(addr) > 0 })
	if i == 0 {
		return netipx.IPRange{}, false
	}
	r := pr.addrs[i-1]
	if isPoint(r) {
		return r, r.From() == addr
	}
	return r, r.From().Compare(addr) <= 0 && addr.Compare(r.To()) <= 0
}

// condense replaces the raw atoms with their minimal sorted disjoint cover.
func (pr *PortRange) condense() {
	pr.addrs = condenseAddrs(pr.addrs)
	pr.lows = make([]netip.Addr, len(pr.addrs))
	for i, r := range pr.addrs {
		pr.lows[i] = r.From()
	}
}

func isPoint(r netipx.IPRange) bool {
	return r.From() == r.To()
}

// condenseAddrs sorts the atoms by their bounds and sweeps them with a single
// accumulator. A point accumulator is closed as soon as an atom with a higher
// low bound shows up; a wider accumulator absorbs every atom starting at or
// below its high bound. Adjacent but non-overlapping ranges stay separate.
func condenseAddrs(atoms []netipx.IPRange) []netipx.IPRange {
	sorted := make([]netipx.IPRange, len(atoms))
	copy(sorted, atoms)
	sort.Slice(sorted, func(i, j int) bool {
		if c := sorted[i].From().Compare(sorted[j].From()); c != 0 {
			return c < 0
		}
		return sorted[i].To().Less(sorted[j].To())
	})

	var (
		out  []netipx.IPRange
		acc  netipx.IPRange
		open bool
	)
	for _, atom := range sorted {
		switch {
		case !open:
			acc, open = atom, true
		case isPoint(acc):
			if acc.From() != atom.From() {
				out = append(out, acc)
			}
			acc = atom
		case atom.From().Compare(acc.To()) <= 0:
			if acc.To().Less(atom.To()) {
				acc = netipx.IPRangeFrom(acc.From(), atom.To())
			}
		default:
			out = append(out, acc)
			acc = atom
		}
	}
	if open {
		out = append(out, acc)
	}
	return out
}
