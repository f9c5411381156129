package firewall

import "go4.org/netipx"

// insert folds pr into a bucket that is sorted by portKey and free of overlaps,
// returning a new bucket with the same properties. Every port covered by pr
// ends up carrying pr's atoms in addition to whatever it carried before.
func insert(bucket []PortRange, pr PortRange) []PortRange {
	if len(bucket) == 0 {
		return append(bucket, pr)
	}

	out := make([]PortRange, 0, len(bucket)+2)
	carry := pr
	for _, cur := range bucket {
		var done []PortRange
		if portKey(carry) <= portKey(cur) {
			done, carry = combine(carry, cur)
		} else {
			done, carry = combine(cur, carry)
		}
		out = append(out, done...)
	}
	return append(out, carry)
}

// combine splits two port ranges, r0.Left <= r1.Left, into finished segments
// and one segment that is still open towards higher ports.
func combine(r0, r1 PortRange) ([]PortRange, PortRange) {
	switch {
	case r0.IsSingle() && r1.IsSingle():
		if r0.Left == r1.Left {
			return nil, single(r0.Left, union(r0, r1))
		}
		return []PortRange{r0}, r1

	case !r0.IsSingle() && !r1.IsSingle():
		return combineSpans(r0, r1)

	case r0.IsSingle():
		if r0.Left == r1.Left {
			head := single(r0.Left, union(r0, r1))
			return []PortRange{head}, span(r0.Left+1, r1.Right, own(r1))
		}
		return []PortRange{r0}, r1

	default:
		return combineSpanPort(r0, r1)
	}
}

func combineSpans(r0, r1 PortRange) ([]PortRange, PortRange) {
	switch {
	case r0.Left == r1.Left:
		switch {
		case r0.Right == r1.Right:
			return nil, span(r0.Left, r0.Right, union(r0, r1))
		case r0.Right < r1.Right:
			done := []PortRange{span(r0.Left, r0.Right, union(r0, r1))}
			return done, span(r0.Right+1, r1.Right, own(r1))
		default:
			done := []PortRange{span(r0.Left, r1.Right, union(r0, r1))}
			return done, span(r1.Right+1, r0.Right, own(r0))
		}

	case r1.Left < r0.Right:
		head := span(r0.Left, r1.Left-1, own(r0))
		switch {
		case r0.Right == r1.Right:
			return []PortRange{head}, span(r1.Left, r1.Right, union(r0, r1))
		case r0.Right < r1.Right:
			done := []PortRange{head, span(r1.Left, r0.Right, union(r0, r1))}
			return done, span(r0.Right+1, r1.Right, own(r1))
		default:
			done := []PortRange{head, span(r1.Left, r1.Right, union(r0, r1))}
			return done, span(r1.Right+1, r0.Right, own(r0))
		}

	case r1.Left == r0.Right:
		// The shared port belongs to both; the rest of r1 stays open.
		done := []PortRange{
			span(r0.Left, r0.Right-1, own(r0)),
			single(r0.Right, union(r0, r1)),
		}
		return done, span(r1.Left+1, r1.Right, own(r1))

	default:
		return []PortRange{r0}, r1
	}
}

// combineSpanPort handles a multi-port r0 followed by a single-port r1.
func combineSpanPort(r0, r1 PortRange) ([]PortRange, PortRange) {
	switch {
	case r0.Left == r1.Left:
		head := single(r0.Left, union(r0, r1))
		return []PortRange{head}, span(r0.Left+1, r0.Right, own(r0))
	case r1.Left < r0.Right:
		done := []PortRange{
			span(r0.Left, r1.Left-1, own(r0)),
			single(r1.Left, union(r0, r1)),
		}
		return done, span(r1.Left+1, r0.Right, own(r0))
	case r1.Left == r0.Right:
		done := []PortRange{span(r0.Left, r0.Right-1, own(r0))}
		return done, single(r1.Left, union(r0, r1))
	default:
		return []PortRange{r0}, r1
	}
}

// union concatenates the raw atoms of both ranges into a fresh slice.
// Duplicates are kept; condensation removes them later.
func union(r0, r1 PortRange) []netipx.IPRange {
	out := make([]netipx.IPRange, 0, len(r0.addrs)+len(r1.addrs))
	out = append(out, r0.addrs...)
	return append(out, r1.addrs...)
}

func own(pr PortRange) []netipx.IPRange {
	out := make([]netipx.IPRange, len(pr.addrs))
	copy(out, pr.addrs)
	return out
}
