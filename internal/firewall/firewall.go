package firewall

import (
	"fmt"
	"net/netip"
	"sort"
	"strconv"
	"strings"

	"go4.org/netipx"

	"packet-policy-engine/internal/model"
)

type Reason string

const (
	ReasonMatch       Reason = "MATCH"
	ReasonNoPortRange Reason = "NO_PORT_RANGE"
	ReasonNoAddrRange Reason = "NO_ADDRESS_RANGE"
)

var bucketKeys = [...]struct {
	Direction model.Direction
	Protocol  model.Protocol
}{
	{model.Inbound, model.TCP},
	{model.Inbound, model.UDP},
	{model.Outbound, model.TCP},
	{model.Outbound, model.UDP},
}

// Firewall is an allow-list policy compiled from an ordered set of rules.
// It is immutable once New returns and safe for concurrent queries.
type Firewall struct {
	buckets [len(bucketKeys)][]PortRange
	rules   int
}

// Verdict explains the outcome of a query.
type Verdict struct {
	Allowed bool
	Reason  Reason
	Ports   PortRange      // segment that contained the port, zero if none
	Addrs   netipx.IPRange // address range that admitted the address, zero if none
}

type BucketStats struct {
	Direction  model.Direction
	Protocol   model.Protocol
	Segments   int
	AddrRanges int
}

// Segment is a read-only view of one port range of a bucket.
type Segment struct {
	Left, Right uint16
	Addrs       []netipx.IPRange
}

// New ingests records in order and condenses the result. The first malformed
// record aborts construction with a *RuleError.
func New(records []model.RuleRecord) (*Firewall, error) {
	fw := &Firewall{}
	for i, rec := range records {
		idx, pr, err := parseRecord(rec)
		if err != nil {
			err.Index = i
			err.Source = rec.Source
			return nil, err
		}
		fw.buckets[idx] = insert(fw.buckets[idx], pr)
		fw.rules++
	}

	for i := range fw.buckets {
		for j := range fw.buckets[i] {
			fw.buckets[i][j].condense()
		}
	}
	return fw, nil
}

// Accept reports whether the packet is allowed by any rule.
func (fw *Firewall) Accept(dir model.Direction, proto model.Protocol, port uint16, addr netip.Addr) (bool, error) {
	v, err := fw.Match(dir, proto, port, addr)
	if err != nil {
		return false, err
	}
	return v.Allowed, nil
}

// Match is Accept with an explanation of which segment and address range decided it.
func (fw *Firewall) Match(dir model.Direction, proto model.Protocol, port uint16, addr netip.Addr) (Verdict, error) {
	idx, ok := bucketIndex(string(dir), string(proto))
	if !ok {
		return Verdict{}, fmt.Errorf("%w: unknown direction/protocol %q/%q", ErrMalformedQuery, dir, proto)
	}

	bucket := fw.buckets[idx]
	i := sort.Search(len(bucket), func(i int) bool { return portKey(bucket[i]) > port })
	if i == 0 || !bucket[i-1].ContainsPort(port) {
		return Verdict{Reason: ReasonNoPortRange}, nil
	}

	pr := &bucket[i-1]
	v := Verdict{Ports: PortRange{Left: pr.Left, Right: pr.Right}, Reason: ReasonNoAddrRange}
	if r, ok := pr.lookupAddr(addr.Unmap()); ok {
		v.Allowed = true
		v.Addrs = r
		v.Reason = ReasonMatch
	}
	return v, nil
}

// Segments returns a copy of the port ranges of one bucket.
func (fw *Firewall) Segments(dir model.Direction, proto model.Protocol) ([]Segment, error) {
	idx, ok := bucketIndex(string(dir), string(proto))
	if !ok {
		return nil, fmt.Errorf("%w: unknown direction/protocol %q/%q", ErrMalformedQuery, dir, proto)
	}
	out := make([]Segment, 0, len(fw.buckets[idx]))
	for _, pr := range fw.buckets[idx] {
		out = append(out, Segment{Left: pr.Left, Right: pr.Right, Addrs: pr.Addrs()})
	}
	return out, nil
}

func (fw *Firewall) Stats() []BucketStats {
	stats := make([]BucketStats, 0, len(bucketKeys))
	for i, b := range bucketKeys {
		s := BucketStats{Direction: b.Direction, Protocol: b.Protocol, Segments: len(fw.buckets[i])}
		for _, pr := range fw.buckets[i] {
			s.AddrRanges += len(pr.addrs)
		}
		stats = append(stats, s)
	}
	return stats
}

// Rules returns how many rule records were ingested.
func (fw *Firewall) Rules() int {
	return fw.rules
}

func bucketIndex(dir, proto string) (int, bool) {
	for i, b := range bucketKeys {
		if string(b.Direction) == dir && string(b.Protocol) == proto {
			return i, true
		}
	}
	return 0, false
}

func parseRecord(rec model.RuleRecord) (int, PortRange, *RuleError) {
	dir := strings.ToLower(strings.TrimSpace(rec.Direction))
	proto := strings.ToLower(strings.TrimSpace(rec.Protocol))
	if dir != string(model.Inbound) && dir != string(model.Outbound) {
		return 0, PortRange{}, &RuleError{Field: "direction", Value: rec.Direction}
	}
	idx, ok := bucketIndex(dir, proto)
	if !ok {
		return 0, PortRange{}, &RuleError{Field: "protocol", Value: rec.Protocol}
	}

	left, right, err := ParsePortSpec(rec.Port)
	if err != nil {
		return 0, PortRange{}, &RuleError{Field: "port", Value: rec.Port, Err: err}
	}
	atom, err := ParseAddrSpec(rec.Address)
	if err != nil {
		return 0, PortRange{}, &RuleError{Field: "address", Value: rec.Address, Err: err}
	}
	return idx, span(left, right, []netipx.IPRange{atom}), nil
}

// ParsePortSpec parses "N" or "N-M" with 0 <= N <= M <= 65535.
func ParsePortSpec(s string) (uint16, uint16, error) {
	parts := strings.Split(strings.TrimSpace(s), "-")
	if len(parts) > 2 {
		return 0, 0, fmt.Errorf("expected one or two ports, got %d", len(parts))
	}
	ports := make([]uint16, len(parts))
	for i, p := range parts {
		n, err := strconv.ParseUint(strings.TrimSpace(p), 10, 16)
		if err != nil {
			return 0, 0, err
		}
		ports[i] = uint16(n)
	}
	if len(ports) == 1 {
		return ports[0], ports[0], nil
	}
	if ports[0] > ports[1] {
		return 0, 0, fmt.Errorf("range start %d is above range end %d", ports[0], ports[1])
	}
	return ports[0], ports[1], nil
}

// ParseAddrSpec parses a single IPv4 address or "A-B" into an inclusive range.
func ParseAddrSpec(s string) (netipx.IPRange, error) {
	parts := strings.Split(strings.TrimSpace(s), "-")
	if len(parts) > 2 {
		return netipx.IPRange{}, fmt.Errorf("expected one or two addresses, got %d", len(parts))
	}
	addrs := make([]netip.Addr, len(parts))
	for i, p := range parts {
		a, err := netip.ParseAddr(strings.TrimSpace(p))
		if err != nil {
			return netipx.IPRange{}, err
		}
		if !a.Is4() {
			return netipx.IPRange{}, fmt.Errorf("%s is not an IPv4 address", a)
		}
		addrs[i] = a
	}
	r := netipx.IPRangeFrom(addrs[0], addrs[len(addrs)-1])
	if !r.IsValid() {
		return netipx.IPRange{}, fmt.Errorf("range start %s is above range end %s", addrs[0], addrs[len(addrs)-1])
	}
	return r, nil
}
