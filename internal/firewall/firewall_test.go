package firewall

import (
	"errors"
	"fmt"
	"math/rand"
	"net/netip"
	"testing"

	"go4.org/netipx"

	"packet-policy-engine/internal/model"
)

func rule(dir, proto, port, addr string) model.RuleRecord {
	return model.RuleRecord{Direction: dir, Protocol: proto, Port: port, Address: addr}
}

func mustNew(t *testing.T, records ...model.RuleRecord) *Firewall {
	t.Helper()
	fw, err := New(records)
	if err != nil {
		t.Fatalf("failed to build firewall: %v", err)
	}
	return fw
}

func accept(t *testing.T, fw *Firewall, dir, proto string, port int, addr string) bool {
	t.Helper()
	ok, err := fw.Accept(model.Direction(dir), model.Protocol(proto), uint16(port), netip.MustParseAddr(addr))
	if err != nil {
		t.Fatalf("unexpected query error: %v", err)
	}
	return ok
}

func TestAcceptSampleRules(t *testing.T) {
	fw := mustNew(t,
		rule("inbound", "tcp", "80", "192.168.1.2"),
		rule("outbound", "tcp", "10000-20000", "192.168.10.11"),
		rule("inbound", "udp", "53", "192.168.1.1-192.168.2.5"),
		rule("outbound", "udp", "1000-2000", "52.12.48.92"),
	)

	tests := []struct {
		dir, proto string
		port       int
		addr       string
		want       bool
	}{
		{"inbound", "tcp", 80, "192.168.1.2", true},
		{"inbound", "udp", 53, "192.168.2.1", true},
		{"outbound", "tcp", 10234, "192.168.10.11", true},
		{"inbound", "tcp", 81, "192.168.1.2", false},
		{"inbound", "udp", 24, "52.12.48.92", false},
		{"outbound", "udp", 2000, "52.12.48.92", true},
		{"outbound", "udp", 2001, "52.12.48.92", false},
		{"inbound", "udp", 53, "192.168.2.6", false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s/%s/%d/%s", tt.dir, tt.proto, tt.port, tt.addr), func(t *testing.T) {
			if got := accept(t, fw, tt.dir, tt.proto, tt.port, tt.addr); got != tt.want {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAcceptFullRangeIsolatesBuckets(t *testing.T) {
	// A rule covering everything in one bucket must leave the other three empty.
	fw := mustNew(t, rule("inbound", "tcp", "1-65535", "0.0.0.0-255.255.255.255"))

	for _, addr := range []string{"0.0.0.0", "125.255.35.8", "255.255.255.255"} {
		for _, port := range []int{1, 22, 65535} {
			if !accept(t, fw, "inbound", "tcp", port, addr) {
				t.Errorf("expected inbound/tcp %d %s to be accepted", port, addr)
			}
			for _, other := range [][2]string{{"inbound", "udp"}, {"outbound", "tcp"}, {"outbound", "udp"}} {
				if accept(t, fw, other[0], other[1], port, addr) {
					t.Errorf("expected %s/%s %d %s to be rejected", other[0], other[1], port, addr)
				}
			}
		}
	}
	if accept(t, fw, "inbound", "tcp", 0, "1.1.1.1") {
		t.Errorf("port 0 is outside 1-65535")
	}
}

var overlapRules = []model.RuleRecord{
	rule("inbound", "tcp", "20-40", "0.0.0.0"),
	rule("inbound", "tcp", "35-45", "1.1.1.1"),
	rule("inbound", "tcp", "20-30", "2.2.2.2"),
	rule("inbound", "tcp", "25-30", "3.3.3.3"),
	rule("inbound", "tcp", "38", "4.4.4.4"),
	rule("inbound", "tcp", "45", "5.5.5.5"),
	rule("inbound", "tcp", "30-32", "6.6.6.6"),
}

var overlapIPs = []string{"0.0.0.0", "1.1.1.1", "2.2.2.2", "3.3.3.3", "4.4.4.4", "5.5.5.5", "6.6.6.6"}

func TestAcceptOverlaps(t *testing.T) {
	fw := mustNew(t, overlapRules...)

	overlaps := []struct {
		start, end int
		good       []string
	}{
		{20, 24, []string{"0.0.0.0", "2.2.2.2"}},
		{25, 29, []string{"0.0.0.0", "2.2.2.2", "3.3.3.3"}},
		{30, 30, []string{"0.0.0.0", "2.2.2.2", "3.3.3.3", "6.6.6.6"}},
		{31, 32, []string{"0.0.0.0", "6.6.6.6"}},
		{33, 34, []string{"0.0.0.0"}},
		{35, 37, []string{"0.0.0.0", "1.1.1.1"}},
		{38, 38, []string{"0.0.0.0", "1.1.1.1", "4.4.4.4"}},
		{39, 40, []string{"0.0.0.0", "1.1.1.1"}},
		{41, 44, []string{"1.1.1.1"}},
		{45, 45, []string{"1.1.1.1", "5.5.5.5"}},
		{46, 50, nil},
	}

	for _, o := range overlaps {
		good := make(map[string]bool)
		for _, ip := range o.good {
			good[ip] = true
		}
		for port := o.start; port <= o.end; port++ {
			for _, ip := range overlapIPs {
				if got := accept(t, fw, "inbound", "tcp", port, ip); got != good[ip] {
					t.Errorf("port: %d; ip: %s: got %v, want %v", port, ip, got, good[ip])
				}
			}
		}
	}
}

func TestAcceptTwoOverlappingRules(t *testing.T) {
	fw := mustNew(t,
		rule("inbound", "tcp", "20-30", "0.0.0.0"),
		rule("inbound", "tcp", "25-35", "1.1.1.1"),
	)

	for port := 15; port <= 40; port++ {
		wantZero := port >= 20 && port <= 30
		wantOne := port >= 25 && port <= 35
		if got := accept(t, fw, "inbound", "tcp", port, "0.0.0.0"); got != wantZero {
			t.Errorf("port %d, 0.0.0.0: got %v, want %v", port, got, wantZero)
		}
		if got := accept(t, fw, "inbound", "tcp", port, "1.1.1.1"); got != wantOne {
			t.Errorf("port %d, 1.1.1.1: got %v, want %v", port, got, wantOne)
		}
	}
}

func TestAcceptIsOrderIndependent(t *testing.T) {
	rules := append([]model.RuleRecord{
		rule("inbound", "tcp", "20", "9.9.9.9"),
		rule("inbound", "tcp", "40-41", "8.8.8.8"),
		rule("inbound", "tcp", "45-50", "7.7.7.7"),
	}, overlapRules...)

	reference := mustNew(t, rules...)
	for shift := 1; shift < len(rules); shift++ {
		rotated := append(append([]model.RuleRecord{}, rules[shift:]...), rules[:shift]...)
		fw := mustNew(t, rotated...)
		reversed := make([]model.RuleRecord, len(rotated))
		for i := range rotated {
			reversed[len(rotated)-1-i] = rotated[i]
		}
		fwReversed := mustNew(t, reversed...)

		for port := 15; port <= 55; port++ {
			for _, ip := range append(overlapIPs, "7.7.7.7", "8.8.8.8", "9.9.9.9") {
				want := accept(t, reference, "inbound", "tcp", port, ip)
				if got := accept(t, fw, "inbound", "tcp", port, ip); got != want {
					t.Fatalf("rotation %d: port %d ip %s: got %v, want %v", shift, port, ip, got, want)
				}
				if got := accept(t, fwReversed, "inbound", "tcp", port, ip); got != want {
					t.Fatalf("reversed rotation %d: port %d ip %s: got %v, want %v", shift, port, ip, got, want)
				}
			}
		}
	}
}

func TestAcceptMatchesBruteForceOracle(t *testing.T) {
	// Random rules over a small port and address space, checked against a
	// per-port IP set built straight from the rules.
	const maxPort = 40
	base := netip.MustParseAddr("10.0.0.0")
	addrAt := func(n int) netip.Addr {
		a := base
		for i := 0; i < n; i++ {
			a = a.Next()
		}
		return a
	}

	rng := rand.New(rand.NewSource(42))
	for round := 0; round < 50; round++ {
		var records []model.RuleRecord
		builders := make([]netipx.IPSetBuilder, maxPort+1)
		for i := 0; i < 1+rng.Intn(12); i++ {
			lo := rng.Intn(maxPort + 1)
			hi := lo
			if rng.Intn(2) == 0 {
				hi = lo + rng.Intn(maxPort+1-lo)
			}
			alo := rng.Intn(30)
			ahi := alo
			if rng.Intn(2) == 0 {
				ahi = alo + rng.Intn(30-alo)
			}

			port := fmt.Sprintf("%d", lo)
			if hi != lo || rng.Intn(4) == 0 {
				port = fmt.Sprintf("%d-%d", lo, hi)
			}
			addr := addrAt(alo).String()
			if ahi != alo || rng.Intn(4) == 0 {
				addr = fmt.Sprintf("%s-%s", addrAt(alo), addrAt(ahi))
			}
			records = append(records, rule("outbound", "udp", port, addr))
			for p := lo; p <= hi; p++ {
				builders[p].AddRange(netipx.IPRangeFrom(addrAt(alo), addrAt(ahi)))
			}
		}

		fw := mustNew(t, records...)
		assertDisjoint(t, fw.buckets[bucketIndexOf(t, "outbound", "udp")])
		for p := 0; p <= maxPort+2; p++ {
			var set *netipx.IPSet
			if p <= maxPort {
				s, err := builders[p].IPSet()
				if err != nil {
					t.Fatalf("oracle build failed: %v", err)
				}
				set = s
			}
			for a := 0; a < 32; a++ {
				addr := addrAt(a)
				want := set != nil && set.Contains(addr)
				got, err := fw.Accept(model.Outbound, model.UDP, uint16(p), addr)
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if got != want {
					t.Fatalf("round %d rules %v: port %d addr %s: got %v, want %v", round, records, p, addr, got, want)
				}
			}
		}
	}
}

func bucketIndexOf(t *testing.T, dir, proto string) int {
	t.Helper()
	idx, ok := bucketIndex(dir, proto)
	if !ok {
		t.Fatalf("no bucket for %s/%s", dir, proto)
	}
	return idx
}

func TestMultiplePoliciesCoexist(t *testing.T) {
	a := mustNew(t, rule("inbound", "tcp", "22", "10.0.0.1"))
	b := mustNew(t, rule("inbound", "tcp", "443", "10.0.0.2"))

	if !accept(t, a, "inbound", "tcp", 22, "10.0.0.1") || accept(t, a, "inbound", "tcp", 443, "10.0.0.2") {
		t.Fatalf("policy a answered with rules from policy b")
	}
	if !accept(t, b, "inbound", "tcp", 443, "10.0.0.2") || accept(t, b, "inbound", "tcp", 22, "10.0.0.1") {
		t.Fatalf("policy b answered with rules from policy a")
	}
}

func TestMatchExplainsVerdict(t *testing.T) {
	fw := mustNew(t,
		rule("inbound", "tcp", "8000-8080", "10.0.0.0-10.0.0.255"),
		rule("inbound", "tcp", "8080", "192.168.0.1"),
	)

	v, err := fw.Match(model.Inbound, model.TCP, 8080, netip.MustParseAddr("192.168.0.1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !v.Allowed || v.Reason != ReasonMatch || v.Ports.String() != "8080" || v.Addrs.String() != "192.168.0.1-192.168.0.1" {
		t.Fatalf("unexpected verdict: %+v", v)
	}

	v, _ = fw.Match(model.Inbound, model.TCP, 8001, netip.MustParseAddr("10.0.1.0"))
	if v.Allowed || v.Reason != ReasonNoAddrRange || v.Ports.String() != "8000-8079" {
		t.Fatalf("unexpected verdict: %+v", v)
	}

	v, _ = fw.Match(model.Inbound, model.TCP, 9000, netip.MustParseAddr("10.0.0.1"))
	if v.Allowed || v.Reason != ReasonNoPortRange {
		t.Fatalf("unexpected verdict: %+v", v)
	}

	ok, _ := fw.Accept(model.Inbound, model.TCP, 8000, netip.MustParseAddr("::ffff:10.0.0.7"))
	if !ok {
		t.Fatalf("expected IPv4-mapped address to match its IPv4 form")
	}
}

func TestNewRejectsMalformedRules(t *testing.T) {
	tests := []struct {
		name  string
		rec   model.RuleRecord
		field string
	}{
		{"unknown direction", rule("sideways", "tcp", "80", "1.1.1.1"), "direction"},
		{"unknown protocol", rule("inbound", "icmp", "80", "1.1.1.1"), "protocol"},
		{"port not a number", rule("inbound", "tcp", "http", "1.1.1.1"), "port"},
		{"port out of range", rule("inbound", "tcp", "65536", "1.1.1.1"), "port"},
		{"too many ports", rule("inbound", "tcp", "1-2-3", "1.1.1.1"), "port"},
		{"reversed ports", rule("inbound", "tcp", "30-20", "1.1.1.1"), "port"},
		{"empty port", rule("inbound", "tcp", "", "1.1.1.1"), "port"},
		{"bad address", rule("inbound", "tcp", "80", "1.1.1"), "address"},
		{"ipv6 address", rule("inbound", "tcp", "80", "2001:db8::1"), "address"},
		{"too many addresses", rule("inbound", "tcp", "80", "1.1.1.1-1.1.1.2-1.1.1.3"), "address"},
		{"reversed addresses", rule("inbound", "tcp", "80", "1.1.1.9-1.1.1.1"), "address"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			good := rule("inbound", "tcp", "80", "1.1.1.1")
			tt.rec.Source = "rules.csv:2"
			_, err := New([]model.RuleRecord{good, tt.rec})
			if !errors.Is(err, ErrMalformedRule) {
				t.Fatalf("expected ErrMalformedRule, got %v", err)
			}
			var ruleErr *RuleError
			if !errors.As(err, &ruleErr) {
				t.Fatalf("expected *RuleError, got %T", err)
			}
			if ruleErr.Index != 1 || ruleErr.Field != tt.field || ruleErr.Source != "rules.csv:2" {
				t.Fatalf("unexpected rule error: %+v", ruleErr)
			}
		})
	}
}

func TestNewAcceptsUnusualButValidRules(t *testing.T) {
	fw := mustNew(t,
		rule(" Inbound ", "TCP", "80-80", "1.1.1.1-1.1.1.1"),
		rule("inbound", "tcp", "80", "1.1.1.1"),
		rule("inbound", "tcp", "0-65535", "2.2.2.2"),
		rule("inbound", "tcp", " 5 - 6 ", " 3.3.3.3 - 3.3.3.4 "),
	)
	if !accept(t, fw, "inbound", "tcp", 80, "1.1.1.1") || !accept(t, fw, "inbound", "tcp", 0, "2.2.2.2") {
		t.Fatalf("expected duplicate and full-width rules to be honoured")
	}
	if !accept(t, fw, "inbound", "tcp", 6, "3.3.3.4") || accept(t, fw, "inbound", "tcp", 7, "3.3.3.4") {
		t.Fatalf("expected spaced rule to cover ports 5-6")
	}
	if fw.Rules() != 4 {
		t.Fatalf("expected 4 ingested rules, got %d", fw.Rules())
	}
}

func TestQueryRejectsUnknownBucket(t *testing.T) {
	fw := mustNew(t)
	for _, q := range [][2]string{{"inbound", "icmp"}, {"sideways", "tcp"}, {"INBOUND", "tcp"}} {
		_, err := fw.Accept(model.Direction(q[0]), model.Protocol(q[1]), 80, netip.MustParseAddr("1.1.1.1"))
		if !errors.Is(err, ErrMalformedQuery) {
			t.Errorf("%s/%s: expected ErrMalformedQuery, got %v", q[0], q[1], err)
		}
	}
	if _, err := fw.Segments("inbound", "icmp"); !errors.Is(err, ErrMalformedQuery) {
		t.Errorf("expected ErrMalformedQuery from Segments, got %v", err)
	}
}

func TestSegmentsAndStats(t *testing.T) {
	fw := mustNew(t,
		rule("outbound", "udp", "100-200", "10.0.0.1"),
		rule("outbound", "udp", "150", "10.0.0.2"),
		rule("outbound", "udp", "150", "10.0.0.1-10.0.0.5"),
	)

	segs, err := fw.Segments(model.Outbound, model.UDP)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(segs) != 3 || segs[1].Left != 150 || segs[1].Right != 150 {
		t.Fatalf("unexpected segments: %+v", segs)
	}
	if len(segs[1].Addrs) != 1 || segs[1].Addrs[0].String() != "10.0.0.1-10.0.0.5" {
		t.Fatalf("expected the middle segment to be condensed, got %v", segs[1].Addrs)
	}

	stats := fw.Stats()
	if len(stats) != 4 {
		t.Fatalf("expected 4 buckets, got %d", len(stats))
	}
	for _, s := range stats {
		wantSegs, wantAddrs := 0, 0
		if s.Direction == model.Outbound && s.Protocol == model.UDP {
			wantSegs, wantAddrs = 3, 3
		}
		if s.Segments != wantSegs || s.AddrRanges != wantAddrs {
			t.Errorf("%s/%s: got %d segments %d ranges, want %d/%d", s.Direction, s.Protocol, s.Segments, s.AddrRanges, wantSegs, wantAddrs)
		}
	}
}
