package model

import "net/netip"

type Direction string // "inbound", "outbound"

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

type Protocol string // "tcp", "udp"

const (
	TCP Protocol = "tcp"
	UDP Protocol = "udp"
)

// RuleRecord is one allow-rule as delivered by a rule source, before any parsing
// of its port or address fields.
type RuleRecord struct {
	Direction string
	Protocol  string
	Port      string // "80" or "1000-2000"
	Address   string // "10.0.0.1" or "10.0.0.1-10.0.0.9"
	Source    string // where the record came from, e.g. "rules.csv:3"
}

// Packet is a single query against a built policy.
type Packet struct {
	Direction Direction
	Protocol  Protocol
	Port      uint16
	Address   netip.Addr
}

// PacketSpec is one row of a packet input file. Prefix is a single address
// (/32) unless the row named a CIDR.
type PacketSpec struct {
	Direction Direction
	Protocol  Protocol
	Port      uint16
	Prefix    netip.Prefix
	Segment   string
	Line      int
}

type Task struct {
	Packet
	Segment string // original address column, e.g. "10.0.0.0/30"
	Line    int
}

type Result struct {
	Segment   string
	Direction string
	Protocol  string
	Port      int
	Address   string
	Decision  string // "ALLOW", "DENY"
	PortRange string
	AddrRange string
	Reason    string
}
