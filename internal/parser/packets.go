package parser

import (
	"encoding/csv"
	"fmt"
	"io"
	"net/netip"
	"strconv"
	"strings"

	"packet-policy-engine/internal/model"
)

type PacketFile struct {
	Packets []model.PacketSpec
	Skipped []int // line numbers of rows whose port or address could not be parsed
}

// ParsePackets reads "direction,protocol,port,address" rows. The address may be
// a single IP or a CIDR prefix. Direction and protocol are passed through
// untouched; the policy rejects unknown values when queried.
func ParsePackets(r io.Reader) (*PacketFile, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.Comment = '#'
	reader.FieldsPerRecord = -1

	out := &PacketFile{}
	first := true
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error reading packets: %w", err)
		}
		line, _ := reader.FieldPos(0)
		if first {
			first = false
			if strings.EqualFold(strings.TrimSpace(row[0]), "direction") {
				continue
			}
		}
		if len(row) != 4 {
			out.Skipped = append(out.Skipped, line)
			continue
		}

		port, err := strconv.ParseUint(strings.TrimSpace(row[2]), 10, 16)
		if err != nil {
			out.Skipped = append(out.Skipped, line)
			continue
		}
		segment := strings.TrimSpace(row[3])
		prefix, err := parsePrefix(segment)
		if err != nil {
			out.Skipped = append(out.Skipped, line)
			continue
		}

		out.Packets = append(out.Packets, model.PacketSpec{
			Direction: model.Direction(strings.ToLower(strings.TrimSpace(row[0]))),
			Protocol:  model.Protocol(strings.ToLower(strings.TrimSpace(row[1]))),
			Port:      uint16(port),
			Prefix:    prefix,
			Segment:   segment,
			Line:      line,
		})
	}
	return out, nil
}

// parsePrefix accepts a CIDR or a single IP, which becomes a /32 or /128.
func parsePrefix(s string) (netip.Prefix, error) {
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, err
		}
		return p.Masked(), nil
	}
	a, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, err
	}
	a = a.Unmap()
	return netip.PrefixFrom(a, a.BitLen()), nil
}
