package parser

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"packet-policy-engine/internal/firewall"
	"packet-policy-engine/internal/model"
	"packet-policy-engine/pkg/wellknown"
)

// ParseRules reads allow-rules in "direction,protocol,port,ip_address" form.
// A header row, blank lines and lines starting with '#' are ignored. name is
// used to label each record with its origin.
func ParseRules(r io.Reader, name string) ([]model.RuleRecord, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.Comment = '#'
	reader.FieldsPerRecord = 4

	var records []model.RuleRecord
	first := true
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) && errors.Is(perr.Err, csv.ErrFieldCount) {
				return nil, fmt.Errorf("%w: %s:%d: expected 4 fields", firewall.ErrMalformedRule, name, perr.Line)
			}
			return nil, fmt.Errorf("error reading rules from %s: %w", name, err)
		}
		if first {
			first = false
			if strings.EqualFold(strings.TrimSpace(row[0]), "direction") {
				continue
			}
		}

		line, _ := reader.FieldPos(0)
		rec := model.RuleRecord{
			Direction: strings.TrimSpace(row[0]),
			Protocol:  strings.TrimSpace(row[1]),
			Port:      strings.TrimSpace(row[2]),
			Address:   strings.TrimSpace(row[3]),
			Source:    fmt.Sprintf("%s:%d", name, line),
		}
		records = append(records, ResolveServices(rec)...)
	}
	return records, nil
}

// ResolveServices expands a rule whose port field names a well-known service,
// e.g. "https", into one record per port registered for the rule's protocol.
// Records with numeric ports, or names that do not resolve, are returned as is
// so that construction reports them.
func ResolveServices(rec model.RuleRecord) []model.RuleRecord {
	if rec.Port == "" || isPortSpec(rec.Port) {
		return []model.RuleRecord{rec}
	}
	proto := model.Protocol(strings.ToLower(rec.Protocol))
	ports := wellknown.Ports(rec.Port, proto)
	if len(ports) == 0 {
		return []model.RuleRecord{rec}
	}

	out := make([]model.RuleRecord, 0, len(ports))
	for _, p := range ports {
		r := rec
		r.Port = strconv.Itoa(int(p))
		out = append(out, r)
	}
	return out
}

func isPortSpec(s string) bool {
	for _, c := range s {
		if (c < '0' || c > '9') && c != '-' && c != ' ' {
			return false
		}
	}
	return true
}
