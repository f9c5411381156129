package firewall

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedRule is returned when a rule record cannot be turned into a port range.
	ErrMalformedRule = errors.New("malformed rule")
	// ErrMalformedQuery is returned when a query names an unknown direction or protocol.
	ErrMalformedQuery = errors.New("malformed query")
)

// RuleError describes the record that aborted construction of a Firewall.
type RuleError struct {
	Index  int    // position of the record in the rule sequence
	Source string // optional origin, e.g. "rules.csv:4"
	Field  string // "direction", "protocol", "port" or "address"
	Value  string
	Err    error
}

func (e *RuleError) Error() string {
	where := fmt.Sprintf("rule %d", e.Index)
	if e.Source != "" {
		where = e.Source
	}
	msg := fmt.Sprintf("%s: %s: invalid %s %q", ErrMalformedRule, where, e.Field, e.Value)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RuleError) Unwrap() error {
	return ErrMalformedRule
}
