package coordinator

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownPolicy is returned when a policy name or value is not one of
// the defined policies.
var ErrUnknownPolicy = errors.New("unknown error policy")

// ErrorPolicy decides what happens after a failed cycle.
//
// The policy runs exactly once per failed cycle. Whatever it decides, the
// cycle's transient bookkeeping is cleaned up.
type ErrorPolicy uint8

// Error policies.
const (
	// PolicyHalt logs the failure and terminates the observed process.
	PolicyHalt ErrorPolicy = iota

	// PolicyResume logs the failure and keeps observing. The failed
	// classes are marked dirty again so a later cycle retries them.
	PolicyResume

	// PolicyDetach logs the failure, stops issuing instrumentation changes
	// and lets the process run unobserved.
	PolicyDetach
)

var policyNames = [...]string{
	PolicyHalt:   "halt",
	PolicyResume: "resume",
	PolicyDetach: "detach",
}

func (p ErrorPolicy) String() string {
	if int(p) < len(policyNames) {
		return policyNames[p]
	}
	return fmt.Sprintf("policy(%d)", uint8(p))
}

// AdviseResume reports whether the event-delivery path should be told to
// resume after a failure handled by p.
func (p ErrorPolicy) AdviseResume() bool {
	return p == PolicyResume
}

// ParseErrorPolicy parses "halt", "resume" or "detach", ignoring case.
func ParseErrorPolicy(s string) (ErrorPolicy, error) {
	for i, name := range policyNames {
		if strings.EqualFold(s, name) {
			return ErrorPolicy(i), nil
		}
	}
	return 0, fmt.Errorf("%w %q (want halt, resume or detach)", ErrUnknownPolicy, s)
}

// MarshalText implements encoding.TextMarshaler.
func (p ErrorPolicy) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler, so policies can be
// read from configuration files.
func (p *ErrorPolicy) UnmarshalText(b []byte) error {
	v, err := ParseErrorPolicy(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}
