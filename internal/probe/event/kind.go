package event

import (
	"fmt"
	"strings"
)

// Kind is the event code of a probe.
//
// The numeric values are written to state files and class logs.
type Kind uint8

// Event codes.
const (
	KindStart       Kind = 1
	KindThreadStart Kind = 2
	KindThreadDeath Kind = 3

	KindNewObject Kind = 4
	KindGetStatic Kind = 5
	KindPutStatic Kind = 6
	KindGetField  Kind = 7
	KindPutField  Kind = 8

	KindMonitorContend    Kind = 10
	KindMonitorAcquire    Kind = 11
	KindMonitorPreRelease Kind = 12
	KindMonitorRelease    Kind = 13

	KindConstructor   Kind = 20
	KindStaticCall    Kind = 21
	KindVirtualCall   Kind = 22
	KindInterfaceCall Kind = 23
	KindCallReturn    Kind = 24

	KindVirtualMethodEnter Kind = 30
	KindVirtualMethodExit  Kind = 31
	KindConstructorEnter   Kind = 32
	KindConstructorExit    Kind = 33
	KindStaticInitEnter    Kind = 34
	KindStaticMethodEnter  Kind = 36
	KindStaticMethodExit   Kind = 37

	KindThrow Kind = 40
	KindCatch Kind = 41

	KindArrayElementLoad  Kind = 50
	KindArrayElementStore Kind = 51
)

var kindNames = map[Kind]string{
	KindStart:              "start",
	KindThreadStart:        "thread-start",
	KindThreadDeath:        "thread-death",
	KindNewObject:          "new-object",
	KindGetStatic:          "get-static",
	KindPutStatic:          "put-static",
	KindGetField:           "get-field",
	KindPutField:           "put-field",
	KindMonitorContend:     "monitor-contend",
	KindMonitorAcquire:     "monitor-acquire",
	KindMonitorPreRelease:  "monitor-pre-release",
	KindMonitorRelease:     "monitor-release",
	KindConstructor:        "constructor-call",
	KindStaticCall:         "static-call",
	KindVirtualCall:        "virtual-call",
	KindInterfaceCall:      "interface-call",
	KindCallReturn:         "call-return",
	KindVirtualMethodEnter: "virtual-method-enter",
	KindVirtualMethodExit:  "virtual-method-exit",
	KindConstructorEnter:   "constructor-enter",
	KindConstructorExit:    "constructor-exit",
	KindStaticInitEnter:    "static-init-enter",
	KindStaticMethodEnter:  "static-method-enter",
	KindStaticMethodExit:   "static-method-exit",
	KindThrow:              "throw",
	KindCatch:              "catch",
	KindArrayElementLoad:   "array-element-load",
	KindArrayElementStore:  "array-element-store",
}

// String returns the lower-case name of the kind.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Valid reports whether k is a known event code.
func (k Kind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

// IsField reports whether k observes a field read or write.
func (k Kind) IsField() bool {
	switch k {
	case KindGetStatic, KindPutStatic, KindGetField, KindPutField:
		return true
	}
	return false
}

// IsException reports whether k observes an exception being thrown or caught.
func (k Kind) IsException() bool {
	return k == KindThrow || k == KindCatch
}

// IsLiveRequest reports whether k is served by a runtime watch that can be
// toggled without rewriting code.
func (k Kind) IsLiveRequest() bool {
	return k.IsField() || k.IsException()
}

// IsArrayElement reports whether k observes an array element access.
func (k Kind) IsArrayElement() bool {
	return k == KindArrayElementLoad || k == KindArrayElementStore
}

// IsStatic reports whether a field kind targets a static field.
func (k Kind) IsStatic() bool {
	return k == KindGetStatic || k == KindPutStatic
}

// RequiresRewrite reports whether probes of kind k are realized by code edits.
func (k Kind) RequiresRewrite() bool {
	switch k {
	case KindStart, KindThreadStart, KindThreadDeath:
		return false
	}
	return k.Valid() && !k.IsLiveRequest()
}

// ParseKind converts a kind name (as returned by String) to a Kind.
func ParseKind(s string) (Kind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown event kind %q", s)
}
