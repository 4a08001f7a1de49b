package event

import (
	"cmp"
	"fmt"
	"strings"
)

// Location names a member of a declaring type in the observed program.
//
// Type is the dotted type name ("com.acme.Cart"), Member the member name
// ("<init>" for constructors, "<clinit>" for static initializers) and
// Signature the member's descriptor ("(I)V"). Two locations are equal when
// all three fields are equal.
type Location struct {
	Type      string
	Member    string
	Signature string
}

// Constructor returns the location of a constructor of typeName.
func Constructor(typeName, signature string) Location {
	return Location{Type: typeName, Member: "<init>", Signature: signature}
}

// StaticInitializer returns the location of the static initializer of typeName.
func StaticInitializer(typeName string) Location {
	return Location{Type: typeName, Member: "<clinit>", Signature: "()V"}
}

// Path returns the trie path of the location: the dot-separated segments of
// Type, then Member, then Signature.
//
// Empty Member or Signature values are omitted, which yields the path of a
// type or member prefix.
func (l Location) Path() []string {
	path := strings.Split(l.Type, ".")
	if l.Member != "" {
		path = append(path, l.Member)
		if l.Signature != "" {
			path = append(path, l.Signature)
		}
	}
	return path
}

// MemberKey returns the name and signature of the member, as used to key
// per-method logs inside a class ("run()V").
func (l Location) MemberKey() string {
	return l.Member + l.Signature
}

// IsZero reports whether l has no type.
func (l Location) IsZero() bool {
	return l.Type == ""
}

// Validate reports an error when the location cannot address a probe.
func (l Location) Validate() error {
	if l.Type == "" {
		return fmt.Errorf("location has no declaring type")
	}
	if strings.HasPrefix(l.Type, ".") || strings.HasSuffix(l.Type, ".") || strings.Contains(l.Type, "..") {
		return fmt.Errorf("location type %q has an empty segment", l.Type)
	}
	if l.Member == "" {
		return fmt.Errorf("location %s has no member", l.Type)
	}
	return nil
}

// String formats the location as Type.MemberSignature.
func (l Location) String() string {
	return l.Type + "." + l.Member + l.Signature
}

// Compare orders locations by type, member and signature.
func (l Location) Compare(o Location) int {
	return cmp.Or(
		strings.Compare(l.Type, o.Type),
		strings.Compare(l.Member, o.Member),
		strings.Compare(l.Signature, o.Signature),
	)
}

// Subject identifies the target of a live request: a field of a declaring
// type, or an exception type (Name empty).
type Subject struct {
	DeclaringType string
	Name          string
}

// Field returns the subject for a field.
func Field(declaringType, name string) Subject {
	return Subject{DeclaringType: declaringType, Name: name}
}

// Exception returns the subject for an exception type.
func Exception(typeName string) Subject {
	return Subject{DeclaringType: typeName}
}

// String formats the subject.
func (s Subject) String() string {
	if s.Name == "" {
		return s.DeclaringType
	}
	return s.DeclaringType + "." + s.Name
}
