// ABOUTME: Typed participant references shared by every chat component
// ABOUTME: A Ref is the (id, kind) pair; ids are only unique within a kind

package participant

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrNotFound is returned when a reference does not resolve to a known participant.
var ErrNotFound = errors.New("participant not found")

// ErrInvalidRef is returned when a textual reference cannot be parsed.
var ErrInvalidRef = errors.New("invalid participant reference")

// Kind identifies which directory a participant id belongs to.
type Kind string

const (
	KindUser      Kind = "user"
	KindAdmin     Kind = "admin"
	KindAssistant Kind = "assistant"
	// KindSystem authors fallback notices. It never resolves to a directory
	// row and can never be a chat member.
	KindSystem Kind = "system"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindUser, KindAdmin, KindAssistant, KindSystem:
		return true
	}
	return false
}

// Joinable reports whether a participant of this kind may hold chat membership.
func (k Kind) Joinable() bool {
	return k == KindUser || k == KindAdmin || k == KindAssistant
}

// ParseKind converts a string to a Kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", fmt.Errorf("%w: unknown kind %q", ErrInvalidRef, s)
	}
	return k, nil
}

// Ref is a typed participant reference. (5, user) and (5, admin) are distinct.
type Ref struct {
	ID   int64 `json:"id"`
	Kind Kind  `json:"type"`
}

// System is the sender used for synthetic notices.
var System = Ref{ID: 0, Kind: KindSystem}

// New builds a Ref.
func New(kind Kind, id int64) Ref {
	return Ref{ID: id, Kind: kind}
}

// String renders the reference as "kind:id".
func (r Ref) String() string {
	return string(r.Kind) + ":" + strconv.FormatInt(r.ID, 10)
}

// Validate checks that the reference names a joinable participant.
func (r Ref) Validate() error {
	if !r.Kind.Joinable() {
		return fmt.Errorf("%w: kind %q cannot participate in chats", ErrInvalidRef, r.Kind)
	}
	if r.ID <= 0 {
		return fmt.Errorf("%w: id must be positive", ErrInvalidRef)
	}
	return nil
}

// Parse reads a reference in "kind:id" form.
func Parse(s string) (Ref, error) {
	kindStr, idStr, ok := strings.Cut(s, ":")
	if !ok {
		return Ref{}, fmt.Errorf("%w: %q", ErrInvalidRef, s)
	}
	kind, err := ParseKind(kindStr)
	if err != nil {
		return Ref{}, err
	}
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return Ref{}, fmt.Errorf("%w: bad id %q", ErrInvalidRef, idStr)
	}
	return Ref{ID: id, Kind: kind}, nil
}

// less orders refs by kind then id.
func less(a, b Ref) bool {
	if a.Kind != b.Kind {
		return a.Kind < b.Kind
	}
	return a.ID < b.ID
}

// PairKey returns the order-independent key for an unordered pair of refs.
// PairKey(a, b) == PairKey(b, a).
func PairKey(a, b Ref) string {
	if less(b, a) {
		a, b = b, a
	}
	return a.String() + "|" + b.String()
}

// Profile is the display view of a participant.
type Profile struct {
	Ref    Ref
	Name   string
	Active bool
}
