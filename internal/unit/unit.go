// Package unit defines the Semantic Unit record type, its conformance
// validation, and Ed25519 proof signing over the RFC 8785 canonical form.
//
// Units are immutable once created. An agent wishing to revise a unit
// creates a new unit referencing the original rather than modifying it.
package unit

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind is the semantic role of a unit. Serialises as a lowercase string.
type Kind string

const (
	KindAssertion  Kind = "assertion"
	KindQuestion   Kind = "question"
	KindInference  Kind = "inference"
	KindChallenge  Kind = "challenge"
	KindConstraint Kind = "constraint"
)

// Valid reports whether k is one of the five defined unit kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindAssertion, KindQuestion, KindInference, KindChallenge, KindConstraint:
		return true
	}
	return false
}

// Rel is the relationship a unit declares toward a referenced unit.
// Serialises as a lowercase, kebab-case string.
type Rel string

const (
	RelSupports    Rel = "supports"
	RelRebuts      Rel = "rebuts"
	RelDerivesFrom Rel = "derives-from"
	RelQuestions   Rel = "questions"
	RelRefines     Rel = "refines"
	// RelNotifies marks node-minted delivery-failure notices. It is not part
	// of the five authoring relations and is never required of clients.
	RelNotifies Rel = "notifies"
)

// Valid reports whether r is a defined relation. RelNotifies counts: notice
// units must survive inbox delivery validation.
func (r Rel) Valid() bool {
	switch r {
	case RelSupports, RelRebuts, RelDerivesFrom, RelQuestions, RelRefines, RelNotifies:
		return true
	}
	return false
}

// Visibility controls who may read a unit and how nodes distribute it.
// An absent visibility means VisibilityPublic.
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityNetwork Visibility = "network"
	VisibilityLimited Visibility = "limited"
)

// Valid reports whether v is a recognised visibility value.
func (v Visibility) Valid() bool {
	switch v {
	case VisibilityPublic, VisibilityNetwork, VisibilityLimited:
		return true
	}
	return false
}

// Reference is a typed link from one unit to another.
type Reference struct {
	ID  string `json:"id"`
	Rel Rel    `json:"rel"`
}

// Source is a citation or provenance reference for a unit's content. It
// serialises either as a plain string (URI or free-form citation) or as an
// object with a label and an optional URI.
type Source struct {
	Label string `json:"label,omitempty"`
	URI   string `json:"uri,omitempty"`
}

// MarshalJSON emits the compact string form when only the URI is set.
func (s Source) MarshalJSON() ([]byte, error) {
	if s.Label == "" {
		return json.Marshal(s.URI)
	}
	type alias Source
	return json.Marshal(alias(s))
}

// UnmarshalJSON accepts both the string form and the labelled-object form.
func (s *Source) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		s.Label = ""
		s.URI = str
		return nil
	}
	type alias Source
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*s = Source(a)
	return nil
}

// Proof is an Ed25519 signature over the unit's canonical form.
// Method is a self-referencing DID URL "{did}#{did}"; the segment before
// '#' is the authoritative signing DID. Value is "z" + base58btc of the
// 64-byte raw signature.
type Proof struct {
	Method  string `json:"method"`
	Created string `json:"created,omitempty"`
	Value   string `json:"value"`
}

// Unit is a Semantic Unit, the fundamental record type of the protocol.
//
// Extension fields (names matching x-<reverse-domain>.<name>) are captured
// in Extensions and round-trip through JSON at the top level of the object,
// alongside the defined fields.
type Unit struct {
	ID          string      `json:"id"`
	Kind        Kind        `json:"type"`
	Content     string      `json:"content"`
	CreatedAt   string      `json:"created_at"`
	Author      string      `json:"author"`
	Confidence  *float64    `json:"confidence,omitempty"`
	Assumptions []string    `json:"assumptions,omitempty"`
	Source      *Source     `json:"source,omitempty"`
	References  []Reference `json:"references,omitempty"`
	Visibility  Visibility  `json:"visibility,omitempty"`
	Audience    []string    `json:"audience,omitempty"`
	Proof       *Proof      `json:"proof,omitempty"`

	// Extensions holds every top-level key not defined above.
	Extensions map[string]json.RawMessage `json:"-"`
}

// knownFields are the defined top-level keys of the unit wire format.
// Everything else lands in Extensions on decode.
var knownFields = map[string]struct{}{
	"id": {}, "type": {}, "content": {}, "created_at": {}, "author": {},
	"confidence": {}, "assumptions": {}, "source": {}, "references": {},
	"visibility": {}, "audience": {}, "proof": {},
}

// New creates a unit with a fresh UUIDv7 id and the current UTC timestamp.
func New(kind Kind, content, author string) (*Unit, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate id: %w", err)
	}
	return &Unit{
		ID:        id.String(),
		Kind:      kind,
		Content:   content,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
		Author:    author,
	}, nil
}

// EffectiveVisibility returns the unit's visibility, defaulting to public
// when the field is absent.
func (u *Unit) EffectiveVisibility() Visibility {
	if u.Visibility == "" {
		return VisibilityPublic
	}
	return u.Visibility
}

type unitAlias Unit

// MarshalJSON flattens Extensions into the top-level object.
func (u Unit) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal(unitAlias(u))
	if err != nil {
		return nil, err
	}
	if len(u.Extensions) == 0 {
		return base, nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(base, &m); err != nil {
		return nil, err
	}
	for k, v := range u.Extensions {
		m[k] = v
	}
	return json.Marshal(m)
}

// UnmarshalJSON decodes defined fields into the struct and collects every
// remaining top-level key into Extensions.
func (u *Unit) UnmarshalJSON(data []byte) error {
	var a unitAlias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	a.Extensions = nil
	for k, v := range m {
		if _, ok := knownFields[k]; ok {
			continue
		}
		if a.Extensions == nil {
			a.Extensions = make(map[string]json.RawMessage)
		}
		a.Extensions[k] = v
	}
	*u = Unit(a)
	return nil
}

// IsUUIDv7 reports whether s parses as a version-7 UUID (RFC 9562).
func IsUUIDv7(s string) bool {
	id, err := uuid.Parse(s)
	if err != nil {
		return false
	}
	return id.Version() == 7
}
