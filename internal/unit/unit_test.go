package unit_test

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/semanticweft/semanticweft/internal/identity"
	"github.com/semanticweft/semanticweft/internal/unit"
)

func newTestUnit(t *testing.T) *unit.Unit {
	t.Helper()
	u, err := unit.New(unit.KindAssertion, "Water boils at 100°C at sea level", "did:key:z6MkTest")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return u
}

func TestNewGeneratesValidUnit(t *testing.T) {
	u := newTestUnit(t)
	if err := unit.Validate(u); err != nil {
		t.Fatalf("fresh unit should validate, got: %v", err)
	}
	if !unit.IsUUIDv7(u.ID) {
		t.Errorf("id %q is not a UUIDv7", u.ID)
	}
}

func TestValidate(t *testing.T) {
	conf := func(v float64) *float64 { return &v }

	tests := []struct {
		name      string
		mutate    func(u *unit.Unit)
		wantField string
	}{
		{"valid", func(u *unit.Unit) {}, ""},
		{"bad id", func(u *unit.Unit) { u.ID = "not-a-uuid" }, "id"},
		{"uuid v4 rejected", func(u *unit.Unit) { u.ID = "7f9c24e5-2c8f-4b6d-9a3e-1f2a3b4c5d6e" }, "id"},
		{"unknown kind", func(u *unit.Unit) { u.Kind = "opinion" }, "type"},
		{"empty content", func(u *unit.Unit) { u.Content = "" }, "content"},
		{"empty author", func(u *unit.Unit) { u.Author = "" }, "author"},
		{"bad timestamp", func(u *unit.Unit) { u.CreatedAt = "yesterday" }, "created_at"},
		{"confidence below range", func(u *unit.Unit) { u.Confidence = conf(-0.1) }, "confidence"},
		{"confidence above range", func(u *unit.Unit) { u.Confidence = conf(1.1) }, "confidence"},
		{"confidence bounds ok", func(u *unit.Unit) { u.Confidence = conf(1.0) }, ""},
		{"empty assumptions list", func(u *unit.Unit) { u.Assumptions = []string{} }, "assumptions"},
		{"blank assumption", func(u *unit.Unit) { u.Assumptions = []string{"ok", ""} }, "assumptions"},
		{"empty references list", func(u *unit.Unit) { u.References = []unit.Reference{} }, "references"},
		{"reference with bad id", func(u *unit.Unit) {
			u.References = []unit.Reference{{ID: "nope", Rel: unit.RelSupports}}
		}, "references"},
		{"reference with unknown rel", func(u *unit.Unit) {
			target := newTestUnit(t)
			u.References = []unit.Reference{{ID: target.ID, Rel: unit.Rel("bogus-relation")}}
		}, "references"},
		{"reference notifies ok", func(u *unit.Unit) {
			target := newTestUnit(t)
			u.References = []unit.Reference{{ID: target.ID, Rel: unit.RelNotifies}}
		}, ""},
		{"unknown visibility", func(u *unit.Unit) { u.Visibility = "secret" }, "visibility"},
		{"limited without audience", func(u *unit.Unit) { u.Visibility = unit.VisibilityLimited }, "audience"},
		{"limited with audience ok", func(u *unit.Unit) {
			u.Visibility = unit.VisibilityLimited
			u.Audience = []string{"did:key:z6MkOther"}
		}, ""},
		{"extension uppercase rejected", func(u *unit.Unit) {
			u.Extensions = map[string]json.RawMessage{"x-com.Example.field": json.RawMessage(`1`)}
		}, "x-com.Example.field"},
		{"extension single segment rejected", func(u *unit.Unit) {
			u.Extensions = map[string]json.RawMessage{"x-field": json.RawMessage(`1`)}
		}, "x-field"},
		{"extension ok", func(u *unit.Unit) {
			u.Extensions = map[string]json.RawMessage{"x-com.example.weight": json.RawMessage(`0.3`)}
		}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := newTestUnit(t)
			tt.mutate(u)
			err := unit.Validate(u)
			if tt.wantField == "" {
				if err != nil {
					t.Fatalf("expected valid, got: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected failure on field %q, got nil", tt.wantField)
			}
			var verr *unit.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %T: %v", err, err)
			}
			if verr.Field != tt.wantField {
				t.Errorf("failed on field %q, want %q", verr.Field, tt.wantField)
			}
		})
	}
}

func TestEffectiveVisibilityDefaultsToPublic(t *testing.T) {
	u := newTestUnit(t)
	if got := u.EffectiveVisibility(); got != unit.VisibilityPublic {
		t.Errorf("got %q, want public", got)
	}
	u.Visibility = unit.VisibilityNetwork
	if got := u.EffectiveVisibility(); got != unit.VisibilityNetwork {
		t.Errorf("got %q, want network", got)
	}
}

func TestExtensionsRoundTrip(t *testing.T) {
	u := newTestUnit(t)
	u.Extensions = map[string]json.RawMessage{
		"x-com.example.weight": json.RawMessage(`0.82`),
		"x-org.acme.tags":      json.RawMessage(`["a","b"]`),
	}

	raw, err := json.Marshal(u)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	// Extension keys must appear at the top level, not nested.
	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		t.Fatalf("re-parse: %v", err)
	}
	if string(top["x-com.example.weight"]) != "0.82" {
		t.Errorf("extension not flattened to top level: %s", raw)
	}

	var back unit.Unit
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.ID != u.ID || back.Kind != u.Kind {
		t.Errorf("defined fields lost in round trip")
	}
	if string(back.Extensions["x-org.acme.tags"]) != `["a","b"]` {
		t.Errorf("extensions lost in round trip: %#v", back.Extensions)
	}
}

func TestUnknownFieldsArePreserved(t *testing.T) {
	u := newTestUnit(t)
	raw, _ := json.Marshal(u)
	// Inject a non-extension unknown key the way a future protocol
	// version might.
	patched := strings.Replace(string(raw), "{", `{"future_field":"kept",`, 1)

	var back unit.Unit
	if err := json.Unmarshal([]byte(patched), &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if string(back.Extensions["future_field"]) != `"kept"` {
		t.Errorf("unknown field dropped: %#v", back.Extensions)
	}
}

func TestSourceForms(t *testing.T) {
	u := newTestUnit(t)
	u.Source = &unit.Source{URI: "https://example.org/paper"}
	raw, err := json.Marshal(u)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(raw), `"source":"https://example.org/paper"`) {
		t.Errorf("URI-only source should serialise as a string: %s", raw)
	}

	u.Source = &unit.Source{Label: "Smith 2024", URI: "https://example.org/paper"}
	raw, err = json.Marshal(u)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(raw), `"label":"Smith 2024"`) {
		t.Errorf("labelled source should serialise as an object: %s", raw)
	}

	var back unit.Unit
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.Source == nil || back.Source.Label != "Smith 2024" {
		t.Errorf("labelled source lost: %#v", back.Source)
	}

	var strForm unit.Unit
	if err := json.Unmarshal([]byte(`{"source":"ISO 80000-5"}`), &strForm); err != nil {
		t.Fatalf("unmarshal string source: %v", err)
	}
	if strForm.Source == nil || strForm.Source.URI != "ISO 80000-5" {
		t.Errorf("string source lost: %#v", strForm.Source)
	}
}

func TestSignAndVerify(t *testing.T) {
	id, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	u := newTestUnit(t)
	u.Author = id.DID

	if err := unit.Sign(u, id.Private, id.DID); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if u.Proof == nil {
		t.Fatal("Sign left proof nil")
	}
	if want := id.DID + "#" + id.DID; u.Proof.Method != want {
		t.Errorf("proof method %q, want %q", u.Proof.Method, want)
	}
	if !strings.HasPrefix(u.Proof.Value, "z") {
		t.Errorf("proof value %q lacks multibase prefix", u.Proof.Value)
	}
	if err := unit.VerifyProof(u); err != nil {
		t.Fatalf("VerifyProof: %v", err)
	}

	// Signing twice must be refused.
	if err := unit.Sign(u, id.Private, id.DID); err != unit.ErrAlreadySigned {
		t.Errorf("re-sign: got %v, want ErrAlreadySigned", err)
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	id, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	u := newTestUnit(t)
	u.Author = id.DID
	if err := unit.Sign(u, id.Private, id.DID); err != nil {
		t.Fatalf("Sign: %v", err)
	}

	u.Content = "Water boils at 90°C at sea level"
	if err := unit.VerifyProof(u); err != unit.ErrVerificationFailed {
		t.Errorf("tampered unit: got %v, want ErrVerificationFailed", err)
	}
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	signer, _ := identity.Generate()
	other, _ := identity.Generate()

	u := newTestUnit(t)
	u.Author = signer.DID
	if err := unit.Sign(u, signer.Private, signer.DID); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	// Rewrite the method to claim a different identity.
	u.Proof.Method = other.DID + "#" + other.DID
	if err := unit.VerifyProof(u); err != unit.ErrVerificationFailed {
		t.Errorf("wrong key: got %v, want ErrVerificationFailed", err)
	}
}

func TestCanonicalPayloadIgnoresProofAndKeyOrder(t *testing.T) {
	id, _ := identity.Generate()
	u := newTestUnit(t)
	u.Author = id.DID

	before, err := unit.CanonicalPayload(u)
	if err != nil {
		t.Fatalf("CanonicalPayload: %v", err)
	}
	if err := unit.Sign(u, id.Private, id.DID); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	after, err := unit.CanonicalPayload(u)
	if err != nil {
		t.Fatalf("CanonicalPayload after sign: %v", err)
	}
	if string(before) != string(after) {
		t.Errorf("canonical payload changed after signing:\n%s\n%s", before, after)
	}

	// A re-decoded unit must canonicalise identically.
	raw, _ := json.Marshal(u)
	var back unit.Unit
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	redecoded, err := unit.CanonicalPayload(&back)
	if err != nil {
		t.Fatalf("CanonicalPayload redecoded: %v", err)
	}
	if string(redecoded) != string(before) {
		t.Errorf("canonical payload not stable across round trip")
	}
}
