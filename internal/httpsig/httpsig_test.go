package httpsig_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/semanticweft/semanticweft/internal/httpsig"
	"github.com/semanticweft/semanticweft/internal/identity"
)

func TestParseHeader(t *testing.T) {
	sig := "z" + strings.Repeat("1", 64) // 64 zero bytes in base58

	t.Run("full header", func(t *testing.T) {
		p, err := httpsig.ParseHeader(
			`keyId="did:key:z6MkA",algorithm="ed25519",headers="(request-target) host date",signature="` + sig + `"`)
		if err != nil {
			t.Fatalf("ParseHeader: %v", err)
		}
		if p.KeyID != "did:key:z6MkA" {
			t.Errorf("keyId %q", p.KeyID)
		}
		if len(p.Headers) != 3 || p.Headers[0] != "(request-target)" {
			t.Errorf("headers %v", p.Headers)
		}
		if len(p.Signature) != 64 {
			t.Errorf("signature length %d", len(p.Signature))
		}
	})

	t.Run("headers default when absent", func(t *testing.T) {
		p, err := httpsig.ParseHeader(`keyId="k",signature="` + sig + `"`)
		if err != nil {
			t.Fatalf("ParseHeader: %v", err)
		}
		if len(p.Headers) != 3 {
			t.Errorf("headers %v, want default list", p.Headers)
		}
	})

	t.Run("missing keyId", func(t *testing.T) {
		if _, err := httpsig.ParseHeader(`signature="` + sig + `"`); err == nil {
			t.Error("expected error for missing keyId")
		}
	})

	t.Run("wrong algorithm", func(t *testing.T) {
		if _, err := httpsig.ParseHeader(`keyId="k",algorithm="rsa-sha256",signature="` + sig + `"`); err == nil {
			t.Error("expected error for unsupported algorithm")
		}
	})

	t.Run("missing multibase prefix", func(t *testing.T) {
		if _, err := httpsig.ParseHeader(`keyId="k",signature="` + strings.Repeat("1", 64) + `"`); err == nil {
			t.Error("expected error for missing z prefix")
		}
	})

	t.Run("wrong signature size", func(t *testing.T) {
		if _, err := httpsig.ParseHeader(`keyId="k",signature="z1111"`); err == nil {
			t.Error("expected error for short signature")
		}
	})
}

func TestSigningString(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "http://node.example.org/v1/units?limit=5", nil)
	req.Header.Set("Date", "Tue, 07 Jun 2024 20:51:35 GMT")

	got, err := httpsig.SigningString(req, []string{"(request-target)", "host", "date"})
	if err != nil {
		t.Fatalf("SigningString: %v", err)
	}
	want := "(request-target): post /v1/units?limit=5\n" +
		"host: node.example.org\n" +
		"date: Tue, 07 Jun 2024 20:51:35 GMT"
	if got != want {
		t.Errorf("signing string mismatch:\ngot:  %q\nwant: %q", got, want)
	}
}

func TestSigningStringMissingHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://node.example.org/v1/sync", nil)
	if _, err := httpsig.SigningString(req, []string{"date"}); err == nil {
		t.Error("expected error for absent signed header")
	}
}

func TestValidateDate(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		value   string
		wantErr bool
	}{
		{"rfc7231 in window", now.Add(-30 * time.Second).Format(http.TimeFormat), false},
		{"rfc3339 in window", now.Add(30 * time.Second).Format(time.RFC3339), false},
		{"too old", now.Add(-6 * time.Minute).Format(http.TimeFormat), true},
		{"too far ahead", now.Add(6 * time.Minute).Format(http.TimeFormat), true},
		{"empty", "", true},
		{"garbage", "last thursday", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := httpsig.ValidateDate(tt.value, now)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateDate(%q) = %v, wantErr %v", tt.value, err, tt.wantErr)
			}
		})
	}
}

func TestSignThenVerify(t *testing.T) {
	id, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "http://node.example.org/v1/agents/did:key:z6MkA/inbox", nil)
	if err := httpsig.Sign(req, id.DID, id.Private); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if req.Header.Get("Date") == "" {
		t.Fatal("Sign did not set Date")
	}

	params, err := httpsig.ParseHeader(req.Header.Get("Signature"))
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	if params.KeyID != id.DID {
		t.Errorf("keyId %q, want %q", params.KeyID, id.DID)
	}
	if err := httpsig.ValidateDate(req.Header.Get("Date"), time.Now()); err != nil {
		t.Errorf("ValidateDate: %v", err)
	}
	if err := httpsig.Verify(req, params, id.Public); err != nil {
		t.Errorf("Verify: %v", err)
	}

	// A different key must not verify.
	other, _ := identity.Generate()
	if err := httpsig.Verify(req, params, other.Public); err == nil {
		t.Error("Verify accepted a signature from the wrong key")
	}

	// Changing the path invalidates the signature.
	req.URL.Path = "/v1/units"
	if err := httpsig.Verify(req, params, id.Public); err == nil {
		t.Error("Verify accepted a signature over a different target")
	}
}
