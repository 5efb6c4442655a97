// Package httpsig implements draft-cavage HTTP request signatures with
// Ed25519 keys, as used for agent authentication and inter-node delivery.
//
// A signed request carries a Date header (±300 s of server clock) and a
// Signature header of the form:
//
//	Signature: keyId="did:key:z6Mk…",algorithm="ed25519",
//	           headers="(request-target) host date",signature="z…"
//
// The signing string is the named headers joined by "\n", each as
// "<name>: <value>"; "(request-target)" expands to
// "<lowercase-method> <path-and-query>".
package httpsig

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mr-tron/base58"
)

// MaxClockSkew is the accepted window around the server clock for the Date
// header. It is the only replay mitigation.
const MaxClockSkew = 300 * time.Second

// DefaultHeaders is the canonical header list for outbound signatures.
var DefaultHeaders = []string{"(request-target)", "host", "date"}

// Params are the parsed fields of a Signature header.
type Params struct {
	KeyID     string
	Algorithm string
	Headers   []string
	Signature []byte
}

// ParseHeader parses a Signature header value. Commas inside quoted values
// are honoured. The signature value must be multibase base58btc ("z" prefix)
// decoding to a 64-byte Ed25519 signature.
func ParseHeader(value string) (*Params, error) {
	fields := map[string]string{}
	for _, part := range splitQuoted(value) {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return nil, fmt.Errorf("malformed signature parameter %q", part)
		}
		fields[k] = strings.Trim(v, `"`)
	}

	keyID := fields["keyId"]
	if keyID == "" {
		return nil, errors.New("signature header missing keyId")
	}
	if alg, ok := fields["algorithm"]; ok && alg != "ed25519" {
		return nil, fmt.Errorf("unsupported signature algorithm %q", alg)
	}
	sigValue := fields["signature"]
	if sigValue == "" {
		return nil, errors.New("signature header missing signature")
	}
	encoded, ok := strings.CutPrefix(sigValue, "z")
	if !ok {
		return nil, errors.New("signature must be multibase base58btc ('z' prefix)")
	}
	sig, err := base58.Decode(encoded)
	if err != nil {
		return nil, fmt.Errorf("signature decode failed: %w", err)
	}
	if len(sig) != ed25519.SignatureSize {
		return nil, fmt.Errorf("signature must be %d bytes, got %d", ed25519.SignatureSize, len(sig))
	}

	headers := DefaultHeaders
	if h, ok := fields["headers"]; ok && h != "" {
		headers = strings.Fields(strings.ToLower(h))
	}
	return &Params{
		KeyID:     keyID,
		Algorithm: "ed25519",
		Headers:   headers,
		Signature: sig,
	}, nil
}

// splitQuoted splits on commas that are outside double quotes.
func splitQuoted(s string) []string {
	var parts []string
	var b strings.Builder
	inQuotes := false
	for _, r := range s {
		switch {
		case r == '"':
			inQuotes = !inQuotes
			b.WriteRune(r)
		case r == ',' && !inQuotes:
			parts = append(parts, b.String())
			b.Reset()
		default:
			b.WriteRune(r)
		}
	}
	if b.Len() > 0 {
		parts = append(parts, b.String())
	}
	return parts
}

// SigningString builds the string covered by the signature for the given
// header list.
func SigningString(r *http.Request, headers []string) (string, error) {
	lines := make([]string, 0, len(headers))
	for _, name := range headers {
		switch name {
		case "(request-target)":
			target := r.URL.Path
			if target == "" {
				target = "/"
			}
			if r.URL.RawQuery != "" {
				target += "?" + r.URL.RawQuery
			}
			lines = append(lines, fmt.Sprintf("(request-target): %s %s", strings.ToLower(r.Method), target))
		case "host":
			host := r.Host
			if host == "" {
				host = r.URL.Host
			}
			lines = append(lines, "host: "+host)
		default:
			v := r.Header.Get(name)
			if v == "" {
				return "", fmt.Errorf("signed header %q absent from request", name)
			}
			lines = append(lines, name+": "+v)
		}
	}
	return strings.Join(lines, "\n"), nil
}

// ValidateDate checks that the Date header parses (RFC 7231 preferred,
// RFC 3339 accepted) and is within MaxClockSkew of now.
func ValidateDate(value string, now time.Time) error {
	if value == "" {
		return errors.New("missing Date header")
	}
	t, err := http.ParseTime(value)
	if err != nil {
		t, err = time.Parse(time.RFC3339, value)
	}
	if err != nil {
		return fmt.Errorf("unparseable Date header %q", value)
	}
	if d := now.Sub(t); d > MaxClockSkew || d < -MaxClockSkew {
		return fmt.Errorf("date outside ±%s window", MaxClockSkew)
	}
	return nil
}

// Verify checks the parsed signature over the request with the given public
// key. The Date window must be validated separately via ValidateDate.
func Verify(r *http.Request, params *Params, pub ed25519.PublicKey) error {
	msg, err := SigningString(r, params.Headers)
	if err != nil {
		return err
	}
	if !ed25519.Verify(pub, []byte(msg), params.Signature) {
		return errors.New("signature verification failed")
	}
	return nil
}

// Sign sets the Date and Signature headers on an outbound request, signing
// "(request-target) host date" with the given key. keyID is the sender's
// identifier, typically a did:key so the receiver can verify without lookup.
func Sign(r *http.Request, keyID string, key ed25519.PrivateKey) error {
	r.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	msg, err := SigningString(r, DefaultHeaders)
	if err != nil {
		return err
	}
	sig := ed25519.Sign(key, []byte(msg))
	r.Header.Set("Signature", fmt.Sprintf(
		`keyId=%q,algorithm="ed25519",headers=%q,signature=%q`,
		keyID, strings.Join(DefaultHeaders, " "), "z"+base58.Encode(sig)))
	return nil
}
