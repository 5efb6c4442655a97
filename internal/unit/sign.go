package unit

import (
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gowebpki/jcs"
	"github.com/mr-tron/base58"

	"github.com/semanticweft/semanticweft/internal/identity"
)

// ErrAlreadySigned is returned by Sign when the unit already carries a proof.
var ErrAlreadySigned = errors.New("unit already has a proof; remove it before re-signing")

// ErrVerificationFailed is returned by VerifyProof when the signature does
// not verify against the canonical payload.
var ErrVerificationFailed = errors.New("signature verification failed")

// CanonicalPayload returns the RFC 8785 (JCS) canonical JSON bytes of the
// unit with its proof field removed. This is the exact byte sequence that
// unit proofs sign.
func CanonicalPayload(u *Unit) ([]byte, error) {
	stripped := *u
	stripped.Proof = nil
	raw, err := json.Marshal(&stripped)
	if err != nil {
		return nil, fmt.Errorf("serialize unit: %w", err)
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize unit: %w", err)
	}
	return canon, nil
}

// Sign attaches a proof to the unit using the given Ed25519 key and DID.
// The proof method is the self-referencing DID URL "{did}#{did}".
func Sign(u *Unit, key ed25519.PrivateKey, did string) error {
	if u.Proof != nil {
		return ErrAlreadySigned
	}
	payload, err := CanonicalPayload(u)
	if err != nil {
		return err
	}
	sig := ed25519.Sign(key, payload)
	u.Proof = &Proof{
		Method:  did + "#" + did,
		Created: time.Now().UTC().Format(time.RFC3339),
		Value:   "z" + base58.Encode(sig),
	}
	return nil
}

// VerifyProof checks the unit's attached proof. The verifying key is decoded
// from the did:key embedded in proof.method (the segment before '#'); no
// network resolution is performed.
func VerifyProof(u *Unit) error {
	if u.Proof == nil {
		return errors.New("unit has no proof")
	}
	methodDID, _, _ := strings.Cut(u.Proof.Method, "#")
	pub, err := identity.DecodeDIDKey(methodDID)
	if err != nil {
		return fmt.Errorf("proof method is not a valid did:key: %w", err)
	}
	sigData, ok := strings.CutPrefix(u.Proof.Value, "z")
	if !ok {
		return errors.New("proof value must be multibase base58btc ('z' prefix)")
	}
	sig, err := base58.Decode(sigData)
	if err != nil {
		return fmt.Errorf("signature decoding failed: %w", err)
	}
	if len(sig) != ed25519.SignatureSize {
		return fmt.Errorf("signature must be %d bytes, got %d", ed25519.SignatureSize, len(sig))
	}
	payload, err := CanonicalPayload(u)
	if err != nil {
		return err
	}
	if !ed25519.Verify(pub, payload, sig) {
		return ErrVerificationFailed
	}
	return nil
}

