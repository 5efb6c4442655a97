// Package identity implements did:key self-certifying identifiers and the
// node's persistent Ed25519 identity.
//
// A did:key embeds the Ed25519 public key verbatim:
//
//	did:key:z<base58btc( 0xed 0x01 || public_key_32 )>
//
// which makes inter-node authentication possible without any central key
// distribution.
package identity

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"
)

// SeedKey is the storage config key under which the node's Ed25519 seed is
// persisted, as lowercase hex.
const SeedKey = "node_identity_seed"

// Identity is an Ed25519 keypair together with its derived did:key.
type Identity struct {
	DID     string
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// DIDFromPublicKey derives the did:key identifier for an Ed25519 public key.
func DIDFromPublicKey(pub ed25519.PublicKey) string {
	return "did:key:" + MultibaseKey(pub)
}

// MultibaseKey encodes an Ed25519 public key as multibase base58btc with the
// ed25519 multicodec prefix: "z" + base58btc(0xed 0x01 || key).
func MultibaseKey(pub ed25519.PublicKey) string {
	buf := make([]byte, 0, 2+len(pub))
	buf = append(buf, 0xed, 0x01)
	buf = append(buf, pub...)
	return "z" + base58.Encode(buf)
}

// FromSeed deterministically derives an identity from a 32-byte seed.
func FromSeed(seed []byte) (*Identity, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	return &Identity{
		DID:     DIDFromPublicKey(pub),
		Public:  pub,
		Private: priv,
	}, nil
}

// Generate creates a fresh random identity.
func Generate() (*Identity, error) {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("generate seed: %w", err)
	}
	return FromSeed(seed)
}

// DecodeDIDKey extracts the Ed25519 public key embedded in a did:key
// identifier of the form did:key:z<base58btc(0xed 0x01 || key)>.
func DecodeDIDKey(did string) (ed25519.PublicKey, error) {
	multibase, ok := strings.CutPrefix(did, "did:key:")
	if !ok {
		return nil, fmt.Errorf("not a did:key: %q", did)
	}
	return DecodePublicKeyMultibase(multibase)
}

// DecodePublicKeyMultibase decodes a multibase base58btc Ed25519 public key
// with the ed25519 multicodec prefix, the inverse of MultibaseKey.
func DecodePublicKeyMultibase(s string) (ed25519.PublicKey, error) {
	data, ok := strings.CutPrefix(s, "z")
	if !ok {
		return nil, errors.New("multibase must start with 'z'")
	}
	decoded, err := base58.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("base58 decode failed: %w", err)
	}
	if len(decoded) < 2 || decoded[0] != 0xed || decoded[1] != 0x01 {
		return nil, errors.New("missing ed25519 multicodec prefix [0xed, 0x01]")
	}
	key := decoded[2:]
	if len(key) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", ed25519.PublicKeySize, len(key))
	}
	return ed25519.PublicKey(key), nil
}

// SeedStore is the slice of the storage layer the identity loader needs.
type SeedStore interface {
	GetConfig(ctx context.Context, key string) (value string, found bool, err error)
	SetConfig(ctx context.Context, key, value string) error
}

// LoadOrGenerate returns the node identity persisted in store, generating
// and persisting a new one on first run. With an ephemeral backend the
// identity regenerates on every start, which is accepted behaviour.
func LoadOrGenerate(ctx context.Context, store SeedStore) (*Identity, error) {
	if v, found, err := store.GetConfig(ctx, SeedKey); err != nil {
		return nil, fmt.Errorf("read identity seed: %w", err)
	} else if found {
		seed, err := hex.DecodeString(v)
		if err != nil {
			return nil, fmt.Errorf("stored identity seed is not valid hex: %w", err)
		}
		return FromSeed(seed)
	}

	id, err := Generate()
	if err != nil {
		return nil, err
	}
	if err := store.SetConfig(ctx, SeedKey, hex.EncodeToString(id.Private.Seed())); err != nil {
		return nil, fmt.Errorf("persist identity seed: %w", err)
	}
	return id, nil
}
