package ap

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"log/slog"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/multiformats/go-multibase"

	"github.com/aviary-bridge/aviary/internal/db"
)

// ActorKeys are one actor's signing keys, materialized from JWK rows.
// The RSA key signs HTTP requests; the Ed25519 key is published as an
// assertion method for object integrity proofs.
type ActorKeys struct {
	RSA     *rsa.PrivateKey
	Ed25519 ed25519.PrivateKey
}

// EnsureKeyPairs returns both key pairs for userDID, generating and
// persisting any missing one. Generation races resolve through the store's
// unique constraint: both callers end up reading the winner's row.
func EnsureKeyPairs(ctx context.Context, store *db.Store, userDID string) (*ActorKeys, error) {
	keys := &ActorKeys{}

	rsaJWK, err := ensureKeyPair(store, userDID, db.KeyTypeRSA)
	if err != nil {
		return nil, err
	}
	var rsaKey rsa.PrivateKey
	if err := importJWK(rsaJWK, &rsaKey); err != nil {
		return nil, fmt.Errorf("import RSA key for %s: %w", userDID, err)
	}
	keys.RSA = &rsaKey

	edJWK, err := ensureKeyPair(store, userDID, db.KeyTypeEd25519)
	if err != nil {
		return nil, err
	}
	if err := importJWK(edJWK, &keys.Ed25519); err != nil {
		return nil, fmt.Errorf("import Ed25519 key for %s: %w", userDID, err)
	}

	return keys, nil
}

// ensureKeyPair returns the private JWK JSON for (userDID, keyType),
// generating a fresh pair if none is stored yet.
func ensureKeyPair(store *db.Store, userDID, keyType string) (string, error) {
	existing, err := store.GetKeyPair(userDID, keyType)
	if err != nil {
		return "", fmt.Errorf("load key pair: %w", err)
	}
	if existing != nil {
		return existing.PrivateKey, nil
	}

	slog.Info("generating actor key pair", "did", userDID, "type", keyType)

	privJWK, pubJWK, err := generateJWKPair(keyType)
	if err != nil {
		return "", err
	}
	if err := store.CreateKeyPair(db.KeyPair{
		UserDID:    userDID,
		Type:       keyType,
		PublicKey:  pubJWK,
		PrivateKey: privJWK,
	}); err != nil {
		return "", fmt.Errorf("persist key pair: %w", err)
	}

	// Re-read so a concurrent generator and we agree on one winner.
	won, err := store.GetKeyPair(userDID, keyType)
	if err != nil {
		return "", fmt.Errorf("reload key pair: %w", err)
	}
	if won == nil {
		return "", fmt.Errorf("key pair for %s/%s vanished after insert", userDID, keyType)
	}
	return won.PrivateKey, nil
}

func generateJWKPair(keyType string) (privJSON, pubJSON string, err error) {
	var raw any
	switch keyType {
	case db.KeyTypeRSA:
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return "", "", fmt.Errorf("generate RSA key: %w", err)
		}
		raw = key
	case db.KeyTypeEd25519:
		_, key, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return "", "", fmt.Errorf("generate Ed25519 key: %w", err)
		}
		raw = key
	default:
		return "", "", fmt.Errorf("unknown key type %q", keyType)
	}

	priv, err := jwk.FromRaw(raw)
	if err != nil {
		return "", "", fmt.Errorf("wrap private key: %w", err)
	}
	pub, err := priv.PublicKey()
	if err != nil {
		return "", "", fmt.Errorf("derive public key: %w", err)
	}

	privBytes, err := json.Marshal(priv)
	if err != nil {
		return "", "", fmt.Errorf("marshal private JWK: %w", err)
	}
	pubBytes, err := json.Marshal(pub)
	if err != nil {
		return "", "", fmt.Errorf("marshal public JWK: %w", err)
	}
	return string(privBytes), string(pubBytes), nil
}

// importJWK parses a JWK JSON string into the raw key type pointed to by out.
func importJWK(jwkJSON string, out any) error {
	key, err := jwk.ParseKey([]byte(jwkJSON))
	if err != nil {
		return fmt.Errorf("parse JWK: %w", err)
	}
	return key.Raw(out)
}

// PublicKeyPEM renders an RSA public key as the PKIX PEM actor documents carry.
func PublicKeyPEM(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("marshal public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// ParsePublicKeyPEM parses a PKIX PEM block into an RSA public key.
func ParsePublicKeyPEM(pemStr string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, fmt.Errorf("invalid PEM")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse PKIX public key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA public key")
	}
	return rsaPub, nil
}

// ed25519Multicodec prefixes a raw Ed25519 public key (varint 0xed).
var ed25519Multicodec = []byte{0xed, 0x01}

// Ed25519Multibase encodes an Ed25519 public key as a base58btc multibase
// string for Multikey assertion methods.
func Ed25519Multibase(pub ed25519.PublicKey) (string, error) {
	return multibase.Encode(multibase.Base58BTC, append(ed25519Multicodec, pub...))
}
