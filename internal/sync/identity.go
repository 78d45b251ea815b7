package sync

import (
	"crypto/ed25519"
	"encoding/base64"
	gosync "sync"

	"github.com/vaultline/entitystore/internal/entity"
)

// Signer produces change-set proofs bound to a node identity.
type Signer interface {
	Identity() string
	Sign(data []byte) ([]byte, error)
}

// Verifier checks a proof against the claimed node identity.
type Verifier interface {
	Verify(identity string, data, proof []byte) error
}

// Ed25519Signer signs with a node-held ed25519 key.
type Ed25519Signer struct {
	identity string
	key      ed25519.PrivateKey
}

// NewEd25519Signer binds the key to the node identity.
func NewEd25519Signer(identity string, key ed25519.PrivateKey) (*Ed25519Signer, error) {
	if identity == "" || len(key) != ed25519.PrivateKeySize {
		return nil, &entity.StoreError{Kind: entity.KindConfigurationInvalid, Op: "signer.new", Message: "identity and a valid private key are required"}
	}
	return &Ed25519Signer{identity: identity, key: key}, nil
}

// GenerateSigner creates a signer with a fresh key pair and returns the
// public key for registration with verifiers.
func GenerateSigner(identity string) (*Ed25519Signer, ed25519.PublicKey, error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, nil, err
	}
	signer, err := NewEd25519Signer(identity, priv)
	if err != nil {
		return nil, nil, err
	}
	return signer, pub, nil
}

func (s *Ed25519Signer) Identity() string { return s.identity }

func (s *Ed25519Signer) Sign(data []byte) ([]byte, error) {
	return ed25519.Sign(s.key, data), nil
}

// KeyDirectory verifies proofs against registered node public keys. It
// stands in for the external identity service resolving keys from node
// identifiers.
type KeyDirectory struct {
	mu   gosync.RWMutex
	keys map[string]ed25519.PublicKey
}

// NewKeyDirectory returns an empty directory.
func NewKeyDirectory() *KeyDirectory {
	return &KeyDirectory{keys: map[string]ed25519.PublicKey{}}
}

// Register associates a node identity with its public key.
func (d *KeyDirectory) Register(identity string, key ed25519.PublicKey) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.keys[identity] = key
}

// Verify fails with SignatureInvalid for unknown identities and bad proofs.
func (d *KeyDirectory) Verify(identity string, data, proof []byte) error {
	d.mu.RLock()
	key, ok := d.keys[identity]
	d.mu.RUnlock()
	if !ok {
		return &entity.StoreError{
			Kind:    entity.KindSignatureInvalid,
			Op:      "verify",
			ID:      identity,
			Message: "no key registered for node identity",
		}
	}
	if !ed25519.Verify(key, data, proof) {
		return &entity.StoreError{
			Kind:    entity.KindSignatureInvalid,
			Op:      "verify",
			ID:      identity,
			Message: "proof does not verify against node identity",
		}
	}
	return nil
}

// ParsePublicKey decodes a base64 ed25519 public key from configuration.
func ParsePublicKey(encoded string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil || len(raw) != ed25519.PublicKeySize {
		return nil, &entity.StoreError{Kind: entity.KindConfigurationInvalid, Op: "verify.parseKey", Message: "value is not a base64 ed25519 public key"}
	}
	return ed25519.PublicKey(raw), nil
}

// ParsePrivateKey decodes a base64 ed25519 private key from configuration.
func ParsePrivateKey(encoded string) (ed25519.PrivateKey, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil || len(raw) != ed25519.PrivateKeySize {
		return nil, &entity.StoreError{Kind: entity.KindConfigurationInvalid, Op: "sign.parseKey", Message: "value is not a base64 ed25519 private key"}
	}
	return ed25519.PrivateKey(raw), nil
}
