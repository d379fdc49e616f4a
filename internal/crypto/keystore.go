package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"strings"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	wrapInfo         = "agentlink-wrap-v1"
	ephemeralPKSize  = 32
	wrapNonceSize    = chacha20poly1305.NonceSize
	minWrappedKeyLen = ephemeralPKSize + wrapNonceSize + chacha20poly1305.Overhead
)

// KeyStore holds one agent's private key material. Public keys of peers are
// passed in explicitly; the private key never leaves the store.
type KeyStore interface {
	// EncryptWithPublicKey encrypts data so only the holder of pub's private key can read it.
	EncryptWithPublicKey(pub ed25519.PublicKey, data []byte) ([]byte, error)
	// DecryptWithPrivateKey reverses EncryptWithPublicKey using this store's key.
	DecryptWithPrivateKey(data []byte) ([]byte, error)
	Sign(data []byte) ([]byte, error)
	Verify(pub ed25519.PublicKey, signature, data []byte) bool
}

// LocalKeyStore is a KeyStore backed by an in-memory Ed25519 key. Key wrapping
// uses X25519 ECIES on the birationally equivalent Montgomery keys.
type LocalKeyStore struct {
	priv ed25519.PrivateKey
}

// NewLocalKeyStore wraps an Ed25519 private key.
func NewLocalKeyStore(priv ed25519.PrivateKey) (*LocalKeyStore, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("private key must be %d bytes, got %d", ed25519.PrivateKeySize, len(priv))
	}
	return &LocalKeyStore{priv: priv}, nil
}

// GenerateKeyStore creates a store with a fresh key.
func GenerateKeyStore() (*LocalKeyStore, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &LocalKeyStore{priv: priv}, nil
}

// LoadKeyStore reads a base64 Ed25519 seed from path.
func LoadKeyStore(path string) (*LocalKeyStore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	seed, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("decode seed: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return &LocalKeyStore{priv: ed25519.NewKeyFromSeed(seed)}, nil
}

// PublicKey returns the store's Ed25519 public key.
func (k *LocalKeyStore) PublicKey() ed25519.PublicKey {
	return k.priv.Public().(ed25519.PublicKey)
}

// PublicKeyBase64 returns the public key in directory format.
func (k *LocalKeyStore) PublicKeyBase64() string {
	return base64.StdEncoding.EncodeToString(k.PublicKey())
}

// Seed returns the base64 seed written by SaveKeyStore.
func (k *LocalKeyStore) Seed() string {
	return base64.StdEncoding.EncodeToString(k.priv.Seed())
}

// Sign signs data with the Ed25519 key.
func (k *LocalKeyStore) Sign(data []byte) ([]byte, error) {
	return ed25519.Sign(k.priv, data), nil
}

// Verify checks an Ed25519 signature. Malformed keys or signatures fail.
func (k *LocalKeyStore) Verify(pub ed25519.PublicKey, signature, data []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, data, signature)
}

// EncryptWithPublicKey seals data for the owner of pub.
// Wire format: ephemeral_pk[32] + nonce[12] + ciphertext[N+16]
func (k *LocalKeyStore) EncryptWithPublicKey(pub ed25519.PublicKey, data []byte) ([]byte, error) {
	if len(pub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid public key length: %d, expected %d", len(pub), ed25519.PublicKeySize)
	}
	recipientX25519, err := ed25519PubToX25519(pub)
	if err != nil {
		return nil, err
	}

	var ephPriv [32]byte
	if _, err := rand.Read(ephPriv[:]); err != nil {
		return nil, err
	}
	ephPub, err := curve25519.X25519(ephPriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	shared, err := curve25519.X25519(ephPriv[:], recipientX25519)
	if err != nil {
		return nil, err
	}

	key, err := deriveWrapKey(shared, ephPub, recipientX25519)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, wrapNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	out := make([]byte, 0, ephemeralPKSize+wrapNonceSize+len(data)+chacha20poly1305.Overhead)
	out = append(out, ephPub...)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, data, nil), nil
}

// DecryptWithPrivateKey opens data sealed by EncryptWithPublicKey for this store.
func (k *LocalKeyStore) DecryptWithPrivateKey(data []byte) ([]byte, error) {
	if len(data) < minWrappedKeyLen {
		return nil, fmt.Errorf("wrapped data too short: %d bytes, minimum %d", len(data), minWrappedKeyLen)
	}
	ephPub := data[:ephemeralPKSize]
	nonce := data[ephemeralPKSize : ephemeralPKSize+wrapNonceSize]
	sealed := data[ephemeralPKSize+wrapNonceSize:]

	ownPriv := ed25519SeedToX25519Private(k.priv.Seed())
	ownPub, err := curve25519.X25519(ownPriv, curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	shared, err := curve25519.X25519(ownPriv, ephPub)
	if err != nil {
		return nil, fmt.Errorf("invalid ephemeral key: %w", err)
	}

	key, err := deriveWrapKey(shared, ephPub, ownPub)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, nonce, sealed, nil)
}

// ed25519PubToX25519 converts an Ed25519 public key to an X25519 public key.
func ed25519PubToX25519(edPub ed25519.PublicKey) ([]byte, error) {
	p, err := new(edwards25519.Point).SetBytes(edPub)
	if err != nil {
		return nil, fmt.Errorf("invalid Ed25519 public key: %w", err)
	}
	return p.BytesMontgomery(), nil
}

// ed25519SeedToX25519Private converts an Ed25519 seed to an X25519 private key.
func ed25519SeedToX25519Private(seed []byte) []byte {
	h := sha512.Sum512(seed)
	h[0] &= 248
	h[31] &= 127
	h[31] |= 64
	return h[:32]
}

func deriveWrapKey(shared, ephPub, recipientPub []byte) ([]byte, error) {
	salt := make([]byte, 0, len(ephPub)+len(recipientPub))
	salt = append(salt, ephPub...)
	salt = append(salt, recipientPub...)

	r := hkdf.New(sha256.New, shared, salt, []byte(wrapInfo))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}
