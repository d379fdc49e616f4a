package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/eldtechnologies/agentlink/internal/errs"
	"github.com/eldtechnologies/agentlink/internal/metrics"
	"github.com/eldtechnologies/agentlink/internal/models"
)

const (
	ivSize         = chacha20poly1305.NonceSize
	messageKeySize = chacha20poly1305.KeySize
)

// Codec builds and opens envelopes on behalf of one local agent.
type Codec struct {
	keys KeyStore
}

// NewCodec returns a codec signing and unwrapping with keys.
func NewCodec(keys KeyStore) *Codec {
	return &Codec{keys: keys}
}

// Encrypt seals payload for recipient. Every call draws a fresh IV and a
// fresh message key.
func (c *Codec) Encrypt(payload []byte, recipient ed25519.PublicKey) (*models.EncryptedPayload, error) {
	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("generate iv: %w", err)
	}
	key := make([]byte, messageKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate message key: %w", err)
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("new aead: %w", err)
	}

	env := &models.EncryptedPayload{
		IV:         iv,
		Ciphertext: aead.Seal(nil, iv, payload, nil),
	}

	env.Signature, err = c.keys.Sign(env.SignedBytes())
	if err != nil {
		return nil, fmt.Errorf("sign envelope: %w", err)
	}

	env.WrappedKey, err = c.keys.EncryptWithPublicKey(recipient, key)
	if err != nil {
		return nil, fmt.Errorf("wrap message key: %w", err)
	}

	return env, nil
}

// Decrypt opens env from sender. The signature over IV || Ciphertext is
// checked before the message key is unwrapped; an envelope that fails
// verification is never decrypted.
func (c *Codec) Decrypt(env *models.EncryptedPayload, sender ed25519.PublicKey) ([]byte, error) {
	if !env.Complete() {
		metrics.CryptoFailures.WithLabelValues("malformed").Inc()
		return nil, errs.Crypto("invalid signature")
	}

	if !c.keys.Verify(sender, env.Signature, env.SignedBytes()) {
		metrics.CryptoFailures.WithLabelValues("signature").Inc()
		return nil, errs.Crypto("invalid signature")
	}

	key, err := c.keys.DecryptWithPrivateKey(env.WrappedKey)
	if err != nil {
		metrics.CryptoFailures.WithLabelValues("unwrap").Inc()
		return nil, errs.Crypto("decryption failed").Wrap(err)
	}
	if len(key) != messageKeySize || len(env.IV) != ivSize {
		metrics.CryptoFailures.WithLabelValues("decrypt").Inc()
		return nil, errs.Crypto("decryption failed")
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		metrics.CryptoFailures.WithLabelValues("decrypt").Inc()
		return nil, errs.Crypto("decryption failed").Wrap(err)
	}
	plaintext, err := aead.Open(nil, env.IV, env.Ciphertext, nil)
	if err != nil {
		metrics.CryptoFailures.WithLabelValues("decrypt").Inc()
		return nil, errs.Crypto("decryption failed").Wrap(err)
	}

	return plaintext, nil
}
