package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Signed request headers.
const (
	HeaderAgent     = "X-Agent-ID"
	HeaderNonce     = "X-Agent-Nonce"
	HeaderTimestamp = "X-Agent-Timestamp"
	HeaderSignature = "X-Agent-Signature"
)

// MinNonceLength is the shortest nonce accepted on a signed request.
const MinNonceLength = 24

// Signer produces Ed25519 signatures.
type Signer interface {
	Sign(data []byte) ([]byte, error)
}

// BodyHash returns the hex SHA-256 of body.
func BodyHash(body []byte) string {
	hash := sha256.Sum256(body)
	return hex.EncodeToString(hash[:])
}

// SignRequest sets the signed request headers for body on h.
func SignRequest(h http.Header, agentID string, signer Signer, body []byte) error {
	nonceBytes := make([]byte, 12) // 24 hex chars
	if _, err := rand.Read(nonceBytes); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}
	nonce := hex.EncodeToString(nonceBytes)
	timestamp := time.Now().UnixMilli()

	sig, err := signer.Sign(SignaturePayload(BodyHash(body), nonce, timestamp))
	if err != nil {
		return fmt.Errorf("sign request: %w", err)
	}

	h.Set(HeaderAgent, agentID)
	h.Set(HeaderNonce, nonce)
	h.Set(HeaderTimestamp, strconv.FormatInt(timestamp, 10))
	h.Set(HeaderSignature, base64.StdEncoding.EncodeToString(sig))
	return nil
}
