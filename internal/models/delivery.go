package models

// Delivery is the transport frame carrying one envelope between agents.
type Delivery struct {
	ID         string           `json:"id"` // ULID
	ProtocolID string           `json:"protocol_id"`
	From       string           `json:"from"`
	To         string           `json:"to"`
	Type       MessageType      `json:"type"`
	Envelope   EncryptedPayload `json:"envelope"`
	SentAt     int64            `json:"ts"` // Unix ms
}

// EncryptedPayload is the wire envelope. Byte fields are base64 in JSON.
type EncryptedPayload struct {
	IV         []byte `json:"iv"`
	Ciphertext []byte `json:"ciphertext"`
	Signature  []byte `json:"signature"` // over IV || Ciphertext
	WrappedKey []byte `json:"wrapped_key"`
}

// Complete reports whether all four envelope fields are present.
func (p *EncryptedPayload) Complete() bool {
	return p != nil && len(p.IV) > 0 && len(p.Ciphertext) > 0 && len(p.Signature) > 0 && len(p.WrappedKey) > 0
}

// SignedBytes returns IV || Ciphertext, the exact bytes covered by Signature.
func (p *EncryptedPayload) SignedBytes() []byte {
	out := make([]byte, 0, len(p.IV)+len(p.Ciphertext))
	out = append(out, p.IV...)
	out = append(out, p.Ciphertext...)
	return out
}
