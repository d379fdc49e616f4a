package models

import (
	"time"
)

// Agent represents a registered agent in the directory.
type Agent struct {
	ID           string    `json:"id"`
	PublicKey    string    `json:"public_key"` // base64 Ed25519
	Name         string    `json:"name,omitempty"`
	Capabilities []string  `json:"capabilities,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
