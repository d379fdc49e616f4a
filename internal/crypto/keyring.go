package crypto

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const keyFileExt = ".key"

// Keyring maps local agent IDs to their key stores.
type Keyring struct {
	mu   sync.RWMutex
	keys map[string]KeyStore
}

// NewKeyring returns an empty keyring.
func NewKeyring() *Keyring {
	return &Keyring{keys: make(map[string]KeyStore)}
}

// LoadKeyring reads every <agent-id>.key file in dir.
func LoadKeyring(dir string) (*Keyring, error) {
	kr := NewKeyring()
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), keyFileExt) {
			continue
		}
		ks, err := LoadKeyStore(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", e.Name(), err)
		}
		kr.Add(strings.TrimSuffix(e.Name(), keyFileExt), ks)
	}
	return kr, nil
}

// SaveKeyStore writes ks's seed to dir/<agentID>.key with owner-only permissions.
func SaveKeyStore(dir, agentID string, ks *LocalKeyStore) (string, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", err
	}
	path := filepath.Join(dir, agentID+keyFileExt)
	return path, os.WriteFile(path, []byte(ks.Seed()), 0600)
}

// Add registers ks for agentID, replacing any previous store.
func (k *Keyring) Add(agentID string, ks KeyStore) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys[agentID] = ks
}

// For returns the key store of a local agent.
func (k *Keyring) For(agentID string) (KeyStore, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	ks, ok := k.keys[agentID]
	return ks, ok
}

// Agents lists the local agent IDs.
func (k *Keyring) Agents() []string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	ids := make([]string, 0, len(k.keys))
	for id := range k.keys {
		ids = append(ids, id)
	}
	return ids
}
