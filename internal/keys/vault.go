package keys

import "sync"

// SecretVault resolves an upstream fingerprint back to its plaintext for
// the outbound Authorization header. The default implementation is
// process-local: secrets are populated at add/import time and lost on
// restart, so the operator re-imports after a restart. The interface
// exists so an encrypted or external secret store can be dropped in.
type SecretVault interface {
	Put(fingerprint, plaintext string)
	Resolve(fingerprint string) (string, bool)
	Delete(fingerprint string)
}

// MemoryVault is the in-process SecretVault.
type MemoryVault struct {
	mu      sync.RWMutex
	secrets map[string]string
}

// NewMemoryVault creates an empty vault.
func NewMemoryVault() *MemoryVault {
	return &MemoryVault{secrets: make(map[string]string)}
}

func (v *MemoryVault) Put(fingerprint, plaintext string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.secrets[fingerprint] = plaintext
}

func (v *MemoryVault) Resolve(fingerprint string) (string, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	secret, ok := v.secrets[fingerprint]
	return secret, ok
}

func (v *MemoryVault) Delete(fingerprint string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.secrets, fingerprint)
}
