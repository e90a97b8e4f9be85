package binaryid

import (
	"crypto/subtle"
	"sync"
)

// Registry holds the verifier's independently-trusted expected checksums,
// keyed by name@version. Entries come from a trusted release process
// (execproofd register), never from the prover.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Identity
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Identity)}
}

// Put records the expected identity for a binary version. Overwrites any
// previous entry for the same name@version.
func (r *Registry) Put(id Identity) {
	r.mu.Lock()
	r.entries[id.Key()] = id
	r.mu.Unlock()
}

// ExpectedChecksum returns the registered checksum for a binary version.
func (r *Registry) ExpectedChecksum(name, version string) ([ChecksumSize]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.entries[name+"@"+version]
	if !ok {
		return [ChecksumSize]byte{}, ErrNotRegistered
	}
	return id.Checksum, nil
}

// Check compares a claimed identity against the registry entry for the
// same name@version. Comparison is constant-time.
func (r *Registry) Check(claimed Identity) error {
	expected, err := r.ExpectedChecksum(claimed.Name, claimed.Version)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare(expected[:], claimed.Checksum[:]) != 1 {
		return ErrChecksumMismatch
	}
	return nil
}

// Entries returns a snapshot of all registered identities.
func (r *Registry) Entries() []Identity {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Identity, 0, len(r.entries))
	for _, id := range r.entries {
		out = append(out, id)
	}
	return out
}

// Len returns the number of registered identities.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
