package auth

import "crypto/rsa"

// KeyProvider supplies the verification keys used to check credential
// signatures. Key material is resident in memory; implementations must not
// perform network I/O per lookup.
type KeyProvider interface {
	// CurrentKey returns the key used to verify tokens that carry no key id.
	CurrentKey() *rsa.PublicKey

	// KeyByID returns the key for the given key id, if known.
	KeyByID(kid string) (*rsa.PublicKey, bool)
}

// StaticKeyProvider serves a single fixed key. Used in tests and for
// deployments with a pinned verification key.
type StaticKeyProvider struct {
	Key *rsa.PublicKey
}

// CurrentKey returns the configured key
func (p *StaticKeyProvider) CurrentKey() *rsa.PublicKey {
	return p.Key
}

// KeyByID returns the configured key regardless of key id
func (p *StaticKeyProvider) KeyByID(kid string) (*rsa.PublicKey, bool) {
	if p.Key == nil {
		return nil, false
	}
	return p.Key, true
}
