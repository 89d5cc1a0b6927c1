package auth

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"time"

	"github.com/l-papantoniou/api-gateway/pkg/logger"
)

// jwksDocument is the wire format of a JWKS endpoint response
type jwksDocument struct {
	Keys []jwksKey `json:"keys"`
}

// jwksKey is a single JSON Web Key entry
type jwksKey struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// JWKSProvider holds RSA public keys loaded from a JWKS endpoint at startup.
// The key set is fetched once, blocking, before the gateway serves traffic;
// refresh cadence is out of scope for this provider.
type JWKSProvider struct {
	current *rsa.PublicKey
	byID    map[string]*rsa.PublicKey
}

// NewJWKSProvider fetches the JWKS document from the given URI and parses the
// RSA keys it contains. An error here is fatal at process start: without a
// verification key the gateway cannot authenticate any request.
func NewJWKSProvider(jwksURI string, log *logger.Logger) (*JWKSProvider, error) {
	client := &http.Client{Timeout: 10 * time.Second}

	resp, err := client.Get(jwksURI)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS from %s: %w", jwksURI, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected JWKS response status %d from %s", resp.StatusCode, jwksURI)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read JWKS response: %w", err)
	}

	provider, err := parseJWKS(body)
	if err != nil {
		return nil, err
	}

	log.WithComponent("jwks").WithField("jwks_uri", jwksURI).
		Info("Loaded public keys from JWKS endpoint")

	return provider, nil
}

// parseJWKS builds a provider from a raw JWKS document
func parseJWKS(data []byte) (*JWKSProvider, error) {
	var doc jwksDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse JWKS document: %w", err)
	}

	provider := &JWKSProvider{byID: make(map[string]*rsa.PublicKey)}

	for _, key := range doc.Keys {
		if key.Kty != "RSA" {
			continue
		}

		publicKey, err := parseRSAKey(key)
		if err != nil {
			return nil, fmt.Errorf("failed to parse RSA key %q: %w", key.Kid, err)
		}

		if key.Kid != "" {
			provider.byID[key.Kid] = publicKey
		}
		// First RSA key becomes the current key
		if provider.current == nil {
			provider.current = publicKey
		}
	}

	if provider.current == nil {
		return nil, fmt.Errorf("no RSA keys found in JWKS")
	}

	return provider, nil
}

// parseRSAKey converts a JWK modulus/exponent pair into an RSA public key
func parseRSAKey(key jwksKey) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(key.N)
	if err != nil {
		return nil, fmt.Errorf("invalid modulus: %w", err)
	}

	eBytes, err := base64.RawURLEncoding.DecodeString(key.E)
	if err != nil {
		return nil, fmt.Errorf("invalid exponent: %w", err)
	}

	e := 0
	for _, b := range eBytes {
		e = e<<8 | int(b)
	}
	if e <= 0 {
		return nil, fmt.Errorf("invalid exponent value")
	}

	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: e,
	}, nil
}

// CurrentKey returns the first key loaded from the key set
func (p *JWKSProvider) CurrentKey() *rsa.PublicKey {
	return p.current
}

// KeyByID returns the key with the given key id
func (p *JWKSProvider) KeyByID(kid string) (*rsa.PublicKey, bool) {
	key, ok := p.byID[kid]
	return key, ok
}
