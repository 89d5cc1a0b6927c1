package types

import "time"

// Identity holds the claims extracted from a validated credential.
// It is derived once per request and never persisted.
type Identity struct {
	Subject   string                 `json:"subject"`
	Issuer    string                 `json:"issuer"`
	Role      string                 `json:"role,omitempty"`
	Email     string                 `json:"email,omitempty"`
	ExpiresAt time.Time              `json:"expires_at"`
	Claims    map[string]interface{} `json:"claims,omitempty"`
}
