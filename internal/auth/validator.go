package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/l-papantoniou/api-gateway/pkg/logger"
	"github.com/l-papantoniou/api-gateway/pkg/types"
)

// roleClaimNames are searched in priority order; the first claim present
// wins. Which name the issuer uses depends on the auth server.
var roleClaimNames = []string{"role", "roles", "authorities"}

// Validator verifies bearer credentials offline against the resident key set.
// It is stateless and safe for concurrent use; validation performs no I/O.
type Validator struct {
	keys   KeyProvider
	issuer string
	logger *logger.Logger
	now    func() time.Time
}

// NewValidator creates a new credential validator
func NewValidator(keys KeyProvider, issuer string, log *logger.Logger) *Validator {
	return &Validator{
		keys:   keys,
		issuer: issuer,
		logger: log,
		now:    time.Now,
	}
}

// Validate verifies the signature, issuer and expiry of a credential and
// extracts the caller identity. All failures are reported as a
// *types.GatewayError with a credential error code; validation never panics
// and never mutates shared state.
func (v *Validator) Validate(tokenString string) (*types.Identity, error) {
	if strings.TrimSpace(tokenString) == "" {
		return nil, types.NewAuthenticationError(types.ErrCodeMissingCredential, "Missing credential")
	}

	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, v.keyFunc,
		jwt.WithValidMethods([]string{"RS256", "RS384", "RS512"}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, v.rejectParseError(err)
	}
	if !token.Valid {
		return nil, types.NewAuthenticationError(types.ErrCodeMalformedCredential, "Invalid token")
	}

	// Validate issuer
	issuer, err := claims.GetIssuer()
	if err != nil || issuer != v.issuer {
		v.logger.WithComponent("auth").WithField("issuer", issuer).Warn("Token issuer mismatch")
		return nil, types.NewAuthenticationError(types.ErrCodeIssuerMismatch, "Invalid token issuer")
	}

	// Check expiration independently of the parse step. A token that is
	// signature-valid but expired must never pass because of leeway applied
	// by the parsing layer.
	expiry, err := claims.GetExpirationTime()
	if err != nil || expiry == nil || !expiry.Time.After(v.now()) {
		return nil, types.NewAuthenticationError(types.ErrCodeTokenExpired, "Token expired")
	}

	subject, err := claims.GetSubject()
	if err != nil || subject == "" {
		return nil, types.NewAuthenticationError(types.ErrCodeMissingSubject, "Token has no subject")
	}

	identity := &types.Identity{
		Subject:   subject,
		Issuer:    issuer,
		Role:      extractRole(claims),
		Email:     extractStringClaim(claims, "email"),
		ExpiresAt: expiry.Time,
		Claims:    claims,
	}

	v.logger.WithComponent("auth").WithField("subject", subject).Debug("Token validated")

	return identity, nil
}

// keyFunc selects the verification key for a token, honoring the "kid"
// header when the key set carries key ids
func (v *Validator) keyFunc(token *jwt.Token) (interface{}, error) {
	if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}

	if kid, ok := token.Header["kid"].(string); ok && kid != "" {
		if key, found := v.keys.KeyByID(kid); found {
			return key, nil
		}
	}

	key := v.keys.CurrentKey()
	if key == nil {
		return nil, fmt.Errorf("no verification key available")
	}
	return key, nil
}

// rejectParseError maps library parse failures onto the credential error
// taxonomy. Anything unrecognized counts as malformed rather than being
// propagated as a fatal failure.
func (v *Validator) rejectParseError(err error) error {
	log := v.logger.WithComponent("auth").WithError(err)

	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		log.Warn("Token expired")
		return types.NewAuthenticationError(types.ErrCodeTokenExpired, "Token expired")
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		log.Warn("Invalid token signature")
		return types.NewAuthenticationError(types.ErrCodeInvalidSignature, "Invalid token signature")
	case errors.Is(err, jwt.ErrTokenMalformed):
		log.Warn("Malformed token")
		return types.NewAuthenticationError(types.ErrCodeMalformedCredential, "Malformed token")
	default:
		log.Warn("Token validation failed")
		return types.NewAuthenticationError(types.ErrCodeMalformedCredential, "Invalid token")
	}
}

// extractRole searches the known role claim names in priority order
func extractRole(claims jwt.MapClaims) string {
	for _, name := range roleClaimNames {
		value, ok := claims[name]
		if !ok || value == nil {
			continue
		}

		switch v := value.(type) {
		case string:
			return v
		case []interface{}:
			parts := make([]string, 0, len(v))
			for _, item := range v {
				parts = append(parts, fmt.Sprint(item))
			}
			return strings.Join(parts, ",")
		default:
			return fmt.Sprint(v)
		}
	}
	return ""
}

// extractStringClaim returns a string-valued claim or empty
func extractStringClaim(claims jwt.MapClaims, name string) string {
	if value, ok := claims[name].(string); ok {
		return value
	}
	return ""
}
