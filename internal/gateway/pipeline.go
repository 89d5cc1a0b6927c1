package gateway

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/l-papantoniou/api-gateway/internal/auth"
	"github.com/l-papantoniou/api-gateway/internal/ratelimit"
	"github.com/l-papantoniou/api-gateway/pkg/logger"
	"github.com/l-papantoniou/api-gateway/pkg/types"
)

// Pipeline runs the per-request admission sequence: credential validation,
// bucket key resolution, then the rate limit check. Stages run strictly in
// order and the pipeline short-circuits on the first failure; a request that
// failed any stage is never forwarded.
type Pipeline struct {
	validator  *auth.Validator
	engine     *ratelimit.Engine
	headerName string
	scheme     string
	limitingOn bool
	failOpen   bool
	logger     *logger.Logger
	metrics    *Metrics
}

// Outcome is the structured decision the pipeline hands to the forwarding
// stage
type Outcome struct {
	Identity *types.Identity
	Decision ratelimit.Decision
	// HasDecision reports whether a rate limit decision was produced, so the
	// response can carry rate limit headers.
	HasDecision bool
	Err         *types.GatewayError
	Status      int
}

// NewPipeline creates a new request admission pipeline
func NewPipeline(validator *auth.Validator, engine *ratelimit.Engine, headerName, scheme string,
	limitingOn, failOpen bool, log *logger.Logger, metrics *Metrics) *Pipeline {
	if headerName == "" {
		headerName = "Authorization"
	}
	if scheme == "" {
		scheme = "Bearer"
	}

	return &Pipeline{
		validator:  validator,
		engine:     engine,
		headerName: headerName,
		scheme:     scheme,
		limitingOn: limitingOn,
		failOpen:   failOpen,
		logger:     log,
		metrics:    metrics,
	}
}

// Process runs the admission pipeline for one request
func (p *Pipeline) Process(r *http.Request, route *Route) Outcome {
	var identity *types.Identity

	if route.AuthRequired {
		var rejected *types.GatewayError
		identity, rejected = p.authenticate(r)
		if rejected != nil {
			p.metrics.RecordAuthRejection(rejected.Code)
			p.logger.Security("credential_rejected", "", map[string]interface{}{
				"path":   r.URL.Path,
				"reason": rejected.Code,
			})
			return Outcome{Err: rejected, Status: statusForError(rejected)}
		}
	}

	if !p.limitingOn {
		return Outcome{Identity: identity}
	}

	key, err := ratelimit.ResolveKey(route.Strategy, route.Name, r, identity)
	if err != nil {
		rejected := asGatewayError(err)
		p.metrics.RecordAuthRejection(rejected.Code)
		return Outcome{Err: rejected, Status: statusForError(rejected)}
	}

	// Store updates run to completion even if the caller disconnects; the
	// result is simply discarded along with the response. A consumed token
	// for an abandoned request is an accepted, bounded loss.
	ctx := context.WithoutCancel(r.Context())

	decision, err := p.engine.Check(ctx, key, route.Bucket)
	if err != nil {
		return p.storeFailure(err, identity, route)
	}

	p.metrics.RecordRateLimitDecision(route.Name, decision.Allowed)

	if !decision.Allowed {
		p.logger.WithComponent("ratelimit").WithFields(map[string]interface{}{
			"route":      route.Name,
			"bucket_key": key,
		}).Warn("Rate limit exceeded")

		rejected := types.NewRateLimitError(types.ErrCodeRateLimitExceeded, "Rate limit exceeded")
		return Outcome{
			Identity:    identity,
			Decision:    decision,
			HasDecision: true,
			Err:         rejected,
			Status:      http.StatusTooManyRequests,
		}
	}

	return Outcome{Identity: identity, Decision: decision, HasDecision: true}
}

// authenticate extracts and validates the bearer credential. The scheme
// prefix is checked before any cryptographic work.
func (p *Pipeline) authenticate(r *http.Request) (*types.Identity, *types.GatewayError) {
	header := r.Header.Get(p.headerName)
	if header == "" {
		return nil, types.NewAuthenticationError(types.ErrCodeMissingCredential, "Missing credential")
	}

	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || parts[0] != p.scheme || strings.TrimSpace(parts[1]) == "" {
		return nil, types.NewAuthenticationError(types.ErrCodeMalformedCredential,
			"Invalid authorization format")
	}

	identity, err := p.validator.Validate(parts[1])
	if err != nil {
		return nil, asGatewayError(err)
	}
	return identity, nil
}

// storeFailure applies the configured policy when the bucket store is
// unreachable. Fail-open forwards the request unchecked; fail-closed rejects
// it. Either way the condition is surfaced, never silently swallowed.
func (p *Pipeline) storeFailure(err error, identity *types.Identity, route *Route) Outcome {
	p.metrics.RecordStoreFailure(route.Name)
	log := p.logger.WithComponent("ratelimit").WithError(err).WithField("route", route.Name)

	if p.failOpen {
		log.Warn("Bucket store unreachable, failing open")
		return Outcome{Identity: identity}
	}

	log.Error("Bucket store unreachable, failing closed")
	rejected := asGatewayError(err)
	return Outcome{Err: rejected, Status: http.StatusServiceUnavailable}
}

// statusForError maps the error taxonomy onto response status codes. Missing
// or malformed credentials are 401; a credential that was presented but failed
// validation is 403.
func statusForError(err *types.GatewayError) int {
	switch err.Code {
	case types.ErrCodeMissingCredential, types.ErrCodeMalformedCredential, types.ErrCodeMissingAPIKey:
		return http.StatusUnauthorized
	case types.ErrCodeRateLimitExceeded:
		return http.StatusTooManyRequests
	case types.ErrCodeRateLimiterUnavailable:
		return http.StatusServiceUnavailable
	}

	switch err.Type {
	case types.ErrorTypeAuthentication:
		return http.StatusForbidden
	case types.ErrorTypeRateLimit:
		return http.StatusTooManyRequests
	case types.ErrorTypeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// asGatewayError normalizes an error into the structured form
func asGatewayError(err error) *types.GatewayError {
	var gatewayErr *types.GatewayError
	if errors.As(err, &gatewayErr) {
		return gatewayErr
	}
	return types.NewInternalError(types.ErrCodeInternalError, "Internal error", err)
}
