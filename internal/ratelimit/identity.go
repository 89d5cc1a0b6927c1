package ratelimit

import (
	"fmt"
	"net"
	"net/http"

	"github.com/l-papantoniou/api-gateway/pkg/types"
)

// Strategy selects how the admission control key is derived for a request
type Strategy string

const (
	// StrategyBySubject keys buckets by the authenticated subject
	StrategyBySubject Strategy = "subject"
	// StrategyByAddress keys buckets by the caller network address
	StrategyByAddress Strategy = "address"
	// StrategyByAPIKey keys buckets by a caller-supplied API key header
	StrategyByAPIKey Strategy = "api_key"
	// StrategyGlobal shares one bucket across all callers of a route
	StrategyGlobal Strategy = "global"
)

// APIKeyHeader carries the caller-supplied static key for StrategyByAPIKey
const APIKeyHeader = "X-API-Key"

// ParseStrategy converts a configured strategy name
func ParseStrategy(name string) (Strategy, error) {
	switch Strategy(name) {
	case StrategyBySubject, StrategyByAddress, StrategyByAPIKey, StrategyGlobal:
		return Strategy(name), nil
	default:
		return "", fmt.Errorf("unknown identity strategy: %q", name)
	}
}

// ResolveKey derives the bucket key for a request. Keys are namespaced by
// route and strategy so buckets for different routes or strategies never
// collide. The resolver is a pure function of its inputs and performs no I/O.
//
// StrategyBySubject fails closed when the request is not authenticated;
// rate limiting by subject is only meaningful after authentication.
func ResolveKey(strategy Strategy, route string, r *http.Request, identity *types.Identity) (string, error) {
	switch strategy {
	case StrategyBySubject:
		if identity == nil || identity.Subject == "" {
			return "", types.NewAuthenticationError(types.ErrCodeMissingSubject,
				"Subject rate limiting requires an authenticated caller")
		}
		return bucketKey(route, strategy, identity.Subject), nil

	case StrategyByAddress:
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		return bucketKey(route, strategy, host), nil

	case StrategyByAPIKey:
		apiKey := r.Header.Get(APIKeyHeader)
		if apiKey == "" {
			return "", types.NewAuthenticationError(types.ErrCodeMissingAPIKey, "Missing API key")
		}
		return bucketKey(route, strategy, apiKey), nil

	case StrategyGlobal:
		return bucketKey(route, strategy, "all"), nil

	default:
		return "", types.NewInternalError(types.ErrCodeInternalError,
			fmt.Sprintf("unknown identity strategy: %s", strategy), nil)
	}
}

func bucketKey(route string, strategy Strategy, value string) string {
	return fmt.Sprintf("%s:%s:%s", route, strategy, value)
}
