package gateway

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/l-papantoniou/api-gateway/internal/auth"
	"github.com/l-papantoniou/api-gateway/internal/ratelimit"
	"github.com/l-papantoniou/api-gateway/pkg/config"
	"github.com/l-papantoniou/api-gateway/pkg/logger"
)

const testIssuer = "http://auth.example.com"

var (
	testKeyOnce sync.Once
	testRSAKey  *rsa.PrivateKey
)

func testKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	testKeyOnce.Do(func() {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
		testRSAKey = key
	})
	return testRSAKey
}

func bearerToken(t *testing.T, subject string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"sub":   subject,
		"iss":   testIssuer,
		"exp":   float64(time.Now().Add(time.Hour).Unix()),
		"role":  "admin",
		"email": subject + "@example.com",
	})
	tokenString, err := token.SignedString(testKey(t))
	require.NoError(t, err)
	return "Bearer " + tokenString
}

func testConfig(backendURL string, route config.RouteConfig, failOpen bool) *config.Config {
	route.Backend = backendURL
	return &config.Config{
		Server: config.ServerConfig{Host: "127.0.0.1", Port: 8080, ReadTimeout: 5, WriteTimeout: 5},
		JWT: config.JWTConfig{
			Issuer:     testIssuer,
			HeaderName: "Authorization",
			Scheme:     "Bearer",
		},
		RateLimit: config.RateLimitConfig{
			Enabled:    true,
			FailOpen:   failOpen,
			MaxRetries: 3,
			TTLMargin:  600,
		},
		Monitoring: config.MonitoringConfig{Enabled: true, MetricsPath: "/metrics", HealthPath: "/health"},
		Routes:     []config.RouteConfig{route},
		LogLevel:   "error",
	}
}

func newTestService(t *testing.T, cfg *config.Config, store ratelimit.BucketStore) *Service {
	t.Helper()

	log := logger.New("error")
	validator := auth.NewValidator(&auth.StaticKeyProvider{Key: &testKey(t).PublicKey}, testIssuer, log)
	engine := ratelimit.NewEngine(store, cfg.RateLimit.MaxRetries, time.Duration(cfg.RateLimit.TTLMargin)*time.Second, log)

	service, err := NewService(cfg, validator, engine, log)
	require.NoError(t, err)
	return service
}

// echoBackend records the headers of the last forwarded request
type echoBackend struct {
	mu      sync.Mutex
	headers http.Header
	server  *httptest.Server
}

func newEchoBackend(t *testing.T) *echoBackend {
	b := &echoBackend{}
	b.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.headers = r.Header.Clone()
		b.mu.Unlock()
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(b.server.Close)
	return b
}

func (b *echoBackend) lastHeaders() http.Header {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.headers
}

func protectedRoute() config.RouteConfig {
	return config.RouteConfig{
		Name:         "products",
		Prefix:       "/api/v1/products",
		Strategy:     "subject",
		Capacity:     10,
		RefillAmount: 10,
		RefillPeriod: 60,
		AuthRequired: true,
	}
}

func decodeErrorBody(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func TestGateway_MissingCredential(t *testing.T) {
	backend := newEchoBackend(t)
	service := newTestService(t, testConfig(backend.server.URL, protectedRoute(), false), ratelimit.NewMemoryStore())
	gw := httptest.NewServer(service.router)
	defer gw.Close()

	resp, err := http.Get(gw.URL + "/api/v1/products")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	body := decodeErrorBody(t, resp)
	assert.Equal(t, "Missing credential", body["error"])
	assert.Equal(t, float64(http.StatusUnauthorized), body["status"])

	_, err = time.Parse(time.RFC3339, body["timestamp"].(string))
	assert.NoError(t, err, "timestamp must be ISO-8601")
}

func TestGateway_MalformedAuthorizationHeader(t *testing.T) {
	backend := newEchoBackend(t)
	service := newTestService(t, testConfig(backend.server.URL, protectedRoute(), false), ratelimit.NewMemoryStore())
	gw := httptest.NewServer(service.router)
	defer gw.Close()

	for _, header := range []string{"Token abc", "Bearer", "Bearer "} {
		req, _ := http.NewRequest("GET", gw.URL+"/api/v1/products", nil)
		req.Header.Set("Authorization", header)

		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()

		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "header %q", header)
	}
}

func TestGateway_InvalidToken(t *testing.T) {
	backend := newEchoBackend(t)
	service := newTestService(t, testConfig(backend.server.URL, protectedRoute(), false), ratelimit.NewMemoryStore())
	gw := httptest.NewServer(service.router)
	defer gw.Close()

	otherKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"sub": "user123",
		"iss": testIssuer,
		"exp": float64(time.Now().Add(time.Hour).Unix()),
	})
	tokenString, err := token.SignedString(otherKey)
	require.NoError(t, err)

	req, _ := http.NewRequest("GET", gw.URL+"/api/v1/products", nil)
	req.Header.Set("Authorization", "Bearer "+tokenString)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	// A credential that was presented but failed verification is forbidden
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestGateway_ForwardsIdentityHeaders(t *testing.T) {
	backend := newEchoBackend(t)
	service := newTestService(t, testConfig(backend.server.URL, protectedRoute(), false), ratelimit.NewMemoryStore())
	gw := httptest.NewServer(service.router)
	defer gw.Close()

	req, _ := http.NewRequest("GET", gw.URL+"/api/v1/products", nil)
	req.Header.Set("Authorization", bearerToken(t, "user123"))
	// Spoofed identity headers must be dropped, not forwarded
	req.Header.Set("X-User-Id", "evil")
	req.Header.Set("X-Authenticated", "true")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	headers := backend.lastHeaders()
	assert.Equal(t, "user123", headers.Get("X-User-Id"))
	assert.Equal(t, "admin", headers.Get("X-User-Role"))
	assert.Equal(t, "user123@example.com", headers.Get("X-User-Email"))
	assert.Equal(t, "true", headers.Get("X-Authenticated"))
}

func TestGateway_RateLimitExceeded(t *testing.T) {
	backend := newEchoBackend(t)
	route := protectedRoute()
	route.Capacity = 2
	route.RefillAmount = 2
	route.RefillPeriod = 60

	service := newTestService(t, testConfig(backend.server.URL, route, false), ratelimit.NewMemoryStore())
	gw := httptest.NewServer(service.router)
	defer gw.Close()

	doRequest := func() *http.Response {
		req, _ := http.NewRequest("GET", gw.URL+"/api/v1/products", nil)
		req.Header.Set("Authorization", bearerToken(t, "user123"))
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		return resp
	}

	// First two requests consume the bucket
	for _, expectedRemaining := range []string{"1", "0"} {
		resp := doRequest()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "2", resp.Header.Get("X-RateLimit-Limit"))
		assert.Equal(t, expectedRemaining, resp.Header.Get("X-RateLimit-Remaining"))
		assert.NotEmpty(t, resp.Header.Get("X-RateLimit-Reset"))
		resp.Body.Close()
	}

	// Third request within the window is denied with retry guidance
	resp := doRequest()
	defer resp.Body.Close()

	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))

	body := decodeErrorBody(t, resp)
	assert.Equal(t, "Rate limit exceeded", body["error"])
	assert.Equal(t, float64(http.StatusTooManyRequests), body["status"])
}

func TestGateway_SharedStoreAcrossInstances(t *testing.T) {
	backend := newEchoBackend(t)
	route := protectedRoute()
	route.Capacity = 1
	route.RefillAmount = 1
	route.RefillPeriod = 3600

	// Two services sharing one store behave like two gateway instances
	store := ratelimit.NewMemoryStore()
	gwA := httptest.NewServer(newTestService(t, testConfig(backend.server.URL, route, false), store).router)
	defer gwA.Close()
	gwB := httptest.NewServer(newTestService(t, testConfig(backend.server.URL, route, false), store).router)
	defer gwB.Close()

	request := func(base string) int {
		req, _ := http.NewRequest("GET", base+"/api/v1/products", nil)
		req.Header.Set("Authorization", bearerToken(t, "user123"))
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusOK, request(gwA.URL))
	assert.Equal(t, http.StatusTooManyRequests, request(gwB.URL))
}

func TestGateway_UnauthenticatedRouteByAddress(t *testing.T) {
	backend := newEchoBackend(t)
	route := config.RouteConfig{
		Name:         "catalog",
		Prefix:       "/api/v1/catalog",
		Strategy:     "address",
		Capacity:     1,
		RefillAmount: 1,
		RefillPeriod: 3600,
		AuthRequired: false,
	}

	service := newTestService(t, testConfig(backend.server.URL, route, false), ratelimit.NewMemoryStore())
	gw := httptest.NewServer(service.router)
	defer gw.Close()

	// No credential required, but the address bucket still applies
	resp, err := http.Get(gw.URL + "/api/v1/catalog")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(gw.URL + "/api/v1/catalog")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

// unreachableStore simulates a bucket store outage
type unreachableStore struct{}

func (s *unreachableStore) Get(ctx context.Context, key string) (ratelimit.BucketState, bool, error) {
	return ratelimit.BucketState{}, false, errors.New("connection refused")
}

func (s *unreachableStore) CompareAndSet(ctx context.Context, key string, expected *ratelimit.BucketState, newState ratelimit.BucketState, ttl time.Duration) (bool, error) {
	return false, errors.New("connection refused")
}

func (s *unreachableStore) Ping(ctx context.Context) error { return errors.New("connection refused") }
func (s *unreachableStore) Close() error                   { return nil }

func TestGateway_StoreOutageFailClosed(t *testing.T) {
	backend := newEchoBackend(t)
	service := newTestService(t, testConfig(backend.server.URL, protectedRoute(), false), &unreachableStore{})
	gw := httptest.NewServer(service.router)
	defer gw.Close()

	req, _ := http.NewRequest("GET", gw.URL+"/api/v1/products", nil)
	req.Header.Set("Authorization", bearerToken(t, "user123"))

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestGateway_StoreOutageFailOpen(t *testing.T) {
	backend := newEchoBackend(t)
	service := newTestService(t, testConfig(backend.server.URL, protectedRoute(), true), &unreachableStore{})
	gw := httptest.NewServer(service.router)
	defer gw.Close()

	req, _ := http.NewRequest("GET", gw.URL+"/api/v1/products", nil)
	req.Header.Set("Authorization", bearerToken(t, "user123"))

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
