// Package jwks fetches and caches JSON Web Key Sets used to verify push
// assertions.
package jwks

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/sync/singleflight"

	"notify_server/pkg/logger"
)

// ErrKeyNotFound is returned when no key matches the requested kid even after
// a refetch.
var ErrKeyNotFound = errors.New("jwks: key not found")

// DefaultTTL is how long a fetched key set is trusted.
const DefaultTTL = 10 * time.Minute

// DefaultMinRefetch bounds how often an unknown kid may force a refetch.
const DefaultMinRefetch = 10 * time.Second

// JWKS represents a JSON Web Key Set
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// JWK represents a JSON Web Key
type JWK struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	Alg string `json:"alg"`
	Use string `json:"use"`
	N   string `json:"n,omitempty"`
	E   string `json:"e,omitempty"`
}

// Cache caches a remote key set with a TTL. Safe for concurrent use.
type Cache struct {
	url    string
	ttl    time.Duration
	client *http.Client
	group  singleflight.Group

	minRefetch time.Duration

	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time
}

func NewCache(url string, ttl time.Duration, client *http.Client) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Cache{url: url, ttl: ttl, client: client, minRefetch: DefaultMinRefetch}
}

// Key returns the RSA public key for kid. A cache miss on a fresh set forces
// one refetch, so rotated keys are picked up before the TTL ends.
func (c *Cache) Key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	key, fresh, age := c.lookup(kid)
	if key != nil && fresh {
		return key, nil
	}
	if fresh && age < c.minRefetch {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, kid)
	}

	if err := c.refresh(ctx); err != nil {
		if key != nil {
			// stale but known; better than failing every push while the
			// key endpoint is down
			logger.WithError(err).Warn("JWKS refresh failed, using stale key %s", kid)
			return key, nil
		}
		return nil, err
	}

	if key, _, _ = c.lookup(kid); key != nil {
		return key, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, kid)
}

func (c *Cache) lookup(kid string) (key *rsa.PublicKey, fresh bool, age time.Duration) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.keys == nil {
		return nil, false, 0
	}
	age = time.Since(c.fetchedAt)
	return c.keys[kid], age < c.ttl, age
}

func (c *Cache) refresh(ctx context.Context) error {
	_, err, _ := c.group.Do("refresh", func() (any, error) {
		keys, err := c.fetch(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.keys = keys
		c.fetchedAt = time.Now()
		c.mu.Unlock()
		logger.Debug("JWKS refreshed, %d keys loaded", len(keys))
		return nil, nil
	})
	return err
}

func (c *Cache) fetch(ctx context.Context) (map[string]*rsa.PublicKey, error) {
	if c.url == "" {
		return nil, errors.New("jwks: URL not configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("JWKS fetch failed with status: %d", resp.StatusCode)
	}

	var set JWKS
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return nil, fmt.Errorf("failed to decode JWKS: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(set.Keys))
	for i := range set.Keys {
		jwk := &set.Keys[i]
		if jwk.Kty != "RSA" || jwk.Kid == "" {
			continue
		}
		pub, err := ParseRSAPublicKey(jwk)
		if err != nil {
			logger.WithError(err).Warn("skipping malformed JWK %s", jwk.Kid)
			continue
		}
		keys[jwk.Kid] = pub
	}
	return keys, nil
}

// ParseRSAPublicKey parses RSA public key from JWK
func ParseRSAPublicKey(jwk *JWK) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(jwk.N)
	if err != nil {
		return nil, fmt.Errorf("failed to decode n: %w", err)
	}

	eBytes, err := base64.RawURLEncoding.DecodeString(jwk.E)
	if err != nil {
		return nil, fmt.Errorf("failed to decode e: %w", err)
	}
	if len(nBytes) == 0 || len(eBytes) == 0 {
		return nil, errors.New("empty modulus or exponent")
	}

	var e int
	for _, b := range eBytes {
		e = e<<8 + int(b)
	}

	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: e,
	}, nil
}

// EncodeRSAPublicKey is the inverse of ParseRSAPublicKey.
func EncodeRSAPublicKey(kid string, pub *rsa.PublicKey) JWK {
	e := big.NewInt(int64(pub.E)).Bytes()
	return JWK{
		Kid: kid,
		Kty: "RSA",
		Alg: "RS256",
		Use: "sig",
		N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(e),
	}
}
