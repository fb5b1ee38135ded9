package jwks

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
)

type keyServer struct {
	srv  *httptest.Server
	hits atomic.Int32
	keys atomic.Value // []JWK
	fail atomic.Bool
}

func newKeyServer(t *testing.T, keys ...JWK) *keyServer {
	t.Helper()
	ks := &keyServer{}
	ks.keys.Store(keys)
	ks.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ks.hits.Add(1)
		if ks.fail.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(JWKS{Keys: ks.keys.Load().([]JWK)})
	}))
	t.Cleanup(ks.srv.Close)
	return ks
}

func genKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	k, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	return k
}

func TestCache_KeyCachedWithinTTL(t *testing.T) {
	priv := genKey(t)
	ks := newKeyServer(t, EncodeRSAPublicKey("k1", &priv.PublicKey))
	c := NewCache(ks.srv.URL, time.Minute, ks.srv.Client())

	for i := 0; i < 3; i++ {
		pub, err := c.Key(context.Background(), "k1")
		if err != nil {
			t.Fatalf("Key() error = %v", err)
		}
		if pub.N.Cmp(priv.PublicKey.N) != 0 || pub.E != priv.PublicKey.E {
			t.Fatal("parsed key does not match")
		}
	}
	if got := ks.hits.Load(); got != 1 {
		t.Errorf("fetches = %d, want 1", got)
	}
}

func TestCache_UnknownKidForcesRefetch(t *testing.T) {
	k1, k2 := genKey(t), genKey(t)
	ks := newKeyServer(t, EncodeRSAPublicKey("k1", &k1.PublicKey))
	c := NewCache(ks.srv.URL, time.Hour, ks.srv.Client())
	c.minRefetch = 0

	if _, err := c.Key(context.Background(), "k1"); err != nil {
		t.Fatal(err)
	}

	// rotation publishes k2
	ks.keys.Store([]JWK{EncodeRSAPublicKey("k1", &k1.PublicKey), EncodeRSAPublicKey("k2", &k2.PublicKey)})
	if _, err := c.Key(context.Background(), "k2"); err != nil {
		t.Fatalf("rotated key not picked up: %v", err)
	}
	if got := ks.hits.Load(); got != 2 {
		t.Errorf("fetches = %d, want 2", got)
	}

	_, err := c.Key(context.Background(), "nope")
	if !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("error = %v, want ErrKeyNotFound", err)
	}
}

func TestCache_UnknownKidRateLimited(t *testing.T) {
	k1 := genKey(t)
	ks := newKeyServer(t, EncodeRSAPublicKey("k1", &k1.PublicKey))
	c := NewCache(ks.srv.URL, time.Hour, ks.srv.Client())

	_, _ = c.Key(context.Background(), "k1")
	for i := 0; i < 5; i++ {
		if _, err := c.Key(context.Background(), "ghost"); !errors.Is(err, ErrKeyNotFound) {
			t.Fatalf("error = %v", err)
		}
	}
	if got := ks.hits.Load(); got != 1 {
		t.Errorf("fetches = %d, want 1", got)
	}
}

func TestCache_StaleKeyOnFetchFailure(t *testing.T) {
	k1 := genKey(t)
	ks := newKeyServer(t, EncodeRSAPublicKey("k1", &k1.PublicKey))
	c := NewCache(ks.srv.URL, time.Millisecond, ks.srv.Client())

	if _, err := c.Key(context.Background(), "k1"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)
	ks.fail.Store(true)

	if _, err := c.Key(context.Background(), "k1"); err != nil {
		t.Errorf("expected stale key, got %v", err)
	}
	if _, err := c.Key(context.Background(), "k2"); err == nil {
		t.Error("expected error for unknown kid while endpoint is down")
	}
}

func TestParseRSAPublicKey_Malformed(t *testing.T) {
	if _, err := ParseRSAPublicKey(&JWK{N: "!!", E: "AQAB"}); err == nil {
		t.Error("expected error for invalid modulus")
	}
	if _, err := ParseRSAPublicKey(&JWK{N: "", E: ""}); err == nil {
		t.Error("expected error for empty key")
	}
}
