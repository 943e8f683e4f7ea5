package federation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testPEM = "-----BEGIN PUBLIC KEY-----\nMIIB\n-----END PUBLIC KEY-----\n"

func newResolver(t *testing.T, ttl time.Duration) *KeyResolver {
	t.Helper()
	return NewKeyResolver(2*time.Second, ttl, zap.NewNop())
}

func TestResolveEmbeddedKey(t *testing.T) {
	var fetches atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		json.NewEncoder(w).Encode(map[string]any{
			"id":    "https://peer.example/users/alice",
			"inbox": "https://peer.example/users/alice/inbox",
			"publicKey": map[string]string{
				"id":           "https://peer.example/users/alice#main-key",
				"owner":        "https://peer.example/users/alice",
				"publicKeyPem": testPEM,
			},
		})
	}))
	defer srv.Close()

	resolver := newResolver(t, time.Hour)
	keyID := srv.URL + "/users/alice#main-key"

	pem, err := resolver.Resolve(context.Background(), keyID)
	require.NoError(t, err)
	assert.Equal(t, testPEM, pem)

	// Second resolution is served from cache.
	pem, err = resolver.Resolve(context.Background(), keyID)
	require.NoError(t, err)
	assert.Equal(t, testPEM, pem)
	assert.Equal(t, int32(1), fetches.Load())
}

func TestResolveIndirectKeyReference(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/users/alice", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"id":        srv.URL + "/users/alice",
			"publicKey": srv.URL + "/users/alice/key",
		})
	})
	mux.HandleFunc("/users/alice/key", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"id":           srv.URL + "/users/alice/key",
			"owner":        srv.URL + "/users/alice",
			"publicKeyPem": testPEM,
		})
	})

	resolver := newResolver(t, time.Hour)
	pem, err := resolver.Resolve(context.Background(), srv.URL+"/users/alice#main-key")
	require.NoError(t, err)
	assert.Equal(t, testPEM, pem)
}

func TestResolveFailureIsNotCached(t *testing.T) {
	var healthy atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy.Load() {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"publicKey": map[string]string{"publicKeyPem": testPEM},
		})
	}))
	defer srv.Close()

	resolver := newResolver(t, time.Hour)
	keyID := srv.URL + "/users/alice#main-key"

	_, err := resolver.Resolve(context.Background(), keyID)
	require.Error(t, err)

	// The outage self-heals: the negative result was never cached.
	healthy.Store(true)
	pem, err := resolver.Resolve(context.Background(), keyID)
	require.NoError(t, err)
	assert.Equal(t, testPEM, pem)
}

func TestResolveMissingKeyMaterial(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"id": "https://peer.example/users/alice"})
	}))
	defer srv.Close()

	resolver := newResolver(t, time.Hour)
	_, err := resolver.Resolve(context.Background(), srv.URL+"/users/alice#main-key")
	require.Error(t, err)
}

func TestResolveCacheExpiry(t *testing.T) {
	var fetches atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		json.NewEncoder(w).Encode(map[string]any{
			"publicKey": map[string]string{"publicKeyPem": testPEM},
		})
	}))
	defer srv.Close()

	resolver := newResolver(t, 50*time.Millisecond)
	keyID := srv.URL + "/users/alice#main-key"

	_, err := resolver.Resolve(context.Background(), keyID)
	require.NoError(t, err)

	time.Sleep(120 * time.Millisecond)

	_, err = resolver.Resolve(context.Background(), keyID)
	require.NoError(t, err)
	assert.Equal(t, int32(2), fetches.Load(), "expired entry must be refetched")
}

func TestFetchActorProfile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"name":      "Festivals",
			"inbox":     "https://peer.example/calendars/festivals/inbox",
			"endpoints": map[string]string{"sharedInbox": "https://peer.example/inbox"},
			"publicKey": map[string]string{"publicKeyPem": testPEM},
		})
	}))
	defer srv.Close()

	resolver := newResolver(t, time.Hour)
	profile, err := resolver.FetchActorProfile(context.Background(), srv.URL+"/calendars/festivals")
	require.NoError(t, err)

	assert.Equal(t, "Festivals", profile.DisplayName)
	assert.Equal(t, "https://peer.example/calendars/festivals/inbox", profile.InboxURL)
	assert.Equal(t, "https://peer.example/inbox", profile.SharedInboxURL)
	assert.Equal(t, testPEM, profile.PublicKeyPEM)
}

func TestStripFragment(t *testing.T) {
	assert.Equal(t, "https://a.example/users/x", StripFragment("https://a.example/users/x#main-key"))
	assert.Equal(t, "https://a.example/users/x", StripFragment("https://a.example/users/x"))
}
