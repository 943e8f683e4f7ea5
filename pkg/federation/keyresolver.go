package federation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
)

const (
	// keyCacheSize bounds the number of cached remote keys; old entries are
	// evicted LRU-first before their TTL when the federation graph is large.
	keyCacheSize = 4096

	activityJSONAccept = "application/activity+json, application/ld+json"
)

// actorDocument is the subset of a remote actor's profile the trust layer
// reads. PublicKey is either an embedded key object or a bare URL string.
type actorDocument struct {
	ID                string          `json:"id"`
	PreferredUsername string          `json:"preferredUsername"`
	Name              string          `json:"name"`
	Inbox             string          `json:"inbox"`
	Endpoints         actorEndpoints  `json:"endpoints"`
	PublicKey         json.RawMessage `json:"publicKey"`
}

type actorEndpoints struct {
	SharedInbox string `json:"sharedInbox"`
}

type publicKeyObject struct {
	ID           string `json:"id"`
	Owner        string `json:"owner"`
	PublicKeyPem string `json:"publicKeyPem"`
}

// ActorProfile is the refreshed metadata extracted from a remote actor
// document, used to update the directory alongside key resolution.
type ActorProfile struct {
	DisplayName    string
	InboxURL       string
	SharedInboxURL string
	PublicKeyPEM   string
}

// KeyResolver resolves a remote key identifier URL to PEM-encoded public key
// material, caching successes for a bounded time. Failures are never cached,
// so a transient remote outage self-heals on the next request.
type KeyResolver struct {
	client *resty.Client
	cache  *expirable.LRU[string, string]
	logger *zap.Logger
}

// NewKeyResolver creates a resolver with the given fetch timeout and cache
// TTL. One resolver (and thus one cache) is constructed per process and
// shared across request handlers.
func NewKeyResolver(timeout, cacheTTL time.Duration, logger *zap.Logger) *KeyResolver {
	client := resty.New().
		SetTimeout(timeout).
		SetHeader("Accept", activityJSONAccept).
		SetHeader("User-Agent", "convoke-federation")

	return &KeyResolver{
		client: client,
		cache:  expirable.NewLRU[string, string](keyCacheSize, nil, cacheTTL),
		logger: logger,
	}
}

// Resolve returns the PEM public key for keyID, from cache or by fetching the
// owning actor's document. The actor URL is keyID with any fragment stripped.
func (r *KeyResolver) Resolve(ctx context.Context, keyID string) (string, error) {
	if pem, ok := r.cache.Get(keyID); ok {
		return pem, nil
	}

	profile, err := r.FetchActorProfile(ctx, StripFragment(keyID))
	if err != nil {
		return "", err
	}
	if profile.PublicKeyPEM == "" {
		return "", fmt.Errorf("actor document for %s carries no public key", keyID)
	}

	r.cache.Add(keyID, profile.PublicKeyPEM)
	r.logger.Debug("resolved remote public key", zap.String("key_id", keyID))

	return profile.PublicKeyPEM, nil
}

// FetchActorProfile fetches and parses a remote actor document, following an
// indirect key reference with one additional bounded fetch when needed.
func (r *KeyResolver) FetchActorProfile(ctx context.Context, actorURL string) (*ActorProfile, error) {
	doc, err := r.fetchDocument(ctx, actorURL)
	if err != nil {
		return nil, err
	}

	profile := &ActorProfile{
		DisplayName:    doc.Name,
		InboxURL:       doc.Inbox,
		SharedInboxURL: doc.Endpoints.SharedInbox,
	}

	pem, err := r.extractKey(ctx, doc.PublicKey)
	if err != nil {
		return nil, err
	}
	profile.PublicKeyPEM = pem

	return profile, nil
}

func (r *KeyResolver) fetchDocument(ctx context.Context, url string) (*actorDocument, error) {
	resp, err := r.client.R().SetContext(ctx).Get(url)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch actor document %s: %w", url, err)
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("actor document fetch %s returned %s", url, resp.Status())
	}

	var doc actorDocument
	if err := json.Unmarshal(resp.Body(), &doc); err != nil {
		return nil, fmt.Errorf("malformed actor document from %s: %w", url, err)
	}
	return &doc, nil
}

// extractKey reads key material from the publicKey field: either an embedded
// object with publicKeyPem, or a URL to a key document.
func (r *KeyResolver) extractKey(ctx context.Context, raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", nil
	}

	var embedded publicKeyObject
	if err := json.Unmarshal(raw, &embedded); err == nil && embedded.PublicKeyPem != "" {
		return embedded.PublicKeyPem, nil
	}

	var keyURL string
	if err := json.Unmarshal(raw, &keyURL); err != nil || keyURL == "" {
		return "", nil
	}

	resp, err := r.client.R().SetContext(ctx).Get(keyURL)
	if err != nil {
		return "", fmt.Errorf("failed to fetch key document %s: %w", keyURL, err)
	}
	if !resp.IsSuccess() {
		return "", fmt.Errorf("key document fetch %s returned %s", keyURL, resp.Status())
	}

	var keyDoc publicKeyObject
	if err := json.Unmarshal(resp.Body(), &keyDoc); err != nil {
		return "", fmt.Errorf("malformed key document from %s: %w", keyURL, err)
	}
	return keyDoc.PublicKeyPem, nil
}

// StripFragment derives the actor URL from a keyId like
// https://host/users/a#main-key.
func StripFragment(keyID string) string {
	if i := strings.IndexByte(keyID, '#'); i >= 0 {
		return keyID[:i]
	}
	return keyID
}
