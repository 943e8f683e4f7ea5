package federation

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"convoke/pkg/auth"
	"convoke/pkg/types"
)

// DefaultMetadataMaxAge is how long cached remote actor metadata is trusted
// before a refresh is due.
const DefaultMetadataMaxAge = time.Hour

// RemoteMetadata is a partial update of a remote actor's cached metadata.
// Only non-nil fields are written.
type RemoteMetadata struct {
	DisplayName    *string
	InboxURL       *string
	SharedInboxURL *string
	PublicKeyPEM   *string
}

// Directory resolves, creates and refreshes actor records. Local actors are
// provisioned once with a fresh keypair; remote actors are created lazily on
// first reference and their metadata filled in as it is fetched.
type Directory struct {
	actors     ActorStore
	logger     *zap.Logger
	production bool

	now func() time.Time
}

// NewDirectory creates a directory over the given actor store.
func NewDirectory(actors ActorStore, production bool, logger *zap.Logger) *Directory {
	return &Directory{
		actors:     actors,
		logger:     logger,
		production: production,
		now:        time.Now,
	}
}

// ActorByURI looks up an actor record. Satisfies auth.ActorSource.
func (d *Directory) ActorByURI(uri string) (*types.Actor, error) {
	return d.actors.ActorByURI(uri)
}

// CreateLocalActor provisions a local actor for a principal: generates its
// keypair, derives the canonical URI from the domain and local id, and
// persists the record. Called once at principal provisioning time.
func (d *Directory) CreateLocalActor(subject types.SubjectType, localID, domain string) (*types.Actor, error) {
	keypair, err := auth.GenerateKeypair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate keypair: %w", err)
	}

	actor := &types.Actor{
		ID:            uuid.New(),
		Kind:          types.ActorLocal,
		Subject:       subject,
		URI:           LocalActorURI(subject, localID, domain),
		PublicKeyPEM:  keypair.PublicKeyPEM,
		PrivateKeyPEM: keypair.PrivateKeyPEM,
	}

	if err := d.actors.CreateActor(actor); err != nil {
		return nil, fmt.Errorf("failed to persist local actor: %w", err)
	}

	d.logger.Info("provisioned local actor",
		zap.String("uri", actor.URI),
		zap.String("subject", string(subject)))

	return actor, nil
}

// LocalActorURI derives the canonical URI for a locally hosted actor.
func LocalActorURI(subject types.SubjectType, localID, domain string) string {
	segment := "users"
	if subject == types.SubjectCalendar {
		segment = "calendars"
	}
	return fmt.Sprintf("https://%s/%s/%s", domain, segment, url.PathEscape(localID))
}

// ResolveOrCreateRemoteActor returns the actor for uri, creating a minimal
// record (URI only, no key material) if it has never been seen. Idempotent:
// repeated calls return the same identity. Capability-grant processing may
// therefore reference a remote actor before its keys were ever fetched.
func (d *Directory) ResolveOrCreateRemoteActor(uri string) (*types.Actor, error) {
	ref, err := ParseActorURI(uri, d.production)
	if err != nil {
		return nil, err
	}

	actor, err := d.actors.ActorByURI(uri)
	if err == nil {
		return actor, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	parsed, _ := url.Parse(uri)
	actor = &types.Actor{
		ID:             uuid.New(),
		Kind:           types.ActorRemote,
		Subject:        ref.Subject,
		URI:            uri,
		RemoteUsername: ref.ID,
		RemoteDomain:   parsed.Host,
	}

	if err := d.actors.CreateActor(actor); err != nil {
		// Lost a race with a concurrent first reference; the existing
		// record wins.
		if existing, lookupErr := d.actors.ActorByURI(uri); lookupErr == nil {
			return existing, nil
		}
		return nil, fmt.Errorf("failed to persist remote actor: %w", err)
	}

	d.logger.Info("registered remote actor",
		zap.String("uri", uri),
		zap.String("domain", actor.RemoteDomain))

	return actor, nil
}

// RefreshRemoteMetadata applies a partial metadata update to a known actor
// and bumps LastFetched. LastFetched never moves backwards. Returns
// ErrNotFound (wrapped) when the actor is unknown.
func (d *Directory) RefreshRemoteMetadata(uri string, update RemoteMetadata) (*types.Actor, error) {
	actor, err := d.actors.ActorByURI(uri)
	if err != nil {
		return nil, err
	}

	if update.DisplayName != nil {
		actor.DisplayName = *update.DisplayName
	}
	if update.InboxURL != nil {
		actor.InboxURL = *update.InboxURL
	}
	if update.SharedInboxURL != nil {
		actor.SharedInboxURL = *update.SharedInboxURL
	}
	if update.PublicKeyPEM != nil && actor.Kind == types.ActorRemote {
		actor.PublicKeyPEM = *update.PublicKeyPEM
	}

	if now := d.now(); now.After(actor.LastFetched) {
		actor.LastFetched = now
	}

	if err := d.actors.UpdateActor(actor); err != nil {
		return nil, fmt.Errorf("failed to update actor %s: %w", uri, err)
	}
	return actor, nil
}

// IsStale reports whether an actor's cached metadata is due for a refresh:
// never fetched, or older than maxAge (pass 0 for the default).
func IsStale(actor *types.Actor, maxAge time.Duration) bool {
	if maxAge <= 0 {
		maxAge = DefaultMetadataMaxAge
	}
	if actor.LastFetched.IsZero() {
		return true
	}
	return time.Since(actor.LastFetched) > maxAge
}

// RemoteHandle renders a remote actor as user@domain for logs and audit
// trails.
func RemoteHandle(actor *types.Actor) string {
	if actor.RemoteUsername == "" || actor.RemoteDomain == "" {
		return actor.URI
	}
	return strings.Join([]string{actor.RemoteUsername, actor.RemoteDomain}, "@")
}
