package types

import (
	"time"

	"github.com/google/uuid"
)

// ActorKind distinguishes actors hosted on this server from actors we only
// know about through federation.
type ActorKind string

const (
	ActorLocal  ActorKind = "local"
	ActorRemote ActorKind = "remote"
)

// SubjectType is what an actor represents on the network.
type SubjectType string

const (
	SubjectPerson   SubjectType = "person"
	SubjectCalendar SubjectType = "calendar"
)

// Actor is a federated identity: a person or a calendar addressable by a
// globally unique HTTPS URI. Local actors hold a private key and can sign
// outbound messages; remote actors only ever hold cached public key material.
type Actor struct {
	ID      uuid.UUID
	Kind    ActorKind
	Subject SubjectType

	// URI is the canonical identifier, immutable once assigned.
	URI string

	PublicKeyPEM  string
	PrivateKeyPEM string // local actors only, never set for remote actors

	// Remote metadata, derived from the URI at creation and refreshed from
	// the peer's actor document.
	RemoteUsername string
	RemoteDomain   string
	DisplayName    string
	InboxURL       string
	SharedInboxURL string

	// LastFetched is the time of the last successful metadata refresh.
	// Zero for a remote actor whose document has never been fetched.
	LastFetched time.Time
}

// IsLocal reports whether the actor is hosted on this server.
func (a *Actor) IsLocal() bool {
	return a != nil && a.Kind == ActorLocal
}

// Account is a local principal (a user account on this server) that actors
// and memberships attach to.
type Account struct {
	ID       uuid.UUID
	Username string
	Domain   string
}

// EditorMembership links a local account to a remote calendar actor that has
// been granted editor access, propagated via Add/Remove activities.
type EditorMembership struct {
	ID        uuid.UUID
	ActorID   uuid.UUID // remote calendar actor
	AccountID uuid.UUID // local account
	Role      string
	CreatedAt time.Time
}

// RoleEditor is the only membership role propagated over federation today.
const RoleEditor = "editor"

// Activity is an inbound federation activity envelope. Only the fields the
// trust layer inspects are modeled; the rest of the document stays in Raw.
type Activity struct {
	Type   string `json:"type"`
	Actor  string `json:"actor"`
	Object string `json:"object"`

	// ActorInbox and ActorSharedInbox carry the sender's delivery endpoints
	// when the activity inlines them.
	ActorInbox       string `json:"actorInbox,omitempty"`
	ActorSharedInbox string `json:"actorSharedInbox,omitempty"`

	Raw []byte `json:"-"`
}

// Activity types understood by the capability-grant processor.
const (
	ActivityAdd    = "Add"
	ActivityRemove = "Remove"
)
