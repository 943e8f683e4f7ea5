package federation

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"convoke/pkg/types"
)

type grantFixture struct {
	processor *GrantProcessor
	store     *MemoryStore
	receiving *types.Actor
	account   *types.Account
}

const remoteCalendarURI = "https://peer.example/calendars/festivals"

func newGrantFixture(t *testing.T) *grantFixture {
	t.Helper()

	store := NewMemoryStore()
	directory := NewDirectory(store, false, zap.NewNop())

	account := &types.Account{ID: uuid.New(), Username: "bob", Domain: "b.example"}
	store.AddAccount(account)

	receiving, err := directory.CreateLocalActor(types.SubjectPerson, "bob", "b.example")
	require.NoError(t, err)

	return &grantFixture{
		processor: NewGrantProcessor(directory, store, store, zap.NewNop()),
		store:     store,
		receiving: receiving,
		account:   account,
	}
}

func grantActivity(receivingURI string) *types.Activity {
	return &types.Activity{
		Type:       types.ActivityAdd,
		Actor:      remoteCalendarURI,
		Object:     receivingURI,
		ActorInbox: remoteCalendarURI + "/inbox",
	}
}

func (f *grantFixture) membershipCount(t *testing.T) int {
	t.Helper()

	sender, err := f.store.ActorByURI(remoteCalendarURI)
	if err != nil {
		return 0
	}
	if _, err := f.store.Membership(sender.ID, f.account.ID); err != nil {
		return 0
	}
	return 1
}

func TestHandleGrantCreatesMembership(t *testing.T) {
	f := newGrantFixture(t)

	ok := f.processor.HandleGrant(f.receiving, grantActivity(f.receiving.URI))
	require.True(t, ok)
	assert.Equal(t, 1, f.membershipCount(t))

	// The sender was lazily registered and its inbox recorded.
	sender, err := f.store.ActorByURI(remoteCalendarURI)
	require.NoError(t, err)
	assert.Equal(t, types.ActorRemote, sender.Kind)
	assert.Equal(t, remoteCalendarURI+"/inbox", sender.InboxURL)
}

func TestHandleGrantIsIdempotent(t *testing.T) {
	f := newGrantFixture(t)

	require.True(t, f.processor.HandleGrant(f.receiving, grantActivity(f.receiving.URI)))
	require.True(t, f.processor.HandleGrant(f.receiving, grantActivity(f.receiving.URI)))

	assert.Equal(t, 1, f.membershipCount(t), "duplicate Add must not create a second membership")
}

func TestHandleGrantRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(a *types.Activity)
	}{
		{"wrong activity type", func(a *types.Activity) { a.Type = "Follow" }},
		{"object names someone else", func(a *types.Activity) { a.Object = "https://b.example/users/carol" }},
		{"missing sender", func(a *types.Activity) { a.Actor = "" }},
		{"sender URI invalid", func(a *types.Activity) { a.Actor = "ftp://peer.example/calendars/x" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newGrantFixture(t)
			activity := grantActivity(f.receiving.URI)
			tt.mutate(activity)

			assert.False(t, f.processor.HandleGrant(f.receiving, activity))
			assert.Equal(t, 0, f.membershipCount(t))
		})
	}
}

func TestHandleGrantUnknownAccount(t *testing.T) {
	f := newGrantFixture(t)

	// A local actor whose principal is missing from the account store.
	store := f.store
	directory := NewDirectory(store, false, zap.NewNop())
	orphan, err := directory.CreateLocalActor(types.SubjectPerson, "nobody", "b.example")
	require.NoError(t, err)

	assert.False(t, f.processor.HandleGrant(orphan, grantActivity(orphan.URI)))
}

func TestHandleRevoke(t *testing.T) {
	f := newGrantFixture(t)
	require.True(t, f.processor.HandleGrant(f.receiving, grantActivity(f.receiving.URI)))

	revoke := &types.Activity{
		Type:   types.ActivityRemove,
		Actor:  remoteCalendarURI,
		Object: f.receiving.URI,
	}

	assert.Equal(t, 1, f.processor.HandleRevoke(f.receiving, revoke))
	assert.Equal(t, 0, f.membershipCount(t))

	// Revoking an already-absent grant is a valid no-op, not an error.
	assert.Equal(t, 0, f.processor.HandleRevoke(f.receiving, revoke))
}

func TestHandleRevokeUnknownActorIsNoOp(t *testing.T) {
	f := newGrantFixture(t)

	revoke := &types.Activity{
		Type:   types.ActivityRemove,
		Actor:  "https://stranger.example/calendars/unseen",
		Object: f.receiving.URI,
	}
	assert.Equal(t, 0, f.processor.HandleRevoke(f.receiving, revoke))
}

func TestHandleRevokeWrongType(t *testing.T) {
	f := newGrantFixture(t)
	require.True(t, f.processor.HandleGrant(f.receiving, grantActivity(f.receiving.URI)))

	revoke := &types.Activity{
		Type:   types.ActivityAdd,
		Actor:  remoteCalendarURI,
		Object: f.receiving.URI,
	}
	assert.Equal(t, 0, f.processor.HandleRevoke(f.receiving, revoke))
	assert.Equal(t, 1, f.membershipCount(t))
}
