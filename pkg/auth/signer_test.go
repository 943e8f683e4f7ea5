package auth

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"convoke/pkg/types"
)

type stubActors map[string]*types.Actor

func (s stubActors) ActorByURI(uri string) (*types.Actor, error) {
	actor, exists := s[uri]
	if !exists {
		return nil, fmt.Errorf("no such actor")
	}
	return actor, nil
}

func newTestActor(t *testing.T, uri string, kind types.ActorKind) *types.Actor {
	t.Helper()

	actor := &types.Actor{Kind: kind, URI: uri}
	if kind == types.ActorLocal {
		kp, err := GenerateKeypair()
		require.NoError(t, err)
		actor.PublicKeyPEM = kp.PublicKeyPEM
		actor.PrivateKeyPEM = kp.PrivateKeyPEM
	}
	return actor
}

func TestSignProducesCanonicalSigningString(t *testing.T) {
	const actorURI = "https://a.example/calendars/events"
	actor := newTestActor(t, actorURI, types.ActorLocal)

	signer := NewSigner(stubActors{actorURI: actor}, zap.NewNop())
	frozen := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	signer.now = func() time.Time { return frozen }

	body := []byte(`{"type":"Add","actor":"` + actorURI + `"}`)
	env, err := signer.Sign(actorURI, body, "https://b.example/calendars/other/inbox")
	require.NoError(t, err)

	assert.Equal(t, actorURI+"#main-key", env.KeyID)
	assert.Equal(t, "rsa-sha256", env.Algorithm)
	assert.Equal(t, "(request-target) host date", env.Headers)
	assert.Equal(t, frozen.Format(http.TimeFormat), env.Date)
	assert.Equal(t, DigestHeader(body), env.Digest)

	// The signature must cover exactly the fixed three-line string.
	expected := "(request-target): post /calendars/other/inbox\nhost: b.example\ndate: " + env.Date
	pub, err := ParsePublicKey(actor.PublicKeyPEM)
	require.NoError(t, err)
	sig, err := base64.StdEncoding.DecodeString(env.Signature)
	require.NoError(t, err)
	assert.True(t, verifyRS256(pub, []byte(expected), sig))

	// And nothing else: a different path must not verify.
	assert.False(t, verifyRS256(pub, []byte("(request-target): post /other\nhost: b.example\ndate: "+env.Date), sig))
}

func TestSignUnknownActor(t *testing.T) {
	signer := NewSigner(stubActors{}, zap.NewNop())

	_, err := signer.Sign("https://a.example/users/ghost", nil, "https://b.example/inbox")
	require.ErrorIs(t, err, ErrActorNotFound)
}

func TestSignAsRemoteActorIsForgery(t *testing.T) {
	const remoteURI = "https://peer.example/calendars/theirs"
	signer := NewSigner(stubActors{
		remoteURI: newTestActor(t, remoteURI, types.ActorRemote),
	}, zap.NewNop())

	env, err := signer.Sign(remoteURI, nil, "https://b.example/inbox")
	require.ErrorIs(t, err, ErrCannotSignAsRemoteActor)
	require.Nil(t, env)
}

func TestSignatureHeaderRendering(t *testing.T) {
	env := &Envelope{
		KeyID:     "https://a.example/users/x#main-key",
		Algorithm: "rsa-sha256",
		Headers:   "(request-target) host date",
		Signature: "c2ln",
	}
	assert.Equal(t,
		`keyId="https://a.example/users/x#main-key",algorithm="rsa-sha256",headers="(request-target) host date",signature="c2ln"`,
		env.SignatureHeader())
}
