package auth

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"convoke/pkg/types"
)

var (
	// ErrActorNotFound is returned when the signing actor URI is unknown.
	ErrActorNotFound = errors.New("actor not found")

	// ErrCannotSignAsRemoteActor is returned when the named actor holds no
	// private key. A signature produced on behalf of a remote actor would be
	// a forgery, so this is a hard invariant, not a convenience guard.
	ErrCannotSignAsRemoteActor = errors.New("cannot sign as remote actor")
)

const (
	// SignatureAlgorithm is the only scheme this server produces or accepts.
	SignatureAlgorithm = "rsa-sha256"

	// SignedHeaders is the fixed header set covered by outbound signatures.
	// The verification gate requires exactly this coverage for writes, so
	// callers cannot opt in or out of individual headers.
	SignedHeaders = "(request-target) host date"

	// KeyIDSuffix names the actor's signing key within its document.
	KeyIDSuffix = "#main-key"
)

// ActorSource looks up actors for signing. Satisfied by federation.Directory.
type ActorSource interface {
	ActorByURI(uri string) (*types.Actor, error)
}

// Envelope is the ready-to-transmit result of signing a message. The caller's
// HTTP client attaches it as the Signature, Date and Digest request headers;
// no network send happens here.
type Envelope struct {
	KeyID     string
	Algorithm string
	Headers   string
	Signature string
	Date      string
	Digest    string
}

// SignatureHeader renders the envelope as a Signature header value.
func (e *Envelope) SignatureHeader() string {
	return fmt.Sprintf(`keyId="%s",algorithm="%s",headers="%s",signature="%s"`,
		e.KeyID, e.Algorithm, e.Headers, e.Signature)
}

// Signer produces HTTP message signatures for locally hosted actors.
type Signer struct {
	actors ActorSource
	logger *zap.Logger

	now func() time.Time
}

// NewSigner creates a signer backed by the given actor source.
func NewSigner(actors ActorSource, logger *zap.Logger) *Signer {
	return &Signer{
		actors: actors,
		logger: logger,
		now:    time.Now,
	}
}

// Sign builds the canonical signing string for a POST of body to
// targetInboxURL and signs it with the actor's private key.
//
// The signing string is exactly three lines in fixed order:
//
//	(request-target): post {path}
//	host: {host}
//	date: {rfc1123 date}
func (s *Signer) Sign(actorURI string, body []byte, targetInboxURL string) (*Envelope, error) {
	actor, err := s.actors.ActorByURI(actorURI)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrActorNotFound, actorURI)
	}

	if actor.Kind == types.ActorRemote || actor.PrivateKeyPEM == "" {
		return nil, fmt.Errorf("%w: %s", ErrCannotSignAsRemoteActor, actorURI)
	}

	target, err := url.Parse(targetInboxURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse target inbox URL: %w", err)
	}

	priv, err := ParsePrivateKey(actor.PrivateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key for %s: %w", actorURI, err)
	}

	date := s.now().UTC().Format(http.TimeFormat)
	signingString := BuildSigningString(target.Path, target.Host, date)

	sig, err := signRS256(priv, []byte(signingString))
	if err != nil {
		return nil, fmt.Errorf("failed to sign message: %w", err)
	}

	s.logger.Debug("signed outbound message",
		zap.String("actor", actorURI),
		zap.String("inbox", targetInboxURL))

	return &Envelope{
		KeyID:     actorURI + KeyIDSuffix,
		Algorithm: SignatureAlgorithm,
		Headers:   SignedHeaders,
		Signature: base64.StdEncoding.EncodeToString(sig),
		Date:      date,
		Digest:    DigestHeader(body),
	}, nil
}

// BuildSigningString assembles the canonical three-line signing string.
func BuildSigningString(path, host, date string) string {
	var b strings.Builder
	b.WriteString("(request-target): post ")
	b.WriteString(path)
	b.WriteString("\nhost: ")
	b.WriteString(host)
	b.WriteString("\ndate: ")
	b.WriteString(date)
	return b.String()
}

// DigestHeader computes the Digest header value for a request body.
func DigestHeader(body []byte) string {
	sum := sha256.Sum256(body)
	return "SHA-256=" + base64.StdEncoding.EncodeToString(sum[:])
}

func signRS256(priv *rsa.PrivateKey, msg []byte) ([]byte, error) {
	digest := sha256.Sum256(msg)
	return rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA256, digest[:])
}

func verifyRS256(pub *rsa.PublicKey, msg, sig []byte) bool {
	digest := sha256.Sum256(msg)
	return rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig) == nil
}
