package federation

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"

	"convoke/pkg/types"
)

// ErrInvalidActorURI is returned for any actor identifier that cannot be
// resolved to a (subject, id) pair under the scheme policy.
var ErrInvalidActorURI = errors.New("invalid actor URI")

// ActorRef is the typed result of parsing an actor URI.
// Examples:
//   - https://cal.example/users/alice        -> {person, alice}
//   - https://cal.example/calendars/events   -> {calendar, events}
//   - https://cal.example/v2/calendars/team  -> {calendar, team}
type ActorRef struct {
	Subject types.SubjectType
	ID      string
}

// ParseActorURI parses an untrusted actor identifier into an ActorRef.
//
// https URIs are always accepted. http URIs are accepted only when production
// is false AND the host is a loopback address, so multi-instance federation
// can be tested locally without TLS certificates. The production flag is
// re-checked against the environment here rather than trusted from the
// caller: a misconfigured deployment must not downgrade the scheme policy.
func ParseActorURI(raw string, production bool) (*ActorRef, error) {
	if raw == "" {
		return nil, fmt.Errorf("%w: empty identifier", ErrInvalidActorURI)
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidActorURI, err)
	}

	switch u.Scheme {
	case "https":
		// always permitted
	case "http":
		if !allowInsecureHTTP(u.Hostname(), production) {
			return nil, fmt.Errorf("%w: http is only permitted for loopback hosts outside production", ErrInvalidActorURI)
		}
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidActorURI, u.Scheme)
	}

	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidActorURI)
	}

	ref, err := refFromPath(u.EscapedPath())
	if err != nil {
		return nil, err
	}
	return ref, nil
}

// refFromPath locates the last recognized segment pair in the path, so
// versioned namespaces like /v2/calendars/team still resolve.
func refFromPath(escapedPath string) (*ActorRef, error) {
	segments := strings.Split(escapedPath, "/")
	for i := len(segments) - 2; i >= 0; i-- {
		var subject types.SubjectType
		switch segments[i] {
		case "users":
			subject = types.SubjectPerson
		case "calendars":
			subject = types.SubjectCalendar
		default:
			continue
		}

		id, err := url.PathUnescape(segments[i+1])
		if err != nil {
			return nil, fmt.Errorf("%w: undecodable id segment", ErrInvalidActorURI)
		}
		if id == "" {
			return nil, fmt.Errorf("%w: empty id segment", ErrInvalidActorURI)
		}
		return &ActorRef{Subject: subject, ID: id}, nil
	}

	return nil, fmt.Errorf("%w: no /users/{id} or /calendars/{id} segment", ErrInvalidActorURI)
}

// IsPersonURI reports whether the URI identifies a person actor. Parse
// failures yield false; callers that only need a boolean should use this
// instead of handling ErrInvalidActorURI themselves.
func IsPersonURI(raw string, production bool) bool {
	ref, err := ParseActorURI(raw, production)
	return err == nil && ref.Subject == types.SubjectPerson
}

// IsCalendarURI reports whether the URI identifies a calendar actor.
func IsCalendarURI(raw string, production bool) bool {
	ref, err := ParseActorURI(raw, production)
	return err == nil && ref.Subject == types.SubjectCalendar
}

func allowInsecureHTTP(hostname string, production bool) bool {
	if production || os.Getenv("CONVOKE_ENV") == "production" {
		return false
	}
	if hostname == "localhost" {
		return true
	}
	if ip := net.ParseIP(hostname); ip != nil {
		return ip.IsLoopback()
	}
	return false
}
