package ap

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/aviary-bridge/aviary/internal/pds"
)

// FedContext synthesizes and parses the URIs of local federation objects.
// Every URL the bridge mints goes through here so the HTTP routes and the
// converters agree on one scheme.
type FedContext struct {
	// BaseURL is the public origin without a trailing slash,
	// e.g. "https://bridge.example.com".
	BaseURL string
	// Hostname is the public host, used for webfinger acct: subjects.
	Hostname string
	// PDSHostname is the upstream PDS host; bare usernames resolve as
	// username.{PDSHostname}.
	PDSHostname string

	PDS *pds.Client
}

// ActorURI returns the actor document URL for a local identifier.
func (f *FedContext) ActorURI(identifier string) string {
	return f.BaseURL + "/users/" + identifier
}

// InboxURI returns the personal inbox URL for a local identifier.
func (f *FedContext) InboxURI(identifier string) string {
	return f.ActorURI(identifier) + "/inbox"
}

// OutboxURI returns the outbox URL for a local identifier.
func (f *FedContext) OutboxURI(identifier string) string {
	return f.ActorURI(identifier) + "/outbox"
}

// FollowersURI returns the followers collection URL for a local identifier.
func (f *FedContext) FollowersURI(identifier string) string {
	return f.ActorURI(identifier) + "/followers"
}

// FollowingURI returns the following collection URL for a local identifier.
func (f *FedContext) FollowingURI(identifier string) string {
	return f.ActorURI(identifier) + "/following"
}

// SharedInboxURI returns the instance-wide inbox URL.
func (f *FedContext) SharedInboxURI() string {
	return f.BaseURL + "/inbox"
}

// ObjectURI returns the local AP object URL for a record AT-URI.
func (f *FedContext) ObjectURI(atURI string) string {
	return f.BaseURL + "/posts/" + atURI
}

// ParseActorURI extracts the identifier from a local actor URL.
// Returns ("", false) for foreign URLs or identifiers containing a slash.
func (f *FedContext) ParseActorURI(actorURL string) (string, bool) {
	identifier, ok := strings.CutPrefix(actorURL, f.BaseURL+"/users/")
	if !ok || identifier == "" || strings.Contains(identifier, "/") {
		return "", false
	}
	return identifier, true
}

// ParseObjectURI extracts the AT-URI from a local object URL or path.
// Accepts both absolute URLs and bare "/posts/…" paths.
func (f *FedContext) ParseObjectURI(objectURL string) (string, bool) {
	path := strings.TrimPrefix(objectURL, f.BaseURL)
	raw, ok := strings.CutPrefix(path, "/posts/")
	if !ok {
		return "", false
	}
	if unescaped, err := url.PathUnescape(raw); err == nil {
		raw = unescaped
	}
	if !strings.HasPrefix(raw, "at://") {
		return "", false
	}
	return raw, true
}

// IsLocal reports whether an AP id belongs to this bridge.
func (f *FedContext) IsLocal(apID string) bool {
	return apID == f.BaseURL || strings.HasPrefix(apID, f.BaseURL+"/")
}

// HandleToDID maps a webfinger username to a DID. DIDs pass through; bare
// usernames resolve as username.{PDSHostname} on the PDS.
func (f *FedContext) HandleToDID(ctx context.Context, username string) (string, error) {
	if strings.HasPrefix(username, "did:") {
		return username, nil
	}
	handle := username
	if !strings.Contains(handle, ".") {
		handle = username + "." + f.PDSHostname
	}
	did, err := f.PDS.ResolveHandle(ctx, handle)
	if err != nil {
		return "", fmt.Errorf("resolve handle %s: %w", handle, err)
	}
	return did, nil
}

// ParseATURI splits an AT-URI into its repo DID, collection, and rkey.
func ParseATURI(atURI string) (did, collection, rkey string, err error) {
	rest, ok := strings.CutPrefix(atURI, "at://")
	if !ok {
		return "", "", "", fmt.Errorf("not an at:// URI: %s", atURI)
	}
	parts := strings.SplitN(rest, "/", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", fmt.Errorf("malformed AT-URI: %s", atURI)
	}
	return parts[0], parts[1], parts[2], nil
}
