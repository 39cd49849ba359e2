// Package ap implements the ActivityPub side of the aviary bridge: the
// vocabulary types, actor keys, signed delivery, and inbox handling.
package ap

import (
	"encoding/json"
	"fmt"
)

// StringOrArray deserialises an AP field that may be either a JSON string
// or a JSON array of strings (both are valid per the AP spec).
type StringOrArray []string

func (s *StringOrArray) UnmarshalJSON(data []byte) error {
	var arr []string
	if err := json.Unmarshal(data, &arr); err == nil {
		*s = arr
		return nil
	}
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		*s = []string{str}
		return nil
	}
	return fmt.Errorf("cannot unmarshal %s into string or []string", data)
}

const (
	PublicURI         = "https://www.w3.org/ns/activitystreams#Public"
	ActivityStreamsNS = "https://www.w3.org/ns/activitystreams"
	SecurityNS        = "https://w3id.org/security/v1"
	DataIntegrityNS   = "https://w3id.org/security/data-integrity/v1"
)

// DefaultContext is the standard JSON-LD @context for outgoing objects.
var DefaultContext = []interface{}{
	ActivityStreamsNS,
	SecurityNS,
	DataIntegrityNS,
	map[string]interface{}{
		"Hashtag":         "as:Hashtag",
		"sensitive":       "as:sensitive",
		"toot":            "http://joinmastodon.org/ns#",
		"discoverable":    "toot:discoverable",
		"Multikey":        "https://w3id.org/security/multikey/v1#Multikey",
		"assertionMethod": "https://w3id.org/security#assertionMethod",
	},
}

// Actor is an ActivityPub actor (Person, Service, etc.).
type Actor struct {
	Context           interface{} `json:"@context,omitempty"`
	ID                string      `json:"id"`
	Type              string      `json:"type"`
	Name              string      `json:"name,omitempty"`
	PreferredUsername string      `json:"preferredUsername"`
	Summary           string      `json:"summary,omitempty"`
	Inbox             string      `json:"inbox"`
	Outbox            string      `json:"outbox,omitempty"`
	Followers         string      `json:"followers,omitempty"`
	Following         string      `json:"following,omitempty"`
	PublicKey         *PublicKey  `json:"publicKey,omitempty"`
	AssertionMethod   []Multikey  `json:"assertionMethod,omitempty"`
	Icon              *Image      `json:"icon,omitempty"`
	Image             *Image      `json:"image,omitempty"`
	URL               string      `json:"url,omitempty"`
	Endpoints         *Endpoints  `json:"endpoints,omitempty"`
}

// PublicKey is the RSA signing key attached to an actor.
type PublicKey struct {
	ID           string `json:"id"`
	Owner        string `json:"owner"`
	PublicKeyPem string `json:"publicKeyPem"`
}

// Multikey is a multibase-encoded verification key (FEP-521a assertion method).
type Multikey struct {
	ID                 string `json:"id"`
	Type               string `json:"type"`
	Controller         string `json:"controller"`
	PublicKeyMultibase string `json:"publicKeyMultibase"`
}

// Image is an ActivityPub Image object.
type Image struct {
	Type      string `json:"type"`
	URL       string `json:"url"`
	MediaType string `json:"mediaType,omitempty"`
}

// Endpoints holds the shared inbox endpoint.
type Endpoints struct {
	SharedInbox string `json:"sharedInbox,omitempty"`
}

// Note is an ActivityPub Note.
type Note struct {
	Context      interface{}       `json:"@context,omitempty"`
	ID           string            `json:"id"`
	Type         string            `json:"type"`
	AttributedTo string            `json:"attributedTo"`
	Content      string            `json:"content"`
	ContentMap   map[string]string `json:"contentMap,omitempty"`
	Published    string            `json:"published,omitempty"`
	To           StringOrArray     `json:"to,omitempty"`
	CC           StringOrArray     `json:"cc,omitempty"`
	Tag          []interface{}     `json:"tag,omitempty"`
	Attachment   []Document        `json:"attachment,omitempty"`
	URL          string            `json:"url,omitempty"`
	InReplyTo    string            `json:"inReplyTo,omitempty"`
	Sensitive    bool              `json:"sensitive,omitempty"`
	Summary      string            `json:"summary,omitempty"`
	Replies      *Collection       `json:"replies,omitempty"`
	Shares       *Collection       `json:"shares,omitempty"`
	Likes        *Collection       `json:"likes,omitempty"`
}

// Document is media attached to a Note.
type Document struct {
	Type      string `json:"type"`
	URL       string `json:"url"`
	MediaType string `json:"mediaType,omitempty"`
	Name      string `json:"name,omitempty"` // alt text
	Width     int    `json:"width,omitempty"`
	Height    int    `json:"height,omitempty"`
}

// Mention is a tag pointing to another actor.
type Mention struct {
	Type string `json:"type"`
	Href string `json:"href"`
	Name string `json:"name,omitempty"`
}

// Activity is a generic outgoing ActivityPub activity.
type Activity struct {
	Context   interface{} `json:"@context,omitempty"`
	ID        string      `json:"id"`
	Type      string      `json:"type"`
	Actor     string      `json:"actor"`
	Object    interface{} `json:"object"`
	To        []string    `json:"to,omitempty"`
	CC        []string    `json:"cc,omitempty"`
	URL       string      `json:"url,omitempty"`
	Published string      `json:"published,omitempty"`
}

// IncomingActivity parses incoming activities where the object may be a
// string reference or an embedded object.
type IncomingActivity struct {
	Context   interface{}     `json:"@context,omitempty"`
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Actor     string          `json:"actor"`
	Object    json.RawMessage `json:"object"`
	To        StringOrArray   `json:"to,omitempty"`
	CC        StringOrArray   `json:"cc,omitempty"`
	Published string          `json:"published,omitempty"`
}

// ObjectID extracts the object's id whether it is a bare string or embedded.
func (a *IncomingActivity) ObjectID() string {
	var s string
	if err := json.Unmarshal(a.Object, &s); err == nil {
		return s
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(a.Object, &obj); err == nil {
		return obj.ID
	}
	return ""
}

// Collection is an unpaged AP collection, used for the empty replies/shares/
// likes collections attached to Notes.
type Collection struct {
	ID         string        `json:"id"`
	Type       string        `json:"type"`
	TotalItems int           `json:"totalItems"`
	Items      []interface{} `json:"items,omitempty"`
}

// EmptyCollection builds an empty Collection bound to id.
func EmptyCollection(id string) *Collection {
	return &Collection{ID: id, Type: "Collection", TotalItems: 0, Items: []interface{}{}}
}

// OrderedCollection is the head document of a paginated AP collection.
type OrderedCollection struct {
	Context      interface{} `json:"@context,omitempty"`
	ID           string      `json:"id"`
	Type         string      `json:"type"`
	TotalItems   int         `json:"totalItems"`
	First        string      `json:"first,omitempty"`
	OrderedItems interface{} `json:"orderedItems,omitempty"`
}

// OrderedCollectionPage is one page of a paginated AP collection.
type OrderedCollectionPage struct {
	Context      interface{} `json:"@context,omitempty"`
	ID           string      `json:"id"`
	Type         string      `json:"type"`
	PartOf       string      `json:"partOf,omitempty"`
	Next         string      `json:"next,omitempty"`
	OrderedItems interface{} `json:"orderedItems"`
}

// WebFingerResponse is a JRD document for /.well-known/webfinger.
type WebFingerResponse struct {
	Subject string          `json:"subject"`
	Aliases []string        `json:"aliases,omitempty"`
	Links   []WebFingerLink `json:"links"`
}

type WebFingerLink struct {
	Rel      string `json:"rel"`
	Type     string `json:"type,omitempty"`
	Href     string `json:"href,omitempty"`
	Template string `json:"template,omitempty"`
}

// NodeInfo is a nodeinfo 2.1 document.
type NodeInfo struct {
	Version           string           `json:"version"`
	Software          NodeInfoSoftware `json:"software"`
	Protocols         []string         `json:"protocols"`
	Services          NodeInfoServices `json:"services"`
	Usage             NodeInfoUsage    `json:"usage"`
	OpenRegistrations bool             `json:"openRegistrations"`
	Metadata          map[string]any   `json:"metadata"`
}

type NodeInfoSoftware struct {
	Name       string `json:"name"`
	Version    string `json:"version"`
	Homepage   string `json:"homepage,omitempty"`
	Repository string `json:"repository,omitempty"`
}

type NodeInfoServices struct {
	Inbound  []string `json:"inbound"`
	Outbound []string `json:"outbound"`
}

type NodeInfoUsage struct {
	Users         NodeInfoUsers `json:"users"`
	LocalPosts    int           `json:"localPosts"`
	LocalComments int           `json:"localComments"`
}

type NodeInfoUsers struct {
	Total int `json:"total"`
}

// IsActorType reports whether t names an AP actor type.
func IsActorType(t string) bool {
	switch t {
	case "Person", "Service", "Application", "Group", "Organization":
		return true
	}
	return false
}

// WithContext wraps an object with the default AP @context.
func WithContext(v interface{}) map[string]interface{} {
	data, _ := json.Marshal(v)
	m := make(map[string]interface{})
	_ = json.Unmarshal(data, &m)
	m["@context"] = DefaultContext
	return m
}
