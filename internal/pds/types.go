package pds

import "encoding/json"

// Session is the response of createSession / refreshSession / createAccount.
type Session struct {
	DID        string `json:"did"`
	Handle     string `json:"handle"`
	AccessJwt  string `json:"accessJwt"`
	RefreshJwt string `json:"refreshJwt"`
}

// RecordResponse is a single record as returned by getRecord/listRecords.
// Value stays raw; callers decode it into the lexicon type the collection
// implies.
type RecordResponse struct {
	URI   string          `json:"uri"`
	CID   string          `json:"cid"`
	Value json.RawMessage `json:"value"`
}

// ListRecordsResponse is the response of com.atproto.repo.listRecords.
type ListRecordsResponse struct {
	Records []RecordResponse `json:"records"`
	Cursor  string           `json:"cursor,omitempty"`
}

// CreateRecordResponse is the response of com.atproto.repo.createRecord.
type CreateRecordResponse struct {
	URI string `json:"uri"`
	CID string `json:"cid"`
}

// Account is the response of com.atproto.repo.describeRepo.
type Account struct {
	DID         string   `json:"did"`
	Handle      string   `json:"handle"`
	Collections []string `json:"collections,omitempty"`
}

// Profile is an app.bsky.actor.getProfile view.
type Profile struct {
	DID         string `json:"did"`
	Handle      string `json:"handle"`
	DisplayName string `json:"displayName,omitempty"`
	Description string `json:"description,omitempty"`
	Avatar      string `json:"avatar,omitempty"`
}

// ─── Lexicon record types ─────────────────────────────────────────────────────

// BlobRef is a content-addressed pointer to binary data stored on the PDS.
type BlobRef struct {
	Type     string  `json:"$type"`
	Ref      CIDLink `json:"ref"`
	MimeType string  `json:"mimeType"`
	Size     int64   `json:"size"`
}

// CIDLink is the DAG-JSON encoding of a CID.
type CIDLink struct {
	Link string `json:"$link"`
}

// FeedPost is an app.bsky.feed.post record.
type FeedPost struct {
	Type      string    `json:"$type"`
	Text      string    `json:"text"`
	CreatedAt string    `json:"createdAt"`
	Langs     []string  `json:"langs,omitempty"`
	Facets    []Facet   `json:"facets,omitempty"`
	Reply     *ReplyRef `json:"reply,omitempty"`
	Embed     *Embed    `json:"embed,omitempty"`
}

// Facet is a byte-offset-indexed rich-text annotation.
type Facet struct {
	Index    ByteSlice      `json:"index"`
	Features []FacetFeature `json:"features"`
}

// ByteSlice addresses a UTF-8 byte range [ByteStart, ByteEnd) of post text.
type ByteSlice struct {
	ByteStart int `json:"byteStart"`
	ByteEnd   int `json:"byteEnd"`
}

// FacetFeature is one annotation inside a facet. Type selects which of the
// optional fields is meaningful.
type FacetFeature struct {
	Type string `json:"$type"`
	URI  string `json:"uri,omitempty"` // app.bsky.richtext.facet#link
	DID  string `json:"did,omitempty"` // app.bsky.richtext.facet#mention
	Tag  string `json:"tag,omitempty"` // app.bsky.richtext.facet#tag
}

const (
	FacetLink    = "app.bsky.richtext.facet#link"
	FacetMention = "app.bsky.richtext.facet#mention"
	FacetTag     = "app.bsky.richtext.facet#tag"
)

// StrongRef is a com.atproto.repo.strongRef.
type StrongRef struct {
	URI string `json:"uri"`
	CID string `json:"cid"`
}

// ReplyRef threads a post under a parent and the thread root.
type ReplyRef struct {
	Root   StrongRef `json:"root"`
	Parent StrongRef `json:"parent"`
}

// Embed is the union of post embeds the bridge understands. Type selects
// which member is set; unknown embed types decode with all members nil and
// are passed through untouched.
type Embed struct {
	Type   string       `json:"$type"`
	Images []EmbedImage `json:"images,omitempty"` // app.bsky.embed.images
	Video  *BlobRef     `json:"video,omitempty"`  // app.bsky.embed.video
	Alt    string       `json:"alt,omitempty"`    // video alt text
}

// EmbedImage is one image inside app.bsky.embed.images.
type EmbedImage struct {
	Alt         string       `json:"alt"`
	Image       BlobRef      `json:"image"`
	AspectRatio *AspectRatio `json:"aspectRatio,omitempty"`
}

// AspectRatio hints image dimensions to clients.
type AspectRatio struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

const (
	EmbedImagesType = "app.bsky.embed.images"
	EmbedVideoType  = "app.bsky.embed.video"
)

// CollectionPost is the collection NSID the post converter is registered under.
const CollectionPost = "app.bsky.feed.post"

// GraphFollow is an app.bsky.graph.follow record.
type GraphFollow struct {
	Type      string `json:"$type"`
	Subject   string `json:"subject"`
	CreatedAt string `json:"createdAt"`
}

// CollectionFollow is the NSID of graph follow records.
const CollectionFollow = "app.bsky.graph.follow"
