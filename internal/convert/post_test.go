package convert

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aviary-bridge/aviary/internal/ap"
	"github.com/aviary-bridge/aviary/internal/blobs"
	"github.com/aviary-bridge/aviary/internal/db"
	"github.com/aviary-bridge/aviary/internal/pds"
	"github.com/aviary-bridge/aviary/internal/richtext"
)

func newTestConverter(t *testing.T) (*PostConverter, *db.Store) {
	t.Helper()
	store, err := db.Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, store.Migrate())
	t.Cleanup(func() { store.Close() })

	return &PostConverter{
		Store: store,
		Fed:   &ap.FedContext{BaseURL: "https://bridge.example", Hostname: "bridge.example"},
		PDS:   pds.NewClient("http://localhost:3000"),
		Blobs: blobs.New(true),
	}, store
}

func record(t *testing.T, uri string, post pds.FeedPost) *pds.RecordResponse {
	t.Helper()
	post.Type = pds.CollectionPost
	value, err := json.Marshal(post)
	require.NoError(t, err)
	return &pds.RecordResponse{URI: uri, CID: "bafyrec", Value: value}
}

func TestToActivityPubBasicNote(t *testing.T) {
	c, _ := newTestConverter(t)

	rec := record(t, "at://did:plc:alice/app.bsky.feed.post/abc", pds.FeedPost{
		Text:      "Hello",
		CreatedAt: "2024-01-15T12:00:00Z",
	})
	res, err := c.ToActivityPub(context.Background(), "did:plc:alice", rec)
	require.NoError(t, err)

	note, ok := res.Object.(*ap.Note)
	require.True(t, ok)
	assert.Equal(t, "<p>Hello</p>", note.Content)
	assert.Equal(t, "https://bridge.example/posts/at://did:plc:alice/app.bsky.feed.post/abc", note.ID)
	assert.Equal(t, ap.StringOrArray{ap.PublicURI}, note.To)
	assert.Equal(t, ap.StringOrArray{"https://bridge.example/users/did:plc:alice/followers"}, note.CC)
	assert.Equal(t, "https://bsky.app/profile/did:plc:alice/post/abc", note.URL)
	require.NotNil(t, note.Replies)
	assert.Equal(t, note.ID+"/replies", note.Replies.ID)
	assert.Equal(t, 0, note.Replies.TotalItems)

	require.NotNil(t, res.Activity)
	assert.Equal(t, "Create", res.Activity.Type)
	assert.Equal(t, note.ID+"#activity", res.Activity.ID)
	assert.Equal(t, "https://bsky.app/profile/did:plc:alice/post/abc", res.Activity.URL)
	assert.Equal(t, "2024-01-15T12:00:00Z", res.Activity.Published)
}

func TestToActivityPubLanguageVariants(t *testing.T) {
	c, _ := newTestConverter(t)

	rec := record(t, "at://did:plc:alice/app.bsky.feed.post/abc", pds.FeedPost{
		Text:      "hej",
		CreatedAt: "2024-01-15T12:00:00Z",
		Langs:     []string{"sv"},
	})
	res, err := c.ToActivityPub(context.Background(), "did:plc:alice", rec)
	require.NoError(t, err)

	note := res.Object.(*ap.Note)
	assert.Equal(t, map[string]string{"sv": "<p>hej</p>"}, note.ContentMap)
}

func TestToActivityPubReplyUsesMappedNoteID(t *testing.T) {
	c, store := newTestConverter(t)

	parent := "at://did:plc:bob/app.bsky.feed.post/p1"
	require.NoError(t, store.CreatePostMapping(parent, "https://m.example/notes/99"))

	rec := record(t, "at://did:plc:alice/app.bsky.feed.post/r1", pds.FeedPost{
		Text:      "replying",
		CreatedAt: "2024-01-15T12:00:00Z",
		Reply: &pds.ReplyRef{
			Root:   pds.StrongRef{URI: parent},
			Parent: pds.StrongRef{URI: parent},
		},
	})
	res, err := c.ToActivityPub(context.Background(), "did:plc:alice", rec)
	require.NoError(t, err)

	note := res.Object.(*ap.Note)
	assert.Equal(t, "https://m.example/notes/99", note.InReplyTo)
}

func TestToActivityPubReplyFallsBackToLocalURI(t *testing.T) {
	c, _ := newTestConverter(t)

	parent := "at://did:plc:bob/app.bsky.feed.post/p2"
	rec := record(t, "at://did:plc:alice/app.bsky.feed.post/r2", pds.FeedPost{
		Text:      "replying",
		CreatedAt: "2024-01-15T12:00:00Z",
		Reply: &pds.ReplyRef{
			Root:   pds.StrongRef{URI: parent},
			Parent: pds.StrongRef{URI: parent},
		},
	})
	res, err := c.ToActivityPub(context.Background(), "did:plc:alice", rec)
	require.NoError(t, err)

	note := res.Object.(*ap.Note)
	assert.Equal(t, "https://bridge.example/posts/"+parent, note.InReplyTo)
}

func TestToActivityPubImageAttachments(t *testing.T) {
	c, _ := newTestConverter(t)

	rec := record(t, "at://did:plc:alice/app.bsky.feed.post/img", pds.FeedPost{
		Text:      "look",
		CreatedAt: "2024-01-15T12:00:00Z",
		Embed: &pds.Embed{
			Type: pds.EmbedImagesType,
			Images: []pds.EmbedImage{{
				Alt:         "a cat",
				Image:       pds.BlobRef{Type: "blob", Ref: pds.CIDLink{Link: "bafyimg"}, MimeType: "image/jpeg", Size: 10},
				AspectRatio: &pds.AspectRatio{Width: 640, Height: 480},
			}},
		},
	})
	res, err := c.ToActivityPub(context.Background(), "did:plc:alice", rec)
	require.NoError(t, err)

	note := res.Object.(*ap.Note)
	require.Len(t, note.Attachment, 1)
	att := note.Attachment[0]
	assert.Equal(t, "Document", att.Type)
	assert.Contains(t, att.URL, "com.atproto.sync.getBlob")
	assert.Contains(t, att.URL, "bafyimg")
	assert.Equal(t, "image/jpeg", att.MediaType)
	assert.Equal(t, "a cat", att.Name)
	assert.Equal(t, 640, att.Width)
}

func TestToRecordBasic(t *testing.T) {
	c, _ := newTestConverter(t)

	note := &ap.Note{
		ID:        "https://m.example/notes/1",
		Type:      "Note",
		Content:   "<p>Hello world</p>",
		Published: "2024-01-15T12:00:00Z",
	}
	res, err := c.ToRecord(context.Background(), "did:plc:bridge", note, RecordOpts{})
	require.NoError(t, err)
	require.NotNil(t, res)

	post := res.Value.(*pds.FeedPost)
	assert.Equal(t, "Hello world", post.Text)
	assert.Equal(t, "2024-01-15T12:00:00Z", post.CreatedAt)
	assert.True(t, strings.HasPrefix(res.URI, "at://did:plc:bridge/app.bsky.feed.post/"))
	assert.NotEmpty(t, res.CID)
}

func TestToRecordEmptyNoteReturnsNil(t *testing.T) {
	c, _ := newTestConverter(t)

	res, err := c.ToRecord(context.Background(), "did:plc:bridge", &ap.Note{Type: "Note"}, RecordOpts{})
	require.NoError(t, err)
	assert.Nil(t, res)
}

func TestToRecordTruncatesAt3000Bytes(t *testing.T) {
	c, _ := newTestConverter(t)

	long := strings.Repeat("ä", 2000) // 4000 bytes
	note := &ap.Note{Type: "Note", Content: "<p>" + long + "</p>", Published: "2024-01-15T12:00:00Z"}
	res, err := c.ToRecord(context.Background(), "did:plc:bridge", note, RecordOpts{})
	require.NoError(t, err)
	require.NotNil(t, res)

	post := res.Value.(*pds.FeedPost)
	assert.LessOrEqual(t, len(post.Text), 3000)
	assert.True(t, strings.HasSuffix(post.Text, "..."))
	assert.True(t, utf8.ValidString(post.Text))
}

func TestToRecordRoundTripPlainText(t *testing.T) {
	c, _ := newTestConverter(t)

	original := "plain text with two paragraphs\n\nand a second one"
	rec := record(t, "at://did:plc:alice/app.bsky.feed.post/rt", pds.FeedPost{
		Text:      original,
		CreatedAt: "2024-01-15T12:00:00Z",
	})
	apRes, err := c.ToActivityPub(context.Background(), "did:plc:alice", rec)
	require.NoError(t, err)

	recRes, err := c.ToRecord(context.Background(), "did:plc:bridge", apRes.Object.(*ap.Note), RecordOpts{})
	require.NoError(t, err)
	require.NotNil(t, recRes)
	assert.Equal(t, original, recRes.Value.(*pds.FeedPost).Text)
}

func TestToRecordReplyRef(t *testing.T) {
	c, _ := newTestConverter(t)

	note := &ap.Note{
		Type:      "Note",
		Content:   "<p>Hi!</p>",
		Published: "2024-01-15T12:00:00Z",
		InReplyTo: "https://bridge.example/posts/at://did:plc:alice/app.bsky.feed.post/abc",
	}
	res, err := c.ToRecord(context.Background(), "did:plc:bridge", note, RecordOpts{})
	require.NoError(t, err)

	post := res.Value.(*pds.FeedPost)
	require.NotNil(t, post.Reply)
	assert.Equal(t, "at://did:plc:alice/app.bsky.feed.post/abc", post.Reply.Parent.URI)
	assert.Equal(t, "at://did:plc:alice/app.bsky.feed.post/abc", post.Reply.Root.URI)
}

func TestToRecordPreservesLinkFacets(t *testing.T) {
	c, _ := newTestConverter(t)

	note := &ap.Note{
		Type:      "Note",
		Content:   `<p>Visit <a href="https://x.y">X Y</a>!</p>`,
		Published: "2024-01-15T12:00:00Z",
	}
	res, err := c.ToRecord(context.Background(), "did:plc:bridge", note, RecordOpts{})
	require.NoError(t, err)

	post := res.Value.(*pds.FeedPost)
	require.Len(t, post.Facets, 1)
	assert.Equal(t, pds.ByteSlice{ByteStart: 6, ByteEnd: 9}, post.Facets[0].Index)
	assert.Equal(t, "https://x.y", post.Facets[0].Features[0].URI)
}

func TestRegistryDispatch(t *testing.T) {
	c, _ := newTestConverter(t)
	reg := NewRegistry(c)

	got, ok := reg.Get(pds.CollectionPost)
	require.True(t, ok)
	assert.Same(t, c, got.(*PostConverter))

	_, ok = reg.Get("app.bsky.graph.follow")
	assert.False(t, ok)
	assert.Equal(t, []string{pds.CollectionPost}, reg.Collections())
}

func TestTruncateIsNoOpForShortText(t *testing.T) {
	assert.Equal(t, "short", truncateUTF8("short", maxPostBytes))
	exact := strings.Repeat("x", maxPostBytes)
	assert.Equal(t, exact, truncateUTF8(exact, maxPostBytes))
}

// Guard the contract the round-trip test relies on.
func TestToHTMLParseAgree(t *testing.T) {
	p, err := richtext.Parse(richtext.ToHTML("a\n\nb"), "")
	require.NoError(t, err)
	assert.Equal(t, "a\n\nb", p.Text)
}
