package constellation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aviary-bridge/aviary/internal/ap"
	"github.com/aviary-bridge/aviary/internal/db"
	"github.com/aviary-bridge/aviary/internal/pds"
)

type fakeBridge struct {
	available bool
	did       string
}

func (f *fakeBridge) IsAvailable() bool { return f.available }
func (f *fakeBridge) DID() string       { return f.did }

type fakeLocal struct {
	dids map[string]bool
}

func (f *fakeLocal) GetAccount(ctx context.Context, did string) (*pds.Account, error) {
	if f.dids[did] {
		return &pds.Account{DID: did}, nil
	}
	return nil, nil
}

type fakeSource struct {
	records  map[string]*pds.RecordResponse
	profiles map[string]*pds.Profile
}

func (f *fakeSource) GetRecord(ctx context.Context, repo, collection, rkey string) (*pds.RecordResponse, error) {
	return f.records[repo+"/"+collection+"/"+rkey], nil
}

func (f *fakeSource) GetProfile(ctx context.Context, actor string) (*pds.Profile, error) {
	return f.profiles[actor], nil
}

type fakeSender struct {
	mu   sync.Mutex
	sent []*ap.Activity
	to   []string
}

func (f *fakeSender) SendTo(ctx context.Context, identifier string, targets []ap.Target, activity *ap.Activity) error {
	return nil
}

func (f *fakeSender) SendToFollowers(ctx context.Context, identifier string, activity *ap.Activity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, activity)
	f.to = append(f.to, identifier)
	return nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func postText(text string) json.RawMessage {
	raw, _ := json.Marshal(pds.FeedPost{
		Type:      pds.CollectionPost,
		Text:      text,
		CreatedAt: "2026-08-26T10:00:00Z",
	})
	return raw
}

func newTestPoller(t *testing.T, records []backlinkRecord) (*Poller, *fakeSender, *db.Store) {
	t.Helper()
	store, err := db.Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, store.Migrate())
	t.Cleanup(func() { store.Close() })

	backlinks := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/xrpc/blue.microcosm.links.getBacklinks", r.URL.Path)
		require.Equal(t, replySource, r.URL.Query().Get("source"))
		json.NewEncoder(w).Encode(backlinksResponse{
			Total:   int64(len(records)),
			Records: records,
		})
	}))
	t.Cleanup(backlinks.Close)

	sender := &fakeSender{}
	p := &Poller{
		URL:      backlinks.URL,
		Interval: time.Minute,
		Store:    store,
		Fed:      &ap.FedContext{BaseURL: "https://local", Hostname: "local"},
		Sender:   sender,
		Actor:    &fakeBridge{available: true, did: "did:plc:bskybridge"},
		Local:    &fakeLocal{dids: map[string]bool{"did:plc:alice": true}},
		AppView: &fakeSource{
			records: map[string]*pds.RecordResponse{
				"did:plc:ext/app.bsky.feed.post/z": {
					URI:   "at://did:plc:ext/app.bsky.feed.post/z",
					CID:   "bafyreply",
					Value: postText("ok"),
				},
			},
			profiles: map[string]*pds.Profile{
				"did:plc:ext": {DID: "did:plc:ext", Handle: "ext.bsky.social"},
			},
		},
		BridgeDIDs: func() []string { return []string{"did:plc:bskybridge", "did:plc:mastobridge"} },
		HTTP:       http.DefaultClient,
	}
	return p, sender, store
}

func TestPollImportsExternalReply(t *testing.T) {
	p, sender, store := newTestPoller(t, []backlinkRecord{
		{DID: "did:plc:ext", Collection: "app.bsky.feed.post", Rkey: "z"},
	})
	parent := "at://did:plc:alice/app.bsky.feed.post/abc"
	require.NoError(t, store.CreateMonitoredPost(parent, "did:plc:alice"))

	p.pollOnce(context.Background())

	require.Equal(t, 1, sender.count())
	act := sender.sent[0]
	assert.Equal(t, "Create", act.Type)
	assert.Equal(t, "did:plc:alice", sender.to[0])
	assert.Contains(t, act.CC, "https://local/users/did:plc:alice/followers")

	note, ok := act.Object.(*ap.Note)
	require.True(t, ok)
	assert.Contains(t, note.Content, `<a href="https://bsky.app/profile/did:plc:ext">@ext.bsky.social</a> replied:`)
	assert.Contains(t, note.Content, "<p>ok</p>")
	assert.Equal(t, "https://local/users/did:plc:bskybridge", note.AttributedTo)
	assert.Equal(t, "https://local/posts/"+parent, note.InReplyTo)

	row, err := store.GetExternalReply("at://did:plc:ext/app.bsky.feed.post/z")
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, parent, row.ParentATURI)

	posts, err := store.GetMonitoredPostsBatch(10)
	require.NoError(t, err)
	require.Len(t, posts, 1)
	assert.NotNil(t, posts[0].LastChecked)
}

func TestPollSecondRunEmitsNothing(t *testing.T) {
	p, sender, store := newTestPoller(t, []backlinkRecord{
		{DID: "did:plc:ext", Collection: "app.bsky.feed.post", Rkey: "z"},
	})
	require.NoError(t, store.CreateMonitoredPost("at://did:plc:alice/app.bsky.feed.post/abc", "did:plc:alice"))

	p.pollOnce(context.Background())
	p.pollOnce(context.Background())

	assert.Equal(t, 1, sender.count())
}

func TestPollSkipsLocalAuthors(t *testing.T) {
	p, sender, store := newTestPoller(t, []backlinkRecord{
		{DID: "did:plc:alice", Collection: "app.bsky.feed.post", Rkey: "self"},
	})
	require.NoError(t, store.CreateMonitoredPost("at://did:plc:alice/app.bsky.feed.post/abc", "did:plc:alice"))

	p.pollOnce(context.Background())

	assert.Zero(t, sender.count())
}

func TestPollSkipsBridgeAuthors(t *testing.T) {
	p, sender, store := newTestPoller(t, []backlinkRecord{
		{DID: "did:plc:mastobridge", Collection: "app.bsky.feed.post", Rkey: "echo"},
	})
	require.NoError(t, store.CreateMonitoredPost("at://did:plc:alice/app.bsky.feed.post/abc", "did:plc:alice"))

	p.pollOnce(context.Background())

	assert.Zero(t, sender.count())
}

func TestPollIdleWhenBridgeUnavailable(t *testing.T) {
	p, sender, store := newTestPoller(t, []backlinkRecord{
		{DID: "did:plc:ext", Collection: "app.bsky.feed.post", Rkey: "z"},
	})
	require.NoError(t, store.CreateMonitoredPost("at://did:plc:alice/app.bsky.feed.post/abc", "did:plc:alice"))
	p.Actor = &fakeBridge{available: false}

	p.pollOnce(context.Background())

	assert.Zero(t, sender.count())
	posts, err := store.GetMonitoredPostsBatch(10)
	require.NoError(t, err)
	require.Len(t, posts, 1)
	assert.Nil(t, posts[0].LastChecked)
}

func TestPollAdvancesPastFailingPost(t *testing.T) {
	p, sender, store := newTestPoller(t, nil)
	p.URL = "http://127.0.0.1:1" // connection refused
	require.NoError(t, store.CreateMonitoredPost("at://did:plc:alice/app.bsky.feed.post/abc", "did:plc:alice"))

	p.pollOnce(context.Background())

	assert.Zero(t, sender.count())
	posts, err := store.GetMonitoredPostsBatch(10)
	require.NoError(t, err)
	require.Len(t, posts, 1)
	assert.NotNil(t, posts[0].LastChecked)
}
