package ap

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aviary-bridge/aviary/internal/db"
)

type sentActivity struct {
	identifier string
	targets    []Target
	activity   *Activity
}

type fakeSender struct {
	sent []sentActivity
}

func (f *fakeSender) SendTo(_ context.Context, identifier string, targets []Target, activity *Activity) error {
	f.sent = append(f.sent, sentActivity{identifier, targets, activity})
	return nil
}

func (f *fakeSender) SendToFollowers(_ context.Context, identifier string, activity *Activity) error {
	f.sent = append(f.sent, sentActivity{identifier: identifier, activity: activity})
	return nil
}

type fakeIngester struct {
	actors []*Actor
	notes  []*Note
}

func (f *fakeIngester) IngestReply(_ context.Context, actor *Actor, note *Note) error {
	f.actors = append(f.actors, actor)
	f.notes = append(f.notes, note)
	return nil
}

func newTestHandler(t *testing.T) (*Handler, *fakeSender, *fakeIngester, *db.Store) {
	t.Helper()
	store, err := db.Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, store.Migrate())
	t.Cleanup(func() { store.Close() })

	sender := &fakeSender{}
	ingester := &fakeIngester{}
	h := &Handler{
		Store:    store,
		Fed:      &FedContext{BaseURL: "https://local", Hostname: "local"},
		Sender:   sender,
		Ingester: ingester,
		fetchActor: func(_ context.Context, url string) (*Actor, error) {
			return &Actor{
				ID:                url,
				Type:              "Person",
				PreferredUsername: "bob",
				Inbox:             url + "/inbox",
			}, nil
		},
	}
	return h, sender, ingester, store
}

const followJSON = `{
	"id": "https://m.example/act/1",
	"type": "Follow",
	"actor": "https://m.example/users/a",
	"object": "https://local/users/did:plc:alice"
}`

func TestFollowPersistsAndAccepts(t *testing.T) {
	h, sender, _, store := newTestHandler(t)

	require.NoError(t, h.HandleActivity(context.Background(), []byte(followJSON)))

	page, err := store.GetFollows("did:plc:alice", "", 10)
	require.NoError(t, err)
	require.Len(t, page.Follows, 1)
	assert.Equal(t, "https://m.example/users/a", page.Follows[0].ActorURI)
	assert.Equal(t, "https://m.example/users/a/inbox", page.Follows[0].ActorInbox)

	require.Len(t, sender.sent, 1)
	accept := sender.sent[0]
	assert.Equal(t, "did:plc:alice", accept.identifier)
	assert.Equal(t, "Accept", accept.activity.Type)
	assert.Equal(t, "https://local/users/did:plc:alice", accept.activity.Actor)
	embedded, ok := accept.activity.Object.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "https://m.example/act/1", embedded["id"])
	require.Len(t, accept.targets, 1)
	assert.Equal(t, "https://m.example/users/a", accept.targets[0].ID)
}

func TestFollowIsIdempotentByActivityID(t *testing.T) {
	h, _, _, store := newTestHandler(t)

	require.NoError(t, h.HandleActivity(context.Background(), []byte(followJSON)))
	require.NoError(t, h.HandleActivity(context.Background(), []byte(followJSON)))

	n, err := store.GetFollowsCount("did:plc:alice")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestFollowOfForeignObjectIsDropped(t *testing.T) {
	h, sender, _, store := newTestHandler(t)

	body := `{"id":"https://m.example/act/2","type":"Follow","actor":"https://m.example/users/a","object":"https://other.example/users/x"}`
	require.NoError(t, h.HandleActivity(context.Background(), []byte(body)))

	n, err := store.GetFollowsCount("did:plc:alice")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Empty(t, sender.sent)
}

func TestUndoFollowRemovesFollow(t *testing.T) {
	h, _, _, store := newTestHandler(t)
	require.NoError(t, h.HandleActivity(context.Background(), []byte(followJSON)))

	undo := `{
		"id": "https://m.example/act/3",
		"type": "Undo",
		"actor": "https://m.example/users/a",
		"object": ` + followJSON + `
	}`
	require.NoError(t, h.HandleActivity(context.Background(), []byte(undo)))

	n, err := store.GetFollowsCount("did:plc:alice")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestUndoOfNonFollowIsIgnored(t *testing.T) {
	h, _, _, store := newTestHandler(t)
	require.NoError(t, h.HandleActivity(context.Background(), []byte(followJSON)))

	undo := `{
		"id": "https://m.example/act/4",
		"type": "Undo",
		"actor": "https://m.example/users/a",
		"object": {"id":"https://m.example/likes/9","type":"Like","actor":"https://m.example/users/a","object":"https://local/users/did:plc:alice"}
	}`
	require.NoError(t, h.HandleActivity(context.Background(), []byte(undo)))

	n, err := store.GetFollowsCount("did:plc:alice")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCreateReplyToLocalPostIsIngested(t *testing.T) {
	h, _, ingester, _ := newTestHandler(t)

	body := `{
		"id": "https://m.example/act/5",
		"type": "Create",
		"actor": "https://m.example/users/a",
		"object": {
			"id": "https://m.example/notes/1",
			"type": "Note",
			"attributedTo": "https://m.example/users/a",
			"content": "<p>Hi!</p>",
			"inReplyTo": "https://local/posts/at://did:plc:alice/app.bsky.feed.post/abc"
		}
	}`
	require.NoError(t, h.HandleActivity(context.Background(), []byte(body)))

	require.Len(t, ingester.notes, 1)
	assert.Equal(t, "<p>Hi!</p>", ingester.notes[0].Content)
	assert.Equal(t, "bob", ingester.actors[0].PreferredUsername)
}

func TestCreateNotReplyingLocallyIsDropped(t *testing.T) {
	h, _, ingester, _ := newTestHandler(t)

	body := `{
		"id": "https://m.example/act/6",
		"type": "Create",
		"actor": "https://m.example/users/a",
		"object": {
			"id": "https://m.example/notes/2",
			"type": "Note",
			"content": "<p>standalone</p>"
		}
	}`
	require.NoError(t, h.HandleActivity(context.Background(), []byte(body)))
	assert.Empty(t, ingester.notes)
}

func TestUnknownActivityTypeIsIgnored(t *testing.T) {
	h, sender, _, _ := newTestHandler(t)
	body := `{"id":"https://m.example/act/7","type":"Announce","actor":"https://m.example/users/a","object":"https://x"}`
	require.NoError(t, h.HandleActivity(context.Background(), []byte(body)))
	assert.Empty(t, sender.sent)
}
