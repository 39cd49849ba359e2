package firehose

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bluesky-social/indigo/api/atproto"
	"github.com/bluesky-social/indigo/events"
	lexutil "github.com/bluesky-social/indigo/lex/util"
	"github.com/gorilla/websocket"
	cbornode "github.com/ipfs/go-ipld-cbor"
	mh "github.com/multiformats/go-multihash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aviary-bridge/aviary/internal/ap"
	"github.com/aviary-bridge/aviary/internal/convert"
	"github.com/aviary-bridge/aviary/internal/db"
	"github.com/aviary-bridge/aviary/internal/pds"
)

type sentActivity struct {
	identifier string
	activity   *ap.Activity
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentActivity
}

func (f *fakeSender) SendTo(ctx context.Context, identifier string, targets []ap.Target, activity *ap.Activity) error {
	return nil
}

func (f *fakeSender) SendToFollowers(ctx context.Context, identifier string, activity *ap.Activity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentActivity{identifier: identifier, activity: activity})
	return nil
}

func (f *fakeSender) all() []sentActivity {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentActivity(nil), f.sent...)
}

type fakeFetcher struct {
	mu      sync.Mutex
	records map[string]*pds.RecordResponse
	calls   int
}

func (f *fakeFetcher) GetRecord(ctx context.Context, repo, collection, rkey string) (*pds.RecordResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.records[repo+"/"+collection+"/"+rkey], nil
}

// stubConverter emits a fixed Create activity for any fetched record.
type stubConverter struct{}

func (stubConverter) Collection() string { return pds.CollectionPost }

func (stubConverter) ToActivityPub(ctx context.Context, identifier string, rec *pds.RecordResponse) (*convert.APResult, error) {
	return &convert.APResult{
		Activity: &ap.Activity{
			ID:    rec.URI + "#activity",
			Type:  "Create",
			Actor: identifier,
		},
	}, nil
}

func (stubConverter) ToRecord(ctx context.Context, identifier string, note *ap.Note, opts convert.RecordOpts) (*convert.RecordResult, error) {
	return nil, nil
}

func newTestProcessor(t *testing.T) (*Processor, *fakeSender, *fakeFetcher, *db.Store) {
	t.Helper()
	store, err := db.Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, store.Migrate())
	t.Cleanup(func() { store.Close() })

	sender := &fakeSender{}
	fetcher := &fakeFetcher{records: map[string]*pds.RecordResponse{}}
	p := &Processor{
		Store:        store,
		Registry:     convert.NewRegistry(stubConverter{}),
		Sender:       sender,
		Fed:          &ap.FedContext{BaseURL: "https://local", Hostname: "local"},
		Records:      fetcher,
		BridgeDIDs:   func() []string { return []string{"did:plc:bridge"} },
		MonitorPosts: true,
	}
	return p, sender, fetcher, store
}

func encodeCommitFrame(t *testing.T, seq int64, repo string, ops []*atproto.SyncSubscribeRepos_RepoOp) []byte {
	t.Helper()
	nd, err := cbornode.WrapObject(map[string]interface{}{"seq": seq}, mh.SHA2_256, -1)
	require.NoError(t, err)

	commit := &atproto.SyncSubscribeRepos_Commit{
		Seq:    seq,
		Repo:   repo,
		Rev:    "3mabc",
		Commit: lexutil.LexLink(nd.Cid()),
		Blocks: []byte{},
		Ops:    ops,
		Time:   "2026-08-26T12:00:00Z",
	}

	var buf bytes.Buffer
	header := events.EventHeader{Op: events.EvtKindMessage, MsgType: "#commit"}
	require.NoError(t, header.MarshalCBOR(&buf))
	require.NoError(t, commit.MarshalCBOR(&buf))
	return buf.Bytes()
}

func TestCreateOpFederatesAndEnrollsPost(t *testing.T) {
	p, sender, fetcher, store := newTestProcessor(t)

	uri := "at://did:plc:alice/app.bsky.feed.post/3kabc"
	fetcher.records["did:plc:alice/app.bsky.feed.post/3kabc"] = &pds.RecordResponse{URI: uri, CID: "bafyrec"}

	frame := encodeCommitFrame(t, 42, "did:plc:alice", []*atproto.SyncSubscribeRepos_RepoOp{
		{Action: "create", Path: "app.bsky.feed.post/3kabc"},
	})
	require.NoError(t, p.handleMessage(context.Background(), frame))

	sent := sender.all()
	require.Len(t, sent, 1)
	assert.Equal(t, "did:plc:alice", sent[0].identifier)
	assert.Equal(t, "Create", sent[0].activity.Type)
	assert.Equal(t, uri+"#activity", sent[0].activity.ID)
	assert.Equal(t, int64(42), p.cursor.Load())

	posts, err := store.GetMonitoredPostsBatch(10)
	require.NoError(t, err)
	require.Len(t, posts, 1)
	assert.Equal(t, uri, posts[0].ATURI)
}

func TestBridgeRepoCommitIgnored(t *testing.T) {
	p, sender, fetcher, _ := newTestProcessor(t)

	frame := encodeCommitFrame(t, 7, "did:plc:bridge", []*atproto.SyncSubscribeRepos_RepoOp{
		{Action: "create", Path: "app.bsky.feed.post/3kabc"},
	})
	require.NoError(t, p.handleMessage(context.Background(), frame))

	assert.Empty(t, sender.all())
	assert.Zero(t, fetcher.calls)
	assert.Equal(t, int64(7), p.cursor.Load())
}

func TestUpdateOpFetchesNothing(t *testing.T) {
	p, sender, fetcher, _ := newTestProcessor(t)

	frame := encodeCommitFrame(t, 8, "did:plc:alice", []*atproto.SyncSubscribeRepos_RepoOp{
		{Action: "update", Path: "app.bsky.feed.post/3kabc"},
	})
	require.NoError(t, p.handleMessage(context.Background(), frame))

	assert.Empty(t, sender.all())
	assert.Zero(t, fetcher.calls)
}

func TestDeleteOpSynthesizesDelete(t *testing.T) {
	p, sender, fetcher, store := newTestProcessor(t)

	uri := "at://did:plc:alice/app.bsky.feed.post/3kabc"
	require.NoError(t, store.CreateMonitoredPost(uri, "did:plc:alice"))
	require.NoError(t, store.CreatePostMapping(uri, "https://m.example/notes/1"))

	frame := encodeCommitFrame(t, 9, "did:plc:alice", []*atproto.SyncSubscribeRepos_RepoOp{
		{Action: "delete", Path: "app.bsky.feed.post/3kabc"},
	})
	require.NoError(t, p.handleMessage(context.Background(), frame))

	sent := sender.all()
	require.Len(t, sent, 1)
	act := sent[0].activity
	assert.Equal(t, "Delete", act.Type)
	assert.Equal(t, "https://local/users/did:plc:alice", act.Actor)
	assert.Equal(t, "https://local/posts/"+uri, act.Object)
	assert.True(t, strings.HasPrefix(act.ID, "https://local/posts/"+uri+"#delete-"))
	assert.Equal(t, []string{ap.PublicURI}, act.To)
	assert.Equal(t, []string{"https://local/users/did:plc:alice/followers"}, act.CC)
	assert.Zero(t, fetcher.calls)

	posts, err := store.GetMonitoredPostsBatch(10)
	require.NoError(t, err)
	assert.Empty(t, posts)
	mapping, err := store.GetPostMappingByATURI(uri)
	require.NoError(t, err)
	assert.Nil(t, mapping)
}

func TestUnregisteredCollectionSkipped(t *testing.T) {
	p, sender, fetcher, _ := newTestProcessor(t)

	frame := encodeCommitFrame(t, 10, "did:plc:alice", []*atproto.SyncSubscribeRepos_RepoOp{
		{Action: "create", Path: "app.bsky.feed.like/3kabc"},
	})
	require.NoError(t, p.handleMessage(context.Background(), frame))

	assert.Empty(t, sender.all())
	assert.Zero(t, fetcher.calls)
}

func TestNonCommitMessageIgnored(t *testing.T) {
	p, sender, _, _ := newTestProcessor(t)

	var buf bytes.Buffer
	header := events.EventHeader{Op: events.EvtKindMessage, MsgType: "#identity"}
	require.NoError(t, header.MarshalCBOR(&buf))

	require.NoError(t, p.handleMessage(context.Background(), buf.Bytes()))
	assert.Empty(t, sender.all())
}

func TestConsumeReleasesWatcherOnDisconnect(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.Close()
	}))
	t.Cleanup(srv.Close)

	p, _, _, _ := newTestProcessor(t)
	p.URL = func(int64) string { return "ws" + strings.TrimPrefix(srv.URL, "http") }

	before := runtime.NumGoroutine()
	for i := 0; i < 10; i++ {
		require.Error(t, p.consume(context.Background()))
	}

	// Each connection's watcher must unwind once consume returns; without a
	// per-connection cancel they pile up, one per reconnect.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && runtime.NumGoroutine() > before+3 {
		time.Sleep(10 * time.Millisecond)
	}
	assert.LessOrEqual(t, runtime.NumGoroutine(), before+3)
}

func TestMissingRecordSkipped(t *testing.T) {
	p, sender, _, _ := newTestProcessor(t)

	frame := encodeCommitFrame(t, 11, "did:plc:alice", []*atproto.SyncSubscribeRepos_RepoOp{
		{Action: "create", Path: "app.bsky.feed.post/3gone"},
	})
	require.NoError(t, p.handleMessage(context.Background(), frame))
	assert.Empty(t, sender.all())
}
