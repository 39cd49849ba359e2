// Package firehose consumes the PDS repo-commit stream and federates local
// record activity outward.
package firehose

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bluesky-social/indigo/api/atproto"
	"github.com/bluesky-social/indigo/events"
	"github.com/gorilla/websocket"
	"github.com/ipfs/go-cid"

	"github.com/aviary-bridge/aviary/internal/ap"
	"github.com/aviary-bridge/aviary/internal/convert"
	"github.com/aviary-bridge/aviary/internal/db"
	"github.com/aviary-bridge/aviary/internal/pds"
)

// reconnectDelay is the pause before redialing a dropped stream.
const reconnectDelay = 5 * time.Second

// RecordFetcher fetches a record for a firehose op. Satisfied by *pds.Client.
type RecordFetcher interface {
	GetRecord(ctx context.Context, repo, collection, rkey string) (*pds.RecordResponse, error)
}

// Processor subscribes to com.atproto.sync.subscribeRepos and turns commits
// into outbound federation.
type Processor struct {
	// URL builds the subscription URL for a resume cursor; cursor 0 means
	// live tail.
	URL func(cursor int64) string

	Store    *db.Store
	Registry *convert.Registry
	Sender   ap.Sender
	Fed      *ap.FedContext
	Records  RecordFetcher

	// BridgeDIDs lists repos whose commits must never re-federate.
	BridgeDIDs func() []string
	// MonitorPosts enrolls locally created posts in the external-reply queue.
	MonitorPosts bool

	cursor  atomic.Int64
	running atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// Start launches the read loop. Idempotent while running.
func (p *Processor) Start(ctx context.Context, initialCursor int64) {
	if !p.running.CompareAndSwap(false, true) {
		return
	}
	p.cursor.Store(initialCursor)
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	go p.run(ctx)
}

// Stop aborts the connection and waits for the loop to exit. Idempotent.
func (p *Processor) Stop() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	p.cancel()
	<-p.done
}

func (p *Processor) run(ctx context.Context) {
	defer close(p.done)

	for p.running.Load() {
		if err := p.consume(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("firehose disconnected", "err", err)
		}
		if !p.running.Load() {
			return
		}
		select {
		case <-time.After(reconnectDelay):
		case <-ctx.Done():
			return
		}
	}
}

// consume dials the stream and processes messages until the connection drops.
func (p *Processor) consume(ctx context.Context) error {
	// Scope the watcher to this connection so it exits when consume returns,
	// not only when the worker stops.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	url := p.URL(p.cursor.Load())
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}
	defer conn.Close()

	// Unblock ReadMessage when the worker stops.
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	slog.Info("firehose connected", "url", url)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		if err := p.handleMessage(ctx, data); err != nil {
			// One bad message never aborts the stream.
			slog.Error("firehose message failed", "err", err)
		}
	}
}

// handleMessage decodes one two-item CBOR frame and dispatches commits.
func (p *Processor) handleMessage(ctx context.Context, data []byte) error {
	r := bytes.NewReader(data)

	var header events.EventHeader
	if err := header.UnmarshalCBOR(r); err != nil {
		return fmt.Errorf("decode header: %w", err)
	}

	switch header.Op {
	case events.EvtKindErrorFrame:
		slog.Warn("firehose error frame", "type", header.MsgType)
		return nil
	case events.EvtKindMessage:
		if header.MsgType != "#commit" {
			return nil
		}
		var commit atproto.SyncSubscribeRepos_Commit
		if err := commit.UnmarshalCBOR(r); err != nil {
			return fmt.Errorf("decode commit: %w", err)
		}
		return p.processCommit(ctx, &commit)
	default:
		return nil
	}
}

// processCommit federates each op of one repo commit.
func (p *Processor) processCommit(ctx context.Context, commit *atproto.SyncSubscribeRepos_Commit) error {
	p.cursor.Store(commit.Seq)

	// Bridge repos republish remote content; echoing them back would loop.
	if p.BridgeDIDs != nil {
		for _, did := range p.BridgeDIDs() {
			if strings.EqualFold(did, commit.Repo) {
				return nil
			}
		}
	}

	for _, op := range commit.Ops {
		collection, rkey, ok := splitPath(op.Path)
		if !ok {
			continue
		}
		conv, ok := p.Registry.Get(collection)
		if !ok {
			continue
		}

		var opCID string
		if op.Cid != nil {
			opCID = cid.Cid(*op.Cid).String()
		}

		var err error
		switch op.Action {
		case "create":
			err = p.processCreate(ctx, conv, commit.Repo, collection, rkey, opCID)
		case "delete":
			err = p.processDelete(ctx, commit.Repo, collection, rkey)
		default:
			// Updates carry no federated semantic in the current mapping.
		}
		if err != nil {
			slog.Error("firehose op failed",
				"repo", commit.Repo,
				"action", op.Action,
				"path", op.Path,
				"seq", commit.Seq,
				"err", err,
			)
		}
	}
	return nil
}

func (p *Processor) processCreate(ctx context.Context, conv convert.Converter, repo, collection, rkey, opCID string) error {
	rec, err := p.Records.GetRecord(ctx, repo, collection, rkey)
	if err != nil {
		return fmt.Errorf("fetch record: %w", err)
	}
	if rec == nil {
		return nil
	}
	if opCID != "" && rec.CID != opCID {
		// Record changed between the commit and our fetch; federate the
		// version that is live now.
		slog.Debug("record CID moved past commit", "uri", rec.URI, "commit_cid", opCID, "live_cid", rec.CID)
	}

	res, err := conv.ToActivityPub(ctx, repo, rec)
	if err != nil {
		return fmt.Errorf("convert: %w", err)
	}
	if res == nil || res.Activity == nil {
		return nil
	}

	if err := p.Sender.SendToFollowers(ctx, repo, res.Activity); err != nil {
		return fmt.Errorf("federate: %w", err)
	}

	if p.MonitorPosts && collection == pds.CollectionPost {
		if err := p.Store.CreateMonitoredPost(rec.URI, repo); err != nil {
			slog.Warn("enroll monitored post failed", "uri", rec.URI, "err", err)
		}
	}
	return nil
}

func (p *Processor) processDelete(ctx context.Context, repo, collection, rkey string) error {
	atURI := fmt.Sprintf("at://%s/%s/%s", repo, collection, rkey)
	objectURI := p.Fed.ObjectURI(atURI)

	activity := &ap.Activity{
		ID:     fmt.Sprintf("%s#delete-%d", objectURI, time.Now().Unix()),
		Type:   "Delete",
		Actor:  p.Fed.ActorURI(repo),
		Object: objectURI,
		To:     []string{ap.PublicURI},
		CC:     []string{p.Fed.FollowersURI(repo)},
	}
	if err := p.Sender.SendToFollowers(ctx, repo, activity); err != nil {
		return fmt.Errorf("federate delete: %w", err)
	}

	if collection == pds.CollectionPost {
		if err := p.Store.DeleteMonitoredPost(atURI); err != nil {
			slog.Warn("remove monitored post failed", "uri", atURI, "err", err)
		}
		if err := p.Store.DeletePostMapping(atURI); err != nil {
			slog.Warn("remove post mapping failed", "uri", atURI, "err", err)
		}
	}
	return nil
}

// splitPath breaks a commit op path "collection/rkey" apart.
func splitPath(path string) (collection, rkey string, ok bool) {
	collection, rkey, ok = strings.Cut(path, "/")
	if !ok || collection == "" || rkey == "" {
		return "", "", false
	}
	return collection, rkey, true
}
