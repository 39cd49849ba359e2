// Package constellation polls a backlink index for Bluesky-network replies
// to monitored posts and republishes them through the bridge actor.
package constellation

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/aviary-bridge/aviary/internal/ap"
	"github.com/aviary-bridge/aviary/internal/db"
	"github.com/aviary-bridge/aviary/internal/pds"
)

const (
	batchSize    = 50
	replySource  = "app.bsky.feed.post:reply.parent.uri"
	replyLimit   = 100
	fetchTimeout = 30 * time.Second
)

// BridgeActor is the bridge identity replies are attributed to. Satisfied by
// *bridge.Manager.
type BridgeActor interface {
	IsAvailable() bool
	DID() string
}

// AccountChecker reports whether a DID is hosted on the local PDS. Satisfied
// by *pds.Client.
type AccountChecker interface {
	GetAccount(ctx context.Context, did string) (*pds.Account, error)
}

// RecordSource reads public records and profiles, typically an AppView.
// Satisfied by *pds.Client.
type RecordSource interface {
	GetRecord(ctx context.Context, repo, collection, rkey string) (*pds.RecordResponse, error)
	GetProfile(ctx context.Context, actor string) (*pds.Profile, error)
}

// backlinksResponse is the getBacklinks wire shape.
type backlinksResponse struct {
	Total   int64            `json:"total"`
	Records []backlinkRecord `json:"records"`
	Cursor  string           `json:"cursor,omitempty"`
}

type backlinkRecord struct {
	DID        string `json:"did"`
	Collection string `json:"collection"`
	Rkey       string `json:"rkey"`
}

// Poller drives the external-reply discovery loop.
type Poller struct {
	// URL is the backlink service base URL.
	URL      string
	Interval time.Duration

	Store   *db.Store
	Fed     *ap.FedContext
	Sender  ap.Sender
	Actor   BridgeActor
	Local   AccountChecker
	AppView RecordSource
	// BridgeDIDs lists all bridge identities; their replies are never
	// re-imported.
	BridgeDIDs func() []string

	HTTP *http.Client

	running atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// Start launches the polling loop. Idempotent while running.
func (p *Poller) Start(ctx context.Context) {
	if !p.running.CompareAndSwap(false, true) {
		return
	}
	if p.HTTP == nil {
		p.HTTP = &http.Client{Timeout: fetchTimeout}
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	go p.run(ctx)
}

// Stop halts the loop and waits for it to exit. Idempotent.
func (p *Poller) Stop() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	p.cancel()
	<-p.done
}

func (p *Poller) run(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.pollOnce(ctx)
		}
	}
}

// pollOnce processes one batch of monitored posts.
func (p *Poller) pollOnce(ctx context.Context) {
	if !p.Actor.IsAvailable() {
		return
	}

	posts, err := p.Store.GetMonitoredPostsBatch(batchSize)
	if err != nil {
		slog.Error("load monitored posts failed", "err", err)
		return
	}

	for _, post := range posts {
		if err := p.checkPost(ctx, post); err != nil {
			slog.Warn("backlink check failed", "uri", post.ATURI, "err", err)
		}
		// Advance the queue position even on failure so one broken post
		// cannot starve the rest.
		if err := p.Store.UpdateMonitoredPostLastChecked(post.ATURI); err != nil {
			slog.Error("update lastChecked failed", "uri", post.ATURI, "err", err)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// checkPost fetches backlinks for one post and imports each new reply.
func (p *Poller) checkPost(ctx context.Context, post db.MonitoredPost) error {
	links, err := p.getBacklinks(ctx, post.ATURI)
	if err != nil {
		return err
	}

	for _, rec := range links.Records {
		if err := p.importReply(ctx, post, rec); err != nil {
			slog.Warn("import reply failed",
				"parent", post.ATURI,
				"author", rec.DID,
				"rkey", rec.Rkey,
				"err", err,
			)
		}
	}
	return nil
}

func (p *Poller) getBacklinks(ctx context.Context, subject string) (*backlinksResponse, error) {
	q := url.Values{}
	q.Set("subject", subject)
	q.Set("source", replySource)
	q.Set("limit", fmt.Sprintf("%d", replyLimit))

	reqURL := p.URL + "/xrpc/blue.microcosm.links.getBacklinks?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("getBacklinks: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("getBacklinks: status %d: %s", resp.StatusCode, body)
	}

	var out backlinksResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("getBacklinks: decode: %w", err)
	}
	return &out, nil
}

// importReply republishes one discovered reply unless it was already seen or
// originates from an account federation already covers.
func (p *Poller) importReply(ctx context.Context, post db.MonitoredPost, rec backlinkRecord) error {
	atURI := fmt.Sprintf("at://%s/%s/%s", rec.DID, rec.Collection, rec.Rkey)

	seen, err := p.Store.GetExternalReply(atURI)
	if err != nil {
		return err
	}
	if seen != nil {
		return nil
	}

	// Bridge repos would echo remote replies back into the network.
	if p.BridgeDIDs != nil {
		for _, did := range p.BridgeDIDs() {
			if did == rec.DID {
				return nil
			}
		}
	}

	// Local authors already federate through the firehose.
	acct, err := p.Local.GetAccount(ctx, rec.DID)
	if err != nil {
		return fmt.Errorf("check local account: %w", err)
	}
	if acct != nil {
		return nil
	}

	record, err := p.AppView.GetRecord(ctx, rec.DID, rec.Collection, rec.Rkey)
	if err != nil {
		return fmt.Errorf("fetch reply record: %w", err)
	}
	if record == nil {
		return nil
	}

	var feedPost pds.FeedPost
	if err := json.Unmarshal(record.Value, &feedPost); err != nil {
		return fmt.Errorf("decode reply record: %w", err)
	}

	handle := rec.DID
	if profile, err := p.AppView.GetProfile(ctx, rec.DID); err != nil {
		slog.Warn("fetch reply profile failed", "did", rec.DID, "err", err)
	} else if profile != nil && profile.Handle != "" {
		handle = profile.Handle
	}

	note := p.buildNote(post, atURI, rec.DID, handle, &feedPost)
	activity := &ap.Activity{
		ID:        note.ID + "#activity",
		Type:      "Create",
		Actor:     note.AttributedTo,
		Object:    note,
		To:        []string{ap.PublicURI},
		CC:        []string{p.Fed.FollowersURI(post.AuthorDID)},
		Published: note.Published,
	}
	if err := p.Sender.SendToFollowers(ctx, post.AuthorDID, activity); err != nil {
		return fmt.Errorf("federate reply: %w", err)
	}

	return p.Store.CreateExternalReply(db.ExternalReply{
		ATURI:       atURI,
		ParentATURI: post.ATURI,
		AuthorDID:   rec.DID,
		APNoteID:    note.ID,
	})
}

func (p *Poller) buildNote(post db.MonitoredPost, atURI, did, handle string, feedPost *pds.FeedPost) *ap.Note {
	content := fmt.Sprintf(
		`<p><a href="https://bsky.app/profile/%s">@%s</a> replied:</p><p>%s</p>`,
		did,
		html.EscapeString(handle),
		html.EscapeString(feedPost.Text),
	)

	published := feedPost.CreatedAt
	if published == "" {
		published = time.Now().UTC().Format(time.RFC3339)
	}

	return &ap.Note{
		ID:           p.Fed.ObjectURI(atURI),
		Type:         "Note",
		AttributedTo: p.Fed.ActorURI(p.Actor.DID()),
		Content:      content,
		Published:    published,
		InReplyTo:    p.Fed.ObjectURI(post.ATURI),
		URL:          fmt.Sprintf("https://bsky.app/profile/%s/post/%s", did, rkeyOf(atURI)),
		To:           ap.StringOrArray{ap.PublicURI},
		CC:           ap.StringOrArray{p.Fed.FollowersURI(post.AuthorDID)},
	}
}

func rkeyOf(atURI string) string {
	for i := len(atURI) - 1; i >= 0; i-- {
		if atURI[i] == '/' {
			return atURI[i+1:]
		}
	}
	return atURI
}
