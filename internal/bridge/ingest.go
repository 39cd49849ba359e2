package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"log/slog"
	"net/url"

	"github.com/aviary-bridge/aviary/internal/ap"
	"github.com/aviary-bridge/aviary/internal/convert"
	"github.com/aviary-bridge/aviary/internal/db"
	"github.com/aviary-bridge/aviary/internal/pds"
)

// Ingester writes inbound Fediverse replies into the Mastodon bridge
// account's repo. Implements the inbox handler's ReplyIngester.
type Ingester struct {
	Bridge   *Manager
	Registry *convert.Registry
	Store    *db.Store
	Fed      *ap.FedContext
	PDS      *pds.Client
}

var _ ap.ReplyIngester = (*Ingester)(nil)

// IngestReply converts a reply Note into a post record on the bridge repo,
// prefixed with the remote author's fediverse address, threaded under the
// referenced local post.
func (i *Ingester) IngestReply(ctx context.Context, actor *ap.Actor, note *ap.Note) error {
	if !i.Bridge.IsAvailable() {
		return ErrUnavailable
	}

	parentURI, ok := i.Fed.ParseObjectURI(note.InReplyTo)
	if !ok {
		return fmt.Errorf("reply target %q is not a local post", note.InReplyTo)
	}

	conv, ok := i.Registry.Get(pds.CollectionPost)
	if !ok {
		return fmt.Errorf("no post converter registered")
	}

	// Prefix the content so readers on the AT side see who replied.
	prefixed := *note
	prefixed.Content = fmt.Sprintf("<p>%s replied:</p>", fediverseAddress(actor)) + note.Content
	if len(note.ContentMap) > 0 {
		prefixed.ContentMap = make(map[string]string, len(note.ContentMap))
		for lang, html := range note.ContentMap {
			prefixed.ContentMap[lang] = fmt.Sprintf("<p>%s replied:</p>", fediverseAddress(actor)) + html
		}
	}

	res, err := conv.ToRecord(ctx, i.Bridge.DID(), &prefixed, convert.RecordOpts{Uploader: i.Bridge})
	if err != nil {
		return fmt.Errorf("convert reply: %w", err)
	}
	if res == nil {
		slog.Debug("reply converted to nothing, dropping", "note", note.ID)
		return nil
	}

	post, ok := res.Value.(*pds.FeedPost)
	if !ok {
		return fmt.Errorf("unexpected record type %T", res.Value)
	}
	post.Reply, err = i.replyRef(ctx, parentURI)
	if err != nil {
		return fmt.Errorf("resolve reply thread: %w", err)
	}

	created, err := i.Bridge.CreateRecord(ctx, pds.CollectionPost, post)
	if err != nil {
		return fmt.Errorf("create reply record: %w", err)
	}

	// Map the new record back to the original note id so further replies
	// thread against the remote note, not our mirror.
	if err := i.Store.CreatePostMapping(created.URI, note.ID); err != nil {
		return fmt.Errorf("persist post mapping: %w", err)
	}

	slog.Info("bridged reply", "note", note.ID, "record", created.URI, "parent", parentURI)
	return nil
}

// replyRef builds the reply ref for a parent AT-URI: the root is the
// parent's own root when the parent is itself a reply, else the parent.
func (i *Ingester) replyRef(ctx context.Context, parentURI string) (*pds.ReplyRef, error) {
	did, collection, rkey, err := ap.ParseATURI(parentURI)
	if err != nil {
		return nil, err
	}

	rec, err := i.PDS.GetRecord(ctx, did, collection, rkey)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		// Parent deleted between delivery and ingest. A strong ref needs the
		// parent's CID, so the mirror posts unthreaded.
		slog.Warn("reply parent record missing, posting unthreaded", "parent", parentURI)
		return nil, nil
	}

	parentRef := pds.StrongRef{URI: parentURI, CID: rec.CID}
	rootRef := parentRef
	var parentPost pds.FeedPost
	if err := json.Unmarshal(rec.Value, &parentPost); err == nil &&
		parentPost.Reply != nil && parentPost.Reply.Root.URI != "" {
		rootRef = parentPost.Reply.Root
	}

	return &pds.ReplyRef{Root: rootRef, Parent: parentRef}, nil
}

// fediverseAddress renders "@user@host" for a remote actor.
func fediverseAddress(actor *ap.Actor) string {
	host := ""
	if u, err := url.Parse(actor.ID); err == nil {
		host = u.Host
	}
	name := actor.PreferredUsername
	if name == "" {
		name = actor.Name
	}
	return "@" + html.EscapeString(name) + "@" + host
}
