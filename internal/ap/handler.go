package ap

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aviary-bridge/aviary/internal/db"
)

// ReplyIngester turns an inbound reply Note into a record on the bridge
// account's repo. Satisfied by the bridge package; nil when no bridge is
// configured, in which case replies are dropped.
type ReplyIngester interface {
	IngestReply(ctx context.Context, actor *Actor, note *Note) error
}

// Handler processes activities dropped into the inbox routes. Signature
// verification happens upstream in the HTTP layer.
type Handler struct {
	Store    *db.Store
	Fed      *FedContext
	Sender   Sender
	Ingester ReplyIngester

	// fetchActor is a seam for tests; nil means FetchActor.
	fetchActor func(ctx context.Context, url string) (*Actor, error)
}

func (h *Handler) actor(ctx context.Context, url string) (*Actor, error) {
	if h.fetchActor != nil {
		return h.fetchActor(ctx, url)
	}
	return FetchActor(ctx, url)
}

// HandleActivity parses and dispatches one inbound activity. Invalid
// activities are dropped with a log line; only infrastructure failures
// return an error.
func (h *Handler) HandleActivity(ctx context.Context, body []byte) error {
	var act IncomingActivity
	if err := json.Unmarshal(body, &act); err != nil {
		slog.Warn("dropping unparseable activity", "err", err)
		return nil
	}

	switch act.Type {
	case "Follow":
		return h.handleFollow(ctx, &act)
	case "Undo":
		return h.handleUndo(ctx, &act)
	case "Create":
		return h.handleCreate(ctx, &act)
	case "Delete":
		// Remote deletions have no local state to clean up besides follows,
		// which arrive as Undo. Mass actor deletions are noise.
		slog.Debug("ignoring Delete activity", "id", act.ID, "actor", act.Actor)
		return nil
	default:
		slog.Debug("ignoring activity", "type", act.Type, "id", act.ID)
		return nil
	}
}

// handleFollow persists the follow and replies with an Accept addressed to
// the follower, synchronously on the request path.
func (h *Handler) handleFollow(ctx context.Context, act *IncomingActivity) error {
	objectID := act.ObjectID()
	if act.ID == "" || act.Actor == "" || objectID == "" {
		slog.Warn("dropping Follow with missing fields", "id", act.ID, "actor", act.Actor)
		return nil
	}

	identifier, ok := h.Fed.ParseActorURI(objectID)
	if !ok {
		slog.Warn("dropping Follow of non-local object", "object", objectID, "activityId", act.ID)
		return nil
	}

	follower, err := h.actor(ctx, act.Actor)
	if err != nil {
		return fmt.Errorf("fetch follower %s: %w", act.Actor, err)
	}
	if follower.Inbox == "" {
		slog.Warn("dropping Follow from actor without inbox", "actor", act.Actor)
		return nil
	}

	if err := h.Store.CreateFollow(db.Follow{
		UserDID:    identifier,
		ActivityID: act.ID,
		ActorURI:   act.Actor,
		ActorInbox: follower.Inbox,
	}); err != nil {
		return fmt.Errorf("persist follow: %w", err)
	}

	// Echo the follow back inside the Accept so the remote server can match
	// it by id.
	var followObj map[string]interface{}
	if err := json.Unmarshal(actRaw(act), &followObj); err != nil {
		return fmt.Errorf("re-encode follow: %w", err)
	}
	delete(followObj, "@context")

	accept := &Activity{
		ID:     fmt.Sprintf("%s#accepts/%d", objectID, time.Now().UnixNano()),
		Type:   "Accept",
		Actor:  objectID,
		Object: followObj,
		To:     []string{act.Actor},
	}
	if err := h.Sender.SendTo(ctx, identifier, []Target{{ID: act.Actor, InboxID: follower.Inbox}}, accept); err != nil {
		return fmt.Errorf("send Accept: %w", err)
	}

	slog.Info("accepted follow", "user", identifier, "follower", act.Actor, "activityId", act.ID)
	return nil
}

// handleUndo removes a follow. The inner object must be a Follow whose
// object parses as a local actor.
func (h *Handler) handleUndo(ctx context.Context, act *IncomingActivity) error {
	var inner IncomingActivity
	if err := json.Unmarshal(act.Object, &inner); err != nil {
		slog.Debug("ignoring Undo with non-object payload", "id", act.ID)
		return nil
	}
	if inner.Type != "Follow" {
		slog.Debug("ignoring Undo", "innerType", inner.Type, "id", act.ID)
		return nil
	}

	identifier, ok := h.Fed.ParseActorURI(inner.ObjectID())
	if !ok {
		slog.Warn("dropping Undo(Follow) of non-local object", "object", inner.ObjectID())
		return nil
	}

	if err := h.Store.DeleteFollow(identifier, act.Actor); err != nil {
		return fmt.Errorf("delete follow: %w", err)
	}
	slog.Info("removed follow", "user", identifier, "follower", act.Actor)
	return nil
}

// handleCreate ingests reply Notes targeting a bridged local post. Anything
// else is dropped.
func (h *Handler) handleCreate(ctx context.Context, act *IncomingActivity) error {
	var note Note
	if err := json.Unmarshal(act.Object, &note); err != nil || note.Type != "Note" {
		slog.Debug("ignoring Create without Note object", "id", act.ID)
		return nil
	}
	if note.Content == "" && len(note.ContentMap) == 0 {
		slog.Debug("ignoring Note without content", "note", note.ID)
		return nil
	}

	if _, ok := h.Fed.ParseObjectURI(note.InReplyTo); !ok {
		slog.Debug("ignoring Note not replying to a local post", "inReplyTo", note.InReplyTo)
		return nil
	}
	if h.Ingester == nil {
		slog.Debug("no bridge configured, dropping reply", "note", note.ID)
		return nil
	}

	author, err := h.actor(ctx, act.Actor)
	if err != nil {
		return fmt.Errorf("fetch reply author %s: %w", act.Actor, err)
	}

	if err := h.Ingester.IngestReply(ctx, author, &note); err != nil {
		return fmt.Errorf("ingest reply %s: %w", note.ID, err)
	}
	slog.Info("ingested reply", "note", note.ID, "author", act.Actor)
	return nil
}

// actRaw re-marshals an incoming activity for embedding.
func actRaw(act *IncomingActivity) []byte {
	data, _ := json.Marshal(act)
	return data
}
