package ap

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/aviary-bridge/aviary/internal/db"
)

// Target is one delivery destination: an actor id plus its known inbox.
type Target struct {
	ID      string
	InboxID string
}

// Sender is the outbound half of the federation engine, split out so inbox
// handlers and workers can be tested without network delivery.
type Sender interface {
	// SendTo signs activity with identifier's key and delivers it to the
	// given targets.
	SendTo(ctx context.Context, identifier string, targets []Target, activity *Activity) error
	// SendToFollowers expands identifier's followers collection and delivers
	// to each follower's inbox.
	SendToFollowers(ctx context.Context, identifier string, activity *Activity) error
}

// deliveryConcurrency caps concurrent outbound HTTP requests during fan-out.
const deliveryConcurrency = 10

// Federation delivers signed activities on behalf of local actors.
type Federation struct {
	Store *db.Store
	Fed   *FedContext
}

var _ Sender = (*Federation)(nil)

// SendTo signs and delivers an activity to an explicit target list.
func (f *Federation) SendTo(ctx context.Context, identifier string, targets []Target, activity *Activity) error {
	return f.deliver(ctx, identifier, targets, activity)
}

// SendToFollowers delivers an activity to every follower of identifier.
func (f *Federation) SendToFollowers(ctx context.Context, identifier string, activity *Activity) error {
	targets, err := f.followerTargets(identifier)
	if err != nil {
		return fmt.Errorf("expand followers of %s: %w", identifier, err)
	}
	if len(targets) == 0 {
		return nil
	}
	return f.deliver(ctx, identifier, targets, activity)
}

// followerTargets pages through the whole followers collection.
func (f *Federation) followerTargets(identifier string) ([]Target, error) {
	var targets []Target
	cursor := ""
	for {
		page, err := f.Store.GetFollows(identifier, cursor, 100)
		if err != nil {
			return nil, err
		}
		for _, fl := range page.Follows {
			targets = append(targets, Target{ID: fl.ActorURI, InboxID: fl.ActorInbox})
		}
		if page.NextCursor == "" {
			return targets, nil
		}
		cursor = page.NextCursor
	}
}

func (f *Federation) deliver(ctx context.Context, identifier string, targets []Target, activity *Activity) error {
	keys, err := EnsureKeyPairs(ctx, f.Store, identifier)
	if err != nil {
		return fmt.Errorf("load keys for %s: %w", identifier, err)
	}
	keyID := f.Fed.ActorURI(identifier) + "#main-key"

	inboxes := f.resolveInboxes(ctx, targets)
	if len(inboxes) == 0 {
		return nil
	}

	payload := WithContext(activity)

	sem := make(chan struct{}, deliveryConcurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var failed int

	for inbox := range inboxes {
		sem <- struct{}{}
		wg.Add(1)
		go func(inbox string) {
			defer func() { <-sem; wg.Done() }()
			if err := DeliverActivity(ctx, inbox, payload, keyID, keys.RSA); err != nil {
				slog.Warn("delivery failed", "inbox", inbox, "activity", activity.ID, "err", err)
				mu.Lock()
				failed++
				mu.Unlock()
			}
		}(inbox)
	}
	wg.Wait()

	slog.Debug("delivered activity",
		"id", activity.ID,
		"type", activity.Type,
		"inboxes", len(inboxes),
		"failed", failed,
	)
	return nil
}

// resolveInboxes maps targets to inbox URLs, preferring a server's shared
// inbox and claiming each origin only once so one server receives the
// activity a single time. Actor fetch failures fall back to the stored
// personal inbox.
func (f *Federation) resolveInboxes(ctx context.Context, targets []Target) map[string]struct{} {
	var (
		mu      sync.Mutex
		inboxes = make(map[string]struct{})
		origins = make(map[string]struct{})
		sem     = make(chan struct{}, deliveryConcurrency)
		wg      sync.WaitGroup
	)

	for _, t := range targets {
		if t.ID == PublicURI || f.Fed.IsLocal(t.ID) {
			continue
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(t Target) {
			defer func() { <-sem; wg.Done() }()

			inbox := t.InboxID
			if actor, err := FetchActor(ctx, t.ID); err == nil {
				if actor.Endpoints != nil && actor.Endpoints.SharedInbox != "" {
					origin := extractOrigin(actor.Endpoints.SharedInbox)
					mu.Lock()
					_, claimed := origins[origin]
					if !claimed {
						origins[origin] = struct{}{}
					}
					mu.Unlock()
					if claimed {
						return
					}
					inbox = actor.Endpoints.SharedInbox
				} else if actor.Inbox != "" {
					inbox = actor.Inbox
				}
			}

			if inbox != "" {
				mu.Lock()
				inboxes[inbox] = struct{}{}
				mu.Unlock()
			}
		}(t)
	}
	wg.Wait()
	return inboxes
}

func extractOrigin(rawURL string) string {
	if idx := strings.Index(rawURL, "://"); idx != -1 {
		rest := rawURL[idx+3:]
		if slash := strings.IndexByte(rest, '/'); slash != -1 {
			return rawURL[:idx+3+slash]
		}
	}
	return rawURL
}
