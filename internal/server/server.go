// Package server implements the HTTP surface of the aviary bridge.
// It serves ActivityPub endpoints (actors, objects, collections, inboxes,
// webfinger, nodeinfo) and accepts all inbound federation from the fediverse.
package server

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/aviary-bridge/aviary/internal/ap"
	"github.com/aviary-bridge/aviary/internal/config"
	"github.com/aviary-bridge/aviary/internal/convert"
	"github.com/aviary-bridge/aviary/internal/db"
	"github.com/aviary-bridge/aviary/internal/pds"
)

const (
	activityJSONType = `application/activity+json`

	// followersPageSize bounds one followers collection page.
	followersPageSize = 50
	// outboxPageSize bounds one outbox listing.
	outboxPageSize = 50
)

// maxConcurrentActivities is the maximum number of inbox activities processed
// concurrently. Activities arriving beyond this limit receive a 503 response.
const maxConcurrentActivities = 50

// Server is the main HTTP server for aviary.
type Server struct {
	cfg       *config.Config
	store     *db.Store
	fed       *ap.FedContext
	pds       *pds.Client
	appView   *pds.Client
	registry  *convert.Registry
	apHandler *ap.Handler
	router    *chi.Mux
	startedAt time.Time
	inboxSem  chan struct{} // bounded concurrency for inbox processing

	// verifySignatures gates HTTP signature checks on inbound activities.
	// Disabled only in tests.
	verifySignatures bool
}

// New creates a new Server.
func New(cfg *config.Config, store *db.Store, fed *ap.FedContext, local, appView *pds.Client, registry *convert.Registry, apHandler *ap.Handler) *Server {
	s := &Server{
		cfg:              cfg,
		store:            store,
		fed:              fed,
		pds:              local,
		appView:          appView,
		registry:         registry,
		apHandler:        apHandler,
		startedAt:        time.Now(),
		inboxSem:         make(chan struct{}, maxConcurrentActivities),
		verifySignatures: true,
	}
	s.router = s.buildRouter()
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start runs the HTTP server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) {
	addr := ":" + s.cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("starting HTTP server", "addr", addr, "hostname", s.cfg.Hostname)

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
	}
}

func (s *Server) buildRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(loggingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	// Health check.
	r.Get("/api/healthcheck", func(w http.ResponseWriter, r *http.Request) {
		jsonResponse(w, map[string]string{"status": "ok"}, http.StatusOK)
	})

	// Discovery endpoints.
	r.Get("/.well-known/webfinger", s.handleWebFinger)
	r.Get("/.well-known/host-meta", s.handleHostMeta)
	r.Get("/.well-known/nodeinfo", s.handleNodeInfo)

	// NodeInfo schema.
	r.Get("/nodeinfo/{version}", s.handleNodeInfoSchema)

	// ActivityPub actor endpoints.
	r.Get("/users/{identifier}", s.handleActor)
	r.Get("/users/{identifier}/followers", s.handleFollowers)
	r.Get("/users/{identifier}/following", s.handleFollowing)
	r.Get("/users/{identifier}/outbox", s.handleOutbox)
	r.Get("/users/{identifier}/inbox", s.handleInboxCollection)
	r.Post("/users/{identifier}/inbox", s.handleInbox)

	// ActivityPub object endpoints. The wildcard carries a full AT-URI.
	r.Get("/posts/*", s.handleObject)

	// Shared inbox.
	r.Post("/inbox", s.handleInbox)

	// Root — basic info page.
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprintf(w, "aviary - an ActivityPub federation sidecar for AT-Protocol PDS instances.\nhttps://github.com/aviary-bridge/aviary\n\nRunning on %s\n", s.cfg.Hostname)
	})

	return r
}

// ─── ActivityPub Handlers ─────────────────────────────────────────────────────

// resolveIdentifier maps a path identifier (handle or DID) to the DID of an
// account hosted on the local PDS. Returns "" when no such account exists.
func (s *Server) resolveIdentifier(ctx context.Context, identifier string) string {
	if identifier == "" || strings.Contains(identifier, "/") {
		return ""
	}
	did, err := s.fed.HandleToDID(ctx, identifier)
	if err != nil || did == "" {
		return ""
	}
	acct, err := s.pds.GetAccount(ctx, did)
	if err != nil || acct == nil {
		return ""
	}
	return acct.DID
}

func (s *Server) handleActor(w http.ResponseWriter, r *http.Request) {
	identifier := chi.URLParam(r, "identifier")
	did := s.resolveIdentifier(r.Context(), identifier)
	if did == "" {
		http.NotFound(w, r)
		return
	}

	acct, err := s.pds.GetAccount(r.Context(), did)
	if err != nil || acct == nil {
		http.NotFound(w, r)
		return
	}

	keys, err := ap.EnsureKeyPairs(r.Context(), s.store, did)
	if err != nil {
		slog.Error("ensure keypairs failed", "identifier", did, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	pubPEM, err := ap.PublicKeyPEM(&keys.RSA.PublicKey)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	edMB, err := ap.Ed25519Multibase(keys.Ed25519.Public().(ed25519.PublicKey))
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	actorURL := s.fed.ActorURI(did)
	actor := &ap.Actor{
		ID:                actorURL,
		Type:              "Person",
		PreferredUsername: acct.Handle,
		URL:               "https://bsky.app/profile/" + did,
		Inbox:             s.fed.InboxURI(did),
		Outbox:            s.fed.OutboxURI(did),
		Followers:         s.fed.FollowersURI(did),
		Following:         s.fed.FollowingURI(did),
		PublicKey: &ap.PublicKey{
			ID:           actorURL + "#main-key",
			Owner:        actorURL,
			PublicKeyPem: pubPEM,
		},
		AssertionMethod: []ap.Multikey{{
			ID:                 actorURL + "#ed25519-key",
			Type:               "Multikey",
			Controller:         actorURL,
			PublicKeyMultibase: edMB,
		}},
		Endpoints: &ap.Endpoints{
			SharedInbox: s.fed.SharedInboxURI(),
		},
	}

	// Profile view is cosmetic; the actor renders without it.
	if profile, err := s.appView.GetProfile(r.Context(), did); err == nil && profile != nil {
		actor.Name = profile.DisplayName
		actor.Summary = profile.Description
		if profile.Avatar != "" {
			actor.Icon = &ap.Image{Type: "Image", URL: profile.Avatar}
		}
	}

	apResponse(w, ap.WithContext(actor))
}

func (s *Server) handleFollowers(w http.ResponseWriter, r *http.Request) {
	identifier := chi.URLParam(r, "identifier")
	did := s.resolveIdentifier(r.Context(), identifier)
	if did == "" {
		http.NotFound(w, r)
		return
	}

	collectionID := s.fed.FollowersURI(did)

	if r.URL.Query().Get("page") == "" {
		count, err := s.store.GetFollowsCount(did)
		if err != nil {
			slog.Error("count followers failed", "identifier", did, "err", err)
			count = 0
		}
		apResponse(w, ap.OrderedCollection{
			Context:    ap.DefaultContext,
			ID:         collectionID,
			Type:       "OrderedCollection",
			TotalItems: count,
			First:      collectionID + "?page=true",
		})
		return
	}

	cursor := r.URL.Query().Get("cursor")
	page, err := s.store.GetFollows(did, cursor, followersPageSize)
	if err != nil {
		slog.Error("list followers failed", "identifier", did, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	items := make([]interface{}, 0, len(page.Follows))
	for _, f := range page.Follows {
		items = append(items, f.ActorURI)
	}

	out := ap.OrderedCollectionPage{
		Context:      ap.DefaultContext,
		ID:           collectionID + "?page=true&cursor=" + url.QueryEscape(cursor),
		Type:         "OrderedCollectionPage",
		PartOf:       collectionID,
		OrderedItems: items,
	}
	if page.NextCursor != "" {
		out.Next = collectionID + "?page=true&cursor=" + url.QueryEscape(page.NextCursor)
	}
	apResponse(w, out)
}

// handleFollowing lists graph follows whose subject is another local account.
// Remote follows have no ActivityPub counterpart to reference.
func (s *Server) handleFollowing(w http.ResponseWriter, r *http.Request) {
	identifier := chi.URLParam(r, "identifier")
	did := s.resolveIdentifier(r.Context(), identifier)
	if did == "" {
		http.NotFound(w, r)
		return
	}

	collectionID := s.fed.FollowingURI(did)
	items := []interface{}{}

	resp, err := s.pds.ListRecords(r.Context(), did, pds.CollectionFollow, pds.ListRecordsParams{Limit: 100})
	if err != nil {
		slog.Warn("list follow records failed", "identifier", did, "err", err)
		resp = &pds.ListRecordsResponse{}
	}
	for _, rec := range resp.Records {
		var follow pds.GraphFollow
		if err := json.Unmarshal(rec.Value, &follow); err != nil || follow.Subject == "" {
			continue
		}
		acct, err := s.pds.GetAccount(r.Context(), follow.Subject)
		if err != nil || acct == nil {
			continue
		}
		items = append(items, s.fed.ActorURI(acct.DID))
	}

	apResponse(w, ap.OrderedCollection{
		Context:      ap.DefaultContext,
		ID:           collectionID,
		Type:         "OrderedCollection",
		TotalItems:   len(items),
		OrderedItems: items,
	})
}

func (s *Server) handleOutbox(w http.ResponseWriter, r *http.Request) {
	identifier := chi.URLParam(r, "identifier")
	did := s.resolveIdentifier(r.Context(), identifier)
	if did == "" {
		http.NotFound(w, r)
		return
	}

	type entry struct {
		rkey string
		conv convert.Converter
		rec  pds.RecordResponse
	}
	var entries []entry
	for _, collection := range s.registry.Collections() {
		conv, _ := s.registry.Get(collection)
		resp, err := s.pds.ListRecords(r.Context(), did, collection, pds.ListRecordsParams{Limit: outboxPageSize})
		if err != nil {
			slog.Warn("list records failed", "identifier", did, "collection", collection, "err", err)
			continue
		}
		for _, rec := range resp.Records {
			entries = append(entries, entry{rkey: rkeyOf(rec.URI), conv: conv, rec: rec})
		}
	}

	// TID rkeys sort chronologically; newest first.
	sort.Slice(entries, func(i, j int) bool { return entries[i].rkey > entries[j].rkey })
	if len(entries) > outboxPageSize {
		entries = entries[:outboxPageSize]
	}

	items := []interface{}{}
	for _, e := range entries {
		res, err := e.conv.ToActivityPub(r.Context(), did, &e.rec)
		if err != nil {
			slog.Warn("outbox conversion failed", "uri", e.rec.URI, "err", err)
			continue
		}
		if res == nil || res.Activity == nil {
			continue
		}
		items = append(items, res.Activity)
	}

	apResponse(w, ap.OrderedCollection{
		Context:      ap.DefaultContext,
		ID:           s.fed.OutboxURI(did),
		Type:         "OrderedCollection",
		TotalItems:   len(items),
		OrderedItems: items,
	})
}

// handleInboxCollection serves GET on the personal inbox. Activities are not
// retained, so the collection is always empty.
func (s *Server) handleInboxCollection(w http.ResponseWriter, r *http.Request) {
	identifier := chi.URLParam(r, "identifier")
	did := s.resolveIdentifier(r.Context(), identifier)
	if did == "" {
		http.NotFound(w, r)
		return
	}
	apResponse(w, ap.OrderedCollection{
		Context:      ap.DefaultContext,
		ID:           s.fed.InboxURI(did),
		Type:         "OrderedCollection",
		TotalItems:   0,
		OrderedItems: []interface{}{},
	})
}

func (s *Server) handleObject(w http.ResponseWriter, r *http.Request) {
	atURI, ok := s.fed.ParseObjectURI(s.fed.BaseURL + r.URL.EscapedPath())
	if !ok {
		http.NotFound(w, r)
		return
	}
	did, collection, rkey, err := ap.ParseATURI(atURI)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	conv, ok := s.registry.Get(collection)
	if !ok {
		http.NotFound(w, r)
		return
	}

	rec, err := s.pds.GetRecord(r.Context(), did, collection, rkey)
	if err != nil {
		slog.Warn("object fetch failed", "uri", atURI, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if rec == nil {
		http.NotFound(w, r)
		return
	}

	res, err := conv.ToActivityPub(r.Context(), did, rec)
	if err != nil || res == nil || res.Object == nil {
		if err != nil {
			slog.Warn("object conversion failed", "uri", atURI, "err", err)
		}
		http.NotFound(w, r)
		return
	}
	apResponse(w, ap.WithContext(res.Object))
}

func (s *Server) handleInbox(w http.ResponseWriter, r *http.Request) {
	if s.verifySignatures {
		if _, err := ap.VerifySignature(r); err != nil {
			slog.Warn("invalid HTTP signature", "error", err, "remote", r.RemoteAddr)
			http.Error(w, "invalid signature", http.StatusUnauthorized)
			return
		}
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1MB limit
	if err != nil {
		http.Error(w, "read error", http.StatusBadRequest)
		return
	}

	// Handle the activity asynchronously within a bounded concurrency limit.
	select {
	case s.inboxSem <- struct{}{}:
	default:
		slog.Warn("inbox overloaded, dropping activity", "remote", r.RemoteAddr)
		http.Error(w, "too many requests", http.StatusServiceUnavailable)
		return
	}
	go func() {
		defer func() { <-s.inboxSem }()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.apHandler.HandleActivity(ctx, body); err != nil {
			slog.Warn("failed to handle activity", "error", err)
		}
	}()

	w.WriteHeader(http.StatusAccepted)
}

// ─── Discovery Handlers ───────────────────────────────────────────────────────

func (s *Server) handleWebFinger(w http.ResponseWriter, r *http.Request) {
	resource := r.URL.Query().Get("resource")
	if resource == "" {
		http.Error(w, "missing resource", http.StatusBadRequest)
		return
	}

	// Parse acct: URIs like acct:alice.pds.example@bridge.example
	acct := strings.TrimPrefix(resource, "acct:")
	user, host, ok := strings.Cut(acct, "@")
	if !ok {
		http.Error(w, "invalid resource", http.StatusBadRequest)
		return
	}
	if host != s.cfg.URL().Host {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	did := s.resolveIdentifier(r.Context(), user)
	if did == "" {
		http.NotFound(w, r)
		return
	}

	actorURL := s.fed.ActorURI(did)
	resp := ap.WebFingerResponse{
		Subject: resource,
		Aliases: []string{actorURL},
		Links: []ap.WebFingerLink{
			{
				Rel:  "self",
				Type: activityJSONType,
				Href: actorURL,
			},
		},
	}

	w.Header().Set("Content-Type", "application/jrd+json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	cacheHeaders(w, 3600)
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleHostMeta(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/xrd+xml")
	fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?>
<XRD xmlns="http://docs.oasis-open.org/ns/xri/xrd-1.0">
  <Link rel="lrdd" template="%s/.well-known/webfinger?resource={uri}"/>
</XRD>`, s.cfg.PublicURL)
}

func (s *Server) handleNodeInfo(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"links": []map[string]string{
			{
				"rel":  "http://nodeinfo.diaspora.software/ns/schema/2.1",
				"href": s.cfg.BaseURL("/nodeinfo/2.1"),
			},
		},
	}
	cacheHeaders(w, 3600)
	jsonResponse(w, resp, http.StatusOK)
}

func (s *Server) handleNodeInfoSchema(w http.ResponseWriter, r *http.Request) {
	v := chi.URLParam(r, "version")
	if v != "2.0" && v != "2.1" {
		http.Error(w, "unsupported nodeinfo version", http.StatusNotFound)
		return
	}

	stats, err := s.store.Stats()
	if err != nil {
		slog.Error("load stats failed", "err", err)
	}

	info := ap.NodeInfo{
		Version: "2.1",
		Software: ap.NodeInfoSoftware{
			Name:       "bluesky-pds",
			Version:    s.cfg.Version,
			Homepage:   "https://github.com/aviary-bridge/aviary",
			Repository: "https://github.com/aviary-bridge/aviary",
		},
		Protocols: []string{"activitypub"},
		Services:  ap.NodeInfoServices{Inbound: []string{}, Outbound: []string{}},
		Usage: ap.NodeInfoUsage{
			Users:         ap.NodeInfoUsers{Total: stats.Users},
			LocalPosts:    stats.LocalPosts,
			LocalComments: stats.LocalComments,
		},
		OpenRegistrations: false,
		Metadata:          map[string]any{},
	}
	cacheHeaders(w, 3600)
	jsonResponse(w, info, http.StatusOK)
}

// ─── Utility functions ────────────────────────────────────────────────────────

func rkeyOf(atURI string) string {
	if i := strings.LastIndexByte(atURI, '/'); i >= 0 {
		return atURI[i+1:]
	}
	return atURI
}

func apResponse(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", activityJSONType)
	w.Header().Set("Access-Control-Allow-Origin", "*")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode AP response", "error", err)
	}
}

func jsonResponse(w http.ResponseWriter, v interface{}, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

func cacheHeaders(w http.ResponseWriter, maxAge int) {
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", maxAge))
}

// loggingMiddleware logs each HTTP request.
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		slog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"duration", time.Since(start),
			"remote", r.RemoteAddr,
		)
	})
}

// corsMiddleware adds CORS headers for fediverse compatibility.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(status int) {
	rw.status = status
	rw.ResponseWriter.WriteHeader(status)
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
