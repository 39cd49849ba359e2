// Package db handles database connectivity, migrations, and data access for
// the aviary bridge. It supports both SQLite (default, no external
// dependencies) and PostgreSQL (for larger deployments).
package db

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Store wraps a database connection and provides all data access methods.
// It is the only shared mutable resource in the process; every component
// reads and writes through this API.
type Store struct {
	db     *sql.DB
	driver string
}

// timeFormat is how timestamps are persisted. RFC3339Nano text sorts
// lexicographically in chronological order on both drivers, which the
// cursor pagination relies on.
const timeFormat = time.RFC3339Nano

// Open opens a database connection. The location can be:
//   - A file path like "aviary.db" or ":memory:" → SQLite
//   - "sqlite:///path/to/file.db" → SQLite
//   - "postgres://..." → PostgreSQL
func Open(location string) (*Store, error) {
	driver, dsn := detectDriver(location)

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}

	if driver == "sqlite" {
		// SQLite performs best with WAL mode and a single writer.
		db.SetMaxOpenConns(1)
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			return nil, fmt.Errorf("enable WAL: %w", err)
		}
		if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
			return nil, fmt.Errorf("enable foreign_keys: %w", err)
		}
	}

	return &Store{db: db, driver: driver}, nil
}

// Migrate runs all pending database migrations. Migrations are forward-only;
// a failure here must abort boot.
func (s *Store) Migrate() error {
	slog.Info("running database migrations")

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			// Index creation races on Postgres restarts; creation is idempotent.
			if s.driver == "postgres" && strings.Contains(err.Error(), "already exists") {
				continue
			}
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	slog.Info("migrations complete")
	return nil
}

// migrations lists DDL statements shared between SQLite and PostgreSQL.
// Forward-only: new statements are appended, existing ones never edited.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS follows (
		user_did    TEXT NOT NULL,
		activity_id TEXT NOT NULL UNIQUE,
		actor_uri   TEXT NOT NULL,
		actor_inbox TEXT NOT NULL,
		created_at  TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS follows_user_created ON follows(user_did, created_at DESC)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS follows_user_actor ON follows(user_did, actor_uri)`,
	`CREATE TABLE IF NOT EXISTS key_pairs (
		user_did    TEXT NOT NULL,
		key_type    TEXT NOT NULL,
		public_key  TEXT NOT NULL,
		private_key TEXT NOT NULL,
		created_at  TEXT NOT NULL,
		UNIQUE(user_did, key_type)
	)`,
	`CREATE TABLE IF NOT EXISTS bridge_accounts (
		name        TEXT NOT NULL PRIMARY KEY,
		did         TEXT NOT NULL,
		handle      TEXT NOT NULL,
		password    TEXT NOT NULL,
		access_jwt  TEXT NOT NULL,
		refresh_jwt TEXT NOT NULL,
		created_at  TEXT NOT NULL,
		updated_at  TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS post_mappings (
		at_uri     TEXT NOT NULL UNIQUE,
		ap_note_id TEXT NOT NULL UNIQUE,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS monitored_posts (
		at_uri       TEXT NOT NULL UNIQUE,
		author_did   TEXT NOT NULL,
		last_checked TEXT,
		created_at   TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS monitored_posts_checked ON monitored_posts(last_checked ASC)`,
	`CREATE TABLE IF NOT EXISTS external_replies (
		at_uri        TEXT NOT NULL UNIQUE,
		parent_at_uri TEXT NOT NULL,
		author_did    TEXT NOT NULL,
		ap_note_id    TEXT NOT NULL,
		created_at    TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS external_replies_parent ON external_replies(parent_at_uri)`,
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ─── Follows ──────────────────────────────────────────────────────────────────

// Follow is a remote ActivityPub actor following a local account.
type Follow struct {
	UserDID    string
	ActivityID string
	ActorURI   string
	ActorInbox string
	CreatedAt  time.Time
}

// FollowPage is one page of a paginated followers listing.
type FollowPage struct {
	Follows []Follow
	// NextCursor is the created_at of the last returned row, or "" when the
	// listing is exhausted.
	NextCursor string
}

// CreateFollow records an accepted Follow. Idempotent: re-delivery of the same
// activity id is a no-op.
func (s *Store) CreateFollow(f Follow) error {
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	var q string
	if s.driver == "sqlite" {
		q = `INSERT OR IGNORE INTO follows (user_did, activity_id, actor_uri, actor_inbox, created_at)
		     VALUES (?, ?, ?, ?, ?)`
	} else {
		q = `INSERT INTO follows (user_did, activity_id, actor_uri, actor_inbox, created_at)
		     VALUES ($1, $2, $3, $4, $5) ON CONFLICT DO NOTHING`
	}
	_, err := s.db.Exec(q, f.UserDID, f.ActivityID, f.ActorURI, f.ActorInbox, f.CreatedAt.UTC().Format(timeFormat))
	return err
}

// DeleteFollow removes a follow by its logical key (user_did, actor_uri).
func (s *Store) DeleteFollow(userDID, actorURI string) error {
	var q string
	if s.driver == "sqlite" {
		q = `DELETE FROM follows WHERE user_did = ? AND actor_uri = ?`
	} else {
		q = `DELETE FROM follows WHERE user_did = $1 AND actor_uri = $2`
	}
	_, err := s.db.Exec(q, userDID, actorURI)
	return err
}

// GetFollows returns one page of followers for userDID, newest first.
// A non-empty cursor restricts the page to rows created strictly before it.
// The query fetches limit+1 rows and truncates, so NextCursor is only set
// when more rows actually exist.
func (s *Store) GetFollows(userDID, cursor string, limit int) (*FollowPage, error) {
	if limit <= 0 {
		limit = 50
	}

	var q string
	var args []any
	if cursor != "" {
		if s.driver == "sqlite" {
			q = `SELECT user_did, activity_id, actor_uri, actor_inbox, created_at FROM follows
			     WHERE user_did = ? AND created_at < ? ORDER BY created_at DESC LIMIT ?`
		} else {
			q = `SELECT user_did, activity_id, actor_uri, actor_inbox, created_at FROM follows
			     WHERE user_did = $1 AND created_at < $2 ORDER BY created_at DESC LIMIT $3`
		}
		args = []any{userDID, cursor, limit + 1}
	} else {
		if s.driver == "sqlite" {
			q = `SELECT user_did, activity_id, actor_uri, actor_inbox, created_at FROM follows
			     WHERE user_did = ? ORDER BY created_at DESC LIMIT ?`
		} else {
			q = `SELECT user_did, activity_id, actor_uri, actor_inbox, created_at FROM follows
			     WHERE user_did = $1 ORDER BY created_at DESC LIMIT $2`
		}
		args = []any{userDID, limit + 1}
	}

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var page FollowPage
	var rawCursors []string
	for rows.Next() {
		var f Follow
		var created string
		if err := rows.Scan(&f.UserDID, &f.ActivityID, &f.ActorURI, &f.ActorInbox, &created); err != nil {
			return nil, err
		}
		f.CreatedAt, _ = time.Parse(timeFormat, created)
		page.Follows = append(page.Follows, f)
		rawCursors = append(rawCursors, created)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(page.Follows) > limit {
		page.Follows = page.Follows[:limit]
		page.NextCursor = rawCursors[limit-1]
	}
	return &page, nil
}

// GetFollowsCount returns the total follower count for userDID.
func (s *Store) GetFollowsCount(userDID string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM follows WHERE user_did = `+s.ph(), userDID).Scan(&n)
	return n, err
}

// ─── Key pairs ────────────────────────────────────────────────────────────────

// Key type names match the WebCrypto algorithm identifiers the Fediverse uses
// in actor documents.
const (
	KeyTypeRSA     = "RSASSA-PKCS1-v1_5"
	KeyTypeEd25519 = "Ed25519"
)

// KeyPair is a per-actor signing key, stored as JWK JSON. Immutable once
// created.
type KeyPair struct {
	UserDID    string
	Type       string
	PublicKey  string // JWK JSON
	PrivateKey string // JWK JSON
	CreatedAt  time.Time
}

// CreateKeyPair persists a generated key pair. On a generation race the
// UNIQUE(user_did, key_type) constraint makes the loser a no-op; both callers
// should re-read and use the winner's row.
func (s *Store) CreateKeyPair(kp KeyPair) error {
	if kp.CreatedAt.IsZero() {
		kp.CreatedAt = time.Now().UTC()
	}
	var q string
	if s.driver == "sqlite" {
		q = `INSERT OR IGNORE INTO key_pairs (user_did, key_type, public_key, private_key, created_at)
		     VALUES (?, ?, ?, ?, ?)`
	} else {
		q = `INSERT INTO key_pairs (user_did, key_type, public_key, private_key, created_at)
		     VALUES ($1, $2, $3, $4, $5) ON CONFLICT DO NOTHING`
	}
	_, err := s.db.Exec(q, kp.UserDID, kp.Type, kp.PublicKey, kp.PrivateKey, kp.CreatedAt.UTC().Format(timeFormat))
	return err
}

// GetKeyPair returns the key pair for (userDID, keyType), or nil if absent.
func (s *Store) GetKeyPair(userDID, keyType string) (*KeyPair, error) {
	var q string
	if s.driver == "sqlite" {
		q = `SELECT user_did, key_type, public_key, private_key, created_at FROM key_pairs
		     WHERE user_did = ? AND key_type = ?`
	} else {
		q = `SELECT user_did, key_type, public_key, private_key, created_at FROM key_pairs
		     WHERE user_did = $1 AND key_type = $2`
	}
	var kp KeyPair
	var created string
	err := s.db.QueryRow(q, userDID, keyType).Scan(&kp.UserDID, &kp.Type, &kp.PublicKey, &kp.PrivateKey, &created)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	kp.CreatedAt, _ = time.Parse(timeFormat, created)
	return &kp, nil
}

// GetKeyPairs returns all key pairs for userDID.
func (s *Store) GetKeyPairs(userDID string) ([]KeyPair, error) {
	rows, err := s.db.Query(`SELECT user_did, key_type, public_key, private_key, created_at FROM key_pairs WHERE user_did = `+s.ph(), userDID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []KeyPair
	for rows.Next() {
		var kp KeyPair
		var created string
		if err := rows.Scan(&kp.UserDID, &kp.Type, &kp.PublicKey, &kp.PrivateKey, &created); err != nil {
			return nil, err
		}
		kp.CreatedAt, _ = time.Parse(timeFormat, created)
		result = append(result, kp)
	}
	return result, rows.Err()
}

// ─── Bridge accounts ──────────────────────────────────────────────────────────

// BridgeAccount holds the credentials of one dedicated PDS account used to
// publish proxied content. Keyed by bridge name ("mastodon", "bluesky"); at
// most one row per name.
type BridgeAccount struct {
	Name       string
	DID        string
	Handle     string
	Password   string
	AccessJwt  string
	RefreshJwt string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// GetBridgeAccount returns the bridge account for name, or nil if not provisioned.
func (s *Store) GetBridgeAccount(name string) (*BridgeAccount, error) {
	var q string
	if s.driver == "sqlite" {
		q = `SELECT name, did, handle, password, access_jwt, refresh_jwt, created_at, updated_at
		     FROM bridge_accounts WHERE name = ?`
	} else {
		q = `SELECT name, did, handle, password, access_jwt, refresh_jwt, created_at, updated_at
		     FROM bridge_accounts WHERE name = $1`
	}
	var a BridgeAccount
	var created, updated string
	err := s.db.QueryRow(q, name).Scan(&a.Name, &a.DID, &a.Handle, &a.Password, &a.AccessJwt, &a.RefreshJwt, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	a.CreatedAt, _ = time.Parse(timeFormat, created)
	a.UpdatedAt, _ = time.Parse(timeFormat, updated)
	return &a, nil
}

// CreateBridgeAccount persists a freshly provisioned bridge account.
func (s *Store) CreateBridgeAccount(a BridgeAccount) error {
	now := time.Now().UTC().Format(timeFormat)
	var q string
	if s.driver == "sqlite" {
		q = `INSERT INTO bridge_accounts (name, did, handle, password, access_jwt, refresh_jwt, created_at, updated_at)
		     VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	} else {
		q = `INSERT INTO bridge_accounts (name, did, handle, password, access_jwt, refresh_jwt, created_at, updated_at)
		     VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	}
	_, err := s.db.Exec(q, a.Name, a.DID, a.Handle, a.Password, a.AccessJwt, a.RefreshJwt, now, now)
	return err
}

// UpdateBridgeAccountTokens rotates the session tokens for a bridge account.
func (s *Store) UpdateBridgeAccountTokens(name, accessJwt, refreshJwt string) error {
	var q string
	if s.driver == "sqlite" {
		q = `UPDATE bridge_accounts SET access_jwt = ?, refresh_jwt = ?, updated_at = ? WHERE name = ?`
	} else {
		q = `UPDATE bridge_accounts SET access_jwt = $1, refresh_jwt = $2, updated_at = $3 WHERE name = $4`
	}
	_, err := s.db.Exec(q, accessJwt, refreshJwt, time.Now().UTC().Format(timeFormat), name)
	return err
}

// DeleteBridgeAccount removes bridge credentials so the account can be
// re-provisioned on next startup.
func (s *Store) DeleteBridgeAccount(name string) error {
	_, err := s.db.Exec(`DELETE FROM bridge_accounts WHERE name = `+s.ph(), name)
	return err
}

// ─── Post mappings ────────────────────────────────────────────────────────────

// PostMapping bridges a record's identity across protocols. When a remote
// reply targets a bridged post, the mapping resolves back to the original AP
// note id instead of a locally minted URI.
type PostMapping struct {
	ATURI     string
	APNoteID  string
	CreatedAt time.Time
}

// CreatePostMapping stores an AT-URI ↔ AP note id pair. Duplicate keys are
// ignored so re-bridging the same post is harmless.
func (s *Store) CreatePostMapping(atURI, apNoteID string) error {
	var q string
	if s.driver == "sqlite" {
		q = `INSERT OR IGNORE INTO post_mappings (at_uri, ap_note_id, created_at) VALUES (?, ?, ?)`
	} else {
		q = `INSERT INTO post_mappings (at_uri, ap_note_id, created_at) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`
	}
	_, err := s.db.Exec(q, atURI, apNoteID, time.Now().UTC().Format(timeFormat))
	return err
}

// GetPostMappingByATURI returns the mapping for an AT-URI, or nil.
func (s *Store) GetPostMappingByATURI(atURI string) (*PostMapping, error) {
	return s.getPostMapping(`at_uri`, atURI)
}

// GetPostMappingByNoteID returns the mapping for an AP note id, or nil.
func (s *Store) GetPostMappingByNoteID(apNoteID string) (*PostMapping, error) {
	return s.getPostMapping(`ap_note_id`, apNoteID)
}

func (s *Store) getPostMapping(column, key string) (*PostMapping, error) {
	var m PostMapping
	var created string
	q := `SELECT at_uri, ap_note_id, created_at FROM post_mappings WHERE ` + column + ` = ` + s.ph()
	err := s.db.QueryRow(q, key).Scan(&m.ATURI, &m.APNoteID, &created)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	m.CreatedAt, _ = time.Parse(timeFormat, created)
	return &m, nil
}

// DeletePostMapping removes a mapping (post deleted upstream).
func (s *Store) DeletePostMapping(atURI string) error {
	_, err := s.db.Exec(`DELETE FROM post_mappings WHERE at_uri = `+s.ph(), atURI)
	return err
}

// ─── Monitored posts ──────────────────────────────────────────────────────────

// MonitoredPost is a local post enrolled in the external-reply polling queue.
type MonitoredPost struct {
	ATURI       string
	AuthorDID   string
	LastChecked *time.Time
	CreatedAt   time.Time
}

// CreateMonitoredPost enrolls a post; re-enrolling is a no-op.
func (s *Store) CreateMonitoredPost(atURI, authorDID string) error {
	var q string
	if s.driver == "sqlite" {
		q = `INSERT OR IGNORE INTO monitored_posts (at_uri, author_did, last_checked, created_at) VALUES (?, ?, NULL, ?)`
	} else {
		q = `INSERT INTO monitored_posts (at_uri, author_did, last_checked, created_at) VALUES ($1, $2, NULL, $3) ON CONFLICT DO NOTHING`
	}
	_, err := s.db.Exec(q, atURI, authorDID, time.Now().UTC().Format(timeFormat))
	return err
}

// GetMonitoredPostsBatch returns up to n posts, least recently checked first.
// Never-checked posts (NULL last_checked) sort before everything else.
func (s *Store) GetMonitoredPostsBatch(n int) ([]MonitoredPost, error) {
	var q string
	if s.driver == "sqlite" {
		q = `SELECT at_uri, author_did, last_checked, created_at FROM monitored_posts
		     ORDER BY last_checked ASC NULLS FIRST LIMIT ?`
	} else {
		q = `SELECT at_uri, author_did, last_checked, created_at FROM monitored_posts
		     ORDER BY last_checked ASC NULLS FIRST LIMIT $1`
	}
	rows, err := s.db.Query(q, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []MonitoredPost
	for rows.Next() {
		var m MonitoredPost
		var checked sql.NullString
		var created string
		if err := rows.Scan(&m.ATURI, &m.AuthorDID, &checked, &created); err != nil {
			return nil, err
		}
		if checked.Valid {
			t, _ := time.Parse(timeFormat, checked.String)
			m.LastChecked = &t
		}
		m.CreatedAt, _ = time.Parse(timeFormat, created)
		result = append(result, m)
	}
	return result, rows.Err()
}

// UpdateMonitoredPostLastChecked stamps a post as polled now.
func (s *Store) UpdateMonitoredPostLastChecked(atURI string) error {
	var q string
	if s.driver == "sqlite" {
		q = `UPDATE monitored_posts SET last_checked = ? WHERE at_uri = ?`
	} else {
		q = `UPDATE monitored_posts SET last_checked = $1 WHERE at_uri = $2`
	}
	_, err := s.db.Exec(q, time.Now().UTC().Format(timeFormat), atURI)
	return err
}

// DeleteMonitoredPost removes a post from the polling queue.
func (s *Store) DeleteMonitoredPost(atURI string) error {
	_, err := s.db.Exec(`DELETE FROM monitored_posts WHERE at_uri = `+s.ph(), atURI)
	return err
}

// ─── External replies ─────────────────────────────────────────────────────────

// ExternalReply is the idempotency ledger for replies discovered via the
// backlink service and already re-published as AP Creates.
type ExternalReply struct {
	ATURI       string
	ParentATURI string
	AuthorDID   string
	APNoteID    string
	CreatedAt   time.Time
}

// GetExternalReply returns the ledger row for a reply AT-URI, or nil.
func (s *Store) GetExternalReply(atURI string) (*ExternalReply, error) {
	var r ExternalReply
	var created string
	err := s.db.QueryRow(`SELECT at_uri, parent_at_uri, author_did, ap_note_id, created_at FROM external_replies WHERE at_uri = `+s.ph(), atURI).
		Scan(&r.ATURI, &r.ParentATURI, &r.AuthorDID, &r.APNoteID, &created)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.CreatedAt, _ = time.Parse(timeFormat, created)
	return &r, nil
}

// CreateExternalReply records a federated external reply. Duplicates are
// ignored; invoking the pipeline twice for the same reply leaves one row.
func (s *Store) CreateExternalReply(r ExternalReply) error {
	var q string
	if s.driver == "sqlite" {
		q = `INSERT OR IGNORE INTO external_replies (at_uri, parent_at_uri, author_did, ap_note_id, created_at)
		     VALUES (?, ?, ?, ?, ?)`
	} else {
		q = `INSERT INTO external_replies (at_uri, parent_at_uri, author_did, ap_note_id, created_at)
		     VALUES ($1, $2, $3, $4, $5) ON CONFLICT DO NOTHING`
	}
	_, err := s.db.Exec(q, r.ATURI, r.ParentATURI, r.AuthorDID, r.APNoteID, time.Now().UTC().Format(timeFormat))
	return err
}

// ─── Stats ────────────────────────────────────────────────────────────────────

// StoreStats holds aggregate counts surfaced through nodeinfo.
type StoreStats struct {
	Users          int // distinct local actors with materialized keys
	LocalPosts     int // bridged posts (post mappings)
	LocalComments  int // federated external replies
	TotalFollowers int
}

// Stats returns aggregate counts in a single pass per table.
func (s *Store) Stats() (StoreStats, error) {
	var st StoreStats
	const q = `
		WITH u AS (SELECT COUNT(DISTINCT user_did) AS users FROM key_pairs),
		     p AS (SELECT COUNT(*) AS posts FROM post_mappings),
		     r AS (SELECT COUNT(*) AS replies FROM external_replies),
		     f AS (SELECT COUNT(*) AS followers FROM follows)
		SELECT users, posts, replies, followers FROM u, p, r, f`
	err := s.db.QueryRow(q).Scan(&st.Users, &st.LocalPosts, &st.LocalComments, &st.TotalFollowers)
	return st, err
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

// ph returns the SQL placeholder token for a single-argument query.
// SQLite uses ? and PostgreSQL uses $1.
func (s *Store) ph() string {
	if s.driver == "postgres" {
		return "$1"
	}
	return "?"
}

func detectDriver(u string) (driver, dsn string) {
	if strings.HasPrefix(u, "postgres://") || strings.HasPrefix(u, "postgresql://") {
		return "postgres", u
	}
	if strings.HasPrefix(u, "sqlite://") {
		return "sqlite", strings.TrimPrefix(u, "sqlite://")
	}
	// Treat bare paths (and ":memory:") as SQLite.
	return "sqlite", u
}
