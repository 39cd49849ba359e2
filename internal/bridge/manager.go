// Package bridge owns the dedicated PDS accounts that publish proxied
// content, and the ingestion path that writes remote replies into them.
package bridge

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/aviary-bridge/aviary/internal/blobs"
	"github.com/aviary-bridge/aviary/internal/config"
	"github.com/aviary-bridge/aviary/internal/db"
	"github.com/aviary-bridge/aviary/internal/pds"
)

// ErrUnavailable is returned once a bridge is disabled or its credentials
// stopped working; it stays down until restart.
var ErrUnavailable = errors.New("bridge: account unavailable")

// Manager provisions and operates one bridge account, named after the side
// it fronts ("mastodon", "bluesky").
type Manager struct {
	Name string

	cfg         config.BridgeSection
	store       *db.Store
	pds         *pds.Client
	blobs       *blobs.Mediator
	adminToken  string
	pdsHostname string

	mu          sync.RWMutex
	account     *db.BridgeAccount
	unavailable bool
	refresh     singleflight.Group
}

func NewManager(name string, cfg config.BridgeSection, store *db.Store, client *pds.Client, mediator *blobs.Mediator, adminToken, pdsHostname string) *Manager {
	return &Manager{
		Name:        name,
		cfg:         cfg,
		store:       store,
		pds:         client,
		blobs:       mediator,
		adminToken:  adminToken,
		pdsHostname: pdsHostname,
	}
}

// Init loads the stored bridge account or provisions a fresh one on the PDS.
// A disabled bridge initializes to the unavailable state without error.
func (m *Manager) Init(ctx context.Context) error {
	if !m.cfg.Enabled {
		return nil
	}

	account, err := m.store.GetBridgeAccount(m.Name)
	if err != nil {
		return fmt.Errorf("load bridge account %s: %w", m.Name, err)
	}
	if account == nil {
		account, err = m.provision(ctx)
		if err != nil {
			return fmt.Errorf("provision bridge account %s: %w", m.Name, err)
		}
	}

	m.mu.Lock()
	m.account = account
	m.mu.Unlock()

	slog.Info("bridge account ready", "bridge", m.Name, "did", account.DID, "handle", account.Handle)
	return nil
}

// provision creates the account: mint an invite with the admin token,
// register, persist the credentials, publish a profile record.
func (m *Manager) provision(ctx context.Context) (*db.BridgeAccount, error) {
	handle := m.cfg.Handle
	if handle == "" {
		handle = m.Name + "." + m.pdsHostname
	}
	password, err := randomPassword()
	if err != nil {
		return nil, err
	}

	invite, err := m.pds.CreateInviteCode(ctx, m.adminToken)
	if err != nil {
		return nil, fmt.Errorf("create invite: %w", err)
	}

	sess, err := m.pds.CreateAccount(ctx, pds.CreateAccountInput{
		Handle:     handle,
		Password:   password,
		InviteCode: invite,
	})
	if err != nil {
		return nil, fmt.Errorf("create account: %w", err)
	}

	account := &db.BridgeAccount{
		Name:       m.Name,
		DID:        sess.DID,
		Handle:     sess.Handle,
		Password:   password,
		AccessJwt:  sess.AccessJwt,
		RefreshJwt: sess.RefreshJwt,
	}
	if err := m.store.CreateBridgeAccount(*account); err != nil {
		return nil, fmt.Errorf("persist account: %w", err)
	}

	avatar := m.fetchAvatar(ctx, sess.AccessJwt)
	if m.cfg.DisplayName != "" || m.cfg.Description != "" || avatar != nil {
		profile := map[string]any{
			"$type":       "app.bsky.actor.profile",
			"displayName": m.cfg.DisplayName,
			"description": m.cfg.Description,
		}
		if avatar != nil {
			profile["avatar"] = avatar
		}
		if _, err := m.pds.PutRecord(ctx, sess.DID, "app.bsky.actor.profile", "self", profile, sess.AccessJwt); err != nil {
			slog.Warn("bridge profile record failed", "bridge", m.Name, "err", err)
		}
	}

	slog.Info("provisioned bridge account", "bridge", m.Name, "did", sess.DID, "handle", sess.Handle)
	return account, nil
}

// fetchAvatar downloads the configured avatar image and stores it as a blob
// on the fresh session. Failures only cost the picture, never the account.
func (m *Manager) fetchAvatar(ctx context.Context, accessJwt string) *pds.BlobRef {
	if m.cfg.AvatarURL == "" || m.blobs == nil {
		return nil
	}
	results := m.blobs.Download(ctx, []blobs.Attachment{{URL: m.cfg.AvatarURL}}, sessionUploader{pds: m.pds, jwt: accessJwt})
	if len(results) == 0 {
		slog.Warn("bridge avatar fetch failed", "bridge", m.Name, "url", m.cfg.AvatarURL)
		return nil
	}
	return results[0].Blob
}

// sessionUploader satisfies blobs.Uploader with a fixed access token; during
// provisioning the account is not yet cached on the manager, so withAuth
// cannot carry the upload.
type sessionUploader struct {
	pds *pds.Client
	jwt string
}

func (u sessionUploader) UploadBlob(ctx context.Context, data []byte, mimeType string) (*pds.BlobRef, error) {
	return u.pds.UploadBlob(ctx, data, mimeType, u.jwt)
}

// IsAvailable reports whether the bridge is configured, initialized, and its
// credentials still work.
func (m *Manager) IsAvailable() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.account != nil && !m.unavailable
}

// DID returns the bridge account's DID, or "" when unavailable.
func (m *Manager) DID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.account == nil {
		return ""
	}
	return m.account.DID
}

// Handle returns the bridge account's handle, or "" when unavailable.
func (m *Manager) Handle() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.account == nil {
		return ""
	}
	return m.account.Handle
}

// CreateRecord writes a record into the bridge account's repo.
func (m *Manager) CreateRecord(ctx context.Context, collection string, value any) (*pds.CreateRecordResponse, error) {
	var resp *pds.CreateRecordResponse
	err := m.withAuth(ctx, func(did, jwt string) error {
		var err error
		resp, err = m.pds.CreateRecord(ctx, did, collection, value, jwt)
		return err
	})
	return resp, err
}

// UploadBlob stores bytes as a blob owned by the bridge account.
func (m *Manager) UploadBlob(ctx context.Context, data []byte, mimeType string) (*pds.BlobRef, error) {
	var blob *pds.BlobRef
	err := m.withAuth(ctx, func(_, jwt string) error {
		var err error
		blob, err = m.pds.UploadBlob(ctx, data, mimeType, jwt)
		return err
	})
	return blob, err
}

// withAuth runs fn with the current access token; on an expired token it
// refreshes once (single-flighted across callers) and retries. A second auth
// failure marks the bridge unavailable until restart.
func (m *Manager) withAuth(ctx context.Context, fn func(did, jwt string) error) error {
	m.mu.RLock()
	account := m.account
	down := m.unavailable
	m.mu.RUnlock()
	if account == nil || down {
		return ErrUnavailable
	}

	err := fn(account.DID, account.AccessJwt)
	if !errors.Is(err, pds.ErrAuthExpired) {
		return err
	}

	jwt, refreshErr := m.refreshTokens(ctx)
	if refreshErr != nil {
		return refreshErr
	}

	err = fn(account.DID, jwt)
	if errors.Is(err, pds.ErrAuthExpired) {
		m.markUnavailable()
		return fmt.Errorf("%w: token rejected after refresh", ErrUnavailable)
	}
	return err
}

// refreshTokens rotates the session pair. Concurrent 401s share one refresh.
func (m *Manager) refreshTokens(ctx context.Context) (string, error) {
	jwt, err, _ := m.refresh.Do(m.Name, func() (any, error) {
		m.mu.RLock()
		refreshJwt := m.account.RefreshJwt
		m.mu.RUnlock()

		sess, err := m.pds.RefreshSession(ctx, refreshJwt)
		if err != nil {
			if errors.Is(err, pds.ErrAuthExpired) {
				m.markUnavailable()
				return "", fmt.Errorf("%w: refresh token rejected", ErrUnavailable)
			}
			return "", fmt.Errorf("refresh session: %w", err)
		}

		if err := m.store.UpdateBridgeAccountTokens(m.Name, sess.AccessJwt, sess.RefreshJwt); err != nil {
			return "", fmt.Errorf("persist rotated tokens: %w", err)
		}
		m.mu.Lock()
		m.account.AccessJwt = sess.AccessJwt
		m.account.RefreshJwt = sess.RefreshJwt
		m.mu.Unlock()

		slog.Info("rotated bridge tokens", "bridge", m.Name)
		return sess.AccessJwt, nil
	})
	if err != nil {
		return "", err
	}
	return jwt.(string), nil
}

func (m *Manager) markUnavailable() {
	m.mu.Lock()
	m.unavailable = true
	m.mu.Unlock()
	slog.Error("bridge marked unavailable until restart", "bridge", m.Name)
}

func randomPassword() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate password: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// BridgeDIDs collects the DIDs of all initialized managers; commits from
// these repos must never re-federate.
func BridgeDIDs(managers ...*Manager) []string {
	var dids []string
	for _, m := range managers {
		if m == nil {
			continue
		}
		if did := m.DID(); did != "" {
			dids = append(dids, did)
		}
	}
	return dids
}

// IsBridgeDID reports whether did belongs to any of the given managers.
func IsBridgeDID(did string, managers ...*Manager) bool {
	for _, d := range BridgeDIDs(managers...) {
		if strings.EqualFold(d, did) {
			return true
		}
	}
	return false
}
