// Package pds is a thin typed client for the AT-Protocol XRPC surface of a
// Personal Data Server. Authentication is per-call: callers that act on
// behalf of a bridge account pass its access JWT explicitly.
package pds

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const userAgent = "aviary/1.0 (+https://github.com/aviary-bridge/aviary)"

// ErrAuthExpired signals that the supplied access token was rejected.
// Callers holding a refresh token should refresh once and retry.
var ErrAuthExpired = errors.New("pds: auth expired")

// Error is a non-2xx XRPC response.
type Error struct {
	StatusCode int
	Body       string
}

func (e *Error) Error() string {
	return fmt.Sprintf("pds: HTTP %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether err is worth retrying: transport failures and
// 5xx responses are, 4xx responses are not.
func Retryable(err error) bool {
	var xe *Error
	if errors.As(err, &xe) {
		return xe.StatusCode >= 500
	}
	return err != nil && !errors.Is(err, ErrAuthExpired)
}

// Client talks XRPC to one PDS (or AppView) base URL.
type Client struct {
	BaseURL string

	http *http.Client
}

// NewClient creates a client for the given base URL, e.g. "http://localhost:3000"
// or "https://public.api.bsky.app".
func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// GetRecord fetches a single record via com.atproto.repo.getRecord.
// Returns (nil, nil) when the record does not exist.
func (c *Client) GetRecord(ctx context.Context, repo, collection, rkey string) (*RecordResponse, error) {
	params := url.Values{}
	params.Set("repo", repo)
	params.Set("collection", collection)
	params.Set("rkey", rkey)

	var resp RecordResponse
	err := c.get(ctx, "com.atproto.repo.getRecord", params, "", &resp)
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pds getRecord: %w", err)
	}
	return &resp, nil
}

// ListRecordsParams narrows a ListRecords call. Zero values are omitted.
type ListRecordsParams struct {
	Limit   int
	Cursor  string
	Reverse bool
}

// ListRecords lists a repo collection via com.atproto.repo.listRecords.
func (c *Client) ListRecords(ctx context.Context, repo, collection string, p ListRecordsParams) (*ListRecordsResponse, error) {
	params := url.Values{}
	params.Set("repo", repo)
	params.Set("collection", collection)
	if p.Limit > 0 {
		params.Set("limit", strconv.Itoa(p.Limit))
	}
	if p.Cursor != "" {
		params.Set("cursor", p.Cursor)
	}
	if p.Reverse {
		params.Set("reverse", "true")
	}

	var resp ListRecordsResponse
	if err := c.get(ctx, "com.atproto.repo.listRecords", params, "", &resp); err != nil {
		return nil, fmt.Errorf("pds listRecords: %w", err)
	}
	return &resp, nil
}

// GetAccount describes a repo by DID or handle via com.atproto.repo.describeRepo.
// Returns (nil, nil) for unknown accounts.
func (c *Client) GetAccount(ctx context.Context, didOrHandle string) (*Account, error) {
	params := url.Values{}
	params.Set("repo", didOrHandle)

	var resp Account
	err := c.get(ctx, "com.atproto.repo.describeRepo", params, "", &resp)
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pds getAccount: %w", err)
	}
	return &resp, nil
}

// ResolveHandle resolves a handle to its DID via com.atproto.identity.resolveHandle.
// Returns ("", nil) for unknown handles.
func (c *Client) ResolveHandle(ctx context.Context, handle string) (string, error) {
	params := url.Values{}
	params.Set("handle", handle)

	var resp struct {
		DID string `json:"did"`
	}
	err := c.get(ctx, "com.atproto.identity.resolveHandle", params, "", &resp)
	if isNotFound(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("pds resolveHandle: %w", err)
	}
	return resp.DID, nil
}

// GetProfile fetches an actor profile view via app.bsky.actor.getProfile.
// Meant for AppView base URLs; returns (nil, nil) for unknown actors.
func (c *Client) GetProfile(ctx context.Context, actor string) (*Profile, error) {
	params := url.Values{}
	params.Set("actor", actor)

	var resp Profile
	err := c.get(ctx, "app.bsky.actor.getProfile", params, "", &resp)
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pds getProfile: %w", err)
	}
	return &resp, nil
}

// CreateRecord creates a record via com.atproto.repo.createRecord.
func (c *Client) CreateRecord(ctx context.Context, repo, collection string, record any, authJwt string) (*CreateRecordResponse, error) {
	req := map[string]any{
		"repo":       repo,
		"collection": collection,
		"record":     record,
	}
	var resp CreateRecordResponse
	if err := c.post(ctx, "com.atproto.repo.createRecord", req, authJwt, &resp); err != nil {
		return nil, fmt.Errorf("pds createRecord: %w", err)
	}
	return &resp, nil
}

// PutRecord writes a record at a fixed rkey via com.atproto.repo.putRecord.
func (c *Client) PutRecord(ctx context.Context, repo, collection, rkey string, record any, authJwt string) (*CreateRecordResponse, error) {
	req := map[string]any{
		"repo":       repo,
		"collection": collection,
		"rkey":       rkey,
		"record":     record,
	}
	var resp CreateRecordResponse
	if err := c.post(ctx, "com.atproto.repo.putRecord", req, authJwt, &resp); err != nil {
		return nil, fmt.Errorf("pds putRecord: %w", err)
	}
	return &resp, nil
}

// UploadBlob uploads raw bytes via com.atproto.repo.uploadBlob and returns
// the resulting blob ref.
func (c *Client) UploadBlob(ctx context.Context, data []byte, mimeType, authJwt string) (*BlobRef, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/xrpc/com.atproto.repo.uploadBlob", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("pds uploadBlob: %w", err)
	}
	req.Header.Set("Content-Type", mimeType)
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Authorization", "Bearer "+authJwt)

	var resp struct {
		Blob BlobRef `json:"blob"`
	}
	if err := c.do(req, &resp); err != nil {
		return nil, fmt.Errorf("pds uploadBlob: %w", err)
	}
	return &resp.Blob, nil
}

// CreateSession authenticates via com.atproto.server.createSession.
func (c *Client) CreateSession(ctx context.Context, identifier, password string) (*Session, error) {
	req := map[string]string{
		"identifier": identifier,
		"password":   password,
	}
	var resp Session
	if err := c.post(ctx, "com.atproto.server.createSession", req, "", &resp); err != nil {
		return nil, fmt.Errorf("pds createSession: %w", err)
	}
	return &resp, nil
}

// RefreshSession rotates a token pair via com.atproto.server.refreshSession.
// The refresh JWT goes in the Authorization header; the body is empty.
func (c *Client) RefreshSession(ctx context.Context, refreshJwt string) (*Session, error) {
	var resp Session
	if err := c.post(ctx, "com.atproto.server.refreshSession", nil, refreshJwt, &resp); err != nil {
		return nil, fmt.Errorf("pds refreshSession: %w", err)
	}
	return &resp, nil
}

// CreateInviteCode mints a single-use invite via com.atproto.server.createInviteCode.
// Requires the PDS admin token (HTTP basic, user "admin").
func (c *Client) CreateInviteCode(ctx context.Context, adminToken string) (string, error) {
	body, _ := json.Marshal(map[string]int{"useCount": 1})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/xrpc/com.atproto.server.createInviteCode", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("pds createInviteCode: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.SetBasicAuth("admin", adminToken)

	var resp struct {
		Code string `json:"code"`
	}
	if err := c.do(req, &resp); err != nil {
		return "", fmt.Errorf("pds createInviteCode: %w", err)
	}
	return resp.Code, nil
}

// CreateAccountInput is the body of com.atproto.server.createAccount.
type CreateAccountInput struct {
	Handle     string `json:"handle"`
	Email      string `json:"email,omitempty"`
	Password   string `json:"password"`
	InviteCode string `json:"inviteCode,omitempty"`
}

// CreateAccount registers a new PDS account and returns its first session.
func (c *Client) CreateAccount(ctx context.Context, input CreateAccountInput) (*Session, error) {
	var resp Session
	if err := c.post(ctx, "com.atproto.server.createAccount", input, "", &resp); err != nil {
		return nil, fmt.Errorf("pds createAccount: %w", err)
	}
	return &resp, nil
}

// GetBlobURL synthesizes the public fetch URL for a blob. No I/O.
func (c *Client) GetBlobURL(did, cid string) string {
	return fmt.Sprintf("%s/xrpc/com.atproto.sync.getBlob?did=%s&cid=%s", c.BaseURL, url.QueryEscape(did), url.QueryEscape(cid))
}

// ─── Internal helpers ─────────────────────────────────────────────────────────

func (c *Client) get(ctx context.Context, method string, params url.Values, authJwt string, out any) error {
	rawURL := c.BaseURL + "/xrpc/" + method
	if len(params) > 0 {
		rawURL += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("create GET request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if authJwt != "" {
		req.Header.Set("Authorization", "Bearer "+authJwt)
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, method string, body any, authJwt string, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/xrpc/"+method, reader)
	if err != nil {
		return fmt.Errorf("create POST request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if authJwt != "" {
		req.Header.Set("Authorization", "Bearer "+authJwt)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("http %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode == 401 {
		return ErrAuthExpired
	}
	if resp.StatusCode == 400 && strings.Contains(string(respBody), "ExpiredToken") {
		return ErrAuthExpired
	}
	if resp.StatusCode >= 400 {
		return &Error{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// isNotFound matches the PDS convention for missing resources: a plain 404, or
// a 400 carrying RecordNotFound/RepoNotFound error codes.
func isNotFound(err error) bool {
	var xe *Error
	if !errors.As(err, &xe) {
		return false
	}
	if xe.StatusCode == 404 {
		return true
	}
	return xe.StatusCode == 400 && (strings.Contains(xe.Body, "RecordNotFound") ||
		strings.Contains(xe.Body, "RepoNotFound") ||
		strings.Contains(xe.Body, "CouldNotLocateRecord") ||
		strings.Contains(xe.Body, "HandleNotFound") ||
		strings.Contains(xe.Body, "Profile not found"))
}
