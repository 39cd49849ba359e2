package ap

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-fed/httpsig"
)

// ErrGone is returned when a remote resource responds with HTTP 410 Gone,
// typically a deleted actor or object.
var ErrGone = errors.New("resource gone (410)")

const userAgent = "aviary/1.0 (+https://github.com/aviary-bridge/aviary)"

var httpClient = &http.Client{
	Timeout: 10 * time.Second,
}

const actorCacheTTL = time.Hour

type cacheEntry struct {
	actor   *Actor
	expires time.Time
}

// actorCache is a TTL-bounded in-memory cache for fetched remote actors.
var actorCache sync.Map // url → cacheEntry

// FetchActor fetches and parses a remote AP actor. Results are cached.
func FetchActor(ctx context.Context, actorURL string) (*Actor, error) {
	if cached, ok := actorCache.Load(actorURL); ok {
		entry := cached.(cacheEntry)
		if time.Now().Before(entry.expires) {
			return entry.actor, nil
		}
		actorCache.Delete(actorURL)
	}

	var actor Actor
	if err := fetchJSON(ctx, actorURL, &actor); err != nil {
		return nil, err
	}
	if !IsActorType(actor.Type) {
		return nil, fmt.Errorf("object at %s is a %s, not an actor", actorURL, actor.Type)
	}

	actorCache.Store(actorURL, cacheEntry{actor: &actor, expires: time.Now().Add(actorCacheTTL)})
	return &actor, nil
}

// InvalidateActor removes a URL from the actor cache.
func InvalidateActor(actorURL string) {
	actorCache.Delete(actorURL)
}

// FetchObject fetches a remote AP object as raw JSON.
func FetchObject(ctx context.Context, rawURL string) (map[string]interface{}, error) {
	var obj map[string]interface{}
	if err := fetchJSON(ctx, rawURL, &obj); err != nil {
		return nil, err
	}
	return obj, nil
}

func fetchJSON(ctx context.Context, rawURL string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", `application/activity+json, application/ld+json; profile="https://www.w3.org/ns/activitystreams"`)
	req.Header.Set("User-Agent", userAgent)

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusGone {
		return ErrGone
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch %s: HTTP %d", rawURL, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response from %s: %w", rawURL, err)
	}
	return nil
}

// DeliverActivity posts a signed activity to a remote inbox.
func DeliverActivity(ctx context.Context, inbox string, activity map[string]interface{}, keyID string, privKey *rsa.PrivateKey) error {
	body, err := json.Marshal(activity)
	if err != nil {
		return fmt.Errorf("marshal activity: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, inbox, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/activity+json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	req.Header.Set("Host", req.URL.Host)

	signer, _, err := httpsig.NewSigner(
		[]httpsig.Algorithm{httpsig.RSA_SHA256},
		httpsig.DigestSha256,
		[]string{httpsig.RequestTarget, "host", "date", "digest"},
		httpsig.Signature,
		0,
	)
	if err != nil {
		return fmt.Errorf("create signer: %w", err)
	}
	if err := signer.SignRequest(privKey, keyID, req, body); err != nil {
		return fmt.Errorf("sign request: %w", err)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("deliver to %s: %w", inbox, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("deliver to %s: HTTP %d", inbox, resp.StatusCode)
	}
	return nil
}

// VerifySignature verifies an inbound HTTP signature against the signing
// actor's published key. Returns the keyID on success.
func VerifySignature(req *http.Request) (string, error) {
	verifier, err := httpsig.NewVerifier(req)
	if err != nil {
		return "", fmt.Errorf("create verifier: %w", err)
	}

	keyID := verifier.KeyId()
	actorURL := strings.Split(keyID, "#")[0]
	actor, err := FetchActor(req.Context(), actorURL)
	if err != nil {
		if errors.Is(err, ErrGone) {
			// Actor deleted; typically a Delete from a now-gone account.
			// Accept without verification, the handler drops unknown actors.
			return keyID, nil
		}
		return "", fmt.Errorf("fetch actor for key %s: %w", keyID, err)
	}

	if actor.PublicKey == nil {
		return "", fmt.Errorf("actor %s has no public key", actorURL)
	}
	pubKey, err := ParsePublicKeyPEM(actor.PublicKey.PublicKeyPem)
	if err != nil {
		return "", fmt.Errorf("parse public key for %s: %w", actorURL, err)
	}
	if err := verifier.Verify(pubKey, httpsig.RSA_SHA256); err != nil {
		return "", fmt.Errorf("signature verification failed: %w", err)
	}
	return keyID, nil
}
