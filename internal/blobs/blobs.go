// Package blobs fetches remote media attachments and re-uploads them to the
// PDS as blobs.
package blobs

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/aviary-bridge/aviary/internal/pds"
)

// maxBlobSize is the hard ceiling for a single downloaded attachment.
const maxBlobSize = 10 << 20 // 10 MiB

const userAgent = "aviary/1.0 (+https://github.com/aviary-bridge/aviary)"

// Uploader stores downloaded bytes as a PDS blob. Satisfied by the bridge
// account manager.
type Uploader interface {
	UploadBlob(ctx context.Context, data []byte, mimeType string) (*pds.BlobRef, error)
}

// Attachment is one remote media item to mirror, as described by an
// ActivityPub Document.
type Attachment struct {
	URL       string
	MediaType string
	Name      string // alt text
	Width     int
	Height    int
}

// Result is one successfully mirrored attachment.
type Result struct {
	Blob   *pds.BlobRef
	Alt    string
	Width  int
	Height int
}

// Mediator downloads attachments with size and address guards.
type Mediator struct {
	http         *http.Client
	allowPrivate bool
}

// New creates a Mediator. allowPrivate disables the private-address guard and
// exists for tests against loopback servers.
func New(allowPrivate bool) *Mediator {
	return &Mediator{
		http: &http.Client{
			Timeout: 60 * time.Second,
		},
		allowPrivate: allowPrivate,
	}
}

// Download mirrors each attachment to the PDS, sequentially. Failures
// (unreachable host, non-2xx, oversize body, upload error) skip the
// attachment and never fail the batch; callers tolerate a shorter result.
func (m *Mediator) Download(ctx context.Context, attachments []Attachment, up Uploader) []Result {
	var results []Result
	for _, att := range attachments {
		res, err := m.downloadOne(ctx, att, up)
		if err != nil {
			slog.Warn("skipping attachment", "url", att.URL, "err", err)
			continue
		}
		results = append(results, res)
	}
	return results
}

func (m *Mediator) downloadOne(ctx context.Context, att Attachment, up Uploader) (Result, error) {
	if err := m.checkTarget(att.URL); err != nil {
		return Result{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, att.URL, nil)
	if err != nil {
		return Result{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := m.http.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Result{}, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	if resp.ContentLength > maxBlobSize {
		return Result{}, fmt.Errorf("content-length %d exceeds %d byte limit", resp.ContentLength, maxBlobSize)
	}

	// The header may be absent or lying, so enforce the cap on the body too.
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBlobSize+1))
	if err != nil {
		return Result{}, fmt.Errorf("read body: %w", err)
	}
	if len(data) > maxBlobSize {
		return Result{}, fmt.Errorf("body exceeds %d byte limit", maxBlobSize)
	}

	mimeType := att.MediaType
	if mimeType == "" {
		mimeType = resp.Header.Get("Content-Type")
	}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	blob, err := up.UploadBlob(ctx, data, mimeType)
	if err != nil {
		return Result{}, fmt.Errorf("upload: %w", err)
	}
	return Result{Blob: blob, Alt: att.Name, Width: att.Width, Height: att.Height}, nil
}

// checkTarget rejects URLs whose host resolves only to loopback or private
// addresses, unless the allowance flag is set.
func (m *Mediator) checkTarget(rawURL string) error {
	if m.allowPrivate {
		return nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	ips, err := net.LookupIP(u.Hostname())
	if err != nil {
		return fmt.Errorf("resolve host: %w", err)
	}
	for _, ip := range ips {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
			return fmt.Errorf("host %s resolves to private address %s", u.Hostname(), ip)
		}
	}
	return nil
}
