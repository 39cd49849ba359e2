package blobs

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aviary-bridge/aviary/internal/pds"
)

type fakeUploader struct {
	uploads [][]byte
	mimes   []string
	err     error
}

func (f *fakeUploader) UploadBlob(_ context.Context, data []byte, mimeType string) (*pds.BlobRef, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.uploads = append(f.uploads, data)
	f.mimes = append(f.mimes, mimeType)
	return &pds.BlobRef{
		Type:     "blob",
		Ref:      pds.CIDLink{Link: "bafyfake"},
		MimeType: mimeType,
		Size:     int64(len(data)),
	}, nil
}

func TestDownloadMirrorsAttachment(t *testing.T) {
	payload := []byte("fake image bytes")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.Header.Get("User-Agent"), "aviary")
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write(payload)
	}))
	defer srv.Close()

	up := &fakeUploader{}
	m := New(true)
	results := m.Download(context.Background(), []Attachment{
		{URL: srv.URL + "/media/1.jpg", MediaType: "image/jpeg", Name: "a cat"},
	}, up)

	require.Len(t, results, 1)
	assert.Equal(t, "a cat", results[0].Alt)
	assert.Equal(t, "bafyfake", results[0].Blob.Ref.Link)
	require.Len(t, up.uploads, 1)
	assert.True(t, bytes.Equal(payload, up.uploads[0]))
	assert.Equal(t, "image/jpeg", up.mimes[0])
}

func TestDownloadSkipsOversizeByHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(maxBlobSize+1))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	up := &fakeUploader{}
	m := New(true)
	results := m.Download(context.Background(), []Attachment{{URL: srv.URL}}, up)
	assert.Empty(t, results)
	assert.Empty(t, up.uploads)
}

func TestDownloadSkipsOversizeBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// No Content-Length: chunked body past the cap.
		chunk := bytes.Repeat([]byte("x"), 1<<20)
		for i := 0; i < 11; i++ {
			w.Write(chunk)
		}
	}))
	defer srv.Close()

	up := &fakeUploader{}
	m := New(true)
	results := m.Download(context.Background(), []Attachment{{URL: srv.URL}}, up)
	assert.Empty(t, results)
}

func TestDownloadSkipsNon2xxAndContinues(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/gone" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	up := &fakeUploader{}
	m := New(true)
	results := m.Download(context.Background(), []Attachment{
		{URL: srv.URL + "/gone"},
		{URL: srv.URL + "/fine", Name: "second"},
	}, up)

	require.Len(t, results, 1)
	assert.Equal(t, "second", results[0].Alt)
}

func TestDownloadRejectsPrivateAddress(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("should not be reached"))
	}))
	defer srv.Close()

	up := &fakeUploader{}
	m := New(false)
	results := m.Download(context.Background(), []Attachment{{URL: srv.URL}}, up)
	assert.Empty(t, results)
	assert.Empty(t, up.uploads)
}
