// Package convert maps AT-Protocol records to ActivityPub objects and back.
// Converters register per collection NSID; unregistered collections are
// invisible to federation.
package convert

import (
	"context"

	"github.com/aviary-bridge/aviary/internal/ap"
	"github.com/aviary-bridge/aviary/internal/blobs"
	"github.com/aviary-bridge/aviary/internal/pds"
)

// APResult is the ActivityPub rendering of one record.
type APResult struct {
	// Object is the bare AP object, served from the object route.
	Object interface{}
	// Activity wraps Object for outbox listings and firehose delivery.
	Activity *ap.Activity
}

// RecordResult is the record rendering of one AP object.
type RecordResult struct {
	URI   string
	CID   string
	Value interface{}
}

// RecordOpts carries the per-call context of an AP→record conversion.
type RecordOpts struct {
	// Uploader mirrors attachments to the PDS; nil skips media.
	Uploader blobs.Uploader
}

// Converter translates one collection between protocols. Either direction
// may return (nil, nil) when the input has no representation on the other
// side.
type Converter interface {
	Collection() string
	ToActivityPub(ctx context.Context, identifier string, rec *pds.RecordResponse) (*APResult, error)
	ToRecord(ctx context.Context, identifier string, note *ap.Note, opts RecordOpts) (*RecordResult, error)
}

// Registry maps collection NSIDs to converters. Populated once at startup,
// read-only afterwards.
type Registry struct {
	byCollection map[string]Converter
	order        []string
}

func NewRegistry(converters ...Converter) *Registry {
	r := &Registry{byCollection: make(map[string]Converter)}
	for _, c := range converters {
		r.byCollection[c.Collection()] = c
		r.order = append(r.order, c.Collection())
	}
	return r
}

// Get returns the converter registered for collection, if any.
func (r *Registry) Get(collection string) (Converter, bool) {
	c, ok := r.byCollection[collection]
	return c, ok
}

// Collections lists registered collection NSIDs in registration order.
func (r *Registry) Collections() []string {
	return r.order
}
