package convert

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bluesky-social/indigo/atproto/syntax"
	cbornode "github.com/ipfs/go-ipld-cbor"
	mh "github.com/multiformats/go-multihash"

	"github.com/aviary-bridge/aviary/internal/ap"
	"github.com/aviary-bridge/aviary/internal/blobs"
	"github.com/aviary-bridge/aviary/internal/db"
	"github.com/aviary-bridge/aviary/internal/pds"
	"github.com/aviary-bridge/aviary/internal/richtext"
)

// maxPostBytes is the app.bsky.feed.post text ceiling in UTF-8 bytes.
const maxPostBytes = 3000

// maxEmbedImages is the lexicon limit for app.bsky.embed.images.
const maxEmbedImages = 4

// PostConverter bridges app.bsky.feed.post records and AP Notes.
type PostConverter struct {
	Store *db.Store
	Fed   *ap.FedContext
	PDS   *pds.Client
	Blobs *blobs.Mediator
}

func (c *PostConverter) Collection() string { return pds.CollectionPost }

// ToActivityPub renders a post record as a Note wrapped in a Create.
func (c *PostConverter) ToActivityPub(ctx context.Context, identifier string, rec *pds.RecordResponse) (*APResult, error) {
	var post pds.FeedPost
	if err := json.Unmarshal(rec.Value, &post); err != nil {
		return nil, fmt.Errorf("decode post %s: %w", rec.URI, err)
	}

	did, _, rkey, err := ap.ParseATURI(rec.URI)
	if err != nil {
		return nil, err
	}

	apURI := c.Fed.ObjectURI(rec.URI)
	actorURI := c.Fed.ActorURI(identifier)
	followers := c.Fed.FollowersURI(identifier)
	bskyURL := fmt.Sprintf("https://bsky.app/profile/%s/post/%s", identifier, rkey)

	note := &ap.Note{
		ID:           apURI,
		Type:         "Note",
		AttributedTo: actorURI,
		Content:      richtext.ToHTML(post.Text),
		Published:    post.CreatedAt,
		To:           ap.StringOrArray{ap.PublicURI},
		CC:           ap.StringOrArray{followers},
		URL:          bskyURL,
		Replies:      ap.EmptyCollection(apURI + "/replies"),
		Shares:       ap.EmptyCollection(apURI + "/shares"),
		Likes:        ap.EmptyCollection(apURI + "/likes"),
	}

	if len(post.Langs) > 0 {
		note.ContentMap = make(map[string]string, len(post.Langs))
		for _, lang := range post.Langs {
			note.ContentMap[lang] = note.Content
		}
	}

	// A reply to a bridged external post keeps the original AP note id so
	// remote servers thread it correctly.
	if post.Reply != nil && post.Reply.Parent.URI != "" {
		mapping, err := c.Store.GetPostMappingByATURI(post.Reply.Parent.URI)
		if err != nil {
			return nil, fmt.Errorf("lookup reply mapping: %w", err)
		}
		if mapping != nil {
			note.InReplyTo = mapping.APNoteID
		} else {
			note.InReplyTo = c.Fed.ObjectURI(post.Reply.Parent.URI)
		}
	}

	note.Attachment = c.embedDocuments(did, post.Embed)

	activity := &ap.Activity{
		ID:        apURI + "#activity",
		Type:      "Create",
		Actor:     actorURI,
		Object:    note,
		To:        []string{ap.PublicURI},
		CC:        []string{followers},
		URL:       bskyURL,
		Published: post.CreatedAt,
	}
	return &APResult{Object: note, Activity: activity}, nil
}

// embedDocuments renders a post embed as AP Documents served via the PDS
// blob endpoint.
func (c *PostConverter) embedDocuments(did string, embed *pds.Embed) []ap.Document {
	if embed == nil {
		return nil
	}
	var docs []ap.Document
	switch embed.Type {
	case pds.EmbedImagesType:
		for _, img := range embed.Images {
			doc := ap.Document{
				Type:      "Document",
				URL:       c.PDS.GetBlobURL(did, img.Image.Ref.Link),
				MediaType: img.Image.MimeType,
				Name:      img.Alt,
			}
			if img.AspectRatio != nil {
				doc.Width = img.AspectRatio.Width
				doc.Height = img.AspectRatio.Height
			}
			docs = append(docs, doc)
		}
	case pds.EmbedVideoType:
		if embed.Video != nil {
			docs = append(docs, ap.Document{
				Type:      "Document",
				URL:       c.PDS.GetBlobURL(did, embed.Video.Ref.Link),
				MediaType: embed.Video.MimeType,
				Name:      embed.Alt,
			})
		}
	}
	return docs
}

// ToRecord renders a Note as a post record owned by identifier's repo.
// Returns (nil, nil) for Notes with no content.
func (c *PostConverter) ToRecord(ctx context.Context, identifier string, note *ap.Note, opts RecordOpts) (*RecordResult, error) {
	html, lang := richtext.ExtractLanguage(note.Content, note.ContentMap)
	if html == "" {
		return nil, nil
	}
	parsed, err := richtext.Parse(html, lang)
	if err != nil {
		return nil, fmt.Errorf("parse note content: %w", err)
	}
	if parsed.Text == "" {
		return nil, nil
	}

	post := &pds.FeedPost{
		Type:      pds.CollectionPost,
		Text:      truncateUTF8(parsed.Text, maxPostBytes),
		CreatedAt: note.Published,
		Langs:     parsed.Langs,
	}
	if post.CreatedAt == "" {
		post.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	// Facets survive only when no truncation moved their targets.
	if post.Text == parsed.Text {
		post.Facets = parsed.Facets
	}

	if opts.Uploader != nil && len(note.Attachment) > 0 {
		post.Embed = c.buildEmbed(ctx, note.Attachment, opts.Uploader)
	}

	if note.InReplyTo != "" {
		if parentURI, ok := c.Fed.ParseObjectURI(note.InReplyTo); ok {
			// Parent doubles as root; nested chains keep the relaxed form
			// until the ingest path refines the root from the parent record.
			ref := pds.StrongRef{URI: parentURI}
			post.Reply = &pds.ReplyRef{Root: ref, Parent: ref}
		}
	}

	rkey := syntax.NewTIDNow(0).String()
	uri := fmt.Sprintf("at://%s/%s/%s", identifier, pds.CollectionPost, rkey)

	cid, err := recordCID(post)
	if err != nil {
		return nil, fmt.Errorf("compute record CID: %w", err)
	}

	return &RecordResult{URI: uri, CID: cid, Value: post}, nil
}

// buildEmbed mirrors attachments to the PDS and assembles the post embed:
// up to four images, or the first video when no image exists.
func (c *PostConverter) buildEmbed(ctx context.Context, attachments []ap.Document, up blobs.Uploader) *pds.Embed {
	var images, videos []blobs.Attachment
	for _, att := range attachments {
		switch {
		case strings.HasPrefix(att.MediaType, "image/"):
			images = append(images, blobs.Attachment{
				URL: att.URL, MediaType: att.MediaType, Name: att.Name,
				Width: att.Width, Height: att.Height,
			})
		case strings.HasPrefix(att.MediaType, "video/"):
			videos = append(videos, blobs.Attachment{
				URL: att.URL, MediaType: att.MediaType, Name: att.Name,
			})
		}
	}

	if len(images) > 0 {
		if len(images) > maxEmbedImages {
			images = images[:maxEmbedImages]
		}
		results := c.Blobs.Download(ctx, images, up)
		if len(results) == 0 {
			return nil
		}
		embed := &pds.Embed{Type: pds.EmbedImagesType}
		for _, res := range results {
			img := pds.EmbedImage{Alt: res.Alt, Image: *res.Blob}
			if res.Width > 0 && res.Height > 0 {
				img.AspectRatio = &pds.AspectRatio{Width: res.Width, Height: res.Height}
			}
			embed.Images = append(embed.Images, img)
		}
		return embed
	}

	if len(videos) > 0 {
		results := c.Blobs.Download(ctx, videos[:1], up)
		if len(results) == 0 {
			return nil
		}
		return &pds.Embed{Type: pds.EmbedVideoType, Video: results[0].Blob, Alt: results[0].Alt}
	}
	return nil
}

// truncateUTF8 caps s at max bytes without splitting a rune; a truncated
// string ends in "...".
func truncateUTF8(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max - 3
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

// recordCID computes the CID of a record's DAG-CBOR encoding.
func recordCID(record interface{}) (string, error) {
	encoded, err := json.Marshal(record)
	if err != nil {
		return "", err
	}
	var generic map[string]interface{}
	if err := json.Unmarshal(encoded, &generic); err != nil {
		return "", err
	}
	node, err := cbornode.WrapObject(generic, mh.SHA2_256, -1)
	if err != nil {
		return "", err
	}
	return node.Cid().String(), nil
}
