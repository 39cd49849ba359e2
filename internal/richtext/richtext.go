// Package richtext converts between Fediverse HTML content and AT-Protocol
// plain text with byte-offset facets.
package richtext

import (
	"html"
	"sort"
	"strings"

	xhtml "golang.org/x/net/html"

	"github.com/aviary-bridge/aviary/internal/pds"
)

// Link is one anchor extracted from HTML content.
type Link struct {
	Href string
	Text string
}

// Parsed is the plain-text rendering of an HTML fragment plus its link facets.
type Parsed struct {
	Text   string
	Langs  []string
	Facets []pds.Facet
	Links  []Link
}

// Parse walks an HTML fragment producing plain text and a link facet per
// anchor. Facet offsets are UTF-8 byte positions into Text. Descendants of
// elements with the "invisible" class are skipped (the Fediverse convention
// for hiding URL decoration), paragraphs become blank-line separators and
// <br> a single newline.
func Parse(fragment string, lang string) (*Parsed, error) {
	doc, err := xhtml.Parse(strings.NewReader(fragment))
	if err != nil {
		return nil, err
	}

	var w walker
	w.walk(doc)

	p := &Parsed{
		Text:  strings.TrimRight(w.text.String(), "\n"),
		Links: w.links,
	}
	if lang != "" {
		p.Langs = []string{lang}
	}

	// Locate each anchor's visible text at its first occurrence after the
	// previous match, so repeated link texts map to distinct facets.
	searchFrom := 0
	for _, l := range p.Links {
		if l.Text == "" {
			continue
		}
		idx := strings.Index(p.Text[searchFrom:], l.Text)
		if idx < 0 {
			continue
		}
		start := searchFrom + idx
		end := start + len(l.Text)
		searchFrom = end
		p.Facets = append(p.Facets, pds.Facet{
			Index: pds.ByteSlice{ByteStart: start, ByteEnd: end},
			Features: []pds.FacetFeature{
				{Type: pds.FacetLink, URI: l.Href},
			},
		})
	}
	return p, nil
}

type walker struct {
	text  strings.Builder
	links []Link
}

func (w *walker) walk(n *xhtml.Node) {
	switch n.Type {
	case xhtml.TextNode:
		w.text.WriteString(n.Data)
		return
	case xhtml.ElementNode:
		if hasClass(n, "invisible") {
			return
		}
		switch n.Data {
		case "br":
			w.text.WriteString("\n")
			return
		case "p":
			if w.text.Len() > 0 && !strings.HasSuffix(w.text.String(), "\n\n") {
				w.text.WriteString("\n\n")
			}
		case "a":
			start := w.text.Len()
			for c := n.FirstChild; c != nil; c = c.NextSibling {
				w.walk(c)
			}
			w.links = append(w.links, Link{
				Href: attr(n, "href"),
				Text: w.text.String()[start:],
			})
			return
		case "script", "style":
			return
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		w.walk(c)
	}
}

func hasClass(n *xhtml.Node, class string) bool {
	for _, f := range strings.Fields(attr(n, "class")) {
		if f == class {
			return true
		}
	}
	return false
}

func attr(n *xhtml.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// ToHTML renders plain text as minimal HTML: blank-line separated paragraphs
// become <p> elements, remaining newlines become <br>.
func ToHTML(text string) string {
	paragraphs := strings.Split(text, "\n\n")
	var b strings.Builder
	for _, p := range paragraphs {
		b.WriteString("<p>")
		b.WriteString(strings.ReplaceAll(html.EscapeString(p), "\n", "<br>"))
		b.WriteString("</p>")
	}
	return b.String()
}

// ExtractLanguage picks the HTML content and its language tag from a Note.
// When a contentMap is present its first entry (by sorted tag) wins; otherwise
// the untagged content is returned with an empty language.
func ExtractLanguage(content string, contentMap map[string]string) (string, string) {
	if len(contentMap) > 0 {
		tags := make([]string, 0, len(contentMap))
		for lang := range contentMap {
			tags = append(tags, lang)
		}
		sort.Strings(tags)
		return contentMap[tags[0]], tags[0]
	}
	return content, ""
}
