package knowledge

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/m-mizutani/goerr/v2"
	"golang.org/x/net/html"
)

// Source is a document submitted for ingestion.
type Source struct {
	Title       string
	Category    string
	Language    string
	Industry    string
	ContentType string // "text/plain" (default) or "text/html"
	Body        string
}

// Extract returns the plain text of a source, whitespace-normalised.
func Extract(src Source) (string, error) {
	contentType := strings.ToLower(strings.TrimSpace(src.ContentType))
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = strings.TrimSpace(contentType[:i])
	}

	var text string
	switch contentType {
	case "", "text/plain", "text/markdown":
		text = src.Body

	case "text/html", "application/xhtml+xml":
		doc, err := goquery.NewDocumentFromReader(strings.NewReader(src.Body))
		if err != nil {
			return "", goerr.Wrap(err, "failed to parse HTML", goerr.V("title", src.Title))
		}
		doc.Find("script, style, noscript, nav, footer").Remove()

		root := doc.Find("body")
		if root.Length() == 0 {
			root = doc.Selection
		}
		var parts []string
		for _, n := range root.Nodes {
			collectText(n, &parts)
		}
		text = strings.Join(parts, " ")

	default:
		return "", goerr.Wrap(ErrInvalidDocument, "unsupported content type", goerr.V("content_type", src.ContentType))
	}

	text = strings.Join(strings.Fields(text), " ")
	if text == "" {
		return "", goerr.Wrap(ErrEmptyDocument, "no text extracted", goerr.V("title", src.Title))
	}
	return text, nil
}

// collectText gathers text nodes in document order so adjacent block
// elements do not run together.
func collectText(n *html.Node, parts *[]string) {
	if n.Type == html.TextNode {
		if t := strings.TrimSpace(n.Data); t != "" {
			*parts = append(*parts, t)
		}
		return
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectText(c, parts)
	}
}
