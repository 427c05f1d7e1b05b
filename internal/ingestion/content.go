package ingestion

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/dshills/newsrag/internal/retry"
	"github.com/dshills/newsrag/pkg/types"
)

// ContentExtractor turns an article URL into plain text
type ContentExtractor interface {
	Extract(ctx context.Context, url string) (string, error)
}

// boilerplate elements removed before text extraction
const boilerplate = "script, style, noscript, nav, header, footer, aside, form, iframe"

// contentSelectors are tried in order; the first non-empty match wins
var contentSelectors = []string{
	"article",
	"[role=main]",
	"main",
	".article-body",
	".post-content",
	".entry-content",
}

// HTMLExtractor fetches pages and extracts the main article text with goquery
type HTMLExtractor struct {
	opts httpOptions
}

// NewHTMLExtractor creates an extractor
func NewHTMLExtractor(opts ...SourceOption) *HTMLExtractor {
	return &HTMLExtractor{opts: buildHTTPOptions("content-extractor", opts)}
}

// Extract fetches url and returns its main text. 4xx responses are content
// errors; 5xx responses and timeouts are retried as transient.
func (e *HTMLExtractor) Extract(ctx context.Context, url string) (string, error) {
	const op = "content.extract"
	if url == "" {
		return "", types.Content(op, fmt.Errorf("empty url"))
	}

	body, err := retry.Do(ctx, e.opts.retry, op, func(ctx context.Context) ([]byte, error) {
		return e.opts.get(ctx, op, url)
	})
	if err != nil {
		return "", err
	}

	text, err := ExtractText(body)
	if err != nil {
		return "", types.Content(op, fmt.Errorf("parse %s: %w", url, err))
	}
	e.opts.logger.Debug("page extracted", "url", url, "chars", len(text))
	return text, nil
}

// ExtractText returns the collapsed main text of an HTML document
func ExtractText(html []byte) (string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return "", err
	}

	doc.Find(boilerplate).Remove()

	for _, selector := range contentSelectors {
		sel := doc.Find(selector).First()
		if sel.Length() == 0 {
			continue
		}
		if text := blockText(sel); text != "" {
			return text, nil
		}
	}
	return blockText(doc.Find("body")), nil
}

// blockText joins the text of block-level children so sentences from
// adjacent paragraphs don't run together, then collapses whitespace
func blockText(sel *goquery.Selection) string {
	var b strings.Builder
	blocks := sel.Find("p, h1, h2, h3, h4, h5, h6, li, blockquote, pre, td")
	if blocks.Length() == 0 {
		return collapse(sel.Text())
	}
	blocks.Each(func(_ int, s *goquery.Selection) {
		// Nested blocks are visited on their own
		if s.ParentsFiltered("p, li, blockquote, td").Length() > 0 {
			return
		}
		if t := collapse(s.Text()); t != "" {
			if b.Len() > 0 {
				b.WriteString("\n\n")
			}
			b.WriteString(t)
		}
	})
	return b.String()
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
