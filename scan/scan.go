// Package scan extracts external image URLs from HTML and Markdown
// documents. Only absolute http and https URLs are returned, de-duplicated
// in first-seen order.
package scan

import (
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/net/html"
)

// collector gathers unique image URLs in order.
type collector struct {
	seen map[string]struct{}
	urls []string
}

func newCollector() *collector {
	return &collector{seen: make(map[string]struct{})}
}

func (c *collector) add(raw string) {
	u := strings.TrimSpace(raw)
	if !IsExternal(u) {
		return
	}
	if _, ok := c.seen[u]; ok {
		return
	}
	c.seen[u] = struct{}{}
	c.urls = append(c.urls, u)
}

// IsExternal reports whether raw is an absolute http or https URL.
func IsExternal(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// HTML returns the image URLs referenced by <img src>, and by the first
// candidate of srcset on <img> and <source> elements.
func HTML(r io.Reader) ([]string, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parsing HTML: %w", err)
	}

	c := newCollector()
	c.walkHTML(doc)
	return c.urls, nil
}

func (c *collector) walkHTML(n *html.Node) {
	if n.Type == html.ElementNode && (n.Data == "img" || n.Data == "source") {
		for _, attr := range n.Attr {
			switch attr.Key {
			case "src":
				if n.Data == "img" {
					c.add(attr.Val)
				}
			case "srcset":
				c.add(firstSrcsetCandidate(attr.Val))
			}
		}
	}
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		c.walkHTML(child)
	}
}

// firstSrcsetCandidate returns the URL of the first "url [descriptor]"
// entry of a srcset attribute.
func firstSrcsetCandidate(srcset string) string {
	first, _, _ := strings.Cut(srcset, ",")
	fields := strings.Fields(first)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// File scans the document at path, treating .md and .markdown files as
// Markdown and anything else as HTML.
func File(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".markdown", ".mdx":
		src, err := io.ReadAll(f)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
		return Markdown(src), nil
	default:
		return HTML(f)
	}
}
