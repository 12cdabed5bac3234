package scan

import (
	"bytes"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
	"golang.org/x/net/html"
)

var markdown = goldmark.New()

// Markdown returns the image URLs of image nodes, including reference-style
// images, and of <img> tags embedded as raw HTML.
func Markdown(src []byte) []string {
	doc := markdown.Parser().Parse(text.NewReader(src))

	c := newCollector()
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch node := n.(type) {
		case *ast.Image:
			c.add(string(node.Destination))
		case *ast.RawHTML:
			var buf bytes.Buffer
			for i := 0; i < node.Segments.Len(); i++ {
				seg := node.Segments.At(i)
				buf.Write(seg.Value(src))
			}
			c.addEmbeddedHTML(buf.Bytes())
		case *ast.HTMLBlock:
			var buf bytes.Buffer
			lines := node.Lines()
			for i := 0; i < lines.Len(); i++ {
				seg := lines.At(i)
				buf.Write(seg.Value(src))
			}
			c.addEmbeddedHTML(buf.Bytes())
		}
		return ast.WalkContinue, nil
	})
	return c.urls
}

func (c *collector) addEmbeddedHTML(fragment []byte) {
	doc, err := html.Parse(bytes.NewReader(fragment))
	if err != nil {
		return
	}
	c.walkHTML(doc)
}
