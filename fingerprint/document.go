package fingerprint

import (
	"bytes"
	"context"
	"fmt"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// HTMLDocument is a parsed snapshot of a rendered page. It stands in for the
// live DOM when the host only has the markup the page was loaded from.
type HTMLDocument struct {
	root *html.Node
}

// ParseHTML parses markup into an HTMLDocument.
func ParseHTML(markup []byte) (*HTMLDocument, error) {
	root, err := html.Parse(bytes.NewReader(markup))
	if err != nil {
		return nil, fmt.Errorf("fingerprint: parse html: %w", err)
	}
	return &HTMLDocument{root: root}, nil
}

// ScriptSources returns the src attribute of every <script src> in document
// order.
func (d *HTMLDocument) ScriptSources(_ context.Context) ([]string, error) {
	var srcs []string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.DataAtom == atom.Script {
			if src, ok := attr(n, "src"); ok {
				srcs = append(srcs, src)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(d.root)
	return srcs, nil
}

func attr(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

// Scripts is a fixed list of script sources. Handy when the host already
// knows which bundles it loaded.
type Scripts []string

// ScriptSources returns the list as-is.
func (s Scripts) ScriptSources(_ context.Context) ([]string, error) {
	return []string(s), nil
}
