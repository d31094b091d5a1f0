// Package dom wraps a parsed HTML snapshot of a tab with the small set of
// queries the prompt detectors need.
package dom

import (
	"fmt"
	"strings"

	"golang.org/x/net/html"
)

// Page is one parsed snapshot of a tab's render tree.
type Page struct {
	Root *html.Node
}

// Parse parses an outerHTML snapshot.
func Parse(src string) (*Page, error) {
	root, err := html.Parse(strings.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("dom: parse snapshot: %w", err)
	}
	return &Page{Root: root}, nil
}

// FindAll returns every element node matching pred in document order.
func (p *Page) FindAll(pred func(*html.Node) bool) []*html.Node {
	if p == nil || p.Root == nil {
		return nil
	}
	var out []*html.Node
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && pred(n) {
			out = append(out, n)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(p.Root)
	return out
}

// Attr returns the value of an attribute, or "" when absent.
func Attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// HasAttr reports whether the attribute is present at all.
func HasAttr(n *html.Node, key string) bool {
	for _, a := range n.Attr {
		if a.Key == key {
			return true
		}
	}
	return false
}

// HasClass reports whether the class attribute contains class as a token.
func HasClass(n *html.Node, class string) bool {
	for _, c := range strings.Fields(Attr(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}

// Text returns the whitespace-collapsed text content of n.
func Text(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			sb.WriteString(n.Data)
			sb.WriteByte(' ')
			return
		case html.ElementNode:
			switch n.Data {
			case "script", "style", "noscript", "template":
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.Join(strings.Fields(sb.String()), " ")
}

// Visible reports whether n and all its ancestors are rendered. Only markers
// present in a serialized snapshot are considered.
func Visible(n *html.Node) bool {
	for cur := n; cur != nil; cur = cur.Parent {
		if cur.Type != html.ElementNode {
			continue
		}
		if HasAttr(cur, "hidden") || strings.EqualFold(Attr(cur, "aria-hidden"), "true") {
			return false
		}
		style := strings.ToLower(strings.ReplaceAll(Attr(cur, "style"), " ", ""))
		if strings.Contains(style, "display:none") || strings.Contains(style, "visibility:hidden") {
			return false
		}
	}
	return true
}

// Outermost drops every node that has an ancestor in the same set, so nested
// matches of one bubble are counted once.
func Outermost(nodes []*html.Node) []*html.Node {
	if len(nodes) < 2 {
		return nodes
	}
	set := make(map[*html.Node]struct{}, len(nodes))
	for _, n := range nodes {
		set[n] = struct{}{}
	}
	out := make([]*html.Node, 0, len(nodes))
	for _, n := range nodes {
		nested := false
		for p := n.Parent; p != nil; p = p.Parent {
			if _, ok := set[p]; ok {
				nested = true
				break
			}
		}
		if !nested {
			out = append(out, n)
		}
	}
	return out
}
