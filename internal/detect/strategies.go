package detect

import (
	"strings"

	"github.com/dgnsrekt/offset_tracker/internal/dom"
	"github.com/samber/lo"
	"golang.org/x/net/html"
)

var (
	rightAlignClasses = []string{"justify-end", "items-end", "self-end"}
	blockTags         = map[string]bool{"p": true}
)

func (f filter) authored(p *dom.Page) (int, bool) {
	nodes := p.FindAll(func(n *html.Node) bool {
		return dom.Attr(n, "data-message-author-role") == "user" ||
			dom.Attr(n, "data-testid") == "user-message"
	})
	nodes = f.usable(dom.Outermost(nodes), 1)
	return len(nodes), len(nodes) > 0
}

func (f filter) structural(p *dom.Page) (int, bool) {
	nodes := p.FindAll(func(n *html.Node) bool {
		for _, c := range rightAlignClasses {
			if dom.HasClass(n, c) {
				return true
			}
		}
		return false
	})
	// An avatar marks its enclosing message row.
	for _, avatar := range p.FindAll(isUserAvatar) {
		if avatar.Parent != nil && avatar.Parent.Type == html.ElementNode {
			nodes = append(nodes, avatar.Parent)
		}
	}
	nodes = f.usable(dom.Outermost(lo.Uniq(nodes)), f.opts.MinStructuralText)
	return len(nodes), len(nodes) > 0
}

func (f filter) positional(p *dom.Page) (int, bool) {
	turns := p.FindAll(func(n *html.Node) bool {
		return strings.HasPrefix(dom.Attr(n, "data-testid"), "conversation-turn")
	})
	if len(turns) == 0 {
		turns = p.FindAll(func(n *html.Node) bool { return n.Data == "article" })
	}
	turns = f.usable(dom.Outermost(turns), 1)
	n := alternate(len(turns))
	return n, n > 0
}

func (f filter) fallback(p *dom.Page) (int, bool) {
	blocks := p.FindAll(func(n *html.Node) bool {
		return dom.HasClass(n, "text-base") || blockTags[n.Data]
	})
	blocks = f.usable(dom.Outermost(blocks), f.opts.MinFallbackText)
	n := alternate(len(blocks))
	return n, n > 0
}

func isUserAvatar(n *html.Node) bool {
	if dom.Attr(n, "data-testid") == "user-avatar" {
		return true
	}
	return n.Data == "img" && strings.Contains(strings.ToLower(dom.Attr(n, "alt")), "user")
}
