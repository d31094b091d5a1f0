package dom

import (
	"testing"

	"golang.org/x/net/html"
)

func mustParse(t *testing.T, src string) *Page {
	t.Helper()
	p, err := Parse(src)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	return p
}

func byID(id string) func(*html.Node) bool {
	return func(n *html.Node) bool { return Attr(n, "id") == id }
}

func TestTextCollapsesWhitespaceAndSkipsScripts(t *testing.T) {
	p := mustParse(t, `<div id="a">  hello
	  <b>world</b><script>var x = 1;</script>  </div>`)
	nodes := p.FindAll(byID("a"))
	if len(nodes) != 1 {
		t.Fatalf("FindAll() = %d nodes; want 1", len(nodes))
	}
	if got, want := Text(nodes[0]), "hello world"; got != want {
		t.Fatalf("Text() = %q; want %q", got, want)
	}
}

func TestVisible(t *testing.T) {
	p := mustParse(t, `
<div id="shown">x</div>
<div hidden><span id="in-hidden">x</span></div>
<div aria-hidden="true"><span id="in-aria">x</span></div>
<div style="display: none"><span id="in-none">x</span></div>
<div style="visibility:hidden" id="vis">x</div>`)

	tests := []struct {
		id   string
		want bool
	}{
		{"shown", true},
		{"in-hidden", false},
		{"in-aria", false},
		{"in-none", false},
		{"vis", false},
	}
	for _, tt := range tests {
		nodes := p.FindAll(byID(tt.id))
		if len(nodes) != 1 {
			t.Fatalf("%s: FindAll() = %d nodes", tt.id, len(nodes))
		}
		if got := Visible(nodes[0]); got != tt.want {
			t.Errorf("Visible(%s) = %v; want %v", tt.id, got, tt.want)
		}
	}
}

func TestHasClassMatchesWholeTokens(t *testing.T) {
	p := mustParse(t, `<div id="a" class="text-base justify-end-ish flex"></div>`)
	n := p.FindAll(byID("a"))[0]
	if !HasClass(n, "text-base") {
		t.Fatal("HasClass(text-base) = false")
	}
	if HasClass(n, "justify-end") {
		t.Fatal("HasClass(justify-end) = true; want false for partial token")
	}
}

func TestOutermostDropsNested(t *testing.T) {
	p := mustParse(t, `<div class="m"><div class="m">inner</div></div><div class="m">two</div>`)
	all := p.FindAll(func(n *html.Node) bool { return HasClass(n, "m") })
	if len(all) != 3 {
		t.Fatalf("FindAll() = %d; want 3", len(all))
	}
	if got := len(Outermost(all)); got != 2 {
		t.Fatalf("Outermost() = %d; want 2", got)
	}
}

func TestFindAllOnNilPage(t *testing.T) {
	var p *Page
	if got := p.FindAll(func(*html.Node) bool { return true }); got != nil {
		t.Fatalf("FindAll() on nil page = %v; want nil", got)
	}
}
