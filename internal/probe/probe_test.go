package probe

import (
	"bytes"
	"strings"
	"testing"

	"github.com/dgnsrekt/offset_tracker/internal/detect"
	"github.com/pterm/pterm"
)

const conversation = `<html><body><main>
<div data-message-author-role="user"><div>first question about tides</div></div>
<div data-message-author-role="assistant"><div>an answer</div></div>
<div data-message-author-role="user"><div>second question about the moon</div></div>
</main></body></html>`

func TestExplainHTML(t *testing.T) {
	r, err := ExplainHTML(conversation, detect.NewChain(detect.DefaultOptions()))
	if err != nil {
		t.Fatalf("ExplainHTML() error = %v", err)
	}
	if !r.Chosen.Matched || r.Chosen.Strategy != detect.StrategyAuthored || r.Chosen.Count != 2 {
		t.Fatalf("Chosen = %+v; want authored/2", r.Chosen)
	}
	if len(r.Results) != 4 {
		t.Fatalf("Results = %d entries; want 4", len(r.Results))
	}
}

func TestWrite(t *testing.T) {
	pterm.DisableStyling()
	t.Cleanup(pterm.EnableStyling)

	r, err := ExplainHTML(conversation, detect.NewChain(detect.DefaultOptions()))
	if err != nil {
		t.Fatalf("ExplainHTML() error = %v", err)
	}
	r.TabID = "T1"
	failed := Report{TabID: "T2", Error: "target closed"}

	var buf bytes.Buffer
	if err := Write(&buf, []Report{r, failed}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 6 {
		t.Fatalf("Write() produced %d lines; want header + 4 strategies + 1 error:\n%s", len(lines), buf.String())
	}
	if !strings.Contains(lines[1], "authored") || !strings.HasSuffix(strings.TrimSpace(lines[1]), "| *") {
		t.Fatalf("authored row = %q; want chosen marker", lines[1])
	}
	if !strings.Contains(lines[5], "target closed") {
		t.Fatalf("error row = %q", lines[5])
	}
}
