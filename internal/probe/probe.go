// Package probe snapshots tracked tabs once and reports what every
// detection strategy sees, for tuning detector options against live pages.
package probe

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/chromedp/chromedp"
	"github.com/dgnsrekt/offset_tracker/internal/detect"
	"github.com/dgnsrekt/offset_tracker/internal/dom"
	"github.com/pterm/pterm"
)

// Report is the detector outcome for one page.
type Report struct {
	TabID   string          `json:"tab_id,omitempty"`
	URL     string          `json:"url,omitempty"`
	Title   string          `json:"title,omitempty"`
	Chosen  detect.Result   `json:"chosen"`
	Results []detect.Result `json:"results"`
	Error   string          `json:"error,omitempty"`
}

// ExplainHTML runs chain against an HTML document.
func ExplainHTML(src string, chain *detect.Chain) (Report, error) {
	page, err := dom.Parse(src)
	if err != nil {
		return Report{}, fmt.Errorf("probe: parse: %w", err)
	}
	return Report{
		Chosen:  chain.Evaluate(page),
		Results: chain.Explain(page),
	}, nil
}

// Run connects to the browser at cdpURL and reports on every page target
// whose URL contains filter. Per-tab failures are recorded in the report.
func Run(ctx context.Context, cdpURL, filter string, chain *detect.Chain) ([]Report, error) {
	allocCtx, allocCancel := chromedp.NewRemoteAllocator(ctx, cdpURL)
	defer allocCancel()

	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	defer browserCancel()
	if err := chromedp.Run(browserCtx); err != nil {
		return nil, fmt.Errorf("probe: connect to browser: %w", err)
	}

	targets, err := chromedp.Targets(browserCtx)
	if err != nil {
		return nil, fmt.Errorf("probe: enumerate targets: %w", err)
	}

	var reports []Report
	for _, t := range targets {
		if t.Type != "page" || !strings.Contains(t.URL, filter) {
			continue
		}
		r := Report{TabID: string(t.TargetID), URL: t.URL, Title: t.Title}

		tabCtx, tabCancel := chromedp.NewContext(browserCtx, chromedp.WithTargetID(t.TargetID))
		var html string
		err := chromedp.Run(tabCtx, chromedp.OuterHTML("html", &html, chromedp.ByQuery))
		tabCancel()
		if err != nil {
			slog.Warn("probe snapshot failed", "tab_id", r.TabID, "error", err)
			r.Error = err.Error()
			reports = append(reports, r)
			continue
		}

		explained, err := ExplainHTML(html, chain)
		if err != nil {
			r.Error = err.Error()
		} else {
			r.Chosen, r.Results = explained.Chosen, explained.Results
		}
		reports = append(reports, r)
	}
	return reports, nil
}

// Write prints reports as a table, one row per strategy.
func Write(w io.Writer, reports []Report) error {
	rows := pterm.TableData{{"TAB", "STRATEGY", "MATCHED", "COUNT", "CHOSEN"}}
	for _, r := range reports {
		name := r.TabID
		if name == "" {
			name = "-"
		}
		if r.Error != "" {
			rows = append(rows, []string{name, "error", "-", "-", r.Error})
			continue
		}
		for _, res := range r.Results {
			chosen := ""
			if r.Chosen.Matched && res.Strategy == r.Chosen.Strategy {
				chosen = "*"
			}
			rows = append(rows, []string{name, res.Strategy, strconv.FormatBool(res.Matched), strconv.Itoa(res.Count), chosen})
		}
	}

	out, err := pterm.DefaultTable.WithHasHeader().WithData(rows).Srender()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, out)
	return err
}
