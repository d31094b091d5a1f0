package detect

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Options tunes the shared exclusions of the strategies.
type Options struct {
	MinStructuralText int      `yaml:"min_structural_text"`
	MinFallbackText   int      `yaml:"min_fallback_text"`
	Denylist          []string `yaml:"denylist"`
}

// DefaultOptions returns the built-in thresholds and UI-string denylist.
func DefaultOptions() Options {
	return Options{
		MinStructuralText: 2,
		MinFallbackText:   10,
		Denylist: []string{
			"Upgrade plan",
			"Upgrade to Plus",
			"Get Plus",
			"Log in",
			"Sign up",
			"New chat",
			"Search chats",
			"Library",
			"Explore GPTs",
			"Customize ChatGPT",
			"Settings",
			"Help & FAQ",
		},
	}
}

func (o Options) normalized() Options {
	def := DefaultOptions()
	if o.MinStructuralText <= 0 {
		o.MinStructuralText = def.MinStructuralText
	}
	if o.MinFallbackText <= 0 {
		o.MinFallbackText = def.MinFallbackText
	}
	if o.Denylist == nil {
		o.Denylist = def.Denylist
	}
	return o
}

// LoadOptions reads a YAML detector file. Fields left out keep their
// defaults; an explicit empty denylist disables the denylist.
func LoadOptions(path string) (Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Options{}, fmt.Errorf("detector config: %w", err)
	}
	var raw struct {
		MinStructuralText int       `yaml:"min_structural_text"`
		MinFallbackText   int       `yaml:"min_fallback_text"`
		Denylist          *[]string `yaml:"denylist"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Options{}, fmt.Errorf("detector config: %w", err)
	}
	if raw.MinStructuralText < 0 || raw.MinFallbackText < 0 {
		return Options{}, fmt.Errorf("detector config: minimum text lengths must be >= 0")
	}
	opts := Options{
		MinStructuralText: raw.MinStructuralText,
		MinFallbackText:   raw.MinFallbackText,
	}
	if raw.Denylist != nil {
		opts.Denylist = append([]string{}, (*raw.Denylist)...)
	}
	return opts.normalized(), nil
}

// Watch reloads the detector file on change and stores the rebuilt chain in
// h. It returns when ctx is done. Invalid edits are logged and ignored.
func Watch(ctx context.Context, path string, h *Holder) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("detector watch: %w", err)
	}
	defer func() { _ = w.Close() }()

	// Editors replace files by rename, so watch the directory.
	dir := filepath.Dir(path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("detector watch %s: %w", dir, err)
	}
	target := filepath.Clean(path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			opts, err := LoadOptions(path)
			if err != nil {
				slog.Warn("detector reload failed", "path", path, "error", err)
				continue
			}
			h.Store(NewChain(opts))
			slog.Info("detector config reloaded", "path", path, "denylist", len(opts.Denylist))
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			slog.Warn("detector watch error", "error", err)
		}
	}
}
