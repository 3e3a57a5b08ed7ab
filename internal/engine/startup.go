package engine

import (
	"context"
	"fmt"
	"io"

	"github.com/schollz/progressbar/v3"
)

// EnsureReady checks that m is reachable and has every named model, pulling
// the missing ones. Empty and repeated names are skipped. Download progress
// is drawn on w.
func EnsureReady(ctx context.Context, m ModelManager, w io.Writer, models ...string) error {
	if err := m.Ping(ctx); err != nil {
		return err
	}

	seen := make(map[string]bool, len(models))
	for _, model := range models {
		if model == "" || seen[model] {
			continue
		}
		seen[model] = true

		ok, err := m.HasModel(ctx, model)
		if err != nil {
			return err
		}
		if ok {
			continue
		}

		fmt.Fprintf(w, "pulling model %s\n", model)
		if err := m.PullModel(ctx, model, pullBar(w, model)); err != nil {
			return fmt.Errorf("pulling model %s: %w", model, err)
		}
		fmt.Fprintf(w, "model %s ready\n", model)
	}
	return nil
}

// pullBar renders byte progress per layer. Ollama reports each layer
// (digest) separately, so a new digest starts a new bar.
func pullBar(w io.Writer, model string) func(PullProgress) {
	var (
		bar    *progressbar.ProgressBar
		digest string
	)
	return func(p PullProgress) {
		if p.Total <= 0 {
			return
		}
		if bar == nil || p.Digest != digest {
			if bar != nil {
				bar.Finish()
			}
			digest = p.Digest
			bar = progressbar.NewOptions64(p.Total,
				progressbar.OptionSetWriter(w),
				progressbar.OptionShowBytes(true),
				progressbar.OptionSetWidth(40),
				progressbar.OptionSetDescription(model),
				progressbar.OptionOnCompletion(func() { fmt.Fprintln(w) }),
			)
		}
		bar.Set64(p.Completed)
	}
}
