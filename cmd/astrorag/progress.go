package main

import (
	"fmt"
	"io"
	"sync"

	"github.com/schollz/progressbar/v3"
)

// ingestProgress renders one bar per document from the pipeline's chunk
// progress callbacks. A new document id starts a new bar.
type ingestProgress struct {
	mu    sync.Mutex
	w     io.Writer
	docID string
	label string
	bar   *progressbar.ProgressBar
}

func newIngestProgress(w io.Writer) *ingestProgress {
	return &ingestProgress{w: w}
}

// start names the file whose chunks are reported next.
func (p *ingestProgress) start(label string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.label = label
	p.docID = ""
	p.bar = nil
}

func (p *ingestProgress) update(docID string, done, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.bar == nil || docID != p.docID {
		p.docID = docID
		p.bar = progressbar.NewOptions(total,
			progressbar.OptionSetWriter(p.w),
			progressbar.OptionEnableColorCodes(!noColor),
			progressbar.OptionShowBytes(false),
			progressbar.OptionSetWidth(40),
			progressbar.OptionShowCount(),
			progressbar.OptionSetDescription(fmt.Sprintf("[cyan]Embedding[reset] %s", p.label)),
			progressbar.OptionSetTheme(progressbar.Theme{
				Saucer:        "[green]=[reset]",
				SaucerHead:    "[green]>[reset]",
				SaucerPadding: " ",
				BarStart:      "[",
				BarEnd:        "]",
			}),
			progressbar.OptionOnCompletion(func() {
				fmt.Fprintln(p.w)
			}),
		)
	}
	p.bar.Set(done)
}
