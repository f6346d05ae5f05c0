package main

import (
	"io"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"

	"picgo/core"
)

// downloadProgress draws one byte bar per file fetched during a repair or
// registry snapshot.
type downloadProgress struct {
	mu   sync.Mutex
	out  io.Writer
	name string
	bar  *progressbar.ProgressBar
}

func newDownloadProgress(out io.Writer) *downloadProgress {
	return &downloadProgress{out: out}
}

// Update is a core.Downloader progress callback.
func (p *downloadProgress) Update(info core.ProgressInfo) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.bar == nil || info.Name != p.name {
		p.finishLocked()
		total := info.Total
		if total <= 0 {
			total = -1
		}
		p.name = info.Name
		p.bar = progressbar.NewOptions64(total,
			progressbar.OptionSetWriter(p.out),
			progressbar.OptionSetDescription(info.Name),
			progressbar.OptionShowBytes(true),
			progressbar.OptionSetWidth(30),
			progressbar.OptionThrottle(100*time.Millisecond),
			progressbar.OptionOnCompletion(func() { _, _ = io.WriteString(p.out, "\n") }),
		)
	}
	_ = p.bar.Set64(info.Downloaded)
}

// Finish closes the current bar.
func (p *downloadProgress) Finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.finishLocked()
}

func (p *downloadProgress) finishLocked() {
	if p.bar != nil {
		_ = p.bar.Finish()
		p.bar = nil
	}
}
