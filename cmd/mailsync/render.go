package main

import (
	"fmt"
	"io"
	gosync "sync"
	"time"

	msync "github.com/nhle/mailsync/internal/sync"
)

// progressPrinter renders progress lines. Several accounts may report at
// once, so writes are serialized.
type progressPrinter struct {
	mu          gosync.Mutex
	w           io.Writer
	showAccount bool
}

func (p *progressPrinter) Progress(pr msync.Progress) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.w, formatProgress(pr, p.showAccount))
}

func formatProgress(p msync.Progress, showAccount bool) string {
	name := p.Folder
	if showAccount {
		name = p.AccountID + "/" + p.Folder
	}
	if p.Total == 0 {
		return fmt.Sprintf("%s: no new messages", name)
	}
	return fmt.Sprintf("%s: %d/%d (%.0f%%)", name, p.Current, p.Total, p.Percent())
}

// writeSummary prints the outcome of one account run.
func writeSummary(w io.Writer, r *msync.Report) {
	fmt.Fprintf(w, "account %s: fetched %d, skipped %d in %s\n",
		r.AccountID, r.Fetched(), r.Skipped(), r.Duration().Round(time.Millisecond))
	for _, f := range r.Folders {
		line := fmt.Sprintf("  %-24s %-10s cursor %d", f.Folder, f.State, f.LastUID)
		if f.Reset {
			line += fmt.Sprintf(" (epoch reset to %d)", f.ValidityEpoch)
		}
		if f.Fetched+f.Skipped > 0 {
			line += fmt.Sprintf(" +%d", f.Fetched)
		}
		if f.Skipped > 0 {
			line += fmt.Sprintf(" skipped %d", f.Skipped)
		}
		if f.Updated+f.Deleted+f.Moved > 0 {
			line += fmt.Sprintf(" flags %d deleted %d moved %d", f.Updated, f.Deleted, f.Moved)
		}
		if f.Err != nil {
			line += fmt.Sprintf(" error: %v", f.Err)
		}
		fmt.Fprintln(w, line)
	}
	if r.Err != nil && (len(r.Folders) == 0 || r.Folders[len(r.Folders)-1].Err != r.Err) {
		fmt.Fprintf(w, "  aborted: %v\n", r.Err)
	}
}
