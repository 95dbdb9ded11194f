package cli

import (
	"fmt"
	"io"
	"sync"
	"time"
)

// ProgressReporter prints one line per status change of a long-running
// operation, tagged with the elapsed time.
type ProgressReporter struct {
	mu       sync.Mutex
	out      io.Writer
	statuses map[string]string
	start    time.Time
	now      func() time.Time
}

// NewProgressReporter creates a new progress reporter.
func NewProgressReporter(out io.Writer) *ProgressReporter {
	return &ProgressReporter{
		out:      out,
		statuses: make(map[string]string),
		start:    time.Now(),
		now:      time.Now,
	}
}

// Update records and prints a new status for item. Repeated statuses are
// not printed again.
func (p *ProgressReporter) Update(item, status string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.statuses[item] == status {
		return
	}
	p.statuses[item] = status

	symbol := "[.]"
	switch status {
	case "completed":
		symbol = "[*]"
	case "failed":
		symbol = "[x]"
	case "started":
		symbol = "[~]"
	}
	elapsed := p.now().Sub(p.start).Round(time.Second)
	fmt.Fprintf(p.out, "%s %s: %s (%s)\n", symbol, item, status, elapsed)
}

// Status returns the last status recorded for item.
func (p *ProgressReporter) Status(item string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statuses[item]
}

// Done prints the total elapsed time.
func (p *ProgressReporter) Done() {
	p.mu.Lock()
	defer p.mu.Unlock()

	elapsed := p.now().Sub(p.start).Round(time.Millisecond)
	fmt.Fprintf(p.out, "\nCompleted in %s\n", elapsed)
}
