package profiling

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// Stopper ends a timed span.
type Stopper interface {
	Stop()
}

type span struct {
	name     string
	start    time.Time
	duration time.Duration
	children []*span
	profiler *Profiler
}

// Stop completes the timing for this span.
func (s *span) Stop() {
	s.profiler.endSpan(s)
}

// Profiler records nested timing spans. Spans started while another is
// open become its children. A zero Profiler is disabled.
type Profiler struct {
	mu        sync.Mutex
	enabled   bool
	now       func() time.Time
	root      *span
	spanStack []*span
}

var defaultProfiler = &Profiler{}

// Enable starts a fresh recording on p, discarding earlier spans.
func (p *Profiler) Enable() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.now == nil {
		p.now = time.Now
	}
	p.enabled = true
	p.root = &span{name: "root", start: p.now(), profiler: p}
	p.spanStack = []*span{p.root}
}

// Enabled reports whether spans are being recorded.
func (p *Profiler) Enabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enabled
}

// Start begins a span named name. Stop it with the returned Stopper,
// typically via defer.
func (p *Profiler) Start(name string) Stopper {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.enabled {
		return noopStopper{}
	}
	parent := p.spanStack[len(p.spanStack)-1]
	s := &span{name: name, start: p.now(), profiler: p}
	parent.children = append(parent.children, s)
	p.spanStack = append(p.spanStack, s)
	return s
}

func (p *Profiler) endSpan(s *span) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s.duration = p.now().Sub(s.start)
	// Pop s and anything opened inside it that was never stopped.
	for i := len(p.spanStack) - 1; i > 0; i-- {
		if p.spanStack[i] == s {
			p.spanStack = p.spanStack[:i]
			return
		}
	}
}

// Summarize writes the span tree to w with each span's share of the
// total recorded time.
func (p *Profiler) Summarize(w io.Writer) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.enabled || p.root == nil {
		return
	}
	total := p.now().Sub(p.root.start)

	fmt.Fprintln(w, "--- Timing Profile ---")
	for _, child := range p.root.children {
		printSpan(w, child, 0, total)
	}
	fmt.Fprintln(w, "----------------------")
}

func printSpan(w io.Writer, s *span, depth int, total time.Duration) {
	percentage := 0.0
	if total > 0 {
		percentage = float64(s.duration) / float64(total) * 100
	}
	fmt.Fprintf(w, "%s- %s (%v, %.1f%%)\n",
		strings.Repeat("  ", depth), s.name, s.duration.Round(100*time.Microsecond), percentage)
	for _, child := range s.children {
		printSpan(w, child, depth+1, total)
	}
}

type noopStopper struct{}

func (noopStopper) Stop() {}

// Start begins a span on the process-wide profiler. It is a no-op until
// the profiler is enabled by --timing.
func Start(name string) Stopper {
	return defaultProfiler.Start(name)
}
