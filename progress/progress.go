// Package progress renders fitting progress to a terminal.
package progress

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

// Bar is a single-line progress bar. It is safe for concurrent use.
type Bar struct {
	mu          sync.Mutex
	out         io.Writer
	description string
	total       int
	current     int
	startTime   time.Time
	width       int
	showRate    bool
	showETA     bool
	unit        string
	metrics     map[string]float64
}

// NewBar creates a progress bar drawing to out.
func NewBar(out io.Writer, description string, total int) *Bar {
	return &Bar{
		out:         out,
		description: description,
		total:       total,
		startTime:   time.Now(),
		width:       40,
		showRate:    true,
		showETA:     true,
		unit:        "it",
		metrics:     make(map[string]float64),
	}
}

// Update sets the position of the bar and replaces its metrics.
func (b *Bar) Update(step int, metrics map[string]float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = step
	b.metrics = make(map[string]float64, len(metrics))
	for k, v := range metrics {
		b.metrics[k] = v
	}
	b.render()
}

// Increment advances the bar by one and merges metrics into the current ones.
func (b *Bar) Increment(metrics map[string]float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current++
	for k, v := range metrics {
		b.metrics[k] = v
	}
	b.render()
}

// Finish completes the bar and ends the line.
func (b *Bar) Finish() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = b.total
	b.render()
	fmt.Fprintln(b.out)
}

func (b *Bar) render() {
	percentage := 1.0
	if b.total > 0 {
		percentage = float64(b.current) / float64(b.total)
	}
	if percentage > 1.0 {
		percentage = 1.0
	}

	filled := int(percentage * float64(b.width))
	bar := strings.Repeat("█", filled) + strings.Repeat(" ", b.width-filled)

	elapsed := time.Since(b.startTime)
	var eta time.Duration
	var rate float64
	if b.current > 0 && elapsed > 0 {
		rate = float64(b.current) / elapsed.Seconds()
		if percentage > 0 {
			eta = time.Duration(float64(elapsed)/percentage) - elapsed
		}
	}

	line := fmt.Sprintf("\r%s: %3.0f%%|%s| %d/%d", b.description, percentage*100, bar, b.current, b.total)
	if b.showETA && eta > 0 {
		line += fmt.Sprintf(" [%s<%s", formatDuration(elapsed), formatDuration(eta))
	} else {
		line += fmt.Sprintf(" [%s<00:00", formatDuration(elapsed))
	}
	if b.showRate && rate > 0 {
		line += fmt.Sprintf(", %.2f%s/s", rate, b.unit)
	}

	keys := make([]string, 0, len(b.metrics))
	for k := range b.metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		line += fmt.Sprintf(", %s=%.3e", k, b.metrics[k])
	}
	line += "]"

	fmt.Fprint(b.out, line)
}

// formatDuration formats duration as MM:SS
func formatDuration(d time.Duration) string {
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}

// Session tracks the fits of one polarization at a time: one bar over the
// time steps plus a closing summary.
type Session struct {
	out    io.Writer
	bar    *Bar
	pol    string
	ntimes int

	mu        sync.Mutex
	converged int
	steps     int
	lastLoss  map[int]float64
}

// NewSession creates a session writing to out.
func NewSession(out io.Writer) *Session {
	return &Session{out: out}
}

// StartPol begins the fits of pol over ntimes time steps.
func (s *Session) StartPol(pol string, ntimes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pol = pol
	s.ntimes = ntimes
	s.converged = 0
	s.steps = 0
	s.lastLoss = make(map[int]float64, ntimes)
	s.bar = NewBar(s.out, fmt.Sprintf("pol %s", pol), ntimes)
	s.bar.unit = "fit"
}

// FinishTime records the outcome of the fit of one time step.
func (s *Session) FinishTime(timeIndex, steps int, loss float64, converged bool) {
	s.mu.Lock()
	s.steps += steps
	if converged {
		s.converged++
	}
	s.lastLoss[timeIndex] = loss
	bar := s.bar
	s.mu.Unlock()

	if bar != nil {
		bar.Increment(map[string]float64{"loss": loss})
	}
}

// FinishPol closes the bar and prints the summary of the polarization.
func (s *Session) FinishPol() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bar != nil {
		s.bar.Finish()
		s.bar = nil
	}
	fmt.Fprintf(s.out, "pol %s summary:\n", s.pol)
	fmt.Fprintf(s.out, "  Fits: %d, converged: %d, total steps: %d\n", s.ntimes, s.converged, s.steps)
	if len(s.lastLoss) > 0 {
		worst := -1.0
		for _, l := range s.lastLoss {
			if l > worst {
				worst = l
			}
		}
		fmt.Fprintf(s.out, "  Worst final loss: %.4e\n", worst)
	}
}
