package partuploader

import (
	"fmt"
	"io"
	"sync"
)

const basisPoints = 10000

// PartProgress is the byte progress of one part.
type PartProgress struct {
	PartNumber  int
	Transferred int64
	Size        int64
}

// Percentage of the part sent so far, 0 to 100.
func (p PartProgress) Percentage() float64 {
	if p.Size <= 0 {
		return 100
	}
	return float64(p.Transferred) * 100 / float64(p.Size)
}

// Progress is a whole-file progress event.
type Progress struct {
	Transferred int64
	Total       int64
	Parts       []PartProgress
}

// Percentage formats whole-file progress, e.g. "42.17%".
func (p Progress) Percentage() string {
	return fmt.Sprintf("%.2f%%", p.Fraction()*100)
}

// Fraction is whole-file progress in [0, 1].
func (p Progress) Fraction() float64 {
	if p.Total <= 0 {
		return 1
	}
	return float64(p.Transferred) / float64(p.Total)
}

// Reporter receives progress events. Report is called synchronously from the transfer path and must
// not block.
type Reporter interface {
	Report(Progress)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(Progress)

// Report ...
func (f ReporterFunc) Report(p Progress) {
	f(p)
}

// ChannelReporter delivers events to a channel, dropping an event when the receiver is behind.
// Later events supersede dropped ones, so the receiver still observes non-decreasing progress.
type ChannelReporter chan<- Progress

// Report ...
func (c ChannelReporter) Report(p Progress) {
	select {
	case c <- p:
	default:
	}
}

// Tracker aggregates per-part byte counts. Every mutation and the emission it triggers happen under
// one mutex, so events reach the reporter in order and never go backwards.
type Tracker struct {
	mu          sync.Mutex
	reporter    Reporter
	total       int64
	transferred int64
	parts       []PartProgress
	lastEmitted int64
}

// NewTracker creates a tracker for boundaries. reporter may be nil.
func NewTracker(boundaries []PartBoundary, reporter Reporter) *Tracker {
	t := &Tracker{
		reporter:    reporter,
		parts:       make([]PartProgress, len(boundaries)),
		lastEmitted: -1,
	}
	for i, b := range boundaries {
		t.parts[i] = PartProgress{PartNumber: b.PartNumber(), Size: b.PartSize}
		t.total += b.PartSize
	}
	return t
}

// Add records n more bytes sent for the part at index.
func (t *Tracker) Add(index int, n int64) {
	if n <= 0 {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	part := &t.parts[index]
	if remaining := part.Size - part.Transferred; n > remaining {
		n = remaining
	}
	part.Transferred += n
	t.transferred += n

	t.emitLocked()
}

// Snapshot returns the current progress.
func (t *Tracker) Snapshot() Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

// Reader wraps r so that bytes read from it count towards the part at index.
func (t *Tracker) Reader(index int, r io.Reader) io.Reader {
	return &countingReader{r: r, tracker: t, index: index}
}

func (t *Tracker) snapshotLocked() Progress {
	parts := make([]PartProgress, len(t.parts))
	copy(parts, t.parts)
	return Progress{Transferred: t.transferred, Total: t.total, Parts: parts}
}

// emitLocked reports only when the whole-file value moved by at least one basis point.
func (t *Tracker) emitLocked() {
	if t.reporter == nil || t.total <= 0 {
		return
	}

	current := t.transferred * basisPoints / t.total
	if current == t.lastEmitted {
		return
	}
	t.lastEmitted = current
	t.reporter.Report(t.snapshotLocked())
}

type countingReader struct {
	r       io.Reader
	tracker *Tracker
	index   int
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.tracker.Add(c.index, int64(n))
	return n, err
}
