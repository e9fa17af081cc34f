package datamesh

import (
	"fmt"
	"io"
	"iter"
	"time"

	"github.com/poiesic/datamesh/core"
)

// progressTracker reports how many records of a source have been merged.
// Sources are streams of unknown length, so only counts and rates are shown.
type progressTracker struct {
	writer         io.Writer
	source         string
	reportInterval int
	current        int
	lastReported   int
	startTime      time.Time
}

func newProgressTracker(writer io.Writer, source string, reportInterval int) *progressTracker {
	return &progressTracker{
		writer:         writer,
		source:         source,
		reportInterval: reportInterval,
		startTime:      time.Now(),
	}
}

// Increment counts one record and reports when an interval is crossed.
func (p *progressTracker) Increment() {
	p.current++
	if p.current-p.lastReported >= p.reportInterval {
		p.report()
		p.lastReported = p.current
	}
}

// Finish prints the final count followed by a newline.
func (p *progressTracker) Finish() {
	p.report()
	fmt.Fprintln(p.writer)
}

func (p *progressTracker) report() {
	elapsed := time.Since(p.startTime)
	rate := 0.0
	if elapsed > 0 {
		rate = float64(p.current) / elapsed.Seconds()
	}
	fmt.Fprintf(p.writer, "\r%s: %d records - %.1f records/s", p.source, p.current, rate)
}

// track counts the records of seq as they are consumed.
func (p *progressTracker) track(seq iter.Seq2[core.Record, error]) iter.Seq2[core.Record, error] {
	return func(yield func(core.Record, error) bool) {
		defer p.Finish()
		for rec, err := range seq {
			if err == nil {
				p.Increment()
			}
			if !yield(rec, err) {
				return
			}
		}
	}
}
