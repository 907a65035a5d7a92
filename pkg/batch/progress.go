package batch

import (
	"sync"
	"time"

	"github.com/jmylchreest/notemine/pkg/extractor"
)

// Snapshot is a point-in-time view of a run's progress.
type Snapshot struct {
	Admitted  int // Notes pulled from the source
	Completed int // Notes durably written, success or failed
	Succeeded int
	Failed    int
	Total     int // Expected note count, 0 when unknown
	Elapsed   time.Duration
}

// InFlight is the number of admitted notes not yet completed.
func (s Snapshot) InFlight() int { return s.Admitted - s.Completed }

// Fraction returns completion in [0,1], or -1 when the total is unknown.
func (s Snapshot) Fraction() float64 {
	if s.Total <= 0 {
		return -1
	}
	return min(1, float64(s.Completed)/float64(s.Total))
}

// Progress tracks counters for one run. Completed only ever grows.
type Progress struct {
	mu       sync.Mutex
	snap     Snapshot
	start    time.Time
	onChange func(Snapshot)
}

func newProgress(total int, onChange func(Snapshot)) *Progress {
	return &Progress{
		snap:     Snapshot{Total: total},
		start:    time.Now(),
		onChange: onChange,
	}
}

// Snapshot returns the current counters.
func (p *Progress) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.snap
	s.Elapsed = time.Since(p.start)
	return s
}

func (p *Progress) admit() {
	p.update(func(s *Snapshot) { s.Admitted++ })
}

func (p *Progress) complete(res *extractor.Result) {
	p.update(func(s *Snapshot) {
		s.Completed++
		if res.OK() {
			s.Succeeded++
		} else {
			s.Failed++
		}
	})
}

// update applies fn and notifies the callback under the same lock, so
// callbacks are serialized and observe counters in order.
func (p *Progress) update(fn func(*Snapshot)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(&p.snap)
	if p.onChange != nil {
		s := p.snap
		s.Elapsed = time.Since(p.start)
		p.onChange(s)
	}
}
