package scheduler

import "time"

// progressStep is the minimum advance, in percent, between progress reports.
const progressStep = 5.0

type progressTracker struct {
	total    int
	start    time.Time
	last     float64
	reported bool
}

// update returns whether done units out of total warrant a report, and the
// projected time remaining.
func (p *progressTracker) update(done int, now time.Time) (bool, time.Duration) {
	if p.total == 0 || done == 0 {
		return false, 0
	}
	pct := float64(done) * 100 / float64(p.total)
	if p.reported && pct-p.last < progressStep && done < p.total {
		return false, 0
	}
	p.reported = true
	p.last = pct
	elapsed := now.Sub(p.start)
	eta := time.Duration(float64(elapsed) / pct * (100 - pct))
	return true, eta
}
