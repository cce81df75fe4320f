package valuation

import "time"

var NextRun = nextRun

// SetClock replaces the recorder clock.
func (r *Recorder) SetClock(now func() time.Time) { r.now = now }
