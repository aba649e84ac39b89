package risk

import "time"

// defaultOutcomeRingSize bounds the trade history consulted by the adaptive
// logic when no size is configured.
const defaultOutcomeRingSize = 100

// kellyMinOutcomes is the history required before Kelly overrides the
// balance-tier risk fraction.
const kellyMinOutcomes = 20

// Outcome is one closed trade as the risk engine records it.
type Outcome struct {
	Symbol   string
	PnLUSD   float64
	ROI      float64 // leveraged ROI on margin
	Reason   string
	ClosedAt time.Time
}

// outcomeRing is a fixed-capacity trade history. Oldest entries fall off.
type outcomeRing struct {
	entries []Outcome
	next    int
	full    bool
}

func newOutcomeRing(size int) *outcomeRing {
	if size <= 0 {
		size = defaultOutcomeRingSize
	}
	return &outcomeRing{entries: make([]Outcome, size)}
}

func (r *outcomeRing) add(o Outcome) {
	r.entries[r.next] = o
	r.next++
	if r.next == len(r.entries) {
		r.next = 0
		r.full = true
	}
}

func (r *outcomeRing) len() int {
	if r.full {
		return len(r.entries)
	}
	return r.next
}

// ordered returns outcomes oldest first.
func (r *outcomeRing) ordered() []Outcome {
	if !r.full {
		out := make([]Outcome, r.next)
		copy(out, r.entries[:r.next])
		return out
	}
	out := make([]Outcome, 0, len(r.entries))
	out = append(out, r.entries[r.next:]...)
	out = append(out, r.entries[:r.next]...)
	return out
}

// stats summarizes the ring for Kelly and the leverage factors.
type outcomeStats struct {
	count      int
	winRate    float64
	recentRate float64 // rolling last 10
	avgWin     float64 // mean positive ROI
	avgLoss    float64 // mean |negative ROI|
	winStreak  int     // current consecutive wins
	lossStreak int     // current consecutive losses
}

func (r *outcomeRing) stats() outcomeStats {
	ordered := r.ordered()
	s := outcomeStats{count: len(ordered)}
	if s.count == 0 {
		return s
	}

	var wins, winSum, lossSum float64
	var losses int
	for _, o := range ordered {
		if o.ROI > 0 {
			wins++
			winSum += o.ROI
		} else {
			losses++
			lossSum += -o.ROI
		}
	}
	s.winRate = wins / float64(s.count)
	if wins > 0 {
		s.avgWin = winSum / wins
	}
	if losses > 0 {
		s.avgLoss = lossSum / float64(losses)
	}

	recent := ordered
	if len(recent) > 10 {
		recent = recent[len(recent)-10:]
	}
	var recentWins float64
	for _, o := range recent {
		if o.ROI > 0 {
			recentWins++
		}
	}
	s.recentRate = recentWins / float64(len(recent))

	for i := len(ordered) - 1; i >= 0; i-- {
		if ordered[i].ROI > 0 {
			if s.lossStreak > 0 {
				break
			}
			s.winStreak++
		} else {
			if s.winStreak > 0 {
				break
			}
			s.lossStreak++
		}
	}
	return s
}
