package filesync

import "time"

// Settled returns the candidates last modified strictly more than delay
// before now. A file aged exactly delay is still considered in flight.
//
// This is an elapsed-time heuristic only; file size is never sampled.
func Settled(candidates []Candidate, delay time.Duration, now time.Time) (eligible, pending []Candidate) {
	for _, c := range candidates {
		if now.Sub(c.ModTime) > delay {
			eligible = append(eligible, c)
		} else {
			pending = append(pending, c)
		}
	}
	return eligible, pending
}
