package instrument

import (
	"context"
	"strings"
	"time"
)

// Simulator answers like an ozone analyzer without any hardware attached.
// Only lrec commands get a data line.
type Simulator struct {
	now func() time.Time
}

// NewSimulator creates a Simulator reading time from now.
func NewSimulator(now func() time.Time) *Simulator {
	if now == nil {
		now = time.Now
	}
	return &Simulator{now: now}
}

// Exchange returns a canned response.
func (s *Simulator) Exchange(ctx context.Context, cmd string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	t := s.now()
	if strings.HasPrefix(cmd, "lrec") {
		return "(simulated) " + t.Format("15:04 01-02-06") +
			"  flags D800500 o3 0.394 cellai 123853.000 cellbi 94558.000 bncht 31.220" +
			" lmpt 53.754 o3lt 68.363 flowa 0.000 flowb 0.000 pres 724.798", nil
	}
	return "(simulated) " + t.Format("2006-01-02 15:04:05") + " Sorry, I can only simulate lrec.", nil
}

// Close is a no-op.
func (s *Simulator) Close() error { return nil }
