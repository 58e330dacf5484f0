package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/gorhill/cronexpr"

	"github.com/xtxerr/daqd/internal/errors"
)

// Schedule decides when a task runs next.
type Schedule interface {
	// Next returns the first run time strictly after from.
	Next(from time.Time) time.Time

	String() string
}

// =============================================================================
// Interval Schedule
// =============================================================================

type every time.Duration

// Every runs a task each d after the previous run completes.
func Every(d time.Duration) Schedule { return every(d) }

func (e every) Next(from time.Time) time.Time { return from.Add(time.Duration(e)) }

func (e every) String() string { return "every " + time.Duration(e).String() }

// =============================================================================
// Cron Schedule
// =============================================================================

type cron struct {
	expr *cronexpr.Expression
	src  string
	loc  *time.Location
}

// Cron parses a cron expression (5, 6 or 7 fields, or @hourly style
// shortcuts). Times are evaluated in loc.
func Cron(expr string, loc *time.Location) (Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, errors.NewMissingField("schedule")
	}
	parsed, err := cronexpr.Parse(expr)
	if err != nil {
		return nil, errors.NewInvalidValue("schedule", expr, err.Error())
	}
	if loc == nil {
		loc = time.Local
	}
	c := &cron{expr: parsed, src: expr, loc: loc}
	if c.Next(time.Now()).IsZero() {
		return nil, errors.NewInvalidValue("schedule", expr, "never fires")
	}
	return c, nil
}

func (c *cron) Next(from time.Time) time.Time {
	return c.expr.Next(from.In(c.loc))
}

func (c *cron) String() string { return fmt.Sprintf("cron %q", c.src) }
