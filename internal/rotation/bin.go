package rotation

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/xtxerr/daqd/internal/constants"
	"github.com/xtxerr/daqd/internal/errors"
)

// ValidateInterval checks a reporting interval in minutes.
func ValidateInterval(minutes int) error {
	if !constants.IsValidReportingInterval(minutes) {
		return errors.NewInvalidValue("reporting_interval_minutes", minutes,
			"must be 10 or a multiple of 60 not exceeding 1440")
	}
	return nil
}

// BinStart returns the start of the bin containing now. Bins are aligned to
// wall-clock midnight in now's location. In the hour repeated when clocks
// fall back, the start keeps now's UTC offset, so the two passes through
// that hour are separate bins.
func BinStart(now time.Time, minutes int) time.Time {
	wall := (now.Hour()*60 + now.Minute()) / minutes * minutes
	start := time.Date(now.Year(), now.Month(), now.Day(), wall/60, wall%60, 0, 0, now.Location())

	_, nowOff := now.Zone()
	if _, off := start.Zone(); off != nowOff {
		alt := start.Add(time.Duration(off-nowOff) * time.Second)
		if _, altOff := alt.Zone(); altOff == nowOff && sameWallClock(alt, start) && !alt.After(now) {
			start = alt
		}
	}
	return start
}

// BinLabel returns the label of the bin containing now.
func BinLabel(now time.Time, minutes int) string {
	return Label(BinStart(now, minutes))
}

// Label formats a bin start as YYYYMMDDhhmm. A start whose wall-clock time
// already occurred earlier the same day gets its zone abbreviation
// appended, e.g. 202410270200CET after 202410270200.
func Label(start time.Time) string {
	label := start.Format(constants.BinLabelLayout)
	if repeatsWallClock(start) {
		label += start.Format("MST")
	}
	return label
}

// repeatsWallClock reports whether t's wall-clock time was already shown
// once that day, before the clocks were set back.
func repeatsWallClock(t time.Time) bool {
	_, off := t.Zone()
	_, midOff := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location()).Zone()
	back := time.Duration(midOff-off) * time.Second
	if back <= 0 {
		return false
	}
	return sameWallClock(t.Add(-back), t)
}

func sameWallClock(a, b time.Time) bool {
	return a.Format(constants.BinLabelLayout) == b.Format(constants.BinLabelLayout)
}

// FilePath returns <dataRoot>/<instrument>/YYYY/MM/DD/<instrument>-<label>.dat
// for the bin starting at start.
func FilePath(dataRoot, instrument string, start time.Time) string {
	name := fmt.Sprintf("%s-%s%s", instrument, Label(start), constants.DataFileExt)
	return filepath.Join(dataRoot, instrument, start.Format("2006"), start.Format("01"), start.Format("02"), name)
}
