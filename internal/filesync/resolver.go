// Package filesync pulls settled files from an externally written share into
// the local archive and the staging area.
//
// One cycle resolves the calendar buckets inside the lookback window, diffs
// each source bucket against its archive bucket by file name, drops files
// that are still being written, and stages whatever is left.
package filesync

import (
	"path/filepath"
	"time"

	"github.com/xtxerr/daqd/internal/constants"
	"github.com/xtxerr/daqd/internal/errors"
)

// Bucket layouts, relative and slash separated.
const (
	dailyLayout   = "2006/01/02"
	monthlyLayout = "2006/01"
)

// Resolve returns the relative bucket paths covering the lookback window
// ending at now, oldest first. now is interpreted in its own location.
//
// Mode none yields a single empty path. Monthly windows that cover the
// same month several times yield that month once.
func Resolve(mode string, lookbackDays int, now time.Time) ([]string, error) {
	if !constants.IsValidPartitionMode(mode) {
		return nil, errors.NewInvalidValue("partition_mode", mode, "must be one of none|daily|monthly")
	}
	if lookbackDays <= 0 {
		return nil, errors.NewInvalidValue("lookback_days", lookbackDays, "must be positive")
	}

	if mode == constants.PartitionNone {
		return []string{""}, nil
	}

	layout := dailyLayout
	if mode == constants.PartitionMonthly {
		layout = monthlyLayout
	}

	buckets := make([]string, 0, lookbackDays)
	seen := make(map[string]struct{}, lookbackDays)
	for offset := lookbackDays - 1; offset >= 0; offset-- {
		b := now.AddDate(0, 0, -offset).Format(layout)
		if _, dup := seen[b]; dup {
			continue
		}
		seen[b] = struct{}{}
		buckets = append(buckets, b)
	}
	return buckets, nil
}

// BucketDir joins a root directory and a relative bucket path.
func BucketDir(root, bucket string) string {
	if bucket == "" {
		return filepath.Clean(root)
	}
	return filepath.Join(root, filepath.FromSlash(bucket))
}
