package ledger

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// PruneResult describes one retention pass.
type PruneResult struct {
	FilesDeleted int
	BytesFreed   int64
	FilesSkipped int
	Errors       []error
}

func (r PruneResult) String() string {
	return fmt.Sprintf("%d files deleted, %s freed, %d kept, %d errors",
		r.FilesDeleted, humanize.Bytes(uint64(r.BytesFreed)), r.FilesSkipped, len(r.Errors))
}

// PruneStats are the totals of every non-dry pass since the Pruner was made.
type PruneStats struct {
	LastRunTime  time.Time
	FilesDeleted int64
	BytesFreed   int64
	Errors       int64
}

// Pruner deletes ledger files whose name time is older than the retention
// period. Files whose name does not parse as a ledger time are kept.
type Pruner struct {
	dir       string
	retention time.Duration

	mu    sync.Mutex
	stats PruneStats
}

// NewPruner creates a Pruner for the ledger root dir.
func NewPruner(dir string, retention time.Duration) *Pruner {
	return &Pruner{dir: dir, retention: retention}
}

// Prune removes expired ledger files of every instrument. With dryRun set
// nothing is removed, but the result counts what would have been.
func (p *Pruner) Prune(now time.Time, dryRun bool) PruneResult {
	p.mu.Lock()
	defer p.mu.Unlock()

	var res PruneResult
	paths, err := filepath.Glob(filepath.Join(p.dir, "*", "*.parquet"))
	if err != nil {
		res.Errors = append(res.Errors, fmt.Errorf("list ledger files: %w", err))
		return res
	}

	cutoff := now.Add(-p.retention)
	for _, path := range paths {
		written, err := fileTime(path)
		if err != nil || written.After(cutoff) {
			res.FilesSkipped++
			continue
		}
		info, err := os.Lstat(path)
		if err != nil || !info.Mode().IsRegular() {
			res.FilesSkipped++
			continue
		}
		if !dryRun {
			if err := os.Remove(path); err != nil {
				res.Errors = append(res.Errors, fmt.Errorf("delete %s: %w", path, err))
				continue
			}
		}
		res.FilesDeleted++
		res.BytesFreed += info.Size()
	}

	if !dryRun {
		p.stats.LastRunTime = now
		p.stats.FilesDeleted += int64(res.FilesDeleted)
		p.stats.BytesFreed += res.BytesFreed
		p.stats.Errors += int64(len(res.Errors))
	}
	return res
}

// Stats returns the running totals.
func (p *Pruner) Stats() PruneStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// fileTime parses the write time out of a ledger file name.
func fileTime(path string) (time.Time, error) {
	name := filepath.Base(path)
	return time.Parse(FileLayout, strings.TrimSuffix(name, filepath.Ext(name)))
}
