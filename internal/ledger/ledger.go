// Package ledger keeps a columnar record of every artifact handed to the
// staging area.
//
// Each cycle that produced artifacts writes one Parquet file under
// <dir>/<instrument>/. The files are append-only evidence of what was staged
// and when; the transfer client may drain the staging tree at any time, so
// the ledger is the only place a staged file can be traced after the fact.
// The content digest is informational and never consulted when deciding
// whether to copy.
package ledger

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"

	"github.com/xtxerr/daqd/internal/errors"
	"github.com/xtxerr/daqd/internal/logging"
	"github.com/xtxerr/daqd/internal/staging"
)

var log = logging.Component("ledger")

// FileLayout names ledger files after the time they were written.
const FileLayout = "2006-01-02_15-04-05.000"

// Row is one staged artifact.
type Row struct {
	Instrument  string `parquet:"instrument,zstd"`
	Source      string `parquet:"source,zstd"`
	ArchivePath string `parquet:"archive_path,optional,zstd"`
	StagingPath string `parquet:"staging_path,zstd"`
	Format      string `parquet:"format,zstd"`
	Size        int64  `parquet:"size"`
	MtimeMs     int64  `parquet:"mtime_ms"`
	StagedMs    int64  `parquet:"staged_ms"`
	Blake3      string `parquet:"blake3,optional"`
}

// Options configures a Ledger.
type Options struct {
	// Dir is the ledger root, usually <state_dir>/ledger.
	Dir string

	// Compression is one of none|snappy|zstd|gzip. Defaults to zstd.
	Compression string

	// Digest enables BLAKE3 digests of staged artifacts.
	Digest bool

	Now func() time.Time
}

// Ledger writes ledger files. It implements filesync.Recorder.
type Ledger struct {
	mu    sync.Mutex
	opts  Options
	codec compress.Codec
}

// New creates a Ledger rooted at opts.Dir.
func New(opts Options) (*Ledger, error) {
	if opts.Dir == "" {
		return nil, errors.NewMissingField("ledger.dir")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	codec, err := codecFor(opts.Compression)
	if err != nil {
		return nil, err
	}
	return &Ledger{opts: opts, codec: codec}, nil
}

func codecFor(name string) (compress.Codec, error) {
	switch name {
	case "", "zstd":
		return &parquet.Zstd, nil
	case "snappy":
		return &parquet.Snappy, nil
	case "gzip":
		return &parquet.Gzip, nil
	case "none":
		return &parquet.Uncompressed, nil
	default:
		return nil, errors.NewInvalidValue("ledger.compression", name, "must be one of none|snappy|zstd|gzip")
	}
}

// Dir returns the ledger directory of an instrument.
func (l *Ledger) Dir(instrument string) string {
	return filepath.Join(l.opts.Dir, instrument)
}

// Record writes one ledger file for artifacts.
func (l *Ledger) Record(ctx context.Context, instrument string, artifacts []*staging.Artifact) error {
	if len(artifacts) == 0 {
		return nil
	}

	rows := make([]Row, 0, len(artifacts))
	for _, a := range artifacts {
		if err := ctx.Err(); err != nil {
			return err
		}
		row := Row{
			Instrument:  instrument,
			Source:      a.Source,
			ArchivePath: a.ArchivePath,
			StagingPath: a.Path,
			Format:      a.Format,
			Size:        a.Size,
			MtimeMs:     a.ModTime.UnixMilli(),
			StagedMs:    a.StagedAt.UnixMilli(),
		}
		if l.opts.Digest {
			sum, err := Digest(a.Path)
			if err != nil {
				// The transfer client may already have drained it.
				log.Debug("digest skipped", "file", a.Path, "error", err)
			} else {
				row.Blake3 = sum
			}
		}
		rows = append(rows, row)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	path := filepath.Join(l.Dir(instrument), l.opts.Now().UTC().Format(FileLayout)+".parquet")
	if err := l.write(path, rows); err != nil {
		return fmt.Errorf("ledger %s: %w", path, err)
	}

	log.Debug("ledger written", "instrument", instrument, "file", path, "rows", len(rows))
	return nil
}

func (l *Ledger) write(path string, rows []Row) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}

	w := parquet.NewGenericWriter[Row](f, parquet.Compression(l.codec))
	if _, err := w.Write(rows); err != nil {
		w.Close()
		f.Close()
		os.Remove(path)
		return fmt.Errorf("write rows: %w", err)
	}
	if err := w.Close(); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("close writer: %w", err)
	}
	return f.Close()
}

// ReadFile returns every row of a ledger file.
func ReadFile(path string) ([]Row, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer f.Close()

	r := parquet.NewGenericReader[Row](f)
	defer r.Close()

	rows := make([]Row, r.NumRows())
	n, err := r.Read(rows)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("read rows: %w", err)
	}
	return rows[:n], nil
}
