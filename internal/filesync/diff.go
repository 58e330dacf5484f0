package filesync

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/xtxerr/daqd/internal/errors"
)

// Candidate is a file present in a source bucket and absent from the
// matching archive bucket.
type Candidate struct {
	Name       string
	SourcePath string
	DestPath   string
	ModTime    time.Time
	Size       int64
}

// Diff lists the regular files in srcDir whose names do not exist as regular
// files in destDir. destDir is created if absent.
//
// A missing source directory yields no candidates and a *errors.SourceError.
// Files are compared by name only.
func Diff(srcDir, destDir string) ([]Candidate, error) {
	files, err := List(srcDir)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(destDir, 0755); err != nil {
		return nil, &errors.StagingError{File: destDir, Stage: "archive-copy", Err: err}
	}

	present, err := regularFileNames(destDir)
	if err != nil {
		return nil, &errors.StagingError{File: destDir, Stage: "archive-copy", Err: err}
	}

	candidates := files[:0]
	for _, c := range files {
		if _, ok := present[c.Name]; ok {
			continue
		}
		c.DestPath = filepath.Join(destDir, c.Name)
		candidates = append(candidates, c)
	}
	return candidates, nil
}

// List returns the regular files directly inside dir, sorted by name.
// Subdirectories, symlinks and other special files are ignored.
func List(dir string) ([]Candidate, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &errors.SourceError{Path: dir}
		}
		return nil, &errors.SourceError{Path: dir, Err: err}
	}

	var files []Candidate
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// Removed between listing and stat.
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, &errors.SourceError{Path: filepath.Join(dir, e.Name()), Err: err}
		}
		files = append(files, Candidate{
			Name:       e.Name(),
			SourcePath: filepath.Join(dir, e.Name()),
			ModTime:    info.ModTime(),
			Size:       info.Size(),
		})
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].Name < files[j].Name
	})
	return files, nil
}

func regularFileNames(dir string) (map[string]struct{}, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() {
			names[e.Name()] = struct{}{}
		}
	}
	return names, nil
}
