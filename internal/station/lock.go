package station

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/danjacques/gofslock/fslock"

	"github.com/xtxerr/daqd/internal/errors"
)

// lockInstrument takes the exclusive process lock of an instrument so that
// two daemons (or a daemon and a dump) never drive the same device or
// archive. The returned handle must be unlocked on shutdown.
func lockInstrument(dir, instrument string) (fslock.Handle, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}

	path := filepath.Join(dir, instrument+".lock")
	h, err := fslock.Lock(path)
	switch {
	case err == nil:
		return h, nil
	case err == fslock.ErrLockHeld:
		return nil, fmt.Errorf("%s (%s): %w", instrument, path, errors.ErrLockHeld)
	default:
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}
}
