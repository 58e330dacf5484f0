package statestore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/xtxerr/daqd/internal/errors"
	"github.com/xtxerr/daqd/internal/rotation"
)

var _ rotation.StateStore = (*Store)(nil)

// Load returns the saved rotation state of an instrument, or an error
// wrapping errors.ErrNotFound.
func (s *Store) Load(ctx context.Context, instrument string) (*rotation.State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errors.ErrClosed
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	st := &rotation.State{Instrument: instrument}
	err := s.db.QueryRowContext(ctx, `
		SELECT bin_label, open_path, updated_at
		FROM rotation_state WHERE instrument = ?
	`, instrument).Scan(&st.BinLabel, &st.OpenPath, &st.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(errors.ErrNotFound, "rotation state %s", instrument)
	}
	if err != nil {
		return nil, fmt.Errorf("load rotation state: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT path FROM rotation_pending
		WHERE instrument = ? ORDER BY seq
	`, instrument)
	if err != nil {
		return nil, fmt.Errorf("load pending files: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			return nil, fmt.Errorf("scan pending file: %w", err)
		}
		st.Pending = append(st.Pending, path)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending files: %w", err)
	}
	return st, nil
}

// Save replaces the rotation state of st.Instrument.
func (s *Store) Save(ctx context.Context, st *rotation.State) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errors.ErrClosed
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO rotation_state (instrument, bin_label, open_path, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (instrument) DO UPDATE SET
				bin_label = excluded.bin_label,
				open_path = excluded.open_path,
				updated_at = excluded.updated_at
		`, st.Instrument, st.BinLabel, st.OpenPath, st.UpdatedAt.UTC()); err != nil {
			return fmt.Errorf("save rotation state: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM rotation_pending WHERE instrument = ?`, st.Instrument); err != nil {
			return fmt.Errorf("clear pending files: %w", err)
		}
		for i, path := range st.Pending {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO rotation_pending (instrument, seq, path) VALUES (?, ?, ?)`,
				st.Instrument, i, path); err != nil {
				return fmt.Errorf("save pending file: %w", err)
			}
		}
		return nil
	})
}

// Instruments lists every instrument with saved state.
func (s *Store) Instruments(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errors.ErrClosed
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `SELECT instrument FROM rotation_state ORDER BY instrument`)
	if err != nil {
		return nil, fmt.Errorf("list instruments: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}
