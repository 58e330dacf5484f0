package statestore

import (
	"context"
	"database/sql"
	"fmt"
)

// migrate creates the state tables. It is idempotent.
func migrate(ctx context.Context, db *sql.DB) error {
	migrations := []struct {
		name string
		sql  string
	}{
		{
			name: "rotation_state",
			sql: `CREATE TABLE IF NOT EXISTS rotation_state (
				instrument VARCHAR PRIMARY KEY,
				bin_label  VARCHAR NOT NULL,
				open_path  VARCHAR NOT NULL,
				updated_at TIMESTAMP NOT NULL
			)`,
		},
		{
			name: "rotation_pending",
			sql: `CREATE TABLE IF NOT EXISTS rotation_pending (
				instrument VARCHAR NOT NULL,
				seq        INTEGER NOT NULL,
				path       VARCHAR NOT NULL,
				PRIMARY KEY (instrument, seq)
			)`,
		},
	}

	for _, m := range migrations {
		if _, err := db.ExecContext(ctx, m.sql); err != nil {
			return fmt.Errorf("migration %s: %w", m.name, err)
		}
		log.Debug("migration applied", "name", m.name)
	}
	return nil
}
