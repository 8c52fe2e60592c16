package migrations

import (
	"database/sql"
)

// GetPerformanceMigrations returns index migrations for the scheduler's hot queries
func GetPerformanceMigrations() []Migration {
	return []Migration{
		{
			Version: 10,
			Name:    "add_performance_indices",
			Up: func(tx *sql.Tx) error {
				indices := []string{
					"CREATE INDEX IF NOT EXISTS idx_sessions_node_address ON sessions(node_address)",
					"CREATE INDEX IF NOT EXISTS idx_sessions_workshop_id ON sessions(workshop_id)",
					"CREATE INDEX IF NOT EXISTS idx_sessions_available ON sessions(workshop_id, available)",
					"CREATE INDEX IF NOT EXISTS idx_machines_session_id ON machines(session_id)",
				}

				for _, indexSQL := range indices {
					if _, err := tx.Exec(indexSQL); err != nil {
						return err
					}
				}

				return nil
			},
			Down: func(tx *sql.Tx) error {
				indices := []string{
					"DROP INDEX IF EXISTS idx_sessions_node_address",
					"DROP INDEX IF EXISTS idx_sessions_workshop_id",
					"DROP INDEX IF EXISTS idx_sessions_available",
					"DROP INDEX IF EXISTS idx_machines_session_id",
				}

				for _, dropSQL := range indices {
					if _, err := tx.Exec(dropSQL); err != nil {
						return err
					}
				}

				return nil
			},
		},
	}
}
