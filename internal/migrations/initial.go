package migrations

import (
	"database/sql"
)

// GetInitialMigrations returns the migrations creating the scheduler schema
func GetInitialMigrations() []Migration {
	return []Migration{
		{
			Version: 1,
			Name:    "create_nodes_and_workshops",
			Up: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE nodes (
						address TEXT PRIMARY KEY,
						port INTEGER NOT NULL,
						cpu_percent REAL,
						mem_percent REAL,
						disk_percent REAL,
						status_updated_at DATETIME,
						created_at DATETIME DEFAULT CURRENT_TIMESTAMP
					)
				`)
				if err != nil {
					return err
				}

				_, err = tx.Exec(`
					CREATE TABLE workshops (
						id INTEGER PRIMARY KEY AUTOINCREMENT,
						name TEXT NOT NULL UNIQUE,
						label TEXT NOT NULL DEFAULT '',
						description TEXT NOT NULL DEFAULT '',
						min_instances INTEGER NOT NULL DEFAULT 0,
						max_instances INTEGER NOT NULL DEFAULT 0,
						enabled BOOLEAN NOT NULL DEFAULT 1,
						created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
						CHECK (min_instances >= 0),
						CHECK (max_instances >= min_instances)
					)
				`)
				return err
			},
			Down: func(tx *sql.Tx) error {
				if _, err := tx.Exec(`DROP TABLE IF EXISTS workshops`); err != nil {
					return err
				}
				_, err := tx.Exec(`DROP TABLE IF EXISTS nodes`)
				return err
			},
		},
		{
			Version: 2,
			Name:    "create_sessions_and_machines",
			Up: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE sessions (
						id TEXT PRIMARY KEY,
						node_address TEXT NOT NULL,
						workshop_id INTEGER NOT NULL,
						password TEXT NOT NULL DEFAULT '',
						available BOOLEAN NOT NULL DEFAULT 0,
						started_at DATETIME NOT NULL,
						FOREIGN KEY (node_address) REFERENCES nodes(address) ON DELETE CASCADE,
						FOREIGN KEY (workshop_id) REFERENCES workshops(id) ON DELETE CASCADE
					)
				`)
				if err != nil {
					return err
				}

				// Machine order inside a unit is significant, position keeps it stable
				_, err = tx.Exec(`
					CREATE TABLE machines (
						id INTEGER PRIMARY KEY AUTOINCREMENT,
						session_id TEXT NOT NULL,
						position INTEGER NOT NULL,
						name TEXT NOT NULL,
						port INTEGER NOT NULL,
						state TEXT NOT NULL DEFAULT '',
						active BOOLEAN NOT NULL DEFAULT 0,
						FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE,
						UNIQUE (session_id, name)
					)
				`)
				return err
			},
			Down: func(tx *sql.Tx) error {
				if _, err := tx.Exec(`DROP TABLE IF EXISTS machines`); err != nil {
					return err
				}
				_, err := tx.Exec(`DROP TABLE IF EXISTS sessions`)
				return err
			},
		},
	}
}
