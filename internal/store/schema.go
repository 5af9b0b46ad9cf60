package store

import (
	"context"
	"database/sql"
	"fmt"
)

// currentSchemaVersion is stored in PRAGMA user_version.
//
//	1 - project, phase, task, blockers
const currentSchemaVersion = 1

const (
	createProject = `CREATE TABLE IF NOT EXISTS project (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    name_lower TEXT NOT NULL UNIQUE,
    description TEXT NOT NULL DEFAULT '',
    parent_id TEXT NULL REFERENCES project(id),
    save_time TEXT NOT NULL
);`

	createPhase = `CREATE TABLE IF NOT EXISTS phase (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    name_lower TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    project_id TEXT NOT NULL REFERENCES project(id),
    follows TEXT NULL REFERENCES phase(id),
    save_time TEXT NOT NULL,
    UNIQUE (project_id, name_lower)
);`

	createTask = `CREATE TABLE IF NOT EXISTS task (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    name_lower TEXT NOT NULL UNIQUE,
    status TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    project_id TEXT NULL REFERENCES project(id),
    phase_id TEXT NULL REFERENCES phase(id),
    save_time TEXT NOT NULL,
    CHECK ((project_id IS NULL) <> (phase_id IS NULL))
);`

	createBlockers = `CREATE TABLE IF NOT EXISTS blockers (
    id TEXT PRIMARY KEY,
    item TEXT NOT NULL REFERENCES task(id),
    requires TEXT NOT NULL REFERENCES task(id),
    UNIQUE (item, requires),
    CHECK (item <> requires)
);`
)

// Indexes for the common lookups. follows is indexed but not unique; the
// Store keeps at most one follower per phase.
var createIndexes = []string{
	"CREATE INDEX IF NOT EXISTS idx_project_parent ON project(parent_id)",
	"CREATE INDEX IF NOT EXISTS idx_phase_project ON phase(project_id)",
	"CREATE INDEX IF NOT EXISTS idx_phase_follows ON phase(follows)",
	"CREATE INDEX IF NOT EXISTS idx_task_project ON task(project_id)",
	"CREATE INDEX IF NOT EXISTS idx_task_phase ON task(phase_id)",
	"CREATE INDEX IF NOT EXISTS idx_task_status ON task(status)",
	"CREATE INDEX IF NOT EXISTS idx_blockers_requires ON blockers(requires)",
}

// migrate brings the database up to currentSchemaVersion.
func migrate(ctx context.Context, db *sql.DB) error {
	var version int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version > currentSchemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported version %d", version, currentSchemaVersion)
	}

	if version < 1 {
		if err := migrateToV1(ctx, db); err != nil {
			return err
		}
	}

	if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

func migrateToV1(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	defer tx.Rollback()

	stmts := append([]string{createProject, createPhase, createTask, createBlockers}, createIndexes...)
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}
