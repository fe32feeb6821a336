package database

import (
	"context"
	"database/sql"
	"fmt"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS patients (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		uid TEXT NOT NULL UNIQUE,
		team_id TEXT NOT NULL DEFAULT 'DEFAULT',
		name TEXT NOT NULL,
		age INTEGER NOT NULL DEFAULT 0,
		sex TEXT NOT NULL DEFAULT '',
		address TEXT NOT NULL DEFAULT '',
		regime TEXT NOT NULL DEFAULT '',
		remark TEXT NOT NULL DEFAULT '',
		color TEXT NOT NULL DEFAULT '',
		updated_at INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_patients_team ON patients(team_id)`,
	`CREATE INDEX IF NOT EXISTS idx_patients_updated ON patients(updated_at)`,
	`CREATE INDEX IF NOT EXISTS idx_patients_name ON patients(name)`,
	`CREATE TABLE IF NOT EXISTS milestones (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		patient_id INTEGER NOT NULL REFERENCES patients(id) ON DELETE CASCADE,
		title TEXT NOT NULL,
		start_date TEXT NOT NULL,
		baseline_date TEXT NOT NULL,
		missed_days INTEGER NOT NULL DEFAULT 0,
		remark TEXT NOT NULL DEFAULT '',
		outcome TEXT NOT NULL DEFAULT '',
		updated_at INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_milestones_patient ON milestones(patient_id, baseline_date)`,
	`CREATE INDEX IF NOT EXISTS idx_milestones_updated ON milestones(updated_at)`,
	`CREATE TABLE IF NOT EXISTS tombstones (
		id TEXT PRIMARY KEY,
		deleted_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tombstones_deleted ON tombstones(deleted_at)`,
	`CREATE TABLE IF NOT EXISTS teams (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		slug TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		invite_code TEXT NOT NULL DEFAULT '',
		is_public INTEGER NOT NULL DEFAULT 0,
		created_by TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_teams_invite ON teams(invite_code)`,
	`CREATE TABLE IF NOT EXISTS team_members (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		team_slug TEXT NOT NULL,
		user_name TEXT NOT NULL DEFAULT '',
		device_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'PENDING',
		role TEXT NOT NULL DEFAULT 'MEMBER',
		updated_at INTEGER NOT NULL DEFAULT 0,
		UNIQUE (team_slug, device_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_team_members_device ON team_members(device_id)`,
}

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS patients (
		id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
		uid VARCHAR(64) NOT NULL,
		team_id VARCHAR(64) NOT NULL DEFAULT 'DEFAULT',
		name VARCHAR(191) NOT NULL,
		age INT NOT NULL DEFAULT 0,
		sex VARCHAR(16) NOT NULL DEFAULT '',
		address VARCHAR(255) NOT NULL DEFAULT '',
		regime VARCHAR(32) NOT NULL DEFAULT '',
		remark TEXT NOT NULL,
		color VARCHAR(16) NOT NULL DEFAULT '',
		updated_at BIGINT NOT NULL DEFAULT 0,
		UNIQUE KEY uq_patients_uid (uid),
		KEY idx_patients_team (team_id),
		KEY idx_patients_updated (updated_at),
		KEY idx_patients_name (name)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS milestones (
		id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
		patient_id BIGINT NOT NULL,
		title VARCHAR(64) NOT NULL,
		start_date CHAR(10) NOT NULL,
		baseline_date CHAR(10) NOT NULL,
		missed_days INT NOT NULL DEFAULT 0,
		remark TEXT NOT NULL,
		outcome VARCHAR(16) NOT NULL DEFAULT '',
		updated_at BIGINT NOT NULL DEFAULT 0,
		KEY idx_milestones_patient (patient_id, baseline_date),
		KEY idx_milestones_updated (updated_at),
		CONSTRAINT fk_milestones_patient FOREIGN KEY (patient_id) REFERENCES patients(id) ON DELETE CASCADE
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS tombstones (
		id VARCHAR(191) NOT NULL PRIMARY KEY,
		deleted_at BIGINT NOT NULL,
		KEY idx_tombstones_deleted (deleted_at)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS teams (
		id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
		slug VARCHAR(64) NOT NULL,
		name VARCHAR(191) NOT NULL,
		invite_code VARCHAR(32) NOT NULL DEFAULT '',
		is_public TINYINT(1) NOT NULL DEFAULT 0,
		created_by VARCHAR(191) NOT NULL DEFAULT '',
		created_at BIGINT NOT NULL DEFAULT 0,
		UNIQUE KEY uq_teams_slug (slug),
		KEY idx_teams_invite (invite_code)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS team_members (
		id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
		team_slug VARCHAR(64) NOT NULL,
		user_name VARCHAR(191) NOT NULL DEFAULT '',
		device_id VARCHAR(191) NOT NULL,
		status VARCHAR(16) NOT NULL DEFAULT 'PENDING',
		role VARCHAR(16) NOT NULL DEFAULT 'MEMBER',
		updated_at BIGINT NOT NULL DEFAULT 0,
		UNIQUE KEY uq_team_members (team_slug, device_id),
		KEY idx_team_members_device (device_id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
}

// Migrate creates the tables used by the repositories.  Statements are
// idempotent so it runs on every start.
func Migrate(ctx context.Context, db *sql.DB, driver string) error {
	stmts := sqliteSchema
	if driver == DriverMySQL {
		stmts = mysqlSchema
	}
	for i, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("schema statement %d: %w", i, err)
		}
	}
	return nil
}
