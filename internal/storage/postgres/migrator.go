package postgres

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

//go:embed sql/migrations/*.sql
var embeddedMigrations embed.FS

const (
	migrationsDir = "sql/migrations"
	// ключ pg_advisory_lock: два агента не мигрируют одну базу одновременно
	migrationLockID = int64(0x6675656c6f7073) // "fuelops"
)

const versionTableDDL = `
CREATE TABLE IF NOT EXISTS fuelops_schema_versions (
    version BIGINT PRIMARY KEY,
    name TEXT NOT NULL,
    checksum TEXT NOT NULL,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

var migrationFile = regexp.MustCompile(`^(\d+)_(\w+)\.(up|down)\.sql$`)

// ErrMigrationDrift — применённая миграция отличается от встроенной в бинарник.
var ErrMigrationDrift = errors.New("applied migration differs from embedded one")

// Migration описывает версию схемы с парой скриптов.
type Migration struct {
	Version  int64
	Name     string
	Up       string
	Down     string
	Checksum string
}

type appliedVersion struct {
	name     string
	checksum string
}

// MigrateUp применяет не более steps ожидающих миграций, при steps <= 0 все.
func (s *Store) MigrateUp(ctx context.Context, steps int) error {
	return s.withMigrationLock(ctx, func(conn *sql.Conn, all []Migration, applied map[int64]appliedVersion) error {
		if err := checkDrift(all, applied); err != nil {
			return err
		}
		for _, m := range limit(pending(all, applied), steps) {
			if err := runMigration(ctx, conn, m, true); err != nil {
				return err
			}
		}
		return nil
	})
}

// MigrateDown откатывает steps последних миграций, при steps <= 0 одну.
func (s *Store) MigrateDown(ctx context.Context, steps int) error {
	if steps <= 0 {
		steps = 1
	}
	return s.withMigrationLock(ctx, func(conn *sql.Conn, all []Migration, applied map[int64]appliedVersion) error {
		plan, err := rollbackPlan(all, applied, steps)
		if err != nil {
			return err
		}
		for _, m := range plan {
			if err := runMigration(ctx, conn, m, false); err != nil {
				return err
			}
		}
		return nil
	})
}

// MigrationStatus возвращает последнюю применённую версию и число применённых миграций.
func (s *Store) MigrationStatus(ctx context.Context) (int64, int, error) {
	if err := s.ready(); err != nil {
		return 0, 0, err
	}
	if _, err := s.db.ExecContext(ctx, versionTableDDL); err != nil {
		return 0, 0, fmt.Errorf("create version table: %w", err)
	}

	var (
		version int64
		count   int
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0), COUNT(*) FROM fuelops_schema_versions`,
	).Scan(&version, &count)
	if err != nil {
		return 0, 0, fmt.Errorf("read schema version: %w", err)
	}
	return version, count, nil
}

type migrationStep func(conn *sql.Conn, all []Migration, applied map[int64]appliedVersion) error

func (s *Store) withMigrationLock(ctx context.Context, step migrationStep) error {
	if err := s.ready(); err != nil {
		return err
	}
	all, err := readMigrations(embeddedMigrations)
	if err != nil {
		return err
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire migration connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, migrationLockID); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() {
		_, _ = conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, migrationLockID)
	}()

	if _, err := conn.ExecContext(ctx, versionTableDDL); err != nil {
		return fmt.Errorf("create version table: %w", err)
	}
	applied, err := appliedVersions(ctx, conn)
	if err != nil {
		return err
	}
	return step(conn, all, applied)
}

func appliedVersions(ctx context.Context, conn *sql.Conn) (map[int64]appliedVersion, error) {
	rows, err := conn.QueryContext(ctx, `SELECT version, name, checksum FROM fuelops_schema_versions`)
	if err != nil {
		return nil, fmt.Errorf("read applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int64]appliedVersion)
	for rows.Next() {
		var (
			version int64
			av      appliedVersion
		)
		if err := rows.Scan(&version, &av.name, &av.checksum); err != nil {
			return nil, fmt.Errorf("scan applied migration: %w", err)
		}
		applied[version] = av
	}
	return applied, rows.Err()
}

// runMigration выполняет скрипт и запись в fuelops_schema_versions одной транзакцией.
func runMigration(ctx context.Context, conn *sql.Conn, m Migration, up bool) (err error) {
	direction, script := "down", m.Down
	if up {
		direction, script = "up", m.Up
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("migration %d_%s %s: begin: %w", m.Version, m.Name, direction, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, script); err != nil {
		return fmt.Errorf("migration %d_%s %s: %w", m.Version, m.Name, direction, err)
	}
	if up {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO fuelops_schema_versions (version, name, checksum) VALUES ($1, $2, $3)`,
			m.Version, m.Name, m.Checksum)
	} else {
		_, err = tx.ExecContext(ctx, `DELETE FROM fuelops_schema_versions WHERE version = $1`, m.Version)
	}
	if err != nil {
		return fmt.Errorf("migration %d_%s %s: record version: %w", m.Version, m.Name, direction, err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("migration %d_%s %s: commit: %w", m.Version, m.Name, direction, err)
	}
	return nil
}

func checkDrift(all []Migration, applied map[int64]appliedVersion) error {
	for _, m := range all {
		av, ok := applied[m.Version]
		if ok && av.checksum != m.Checksum {
			return fmt.Errorf("%w: %d_%s", ErrMigrationDrift, m.Version, m.Name)
		}
	}
	return nil
}

func pending(all []Migration, applied map[int64]appliedVersion) []Migration {
	var out []Migration
	for _, m := range all {
		if _, ok := applied[m.Version]; !ok {
			out = append(out, m)
		}
	}
	return out
}

// rollbackPlan выбирает steps последних применённых миграций, от новых к старым.
func rollbackPlan(all []Migration, applied map[int64]appliedVersion, steps int) ([]Migration, error) {
	byVersion := make(map[int64]Migration, len(all))
	for _, m := range all {
		byVersion[m.Version] = m
	}

	versions := make([]int64, 0, len(applied))
	for v := range applied {
		versions = append(versions, v)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] > versions[j] })

	plan := make([]Migration, 0, steps)
	for _, v := range limitVersions(versions, steps) {
		m, ok := byVersion[v]
		if !ok {
			return nil, fmt.Errorf("cannot roll back migration %d (%s): script is not embedded", v, applied[v].name)
		}
		plan = append(plan, m)
	}
	return plan, nil
}

func limit(ms []Migration, n int) []Migration {
	if n > 0 && len(ms) > n {
		return ms[:n]
	}
	return ms
}

func limitVersions(vs []int64, n int) []int64 {
	if n > 0 && len(vs) > n {
		return vs[:n]
	}
	return vs
}

// readMigrations собирает пары NNNN_name.up.sql / NNNN_name.down.sql, отсортированные по версии.
func readMigrations(fsys fs.FS) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}

	byVersion := make(map[int64]*Migration)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		match := migrationFile.FindStringSubmatch(entry.Name())
		if match == nil {
			return nil, fmt.Errorf("unexpected file %q in %s", entry.Name(), migrationsDir)
		}
		version, err := strconv.ParseInt(match[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("migration %q: %w", entry.Name(), err)
		}

		raw, err := fs.ReadFile(fsys, path.Join(migrationsDir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read migration %q: %w", entry.Name(), err)
		}
		script := strings.TrimSpace(string(raw))
		if script == "" {
			return nil, fmt.Errorf("migration %q is empty", entry.Name())
		}

		m, ok := byVersion[version]
		if !ok {
			m = &Migration{Version: version, Name: match[2]}
			byVersion[version] = m
		}
		if m.Name != match[2] {
			return nil, fmt.Errorf("migration %d has two names: %s and %s", version, m.Name, match[2])
		}

		target := &m.Up
		if match[3] == "down" {
			target = &m.Down
		}
		if *target != "" {
			return nil, fmt.Errorf("migration %d_%s has duplicate %s script", version, m.Name, match[3])
		}
		*target = script
	}
	if len(byVersion) == 0 {
		return nil, fmt.Errorf("no migrations in %s", migrationsDir)
	}

	out := make([]Migration, 0, len(byVersion))
	for _, m := range byVersion {
		if m.Up == "" || m.Down == "" {
			return nil, fmt.Errorf("migration %d_%s needs both up and down scripts", m.Version, m.Name)
		}
		sum := sha256.Sum256([]byte(m.Up))
		m.Checksum = hex.EncodeToString(sum[:])
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}
