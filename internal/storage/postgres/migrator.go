package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	migrationsDir = "sql/migrations"
	// schemaLockKey сериализует миграции между процессами через pg_advisory_lock.
	schemaLockKey  = int64(0x626f6f6b73)
	schemaLockWait = 10 * time.Second

	schemaTableDDL = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version BIGINT PRIMARY KEY,
    name TEXT NOT NULL,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`
)

//go:embed sql/migrations/*.sql
var schemaFiles embed.FS

var migrationFileName = regexp.MustCompile(`^(\d+)_([a-z0-9_]+)\.(up|down)\.sql$`)

var errStoreNotInitialized = errors.New("postgres store is not initialized")

type migrationDirection string

const (
	migrationUp   migrationDirection = "up"
	migrationDown migrationDirection = "down"
)

// MigrationState описывает схему: последняя версия, число применённых и ещё не применённые версии.
type MigrationState struct {
	Version int64
	Applied int
	Pending []int64
}

// MigrationReport перечисляет версии, затронутые одним запуском, в порядке выполнения.
type MigrationReport struct {
	Direction string
	Versions  []int64
}

type schemaMigration struct {
	version int64
	name    string
	up      string
	down    string
}

func (m schemaMigration) label() string {
	return fmt.Sprintf("%04d_%s", m.version, m.name)
}

func (m schemaMigration) body(direction migrationDirection) string {
	if direction == migrationDown {
		return m.down
	}
	return m.up
}

// MigrateUp применяет steps неприменённых миграций по возрастанию версии; 0 означает все.
func (s *Store) MigrateUp(ctx context.Context, steps int) (MigrationReport, error) {
	return s.migrate(ctx, migrationUp, steps)
}

// MigrateDown откатывает steps последних миграций; значения меньше 1 откатывают одну.
func (s *Store) MigrateDown(ctx context.Context, steps int) (MigrationReport, error) {
	if steps <= 0 {
		steps = 1
	}
	return s.migrate(ctx, migrationDown, steps)
}

// MigrationStatus сравнивает встроенный набор миграций с таблицей schema_migrations.
func (s *Store) MigrationStatus(ctx context.Context) (MigrationState, error) {
	if s == nil || s.db == nil {
		return MigrationState{}, errStoreNotInitialized
	}

	migrations, err := readMigrations(schemaFiles)
	if err != nil {
		return MigrationState{}, err
	}

	queryCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if _, err := s.db.ExecContext(queryCtx, schemaTableDDL); err != nil {
		return MigrationState{}, fmt.Errorf("ensure schema_migrations: %w", err)
	}
	applied, err := appliedVersions(queryCtx, s.db)
	if err != nil {
		return MigrationState{}, err
	}

	state := MigrationState{Applied: len(applied), Pending: []int64{}}
	for version := range applied {
		if version > state.Version {
			state.Version = version
		}
	}
	for _, m := range migrations {
		if !applied[m.version] {
			state.Pending = append(state.Pending, m.version)
		}
	}
	return state, nil
}

func (s *Store) migrate(ctx context.Context, direction migrationDirection, steps int) (MigrationReport, error) {
	report := MigrationReport{Direction: string(direction), Versions: []int64{}}
	if s == nil || s.db == nil {
		return report, errStoreNotInitialized
	}
	if direction != migrationUp && direction != migrationDown {
		return report, fmt.Errorf("unsupported migration direction: %s", direction)
	}

	migrations, err := readMigrations(schemaFiles)
	if err != nil {
		return report, err
	}

	err = s.withSchemaLock(ctx, func(conn *sql.Conn) error {
		applied, err := appliedVersions(ctx, conn)
		if err != nil {
			return err
		}
		plan, err := planMigrations(migrations, applied, direction, steps)
		if err != nil {
			return err
		}

		for _, m := range plan {
			started := time.Now()
			if err := runMigration(ctx, conn, m, direction); err != nil {
				return err
			}
			report.Versions = append(report.Versions, m.version)
			s.logger.WithFields(log.Fields{
				"direction": direction,
				"migration": m.label(),
				"duration":  time.Since(started).String(),
			}).Info("schema migration done")
		}
		return nil
	})
	return report, err
}

// withSchemaLock выполняет fn на отдельном соединении под advisory lock.
func (s *Store) withSchemaLock(ctx context.Context, fn func(conn *sql.Conn) error) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire db connection: %w", err)
	}
	defer conn.Close()

	lockCtx, cancel := context.WithTimeout(ctx, schemaLockWait)
	defer cancel()
	if _, err := conn.ExecContext(lockCtx, "SELECT pg_advisory_lock($1)", schemaLockKey); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}
	defer func() {
		if _, err := conn.ExecContext(context.Background(), "SELECT pg_advisory_unlock($1)", schemaLockKey); err != nil {
			s.logger.WithError(err).Warn("release schema lock failed")
		}
	}()

	if _, err := conn.ExecContext(ctx, schemaTableDDL); err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}
	return fn(conn)
}

// planMigrations выбирает миграции для запуска. Up идёт по возрастанию версий,
// down по убыванию применённых; версия в базе без файла миграции останавливает откат.
func planMigrations(migrations []schemaMigration, applied map[int64]bool, direction migrationDirection, steps int) ([]schemaMigration, error) {
	plan := []schemaMigration{}
	full := func() bool { return steps > 0 && len(plan) >= steps }

	switch direction {
	case migrationUp:
		for _, m := range migrations {
			if full() {
				break
			}
			if !applied[m.version] {
				plan = append(plan, m)
			}
		}
	case migrationDown:
		known := make(map[int64]schemaMigration, len(migrations))
		for _, m := range migrations {
			known[m.version] = m
		}
		versions := make([]int64, 0, len(applied))
		for version := range applied {
			versions = append(versions, version)
		}
		sort.Slice(versions, func(i, j int) bool { return versions[i] > versions[j] })

		for _, version := range versions {
			if full() {
				break
			}
			m, ok := known[version]
			if !ok {
				return nil, fmt.Errorf("cannot roll back unknown migration version %d", version)
			}
			plan = append(plan, m)
		}
	default:
		return nil, fmt.Errorf("unsupported migration direction: %s", direction)
	}
	return plan, nil
}

func runMigration(ctx context.Context, conn *sql.Conn, m schemaMigration, direction migrationDirection) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin %s %s: %w", direction, m.label(), err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, m.body(direction)); err != nil {
		return fmt.Errorf("execute %s %s: %w", direction, m.label(), err)
	}

	record := `INSERT INTO schema_migrations (version, name) VALUES ($1, $2)`
	args := []any{m.version, m.name}
	if direction == migrationDown {
		record = `DELETE FROM schema_migrations WHERE version = $1`
		args = args[:1]
	}
	if _, err := tx.ExecContext(ctx, record, args...); err != nil {
		return fmt.Errorf("record %s %s: %w", direction, m.label(), err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s %s: %w", direction, m.label(), err)
	}
	return nil
}

func appliedVersions(ctx context.Context, q dbtx) (map[int64]bool, error) {
	rows, err := q.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("query schema_migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int64]bool)
	for rows.Next() {
		var version int64
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("scan schema_migrations: %w", err)
		}
		applied[version] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate schema_migrations: %w", err)
	}
	return applied, nil
}

// readMigrations собирает пары NNNN_name.up.sql / NNNN_name.down.sql из каталога миграций.
func readMigrations(fsys fs.FS) ([]schemaMigration, error) {
	entries, err := fs.ReadDir(fsys, migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", migrationsDir, err)
	}

	byVersion := make(map[int64]*schemaMigration)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		file := entry.Name()
		parts := migrationFileName.FindStringSubmatch(file)
		if parts == nil {
			return nil, fmt.Errorf("invalid migration file name: %s", file)
		}
		version, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse version of %s: %w", file, err)
		}

		raw, err := fs.ReadFile(fsys, path.Join(migrationsDir, file))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", file, err)
		}
		body := strings.TrimSpace(string(raw))
		if body == "" {
			return nil, fmt.Errorf("migration file is empty: %s", file)
		}

		m, ok := byVersion[version]
		if !ok {
			m = &schemaMigration{version: version, name: parts[2]}
			byVersion[version] = m
		}
		if m.name != parts[2] {
			return nil, fmt.Errorf("version %d has two names: %s and %s", version, m.name, parts[2])
		}

		target := &m.up
		if parts[3] == string(migrationDown) {
			target = &m.down
		}
		if *target != "" {
			return nil, fmt.Errorf("duplicate %s migration for version %d", parts[3], version)
		}
		*target = body
	}
	if len(byVersion) == 0 {
		return nil, errors.New("no migration files found")
	}

	migrations := make([]schemaMigration, 0, len(byVersion))
	for _, m := range byVersion {
		if m.up == "" || m.down == "" {
			return nil, fmt.Errorf("migration %s must have both up and down files", m.label())
		}
		migrations = append(migrations, *m)
	}
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].version < migrations[j].version })
	return migrations, nil
}
