package persistence

import (
	"context"
	"database/sql"
	"encoding/hex"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/zeebo/blake3"
)

// schemaLockID serializes concurrent migrators on one database.
const schemaLockID = 0x5e771e

var (
	ErrBadMigrationName = errors.New("malformed migration file name")
	ErrMigrationDrift   = errors.New("applied migration was edited")
)

// Migration is one numbered schema step. The files are named
// {version}_{name}.up.sql and {version}_{name}.down.sql; the down file is
// optional.
type Migration struct {
	Version  int64
	Name     string
	UpFile   string
	DownFile string
	Checksum string
}

// LoadMigrations reads dir and pairs up/down files by version, ordered by
// version number. The checksum covers the up file.
func LoadMigrations(dir string) ([]Migration, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "read migrations dir %s", dir)
	}

	byVersion := make(map[int64]*Migration)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		version, name, up, err := parseMigrationName(e.Name())
		if err != nil {
			return nil, err
		}
		m, ok := byVersion[version]
		if !ok {
			m = &Migration{Version: version, Name: name}
			byVersion[version] = m
		}
		if m.Name != name {
			return nil, errors.Wrapf(ErrBadMigrationName, "version %d has names %q and %q", version, m.Name, name)
		}
		if up {
			if m.UpFile != "" {
				return nil, errors.Wrapf(ErrBadMigrationName, "duplicate up file for version %d", version)
			}
			m.UpFile = e.Name()
			body, err := os.ReadFile(filepath.Join(dir, e.Name()))
			if err != nil {
				return nil, errors.Wrapf(err, "read %s", e.Name())
			}
			sum := blake3.Sum256(body)
			m.Checksum = hex.EncodeToString(sum[:])
		} else {
			m.DownFile = e.Name()
		}
	}

	out := make([]Migration, 0, len(byVersion))
	for _, m := range byVersion {
		if m.UpFile == "" {
			return nil, errors.Wrapf(ErrBadMigrationName, "version %d has no up file", m.Version)
		}
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func parseMigrationName(file string) (version int64, name string, up bool, err error) {
	var stem string
	switch {
	case strings.HasSuffix(file, ".up.sql"):
		stem, up = strings.TrimSuffix(file, ".up.sql"), true
	case strings.HasSuffix(file, ".down.sql"):
		stem = strings.TrimSuffix(file, ".down.sql")
	default:
		return 0, "", false, errors.Wrap(ErrBadMigrationName, file)
	}
	num, name, ok := strings.Cut(stem, "_")
	if !ok || name == "" {
		return 0, "", false, errors.Wrap(ErrBadMigrationName, file)
	}
	version, err = strconv.ParseInt(num, 10, 64)
	if err != nil || version <= 0 {
		return 0, "", false, errors.Wrap(ErrBadMigrationName, file)
	}
	return version, name, up, nil
}

// PendingMigrations returns the migrations not yet applied. applied maps a
// version to the checksum recorded when it ran; a mismatch means the file
// changed after it was applied.
func PendingMigrations(all []Migration, applied map[int64]string) ([]Migration, error) {
	var pending []Migration
	for _, m := range all {
		sum, ok := applied[m.Version]
		if !ok {
			pending = append(pending, m)
			continue
		}
		if sum != m.Checksum {
			return nil, errors.Wrapf(ErrMigrationDrift, "%s", m.UpFile)
		}
	}
	return pending, nil
}

// Migrator applies the settle_log schema. Applied versions are kept outside
// the settle_log schema so rolling back the first migration can drop it.
type Migrator struct {
	db  *sql.DB
	dir string
	log zerolog.Logger
}

func NewMigrator(db *sql.DB, migrationsDir string, log zerolog.Logger) *Migrator {
	return &Migrator{db: db, dir: migrationsDir, log: log}
}

// Up applies all pending migrations in version order and returns how many ran.
func (m *Migrator) Up(ctx context.Context) (int, error) {
	all, err := LoadMigrations(m.dir)
	if err != nil {
		return 0, err
	}
	if err := m.ensureVersionTable(ctx); err != nil {
		return 0, errors.Wrap(err, "ensure version table")
	}
	applied, err := m.appliedVersions(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "read applied versions")
	}
	pending, err := PendingMigrations(all, applied)
	if err != nil {
		return 0, err
	}

	for i, mig := range pending {
		body, err := os.ReadFile(filepath.Join(m.dir, mig.UpFile))
		if err != nil {
			return i, errors.Wrapf(err, "read %s", mig.UpFile)
		}
		err = m.inTx(ctx, string(body),
			`INSERT INTO public.settle_schema_versions (version, name, checksum) VALUES ($1, $2, $3)`,
			mig.Version, mig.Name, mig.Checksum)
		if err != nil {
			return i, errors.Wrapf(err, "apply %s", mig.UpFile)
		}
		m.log.Info().Int64("version", mig.Version).Str("name", mig.Name).Msg("applied migration")
	}
	return len(pending), nil
}

// Down rolls back the newest applied migration.
func (m *Migrator) Down(ctx context.Context) error {
	all, err := LoadMigrations(m.dir)
	if err != nil {
		return err
	}
	if err := m.ensureVersionTable(ctx); err != nil {
		return errors.Wrap(err, "ensure version table")
	}

	var version int64
	err = m.db.QueryRowContext(ctx,
		`SELECT version FROM public.settle_schema_versions ORDER BY version DESC LIMIT 1`,
	).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		m.log.Info().Msg("no migrations to roll back")
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "read latest version")
	}

	idx := sort.Search(len(all), func(i int) bool { return all[i].Version >= version })
	if idx == len(all) || all[idx].Version != version {
		return errors.Errorf("version %d is applied but has no migration files", version)
	}
	mig := all[idx]
	if mig.DownFile == "" {
		return errors.Errorf("version %d has no down file", version)
	}
	body, err := os.ReadFile(filepath.Join(m.dir, mig.DownFile))
	if err != nil {
		return errors.Wrapf(err, "read %s", mig.DownFile)
	}
	if err := m.inTx(ctx, string(body),
		`DELETE FROM public.settle_schema_versions WHERE version = $1`, version,
	); err != nil {
		return errors.Wrapf(err, "roll back %s", mig.DownFile)
	}

	m.log.Info().Int64("version", version).Str("name", mig.Name).Msg("rolled back migration")
	return nil
}

// inTx runs body and its version bookkeeping in one transaction holding the
// schema lock.
func (m *Migrator) inTx(ctx context.Context, body, bookkeeping string, args ...interface{}) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, schemaLockID); err != nil {
		return errors.Wrap(err, "schema lock")
	}
	if _, err := tx.ExecContext(ctx, body); err != nil {
		return errors.Wrap(err, "exec")
	}
	if _, err := tx.ExecContext(ctx, bookkeeping, args...); err != nil {
		return errors.Wrap(err, "bookkeeping")
	}
	return errors.Wrap(tx.Commit(), "commit")
}

func (m *Migrator) ensureVersionTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS public.settle_schema_versions (
			version    BIGINT PRIMARY KEY,
			name       TEXT NOT NULL,
			checksum   TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	return err
}

func (m *Migrator) appliedVersions(ctx context.Context) (map[int64]string, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT version, checksum FROM public.settle_schema_versions`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[int64]string)
	for rows.Next() {
		var (
			v   int64
			sum string
		)
		if err := rows.Scan(&v, &sum); err != nil {
			return nil, err
		}
		applied[v] = sum
	}
	return applied, rows.Err()
}
