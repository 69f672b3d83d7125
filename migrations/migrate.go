// Package migrations embeds the schema and applies it at startup.
package migrations

import (
	"context"
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"slices"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/lo"

	"github.com/cimillas/unitvault/internal/logging"
)

//go:embed *.sql
var migrationFiles embed.FS

// advisoryLockID serialises concurrent replicas starting at once.
const advisoryLockID int64 = 771150001

// ErrChecksumMismatch means a migration was edited after it was applied.
var ErrChecksumMismatch = errors.New("migration changed after being applied")

// Migration is one embedded SQL file.
type Migration struct {
	Name     string
	Checksum string
	SQL      string
}

// Plan lists the embedded migrations in filename order. Empty files are skipped.
func Plan() ([]Migration, error) {
	return plan(migrationFiles)
}

func plan(fsys fs.ReadDirFS) ([]Migration, error) {
	entries, err := fsys.ReadDir(".")
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}
	names := lo.FilterMap(entries, func(e fs.DirEntry, _ int) (string, bool) {
		return e.Name(), !e.IsDir() && strings.HasSuffix(e.Name(), ".sql")
	})
	slices.Sort(names)

	out := make([]Migration, 0, len(names))
	for _, name := range names {
		raw, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", name, err)
		}
		sql := strings.TrimSpace(string(raw))
		if sql == "" {
			continue
		}
		sum := sha256.Sum256([]byte(sql))
		out = append(out, Migration{Name: name, Checksum: hex.EncodeToString(sum[:]), SQL: sql})
	}
	return out, nil
}

// Apply runs every pending migration, each in its own transaction together
// with its schema_migrations row. Applied migrations whose checksum no longer
// matches stop the run with ErrChecksumMismatch.
func Apply(ctx context.Context, pool *pgxpool.Pool) error {
	migrations, err := Plan()
	if err != nil {
		return err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire conn: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, advisoryLockID); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() {
		_, _ = conn.Exec(context.Background(), `SELECT pg_advisory_unlock($1)`, advisoryLockID)
	}()

	if _, err := conn.Exec(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
	name TEXT PRIMARY KEY,
	checksum TEXT NOT NULL DEFAULT '',
	applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
ALTER TABLE schema_migrations ADD COLUMN IF NOT EXISTS checksum TEXT NOT NULL DEFAULT ''`); err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}

	applied, err := appliedChecksums(ctx, conn.Conn())
	if err != nil {
		return err
	}

	logger := logging.Logger().With().Str("component", "migrations").Logger()
	ran := 0
	for _, m := range migrations {
		sum, ok := applied[m.Name]
		switch {
		case ok && sum == m.Checksum:
			continue
		case ok && sum == "":
			// Recorded before checksums were tracked.
			if _, err := conn.Exec(ctx, `UPDATE schema_migrations SET checksum = $2 WHERE name = $1`, m.Name, m.Checksum); err != nil {
				return fmt.Errorf("backfill checksum %s: %w", m.Name, err)
			}
			continue
		case ok:
			return fmt.Errorf("%s: %w", m.Name, ErrChecksumMismatch)
		}

		err := pgx.BeginFunc(ctx, conn, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, m.SQL); err != nil {
				return fmt.Errorf("exec migration %s: %w", m.Name, err)
			}
			if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (name, checksum) VALUES ($1, $2)`, m.Name, m.Checksum); err != nil {
				return fmt.Errorf("record migration %s: %w", m.Name, err)
			}
			return nil
		})
		if err != nil {
			return err
		}
		ran++
		logger.Info().Str("migration", m.Name).Msg("migration applied")
	}
	if ran > 0 {
		logger.Info().Int("applied", ran).Int("total", len(migrations)).Msg("schema up to date")
	}
	return nil
}

func appliedChecksums(ctx context.Context, conn *pgx.Conn) (map[string]string, error) {
	rows, err := conn.Query(ctx, `SELECT name, checksum FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("list applied migrations: %w", err)
	}
	type row struct {
		Name     string
		Checksum string
	}
	recs, err := pgx.CollectRows(rows, pgx.RowToStructByPos[row])
	if err != nil {
		return nil, fmt.Errorf("scan applied migrations: %w", err)
	}
	return lo.SliceToMap(recs, func(r row) (string, string) {
		return r.Name, r.Checksum
	}), nil
}
