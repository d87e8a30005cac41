package keywords

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"

	"github.com/dvloznov/mispesos/internal/domain"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore keeps the table in sqlite. Schema changes are applied with
// golang-migrate from the embedded migrations directory.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteDB opens sqlite with foreign keys on and a busy timeout.
func OpenSQLiteDB(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1) // sqlite
	db.SetConnMaxLifetime(0)
	return db, nil
}

// Migrate applies all pending up migrations to db.
func Migrate(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("Migrate: source: %w", err)
	}
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("Migrate: driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("Migrate: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("Migrate: up: %w", err)
	}
	return nil
}

// OpenSQLite opens the database at path and migrates it.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := OpenSQLiteDB(path)
	if err != nil {
		return nil, fmt.Errorf("OpenSQLite: %w", err)
	}
	if err := Migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("OpenSQLite: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// withTx runs fn in a transaction, rolling back on error.
func withTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Snapshot reads the whole table in one transaction.
func (s *SQLiteStore) Snapshot(ctx context.Context) (*Snapshot, error) {
	var (
		version uint64
		cats    []domain.Category
		kws     []domain.CategoryKeyword
	)
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx, `SELECT version FROM store_version WHERE id = 1`).Scan(&version); err != nil {
			return fmt.Errorf("read version: %w", err)
		}
		rows, err := tx.QueryContext(ctx, `SELECT name, priority FROM categories`)
		if err != nil {
			return fmt.Errorf("query categories: %w", err)
		}
		for rows.Next() {
			var c domain.Category
			if err := rows.Scan(&c.Name, &c.Priority); err != nil {
				rows.Close()
				return err
			}
			cats = append(cats, c)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		rows, err = tx.QueryContext(ctx, `SELECT keyword, category, weight FROM category_keywords`)
		if err != nil {
			return fmt.Errorf("query keywords: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var k domain.CategoryKeyword
			if err := rows.Scan(&k.Keyword, &k.Category, &k.Weight); err != nil {
				return err
			}
			kws = append(kws, k)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("SQLiteStore.Snapshot: %w", err)
	}
	return newSnapshot(version, cats, kws), nil
}

// Categories returns all categories sorted by name.
func (s *SQLiteStore) Categories(ctx context.Context) ([]domain.Category, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, priority FROM categories ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("SQLiteStore.Categories: %w", err)
	}
	defer rows.Close()
	var out []domain.Category
	for rows.Next() {
		var c domain.Category
		if err := rows.Scan(&c.Name, &c.Priority); err != nil {
			return nil, fmt.Errorf("SQLiteStore.Categories: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Update runs fn in a sqlite transaction. The single connection serialises
// writers, so fn runs exactly once.
func (s *SQLiteStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		if err := fn(&sqliteTx{ctx: ctx, tx: tx}); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE store_version SET version = version + 1 WHERE id = 1`); err != nil {
			return fmt.Errorf("bump version: %w", err)
		}
		return nil
	})
}

// Seed inserts the vocabulary without overwriting learned weights.
func (s *SQLiteStore) Seed(ctx context.Context, v Vocabulary) error {
	return seed(ctx, s, v)
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type sqliteTx struct {
	ctx context.Context
	tx  *sql.Tx
}

func (t *sqliteTx) Category(name string) (domain.Category, bool, error) {
	c := domain.Category{Name: name}
	err := t.tx.QueryRowContext(t.ctx, `SELECT priority FROM categories WHERE name = ?`, name).Scan(&c.Priority)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Category{}, false, nil
	}
	if err != nil {
		return domain.Category{}, false, fmt.Errorf("read category %s: %w", name, err)
	}
	return c, true, nil
}

func (t *sqliteTx) PutCategory(c domain.Category) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO categories (name, priority) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET priority = excluded.priority`, c.Name, c.Priority)
	if err != nil {
		return fmt.Errorf("put category %s: %w", c.Name, err)
	}
	return nil
}

func (t *sqliteTx) Keyword(key domain.KeywordKey) (domain.CategoryKeyword, bool, error) {
	k := domain.CategoryKeyword{Keyword: key.Keyword, Category: key.Category}
	err := t.tx.QueryRowContext(t.ctx,
		`SELECT weight FROM category_keywords WHERE keyword = ? AND category = ?`,
		key.Keyword, key.Category).Scan(&k.Weight)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.CategoryKeyword{}, false, nil
	}
	if err != nil {
		return domain.CategoryKeyword{}, false, fmt.Errorf("read keyword %s: %w", key.Keyword, err)
	}
	return k, true, nil
}

func (t *sqliteTx) PutKeyword(k domain.CategoryKeyword) error {
	if _, ok, err := t.Category(k.Category); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("PutKeyword %q: %w: %s", k.Keyword, ErrUnknownCategory, k.Category)
	}
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO category_keywords (keyword, category, weight) VALUES (?, ?, ?)
		ON CONFLICT(keyword, category) DO UPDATE SET weight = excluded.weight`,
		k.Keyword, k.Category, k.Weight)
	if err != nil {
		return fmt.Errorf("put keyword %s: %w", k.Keyword, err)
	}
	return nil
}

func (t *sqliteTx) Applied(eventID string) (bool, error) {
	var n int
	if err := t.tx.QueryRowContext(t.ctx,
		`SELECT COUNT(1) FROM applied_corrections WHERE event_id = ?`, eventID).Scan(&n); err != nil {
		return false, fmt.Errorf("read applied %s: %w", eventID, err)
	}
	return n > 0, nil
}

func (t *sqliteTx) MarkApplied(eventID string) error {
	if _, err := t.tx.ExecContext(t.ctx,
		`INSERT OR IGNORE INTO applied_corrections (event_id) VALUES (?)`, eventID); err != nil {
		return fmt.Errorf("mark applied %s: %w", eventID, err)
	}
	return nil
}
