package main

import (
	"context"
	"crypto/sha256"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/rs/zerolog"
	"google.golang.org/api/iterator"

	"github.com/dvloznov/mispesos/internal/keywords"
	"github.com/dvloznov/mispesos/internal/logger"
)

// Migration represents a single migration file
type Migration struct {
	Version  int
	Name     string
	Filename string
	SQL      string
	Checksum string
}

// AppliedMigration represents a migration that has already been applied
type AppliedMigration struct {
	Version   int
	Name      string
	AppliedAt time.Time
	Checksum  string
	AppliedBy string
}

var (
	target        = flag.String("target", "bigquery", "What to migrate: bigquery or keywords")
	projectID     = flag.String("project", "", "GCP project ID (required for bigquery)")
	datasetID     = flag.String("dataset", "mispesos", "BigQuery dataset ID")
	appliedBy     = flag.String("applied-by", "migrate-cli", "Name of the tool applying migrations")
	migrationsDir = flag.String("migrations", "migrations/bigquery", "Path to BigQuery migrations directory")
	dbPath        = flag.String("db", "mispesos.db", "Keyword sqlite database (keywords target)")
	seedFile      = flag.String("seed", "", "Vocabulary YAML to seed (keywords target, default built-in)")
)

var migrationPattern = regexp.MustCompile(`^(\d{4})_(.+)\.sql$`)

func main() {
	flag.Parse()
	log := logger.New()
	ctx := logger.WithContext(context.Background(), log)

	var err error
	switch *target {
	case "bigquery":
		err = migrateBigQuery(ctx, log)
	case "keywords":
		err = migrateKeywords(ctx, log)
	default:
		err = fmt.Errorf("unknown target %q", *target)
	}
	if err != nil {
		log.Fatal().Err(err).Str("target", *target).Msg("Migration failed")
	}
}

// migrateKeywords applies the embedded sqlite schema and seeds the vocabulary.
// Learned weights already in the database are kept.
func migrateKeywords(ctx context.Context, log zerolog.Logger) error {
	store, err := keywords.OpenSQLite(*dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	vocab := keywords.DefaultVocabulary()
	if *seedFile != "" {
		if vocab, err = keywords.LoadVocabulary(*seedFile); err != nil {
			return err
		}
	}
	if err := store.Seed(ctx, vocab); err != nil {
		return fmt.Errorf("seeding: %w", err)
	}

	snap, err := store.Snapshot(ctx)
	if err != nil {
		return err
	}
	log.Info().
		Str("db", *dbPath).
		Int("categories", len(snap.Categories)).
		Int("keywords", len(snap.Keywords)).
		Msg("Keyword database ready")
	return nil
}

func migrateBigQuery(ctx context.Context, log zerolog.Logger) error {
	if *projectID == "" {
		return fmt.Errorf("-project flag is required for the bigquery target")
	}

	client, err := bigquery.NewClient(ctx, *projectID)
	if err != nil {
		return fmt.Errorf("creating BigQuery client: %w", err)
	}
	defer client.Close()

	log.Info().Str("project", *projectID).Str("dataset", *datasetID).Msg("Connected to BigQuery")

	if err := ensureSchemaMigrationsTable(ctx, client); err != nil {
		return fmt.Errorf("ensuring schema_migrations table: %w", err)
	}

	dir, err := findMigrationsDir(*migrationsDir)
	if err != nil {
		return err
	}
	migrations, err := readMigrations(os.DirFS(dir), *projectID, *datasetID, log)
	if err != nil {
		return fmt.Errorf("reading migrations: %w", err)
	}
	log.Info().Int("count", len(migrations)).Msg("Found migration files")

	applied, err := getAppliedMigrations(ctx, client)
	if err != nil {
		return fmt.Errorf("getting applied migrations: %w", err)
	}
	log.Info().Int("count", len(applied)).Msg("Found already applied migrations")

	pending, err := pendingMigrations(migrations, applied)
	if err != nil {
		return err
	}

	for _, m := range pending {
		ml := log.With().Int("version", m.Version).Str("name", m.Name).Logger()
		ml.Info().Msg("Applying migration")
		if err := runQuery(ctx, client.Query(m.SQL)); err != nil {
			return fmt.Errorf("executing %04d_%s: %w", m.Version, m.Name, err)
		}
		if err := recordMigration(ctx, client, m); err != nil {
			return fmt.Errorf("recording %04d_%s: %w", m.Version, m.Name, err)
		}
		ml.Info().Msg("Migration applied")
	}

	if len(pending) == 0 {
		log.Info().Msg("No new migrations to apply. Dataset is up to date.")
	} else {
		log.Info().Int("applied", len(pending)).Msg("Migrations applied")
	}
	return nil
}

// findMigrationsDir resolves dir from the repository root or from cmd/migrate.
func findMigrationsDir(dir string) (string, error) {
	for _, d := range []string{dir, "../../" + dir} {
		if st, err := os.Stat(d); err == nil && st.IsDir() {
			return d, nil
		}
	}
	return "", fmt.Errorf("migrations directory not found: %s", dir)
}

// readMigrations reads 0001_name.sql files from fsys in version order and
// fills in the project and dataset placeholders. The checksum covers the
// file as written, so the same migration matches across datasets.
func readMigrations(fsys fs.FS, project, dataset string, log zerolog.Logger) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, err
	}

	var migrations []Migration
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		matches := migrationPattern.FindStringSubmatch(e.Name())
		if matches == nil {
			log.Warn().Str("file", e.Name()).Msg("Skipping file with invalid name")
			continue
		}
		version, err := strconv.Atoi(matches[1])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", e.Name(), err)
		}

		content, err := fs.ReadFile(fsys, e.Name())
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", e.Name(), err)
		}
		sql := strings.NewReplacer("{{PROJECT_ID}}", project, "{{DATASET_ID}}", dataset).Replace(string(content))

		migrations = append(migrations, Migration{
			Version:  version,
			Name:     matches[2],
			Filename: e.Name(),
			SQL:      sql,
			Checksum: fmt.Sprintf("%x", sha256.Sum256(content)),
		})
	}

	sort.Slice(migrations, func(i, j int) bool { return migrations[i].Version < migrations[j].Version })
	for i := 1; i < len(migrations); i++ {
		if migrations[i].Version == migrations[i-1].Version {
			return nil, fmt.Errorf("duplicate migration version %04d", migrations[i].Version)
		}
	}
	return migrations, nil
}

// pendingMigrations returns the migrations not yet applied. An applied
// migration whose file changed since is an error.
func pendingMigrations(all []Migration, applied []AppliedMigration) ([]Migration, error) {
	done := make(map[int]AppliedMigration, len(applied))
	for _, am := range applied {
		done[am.Version] = am
	}
	var pending []Migration
	for _, m := range all {
		am, ok := done[m.Version]
		if !ok {
			pending = append(pending, m)
			continue
		}
		if am.Checksum != "" && am.Checksum != m.Checksum {
			return nil, fmt.Errorf("migration %04d_%s changed after it was applied", m.Version, m.Name)
		}
	}
	return pending, nil
}

func runQuery(ctx context.Context, q *bigquery.Query) error {
	job, err := q.Run(ctx)
	if err != nil {
		return fmt.Errorf("running query: %w", err)
	}
	status, err := job.Wait(ctx)
	if err != nil {
		return fmt.Errorf("waiting for job: %w", err)
	}
	if err := status.Err(); err != nil {
		return fmt.Errorf("job error: %w", err)
	}
	return nil
}

// ensureSchemaMigrationsTable creates the schema_migrations table if it doesn't exist
func ensureSchemaMigrationsTable(ctx context.Context, client *bigquery.Client) error {
	sql := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS `+"`%s.%s.schema_migrations`"+` (
			version       INT64 NOT NULL,
			name          STRING NOT NULL,
			applied_at    TIMESTAMP NOT NULL,
			checksum      STRING,
			applied_by    STRING
		)
	`, *projectID, *datasetID)
	return runQuery(ctx, client.Query(sql))
}

// getAppliedMigrations retrieves the list of already applied migrations
func getAppliedMigrations(ctx context.Context, client *bigquery.Client) ([]AppliedMigration, error) {
	sql := fmt.Sprintf(`
		SELECT version, name, applied_at, checksum, applied_by
		FROM `+"`%s.%s.schema_migrations`"+`
		ORDER BY version ASC
	`, *projectID, *datasetID)

	it, err := client.Query(sql).Read(ctx)
	if err != nil {
		if strings.Contains(err.Error(), "Not found") {
			return nil, nil
		}
		return nil, fmt.Errorf("reading applied migrations: %w", err)
	}

	var applied []AppliedMigration
	for {
		var row struct {
			Version   int64
			Name      string
			AppliedAt time.Time
			Checksum  bigquery.NullString
			AppliedBy bigquery.NullString
		}
		err := it.Next(&row)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterating results: %w", err)
		}
		applied = append(applied, AppliedMigration{
			Version:   int(row.Version),
			Name:      row.Name,
			AppliedAt: row.AppliedAt,
			Checksum:  row.Checksum.StringVal,
			AppliedBy: row.AppliedBy.StringVal,
		})
	}
	return applied, nil
}

// recordMigration records a successfully applied migration in schema_migrations
func recordMigration(ctx context.Context, client *bigquery.Client, m Migration) error {
	sql := fmt.Sprintf(`
		INSERT INTO `+"`%s.%s.schema_migrations`"+`
		(version, name, applied_at, checksum, applied_by)
		VALUES (@version, @name, CURRENT_TIMESTAMP(), @checksum, @applied_by)
	`, *projectID, *datasetID)

	q := client.Query(sql)
	q.Parameters = []bigquery.QueryParameter{
		{Name: "version", Value: m.Version},
		{Name: "name", Value: m.Name},
		{Name: "checksum", Value: m.Checksum},
		{Name: "applied_by", Value: *appliedBy},
	}
	return runQuery(ctx, q)
}
