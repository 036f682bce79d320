package migrations

import (
	"context"
	"database/sql"
	"errors"
	"io/fs"
	"path/filepath"
	"strings"
	"testing"
	"testing/fstest"

	tokenpool "github.com/goliatone/go-tokenpool"
	_ "github.com/mattn/go-sqlite3"
)

func TestSchemas_ReturnsPostgresAndSQLite(t *testing.T) {
	schemas, err := Schemas(nil)
	if err != nil {
		t.Fatalf("schemas: %v", err)
	}
	if len(schemas) != 2 {
		t.Fatalf("expected 2 schemas, got %d", len(schemas))
	}

	found := map[string]bool{}
	for _, schema := range schemas {
		versions, err := schema.Versions()
		if err != nil {
			t.Fatalf("versions %s: %v", schema.Dialect, err)
		}
		want := []string{
			"00001_tokenpool_credentials",
			"00002_tokenpool_projects",
			"00003_tokenpool_settings",
		}
		if strings.Join(versions, ",") != strings.Join(want, ",") {
			t.Fatalf("unexpected %s versions %v", schema.Dialect, versions)
		}
		found[schema.Dialect] = true
	}
	if !found[DialectPostgres] || !found[DialectSQLite] {
		t.Fatalf("expected both dialects, got %v", found)
	}
}

func TestSchemas_RejectsTreeWithoutMigrations(t *testing.T) {
	root := fstest.MapFS{
		"data/sql/migrations/00001_x.up.sql": {Data: []byte("SELECT 1;")},
		"data/sql/migrations/sqlite/README":  {Data: []byte("empty")},
	}
	if _, err := Schemas(root); err == nil {
		t.Fatalf("expected sqlite schema without up files rejected")
	}
}

func TestSchemaFor_NormalizesDriverNames(t *testing.T) {
	schema, err := SchemaFor("sqlite3")
	if err != nil {
		t.Fatalf("schema for sqlite3: %v", err)
	}
	if schema.Dialect != DialectSQLite {
		t.Fatalf("expected sqlite schema, got %q", schema.Dialect)
	}
	if _, err := SchemaFor("mysql"); err == nil {
		t.Fatalf("expected unsupported dialect rejected")
	}
}

func TestRegister_SelectsDialects(t *testing.T) {
	var calls []string
	var labels []string
	registered, err := Register(context.Background(), func(_ context.Context, schema Schema, label string) error {
		calls = append(calls, schema.Dialect)
		labels = append(labels, label)
		return nil
	}, WithDialects("SQLite"), WithSourceLabel("pool-a"))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if len(calls) != 1 || calls[0] != DialectSQLite || len(registered) != 1 {
		t.Fatalf("expected one sqlite registration, got %v", calls)
	}
	if labels[0] != "pool-a" {
		t.Fatalf("expected custom source label, got %q", labels[0])
	}
}

func TestRegister_StopsOnFailure(t *testing.T) {
	boom := errors.New("boom")
	_, err := Register(context.Background(), func(context.Context, Schema, string) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected register failure, got %v", err)
	}
	if _, err := Register(context.Background(), nil); err == nil {
		t.Fatalf("expected nil register function rejected")
	}
}

func TestMigrationPairs_ExistForBothDialects(t *testing.T) {
	root := tokenpool.GetMigrationsFS()
	names := []string{
		"00001_tokenpool_credentials",
		"00002_tokenpool_projects",
		"00003_tokenpool_settings",
	}
	for _, name := range names {
		for _, dir := range []string{"data/sql/migrations", "data/sql/migrations/sqlite"} {
			for _, direction := range []string{"up", "down"} {
				path := dir + "/" + name + "." + direction + ".sql"
				content, err := fs.ReadFile(root, path)
				if err != nil {
					t.Fatalf("read migration %s: %v", path, err)
				}
				if strings.TrimSpace(string(content)) == "" {
					t.Fatalf("expected migration %s to have SQL content", path)
				}
			}
		}
	}
}

func TestApply_RequiresClient(t *testing.T) {
	if err := Apply(context.Background(), nil, DialectSQLite); err == nil {
		t.Fatalf("expected nil client rejected")
	}
}

func TestSQLiteMigrations_ApplyAndRollback(t *testing.T) {
	ctx := context.Background()
	db, err := sql.Open("sqlite3", "file:migrations-tokenpool?mode=memory&cache=shared&_foreign_keys=on")
	if err != nil {
		t.Fatalf("open sqlite db: %v", err)
	}
	defer func() { _ = db.Close() }()

	sqliteMigrations, err := fs.Sub(tokenpool.GetMigrationsFS(), "data/sql/migrations/sqlite")
	if err != nil {
		t.Fatalf("resolve sqlite migrations: %v", err)
	}
	for _, migration := range []string{
		"00001_tokenpool_credentials.up.sql",
		"00002_tokenpool_projects.up.sql",
		"00003_tokenpool_settings.up.sql",
	} {
		if err := execSQLMigration(ctx, db, sqliteMigrations, migration); err != nil {
			t.Fatalf("apply migration %s: %v", migration, err)
		}
	}

	insert := `INSERT INTO pool_credentials (session_secret, secret_fingerprint) VALUES (?, ?)`
	if _, err := db.ExecContext(ctx, insert, "secret-a", "fp-a"); err != nil {
		t.Fatalf("insert credential: %v", err)
	}
	if _, err := db.ExecContext(ctx, insert, "secret-b", "fp-a"); err == nil {
		t.Fatalf("expected unique fingerprint violation")
	}
	if _, err := db.ExecContext(ctx,
		`INSERT INTO pool_credentials (session_secret, secret_fingerprint, image_concurrency) VALUES (?, ?, ?)`,
		"secret-c", "fp-c", -2,
	); err == nil {
		t.Fatalf("expected concurrency check constraint violation")
	}

	for _, migration := range []string{
		"00003_tokenpool_settings.down.sql",
		"00002_tokenpool_projects.down.sql",
		"00001_tokenpool_credentials.down.sql",
	} {
		if err := execSQLMigration(ctx, db, sqliteMigrations, migration); err != nil {
			t.Fatalf("rollback migration %s: %v", migration, err)
		}
	}

	var count int
	if err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name LIKE 'pool_%'`,
	).Scan(&count); err != nil {
		t.Fatalf("query sqlite_master: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected pool tables dropped, %d remain", count)
	}
}

func execSQLMigration(ctx context.Context, db *sql.DB, fsys fs.FS, filename string) error {
	content, err := fs.ReadFile(fsys, filepath.Clean(filename))
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, string(content))
	return err
}
