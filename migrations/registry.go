package migrations

import (
	"context"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"sort"
	"strings"

	persistence "github.com/goliatone/go-persistence-bun"
	tokenpool "github.com/goliatone/go-tokenpool"
)

const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"

	// SourceLabel identifies the pool schema when registered next to other
	// migration sources.
	SourceLabel = "go-tokenpool"

	schemaRoot = "data/sql/migrations"
)

// Schema is the migration set of one SQL dialect.
type Schema struct {
	Dialect string
	Dir     string
	FS      fs.FS
}

// Versions lists the schema migration names in apply order, without the
// direction suffix.
func (s Schema) Versions() ([]string, error) {
	matches, err := fs.Glob(s.FS, "*.up.sql")
	if err != nil {
		return nil, fmt.Errorf("migrations: glob %s: %w", s.Dialect, err)
	}
	versions := make([]string, 0, len(matches))
	for _, match := range matches {
		versions = append(versions, strings.TrimSuffix(match, ".up.sql"))
	}
	sort.Strings(versions)
	return versions, nil
}

// RegisterFunc receives each selected schema.
type RegisterFunc func(ctx context.Context, schema Schema, sourceLabel string) error

type registration struct {
	sourceLabel string
	dialects    []string
	root        fs.FS
}

type Option func(*registration)

func WithSourceLabel(label string) Option {
	return func(r *registration) {
		if label = strings.TrimSpace(label); label != "" {
			r.sourceLabel = label
		}
	}
}

// WithDialects restricts registration to the named dialects.
func WithDialects(dialects ...string) Option {
	return func(r *registration) {
		selected := make([]string, 0, len(dialects))
		for _, dialect := range dialects {
			dialect = normalizeDialect(dialect)
			if dialect != "" && !slices.Contains(selected, dialect) {
				selected = append(selected, dialect)
			}
		}
		if len(selected) > 0 {
			r.dialects = selected
		}
	}
}

// WithRoot replaces the embedded migration tree.
func WithRoot(root fs.FS) Option {
	return func(r *registration) {
		if root != nil {
			r.root = root
		}
	}
}

// Schemas resolves the postgres and sqlite migration sets under root, which
// defaults to the embedded tree. Each set must carry at least one up file.
func Schemas(root fs.FS) ([]Schema, error) {
	if root == nil {
		root = tokenpool.GetMigrationsFS()
	}
	base, err := fs.Sub(root, schemaRoot)
	if err != nil {
		return nil, fmt.Errorf("migrations: resolve %s: %w", schemaRoot, err)
	}
	sqliteFS, err := fs.Sub(base, DialectSQLite)
	if err != nil {
		return nil, fmt.Errorf("migrations: resolve sqlite schema: %w", err)
	}

	schemas := []Schema{
		{Dialect: DialectPostgres, Dir: schemaRoot, FS: base},
		{Dialect: DialectSQLite, Dir: path.Join(schemaRoot, DialectSQLite), FS: sqliteFS},
	}
	for _, schema := range schemas {
		versions, err := schema.Versions()
		if err != nil {
			return nil, err
		}
		if len(versions) == 0 {
			return nil, fmt.Errorf("migrations: %s schema in %q has no up files", schema.Dialect, schema.Dir)
		}
	}
	return schemas, nil
}

// SchemaFor returns the migration set of dialect from the embedded tree.
func SchemaFor(dialect string) (Schema, error) {
	schemas, err := Schemas(nil)
	if err != nil {
		return Schema{}, err
	}
	dialect = normalizeDialect(dialect)
	for _, schema := range schemas {
		if schema.Dialect == dialect {
			return schema, nil
		}
	}
	return Schema{}, fmt.Errorf("migrations: unsupported dialect %q", dialect)
}

// Register hands every selected schema to registerFn, stopping at the first
// failure.
func Register(ctx context.Context, registerFn RegisterFunc, opts ...Option) ([]Schema, error) {
	if registerFn == nil {
		return nil, fmt.Errorf("migrations: register function is required")
	}
	reg := registration{
		sourceLabel: SourceLabel,
		dialects:    []string{DialectPostgres, DialectSQLite},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&reg)
		}
	}

	schemas, err := Schemas(reg.root)
	if err != nil {
		return nil, err
	}
	registered := make([]Schema, 0, len(reg.dialects))
	for _, schema := range schemas {
		if !slices.Contains(reg.dialects, schema.Dialect) {
			continue
		}
		if err := registerFn(ctx, schema, reg.sourceLabel); err != nil {
			return registered, fmt.Errorf("migrations: register %s: %w", schema.Dialect, err)
		}
		registered = append(registered, schema)
	}
	if len(registered) == 0 {
		return nil, fmt.Errorf("migrations: no schema matches dialects %v", reg.dialects)
	}
	return registered, nil
}

// Apply registers the pool schema for dialect on client and runs pending
// migrations.
func Apply(ctx context.Context, client *persistence.Client, dialect string) error {
	if client == nil {
		return fmt.Errorf("migrations: client is required")
	}
	schema, err := SchemaFor(dialect)
	if err != nil {
		return err
	}
	client.RegisterSQLMigrations(schema.FS)
	if err := client.Migrate(ctx); err != nil {
		return fmt.Errorf("migrations: migrate %s: %w", schema.Dialect, err)
	}
	return nil
}

func normalizeDialect(dialect string) string {
	dialect = strings.ToLower(strings.TrimSpace(dialect))
	switch dialect {
	case "sqlite3":
		return DialectSQLite
	case "postgresql", "pg":
		return DialectPostgres
	}
	return dialect
}
