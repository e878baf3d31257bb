// Package postgresql provides PostgreSQL database provider implementation
package postgresql

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/supporttools/GoDRGuard/pkg/config"
	"github.com/supporttools/GoDRGuard/pkg/database/common"
	"github.com/supporttools/GoDRGuard/pkg/drerrors"
)

const (
	defaultPort = 5432
	// maintenanceDB is used when no database is selected
	maintenanceDB = "postgres"
)

// Provider implements the common.Provider interface for PostgreSQL
type Provider struct {
	cfg config.DatabaseConfig

	// DumpBinary and ClientBinary default to pg_dump and psql
	DumpBinary   string
	ClientBinary string

	openDB func(dsn string) (*sql.DB, error)
}

// New returns a provider for the configured source database
func New(cfg config.DatabaseConfig) (*Provider, error) {
	if cfg.Host == "" {
		return nil, errors.New("PostgreSQL host is required")
	}
	if cfg.Port == 0 {
		cfg.Port = defaultPort
	}
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid PostgreSQL port: %d", cfg.Port)
	}
	if cfg.Username == "" {
		return nil, errors.New("PostgreSQL user is required")
	}
	return &Provider{
		cfg:          cfg,
		DumpBinary:   "pg_dump",
		ClientBinary: "psql",
		openDB: func(dsn string) (*sql.DB, error) {
			return sql.Open("postgres", dsn)
		},
	}, nil
}

func init() {
	common.RegisterProvider("postgresql", func(cfg config.DatabaseConfig) (common.Provider, error) {
		return New(cfg)
	})
}

// Name returns the provider name
func (p *Provider) Name() string {
	return "postgresql"
}

// DSN builds a lib/pq key/value connection string for target
func DSN(target common.Target) string {
	port := target.Port
	if port == 0 {
		port = defaultPort
	}
	database := target.Database
	if database == "" {
		database = maintenanceDB
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable connect_timeout=10",
		quoteValue(target.Host), port, quoteValue(target.Username), quoteValue(target.Password), quoteValue(database))
}

func quoteValue(v string) string {
	if v == "" {
		return "''"
	}
	if !strings.ContainsAny(v, ` '\`) {
		return v
	}
	v = strings.ReplaceAll(v, `\`, `\\`)
	return "'" + strings.ReplaceAll(v, `'`, `\'`) + "'"
}

func (p *Provider) connect(ctx context.Context, target common.Target) (*sql.DB, error) {
	db, err := p.openDB(DSN(target))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open PostgreSQL connection to %s", target)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, drerrors.Environment("connecting", errors.Wrapf(err, "failed to ping PostgreSQL server at %s", target))
	}
	return db, nil
}

// Ping checks connectivity to the source server
func (p *Provider) Ping(ctx context.Context) error {
	db, err := p.connect(ctx, common.TargetFromConfig(p.cfg))
	if err != nil {
		return err
	}
	return db.Close()
}

// DumpArgs returns the pg_dump arguments for the source database
func (p *Provider) DumpArgs(opts common.DumpOptions) []string {
	args := []string{
		"--host", p.cfg.Host,
		"--port", strconv.Itoa(p.cfg.Port),
		"--username", p.cfg.Username,
		"--no-password",
		"--format", "p",
	}
	dumpOpts := config.DefaultPostgreSQLDumpOptions()
	if p.cfg.PostgreSQLOptions != nil {
		dumpOpts = *p.cfg.PostgreSQLOptions
	}
	args = append(args, dumpOpts.Args()...)
	if opts.SchemaOnly {
		args = append(args, "--schema-only")
	}
	for _, table := range opts.ExcludeTables {
		args = append(args, "--exclude-table", table)
	}
	args = append(args, p.cfg.ExtraArgs...)
	return append(args, p.cfg.Database)
}

// Dump writes a plain-format dump of the source database to out
func (p *Provider) Dump(ctx context.Context, opts common.DumpOptions, out io.Writer) error {
	cmd := exec.Command(p.DumpBinary, p.DumpArgs(opts)...)
	cmd.Stdout = out
	cmd.Env = append(os.Environ(), "PGPASSWORD="+p.cfg.Password)
	if err := common.RunCommand(ctx, cmd, p.cfg.CommandTimeout); err != nil {
		return errors.Wrapf(err, "dump of %s failed", p.cfg.Database)
	}
	return nil
}

// Restore replays a plain-format dump into target through psql, stopping
// on the first error.
func (p *Provider) Restore(ctx context.Context, target common.Target, in io.Reader) error {
	port := target.Port
	if port == 0 {
		port = defaultPort
	}
	cmd := exec.Command(p.ClientBinary,
		"--host", target.Host,
		"--port", strconv.Itoa(port),
		"--username", target.Username,
		"--no-password",
		"--quiet",
		"-v", "ON_ERROR_STOP=1",
		"--dbname", target.Database,
	)
	cmd.Stdin = in
	cmd.Stdout = io.Discard
	cmd.Env = append(os.Environ(), "PGPASSWORD="+target.Password)
	if err := common.RunCommand(ctx, cmd, p.cfg.CommandTimeout); err != nil {
		return errors.Wrapf(err, "restore into %s failed", target)
	}
	return nil
}

// CreateDatabase creates target.Database. PostgreSQL has no IF NOT EXISTS
// for databases so existence is checked first.
func (p *Provider) CreateDatabase(ctx context.Context, target common.Target) error {
	db, err := p.connect(ctx, target.WithDatabase(""))
	if err != nil {
		return err
	}
	defer db.Close()

	var exists bool
	if err := db.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM pg_database WHERE datname = $1)", target.Database).Scan(&exists); err != nil {
		return errors.Wrap(err, "failed to check database existence")
	}
	if exists {
		return nil
	}
	if _, err := db.ExecContext(ctx, "CREATE DATABASE "+pq.QuoteIdentifier(target.Database)); err != nil {
		return errors.Wrapf(err, "failed to create database %s", target.Database)
	}
	return nil
}

// DropDatabase removes target.Database
func (p *Provider) DropDatabase(ctx context.Context, target common.Target) error {
	db, err := p.connect(ctx, target.WithDatabase(""))
	if err != nil {
		return err
	}
	defer db.Close()
	if _, err := db.ExecContext(ctx, "DROP DATABASE IF EXISTS "+pq.QuoteIdentifier(target.Database)); err != nil {
		return errors.Wrapf(err, "failed to drop database %s", target.Database)
	}
	return nil
}

// Inspect summarises user tables, exact row counts and schema objects of target
func (p *Provider) Inspect(ctx context.Context, target common.Target) (*common.Inspection, error) {
	db, err := p.connect(ctx, target)
	if err != nil {
		return nil, err
	}
	defer db.Close()
	return inspect(ctx, db, target.Database)
}

const userSchemas = "NOT IN ('pg_catalog', 'information_schema')"

func inspect(ctx context.Context, db *sql.DB, database string) (*common.Inspection, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT table_schema, table_name FROM information_schema.tables WHERE table_type = 'BASE TABLE' AND table_schema "+userSchemas+" ORDER BY table_schema, table_name")
	if err != nil {
		return nil, errors.Wrap(err, "failed to list tables")
	}
	type table struct{ schema, name string }
	var tables []table
	for rows.Next() {
		var t table
		if err := rows.Scan(&t.schema, &t.name); err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "failed to scan table name")
		}
		tables = append(tables, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating table rows")
	}

	result := &common.Inspection{Database: database}
	for _, t := range tables {
		var count int64
		qualified := pq.QuoteIdentifier(t.schema) + "." + pq.QuoteIdentifier(t.name)
		if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+qualified).Scan(&count); err != nil {
			return nil, errors.Wrapf(err, "failed to count rows in %s", qualified)
		}
		name := t.name
		if t.schema != "public" {
			name = t.schema + "." + t.name
		}
		result.Tables = append(result.Tables, common.TableInfo{Name: name, Rows: count})
	}

	counts := []struct {
		dst   *int
		query string
	}{
		{&result.ForeignKeys, "SELECT COUNT(*) FROM information_schema.table_constraints WHERE constraint_type = 'FOREIGN KEY' AND table_schema " + userSchemas},
		{&result.Indexes, "SELECT COUNT(*) FROM pg_indexes WHERE schemaname " + userSchemas},
		{&result.Triggers, "SELECT COUNT(DISTINCT trigger_name) FROM information_schema.triggers WHERE trigger_schema " + userSchemas},
		{&result.Views, "SELECT COUNT(*) FROM information_schema.views WHERE table_schema " + userSchemas},
	}
	for _, c := range counts {
		if err := db.QueryRowContext(ctx, c.query).Scan(c.dst); err != nil {
			return nil, errors.Wrap(err, "failed to inspect schema objects")
		}
	}
	return result, nil
}

// SampleRows reads up to limit rows of table
func (p *Provider) SampleRows(ctx context.Context, target common.Target, table string, limit int) (int, error) {
	db, err := p.connect(ctx, target)
	if err != nil {
		return 0, err
	}
	defer db.Close()

	ident := pq.QuoteIdentifier(table)
	if schema, name, ok := strings.Cut(table, "."); ok {
		ident = pq.QuoteIdentifier(schema) + "." + pq.QuoteIdentifier(name)
	}
	rows, err := db.QueryContext(ctx, fmt.Sprintf("SELECT * FROM %s LIMIT %d", ident, limit))
	if err != nil {
		return 0, errors.Wrapf(err, "failed to sample %s", table)
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		n++
	}
	return n, errors.Wrap(rows.Err(), "error iterating sampled rows")
}

// ReplicationLag reports replay delay on a standby and zero on a primary
func (p *Provider) ReplicationLag(ctx context.Context) (time.Duration, error) {
	db, err := p.connect(ctx, common.TargetFromConfig(p.cfg))
	if err != nil {
		return 0, err
	}
	defer db.Close()

	var secs float64
	err = db.QueryRowContext(ctx,
		"SELECT CASE WHEN pg_is_in_recovery() THEN COALESCE(EXTRACT(EPOCH FROM now() - pg_last_xact_replay_timestamp()), 0) ELSE 0 END").
		Scan(&secs)
	if err != nil {
		return 0, errors.Wrap(err, "failed to read replication lag")
	}
	return time.Duration(secs * float64(time.Second)), nil
}
