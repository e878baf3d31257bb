// Package mysql provides MySQL database provider implementation
package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
	"github.com/supporttools/GoDRGuard/pkg/config"
	"github.com/supporttools/GoDRGuard/pkg/database/common"
	"github.com/supporttools/GoDRGuard/pkg/drerrors"
)

const defaultPort = 3306

// Provider implements the common.Provider interface for MySQL using
// mysqldump and the mysql client for dump and restore and the Go driver
// for inspection.
type Provider struct {
	cfg config.DatabaseConfig

	// DumpBinary and ClientBinary default to mysqldump and mysql
	DumpBinary   string
	ClientBinary string

	// openDB is swapped in tests
	openDB func(dsn string) (*sql.DB, error)
}

// New returns a provider for the configured source database
func New(cfg config.DatabaseConfig) (*Provider, error) {
	if cfg.Host == "" {
		return nil, errors.New("MySQL host is required")
	}
	if cfg.Port == 0 {
		cfg.Port = defaultPort
	}
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid MySQL port: %d", cfg.Port)
	}
	if cfg.Username == "" {
		return nil, errors.New("MySQL user is required")
	}
	return &Provider{
		cfg:          cfg,
		DumpBinary:   "mysqldump",
		ClientBinary: "mysql",
		openDB: func(dsn string) (*sql.DB, error) {
			return sql.Open("mysql", dsn)
		},
	}, nil
}

func init() {
	common.RegisterProvider("mysql", func(cfg config.DatabaseConfig) (common.Provider, error) {
		return New(cfg)
	})
}

// Name returns the provider name
func (p *Provider) Name() string {
	return "mysql"
}

// DSN builds a driver connection string for target
func DSN(target common.Target) string {
	port := target.Port
	if port == 0 {
		port = defaultPort
	}
	c := mysql.NewConfig()
	c.User = target.Username
	c.Passwd = target.Password
	c.Net = "tcp"
	c.Addr = net.JoinHostPort(target.Host, strconv.Itoa(port))
	c.DBName = target.Database
	c.ParseTime = true
	c.Timeout = 10 * time.Second
	return c.FormatDSN()
}

func (p *Provider) connect(ctx context.Context, target common.Target) (*sql.DB, error) {
	db, err := p.openDB(DSN(target))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open MySQL connection to %s", target)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, drerrors.Environment("connecting", errors.Wrapf(err, "failed to ping MySQL server at %s", target))
	}
	return db, nil
}

func (p *Provider) source() common.Target {
	return common.TargetFromConfig(p.cfg)
}

// Ping checks connectivity to the source server
func (p *Provider) Ping(ctx context.Context) error {
	db, err := p.connect(ctx, p.source())
	if err != nil {
		return err
	}
	return db.Close()
}

// DumpArgs returns the mysqldump arguments for the source database. The
// password is passed through MYSQL_PWD rather than the command line.
func (p *Provider) DumpArgs(opts common.DumpOptions) []string {
	args := []string{
		"-h", p.cfg.Host,
		"-P", strconv.Itoa(p.cfg.Port),
		"-u", p.cfg.Username,
	}
	dumpOpts := config.DefaultMySQLDumpOptions()
	if p.cfg.MySQLOptions != nil {
		dumpOpts = *p.cfg.MySQLOptions
	}
	args = append(args, dumpOpts.Args()...)
	if opts.SchemaOnly {
		args = append(args, "--no-data")
	}
	for _, table := range opts.ExcludeTables {
		args = append(args, fmt.Sprintf("--ignore-table=%s.%s", p.cfg.Database, table))
	}
	args = append(args, p.cfg.ExtraArgs...)
	return append(args, p.cfg.Database)
}

// Dump writes a logical dump of the source database to out
func (p *Provider) Dump(ctx context.Context, opts common.DumpOptions, out io.Writer) error {
	cmd := exec.Command(p.DumpBinary, p.DumpArgs(opts)...)
	cmd.Stdout = out
	cmd.Env = append(os.Environ(), "MYSQL_PWD="+p.cfg.Password)
	if err := common.RunCommand(ctx, cmd, p.cfg.CommandTimeout); err != nil {
		return errors.Wrapf(err, "dump of %s failed", p.cfg.Database)
	}
	return nil
}

// Restore loads a dump into target through the mysql client
func (p *Provider) Restore(ctx context.Context, target common.Target, in io.Reader) error {
	port := target.Port
	if port == 0 {
		port = defaultPort
	}
	cmd := exec.Command(p.ClientBinary,
		"-h", target.Host,
		"-P", strconv.Itoa(port),
		"-u", target.Username,
		target.Database,
	)
	cmd.Stdin = in
	cmd.Env = append(os.Environ(), "MYSQL_PWD="+target.Password)
	if err := common.RunCommand(ctx, cmd, p.cfg.CommandTimeout); err != nil {
		return errors.Wrapf(err, "restore into %s failed", target)
	}
	return nil
}

// CreateDatabase creates target.Database if it does not exist
func (p *Provider) CreateDatabase(ctx context.Context, target common.Target) error {
	return p.exec(ctx, target.WithDatabase(""), "CREATE DATABASE IF NOT EXISTS "+quoteIdent(target.Database))
}

// DropDatabase removes target.Database
func (p *Provider) DropDatabase(ctx context.Context, target common.Target) error {
	return p.exec(ctx, target.WithDatabase(""), "DROP DATABASE IF EXISTS "+quoteIdent(target.Database))
}

func (p *Provider) exec(ctx context.Context, target common.Target, stmt string) error {
	db, err := p.connect(ctx, target)
	if err != nil {
		return err
	}
	defer db.Close()
	if _, err := db.ExecContext(ctx, stmt); err != nil {
		return errors.Wrapf(err, "failed to execute %q", stmt)
	}
	return nil
}

// Inspect summarises tables, exact row counts and schema objects of target
func (p *Provider) Inspect(ctx context.Context, target common.Target) (*common.Inspection, error) {
	db, err := p.connect(ctx, target)
	if err != nil {
		return nil, err
	}
	defer db.Close()
	return inspect(ctx, db, target.Database)
}

func inspect(ctx context.Context, db *sql.DB, database string) (*common.Inspection, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT table_name FROM information_schema.tables WHERE table_schema = ? AND table_type = 'BASE TABLE' ORDER BY table_name",
		database)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list tables")
	}
	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "failed to scan table name")
		}
		tables = append(tables, name)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating table rows")
	}

	result := &common.Inspection{Database: database}
	for _, table := range tables {
		var count int64
		if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+quoteIdent(table)).Scan(&count); err != nil {
			return nil, errors.Wrapf(err, "failed to count rows in %s", table)
		}
		result.Tables = append(result.Tables, common.TableInfo{Name: table, Rows: count})
	}

	counts := []struct {
		dst   *int
		query string
	}{
		{&result.ForeignKeys, "SELECT COUNT(*) FROM information_schema.referential_constraints WHERE constraint_schema = ?"},
		{&result.Indexes, "SELECT COUNT(DISTINCT table_name, index_name) FROM information_schema.statistics WHERE table_schema = ?"},
		{&result.Triggers, "SELECT COUNT(*) FROM information_schema.triggers WHERE trigger_schema = ?"},
		{&result.Views, "SELECT COUNT(*) FROM information_schema.views WHERE table_schema = ?"},
	}
	for _, c := range counts {
		if err := db.QueryRowContext(ctx, c.query, database).Scan(c.dst); err != nil {
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

	rows, err := db.QueryContext(ctx, fmt.Sprintf("SELECT * FROM %s LIMIT %d", quoteIdent(table), limit))
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

// ReplicationLag reads Seconds_Behind_Source from the replica status. A
// server that is not a replica reports zero.
func (p *Provider) ReplicationLag(ctx context.Context) (time.Duration, error) {
	db, err := p.connect(ctx, p.source().WithDatabase(""))
	if err != nil {
		return 0, err
	}
	defer db.Close()
	return replicationLag(ctx, db)
}

func replicationLag(ctx context.Context, db *sql.DB) (time.Duration, error) {
	rows, err := db.QueryContext(ctx, "SHOW REPLICA STATUS")
	if err != nil {
		// servers before 8.0.22 only understand the old statement
		rows, err = db.QueryContext(ctx, "SHOW SLAVE STATUS")
		if err != nil {
			return 0, errors.Wrap(err, "failed to read replica status")
		}
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return 0, errors.Wrap(err, "failed to read replica status columns")
	}
	if !rows.Next() {
		return 0, rows.Err()
	}

	values := make([]sql.RawBytes, len(cols))
	dest := make([]interface{}, len(cols))
	for i := range values {
		dest[i] = &values[i]
	}
	if err := rows.Scan(dest...); err != nil {
		return 0, errors.Wrap(err, "failed to scan replica status")
	}

	for i, col := range cols {
		if col != "Seconds_Behind_Source" && col != "Seconds_Behind_Master" {
			continue
		}
		if values[i] == nil {
			return 0, errors.New("replication is not running")
		}
		secs, err := strconv.ParseInt(string(values[i]), 10, 64)
		if err != nil {
			return 0, errors.Wrapf(err, "unexpected replication lag value %q", values[i])
		}
		return time.Duration(secs) * time.Second, nil
	}
	return 0, nil
}

func quoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}
