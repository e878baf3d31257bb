// Package common provides shared types and interfaces for database operations
package common

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/supporttools/GoDRGuard/pkg/config"
)

// Target identifies a database on a server. The source database and every
// restore test environment are described the same way.
type Target struct {
	Host     string
	Port     int
	Username string
	Password string
	Database string
}

// String returns host:port/database without credentials
func (t Target) String() string {
	return fmt.Sprintf("%s:%d/%s", t.Host, t.Port, t.Database)
}

// WithDatabase returns a copy pointing at another database on the same server
func (t Target) WithDatabase(name string) Target {
	t.Database = name
	return t
}

// TargetFromConfig builds the source target from the database configuration
func TargetFromConfig(cfg config.DatabaseConfig) Target {
	return Target{
		Host:     cfg.Host,
		Port:     cfg.Port,
		Username: cfg.Username,
		Password: cfg.Password,
		Database: cfg.Database,
	}
}

// TargetFromEnvironment builds a target for a restore test environment.
// The database name is left empty for the caller to fill in.
func TargetFromEnvironment(env config.EnvironmentConfig) Target {
	return Target{
		Host:     env.Host,
		Port:     env.Port,
		Username: env.Username,
		Password: env.Password,
	}
}

// DumpOptions contains options for the dump operation
type DumpOptions struct {
	// Kind is the backup kind the dump is taken for
	Kind string

	// SchemaOnly dumps table definitions without data
	SchemaOnly bool

	// ExcludeTables is a list of tables to leave out of the dump
	ExcludeTables []string
}

// TableInfo describes one restored or live table
type TableInfo struct {
	Name string `json:"name"`
	Rows int64  `json:"rows"`
}

// Inspection is a structural summary of a database
type Inspection struct {
	Database    string      `json:"database"`
	Tables      []TableInfo `json:"tables"`
	ForeignKeys int         `json:"foreignKeys"`
	Indexes     int         `json:"indexes"`
	Triggers    int         `json:"triggers"`
	Views       int         `json:"views"`
}

// TotalRows sums the row counts of all tables
func (i *Inspection) TotalRows() int64 {
	var total int64
	for _, t := range i.Tables {
		total += t.Rows
	}
	return total
}

// Table returns the named table
func (i *Inspection) Table(name string) (TableInfo, bool) {
	for _, t := range i.Tables {
		if t.Name == name {
			return t, true
		}
	}
	return TableInfo{}, false
}

// Provider represents a database provider interface
type Provider interface {
	// Name returns the provider name (e.g., "mysql", "postgresql")
	Name() string

	// Dump writes a logical dump of the source database to out
	Dump(ctx context.Context, opts DumpOptions, out io.Writer) error

	// Restore loads a logical dump into target
	Restore(ctx context.Context, target Target, in io.Reader) error

	// CreateDatabase creates target.Database if it does not exist
	CreateDatabase(ctx context.Context, target Target) error

	// DropDatabase removes target.Database
	DropDatabase(ctx context.Context, target Target) error

	// Inspect summarises tables, row counts and schema objects of target
	Inspect(ctx context.Context, target Target) (*Inspection, error)

	// SampleRows reads up to limit rows of table and returns how many were read
	SampleRows(ctx context.Context, target Target, table string, limit int) (int, error)

	// ReplicationLag reports how far the source server trails its upstream.
	// Zero when the server is not a replica.
	ReplicationLag(ctx context.Context) (time.Duration, error)

	// Ping checks connectivity to the source server
	Ping(ctx context.Context) error
}

// Factory creates a provider from configuration
type Factory func(cfg config.DatabaseConfig) (Provider, error)

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]Factory)
)

// RegisterProvider registers a provider factory with the given name
func RegisterProvider(name string, factory Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[name] = factory
}

// NewProvider returns a provider for cfg.Type
func NewProvider(cfg config.DatabaseConfig) (Provider, error) {
	factoriesMu.RLock()
	factory, ok := factories[cfg.Type]
	factoriesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no database provider registered for type %q (available: %v)", cfg.Type, registered())
	}
	return factory(cfg)
}

func registered() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dump header signatures written by the supported dump tools
var signatures = map[string][]string{
	"mysql":      {"-- MySQL dump", "-- MariaDB dump"},
	"postgresql": {"--\n-- PostgreSQL database dump", "-- PostgreSQL database dump", "PGDMP"},
}

// SniffDump identifies the tool that produced a dump from its first bytes.
// It returns an empty string when the header is not recognised.
func SniffDump(header []byte) string {
	trimmed := bytes.TrimLeft(header, "\xef\xbb\xbf \t\r\n")
	for name, sigs := range signatures {
		for _, sig := range sigs {
			if bytes.HasPrefix(header, []byte(sig)) || bytes.HasPrefix(trimmed, []byte(sig)) {
				return name
			}
		}
	}
	return ""
}
