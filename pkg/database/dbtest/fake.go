// Package dbtest provides an in-process database provider for tests. Dumps
// are a line-oriented text format headed by a MySQL dump signature so the
// rest of the pipeline treats them like the real thing.
package dbtest

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/supporttools/GoDRGuard/pkg/database/common"
)

// Header starts every dump written by the fake provider
const Header = "-- MySQL dump 10.13 (dbtest)\n"

// Database is a set of named tables holding opaque rows
type Database struct {
	Tables      map[string][]string
	ForeignKeys int
	Indexes     int
	Triggers    int
	Views       int
}

// Provider is a thread-safe fake implementing common.Provider
type Provider struct {
	mu        sync.Mutex
	source    string
	databases map[string]*Database

	DumpErr     error
	RestoreErr  error
	InspectErr  error
	PingErr     error
	Lag         time.Duration
	RestoreTime time.Duration

	Dumps    int
	Restores int
	Dropped  []string
}

// New returns a fake whose source database is named source
func New(source string) *Provider {
	return &Provider{
		source:    source,
		databases: map[string]*Database{source: {Tables: map[string][]string{}}},
	}
}

// AddTable appends rows to a table in the source database
func (p *Provider) AddTable(table string, rows ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	db := p.databases[p.source]
	db.Tables[table] = append(db.Tables[table], rows...)
}

// SetSchemaObjects sets the schema object counts of the source database
func (p *Provider) SetSchemaObjects(fks, indexes, triggers, views int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	db := p.databases[p.source]
	db.ForeignKeys, db.Indexes, db.Triggers, db.Views = fks, indexes, triggers, views
}

// Database returns a copy of the named database
func (p *Provider) Database(name string) (Database, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	db, ok := p.databases[name]
	if !ok {
		return Database{}, false
	}
	return db.copy(), true
}

func (d *Database) copy() Database {
	out := *d
	out.Tables = make(map[string][]string, len(d.Tables))
	for k, v := range d.Tables {
		out.Tables[k] = append([]string(nil), v...)
	}
	return out
}

// Name returns the provider name
func (p *Provider) Name() string { return "dbtest" }

// Dump writes the source database
func (p *Provider) Dump(ctx context.Context, opts common.DumpOptions, out io.Writer) error {
	p.mu.Lock()
	if p.DumpErr != nil {
		p.mu.Unlock()
		return p.DumpErr
	}
	p.Dumps++
	db := p.databases[p.source].copy()
	p.mu.Unlock()

	w := bufio.NewWriter(out)
	fmt.Fprint(w, Header)
	fmt.Fprintf(w, "SCHEMA %d %d %d %d\n", db.ForeignKeys, db.Indexes, db.Triggers, db.Views)

	excluded := make(map[string]bool)
	for _, t := range opts.ExcludeTables {
		excluded[t] = true
	}
	names := make([]string, 0, len(db.Tables))
	for name := range db.Tables {
		if !excluded[name] {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "TABLE %s\n", name)
		if opts.SchemaOnly {
			continue
		}
		for _, row := range db.Tables[name] {
			fmt.Fprintf(w, "ROW %s\n", row)
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return w.Flush()
}

// Restore parses a dump into target.Database, replacing its contents
func (p *Provider) Restore(ctx context.Context, target common.Target, in io.Reader) error {
	p.mu.Lock()
	restoreErr, delay := p.RestoreErr, p.RestoreTime
	p.mu.Unlock()
	if restoreErr != nil {
		return restoreErr
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	db := &Database{Tables: map[string][]string{}}
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	first := true
	current := ""
	for scanner.Scan() {
		line := scanner.Text()
		if first {
			if line+"\n" != Header {
				return fmt.Errorf("not a dbtest dump: %q", line)
			}
			first = false
			continue
		}
		switch {
		case strings.HasPrefix(line, "SCHEMA "):
			if _, err := fmt.Sscanf(line, "SCHEMA %d %d %d %d", &db.ForeignKeys, &db.Indexes, &db.Triggers, &db.Views); err != nil {
				return fmt.Errorf("malformed schema line: %w", err)
			}
		case strings.HasPrefix(line, "TABLE "):
			current = strings.TrimPrefix(line, "TABLE ")
			db.Tables[current] = nil
		case strings.HasPrefix(line, "ROW "):
			if current == "" {
				return fmt.Errorf("row outside of table")
			}
			db.Tables[current] = append(db.Tables[current], strings.TrimPrefix(line, "ROW "))
		default:
			return fmt.Errorf("unexpected dump line %q", line)
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	if first {
		return fmt.Errorf("empty dump")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.Restores++
	p.databases[target.Database] = db
	return nil
}

// CreateDatabase creates an empty database
func (p *Provider) CreateDatabase(ctx context.Context, target common.Target) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.databases[target.Database]; !ok {
		p.databases[target.Database] = &Database{Tables: map[string][]string{}}
	}
	return nil
}

// DropDatabase removes a database
func (p *Provider) DropDatabase(ctx context.Context, target common.Target) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.databases, target.Database)
	p.Dropped = append(p.Dropped, target.Database)
	return nil
}

// Inspect summarises target.Database
func (p *Provider) Inspect(ctx context.Context, target common.Target) (*common.Inspection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.InspectErr != nil {
		return nil, p.InspectErr
	}
	db, ok := p.databases[target.Database]
	if !ok {
		return nil, fmt.Errorf("database %s does not exist", target.Database)
	}
	result := &common.Inspection{
		Database:    target.Database,
		ForeignKeys: db.ForeignKeys,
		Indexes:     db.Indexes,
		Triggers:    db.Triggers,
		Views:       db.Views,
	}
	for name, rows := range db.Tables {
		result.Tables = append(result.Tables, common.TableInfo{Name: name, Rows: int64(len(rows))})
	}
	sort.Slice(result.Tables, func(i, j int) bool { return result.Tables[i].Name < result.Tables[j].Name })
	return result, nil
}

// SampleRows returns min(limit, rows in table)
func (p *Provider) SampleRows(ctx context.Context, target common.Target, table string, limit int) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	db, ok := p.databases[target.Database]
	if !ok {
		return 0, fmt.Errorf("database %s does not exist", target.Database)
	}
	rows, ok := db.Tables[table]
	if !ok {
		return 0, fmt.Errorf("table %s does not exist", table)
	}
	if len(rows) < limit {
		return len(rows), nil
	}
	return limit, nil
}

// ReplicationLag returns the configured lag
func (p *Provider) ReplicationLag(ctx context.Context) (time.Duration, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Lag, nil
}

// Ping returns the configured ping error
func (p *Provider) Ping(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.PingErr
}
