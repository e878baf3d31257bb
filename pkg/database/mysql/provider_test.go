package mysql

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/supporttools/GoDRGuard/pkg/config"
	"github.com/supporttools/GoDRGuard/pkg/database/common"
)

func newTestProvider(t *testing.T) (*Provider, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)

	p, err := New(config.DatabaseConfig{Type: "mysql", Host: "db.internal", Username: "backup", Password: "secret", Database: "shop"})
	require.NoError(t, err)
	p.openDB = func(string) (*sql.DB, error) { return db, nil }
	return p, mock
}

func TestNewValidates(t *testing.T) {
	_, err := New(config.DatabaseConfig{Username: "u"})
	assert.Error(t, err)
	_, err = New(config.DatabaseConfig{Host: "h"})
	assert.Error(t, err)
	p, err := New(config.DatabaseConfig{Host: "h", Username: "u"})
	require.NoError(t, err)
	assert.Equal(t, defaultPort, p.cfg.Port)
}

func TestDumpArgs(t *testing.T) {
	p, err := New(config.DatabaseConfig{Host: "db", Port: 3307, Username: "u", Password: "pw", Database: "shop", ExtraArgs: []string{"--hex-blob"}})
	require.NoError(t, err)

	args := p.DumpArgs(common.DumpOptions{ExcludeTables: []string{"sessions"}})
	assert.Equal(t, "shop", args[len(args)-1])
	assert.Contains(t, args, "--single-transaction")
	assert.Contains(t, args, "--ignore-table=shop.sessions")
	assert.Contains(t, args, "--hex-blob")
	assert.Contains(t, args, "3307")
	for _, a := range args {
		assert.NotContains(t, a, "pw")
	}

	p.cfg.MySQLOptions = &config.MySQLDumpOptions{LockTables: true, ExtendedInsert: true}
	args = p.DumpArgs(common.DumpOptions{})
	assert.Contains(t, args, "--lock-tables")
	assert.NotContains(t, args, "--single-transaction")
}

func TestDSN(t *testing.T) {
	dsn := DSN(common.Target{Host: "db", Username: "u", Password: "p", Database: "shop"})
	assert.Contains(t, dsn, "u:p@tcp(db:3306)/shop")
	assert.Contains(t, dsn, "parseTime=true")
}

func TestInspect(t *testing.T) {
	p, mock := newTestProvider(t)

	mock.ExpectPing()
	mock.ExpectQuery("SELECT table_name FROM information_schema.tables").
		WithArgs("restore_1").
		WillReturnRows(sqlmock.NewRows([]string{"table_name"}).AddRow("orders").AddRow("users"))
	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM `orders`").
		WillReturnRows(sqlmock.NewRows([]string{"c"}).AddRow(3))
	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM `users`").
		WillReturnRows(sqlmock.NewRows([]string{"c"}).AddRow(2))
	mock.ExpectQuery("referential_constraints").WithArgs("restore_1").
		WillReturnRows(sqlmock.NewRows([]string{"c"}).AddRow(1))
	mock.ExpectQuery("information_schema.statistics").WithArgs("restore_1").
		WillReturnRows(sqlmock.NewRows([]string{"c"}).AddRow(4))
	mock.ExpectQuery("information_schema.triggers").WithArgs("restore_1").
		WillReturnRows(sqlmock.NewRows([]string{"c"}).AddRow(0))
	mock.ExpectQuery("information_schema.views").WithArgs("restore_1").
		WillReturnRows(sqlmock.NewRows([]string{"c"}).AddRow(1))
	mock.ExpectClose()

	in, err := p.Inspect(context.Background(), common.Target{Host: "h", Database: "restore_1"})
	require.NoError(t, err)
	assert.Equal(t, int64(5), in.TotalRows())
	assert.Equal(t, 1, in.ForeignKeys)
	assert.Equal(t, 4, in.Indexes)
	assert.Equal(t, 1, in.Views)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReplicationLag(t *testing.T) {
	p, mock := newTestProvider(t)

	mock.ExpectPing()
	mock.ExpectQuery("SHOW REPLICA STATUS").
		WillReturnRows(sqlmock.NewRows([]string{"Replica_IO_State", "Seconds_Behind_Source"}).AddRow("Waiting", "42"))
	mock.ExpectClose()

	lag, err := p.ReplicationLag(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42*time.Second, lag)
}

func TestReplicationLagNotReplica(t *testing.T) {
	p, mock := newTestProvider(t)

	mock.ExpectPing()
	mock.ExpectQuery("SHOW REPLICA STATUS").
		WillReturnRows(sqlmock.NewRows([]string{"Seconds_Behind_Source"}))
	mock.ExpectClose()

	lag, err := p.ReplicationLag(context.Background())
	require.NoError(t, err)
	assert.Zero(t, lag)
}

func TestCreateDatabaseQuotesName(t *testing.T) {
	p, mock := newTestProvider(t)

	mock.ExpectPing()
	mock.ExpectExec("CREATE DATABASE IF NOT EXISTS `restore``x`").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectClose()

	require.NoError(t, p.CreateDatabase(context.Background(), common.Target{Host: "h", Database: "restore`x"}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRegistered(t *testing.T) {
	prov, err := common.NewProvider(config.DatabaseConfig{Type: "mysql", Host: "h", Username: "u"})
	require.NoError(t, err)
	assert.Equal(t, "mysql", prov.Name())
}
