// Package catalog reads table statistics and schema listings from MySQL
// servers and runs administrative statements against them.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/georgysavva/scany/v2/sqlscan"
	"github.com/go-sql-driver/mysql"

	"dbcopier/pkg/connections"
)

// errNoSuchTable is ER_NO_SUCH_TABLE.
const errNoSuchTable = 1146

// SystemSchemas are never copied.
var SystemSchemas = []string{"information_schema", "mysql", "performance_schema", "sys"}

// TableStats is the exact row count and storage size of one table.
type TableStats struct {
	RowCount int64
	Size     int64
}

// Catalog is the read and admin surface the copier needs from a server.
type Catalog interface {
	TotalSize(ctx context.Context, conn connections.Connection, database string) (int64, error)
	TableStats(ctx context.Context, conn connections.Connection, database string, tables []string) (map[string]TableStats, error)
	Databases(ctx context.Context, conn connections.Connection, exclude []string) ([]string, error)
	Exec(ctx context.Context, conn connections.Connection, stmt string) error
}

// MySQL implements Catalog with database/sql handles cached per server.
// Every query names its schema explicitly, so connections that differ only
// in their selected database share one pool.
type MySQL struct {
	mu  sync.Mutex
	dbs map[string]*sql.DB
}

// NewMySQL returns an empty handle cache.
func NewMySQL() *MySQL {
	return &MySQL{dbs: make(map[string]*sql.DB)}
}

// DSN renders conn for go-sql-driver/mysql.
func DSN(conn connections.Connection) string {
	cfg := mysql.NewConfig()
	cfg.User = conn.Username
	cfg.Passwd = conn.Password
	cfg.Net = "tcp"
	cfg.Addr = net.JoinHostPort(conn.Host, strconv.Itoa(conn.Port))
	cfg.DBName = conn.Database
	cfg.ParseTime = true
	cfg.Timeout = 10 * time.Second
	cfg.Params = map[string]string{"charset": "utf8mb4"}
	return cfg.FormatDSN()
}

// QuoteIdent quotes a schema or table identifier with backticks.
func QuoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

func (m *MySQL) handle(conn connections.Connection) (*sql.DB, error) {
	server := conn
	server.Database = ""
	dsn := DSN(server)

	m.mu.Lock()
	defer m.mu.Unlock()
	if db, ok := m.dbs[dsn]; ok {
		return db, nil
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", conn, err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxIdleTime(5 * time.Minute)
	m.dbs[dsn] = db
	return db, nil
}

// Close releases every cached handle.
func (m *MySQL) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for dsn, db := range m.dbs {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(m.dbs, dsn)
	}
	return firstErr
}

type sizeRow struct {
	SizeBytes sql.NullInt64 `db:"size_bytes"`
}

// TotalSize sums DATA_LENGTH+INDEX_LENGTH over all tables of database.
func (m *MySQL) TotalSize(ctx context.Context, conn connections.Connection, database string) (int64, error) {
	db, err := m.handle(conn)
	if err != nil {
		return 0, err
	}
	var row sizeRow
	err = sqlscan.Get(ctx, db, &row, `
SELECT SUM(DATA_LENGTH + INDEX_LENGTH) AS size_bytes
FROM information_schema.TABLES
WHERE TABLE_SCHEMA = ?`, database)
	if err != nil {
		return 0, fmt.Errorf("total size of %s: %w", database, err)
	}
	return row.SizeBytes.Int64, nil
}

// TableStats measures each table with COUNT(*) and its catalog size. Tables
// that do not exist are left out of the result rather than failing the call.
func (m *MySQL) TableStats(ctx context.Context, conn connections.Connection, database string, tables []string) (map[string]TableStats, error) {
	stats := make(map[string]TableStats, len(tables))
	if len(tables) == 0 {
		return stats, nil
	}
	db, err := m.handle(conn)
	if err != nil {
		return nil, err
	}

	for _, table := range tables {
		var count int64
		err := db.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM "+QuoteIdent(database)+"."+QuoteIdent(table)).Scan(&count)
		if err != nil {
			if isNoSuchTable(err) {
				continue
			}
			return nil, fmt.Errorf("count %s.%s: %w", database, table, err)
		}

		var size sizeRow
		err = sqlscan.Get(ctx, db, &size, `
SELECT DATA_LENGTH + INDEX_LENGTH AS size_bytes
FROM information_schema.TABLES
WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ?`, database, table)
		if err != nil {
			if sqlscan.NotFound(err) {
				continue
			}
			return nil, fmt.Errorf("size of %s.%s: %w", database, table, err)
		}

		stats[table] = TableStats{RowCount: count, Size: size.SizeBytes.Int64}
	}
	return stats, nil
}

// Databases lists schema names on the server, excluding the system schemas
// and any names in exclude, ordered by name.
func (m *MySQL) Databases(ctx context.Context, conn connections.Connection, exclude []string) ([]string, error) {
	db, err := m.handle(conn)
	if err != nil {
		return nil, err
	}

	query, args := databasesQuery(exclude)
	var names []string
	if err := sqlscan.Select(ctx, db, &names, query, args...); err != nil {
		return nil, fmt.Errorf("list databases on %s: %w", conn.Name, err)
	}

	out := names[:0]
	for _, n := range names {
		if n != "" {
			out = append(out, n)
		}
	}
	return out, nil
}

// databasesQuery lists schemas outside SystemSchemas and exclude.
func databasesQuery(exclude []string) (string, []any) {
	skip := append(append([]string{}, SystemSchemas...), exclude...)
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(skip)), ",")
	args := make([]any, len(skip))
	for i, s := range skip {
		args[i] = s
	}
	return "SELECT SCHEMA_NAME FROM information_schema.SCHEMATA WHERE SCHEMA_NAME NOT IN (" +
		placeholders + ") ORDER BY SCHEMA_NAME", args
}

// Exec runs one administrative statement.
func (m *MySQL) Exec(ctx context.Context, conn connections.Connection, stmt string) error {
	db, err := m.handle(conn)
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("exec on %s: %w", conn.Name, err)
	}
	return nil
}

func isNoSuchTable(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == errNoSuchTable
}
