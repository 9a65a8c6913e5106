package copier

import (
	"strconv"

	"dbcopier/pkg/connections"
	"dbcopier/pkg/toolexec"
)

const (
	schemaFile        = "schema.sql"
	disableForeignKey = "SET FOREIGN_KEY_CHECKS=0;"
)

// connArgs renders host, port and credentials as long options understood by
// mysql, mysqldump and mydumper.
func connArgs(conn connections.Connection) []string {
	args := []string{
		"--host=" + conn.Host,
		"--port=" + strconv.Itoa(conn.Port),
	}
	if conn.Username != "" {
		args = append(args, "--user="+conn.Username)
	}
	if conn.Password != "" {
		args = append(args, "--password="+conn.Password)
	}
	return args
}

func secrets(conn connections.Connection) []string {
	if conn.Password == "" {
		return nil
	}
	return []string{conn.Password}
}

// schemaDumpCommand dumps DDL, routines, triggers and events of database
// without data, inside one consistent transaction and without GTID metadata.
func schemaDumpCommand(tool string, conn connections.Connection, database string) toolexec.Command {
	args := append(connArgs(conn),
		"--no-data",
		"--routines",
		"--triggers",
		"--events",
		"--single-transaction",
		"--set-gtid-purged=OFF",
		database,
	)
	return toolexec.Command{Path: tool, Args: args, Secrets: secrets(conn)}
}

// excludeRegex matches every table except database.table.
func excludeRegex(database, table string) string {
	return "^(?!(" + database + "." + table + "$))"
}

// dataDumpCommand dumps table data only, one file per table, using a single
// transaction snapshot instead of table locks.
func dataDumpCommand(tool string, conn connections.Connection, database, dir string, threads int, excluded string) toolexec.Command {
	args := append(connArgs(conn),
		"--database="+database,
		"--threads="+strconv.Itoa(threads),
		"--outputdir="+dir,
		"--trx-consistency-only",
		"--less-locking",
		"--no-locks",
		"--no-schemas",
		"--skip-tz-utc",
	)
	if excluded != "" {
		args = append(args, "--regex="+excludeRegex(database, excluded))
	}
	return toolexec.Command{Path: tool, Args: args, Secrets: secrets(conn)}
}

// clientCommand runs the mysql client against database with extra
// arguments appended.
func clientCommand(tool string, conn connections.Connection, database string, extra ...string) toolexec.Command {
	args := append(connArgs(conn), "--database="+database)
	args = append(args, extra...)
	return toolexec.Command{Path: tool, Args: args, Secrets: secrets(conn)}
}

// importCommand streams file into database. Foreign key checks are off for
// the importing session.
func importCommand(tool string, conn connections.Connection, database, file string) toolexec.Command {
	cmd := clientCommand(tool, conn, database, "--init-command="+disableForeignKey)
	cmd.StdinFile = file
	return cmd
}
