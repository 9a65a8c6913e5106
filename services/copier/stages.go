package copier

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"dbcopier/pkg/catalog"
	"dbcopier/pkg/connections"
	"dbcopier/pkg/copyerr"
	"dbcopier/pkg/toolexec"
	"dbcopier/services/store"
)

// job is the state of one copy execution.
type job struct {
	o    *Orchestrator
	copy *store.Copy
	task CopyTask
	log  zerolog.Logger
	dir  string

	source connections.Connection
	dest   connections.Connection
}

func (j *job) execute(ctx context.Context) error {
	stages := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"resolve", j.resolveDestination},
		{"prepare", j.prepareDestination},
		{"measure", j.recordTotalSourceSize},
		{"dump_schema", j.dumpSchema},
		{"dump_data", j.dumpData},
		{"source_stats", j.recordSourceStats},
		{"restore_schema", j.restoreSchema},
		{"import", j.importData},
		{"verify", j.verify},
	}

	for _, st := range stages {
		if err := j.stage(ctx, st.name, st.fn); err != nil {
			return err
		}
	}
	return nil
}

func (j *job) stage(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, span := tracer.Start(ctx, "copy."+name)
	span.SetAttributes(attribute.String("copy.id", j.copy.ID))
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	elapsed := time.Since(start)
	j.o.metrics.StageDone(name, elapsed)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	j.log.Debug().Str("stage", name).Dur("duration", elapsed).Msg("stage done")
	return nil
}

// resolveDestination picks the destination once. A Copy that already has a
// resolved destination keeps it.
func (j *job) resolveDestination(ctx context.Context) error {
	c := j.copy
	if c.DestResolvedAt != nil && c.DestConnection != "" {
		return nil
	}

	candidates := j.task.DestConnections
	if len(Candidates(candidates)) == 0 && c.DestConnection != "" {
		candidates = []string{c.DestConnection}
	}
	selected, err := j.o.selector.Select(ctx, candidates)
	if err != nil {
		return err
	}

	now := j.o.now()
	c.DestConnection = selected
	c.DestResolvedAt = &now
	if err := j.o.store.SaveCopy(ctx, c); err != nil {
		return fmt.Errorf("persist destination: %w", err)
	}
	j.log = j.log.With().Str("dest", selected+"/"+c.DestDatabase).Logger()
	return nil
}

func (j *job) prepareDestination(ctx context.Context) error {
	c := j.copy
	if _, err := j.o.registry.Resolve(c.DestConnection); err != nil {
		return err
	}
	source, err := j.o.registry.Resolve(j.task.SourceConnection)
	if err != nil {
		return err
	}
	j.source = source

	if j.task.CreateDestDbOnCloud {
		if j.o.provisioner == nil {
			return copyerr.New(copyerr.Configuration, "cloud provisioning is not configured")
		}
		if err := j.o.provisioner.CreateDatabase(ctx, c.DestConnection, c.DestDatabase); err != nil {
			return err
		}
	} else {
		server, err := j.o.registry.WithoutDatabase(c.DestConnection, c.ID)
		if err != nil {
			return err
		}
		quoted := catalog.QuoteIdent(c.DestDatabase)
		if j.task.RecreateDestination {
			if err := j.o.catalog.Exec(ctx, server, "DROP DATABASE IF EXISTS "+quoted); err != nil {
				return copyerr.Wrap(copyerr.Tool, err, "drop destination database %s", c.DestDatabase)
			}
		}
		stmt := "CREATE DATABASE IF NOT EXISTS " + quoted + " CHARACTER SET utf8mb4 COLLATE utf8mb4_unicode_ci"
		if err := j.o.catalog.Exec(ctx, server, stmt); err != nil {
			return copyerr.Wrap(copyerr.Tool, err, "create destination database %s", c.DestDatabase)
		}
	}

	dest, err := j.o.registry.ForDatabase(c.DestConnection, c.ID, c.DestDatabase)
	if err != nil {
		return err
	}
	j.dest = dest
	return nil
}

func (j *job) recordTotalSourceSize(ctx context.Context) error {
	size, err := j.o.catalog.TotalSize(ctx, j.source, j.task.SourceDatabase)
	if err != nil {
		return fmt.Errorf("total source size: %w", err)
	}
	j.copy.TotalSourceSize = &size
	if err := j.o.store.SaveCopy(ctx, j.copy); err != nil {
		return fmt.Errorf("persist total source size: %w", err)
	}
	return nil
}

func (j *job) run(ctx context.Context, what string, cmd toolexec.Command) error {
	j.log.Debug().Str("command", cmd.String()).Msg(what)
	res, err := j.o.invoker.Run(ctx, cmd)
	if err != nil {
		return copyerr.Wrap(copyerr.Tool, err, "%s could not start", what)
	}
	if res.Failed() {
		return copyerr.New(copyerr.Tool, "%s failed with error: %s", what, res.ErrorOutput())
	}
	return nil
}

func (j *job) dumpSchema(ctx context.Context) error {
	if err := os.MkdirAll(j.dir, 0o750); err != nil {
		return fmt.Errorf("create scratch directory: %w", err)
	}

	path := filepath.Join(j.dir, schemaFile)
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create schema file: %w", err)
	}
	cmd := schemaDumpCommand(j.o.config.Tools.MySQLDump, j.source, j.task.SourceDatabase)
	cmd.Stdout = f
	runErr := j.run(ctx, "mysqldump (schema)", cmd)
	if err := f.Close(); err != nil && runErr == nil {
		runErr = fmt.Errorf("write schema file: %w", err)
	}
	if runErr != nil {
		return runErr
	}

	if j.o.archiver != nil {
		if err := j.o.archiver.Archive(ctx, j.copy.ID, path); err != nil {
			j.log.Warn().Err(err).Msg("archive schema")
		}
	}
	return nil
}

func (j *job) dumpData(ctx context.Context) error {
	threads := j.task.Threads
	if threads <= 0 {
		threads = j.o.config.DefaultThreads
	}
	cmd := dataDumpCommand(j.o.config.Tools.MyDumper, j.source, j.task.SourceDatabase, j.dir, threads, j.o.config.ExcludedTable)
	if err := j.run(ctx, "mydumper", cmd); err != nil {
		return err
	}
	return j.materializeRows(ctx)
}

// materializeRows creates one dumped Row per data file.
func (j *job) materializeRows(ctx context.Context) error {
	files, err := dataFiles(j.dir, j.o.config.ExcludedTable)
	if err != nil {
		return err
	}
	for _, f := range files {
		row := store.Row{
			CopyID:       j.copy.ID,
			Name:         f.table,
			DumpFilePath: f.path,
			Status:       store.RowDumped,
		}
		if err := j.o.store.CreateRow(ctx, &row); err != nil {
			return fmt.Errorf("create row %s: %w", f.table, err)
		}
	}
	j.log.Info().Int("tables", len(files)).Msg("data dumped")
	return nil
}

type dumpFile struct {
	path  string
	table string
}

// dataFiles lists the per-table data files in dir. Schema files are skipped
// and files of the excluded table are deleted.
func dataFiles(dir, excluded string) ([]dumpFile, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.sql"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)

	var out []dumpFile
	for _, p := range paths {
		base := filepath.Base(p)
		if base == schemaFile || strings.HasSuffix(base, "-schema.sql") || strings.HasSuffix(base, "-schema-create.sql") {
			continue
		}
		table := tableFromFile(base)
		if excluded != "" && table == excluded {
			if err := os.Remove(p); err != nil {
				return nil, fmt.Errorf("remove excluded dump %s: %w", base, err)
			}
			continue
		}
		out = append(out, dumpFile{path: p, table: table})
	}
	return out, nil
}

// tableFromFile strips the "<database>." prefix, the ".sql" extension and
// a trailing numeric chunk suffix from a dump file name:
// "app.users.00000.sql" and "app.users.sql" both yield "users".
func tableFromFile(base string) string {
	name := strings.TrimSuffix(base, ".sql")
	if i := strings.IndexByte(name, '.'); i >= 0 {
		name = name[i+1:]
	}
	if i := strings.LastIndexByte(name, '.'); i >= 0 && isDigits(name[i+1:]) {
		name = name[:i]
	}
	return name
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func (j *job) recordSourceStats(ctx context.Context) error {
	rows, err := j.o.store.ListRows(ctx, j.copy.ID)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	stats, err := j.o.catalog.TableStats(ctx, j.source, j.task.SourceDatabase, tableNames(rows))
	if err != nil {
		return fmt.Errorf("source statistics: %w", err)
	}
	for i := range rows {
		st, ok := stats[rows[i].Name]
		if !ok {
			continue
		}
		rows[i].SourceRowCount = &st.RowCount
		rows[i].SourceSize = &st.Size
		if err := j.o.store.SaveRow(ctx, &rows[i]); err != nil {
			return fmt.Errorf("save row %s: %w", rows[i].Name, err)
		}
	}
	return nil
}

func (j *job) restoreSchema(ctx context.Context) error {
	path := filepath.Join(j.dir, schemaFile)
	if _, err := os.Stat(path); err != nil {
		return copyerr.New(copyerr.Tool, "schema dump file [%s] is missing", schemaFile)
	}
	cmd := clientCommand(j.o.config.Tools.MySQL, j.dest, j.copy.DestDatabase)
	cmd.StdinFile = path
	return j.run(ctx, "mysql schema import for "+schemaFile, cmd)
}

func (j *job) importData(ctx context.Context) error {
	rows, err := j.o.store.ListRows(ctx, j.copy.ID)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	fkOff := clientCommand(j.o.config.Tools.MySQL, j.dest, j.copy.DestDatabase, "-e", disableForeignKey)
	if err := j.run(ctx, "mysql disable foreign key checks", fkOff); err != nil {
		return err
	}

	// A table dumped in chunks has one Row per chunk, each carrying the whole
	// table's size; the size counts once, when its last chunk is imported.
	chunksLeft := make(map[string]int, len(rows))
	for _, r := range rows {
		chunksLeft[r.Name]++
	}

	var imported int64
	for i := range rows {
		row := &rows[i]
		cmd := importCommand(j.o.config.Tools.MySQL, j.dest, j.copy.DestDatabase, row.DumpFilePath)
		res, err := j.o.invoker.Run(ctx, cmd)
		if err == nil && res.Failed() {
			err = fmt.Errorf("%s", res.ErrorOutput())
		}
		if err != nil {
			msg := copyerr.Truncate(err.Error(), copyerr.MaxMessageLength)
			row.Status = store.RowFailed
			row.ErrorMessage = &msg
			if saveErr := j.o.store.SaveRow(ctx, row); saveErr != nil {
				j.log.Error().Err(saveErr).Str("table", row.Name).Msg("save failed row")
			}
			return copyerr.Wrap(copyerr.Tool, err, "mysql import failed for %s", filepath.Base(row.DumpFilePath))
		}

		row.Status = store.RowImported
		row.ErrorMessage = nil
		if err := j.o.store.SaveRow(ctx, row); err != nil {
			return fmt.Errorf("save row %s: %w", row.Name, err)
		}

		chunksLeft[row.Name]--
		if chunksLeft[row.Name] == 0 && row.SourceSize != nil {
			imported += *row.SourceSize
		}
		if err := j.reportProgress(ctx, imported); err != nil {
			return err
		}
	}
	return nil
}

// reportProgress stores the share of source bytes imported so far, held
// below 100 until the copy succeeds.
func (j *job) reportProgress(ctx context.Context, imported int64) error {
	total := j.copy.TotalSourceSize
	if total == nil || *total <= 0 {
		return nil
	}
	p := int(imported * 100 / *total)
	if p > 99 {
		p = 99
	}
	if j.copy.Progress != nil && *j.copy.Progress == p {
		return nil
	}
	j.copy.Progress = &p
	if err := j.o.store.SaveCopy(ctx, j.copy); err != nil {
		return fmt.Errorf("persist progress: %w", err)
	}
	return nil
}

func (j *job) verify(ctx context.Context) error {
	rows, err := j.o.store.ListRows(ctx, j.copy.ID)
	if err != nil {
		return err
	}
	return j.o.verifier.Verify(ctx, rows,
		Endpoint{Conn: j.source, Database: j.task.SourceDatabase},
		Endpoint{Conn: j.dest, Database: j.copy.DestDatabase},
	)
}
