package copier

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"dbcopier/pkg/catalog"
	"dbcopier/pkg/connections"
	"dbcopier/pkg/toolexec"
	"dbcopier/services/store"
)

func testRegistry() *connections.Registry {
	return connections.NewRegistry(map[string]connections.Connection{
		"source": {Driver: connections.DriverMySQL, Host: "src", Username: "copier", Password: "srcpw", Database: "app"},
		"dest_a": {Driver: connections.DriverMySQL, Host: "a", Username: "copier", Password: "apw"},
		"dest_b": {Driver: connections.DriverMySQL, Host: "b", Username: "copier", Password: "bpw"},
		"pg":     {Driver: "pgsql", Host: "pg"},
	}, map[string]string{"dest_a": "clu_a"})
}

// fakeInvoker emulates mysqldump, mydumper and mysql.
type fakeInvoker struct {
	mu         sync.Mutex
	calls      []toolexec.Command
	tables     []string
	failImport string
	failTool   string
	// chunks is the number of data files written per table; zero means one.
	chunks int
	// cancelDump, when set, is called while mydumper runs and the dump
	// reports a killed process.
	cancelDump context.CancelFunc
}

func argValue(args []string, prefix string) string {
	for _, a := range args {
		if strings.HasPrefix(a, prefix) {
			return strings.TrimPrefix(a, prefix)
		}
	}
	return ""
}

func (f *fakeInvoker) Run(_ context.Context, cmd toolexec.Command) (toolexec.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, cmd)
	f.mu.Unlock()

	if f.failTool != "" && cmd.Path == f.failTool {
		return toolexec.Result{ExitCode: 2, Stderr: cmd.Path + ": access denied"}, nil
	}

	if cmd.Path == "mydumper" && f.cancelDump != nil {
		f.cancelDump()
		return toolexec.Result{ExitCode: -1, Stderr: "signal: killed"}, nil
	}

	switch cmd.Path {
	case "mysqldump":
		fmt.Fprintln(cmd.Stdout, "CREATE TABLE `users` (id int);")
	case "mydumper":
		dir := argValue(cmd.Args, "--outputdir=")
		db := argValue(cmd.Args, "--database=")
		chunks := max(f.chunks, 1)
		for _, table := range f.tables {
			for n := 0; n < chunks; n++ {
				path := filepath.Join(dir, fmt.Sprintf("%s.%s.%05d.sql", db, table, n))
				if err := os.WriteFile(path, []byte("INSERT INTO "+table+" VALUES (1);\n"), 0o600); err != nil {
					return toolexec.Result{}, err
				}
			}
		}
	case "mysql":
		if cmd.StdinFile != "" && filepath.Base(cmd.StdinFile) == f.failImport {
			return toolexec.Result{ExitCode: 1, Stderr: "ERROR 1062 (23000): Duplicate entry"}, nil
		}
	}
	return toolexec.Result{}, nil
}

func (f *fakeInvoker) imported() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		if c.Path == "mysql" && c.StdinFile != "" {
			out = append(out, filepath.Base(c.StdinFile))
		}
	}
	return out
}

// fakeCatalog serves table statistics keyed by database name.
type fakeCatalog struct {
	mu    sync.Mutex
	stats map[string]map[string]catalog.TableStats
	total int64
	execs []string
}

func (f *fakeCatalog) TotalSize(context.Context, connections.Connection, string) (int64, error) {
	return f.total, nil
}

func (f *fakeCatalog) TableStats(_ context.Context, _ connections.Connection, database string, tables []string) (map[string]catalog.TableStats, error) {
	out := make(map[string]catalog.TableStats)
	for _, t := range tables {
		if st, ok := f.stats[database][t]; ok {
			out[t] = st
		}
	}
	return out, nil
}

func (f *fakeCatalog) Databases(context.Context, connections.Connection, []string) ([]string, error) {
	return nil, nil
}

func (f *fakeCatalog) Exec(_ context.Context, _ connections.Connection, stmt string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execs = append(f.execs, stmt)
	return nil
}

type recordingNotifier struct {
	mu       sync.Mutex
	statuses []store.Status
}

func (n *recordingNotifier) Notify(_ context.Context, c store.Copy) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.statuses = append(n.statuses, c.Status)
}

type recordingSyncer struct {
	mu   sync.Mutex
	runs []string
	errs []error
}

func (s *recordingSyncer) Sync(ctx context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = append(s.runs, runID)
	s.errs = append(s.errs, ctx.Err())
	return nil
}

type recordingProvisioner struct {
	created []string
}

func (p *recordingProvisioner) CreateDatabase(_ context.Context, connection, database string) error {
	p.created = append(p.created, connection+"/"+database)
	return nil
}

// countingStore counts destination usage lookups. Like a database handle
// bound to a context, record reads and writes fail once ctx is cancelled.
type countingStore struct {
	*store.Memory
	usage     map[string]int64
	usedCalls atomic.Int32

	mu       sync.Mutex
	progress []int
}

func (s *countingStore) GetCopy(ctx context.Context, id string) (store.Copy, error) {
	if err := ctx.Err(); err != nil {
		return store.Copy{}, err
	}
	return s.Memory.GetCopy(ctx, id)
}

func (s *countingStore) SaveCopy(ctx context.Context, c *store.Copy) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.Progress != nil {
		s.mu.Lock()
		if n := len(s.progress); n == 0 || s.progress[n-1] != *c.Progress {
			s.progress = append(s.progress, *c.Progress)
		}
		s.mu.Unlock()
	}
	return s.Memory.SaveCopy(ctx, c)
}

func (s *countingStore) FailUnfinishedRows(ctx context.Context, copyID, message string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return s.Memory.FailUnfinishedRows(ctx, copyID, message)
}

func (s *countingStore) UsedSize(ctx context.Context, connection string) (int64, error) {
	s.usedCalls.Add(1)
	if v, ok := s.usage[connection]; ok {
		return v, nil
	}
	return s.Memory.UsedSize(ctx, connection)
}

type fixture struct {
	store    *countingStore
	registry *connections.Registry
	catalog  *fakeCatalog
	invoker  *fakeInvoker
	notifier *recordingNotifier
	syncer   *recordingSyncer
	scratch  string
	orch     *Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:    &countingStore{Memory: store.NewMemory()},
		registry: testRegistry(),
		catalog: &fakeCatalog{
			total: 1500,
			stats: map[string]map[string]catalog.TableStats{
				"app": {
					"orders": {RowCount: 5, Size: 500},
					"users":  {RowCount: 10, Size: 1000},
				},
				"app_copy": {
					"orders": {RowCount: 5, Size: 500},
					"users":  {RowCount: 10, Size: 1200},
				},
			},
		},
		invoker:  &fakeInvoker{tables: []string{"orders", "sent_mail_bodies", "users"}},
		notifier: &recordingNotifier{},
		syncer:   &recordingSyncer{},
		scratch:  t.TempDir(),
	}

	orch, err := New(Deps{
		Store:    f.store,
		Registry: f.registry,
		Catalog:  f.catalog,
		Invoker:  f.invoker,
		Notifier: f.notifier,
		Runs:     f.syncer,
		Logger:   zerolog.Nop(),
	}, Config{ScratchDir: f.scratch, ExcludedTable: "sent_mail_bodies"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	orch.now = func() time.Time { return time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC) }
	f.orch = orch
	return f
}

func (f *fixture) createCopy(t *testing.T, c store.Copy) store.Copy {
	t.Helper()
	if err := f.store.CreateCopy(context.Background(), &c); err != nil {
		t.Fatalf("CreateCopy() error = %v", err)
	}
	return c
}

func (f *fixture) reload(t *testing.T, id string) (store.Copy, []store.Row) {
	t.Helper()
	c, err := f.store.GetCopy(context.Background(), id)
	if err != nil {
		t.Fatalf("GetCopy() error = %v", err)
	}
	rows, err := f.store.ListRows(context.Background(), id)
	if err != nil {
		t.Fatalf("ListRows() error = %v", err)
	}
	return c, rows
}

func defaultTask(copyID string) CopyTask {
	return CopyTask{
		CopyID:              copyID,
		SourceConnection:    "source",
		SourceDatabase:      "app",
		DestConnections:     []string{"dest_a", "dest_b"},
		DestDatabase:        "app_copy",
		Threads:             4,
		RecreateDestination: true,
	}
}

func newCopy() store.Copy {
	return store.Copy{
		SourceConnection: "source",
		SourceDatabase:   "app",
		DestConnection:   "dest_a",
		DestDatabase:     "app_copy",
		CallbackURL:      "http://callback.test/hook",
		CreatedByUserID:  1,
	}
}
