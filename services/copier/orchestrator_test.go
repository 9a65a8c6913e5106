package copier

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"dbcopier/pkg/catalog"
	"dbcopier/pkg/copyerr"
	"dbcopier/services/store"
)

func TestRunSucceeds(t *testing.T) {
	f := newFixture(t)
	c := f.createCopy(t, newCopy())

	if err := f.orch.Run(context.Background(), defaultTask(c.ID)); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	got, rows := f.reload(t, c.ID)
	if got.Status != store.StatusSucceeded {
		t.Fatalf("status = %s, want succeeded (last_error %v)", got.Status, got.LastError)
	}
	if got.Progress == nil || *got.Progress != 100 {
		t.Fatalf("progress = %v, want 100", got.Progress)
	}
	if got.FinishedAt == nil || got.StartedAt == nil {
		t.Fatalf("started_at/finished_at = %v/%v, want both set", got.StartedAt, got.FinishedAt)
	}
	if got.LastError != nil {
		t.Fatalf("last_error = %q, want nil", *got.LastError)
	}
	if got.DestConnection != "dest_a" || got.DestResolvedAt == nil {
		t.Fatalf("destination = %q resolved %v, want dest_a resolved", got.DestConnection, got.DestResolvedAt)
	}
	if got.TotalSourceSize == nil || *got.TotalSourceSize != 1500 {
		t.Fatalf("total_source_size = %v, want 1500", got.TotalSourceSize)
	}

	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	for _, r := range rows {
		if r.Status != store.RowVerified {
			t.Fatalf("row %s status = %s, want verified", r.Name, r.Status)
		}
		if r.SourceRowCount == nil || r.DestRowCount == nil || r.SourceSize == nil || r.DestSize == nil {
			t.Fatalf("row %s missing measurements: %+v", r.Name, r)
		}
	}

	if want := []store.Status{store.StatusRunning, store.StatusSucceeded}; !reflect.DeepEqual(f.notifier.statuses, want) {
		t.Fatalf("notifications = %v, want %v", f.notifier.statuses, want)
	}
	if want := []string{
		"DROP DATABASE IF EXISTS `app_copy`",
		"CREATE DATABASE IF NOT EXISTS `app_copy` CHARACTER SET utf8mb4 COLLATE utf8mb4_unicode_ci",
	}; !reflect.DeepEqual(f.catalog.execs, want) {
		t.Fatalf("statements = %v, want %v", f.catalog.execs, want)
	}
	if _, err := os.Stat(filepath.Join(f.scratch, c.ID)); !os.IsNotExist(err) {
		t.Fatalf("scratch directory still present: %v", err)
	}
	if _, ok := f.registry.Lookup("dest_a_" + c.ID); ok {
		t.Fatalf("per-copy connection not released")
	}
}

func TestRunNeverDumpsExcludedTable(t *testing.T) {
	f := newFixture(t)
	c := f.createCopy(t, newCopy())

	if err := f.orch.Run(context.Background(), defaultTask(c.ID)); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	_, rows := f.reload(t, c.ID)
	for _, r := range rows {
		if r.Name == "sent_mail_bodies" {
			t.Fatalf("excluded table materialized as row %+v", r)
		}
	}
	for _, name := range f.invoker.imported() {
		if strings.Contains(name, "sent_mail_bodies") {
			t.Fatalf("excluded table imported from %s", name)
		}
	}
}

func TestRunRowCountMismatchFails(t *testing.T) {
	f := newFixture(t)
	f.catalog.stats["app_copy"]["orders"] = catalog.TableStats{RowCount: 4, Size: 500}
	c := f.createCopy(t, newCopy())

	if err := f.orch.Run(context.Background(), defaultTask(c.ID)); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	got, rows := f.reload(t, c.ID)
	if got.Status != store.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if got.LastError == nil || *got.LastError != "row count mismatch for orders" {
		t.Fatalf("last_error = %v, want row count mismatch for orders", got.LastError)
	}
	if got.FinishedAt == nil {
		t.Fatalf("finished_at not set")
	}

	byName := map[string]store.Row{}
	for _, r := range rows {
		byName[r.Name] = r
	}
	if byName["orders"].Status != store.RowFailed {
		t.Fatalf("orders status = %s, want failed", byName["orders"].Status)
	}
	if byName["users"].Status == store.RowVerified {
		t.Fatalf("users verified after an earlier table failed")
	}
	if want := []store.Status{store.StatusRunning, store.StatusFailed}; !reflect.DeepEqual(f.notifier.statuses, want) {
		t.Fatalf("notifications = %v, want %v", f.notifier.statuses, want)
	}
}

func TestRunImportFailureMarksOnlyThatRow(t *testing.T) {
	f := newFixture(t)
	f.invoker.failImport = "app.users.00000.sql"
	c := f.createCopy(t, newCopy())

	if err := f.orch.Run(context.Background(), defaultTask(c.ID)); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	got, rows := f.reload(t, c.ID)
	if got.Status != store.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if !strings.HasPrefix(*got.LastError, "mysql import failed for app.users.00000.sql: ERROR 1062") {
		t.Fatalf("last_error = %q", *got.LastError)
	}
	for _, r := range rows {
		switch r.Name {
		case "orders":
			if r.Status != store.RowImported {
				t.Fatalf("orders status = %s, want imported", r.Status)
			}
		case "users":
			if r.Status != store.RowFailed || r.ErrorMessage == nil || !strings.Contains(*r.ErrorMessage, "Duplicate entry") {
				t.Fatalf("users row = %+v, want failed with tool output", r)
			}
		}
	}
	if _, err := os.Stat(filepath.Join(f.scratch, c.ID)); !os.IsNotExist(err) {
		t.Fatalf("scratch directory kept after failure")
	}
}

func TestRunToolFailure(t *testing.T) {
	tests := []struct {
		tool string
		want string
	}{
		{tool: "mysqldump", want: "mysqldump (schema) failed with error: mysqldump: access denied"},
		{tool: "mydumper", want: "mydumper failed with error: mydumper: access denied"},
	}
	for _, tt := range tests {
		t.Run(tt.tool, func(t *testing.T) {
			f := newFixture(t)
			f.invoker.failTool = tt.tool
			c := f.createCopy(t, newCopy())

			if err := f.orch.Run(context.Background(), defaultTask(c.ID)); err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			got, _ := f.reload(t, c.ID)
			if got.Status != store.StatusFailed || got.LastError == nil || *got.LastError != tt.want {
				t.Fatalf("copy = %s %v, want failed %q", got.Status, got.LastError, tt.want)
			}
		})
	}
}

func TestRunSyncsOwningRun(t *testing.T) {
	f := newFixture(t)
	runID := "run-1"
	c := newCopy()
	c.RunID = &runID
	c = f.createCopy(t, c)

	if err := f.orch.Run(context.Background(), defaultTask(c.ID)); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !reflect.DeepEqual(f.syncer.runs, []string{runID}) {
		t.Fatalf("synced runs = %v, want [%s]", f.syncer.runs, runID)
	}
}

func TestRunPicksLeastUsedDestination(t *testing.T) {
	f := newFixture(t)
	f.store.usage = map[string]int64{"dest_a": 8000, "dest_b": 2000}
	c := f.createCopy(t, newCopy())

	if err := f.orch.Run(context.Background(), defaultTask(c.ID)); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	got, _ := f.reload(t, c.ID)
	if got.DestConnection != "dest_b" {
		t.Fatalf("dest_connection = %s, want dest_b", got.DestConnection)
	}
}

func TestResolveDestinationIsIdempotent(t *testing.T) {
	f := newFixture(t)
	c := f.createCopy(t, newCopy())
	j := &job{o: f.orch, copy: &c, task: defaultTask(c.ID), log: f.orch.logger}

	if err := j.resolveDestination(context.Background()); err != nil {
		t.Fatalf("first resolve error = %v", err)
	}
	calls := f.store.usedCalls.Load()
	if calls != 2 {
		t.Fatalf("usage lookups after first resolve = %d, want 2", calls)
	}

	f.store.usage = map[string]int64{"dest_a": 9999}
	if err := j.resolveDestination(context.Background()); err != nil {
		t.Fatalf("second resolve error = %v", err)
	}
	if got := f.store.usedCalls.Load(); got != calls {
		t.Fatalf("usage lookups after second resolve = %d, want %d", got, calls)
	}
	if c.DestConnection != "dest_a" {
		t.Fatalf("dest_connection = %s, want dest_a", c.DestConnection)
	}
}

func TestRunUnknownSourceIsConfigurationError(t *testing.T) {
	f := newFixture(t)
	c := f.createCopy(t, newCopy())
	task := defaultTask(c.ID)
	task.SourceConnection = "missing"

	if err := f.orch.Run(context.Background(), task); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	got, _ := f.reload(t, c.ID)
	if got.Status != store.StatusFailed || !strings.Contains(*got.LastError, "connection [missing] is not configured") {
		t.Fatalf("copy = %s %v", got.Status, got.LastError)
	}
}

func TestRunOnCloudUsesProvisioner(t *testing.T) {
	f := newFixture(t)
	prov := &recordingProvisioner{}
	f.orch.provisioner = prov
	c := f.createCopy(t, newCopy())
	task := defaultTask(c.ID)
	task.DestConnections = []string{"dest_a"}
	task.CreateDestDbOnCloud = true

	if err := f.orch.Run(context.Background(), task); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	got, _ := f.reload(t, c.ID)
	if got.Status != store.StatusSucceeded {
		t.Fatalf("status = %s (%v), want succeeded", got.Status, got.LastError)
	}
	if !reflect.DeepEqual(prov.created, []string{"dest_a/app_copy"}) {
		t.Fatalf("provisioned = %v", prov.created)
	}
	if len(f.catalog.execs) != 0 {
		t.Fatalf("statements = %v, want none when provisioning", f.catalog.execs)
	}
}

func TestRunSkipsFinishedCopy(t *testing.T) {
	f := newFixture(t)
	c := newCopy()
	c.Status = store.StatusSucceeded
	c = f.createCopy(t, c)

	if err := f.orch.Run(context.Background(), defaultTask(c.ID)); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(f.invoker.calls) != 0 || len(f.notifier.statuses) != 0 {
		t.Fatalf("finished copy was executed again")
	}
}

func TestAbortFailsCopyAndUnfinishedRows(t *testing.T) {
	f := newFixture(t)
	runID := "run-9"
	c := newCopy()
	c.Status = store.StatusRunning
	c.RunID = &runID
	c = f.createCopy(t, c)

	ctx := context.Background()
	for _, st := range []store.RowStatus{store.RowImported, store.RowDumped, store.RowVerified} {
		r := store.Row{CopyID: c.ID, Name: string(st), Status: st}
		if err := f.store.CreateRow(ctx, &r); err != nil {
			t.Fatalf("CreateRow() error = %v", err)
		}
	}

	cause := copyerr.New(copyerr.Tool, "worker crashed")
	if err := f.orch.Abort(ctx, defaultTask(c.ID), cause); err != nil {
		t.Fatalf("Abort() error = %v", err)
	}

	got, rows := f.reload(t, c.ID)
	if got.Status != store.StatusFailed || *got.LastError != "worker crashed" || got.FinishedAt == nil {
		t.Fatalf("copy = %+v", got)
	}
	want := map[string]store.RowStatus{
		"imported": store.RowImported,
		"dumped":   store.RowFailed,
		"verified": store.RowVerified,
	}
	for _, r := range rows {
		if r.Status != want[r.Name] {
			t.Fatalf("row %s status = %s, want %s", r.Name, r.Status, want[r.Name])
		}
	}
	if !reflect.DeepEqual(f.notifier.statuses, []store.Status{store.StatusFailed}) {
		t.Fatalf("notifications = %v", f.notifier.statuses)
	}
	if !reflect.DeepEqual(f.syncer.runs, []string{runID}) {
		t.Fatalf("synced runs = %v", f.syncer.runs)
	}
}

func TestAbortMissingCopy(t *testing.T) {
	f := newFixture(t)
	if err := f.orch.Abort(context.Background(), CopyTask{CopyID: "nope"}, errors.New("boom")); err != nil {
		t.Fatalf("Abort() error = %v", err)
	}
}

func TestRunCancelledDuringDumpStillFailsCopy(t *testing.T) {
	f := newFixture(t)
	runID := "run-3"
	c := newCopy()
	c.RunID = &runID
	c = f.createCopy(t, c)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.invoker.cancelDump = cancel

	if err := f.orch.Run(ctx, defaultTask(c.ID)); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	got, _ := f.reload(t, c.ID)
	if got.Status != store.StatusFailed || got.FinishedAt == nil || got.LastError == nil {
		t.Fatalf("copy = status %s finished %v error %v, want failed with finished_at", got.Status, got.FinishedAt, got.LastError)
	}
	if !reflect.DeepEqual(f.syncer.runs, []string{runID}) {
		t.Fatalf("synced runs = %v, want [%s]", f.syncer.runs, runID)
	}
	for _, err := range f.syncer.errs {
		if err != nil {
			t.Fatalf("run synced with a cancelled context: %v", err)
		}
	}
	if want := []store.Status{store.StatusRunning, store.StatusFailed}; !reflect.DeepEqual(f.notifier.statuses, want) {
		t.Fatalf("notifications = %v, want %v", f.notifier.statuses, want)
	}
}

func TestAbortWithCancelledContext(t *testing.T) {
	f := newFixture(t)
	c := newCopy()
	c.Status = store.StatusRunning
	c = f.createCopy(t, c)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := f.orch.Abort(ctx, defaultTask(c.ID), context.Canceled); err != nil {
		t.Fatalf("Abort() error = %v", err)
	}
	got, _ := f.reload(t, c.ID)
	if got.Status != store.StatusFailed || got.FinishedAt == nil {
		t.Fatalf("copy = status %s finished %v, want failed", got.Status, got.FinishedAt)
	}
}

func TestRunChunkedTablesCountSizeOnce(t *testing.T) {
	f := newFixture(t)
	f.invoker.chunks = 3
	c := f.createCopy(t, newCopy())

	if err := f.orch.Run(context.Background(), defaultTask(c.ID)); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	got, rows := f.reload(t, c.ID)
	if got.Status != store.StatusSucceeded {
		t.Fatalf("status = %s, want succeeded (last_error %v)", got.Status, got.LastError)
	}
	if len(rows) != 6 {
		t.Fatalf("rows = %d, want one per chunk", len(rows))
	}
	// orders (500 bytes) completes at 33%, users (1000 bytes) at the 99% cap.
	if want := []int{0, 33, 99, 100}; !reflect.DeepEqual(f.store.progress, want) {
		t.Fatalf("progress = %v, want %v", f.store.progress, want)
	}
}
