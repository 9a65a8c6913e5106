package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"dbcopier/pkg/bus"
	"dbcopier/pkg/connections"
	"dbcopier/services/copier"
	"dbcopier/services/runs"
	"dbcopier/services/store"
)

type fakeQueue struct {
	tasks []bus.Task
	err   error
}

func (q *fakeQueue) Enqueue(_ context.Context, t bus.Task) error {
	if q.err != nil {
		return q.err
	}
	q.tasks = append(q.tasks, t)
	return nil
}

func (q *fakeQueue) EnqueueChain(_ context.Context, tasks []bus.Task) error {
	if q.err != nil {
		return q.err
	}
	q.tasks = append(q.tasks, tasks...)
	return nil
}

type fakeSchemas struct{}

func (fakeSchemas) Key(copyID string) string { return "db-copies/" + copyID + "/schema.sql.zst" }

func (fakeSchemas) PresignGet(_ context.Context, key string, _ time.Duration) (string, error) {
	return "https://bucket.example/" + key + "?sig=1", nil
}

type fixture struct {
	handler http.Handler
	mem     *store.Memory
	queue   *fakeQueue
	token   string
	other   string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := store.NewMemory()
	queue := &fakeQueue{}
	reg := connections.NewRegistry(map[string]connections.Connection{
		"source": {Driver: connections.DriverMySQL},
		"dest_a": {Driver: connections.DriverMySQL},
		"dest_b": {Driver: connections.DriverMySQL},
	}, nil)

	a, err := New(Deps{
		Store:       mem,
		Keys:        mem,
		Queue:       queue,
		Connections: reg,
		Schemas:     fakeSchemas{},
		Logger:      zerolog.Nop(),
	}, Config{DefaultThreads: 8, RateLimit: 1000})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	h, err := a.Routes()
	if err != nil {
		t.Fatalf("Routes() error = %v", err)
	}

	_, token, err := mem.CreateAPIKey(context.Background(), 1, "owner")
	if err != nil {
		t.Fatalf("CreateAPIKey() error = %v", err)
	}
	_, other, err := mem.CreateAPIKey(context.Background(), 2, "other")
	if err != nil {
		t.Fatalf("CreateAPIKey() error = %v", err)
	}
	return &fixture{handler: h, mem: mem, queue: queue, token: token, other: other}
}

func (f *fixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, dest any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dest); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func validCopyRequest() map[string]any {
	return map[string]any{
		"source":       map[string]string{"connection": "source", "database": "app"},
		"destination":  map[string]string{"connection": "dest_a", "database": "app_copy"},
		"callback_url": "https://hooks.example/copies",
	}
}

func TestCreateCopyEnqueuesTask(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/db-copies", f.token, validCopyRequest())
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	decode(t, rec, &resp)
	if resp.ID == "" || resp.Status != "queued" {
		t.Fatalf("response = %+v", resp)
	}

	if len(f.queue.tasks) != 1 || f.queue.tasks[0].Kind != copier.TaskKind {
		t.Fatalf("queued tasks = %+v", f.queue.tasks)
	}
	var task copier.CopyTask
	if err := f.queue.tasks[0].Decode(&task); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if task.CopyID != resp.ID || task.Threads != 8 || !task.RecreateDestination {
		t.Fatalf("task = %+v", task)
	}
	if len(task.DestConnections) != 1 || task.DestConnections[0] != "dest_a" {
		t.Fatalf("dest connections = %v", task.DestConnections)
	}

	c, err := f.mem.GetCopy(context.Background(), resp.ID)
	if err != nil {
		t.Fatalf("GetCopy() error = %v", err)
	}
	if c.CreatedByUserID != 1 || c.CallbackURL != "https://hooks.example/copies" {
		t.Fatalf("copy = %+v", c)
	}
}

func TestCreateCopyValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(map[string]any)
		field  string
	}{
		{name: "unknown source", field: "source.connection", mutate: func(m map[string]any) {
			m["source"] = map[string]string{"connection": "nope", "database": "app"}
		}},
		{name: "bad database name", field: "destination.database", mutate: func(m map[string]any) {
			m["destination"] = map[string]string{"connection": "dest_a", "database": "app-copy;"}
		}},
		{name: "threads too high", field: "threads", mutate: func(m map[string]any) { m["threads"] = 65 }},
		{name: "threads too low", field: "threads", mutate: func(m map[string]any) { m["threads"] = 0 }},
		{name: "missing callback", field: "callback_url", mutate: func(m map[string]any) { delete(m, "callback_url") }},
		{name: "invalid callback", field: "callback_url", mutate: func(m map[string]any) { m["callback_url"] = "not a url" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			body := validCopyRequest()
			tt.mutate(body)

			rec := f.do(t, http.MethodPost, "/v1/db-copies", f.token, body)
			if rec.Code != http.StatusUnprocessableEntity {
				t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
			}
			var resp struct {
				Message string              `json:"message"`
				Errors  map[string][]string `json:"errors"`
			}
			decode(t, rec, &resp)
			if len(resp.Errors[tt.field]) == 0 || resp.Message == "" {
				t.Fatalf("errors = %v, want %s", resp.Errors, tt.field)
			}
			if len(f.queue.tasks) != 0 {
				t.Fatalf("invalid request enqueued %d tasks", len(f.queue.tasks))
			}
		})
	}
}

func TestCreateCopyEnqueueFailureFailsCopy(t *testing.T) {
	f := newFixture(t)
	f.queue.err = errors.New("no responders")

	rec := f.do(t, http.MethodPost, "/v1/db-copies", f.token, validCopyRequest())
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
	copies, _, err := f.mem.ListCopies(context.Background(), 1, store.Page{})
	if err != nil || len(copies) != 1 {
		t.Fatalf("ListCopies() = %v, %v", copies, err)
	}
	if copies[0].Status != store.StatusFailed || copies[0].LastError == nil || copies[0].FinishedAt == nil {
		t.Fatalf("copy = %+v, want failed with last_error", copies[0])
	}
}

func TestAuthentication(t *testing.T) {
	f := newFixture(t)
	for _, token := range []string{"", "dbc_wrong"} {
		rec := f.do(t, http.MethodGet, "/v1/db-copies", token, nil)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("token %q: status = %d, want 401", token, rec.Code)
		}
	}
	if rec := f.do(t, http.MethodGet, "/healthz", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("healthz status = %d", rec.Code)
	}
}

func TestGetCopyOwnership(t *testing.T) {
	f := newFixture(t)
	started := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	finished := started.Add(2*time.Minute + 3*time.Second)
	c := store.Copy{
		Status:          store.StatusSucceeded,
		SourceDatabase:  "app",
		DestDatabase:    "app_copy",
		StartedAt:       &started,
		FinishedAt:      &finished,
		CreatedByUserID: 1,
	}
	if err := f.mem.CreateCopy(context.Background(), &c); err != nil {
		t.Fatalf("CreateCopy() error = %v", err)
	}

	if rec := f.do(t, http.MethodGet, "/v1/db-copies/"+c.ID, f.other, nil); rec.Code != http.StatusForbidden {
		t.Fatalf("other user status = %d, want 403", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/v1/db-copies/missing", f.token, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("missing copy status = %d, want 404", rec.Code)
	}

	rec := f.do(t, http.MethodGet, "/v1/db-copies/"+c.ID, f.token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	var view map[string]any
	decode(t, rec, &view)
	if view["started_at"] != "2024-05-01T10:00:00+00:00" {
		t.Fatalf("started_at = %v", view["started_at"])
	}
	if view["duration_human"] != "2m 3s" || view["duration_seconds"] != float64(123) {
		t.Fatalf("duration = %v / %v", view["duration_human"], view["duration_seconds"])
	}
	if view["last_error"] != nil {
		t.Fatalf("last_error = %v, want null", view["last_error"])
	}
}

func TestCopyRowsSortedByName(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := store.Copy{CreatedByUserID: 1}
	if err := f.mem.CreateCopy(ctx, &c); err != nil {
		t.Fatalf("CreateCopy() error = %v", err)
	}
	for _, name := range []string{"users", "accounts", "orders"} {
		row := store.Row{CopyID: c.ID, Name: name}
		if err := f.mem.CreateRow(ctx, &row); err != nil {
			t.Fatalf("CreateRow() error = %v", err)
		}
	}

	rec := f.do(t, http.MethodGet, "/v1/db-copies/"+c.ID+"/rows", f.token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		Data []struct {
			Name string `json:"name"`
		} `json:"data"`
	}
	decode(t, rec, &resp)
	var names []string
	for _, r := range resp.Data {
		names = append(names, r.Name)
	}
	if strings.Join(names, ",") != "accounts,orders,users" {
		t.Fatalf("rows = %v", names)
	}
}

func TestCopySchemaLink(t *testing.T) {
	f := newFixture(t)
	c := store.Copy{CreatedByUserID: 1}
	if err := f.mem.CreateCopy(context.Background(), &c); err != nil {
		t.Fatalf("CreateCopy() error = %v", err)
	}

	rec := f.do(t, http.MethodGet, "/v1/db-copies/"+c.ID+"/schema", f.token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp map[string]string
	decode(t, rec, &resp)
	if !strings.Contains(resp["url"], "db-copies/"+c.ID+"/schema.sql.zst") {
		t.Fatalf("url = %s", resp["url"])
	}
}

func TestListCopiesPaginates(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 25; i++ {
		c := store.Copy{CreatedByUserID: 1}
		if err := f.mem.CreateCopy(context.Background(), &c); err != nil {
			t.Fatalf("CreateCopy() error = %v", err)
		}
	}
	other := store.Copy{CreatedByUserID: 2}
	if err := f.mem.CreateCopy(context.Background(), &other); err != nil {
		t.Fatalf("CreateCopy() error = %v", err)
	}

	rec := f.do(t, http.MethodGet, "/v1/db-copies?page=2", f.token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		Data []copyView `json:"data"`
		Meta pageMeta   `json:"meta"`
	}
	decode(t, rec, &resp)
	if len(resp.Data) != 5 || resp.Meta.Total != 25 || resp.Meta.LastPage != 2 || resp.Meta.CurrentPage != 2 {
		t.Fatalf("page = %d items, meta %+v", len(resp.Data), resp.Meta)
	}
}

func validRunRequest() map[string]any {
	return map[string]any{
		"source_system_db_connection": "source",
		"source_system_db_name":       "system",
		"source_admin_app_connection": "source",
		"source_admin_app_name":       "admin",
		"source_db_connection":        "source",
		"dest_db_connections":         []string{"dest_a", "dest_b"},
		"threads":                     4,
		"createDestDbOnLaravelCloud":  true,
	}
}

func TestCreateRunEnqueuesDispatch(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/db-copy-runs", f.token, validRunRequest())
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		ID string `json:"id"`
	}
	decode(t, rec, &resp)

	if len(f.queue.tasks) != 1 || f.queue.tasks[0].Kind != runs.TaskDispatch {
		t.Fatalf("queued tasks = %+v", f.queue.tasks)
	}
	var task runs.DispatchTask
	if err := f.queue.tasks[0].Decode(&task); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if task.RunID != resp.ID || task.Threads != 4 || !task.RecreateDestination || task.CreatedByUserID != 1 {
		t.Fatalf("task = %+v", task)
	}

	run, err := f.mem.GetRun(context.Background(), resp.ID)
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	if !run.CreateDestOnCloud || run.Status != store.StatusQueued || len(run.DestConnections) != 2 {
		t.Fatalf("run = %+v", run)
	}
}

func TestCreateRunRejectsDuplicateDestinations(t *testing.T) {
	f := newFixture(t)
	body := validRunRequest()
	body["dest_db_connections"] = []string{"dest_a", "dest_a"}

	rec := f.do(t, http.MethodPost, "/v1/db-copy-runs", f.token, body)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		Errors map[string][]string `json:"errors"`
	}
	decode(t, rec, &resp)
	if len(resp.Errors["dest_db_connections.1"]) == 0 {
		t.Fatalf("errors = %v", resp.Errors)
	}

	body["dest_db_connections"] = []string{}
	if rec := f.do(t, http.MethodPost, "/v1/db-copy-runs", f.token, body); rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("empty destinations status = %d", rec.Code)
	}
}

func TestGetRunShowsCallerCopies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := int64(1)
	run := store.Run{DestConnections: []string{"dest_a"}, CreatedByUserID: &owner}
	if err := f.mem.CreateRun(ctx, &run); err != nil {
		t.Fatalf("CreateRun() error = %v", err)
	}
	for _, user := range []int64{1, 1, 2} {
		c := store.Copy{RunID: &run.ID, CreatedByUserID: user}
		if err := f.mem.CreateCopy(ctx, &c); err != nil {
			t.Fatalf("CreateCopy() error = %v", err)
		}
	}

	if rec := f.do(t, http.MethodGet, "/v1/db-copy-runs/"+run.ID, f.other, nil); rec.Code != http.StatusForbidden {
		t.Fatalf("other user status = %d, want 403", rec.Code)
	}

	rec := f.do(t, http.MethodGet, "/v1/db-copy-runs/"+run.ID, f.token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		Run    runView    `json:"run"`
		Copies []copyView `json:"copies"`
	}
	decode(t, rec, &resp)
	if resp.Run.ID != run.ID || len(resp.Copies) != 2 {
		t.Fatalf("run %s with %d copies", resp.Run.ID, len(resp.Copies))
	}

	rec = f.do(t, http.MethodGet, "/v1/db-copy-runs", f.token, nil)
	var list struct {
		Data []runView `json:"data"`
	}
	decode(t, rec, &list)
	if len(list.Data) != 1 || list.Data[0].CopiesCount == nil || *list.Data[0].CopiesCount != 2 {
		t.Fatalf("runs = %+v", list.Data)
	}
}
