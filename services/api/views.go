package api

import (
	"time"

	"dbcopier/services/store"
)

// isoFormat renders timestamps as 2024-05-01T10:00:00+00:00.
const isoFormat = "2006-01-02T15:04:05-07:00"

func iso(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(isoFormat)
	return &s
}

func isoValue(t time.Time) *string {
	if t.IsZero() {
		return nil
	}
	return iso(&t)
}

type durationView struct {
	Seconds      *int64  `json:"duration_seconds"`
	Milliseconds *int64  `json:"duration_milliseconds"`
	Human        *string `json:"duration_human"`
}

func durationOf(start, finish *time.Time, now time.Time) durationView {
	d, ok := store.Elapsed(start, finish, now)
	if !ok {
		return durationView{}
	}
	secs := int64(d / time.Second)
	ms := d.Milliseconds()
	human := store.HumanDuration(d)
	return durationView{Seconds: &secs, Milliseconds: &ms, Human: &human}
}

type copyView struct {
	ID               string       `json:"id"`
	Status           store.Status `json:"status"`
	Progress         *int         `json:"progress"`
	SourceConnection string       `json:"source_connection"`
	SourceDatabase   string       `json:"source_db"`
	DestConnection   string       `json:"dest_connection"`
	DestDatabase     string       `json:"dest_db"`
	TotalSourceSize  *int64       `json:"total_source_size"`
	CallbackURL      string       `json:"callback_url"`
	StartedAt        *string      `json:"started_at"`
	FinishedAt       *string      `json:"finished_at"`
	durationView
	LastError       *string `json:"last_error"`
	CreatedByUserID int64   `json:"created_by_user_id"`
	RunID           *string `json:"db_copy_run_id"`
	CreatedAt       *string `json:"created_at"`
	UpdatedAt       *string `json:"updated_at"`
}

func viewCopy(c store.Copy, now time.Time) copyView {
	return copyView{
		ID:               c.ID,
		Status:           c.Status,
		Progress:         c.Progress,
		SourceConnection: c.SourceConnection,
		SourceDatabase:   c.SourceDatabase,
		DestConnection:   c.DestConnection,
		DestDatabase:     c.DestDatabase,
		TotalSourceSize:  c.TotalSourceSize,
		CallbackURL:      c.CallbackURL,
		StartedAt:        iso(c.StartedAt),
		FinishedAt:       iso(c.FinishedAt),
		durationView:     durationOf(c.StartedAt, c.FinishedAt, now),
		LastError:        c.LastError,
		CreatedByUserID:  c.CreatedByUserID,
		RunID:            c.RunID,
		CreatedAt:        isoValue(c.CreatedAt),
		UpdatedAt:        isoValue(c.UpdatedAt),
	}
}

type rowView struct {
	ID             int64           `json:"id"`
	Name           string          `json:"name"`
	DumpFilePath   string          `json:"dump_file_path"`
	Status         store.RowStatus `json:"status"`
	ErrorMessage   *string         `json:"error_message"`
	SourceRowCount *int64          `json:"source_row_count"`
	DestRowCount   *int64          `json:"dest_row_count"`
	SourceSize     *int64          `json:"source_size"`
	DestSize       *int64          `json:"dest_size"`
	CreatedAt      *string         `json:"created_at"`
	UpdatedAt      *string         `json:"updated_at"`
}

func viewRow(r store.Row) rowView {
	return rowView{
		ID:             r.ID,
		Name:           r.Name,
		DumpFilePath:   r.DumpFilePath,
		Status:         r.Status,
		ErrorMessage:   r.ErrorMessage,
		SourceRowCount: r.SourceRowCount,
		DestRowCount:   r.DestRowCount,
		SourceSize:     r.SourceSize,
		DestSize:       r.DestSize,
		CreatedAt:      isoValue(r.CreatedAt),
		UpdatedAt:      isoValue(r.UpdatedAt),
	}
}

type runView struct {
	ID                      string       `json:"id"`
	Status                  store.Status `json:"status"`
	SourceSystemConnection  string       `json:"source_system_db_connection"`
	SourceSystemDatabase    string       `json:"source_system_db_name"`
	SourceAdminConnection   string       `json:"source_admin_app_connection"`
	SourceAdminDatabase     string       `json:"source_admin_app_name"`
	SourceClusterConnection string       `json:"source_db_connection"`
	DestConnections         []string     `json:"dest_db_connections"`
	CreateDestOnCloud       bool         `json:"create_dest_db_on_laravel_cloud"`
	StartedAt               *string      `json:"started_at"`
	FinishedAt              *string      `json:"finished_at"`
	durationView
	CopiesCount     *int    `json:"copies_count,omitempty"`
	CreatedByUserID *int64  `json:"created_by_user_id"`
	CreatedAt       *string `json:"created_at"`
	UpdatedAt       *string `json:"updated_at"`
}

func viewRun(r store.Run, now time.Time) runView {
	return runView{
		ID:                      r.ID,
		Status:                  r.Status,
		SourceSystemConnection:  r.SourceSystemConnection,
		SourceSystemDatabase:    r.SourceSystemDatabase,
		SourceAdminConnection:   r.SourceAdminConnection,
		SourceAdminDatabase:     r.SourceAdminDatabase,
		SourceClusterConnection: r.SourceClusterConnection,
		DestConnections:         r.DestConnections,
		CreateDestOnCloud:       r.CreateDestOnCloud,
		StartedAt:               iso(r.StartedAt),
		FinishedAt:              iso(r.FinishedAt),
		durationView:            durationOf(r.StartedAt, r.FinishedAt, now),
		CreatedByUserID:         r.CreatedByUserID,
		CreatedAt:               isoValue(r.CreatedAt),
		UpdatedAt:               isoValue(r.UpdatedAt),
	}
}
