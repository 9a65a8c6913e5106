// Package store persists copies, their per-table rows and the runs that
// group them.
package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// Status is the lifecycle state shared by copies and runs.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// RowStatus is the state of one table within a copy.
type RowStatus string

const (
	RowDumped   RowStatus = "dumped"
	RowImported RowStatus = "imported"
	RowVerified RowStatus = "verified"
	RowFailed   RowStatus = "failed"
)

// Copy is one source database to destination database migration.
type Copy struct {
	ID               string     `json:"id"`
	Status           Status     `json:"status"`
	Progress         *int       `json:"progress"`
	SourceConnection string     `json:"source_connection"`
	SourceDatabase   string     `json:"source_db"`
	DestConnection   string     `json:"dest_connection"`
	DestDatabase     string     `json:"dest_db"`
	DestResolvedAt   *time.Time `json:"-"`
	TotalSourceSize  *int64     `json:"total_source_size"`
	CallbackURL      string     `json:"callback_url"`
	StartedAt        *time.Time `json:"started_at"`
	FinishedAt       *time.Time `json:"finished_at"`
	LastError        *string    `json:"last_error"`
	CreatedByUserID  int64      `json:"created_by_user_id"`
	RunID            *string    `json:"db_copy_run_id"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Row tracks one dumped table of a copy.
type Row struct {
	ID             int64     `json:"id"`
	CopyID         string    `json:"db_copy_id"`
	Name           string    `json:"name"`
	DumpFilePath   string    `json:"dump_file_path"`
	Status         RowStatus `json:"status"`
	ErrorMessage   *string   `json:"error_message"`
	SourceRowCount *int64    `json:"source_row_count"`
	DestRowCount   *int64    `json:"dest_row_count"`
	SourceSize     *int64    `json:"source_size"`
	DestSize       *int64    `json:"dest_size"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Run groups the copies produced by one multi-database migration request.
type Run struct {
	ID                      string     `json:"id"`
	Status                  Status     `json:"status"`
	SourceSystemConnection  string     `json:"source_system_db_connection"`
	SourceSystemDatabase    string     `json:"source_system_db_name"`
	SourceAdminConnection   string     `json:"source_admin_app_connection"`
	SourceAdminDatabase     string     `json:"source_admin_app_name"`
	SourceClusterConnection string     `json:"source_db_connection"`
	DestConnections         []string   `json:"dest_db_connections"`
	CreateDestOnCloud       bool       `json:"create_dest_db_on_laravel_cloud"`
	StartedAt               *time.Time `json:"started_at"`
	FinishedAt              *time.Time `json:"finished_at"`
	CreatedByUserID         *int64     `json:"created_by_user_id"`
	CreatedAt               time.Time  `json:"created_at"`
	UpdatedAt               time.Time  `json:"updated_at"`
}

// Page selects a slice of a listing. Page numbers start at 1.
type Page struct {
	Number  int
	PerPage int
}

// DefaultPerPage is the listing page size used by the request boundary.
const DefaultPerPage = 20

func (p Page) normalize() Page {
	if p.Number < 1 {
		p.Number = 1
	}
	if p.PerPage < 1 {
		p.PerPage = DefaultPerPage
	}
	return p
}

func (p Page) offset() int {
	p = p.normalize()
	return (p.Number - 1) * p.PerPage
}
