package api

import (
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"
)

var databaseName = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// ValidationErrors maps a request field to its messages.
type ValidationErrors map[string][]string

func (v ValidationErrors) add(field, format string, args ...any) {
	v[field] = append(v[field], fmt.Sprintf(format, args...))
}

// Error returns the first message, noting how many more there are.
func (v ValidationErrors) Error() string {
	if len(v) == 0 {
		return ""
	}
	fields := make([]string, 0, len(v))
	total := 0
	for f, msgs := range v {
		fields = append(fields, f)
		total += len(msgs)
	}
	sort.Strings(fields)
	first := v[fields[0]][0]
	switch rest := total - 1; rest {
	case 0:
		return first
	case 1:
		return first + " (and 1 more error)"
	default:
		return fmt.Sprintf("%s (and %d more errors)", first, rest)
	}
}

func label(field string) string {
	return strings.ReplaceAll(field, "_", " ")
}

type validator struct {
	errs  ValidationErrors
	conns Allowlist
}

func newValidator(conns Allowlist) *validator {
	return &validator{errs: ValidationErrors{}, conns: conns}
}

func (v *validator) connection(field, value string) {
	switch {
	case strings.TrimSpace(value) == "":
		v.errs.add(field, "The %s field is required.", label(field))
	case !v.conns.Has(value):
		v.errs.add(field, "The selected %s is invalid.", label(field))
	}
}

func (v *validator) database(field, value string) {
	switch {
	case strings.TrimSpace(value) == "":
		v.errs.add(field, "The %s field is required.", label(field))
	case !databaseName.MatchString(value):
		v.errs.add(field, "The %s field format is invalid.", label(field))
	}
}

func (v *validator) threads(value *int) {
	if value == nil {
		return
	}
	switch {
	case *value < 1:
		v.errs.add("threads", "The threads field must be at least 1.")
	case *value > 64:
		v.errs.add("threads", "The threads field must not be greater than 64.")
	}
}

func (v *validator) url(field, value string) {
	if strings.TrimSpace(value) == "" {
		v.errs.add(field, "The %s field is required.", label(field))
		return
	}
	u, err := url.Parse(value)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		v.errs.add(field, "The %s field must be a valid URL.", label(field))
	}
}

func (v *validator) result() ValidationErrors {
	if len(v.errs) == 0 {
		return nil
	}
	return v.errs
}

// Endpoint names a connection and a database on it.
type Endpoint struct {
	Connection string `json:"connection"`
	Database   string `json:"database"`
}

// CopyRequest asks for one database copy.
type CopyRequest struct {
	Source              Endpoint `json:"source"`
	Destination         Endpoint `json:"destination"`
	Threads             *int     `json:"threads"`
	RecreateDestination *bool    `json:"recreateDestination"`
	CallbackURL         string   `json:"callback_url"`
}

// Validate checks req against the configured connections.
func (req CopyRequest) Validate(conns Allowlist) ValidationErrors {
	v := newValidator(conns)
	v.connection("source.connection", req.Source.Connection)
	v.database("source.database", req.Source.Database)
	v.connection("destination.connection", req.Destination.Connection)
	v.database("destination.database", req.Destination.Database)
	v.threads(req.Threads)
	v.url("callback_url", req.CallbackURL)
	return v.result()
}

// RunRequest asks for a multi-database run.
type RunRequest struct {
	SourceSystemConnection  string   `json:"source_system_db_connection"`
	SourceSystemDatabase    string   `json:"source_system_db_name"`
	SourceAdminConnection   string   `json:"source_admin_app_connection"`
	SourceAdminDatabase     string   `json:"source_admin_app_name"`
	SourceClusterConnection string   `json:"source_db_connection"`
	DestConnections         []string `json:"dest_db_connections"`
	Threads                 *int     `json:"threads"`
	RecreateDestination     *bool    `json:"recreateDestination"`
	CreateDestOnCloud       *bool    `json:"createDestDbOnLaravelCloud"`
}

// Validate checks req against the configured connections. Destination
// connections must be present, allow-listed and distinct.
func (req RunRequest) Validate(conns Allowlist) ValidationErrors {
	v := newValidator(conns)
	v.connection("source_system_db_connection", req.SourceSystemConnection)
	v.database("source_system_db_name", req.SourceSystemDatabase)
	v.connection("source_admin_app_connection", req.SourceAdminConnection)
	v.database("source_admin_app_name", req.SourceAdminDatabase)
	v.connection("source_db_connection", req.SourceClusterConnection)

	if len(req.DestConnections) == 0 {
		v.errs.add("dest_db_connections", "The dest db connections field is required.")
	}
	counts := make(map[string]int, len(req.DestConnections))
	for _, name := range req.DestConnections {
		counts[name]++
	}
	for i, name := range req.DestConnections {
		field := fmt.Sprintf("dest_db_connections.%d", i)
		v.connection(field, name)
		if name != "" && counts[name] > 1 {
			v.errs.add(field, "The %s field has a duplicate value.", label(field))
		}
	}
	v.threads(req.Threads)
	return v.result()
}
