package copier

import (
	"context"
	"fmt"
	"strings"

	"dbcopier/pkg/connections"
	"dbcopier/pkg/copyerr"
)

// UsageReader reports historical byte usage per destination connection.
type UsageReader interface {
	UsedSize(ctx context.Context, connection string) (int64, error)
}

// ConnectionResolver validates connection names.
type ConnectionResolver interface {
	Resolve(name string) (connections.Connection, error)
}

// Selector picks the destination with the least used size. Usage is read
// fresh on every call with no reservation, so two copies selecting at the
// same moment may both pick the same destination.
type Selector struct {
	usage UsageReader
	conns ConnectionResolver
}

// NewSelector returns a Selector reading usage and validating names.
func NewSelector(usage UsageReader, conns ConnectionResolver) *Selector {
	return &Selector{usage: usage, conns: conns}
}

// Candidates trims names and drops blanks and duplicates, keeping the first
// occurrence of each.
func Candidates(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

// Select returns the candidate with the minimum used size. Ties go to the
// earliest candidate.
func (s *Selector) Select(ctx context.Context, names []string) (string, error) {
	candidates := Candidates(names)
	if len(candidates) == 0 {
		return "", copyerr.New(copyerr.Selection, "destination connection list is empty")
	}

	selected := ""
	var smallest int64
	for _, name := range candidates {
		conn, err := s.conns.Resolve(name)
		if err != nil {
			return "", err
		}
		if conn.Driver != connections.DriverMySQL {
			return "", copyerr.New(copyerr.Configuration, "destination connection [%s] must use mysql", name)
		}

		used, err := s.usage.UsedSize(ctx, name)
		if err != nil {
			return "", fmt.Errorf("destination usage: %w", err)
		}
		if selected == "" || used < smallest {
			selected = name
			smallest = used
		}
	}

	if selected == "" {
		return "", copyerr.New(copyerr.Selection, "could not resolve destination connection")
	}
	return selected, nil
}
