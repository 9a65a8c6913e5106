package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Repository for tests and local dry runs.
type Memory struct {
	mu      sync.Mutex
	copies  map[string]Copy
	rows    map[int64]Row
	runs    map[string]Run
	nextRow int64
	seq     int64
	order   map[string]int64
	keys    map[string]APIKey
	now     func() time.Time
}

var _ Repository = (*Memory)(nil)

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{
		copies: make(map[string]Copy),
		rows:   make(map[int64]Row),
		runs:   make(map[string]Run),
		order:  make(map[string]int64),
		keys:   make(map[string]APIKey),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (m *Memory) stamp(id string) {
	if _, ok := m.order[id]; !ok {
		m.seq++
		m.order[id] = m.seq
	}
}

func (m *Memory) CreateCopy(_ context.Context, c *Copy) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if _, ok := m.copies[c.ID]; ok {
		return fmt.Errorf("copy %s already exists", c.ID)
	}
	if c.Status == "" {
		c.Status = StatusQueued
	}
	now := m.now()
	c.CreatedAt, c.UpdatedAt = now, now
	m.copies[c.ID] = *c
	m.stamp(c.ID)
	return nil
}

func (m *Memory) GetCopy(_ context.Context, id string) (Copy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.copies[id]
	if !ok {
		return Copy{}, fmt.Errorf("copy %s: %w", id, ErrNotFound)
	}
	return c, nil
}

func (m *Memory) SaveCopy(_ context.Context, c *Copy) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.copies[c.ID]; !ok {
		return fmt.Errorf("copy %s: %w", c.ID, ErrNotFound)
	}
	c.UpdatedAt = m.now()
	m.copies[c.ID] = *c
	return nil
}

func (m *Memory) ListCopies(_ context.Context, userID int64, page Page) ([]Copy, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var all []Copy
	for _, c := range m.copies {
		if c.CreatedByUserID == userID {
			all = append(all, c)
		}
	}
	sort.Slice(all, func(i, j int) bool { return m.order[all[i].ID] > m.order[all[j].ID] })
	return paginate(all, page), int64(len(all)), nil
}

func (m *Memory) ListRunCopies(_ context.Context, runID string, userID *int64) ([]Copy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Copy
	for _, c := range m.copies {
		if c.RunID == nil || *c.RunID != runID {
			continue
		}
		if userID != nil && c.CreatedByUserID != *userID {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return m.order[out[i].ID] < m.order[out[j].ID] })
	return out, nil
}

func (m *Memory) CopyStatuses(_ context.Context, runID string) ([]Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[Status]bool)
	var out []Status
	for _, c := range m.copies {
		if c.RunID == nil || *c.RunID != runID || seen[c.Status] {
			continue
		}
		seen[c.Status] = true
		out = append(out, c.Status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (m *Memory) CreateRow(_ context.Context, r *Row) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.copies[r.CopyID]; !ok {
		return fmt.Errorf("copy %s: %w", r.CopyID, ErrNotFound)
	}
	m.nextRow++
	r.ID = m.nextRow
	if r.Status == "" {
		r.Status = RowDumped
	}
	now := m.now()
	r.CreatedAt, r.UpdatedAt = now, now
	m.rows[r.ID] = *r
	return nil
}

func (m *Memory) ListRows(_ context.Context, copyID string) ([]Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Row
	for _, r := range m.rows {
		if r.CopyID == copyID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) SaveRow(_ context.Context, r *Row) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rows[r.ID]; !ok {
		return fmt.Errorf("row %d: %w", r.ID, ErrNotFound)
	}
	r.UpdatedAt = m.now()
	m.rows[r.ID] = *r
	return nil
}

func (m *Memory) FailUnfinishedRows(_ context.Context, copyID, message string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for id, r := range m.rows {
		if r.CopyID != copyID || r.Status != RowDumped {
			continue
		}
		msg := message
		r.Status = RowFailed
		r.ErrorMessage = &msg
		r.UpdatedAt = m.now()
		m.rows[id] = r
		n++
	}
	return n, nil
}

func (m *Memory) UsedSize(_ context.Context, connection string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var used int64
	for _, r := range m.rows {
		c, ok := m.copies[r.CopyID]
		if !ok || c.DestConnection != connection {
			continue
		}
		switch {
		case r.DestSize != nil:
			used += *r.DestSize
		case r.SourceSize != nil:
			used += *r.SourceSize
		}
	}
	return used, nil
}

func (m *Memory) CreateRun(_ context.Context, r *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Status == "" {
		r.Status = StatusQueued
	}
	now := m.now()
	r.CreatedAt, r.UpdatedAt = now, now
	r.DestConnections = append([]string(nil), r.DestConnections...)
	m.runs[r.ID] = *r
	m.stamp(r.ID)
	return nil
}

func (m *Memory) GetRun(_ context.Context, id string) (Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.runs[id]
	if !ok {
		return Run{}, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return r, nil
}

func (m *Memory) SaveRun(_ context.Context, r *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.runs[r.ID]; !ok {
		return fmt.Errorf("run %s: %w", r.ID, ErrNotFound)
	}
	r.UpdatedAt = m.now()
	m.runs[r.ID] = *r
	return nil
}

func (m *Memory) ListRuns(_ context.Context, userID int64, page Page) ([]Run, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var all []Run
	for _, r := range m.runs {
		if r.CreatedByUserID != nil && *r.CreatedByUserID == userID {
			all = append(all, r)
		}
	}
	sort.Slice(all, func(i, j int) bool { return m.order[all[i].ID] > m.order[all[j].ID] })
	return paginate(all, page), int64(len(all)), nil
}

func paginate[T any](all []T, page Page) []T {
	page = page.normalize()
	start := page.offset()
	if start >= len(all) {
		return []T{}
	}
	end := start + page.PerPage
	if end > len(all) {
		end = len(all)
	}
	return all[start:end]
}
