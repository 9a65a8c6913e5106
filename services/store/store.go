package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/gorm"

	"dbcopier/pkg/db"
)

// Repository is every query and update the copier, the run orchestrator and
// the request boundary issue against persisted state.
type Repository interface {
	CreateCopy(ctx context.Context, c *Copy) error
	GetCopy(ctx context.Context, id string) (Copy, error)
	SaveCopy(ctx context.Context, c *Copy) error
	ListCopies(ctx context.Context, userID int64, page Page) ([]Copy, int64, error)
	ListRunCopies(ctx context.Context, runID string, userID *int64) ([]Copy, error)
	CopyStatuses(ctx context.Context, runID string) ([]Status, error)

	CreateRow(ctx context.Context, r *Row) error
	ListRows(ctx context.Context, copyID string) ([]Row, error)
	SaveRow(ctx context.Context, r *Row) error
	FailUnfinishedRows(ctx context.Context, copyID, message string) (int64, error)
	UsedSize(ctx context.Context, connection string) (int64, error)

	CreateRun(ctx context.Context, r *Run) error
	GetRun(ctx context.Context, id string) (Run, error)
	SaveRun(ctx context.Context, r *Run) error
	ListRuns(ctx context.Context, userID int64, page Page) ([]Run, int64, error)
}

// Store is the Postgres Repository. Record-level reads and writes go through
// GORM; aggregates use pgx directly.
type Store struct {
	DB  *pgxpool.Pool
	ORM *gorm.DB
}

var _ Repository = (*Store)(nil)

// NewStore validates both handles.
func NewStore(pool *pgxpool.Pool, orm *gorm.DB) (*Store, error) {
	if pool == nil {
		return nil, errors.New("db pool is required")
	}
	if orm == nil {
		return nil, errors.New("orm is required")
	}
	return &Store{DB: pool, ORM: orm}, nil
}

// Open connects to the control-plane database at dsn. closeFn releases the
// pool and the ORM.
func Open(ctx context.Context, dsn string) (st *Store, closeFn func(), err error) {
	pool, err := db.Open(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}
	orm, err := db.OpenORM(pool)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("open orm: %w", err)
	}
	st, err = NewStore(pool, orm)
	if err != nil {
		_ = db.CloseORM(orm)
		pool.Close()
		return nil, nil, err
	}
	return st, func() {
		_ = db.CloseORM(orm)
		pool.Close()
	}, nil
}

func notFound(err error, what, id string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s %s: %w", what, id, ErrNotFound)
	}
	return err
}

func (s *Store) CreateCopy(ctx context.Context, c *Copy) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Status == "" {
		c.Status = StatusQueued
	}
	model := copyFromDomain(*c)
	if err := s.ORM.WithContext(ctx).Create(&model).Error; err != nil {
		return err
	}
	*c = model.toDomain()
	return nil
}

func (s *Store) GetCopy(ctx context.Context, id string) (Copy, error) {
	var model copyModel
	if err := s.ORM.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		return Copy{}, notFound(err, "copy", id)
	}
	return model.toDomain(), nil
}

func (s *Store) SaveCopy(ctx context.Context, c *Copy) error {
	model := copyFromDomain(*c)
	if err := s.ORM.WithContext(ctx).Save(&model).Error; err != nil {
		return err
	}
	c.UpdatedAt = model.UpdatedAt
	return nil
}

func (s *Store) ListCopies(ctx context.Context, userID int64, page Page) ([]Copy, int64, error) {
	page = page.normalize()
	orm := s.ORM.WithContext(ctx).Model(&copyModel{}).Where("created_by_user_id = ?", userID).Session(&gorm.Session{})

	var total int64
	if err := orm.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var models []copyModel
	if err := orm.Order("created_at DESC").Offset(page.offset()).Limit(page.PerPage).Find(&models).Error; err != nil {
		return nil, 0, err
	}
	out := make([]Copy, 0, len(models))
	for _, m := range models {
		out = append(out, m.toDomain())
	}
	return out, total, nil
}

// ListRunCopies returns the copies of a run in creation order, restricted to
// userID when it is non-nil.
func (s *Store) ListRunCopies(ctx context.Context, runID string, userID *int64) ([]Copy, error) {
	orm := s.ORM.WithContext(ctx).Where("db_copy_run_id = ?", runID)
	if userID != nil {
		orm = orm.Where("created_by_user_id = ?", *userID)
	}
	var models []copyModel
	if err := orm.Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]Copy, 0, len(models))
	for _, m := range models {
		out = append(out, m.toDomain())
	}
	return out, nil
}

func (s *Store) CopyStatuses(ctx context.Context, runID string) ([]Status, error) {
	var statuses []string
	err := s.ORM.WithContext(ctx).Model(&copyModel{}).
		Where("db_copy_run_id = ?", runID).
		Distinct("status").
		Pluck("status", &statuses).Error
	if err != nil {
		return nil, err
	}
	out := make([]Status, 0, len(statuses))
	for _, st := range statuses {
		out = append(out, Status(st))
	}
	return out, nil
}

func (s *Store) CreateRow(ctx context.Context, r *Row) error {
	if r.Status == "" {
		r.Status = RowDumped
	}
	model := rowFromDomain(*r)
	if err := s.ORM.WithContext(ctx).Create(&model).Error; err != nil {
		return err
	}
	*r = model.toDomain()
	return nil
}

// ListRows returns the rows of a copy in the order they were materialized.
func (s *Store) ListRows(ctx context.Context, copyID string) ([]Row, error) {
	var models []rowModel
	if err := s.ORM.WithContext(ctx).Where("db_copy_id = ?", copyID).Order("id ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]Row, 0, len(models))
	for _, m := range models {
		out = append(out, m.toDomain())
	}
	return out, nil
}

func (s *Store) SaveRow(ctx context.Context, r *Row) error {
	model := rowFromDomain(*r)
	if err := s.ORM.WithContext(ctx).Save(&model).Error; err != nil {
		return err
	}
	r.UpdatedAt = model.UpdatedAt
	return nil
}

// FailUnfinishedRows marks every still-dumped row of a copy failed. Imported
// and verified rows keep their state.
func (s *Store) FailUnfinishedRows(ctx context.Context, copyID, message string) (int64, error) {
	res := s.ORM.WithContext(ctx).Model(&rowModel{}).
		Where("db_copy_id = ? AND status = ?", copyID, string(RowDumped)).
		Updates(map[string]any{
			"status":        string(RowFailed),
			"error_message": message,
			"updated_at":    time.Now().UTC(),
		})
	return res.RowsAffected, res.Error
}

const usedSizeQuery = `
SELECT COALESCE(SUM(COALESCE(r.dest_size, r.source_size, 0)), 0)::bigint AS used
FROM db_copy_rows r
JOIN db_copies c ON c.id = r.db_copy_id
WHERE c.dest_connection = $1`

// UsedSize is the historical byte usage attributed to a destination
// connection.
func (s *Store) UsedSize(ctx context.Context, connection string) (int64, error) {
	var used int64
	if err := db.Get(ctx, s.DB, &used, usedSizeQuery, connection); err != nil {
		return 0, fmt.Errorf("used size of %s: %w", connection, err)
	}
	return used, nil
}

func (s *Store) CreateRun(ctx context.Context, r *Run) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Status == "" {
		r.Status = StatusQueued
	}
	model := runFromDomain(*r)
	if err := s.ORM.WithContext(ctx).Create(&model).Error; err != nil {
		return err
	}
	*r = model.toDomain()
	return nil
}

func (s *Store) GetRun(ctx context.Context, id string) (Run, error) {
	var model runModel
	if err := s.ORM.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		return Run{}, notFound(err, "run", id)
	}
	return model.toDomain(), nil
}

func (s *Store) SaveRun(ctx context.Context, r *Run) error {
	model := runFromDomain(*r)
	if err := s.ORM.WithContext(ctx).Save(&model).Error; err != nil {
		return err
	}
	r.UpdatedAt = model.UpdatedAt
	return nil
}

func (s *Store) ListRuns(ctx context.Context, userID int64, page Page) ([]Run, int64, error) {
	page = page.normalize()
	orm := s.ORM.WithContext(ctx).Model(&runModel{}).Where("created_by_user_id = ?", userID).Session(&gorm.Session{})

	var total int64
	if err := orm.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var models []runModel
	if err := orm.Order("created_at DESC").Offset(page.offset()).Limit(page.PerPage).Find(&models).Error; err != nil {
		return nil, 0, err
	}
	out := make([]Run, 0, len(models))
	for _, m := range models {
		out = append(out, m.toDomain())
	}
	return out, total, nil
}
