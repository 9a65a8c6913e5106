package store

import (
	"time"

	"gorm.io/datatypes"
)

type runModel struct {
	ID                         string                      `gorm:"type:uuid;primaryKey"`
	Status                     string                      `gorm:"type:varchar(20)"`
	SourceSystemDbConnection   string                      `gorm:"type:text"`
	SourceSystemDbName         string                      `gorm:"type:text"`
	SourceAdminAppConnection   string                      `gorm:"type:text"`
	SourceAdminAppName         string                      `gorm:"type:text"`
	SourceDbConnection         string                      `gorm:"type:text"`
	DestDbConnections          datatypes.JSONSlice[string] `gorm:"type:jsonb"`
	CreateDestDbOnLaravelCloud bool
	StartedAt                  *time.Time `gorm:"type:timestamptz"`
	FinishedAt                 *time.Time `gorm:"type:timestamptz"`
	CreatedByUserID            *int64
	CreatedAt                  time.Time `gorm:"type:timestamptz;autoCreateTime"`
	UpdatedAt                  time.Time `gorm:"type:timestamptz;autoUpdateTime"`
}

func (runModel) TableName() string { return "db_copy_runs" }

func (m runModel) toDomain() Run {
	return Run{
		ID:                      m.ID,
		Status:                  Status(m.Status),
		SourceSystemConnection:  m.SourceSystemDbConnection,
		SourceSystemDatabase:    m.SourceSystemDbName,
		SourceAdminConnection:   m.SourceAdminAppConnection,
		SourceAdminDatabase:     m.SourceAdminAppName,
		SourceClusterConnection: m.SourceDbConnection,
		DestConnections:         append([]string(nil), m.DestDbConnections...),
		CreateDestOnCloud:       m.CreateDestDbOnLaravelCloud,
		StartedAt:               m.StartedAt,
		FinishedAt:              m.FinishedAt,
		CreatedByUserID:         m.CreatedByUserID,
		CreatedAt:               m.CreatedAt,
		UpdatedAt:               m.UpdatedAt,
	}
}

func runFromDomain(r Run) runModel {
	return runModel{
		ID:                         r.ID,
		Status:                     string(r.Status),
		SourceSystemDbConnection:   r.SourceSystemConnection,
		SourceSystemDbName:         r.SourceSystemDatabase,
		SourceAdminAppConnection:   r.SourceAdminConnection,
		SourceAdminAppName:         r.SourceAdminDatabase,
		SourceDbConnection:         r.SourceClusterConnection,
		DestDbConnections:          datatypes.JSONSlice[string](r.DestConnections),
		CreateDestDbOnLaravelCloud: r.CreateDestOnCloud,
		StartedAt:                  r.StartedAt,
		FinishedAt:                 r.FinishedAt,
		CreatedByUserID:            r.CreatedByUserID,
		CreatedAt:                  r.CreatedAt,
		UpdatedAt:                  r.UpdatedAt,
	}
}

type copyModel struct {
	ID               string     `gorm:"type:uuid;primaryKey"`
	Status           string     `gorm:"type:varchar(20)"`
	Progress         *int16     `gorm:"type:smallint"`
	SourceConnection string     `gorm:"type:text"`
	SourceDb         string     `gorm:"type:text"`
	DestConnection   string     `gorm:"type:text"`
	DestDb           string     `gorm:"type:text"`
	DestResolvedAt   *time.Time `gorm:"type:timestamptz"`
	TotalSourceSize  *int64
	CallbackURL      string     `gorm:"column:callback_url;type:text"`
	StartedAt        *time.Time `gorm:"type:timestamptz"`
	FinishedAt       *time.Time `gorm:"type:timestamptz"`
	LastError        *string    `gorm:"type:text"`
	CreatedByUserID  int64
	DbCopyRunID      *string   `gorm:"type:uuid"`
	CreatedAt        time.Time `gorm:"type:timestamptz;autoCreateTime"`
	UpdatedAt        time.Time `gorm:"type:timestamptz;autoUpdateTime"`
}

func (copyModel) TableName() string { return "db_copies" }

func (m copyModel) toDomain() Copy {
	var progress *int
	if m.Progress != nil {
		p := int(*m.Progress)
		progress = &p
	}
	return Copy{
		ID:               m.ID,
		Status:           Status(m.Status),
		Progress:         progress,
		SourceConnection: m.SourceConnection,
		SourceDatabase:   m.SourceDb,
		DestConnection:   m.DestConnection,
		DestDatabase:     m.DestDb,
		DestResolvedAt:   m.DestResolvedAt,
		TotalSourceSize:  m.TotalSourceSize,
		CallbackURL:      m.CallbackURL,
		StartedAt:        m.StartedAt,
		FinishedAt:       m.FinishedAt,
		LastError:        m.LastError,
		CreatedByUserID:  m.CreatedByUserID,
		RunID:            m.DbCopyRunID,
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
	}
}

func copyFromDomain(c Copy) copyModel {
	var progress *int16
	if c.Progress != nil {
		p := int16(*c.Progress)
		progress = &p
	}
	return copyModel{
		ID:               c.ID,
		Status:           string(c.Status),
		Progress:         progress,
		SourceConnection: c.SourceConnection,
		SourceDb:         c.SourceDatabase,
		DestConnection:   c.DestConnection,
		DestDb:           c.DestDatabase,
		DestResolvedAt:   c.DestResolvedAt,
		TotalSourceSize:  c.TotalSourceSize,
		CallbackURL:      c.CallbackURL,
		StartedAt:        c.StartedAt,
		FinishedAt:       c.FinishedAt,
		LastError:        c.LastError,
		CreatedByUserID:  c.CreatedByUserID,
		DbCopyRunID:      c.RunID,
		CreatedAt:        c.CreatedAt,
		UpdatedAt:        c.UpdatedAt,
	}
}

type rowModel struct {
	ID             int64   `gorm:"primaryKey;autoIncrement"`
	DbCopyID       string  `gorm:"type:uuid"`
	Name           string  `gorm:"type:text"`
	DumpFilePath   string  `gorm:"type:text"`
	Status         string  `gorm:"type:varchar(20)"`
	ErrorMessage   *string `gorm:"type:text"`
	SourceRowCount *int64
	DestRowCount   *int64
	SourceSize     *int64
	DestSize       *int64
	CreatedAt      time.Time `gorm:"type:timestamptz;autoCreateTime"`
	UpdatedAt      time.Time `gorm:"type:timestamptz;autoUpdateTime"`
}

func (rowModel) TableName() string { return "db_copy_rows" }

func (m rowModel) toDomain() Row {
	return Row{
		ID:             m.ID,
		CopyID:         m.DbCopyID,
		Name:           m.Name,
		DumpFilePath:   m.DumpFilePath,
		Status:         RowStatus(m.Status),
		ErrorMessage:   m.ErrorMessage,
		SourceRowCount: m.SourceRowCount,
		DestRowCount:   m.DestRowCount,
		SourceSize:     m.SourceSize,
		DestSize:       m.DestSize,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}

func rowFromDomain(r Row) rowModel {
	return rowModel{
		ID:             r.ID,
		DbCopyID:       r.CopyID,
		Name:           r.Name,
		DumpFilePath:   r.DumpFilePath,
		Status:         string(r.Status),
		ErrorMessage:   r.ErrorMessage,
		SourceRowCount: r.SourceRowCount,
		DestRowCount:   r.DestRowCount,
		SourceSize:     r.SourceSize,
		DestSize:       r.DestSize,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}
