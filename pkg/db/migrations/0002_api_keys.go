package migrations

import (
	"context"
	"database/sql"
	"time"

	"github.com/pressly/goose/v3"
)

func init() {
	goose.AddMigrationContext(upAPIKeys, downAPIKeys)
}

type APIKey struct {
	ID         string     `gorm:"type:uuid;primaryKey"`
	UserID     int64      `gorm:"not null;index"`
	Name       string     `gorm:"type:text;not null;default:''"`
	TokenHash  string     `gorm:"type:char(64);not null;uniqueIndex"`
	LastUsedAt *time.Time `gorm:"type:timestamptz"`
	CreatedAt  time.Time  `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	UpdatedAt  time.Time  `gorm:"type:timestamptz;not null;default:now();autoUpdateTime"`
}

func upAPIKeys(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openTx(tx)
	if err != nil {
		return err
	}
	return gormDB.WithContext(ctx).AutoMigrate(&APIKey{})
}

func downAPIKeys(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openTx(tx)
	if err != nil {
		return err
	}
	return gormDB.WithContext(ctx).Migrator().DropTable(&APIKey{})
}
