package migrations

import (
	"context"
	"database/sql"
	"time"

	"github.com/pressly/goose/v3"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

func init() {
	goose.AddMigrationContext(upCopies, downCopies)
}

type DbCopyRun struct {
	ID                         string                      `gorm:"type:uuid;primaryKey"`
	Status                     string                      `gorm:"type:varchar(20);not null;default:'queued'"`
	SourceSystemDbConnection   string                      `gorm:"type:text;not null"`
	SourceSystemDbName         string                      `gorm:"type:text;not null"`
	SourceAdminAppConnection   string                      `gorm:"type:text;not null"`
	SourceAdminAppName         string                      `gorm:"type:text;not null"`
	SourceDbConnection         string                      `gorm:"type:text;not null"`
	DestDbConnections          datatypes.JSONSlice[string] `gorm:"type:jsonb;not null"`
	CreateDestDbOnLaravelCloud bool                        `gorm:"not null;default:false"`
	StartedAt                  *time.Time                  `gorm:"type:timestamptz"`
	FinishedAt                 *time.Time                  `gorm:"type:timestamptz"`
	CreatedByUserID            *int64                      `gorm:"index"`
	CreatedAt                  time.Time                   `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	UpdatedAt                  time.Time                   `gorm:"type:timestamptz;not null;default:now();autoUpdateTime"`
}

type DbCopy struct {
	ID               string     `gorm:"type:uuid;primaryKey"`
	Status           string     `gorm:"type:varchar(20);not null;index"`
	Progress         *int16     `gorm:"type:smallint"`
	SourceConnection string     `gorm:"type:text;not null"`
	SourceDb         string     `gorm:"type:text;not null"`
	DestConnection   string     `gorm:"type:text;not null;index"`
	DestDb           string     `gorm:"type:text;not null"`
	DestResolvedAt   *time.Time `gorm:"type:timestamptz"`
	TotalSourceSize  *int64
	CallbackURL      string     `gorm:"column:callback_url;type:text;not null;default:''"`
	StartedAt        *time.Time `gorm:"type:timestamptz"`
	FinishedAt       *time.Time `gorm:"type:timestamptz"`
	LastError        *string    `gorm:"type:text"`
	CreatedByUserID  int64      `gorm:"not null;index"`
	DbCopyRunID      *string    `gorm:"type:uuid;index"`
	DbCopyRun        *DbCopyRun `gorm:"foreignKey:DbCopyRunID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:SET NULL"`
	CreatedAt        time.Time  `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	UpdatedAt        time.Time  `gorm:"type:timestamptz;not null;default:now();autoUpdateTime"`
}

type DbCopyRow struct {
	ID             int64   `gorm:"type:bigserial;primaryKey"`
	DbCopyID       string  `gorm:"type:uuid;not null;index"`
	Name           string  `gorm:"type:text;not null"`
	DumpFilePath   string  `gorm:"type:text;not null"`
	Status         string  `gorm:"type:varchar(20);not null;default:'dumped'"`
	ErrorMessage   *string `gorm:"type:text"`
	SourceRowCount *int64
	DestRowCount   *int64
	SourceSize     *int64
	DestSize       *int64
	DbCopy         DbCopy    `gorm:"foreignKey:DbCopyID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
	CreatedAt      time.Time `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	UpdatedAt      time.Time `gorm:"type:timestamptz;not null;default:now();autoUpdateTime"`
}

func openTx(tx *sql.Tx) (*gorm.DB, error) {
	return gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
}

func upCopies(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openTx(tx)
	if err != nil {
		return err
	}

	// Foreign keys come from the DbCopyRun and DbCopy associations.
	return gormDB.WithContext(ctx).AutoMigrate(
		&DbCopyRun{},
		&DbCopy{},
		&DbCopyRow{},
	)
}

func downCopies(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openTx(tx)
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).Migrator().DropTable(
		&DbCopyRow{},
		&DbCopy{},
		&DbCopyRun{},
	)
}
