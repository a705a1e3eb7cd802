package migrations

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

func init() {
	goose.AddMigrationContext(upInit, downInit)
}

// Checkin is one firmware poll from a device.
type Checkin struct {
	ID         uuid.UUID         `gorm:"type:uuid;primaryKey"`
	Identity   string            `gorm:"type:text;not null;index:idx_checkins_identity_at,priority:1"`
	StaMAC     string            `gorm:"column:sta_mac;type:text"`
	ClaimedMD5 string            `gorm:"column:claimed_md5;type:text"`
	ServedMD5  string            `gorm:"column:served_md5;type:text"`
	Outcome    string            `gorm:"type:text;not null"`
	Source     string            `gorm:"type:text"`
	Facts      datatypes.JSONMap `gorm:"type:jsonb"`
	At         time.Time         `gorm:"type:timestamptz;not null;default:now();index:idx_checkins_identity_at,priority:2,sort:desc"`
}

func (Checkin) TableName() string { return "checkins" }

// DeviceAudit records changes in device-reported facts between check-ins.
type DeviceAudit struct {
	ID       int64             `gorm:"type:bigserial;primaryKey"`
	Identity string            `gorm:"type:text;not null;index"`
	Action   string            `gorm:"type:text;not null"`
	Details  datatypes.JSONMap `gorm:"type:jsonb"`
	At       time.Time         `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
}

func (DeviceAudit) TableName() string { return "device_audit" }

func openTx(tx *sql.Tx) (*gorm.DB, error) {
	return gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
}

func upInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openTx(tx)
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).AutoMigrate(
		&Checkin{},
		&DeviceAudit{},
	)
}

func downInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openTx(tx)
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).Migrator().DropTable(
		&DeviceAudit{},
		&Checkin{},
	)
}
