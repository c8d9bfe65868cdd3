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

type Node struct {
	ID                   uuid.UUID         `gorm:"type:uuid;primaryKey"`
	Name                 *string           `gorm:"type:text;uniqueIndex"`
	Driver               string            `gorm:"type:text;not null"`
	Interfaces           datatypes.JSONMap `gorm:"type:jsonb"`
	ProvisionState       string            `gorm:"type:text;not null;index"`
	TargetProvisionState string            `gorm:"type:text;not null;default:''"`
	PowerState           string            `gorm:"type:text;not null;default:''"`
	TargetPowerState     string            `gorm:"type:text;not null;default:''"`
	Reservation          string            `gorm:"type:text;not null;default:'';index"`
	LeaseExpiresAt       *time.Time        `gorm:"type:timestamptz"`
	AgentToken           string            `gorm:"type:text;not null;default:''"`
	AgentDeadline        *time.Time        `gorm:"type:timestamptz"`
	WaitRetries          int               `gorm:"type:int;not null;default:0"`
	LastError            string            `gorm:"type:text;not null;default:''"`
	Maintenance          bool              `gorm:"type:bool;not null;default:false"`
	MaintenanceReason    string            `gorm:"type:text;not null;default:''"`
	ConductorAffinity    string            `gorm:"type:text;not null;default:''"`
	DriverInfo           datatypes.JSONMap `gorm:"type:jsonb"`
	InstanceInfo         datatypes.JSONMap `gorm:"type:jsonb"`
	Properties           datatypes.JSONMap `gorm:"type:jsonb"`
	Extra                datatypes.JSONMap `gorm:"type:jsonb"`
	Version              int64             `gorm:"type:bigint;not null;default:1"`
	CreatedAt            time.Time         `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	UpdatedAt            time.Time         `gorm:"type:timestamptz;not null;default:now();autoUpdateTime"`
}

type Conductor struct {
	ID          string                      `gorm:"type:text;primaryKey"`
	Drivers     datatypes.JSONSlice[string] `gorm:"type:jsonb"`
	HeartbeatAt time.Time                   `gorm:"type:timestamptz;not null;index"`
	CreatedAt   time.Time                   `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
}

type NodeHistory struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	NodeID    uuid.UUID `gorm:"type:uuid;not null;index"`
	Event     string    `gorm:"type:text;not null"`
	FromState string    `gorm:"type:text;not null"`
	ToState   string    `gorm:"type:text;not null"`
	Error     string    `gorm:"type:text;not null;default:''"`
	Logs      []byte    `gorm:"type:bytea"`
	CreatedAt time.Time `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	Node      Node      `gorm:"foreignKey:NodeID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

func (NodeHistory) TableName() string { return "node_history" }

func upInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return err
	}

	if err := gormDB.WithContext(ctx).AutoMigrate(
		&Node{},
		&Conductor{},
		&NodeHistory{},
	); err != nil {
		return err
	}

	return gormDB.WithContext(ctx).Migrator().CreateConstraint(&NodeHistory{}, "Node")
}

func downInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).Migrator().DropTable(
		&NodeHistory{},
		&Conductor{},
		&Node{},
	)
}
