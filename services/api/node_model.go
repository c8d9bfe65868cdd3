package api

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Node is the wire representation of a managed machine. Credential fields in
// driver_info stay sealed; the agent token never leaves the conductor.
type Node struct {
	ID                   uuid.UUID         `json:"id"`
	Name                 *string           `json:"name,omitempty"`
	Driver               string            `json:"driver"`
	Interfaces           map[string]string `json:"interfaces"`
	ProvisionState       string            `json:"provision_state"`
	TargetProvisionState string            `json:"target_provision_state"`
	PowerState           string            `json:"power_state"`
	Reservation          string            `json:"reservation"`
	LastError            string            `json:"last_error"`
	Maintenance          bool              `json:"maintenance"`
	MaintenanceReason    string            `json:"maintenance_reason,omitempty"`
	DriverInfo           map[string]any    `json:"driver_info"`
	InstanceInfo         map[string]any    `json:"instance_info"`
	Properties           map[string]any    `json:"properties"`
	Extra                map[string]any    `json:"extra"`
	CreatedAt            time.Time         `json:"created_at"`
	UpdatedAt            time.Time         `json:"updated_at"`
}

type nodeModel struct {
	ID                   uuid.UUID         `gorm:"type:uuid;primaryKey"`
	Name                 *string           `gorm:"type:text;uniqueIndex"`
	Driver               string            `gorm:"type:text;not null"`
	Interfaces           datatypes.JSONMap `gorm:"type:jsonb"`
	ProvisionState       string            `gorm:"type:text;not null"`
	TargetProvisionState string            `gorm:"type:text;not null;default:''"`
	PowerState           string            `gorm:"type:text;not null;default:''"`
	Reservation          string            `gorm:"type:text;not null;default:''"`
	LastError            string            `gorm:"type:text;not null;default:''"`
	Maintenance          bool              `gorm:"type:bool;not null;default:false"`
	MaintenanceReason    string            `gorm:"type:text;not null;default:''"`
	DriverInfo           datatypes.JSONMap `gorm:"type:jsonb"`
	InstanceInfo         datatypes.JSONMap `gorm:"type:jsonb"`
	Properties           datatypes.JSONMap `gorm:"type:jsonb"`
	Extra                datatypes.JSONMap `gorm:"type:jsonb"`
	Version              int64             `gorm:"type:bigint;not null;default:1"`
	CreatedAt            time.Time         `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	UpdatedAt            time.Time         `gorm:"type:timestamptz;not null;default:now();autoUpdateTime"`
}

func (nodeModel) TableName() string { return "nodes" }

func (m nodeModel) toAPI() Node {
	interfaces := make(map[string]string, len(m.Interfaces))
	for k, v := range m.Interfaces {
		if s, ok := v.(string); ok {
			interfaces[k] = s
		}
	}
	return Node{
		ID:                   m.ID,
		Name:                 m.Name,
		Driver:               m.Driver,
		Interfaces:           interfaces,
		ProvisionState:       m.ProvisionState,
		TargetProvisionState: m.TargetProvisionState,
		PowerState:           m.PowerState,
		Reservation:          m.Reservation,
		LastError:            m.LastError,
		Maintenance:          m.Maintenance,
		MaintenanceReason:    m.MaintenanceReason,
		DriverInfo:           mapFromJSONMap(m.DriverInfo),
		InstanceInfo:         mapFromJSONMap(m.InstanceInfo),
		Properties:           mapFromJSONMap(m.Properties),
		Extra:                mapFromJSONMap(m.Extra),
		CreatedAt:            m.CreatedAt,
		UpdatedAt:            m.UpdatedAt,
	}
}

func toJSONMap(m map[string]any) datatypes.JSONMap {
	if m == nil {
		return datatypes.JSONMap{}
	}
	return datatypes.JSONMap(m)
}

func mapFromJSONMap(m datatypes.JSONMap) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return map[string]any(m)
}

type conductorModel struct {
	ID          string                      `gorm:"type:text;primaryKey"`
	Drivers     datatypes.JSONSlice[string] `gorm:"type:jsonb"`
	HeartbeatAt time.Time                   `gorm:"type:timestamptz;not null"`
}

func (conductorModel) TableName() string { return "conductors" }

type historyModel struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	NodeID    uuid.UUID `gorm:"type:uuid" json:"node_id"`
	Event     string    `gorm:"type:text" json:"event"`
	FromState string    `gorm:"type:text" json:"from_state"`
	ToState   string    `gorm:"type:text" json:"to_state"`
	Error     string    `gorm:"type:text" json:"error,omitempty"`
	CreatedAt time.Time `gorm:"type:timestamptz" json:"created_at"`
}

func (historyModel) TableName() string { return "node_history" }
