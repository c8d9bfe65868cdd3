package store

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Node is the persisted record for a managed physical machine. The JSONB
// bags (driver_info, instance_info, properties, extra) are opaque to the
// core and consumed only by hardware interfaces.
type Node struct {
	ID                   uuid.UUID         `gorm:"type:uuid;primaryKey" json:"id"`
	Name                 *string           `gorm:"type:text;uniqueIndex" json:"name,omitempty"`
	Driver               string            `gorm:"type:text;not null" json:"driver"`
	Interfaces           datatypes.JSONMap `gorm:"type:jsonb" json:"interfaces"`
	ProvisionState       string            `gorm:"type:text;not null;index" json:"provision_state"`
	TargetProvisionState string            `gorm:"type:text;not null;default:''" json:"target_provision_state"`
	PowerState           string            `gorm:"type:text;not null;default:''" json:"power_state"`
	TargetPowerState     string            `gorm:"type:text;not null;default:''" json:"target_power_state"`
	Reservation          string            `gorm:"type:text;not null;default:'';index" json:"reservation"`
	LeaseExpiresAt       *time.Time        `gorm:"type:timestamptz" json:"lease_expires_at,omitempty"`
	AgentToken           string            `gorm:"type:text;not null;default:''" json:"-"`
	AgentDeadline        *time.Time        `gorm:"type:timestamptz" json:"-"`
	WaitRetries          int               `gorm:"type:int;not null;default:0" json:"-"`
	LastError            string            `gorm:"type:text;not null;default:''" json:"last_error"`
	Maintenance          bool              `gorm:"type:bool;not null;default:false" json:"maintenance"`
	MaintenanceReason    string            `gorm:"type:text;not null;default:''" json:"maintenance_reason"`
	ConductorAffinity    string            `gorm:"type:text;not null;default:''" json:"conductor_affinity"`
	DriverInfo           datatypes.JSONMap `gorm:"type:jsonb" json:"driver_info"`
	InstanceInfo         datatypes.JSONMap `gorm:"type:jsonb" json:"instance_info"`
	Properties           datatypes.JSONMap `gorm:"type:jsonb" json:"properties"`
	Extra                datatypes.JSONMap `gorm:"type:jsonb" json:"extra"`
	Version              int64             `gorm:"type:bigint;not null;default:1" json:"version"`
	CreatedAt            time.Time         `gorm:"type:timestamptz;not null;default:now();autoCreateTime" json:"created_at"`
	UpdatedAt            time.Time         `gorm:"type:timestamptz;not null;default:now();autoUpdateTime" json:"updated_at"`
}

func (Node) TableName() string { return "nodes" }

// InterfaceName returns the configured implementation name for an interface
// type, or "" when unset.
func (n *Node) InterfaceName(ifaceType string) string {
	if n.Interfaces == nil {
		return ""
	}
	name, _ := n.Interfaces[ifaceType].(string)
	return name
}

// InterfaceMap flattens the JSONB interface selection into a string map.
func (n *Node) InterfaceMap() map[string]string {
	out := make(map[string]string, len(n.Interfaces))
	for k, v := range n.Interfaces {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}

// Clone returns a deep-enough copy for handing to hardware interfaces: the
// JSONB bags are copied so drivers can stage changes without racing the
// persisted record.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	out := *n
	out.Interfaces = cloneMap(n.Interfaces)
	out.DriverInfo = cloneMap(n.DriverInfo)
	out.InstanceInfo = cloneMap(n.InstanceInfo)
	out.Properties = cloneMap(n.Properties)
	out.Extra = cloneMap(n.Extra)
	return &out
}

func cloneMap(src datatypes.JSONMap) datatypes.JSONMap {
	if src == nil {
		return nil
	}
	out := make(datatypes.JSONMap, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
