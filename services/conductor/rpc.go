package conductor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"corrald/services/conductor/internal/fsm"
	"corrald/services/conductor/internal/store"
)

// RPCSubject returns the request/reply subject a conductor answers on. The
// API layer resolves a node's owner through the ring and requests here.
func RPCSubject(conductorID string) string {
	return fmt.Sprintf("corrald.conductor.%s.rpc", conductorID)
}

// RPC operation names.
const (
	OpDispatch = "dispatch"
	OpCallback = "callback"
	OpStates   = "states"
)

// RPCRequest is the wire shape of a conductor request.
type RPCRequest struct {
	Op     string         `json:"op"`
	NodeID uuid.UUID      `json:"node_id"`
	Event  string         `json:"event,omitempty"`
	Token  string         `json:"token,omitempty"`
	Params map[string]any `json:"params,omitempty"`
}

// RPCResponse is the wire shape of a conductor reply. ErrorKind is stable
// across versions; Error is human-readable detail.
type RPCResponse struct {
	OK        bool        `json:"ok"`
	ErrorKind string      `json:"error_kind,omitempty"`
	Error     string      `json:"error,omitempty"`
	Node      *NodeStatus `json:"node,omitempty"`
}

// NodeStatus is the state projection returned by the states op.
type NodeStatus struct {
	ID                   uuid.UUID  `json:"id"`
	ProvisionState       string     `json:"provision_state"`
	TargetProvisionState string     `json:"target_provision_state"`
	PowerState           string     `json:"power_state"`
	TargetPowerState     string     `json:"target_power_state"`
	LastError            string     `json:"last_error"`
	Reservation          string     `json:"reservation"`
	AgentDeadline        *time.Time `json:"agent_deadline,omitempty"`
}

func statusOf(n *store.Node) *NodeStatus {
	return &NodeStatus{
		ID:                   n.ID,
		ProvisionState:       n.ProvisionState,
		TargetProvisionState: n.TargetProvisionState,
		PowerState:           n.PowerState,
		TargetPowerState:     n.TargetPowerState,
		LastError:            n.LastError,
		Reservation:          n.Reservation,
		AgentDeadline:        n.AgentDeadline,
	}
}

// serveRPC answers requests addressed to this conductor until ctx ends.
func (c *Conductor) serveRPC(ctx context.Context) (io.Closer, error) {
	subject := RPCSubject(c.cfg.ConductorID)
	return c.bus.Answer(ctx, subject, func(ctx context.Context, data []byte) (any, error) {
		var req RPCRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return RPCResponse{ErrorKind: "bad_request", Error: err.Error()}, nil
		}
		return c.handleRPC(ctx, req), nil
	})
}

func (c *Conductor) handleRPC(ctx context.Context, req RPCRequest) RPCResponse {
	if req.NodeID == uuid.Nil {
		return RPCResponse{ErrorKind: "bad_request", Error: "node_id is required"}
	}

	var err error
	switch req.Op {
	case OpDispatch:
		err = c.Dispatch(ctx, req.NodeID, fsm.Event(req.Event), req.Params)
	case OpCallback:
		err = c.HandleCallback(ctx, req.NodeID, req.Token, req.Params)
	case OpStates:
		var node *store.Node
		node, err = c.repo.Get(ctx, req.NodeID)
		if err == nil {
			return RPCResponse{OK: true, Node: statusOf(node)}
		}
	default:
		return RPCResponse{ErrorKind: "bad_request", Error: fmt.Sprintf("unknown op %q", req.Op)}
	}

	if err != nil {
		return RPCResponse{ErrorKind: errorKind(err), Error: err.Error()}
	}
	return RPCResponse{OK: true}
}
