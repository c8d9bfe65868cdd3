package api

import (
	"errors"
	"fmt"
	"net/http"

	"corrald/services/conductor"
)

// provisionVerbs are the accepted values for the provision action target.
var provisionVerbs = map[string]bool{
	"manage":   true,
	"provide":  true,
	"inspect":  true,
	"clean":    true,
	"deploy":   true,
	"delete":   true,
	"rescue":   true,
	"unrescue": true,
	"adopt":    true,
	"abort":    true,
}

// handleProvisionAction forwards a provisioning verb to the node's owning
// conductor.
func (a *API) handleProvisionAction(w http.ResponseWriter, r *http.Request) {
	node, ok := a.fetchNode(w, r)
	if !ok {
		return
	}

	var req struct {
		Target string         `json:"target"`
		Params map[string]any `json:"params"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if !provisionVerbs[req.Target] {
		respondError(w, http.StatusBadRequest, fmt.Errorf("unknown provision target %q", req.Target))
		return
	}
	if node.Maintenance && req.Target != "abort" {
		respondError(w, http.StatusConflict, errors.New("node is in maintenance"))
		return
	}

	resp, err := a.conductorRPC(r.Context(), node, conductor.RPCRequest{
		Op:     conductor.OpDispatch,
		NodeID: node.ID,
		Event:  req.Target,
		Params: req.Params,
	})
	if err != nil {
		respondError(w, http.StatusBadGateway, err)
		return
	}
	if !resp.OK {
		respondError(w, statusForKind(resp.ErrorKind), errors.New(resp.Error))
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]any{"node_id": node.ID, "target": req.Target})
}

// handleGetStates returns the authoritative state projection from the owning
// conductor, falling back to the database when no conductor is reachable.
func (a *API) handleGetStates(w http.ResponseWriter, r *http.Request) {
	node, ok := a.fetchNode(w, r)
	if !ok {
		return
	}

	resp, err := a.conductorRPC(r.Context(), node, conductor.RPCRequest{
		Op:     conductor.OpStates,
		NodeID: node.ID,
	})
	if err == nil && resp.OK && resp.Node != nil {
		respondJSON(w, http.StatusOK, map[string]any{"states": resp.Node})
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"states": conductor.NodeStatus{
		ID:                   node.ID,
		ProvisionState:       node.ProvisionState,
		TargetProvisionState: node.TargetProvisionState,
		PowerState:           node.PowerState,
		LastError:            node.LastError,
		Reservation:          node.Reservation,
	}})
}

func (a *API) handleNodeHistory(w http.ResponseWriter, r *http.Request) {
	node, ok := a.fetchNode(w, r)
	if !ok {
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	var entries []historyModel
	if err := a.store.ORM.WithContext(ctx).
		Where("node_id = ?", node.ID).
		Order("created_at DESC").
		Limit(200).
		Find(&entries).Error; err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"history": entries})
}
