package api

import (
	"errors"
	"net/http"

	"corrald/services/conductor"
)

// handleAgentCallback relays a ramdisk agent's report to the conductor that
// owns the node. Agents authenticate with the callback token minted when
// their step was suspended.
func (a *API) handleAgentCallback(w http.ResponseWriter, r *http.Request) {
	node, ok := a.fetchNode(w, r)
	if !ok {
		return
	}

	var req struct {
		Token   string         `json:"token"`
		Payload map[string]any `json:"payload"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.Token == "" {
		respondError(w, http.StatusBadRequest, errors.New("token is required"))
		return
	}

	resp, err := a.conductorRPC(r.Context(), node, conductor.RPCRequest{
		Op:     conductor.OpCallback,
		NodeID: node.ID,
		Token:  req.Token,
		Params: req.Payload,
	})
	if err != nil {
		respondError(w, http.StatusBadGateway, err)
		return
	}
	if !resp.OK {
		respondError(w, statusForKind(resp.ErrorKind), errors.New(resp.Error))
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]any{"node_id": node.ID})
}

// handleBootScript serves the iPXE script the conductor staged for the node.
// PXE chainloaders fetch this during agent netboot.
func (a *API) handleBootScript(w http.ResponseWriter, r *http.Request) {
	node, ok := a.fetchNode(w, r)
	if !ok {
		return
	}

	script, _ := node.InstanceInfo["ramdisk_script"].(string)
	if script == "" {
		respondError(w, http.StatusNotFound, errors.New("no boot environment staged for this node"))
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte(script))
}

// handleAgentConfig serves the staged agent config for ramdisks that cannot
// read their kernel cmdline.
func (a *API) handleAgentConfig(w http.ResponseWriter, r *http.Request) {
	node, ok := a.fetchNode(w, r)
	if !ok {
		return
	}

	conf, _ := node.InstanceInfo["agent_config"].(string)
	if conf == "" {
		respondError(w, http.StatusNotFound, errors.New("no agent config staged for this node"))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(conf))
}
