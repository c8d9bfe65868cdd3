package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	nodesEnrolledTopic = "corrald.nodes.enrolled"
	nodesDeletedTopic  = "corrald.nodes.deleted"
)

// enrollable provision states a node record may be purged from.
var deletableStates = []string{"enroll", "manageable", "available"}

func (a *API) handleEnrollNode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name       *string           `json:"name"`
		Driver     string            `json:"driver"`
		Interfaces map[string]string `json:"interfaces"`
		DriverInfo map[string]any    `json:"driver_info"`
		Properties map[string]any    `json:"properties"`
		Extra      map[string]any    `json:"extra"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	req.Driver = strings.TrimSpace(req.Driver)
	if req.Driver == "" {
		respondError(w, http.StatusBadRequest, errors.New("driver is required"))
		return
	}
	if req.Name != nil && strings.TrimSpace(*req.Name) == "" {
		respondError(w, http.StatusBadRequest, errors.New("name must not be blank"))
		return
	}

	ring, err := a.ring.current(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	if len(ring.Conductors(req.Driver)) == 0 {
		respondError(w, http.StatusBadRequest, errNoConductor)
		return
	}

	driverInfo := req.DriverInfo
	if a.box != nil {
		sealed, err := a.box.SealMap(driverInfo)
		if err != nil {
			respondError(w, http.StatusInternalServerError, err)
			return
		}
		driverInfo = sealed
	}

	interfaces := make(map[string]any, len(req.Interfaces))
	for k, v := range req.Interfaces {
		interfaces[k] = v
	}

	now := time.Now().UTC()
	model := nodeModel{
		ID:             uuid.New(),
		Name:           req.Name,
		Driver:         req.Driver,
		Interfaces:     toJSONMap(interfaces),
		ProvisionState: "enroll",
		DriverInfo:     toJSONMap(driverInfo),
		InstanceInfo:   toJSONMap(nil),
		Properties:     toJSONMap(req.Properties),
		Extra:          toJSONMap(req.Extra),
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	if err := a.store.ORM.WithContext(ctx).Create(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			respondError(w, http.StatusConflict, errors.New("a node with that name already exists"))
			return
		}
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	node := model.toAPI()
	a.notify(nodesEnrolledTopic, map[string]any{"node_id": node.ID, "driver": node.Driver})
	respondJSON(w, http.StatusCreated, map[string]any{"node": node})
}

func (a *API) handleListNodes(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	q := a.store.ORM.WithContext(ctx).Model(&nodeModel{}).Order("created_at ASC")
	if driver := r.URL.Query().Get("driver"); driver != "" {
		q = q.Where("driver = ?", driver)
	}
	if state := r.URL.Query().Get("provision_state"); state != "" {
		q = q.Where("provision_state = ?", state)
	}
	if maint := r.URL.Query().Get("maintenance"); maint != "" {
		q = q.Where("maintenance = ?", maint == "true")
	}

	var models []nodeModel
	if err := q.Find(&models).Error; err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	nodes := make([]Node, 0, len(models))
	for _, m := range models {
		nodes = append(nodes, m.toAPI())
	}
	respondJSON(w, http.StatusOK, map[string]any{"nodes": nodes})
}

func (a *API) handleGetNode(w http.ResponseWriter, r *http.Request) {
	node, ok := a.fetchNode(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"node": node})
}

func (a *API) handlePatchNode(w http.ResponseWriter, r *http.Request) {
	node, ok := a.fetchNode(w, r)
	if !ok {
		return
	}

	var req struct {
		Maintenance       *bool          `json:"maintenance"`
		MaintenanceReason *string        `json:"maintenance_reason"`
		Extra             map[string]any `json:"extra"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	updates := map[string]any{"updated_at": time.Now().UTC()}
	if req.Maintenance != nil {
		updates["maintenance"] = *req.Maintenance
		if !*req.Maintenance {
			updates["maintenance_reason"] = ""
		}
	}
	if req.MaintenanceReason != nil {
		updates["maintenance_reason"] = *req.MaintenanceReason
	}
	if req.Extra != nil {
		updates["extra"] = toJSONMap(req.Extra)
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	if err := a.store.ORM.WithContext(ctx).
		Model(&nodeModel{}).
		Where("id = ?", node.ID).
		Updates(updates).Error; err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	var refreshed nodeModel
	if err := a.store.ORM.WithContext(ctx).First(&refreshed, "id = ?", node.ID).Error; err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"node": refreshed.toAPI()})
}

// handleDeleteNode purges a node record. Purging is only legal from an
// unreserved enroll, manageable, or available state; tearing down an active
// instance is the provision-state delete action instead.
func (a *API) handleDeleteNode(w http.ResponseWriter, r *http.Request) {
	node, ok := a.fetchNode(w, r)
	if !ok {
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	res := a.store.ORM.WithContext(ctx).
		Where("id = ? AND reservation = '' AND provision_state IN ?", node.ID, deletableStates).
		Delete(&nodeModel{})
	if res.Error != nil {
		respondError(w, http.StatusInternalServerError, res.Error)
		return
	}
	if res.RowsAffected == 0 {
		respondError(w, http.StatusConflict,
			errors.New("node can only be deleted while unreserved in enroll, manageable, or available"))
		return
	}

	a.notify(nodesDeletedTopic, map[string]any{"node_id": node.ID})
	respondJSON(w, http.StatusNoContent, nil)
}

// fetchNode resolves the nodeID path parameter, by uuid or by name.
func (a *API) fetchNode(w http.ResponseWriter, r *http.Request) (Node, bool) {
	ref := chi.URLParam(r, "nodeID")

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	q := a.store.ORM.WithContext(ctx)
	var model nodeModel
	var err error
	if id, perr := uuid.Parse(ref); perr == nil {
		err = q.First(&model, "id = ?", id).Error
	} else {
		err = q.First(&model, "name = ?", ref).Error
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		respondError(w, http.StatusNotFound, errors.New("node not found"))
		return Node{}, false
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return Node{}, false
	}
	return model.toAPI(), true
}

func (a *API) notify(subject string, payload map[string]any) {
	if a.store.Bus == nil {
		return
	}
	_ = a.store.Bus.Notify(subject, payload)
}
