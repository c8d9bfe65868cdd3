package api

import (
	"net/http"
	"time"
)

// handleListConductors reports conductor liveness as derived from heartbeat
// recency, the same window the conductors themselves use for ring builds.
func (a *API) handleListConductors(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	var records []conductorModel
	if err := a.store.ORM.WithContext(ctx).Order("id ASC").Find(&records).Error; err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	cutoff := time.Now().Add(-a.config.LivenessWindow)
	type conductorView struct {
		ID          string    `json:"id"`
		Drivers     []string  `json:"drivers"`
		HeartbeatAt time.Time `json:"heartbeat_at"`
		Alive       bool      `json:"alive"`
	}

	out := make([]conductorView, 0, len(records))
	for _, rec := range records {
		out = append(out, conductorView{
			ID:          rec.ID,
			Drivers:     rec.Drivers,
			HeartbeatAt: rec.HeartbeatAt,
			Alive:       rec.HeartbeatAt.After(cutoff),
		})
	}
	respondJSON(w, http.StatusOK, map[string]any{"conductors": out})
}
