// Package api exposes the REST surface of the control plane. It owns node
// enrollment and read paths directly against the database; every state
// mutation is forwarded over the bus to the conductor the ring maps the node
// to.
package api

import (
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/gorm"

	"corrald/pkg/bus"
	"corrald/pkg/secrets"
)

const (
	defaultRPCTimeout  = 30 * time.Second
	defaultRingMaxAge  = 15 * time.Second
	defaultLivenessWin = 90 * time.Second
)

// Store holds external dependencies required by the API layer.
type Store struct {
	DB  *pgxpool.Pool
	ORM *gorm.DB
	Bus *bus.Bus
}

// Config controls runtime behaviour for the API handlers.
type Config struct {
	// RPCTimeout bounds one conductor round trip.
	RPCTimeout time.Duration
	// RingMaxAge is how long a cached conductor ring is trusted.
	RingMaxAge time.Duration
	// LivenessWindow mirrors the conductors' own liveness window.
	LivenessWindow time.Duration
}

// API wires dependencies and configuration for the HTTP handlers.
type API struct {
	store  *Store
	box    *secrets.Box
	config Config
	ring   *ringCache
}

// New initialises the API layer. The secrets box needs at least the age
// recipient so enrollment can seal credentials.
func New(store *Store, cfg Config) (*API, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if store.ORM == nil {
		return nil, errors.New("store ORM is required")
	}
	if store.Bus == nil {
		return nil, errors.New("store bus is required")
	}

	if cfg.RPCTimeout <= 0 {
		cfg.RPCTimeout = defaultRPCTimeout
	}
	if cfg.RingMaxAge <= 0 {
		cfg.RingMaxAge = defaultRingMaxAge
	}
	if cfg.LivenessWindow <= 0 {
		cfg.LivenessWindow = defaultLivenessWin
	}

	var box *secrets.Box
	if os.Getenv("CORRALD_AGE_KEY") != "" || os.Getenv("CORRALD_AGE_RECIPIENT") != "" {
		b, err := secrets.NewBoxFromEnv()
		if err != nil {
			return nil, err
		}
		box = b
	}

	a := &API{store: store, box: box, config: cfg}
	a.ring = newRingCache(store.ORM, cfg.RingMaxAge, cfg.LivenessWindow)
	return a, nil
}

// Routes constructs the chi router containing all API endpoints.
func (a *API) Routes() (http.Handler, error) {
	if a == nil {
		return nil, errors.New("nil api")
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Route("/v1", func(r chi.Router) {
		r.Post("/nodes", a.handleEnrollNode)
		r.Get("/nodes", a.handleListNodes)
		r.Get("/nodes/{nodeID}", a.handleGetNode)
		r.Patch("/nodes/{nodeID}", a.handlePatchNode)
		r.Delete("/nodes/{nodeID}", a.handleDeleteNode)

		r.Get("/nodes/{nodeID}/states", a.handleGetStates)
		r.Put("/nodes/{nodeID}/states/provision", a.handleProvisionAction)
		r.Get("/nodes/{nodeID}/history", a.handleNodeHistory)

		r.Post("/nodes/{nodeID}/callback", a.handleAgentCallback)
		r.Get("/boot/{nodeID}/ipxe", a.handleBootScript)
		r.Get("/boot/{nodeID}/agent.conf", a.handleAgentConfig)

		r.Get("/conductors", a.handleListConductors)
	})

	return r, nil
}
