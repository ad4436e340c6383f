package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/umbra-iot/umbra/pkg/devices"
	"github.com/umbra-iot/umbra/pkg/log"
	"github.com/umbra-iot/umbra/pkg/metrics"
	"github.com/umbra-iot/umbra/pkg/notifier"
	"github.com/umbra-iot/umbra/pkg/shadow"
	"github.com/umbra-iot/umbra/pkg/types"
)

// Gateway is the HTTP and WebSocket surface of the daemon. Device and
// shadow reads go straight to the store; desired writes are accepted
// with 202 because application happens asynchronously on the device
// side.
type Gateway struct {
	devices  *devices.Registry
	store    *shadow.Store
	notifier *notifier.Notifier
	logger   zerolog.Logger
	router   chi.Router
}

// New creates a gateway with its routes mounted
func New(deviceReg *devices.Registry, store *shadow.Store, n *notifier.Notifier) *Gateway {
	g := &Gateway{
		devices:  deviceReg,
		store:    store,
		notifier: n,
		logger:   log.WithComponent("gateway"),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(g.countRequests)

	r.Get("/healthz", g.handleHealth)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1/devices", func(r chi.Router) {
		r.Get("/", g.handleListDevices)
		r.Post("/", g.handleCreateDevice)
		r.Get("/{deviceID}", g.handleGetDevice)
		r.Delete("/{deviceID}", g.handleDecommissionDevice)
		r.Get("/{deviceID}/shadow", g.handleGetShadow)
		r.Patch("/{deviceID}/shadow/desired", g.handlePatchDesired)
		r.Get("/{deviceID}/shadow/stream", g.handleStream)
	})

	g.router = r
	return g
}

// Router returns the mounted handler
func (g *Gateway) Router() http.Handler {
	return g.router
}

func (g *Gateway) countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		metrics.APIRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(ww.Status())).Inc()
	})
}

type errorResponse struct {
	Error string `json:"error"`
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Error().Err(err).Msg("failed to encode response")
	}
}

func (g *Gateway) writeError(w http.ResponseWriter, status int, msg string) {
	g.writeJSON(w, status, errorResponse{Error: msg})
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (g *Gateway) handleListDevices(w http.ResponseWriter, r *http.Request) {
	list, err := g.devices.List()
	if err != nil {
		g.logger.Error().Err(err).Msg("failed to list devices")
		g.writeError(w, http.StatusInternalServerError, "failed to list devices")
		return
	}
	g.writeJSON(w, http.StatusOK, list)
}

func (g *Gateway) handleCreateDevice(w http.ResponseWriter, r *http.Request) {
	var device types.Device
	if err := json.NewDecoder(r.Body).Decode(&device); err != nil {
		g.writeError(w, http.StatusBadRequest, "invalid request payload: "+err.Error())
		return
	}
	defer r.Body.Close()

	if err := g.devices.Create(&device); err != nil {
		if errors.Is(err, devices.ErrDeviceExists) {
			g.writeError(w, http.StatusConflict, err.Error())
			return
		}
		g.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	g.logger.Info().Str("device_id", device.ID).Msg("device registered")
	g.writeJSON(w, http.StatusCreated, device)
}

func (g *Gateway) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "deviceID")
	device, err := g.devices.Get(id)
	if err != nil {
		if errors.Is(err, devices.ErrDeviceNotFound) {
			g.writeError(w, http.StatusNotFound, err.Error())
			return
		}
		g.writeError(w, http.StatusInternalServerError, "failed to get device")
		return
	}
	g.writeJSON(w, http.StatusOK, device)
}

func (g *Gateway) handleDecommissionDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "deviceID")
	if err := g.devices.Decommission(id); err != nil {
		if errors.Is(err, devices.ErrDeviceNotFound) {
			g.writeError(w, http.StatusNotFound, err.Error())
			return
		}
		g.writeError(w, http.StatusInternalServerError, "failed to decommission device")
		return
	}
	g.logger.Info().Str("device_id", id).Msg("device decommissioned")
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleGetShadow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "deviceID")
	doc, err := g.store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, devices.ErrDeviceNotFound) {
			g.writeError(w, http.StatusNotFound, err.Error())
			return
		}
		g.writeError(w, http.StatusInternalServerError, "failed to load shadow")
		return
	}
	g.writeJSON(w, http.StatusOK, doc)
}

type desiredResponse struct {
	Status string             `json:"status"`
	Delta  *types.ShadowDelta `json:"delta,omitempty"`
}

func (g *Gateway) handlePatchDesired(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "deviceID")

	var props map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&props); err != nil {
		g.writeError(w, http.StatusBadRequest, "invalid request payload: "+err.Error())
		return
	}
	defer r.Body.Close()
	if len(props) == 0 {
		g.writeError(w, http.StatusBadRequest, "empty property map")
		return
	}

	delta, err := g.store.ApplyDesired(r.Context(), id, props, time.Now().UTC())
	if err != nil {
		if errors.Is(err, devices.ErrDeviceNotFound) {
			g.writeError(w, http.StatusNotFound, err.Error())
			return
		}
		g.writeError(w, http.StatusInternalServerError, "failed to apply desired state")
		return
	}

	g.notifier.Notify(r.Context(), id, delta)
	g.writeJSON(w, http.StatusAccepted, desiredResponse{Status: "pending", Delta: delta})
}
