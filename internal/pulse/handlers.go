package pulse

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// DeviceStatus is the response of the status endpoint.
type DeviceStatus struct {
	DeviceID string `json:"device_id" example:"core-rtr-01"`
	Host     string `json:"host" example:"192.168.1.1"`
	State    State  `json:"state" example:"HEALTHY"`
	Up       bool   `json:"up" example:"true"`
}

// Handler serves the read-only pulse API. Status routes answer from the
// in-memory records and never probe; history routes need a store.
type Handler struct {
	status StatusReader
	store  *PulseStore // nil when history is disabled
	logger *zap.Logger
}

// NewHandler creates the API handler. store may be nil.
func NewHandler(status StatusReader, store *PulseStore, logger *zap.Logger) *Handler {
	return &Handler{status: status, store: store, logger: logger}
}

// RegisterRoutes mounts the pulse routes under /api/v1/pulse/.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/pulse/status/{device_id}", h.handleDeviceStatus)
	mux.HandleFunc("GET /api/v1/pulse/devices", h.handleListDevices)
	mux.HandleFunc("GET /api/v1/pulse/devices/{device_id}", h.handleDeviceRecord)
	mux.HandleFunc("GET /api/v1/pulse/results/{device_id}", h.handleDeviceResults)
	mux.HandleFunc("GET /api/v1/pulse/transitions/{device_id}", h.handleDeviceTransitions)
	mux.HandleFunc("GET /api/v1/pulse/remediations/{device_id}", h.handleDeviceRemediations)
	mux.HandleFunc("GET /api/v1/pulse/incidents", h.handleListIncidents)
}

// handleDeviceStatus returns the current lifecycle state of a device.
//
//	@Summary		Device status
//	@Description	Returns the device's current state from the health record snapshot.
//	@Tags			pulse
//	@Produce		json
//	@Security		BearerAuth
//	@Param			device_id path string true "Device ID"
//	@Success		200 {object} DeviceStatus
//	@Failure		404 {object} map[string]any
//	@Router			/pulse/status/{device_id} [get]
func (h *Handler) handleDeviceStatus(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.record(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, DeviceStatus{
		DeviceID: rec.DeviceID,
		Host:     rec.Host,
		State:    rec.State,
		Up:       rec.State.Up(),
	})
}

// handleListDevices returns every device's health record.
//
//	@Summary		List device health
//	@Tags			pulse
//	@Produce		json
//	@Security		BearerAuth
//	@Success		200 {array} DeviceHealthRecord
//	@Router			/pulse/devices [get]
func (h *Handler) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.status.Snapshot())
}

// handleDeviceRecord returns one device's full health record.
//
//	@Summary		Device health record
//	@Tags			pulse
//	@Produce		json
//	@Security		BearerAuth
//	@Param			device_id path string true "Device ID"
//	@Success		200 {object} DeviceHealthRecord
//	@Failure		404 {object} map[string]any
//	@Router			/pulse/devices/{device_id} [get]
func (h *Handler) handleDeviceRecord(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.record(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleDeviceResults returns stored probe results for a device.
//
//	@Summary		Device probe history
//	@Tags			pulse
//	@Produce		json
//	@Security		BearerAuth
//	@Param			device_id path string true "Device ID"
//	@Param			limit query int false "Maximum results" default(100)
//	@Success		200 {array} ProbeResult
//	@Failure		404 {object} map[string]any
//	@Failure		503 {object} map[string]any
//	@Router			/pulse/results/{device_id} [get]
func (h *Handler) handleDeviceResults(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.historyRecord(w, r)
	if !ok {
		return
	}
	results, err := h.store.ListResults(r.Context(), rec.DeviceID, parseLimit(r, 100))
	if err != nil {
		h.logger.Warn("failed to list results", zap.String("device_id", rec.DeviceID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list results")
		return
	}
	if results == nil {
		results = []ProbeResult{}
	}
	writeJSON(w, http.StatusOK, results)
}

// handleDeviceTransitions returns stored state transitions for a device.
//
//	@Summary		Device transitions
//	@Tags			pulse
//	@Produce		json
//	@Security		BearerAuth
//	@Param			device_id path string true "Device ID"
//	@Param			limit query int false "Maximum transitions" default(100)
//	@Success		200 {array} Transition
//	@Failure		404 {object} map[string]any
//	@Failure		503 {object} map[string]any
//	@Router			/pulse/transitions/{device_id} [get]
func (h *Handler) handleDeviceTransitions(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.historyRecord(w, r)
	if !ok {
		return
	}
	trs, err := h.store.ListTransitions(r.Context(), rec.DeviceID, parseLimit(r, 100))
	if err != nil {
		h.logger.Warn("failed to list transitions", zap.String("device_id", rec.DeviceID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list transitions")
		return
	}
	if trs == nil {
		trs = []Transition{}
	}
	writeJSON(w, http.StatusOK, trs)
}

// handleDeviceRemediations returns stored remediation outcomes for a device.
//
//	@Summary		Device remediations
//	@Tags			pulse
//	@Produce		json
//	@Security		BearerAuth
//	@Param			device_id path string true "Device ID"
//	@Param			limit query int false "Maximum outcomes" default(50)
//	@Success		200 {array} RemediationOutcome
//	@Failure		404 {object} map[string]any
//	@Failure		503 {object} map[string]any
//	@Router			/pulse/remediations/{device_id} [get]
func (h *Handler) handleDeviceRemediations(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.historyRecord(w, r)
	if !ok {
		return
	}
	outs, err := h.store.ListRemediations(r.Context(), rec.DeviceID, parseLimit(r, 50))
	if err != nil {
		h.logger.Warn("failed to list remediations", zap.String("device_id", rec.DeviceID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list remediations")
		return
	}
	if outs == nil {
		outs = []RemediationOutcome{}
	}
	writeJSON(w, http.StatusOK, outs)
}

// handleListIncidents returns recorded incidents.
//
//	@Summary		List incidents
//	@Tags			pulse
//	@Produce		json
//	@Security		BearerAuth
//	@Param			open query bool false "Only unresolved incidents"
//	@Param			limit query int false "Maximum incidents" default(100)
//	@Success		200 {array} Incident
//	@Failure		503 {object} map[string]any
//	@Router			/pulse/incidents [get]
func (h *Handler) handleListIncidents(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusServiceUnavailable, "history store not available")
		return
	}
	openOnly, _ := strconv.ParseBool(r.URL.Query().Get("open"))
	incidents, err := h.store.ListIncidents(r.Context(), openOnly, parseLimit(r, 100))
	if err != nil {
		h.logger.Warn("failed to list incidents", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list incidents")
		return
	}
	if incidents == nil {
		incidents = []Incident{}
	}
	writeJSON(w, http.StatusOK, incidents)
}

// record resolves the device_id path value, writing 404 for unknown devices.
func (h *Handler) record(w http.ResponseWriter, r *http.Request) (DeviceHealthRecord, bool) {
	deviceID := r.PathValue("device_id")
	if deviceID == "" {
		writeError(w, http.StatusBadRequest, "device_id is required")
		return DeviceHealthRecord{}, false
	}
	rec, ok := h.status.Record(deviceID)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown device "+strconv.Quote(deviceID))
		return DeviceHealthRecord{}, false
	}
	return rec, true
}

func (h *Handler) historyRecord(w http.ResponseWriter, r *http.Request) (DeviceHealthRecord, bool) {
	if h.store == nil {
		writeError(w, http.StatusServiceUnavailable, "history store not available")
		return DeviceHealthRecord{}, false
	}
	return h.record(w, r)
}

// -- helpers --

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"type":   "https://netmedic.dev/problems/" + strings.ReplaceAll(strings.ToLower(http.StatusText(status)), " ", "-"),
		"title":  http.StatusText(status),
		"status": status,
		"detail": detail,
	})
}

func parseLimit(r *http.Request, defaultLimit int) int {
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 && n <= 1000 {
			return n
		}
	}
	return defaultLimit
}
