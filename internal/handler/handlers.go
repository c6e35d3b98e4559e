// Package handler serves the connector status surface over HTTP.
package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	internalerrors "github.com/Schera-ole/cloudconnector/internal/errors"
	middlewareinternal "github.com/Schera-ole/cloudconnector/internal/middleware"
	"github.com/Schera-ole/cloudconnector/internal/service"
)

// DefaultReportLimit caps GET /reports when no limit is given.
const DefaultReportLimit = 100

// Router builds the status routes. metrics may be nil to leave /metrics out.
func Router(
	statusService *service.StatusService,
	metrics http.Handler,
	logger *zap.SugaredLogger,
) chi.Router {
	router := chi.NewRouter()
	router.Use(middlewareinternal.RequestLogger(logger))
	// promhttp negotiates its own encoding
	router.Use(middlewareinternal.Compress("/metrics"))
	router.Use(middleware.StripSlashes)
	router.Use(middleware.Timeout(15 * time.Second))
	router.Get("/ping", func(w http.ResponseWriter, r *http.Request) {
		PingHandler(w, r, statusService, logger)
	})
	router.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		StatusListHandler(w, r, statusService, logger)
	})
	router.Get("/status/{device}", func(w http.ResponseWriter, r *http.Request) {
		StatusHandler(w, r, statusService, logger)
	})
	router.Get("/reports", func(w http.ResponseWriter, r *http.Request) {
		ReportsHandler(w, r, statusService, logger)
	})
	if metrics != nil {
		router.Method(http.MethodGet, "/metrics", metrics)
	}
	return router
}

func PingHandler(w http.ResponseWriter, r *http.Request, statusService *service.StatusService, logger *zap.SugaredLogger) {
	err := statusService.Ping(r.Context())
	if err != nil {
		logger.Errorw("report storage ping failed", "error", err)
		http.Error(w, "Report storage unavailable: "+err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func StatusListHandler(w http.ResponseWriter, r *http.Request, statusService *service.StatusService, logger *zap.SugaredLogger) {
	writeJSON(w, http.StatusOK, statusService.Devices(), logger)
}

func StatusHandler(w http.ResponseWriter, r *http.Request, statusService *service.StatusService, logger *zap.SugaredLogger) {
	device := chi.URLParam(r, middlewareinternal.DeviceParam)
	status, err := statusService.Device(device)
	if err != nil {
		if errors.Is(err, internalerrors.ErrDeviceNotFound) {
			http.Error(w, "Device not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, status, logger)
}

func ReportsHandler(w http.ResponseWriter, r *http.Request, statusService *service.StatusService, logger *zap.SugaredLogger) {
	limit := DefaultReportLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "limit should be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	reports, err := statusService.Reports(r.Context(), r.URL.Query().Get("device"), limit)
	if err != nil {
		logger.Errorw("list reports failed", "error", err)
		http.Error(w, "Failed to list reports", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, reports, logger)
}

// writeJSON sends v with status. The header is already out when encoding
// fails, so the failure can only be logged.
func writeJSON(w http.ResponseWriter, status int, v any, logger *zap.SugaredLogger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Errorw("failed to write response", "status", status, "error", err)
	}
}
