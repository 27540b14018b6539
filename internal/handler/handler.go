// Package handler contains the HTTP handlers for the dashboard read-side.
// All endpoints are read-only views over store state; the dispatch engine
// never goes through HTTP.
package handler

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/nkm-labs/dispatchsim/internal/repository"
	"github.com/nkm-labs/dispatchsim/internal/service"
)

// listLimit caps the drivers/rides listings.
const listLimit = 50

// Dashboard serves the read-side API.
type Dashboard struct {
	drivers *repository.DriverRepository
	rides   *repository.RideRepository
	metrics *service.MetricsService
	cluster *repository.MetricsRepository
}

// NewDashboard wires the dashboard handlers.
func NewDashboard(
	drivers *repository.DriverRepository,
	rides *repository.RideRepository,
	metrics *service.MetricsService,
	cluster *repository.MetricsRepository,
) *Dashboard {
	return &Dashboard{drivers: drivers, rides: rides, metrics: metrics, cluster: cluster}
}

// ─── DTOs ───────────────────────────────────────────────────

type driverResponse struct {
	DriverID    string  `json:"driver_id"`
	Name        string  `json:"name"`
	Lon         float64 `json:"lon"`
	Lat         float64 `json:"lat"`
	Status      string  `json:"status"`
	Region      int     `json:"region"`
	LastUpdated string  `json:"last_updated"`
}

type rideResponse struct {
	RideID         string   `json:"ride_id"`
	RequestedAt    string   `json:"requested_at"`
	PickupLon      float64  `json:"pickup_lon"`
	PickupLat      float64  `json:"pickup_lat"`
	DropoffLon     float64  `json:"dropoff_lon"`
	DropoffLat     float64  `json:"dropoff_lat"`
	PassengerCount int      `json:"passenger_count"`
	AssignedDriver *string  `json:"assigned_driver"`
	Status         string   `json:"status"`
	MatchLatencyMs *float64 `json:"match_latency_ms"`
	Retries        int      `json:"retries"`
}

// ─── Endpoints ──────────────────────────────────────────────

// Drivers handles GET /api/drivers: the latest 50 drivers by last update.
func (d *Dashboard) Drivers(w http.ResponseWriter, r *http.Request) {
	drivers, err := d.drivers.Latest(r.Context(), listLimit)
	if err != nil {
		log.Printf("[http] drivers query failed: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal_error"})
		return
	}

	resp := make([]driverResponse, 0, len(drivers))
	for _, drv := range drivers {
		resp = append(resp, driverResponse{
			DriverID:    drv.DriverID,
			Name:        drv.Name,
			Lon:         drv.Position.Lon,
			Lat:         drv.Position.Lat,
			Status:      string(drv.Status),
			Region:      drv.Region,
			LastUpdated: drv.LastUpdated.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// Rides handles GET /api/rides: the latest 50 rides by request time.
func (d *Dashboard) Rides(w http.ResponseWriter, r *http.Request) {
	rides, err := d.rides.Latest(r.Context(), listLimit)
	if err != nil {
		log.Printf("[http] rides query failed: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal_error"})
		return
	}

	resp := make([]rideResponse, 0, len(rides))
	for _, ride := range rides {
		resp = append(resp, rideResponse{
			RideID:         ride.RideID,
			RequestedAt:    ride.RequestedAt.Format(time.RFC3339),
			PickupLon:      ride.Pickup.Lon,
			PickupLat:      ride.Pickup.Lat,
			DropoffLon:     ride.Dropoff.Lon,
			DropoffLat:     ride.Dropoff.Lat,
			PassengerCount: ride.PassengerCount,
			AssignedDriver: ride.AssignedDriver,
			Status:         string(ride.Status),
			MatchLatencyMs: ride.MatchLatencyMs,
			Retries:        ride.Retries,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// Metrics handles GET /api/metrics. Transient store errors degrade to an
// empty report rather than a 5xx; the dashboard polls this endpoint and a
// blip should not break it.
func (d *Dashboard) Metrics(w http.ResponseWriter, r *http.Request) {
	report, err := d.metrics.Snapshot(r.Context())
	if err != nil {
		log.Printf("[http] metrics snapshot failed: %v", err)
		writeJSON(w, http.StatusOK, &service.Report{DriversByStatus: map[string]int64{}})
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// ClusterOverview handles GET /api/crdb/overview.
func (d *Dashboard) ClusterOverview(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, d.cluster.ClusterOverviewSnapshot(r.Context()))
}

// writeJSON is a helper that writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
