package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/sprinkler-controller/db"
	"github.com/thatsimonsguy/sprinkler-controller/internal/actuator"
	"github.com/thatsimonsguy/sprinkler-controller/internal/config"
	"github.com/thatsimonsguy/sprinkler-controller/internal/controllers/raindelaycontroller"
	"github.com/thatsimonsguy/sprinkler-controller/internal/controllers/runcontroller"
	"github.com/thatsimonsguy/sprinkler-controller/internal/controllers/schedulecontroller"
	"github.com/thatsimonsguy/sprinkler-controller/internal/model"
	"github.com/thatsimonsguy/sprinkler-controller/internal/policy"
)

type Server struct {
	db        *sql.DB
	config    *config.Config
	runs      *runcontroller.Controller
	rainDelay *raindelaycontroller.Coordinator
	driver    actuator.Driver
	startedAt time.Time
}

type HealthResponse struct {
	Status          string `json:"status"`
	UptimeSeconds   int64  `json:"uptime_seconds"`
	Database        string `json:"database"`
	Driver          string `json:"driver"`
	RainDelayActive bool   `json:"rain_delay_active"`
}

type RainDelayResponse struct {
	Active   bool       `json:"active"`
	InEffect bool       `json:"in_effect"`
	EndsAt   *time.Time `json:"ends_at,omitempty"`
}

type UpcomingResponse struct {
	ScheduleID string    `json:"schedule_id"`
	Name       string    `json:"name"`
	StartsAt   time.Time `json:"starts_at"`
	EndsAt     time.Time `json:"ends_at"`
}

type StatusResponse struct {
	Zones          []model.Zone       `json:"zones"`
	ActiveRuns     []model.ZoneRun    `json:"active_runs"`
	ActiveRunCount int                `json:"active_run_count"`
	RainDelay      RainDelayResponse  `json:"rain_delay"`
	Upcoming       []UpcomingResponse `json:"upcoming"`
}

type StartRunRequest struct {
	DurationMinutes int `json:"duration_minutes"`
}

type ZoneUpdateRequest struct {
	Name                   *string `json:"name"`
	Enabled                *bool   `json:"enabled"`
	Pin                    *int    `json:"pin"`
	DefaultDurationMinutes *int    `json:"default_duration_minutes"`
}

type ScheduleRequest struct {
	Name      string `json:"name"`
	StartHour int    `json:"start_hour"`
	StartMin  int    `json:"start_minute"`
	Days      []int  `json:"days"`
	Enabled   *bool  `json:"enabled"`
	Steps     []struct {
		ZoneNumber      int `json:"zone_number"`
		StepOrder       int `json:"step_order"`
		DurationMinutes int `json:"duration_minutes"`
	} `json:"steps"`
}

type RainDelayRequest struct {
	Active bool `json:"active"`
	Hours  int  `json:"hours"`
}

type EmergencyStopResponse struct {
	RunsStopped     bool `json:"runs_stopped"`
	StoppedCount    int  `json:"stopped_count"`
	PinsDeenergized int  `json:"pins_deenergized"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func NewServer(database *sql.DB, cfg *config.Config, runs *runcontroller.Controller, rainDelay *raindelaycontroller.Coordinator, driver actuator.Driver) *Server {
	return &Server{
		db:        database,
		config:    cfg,
		runs:      runs,
		rainDelay: rainDelay,
		driver:    driver,
		startedAt: time.Now(),
	}
}

// Handler builds the route table with a permissive CORS wrapper for the
// local web UI.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/zones", s.handleZones)
	mux.HandleFunc("/api/zones/", s.handleZoneOperations)
	mux.HandleFunc("/api/schedules", s.handleSchedules)
	mux.HandleFunc("/api/schedules/", s.handleScheduleOperations)
	mux.HandleFunc("/api/runs", s.handleRuns)
	mux.HandleFunc("/api/rain-delay", s.handleRainDelay)
	mux.HandleFunc("/api/emergency-stop", s.handleEmergencyStop)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		mux.ServeHTTP(w, r)
	})
}

func (s *Server) Start(port int) error {
	addr := fmt.Sprintf("0.0.0.0:%d", port)
	log.Info().Str("address", addr).Msg("Starting REST API server")
	return http.ListenAndServe(addr, s.Handler())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	health := HealthResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Database:      "ok",
		Driver:        s.driver.Name(),
	}
	if err := s.db.Ping(); err != nil {
		health.Status = "degraded"
		health.Database = err.Error()
	}
	if status, err := db.GetSystemStatus(s.db); err == nil {
		health.RainDelayActive = status.RainDelayActive
	}
	s.writeJSON(w, http.StatusOK, health)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	zones, err := db.GetAllZones(s.db)
	if err != nil {
		s.writeDBError(w, err, "Failed to get zones")
		return
	}
	running, err := db.GetRunningRuns(s.db)
	if err != nil {
		s.writeDBError(w, err, "Failed to get running runs")
		return
	}
	status, err := db.GetSystemStatus(s.db)
	if err != nil {
		s.writeDBError(w, err, "Failed to get system status")
		return
	}
	schedules, err := db.GetAllSchedules(s.db)
	if err != nil {
		s.writeDBError(w, err, "Failed to get schedules")
		return
	}

	now := time.Now()
	var upcoming []UpcomingResponse
	for _, sched := range schedules {
		if !sched.Enabled {
			continue
		}
		startsAt, ok := schedulecontroller.NextOccurrence(sched, now)
		if !ok {
			continue
		}
		upcoming = append(upcoming, UpcomingResponse{
			ScheduleID: sched.ID,
			Name:       sched.Name,
			StartsAt:   startsAt,
			EndsAt:     startsAt.Add(schedulecontroller.TotalDuration(sched)),
		})
	}

	s.writeJSON(w, http.StatusOK, StatusResponse{
		Zones:          zones,
		ActiveRuns:     running,
		ActiveRunCount: len(running),
		RainDelay: RainDelayResponse{
			Active:   status.RainDelayActive,
			InEffect: policy.RainDelayInEffect(status, now),
			EndsAt:   status.RainDelayEndsAt,
		},
		Upcoming: upcoming,
	})
}

func (s *Server) handleZones(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	zones, err := db.GetAllZones(s.db)
	if err != nil {
		s.writeDBError(w, err, "Failed to get zones")
		return
	}
	s.writeJSON(w, http.StatusOK, zones)
}

func (s *Server) handleZoneOperations(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/zones/")
	parts := strings.Split(path, "/")

	if len(parts) < 1 || parts[0] == "" {
		s.writeError(w, http.StatusNotFound, "Zone number required")
		return
	}
	zoneNumber, err := strconv.Atoi(parts[0])
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Zone number must be an integer")
		return
	}

	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		s.getZone(w, zoneNumber)
	case len(parts) == 1 && r.Method == http.MethodPut:
		s.updateZone(w, r, zoneNumber)
	case len(parts) == 2 && parts[1] == "start" && r.Method == http.MethodPost:
		s.startZone(w, r, zoneNumber)
	case len(parts) == 2 && parts[1] == "stop" && r.Method == http.MethodPost:
		s.stopZone(w, zoneNumber)
	default:
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (s *Server) getZone(w http.ResponseWriter, zoneNumber int) {
	zone, err := db.GetZoneByNumber(s.db, zoneNumber)
	if err != nil {
		s.writeDBError(w, err, "Failed to get zone")
		return
	}
	s.writeJSON(w, http.StatusOK, zone)
}

func (s *Server) updateZone(w http.ResponseWriter, r *http.Request, zoneNumber int) {
	var req ZoneUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON payload")
		return
	}

	zone, err := db.GetZoneByNumber(s.db, zoneNumber)
	if err != nil {
		s.writeDBError(w, err, "Failed to get zone")
		return
	}

	if req.Name != nil {
		zone.Name = *req.Name
	}
	if req.Enabled != nil {
		zone.Enabled = *req.Enabled
	}
	if req.Pin != nil {
		if !s.config.PinAllowed(*req.Pin) {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("Pin %d is not a safe valve pin", *req.Pin))
			return
		}
		zone.Pin.Number = *req.Pin
	}
	if req.DefaultDurationMinutes != nil {
		d := *req.DefaultDurationMinutes
		if d < s.config.Policy.MinDurationMinutes || d > s.config.Policy.MaxDurationMinutes {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("Default duration must be between %d and %d minutes",
				s.config.Policy.MinDurationMinutes, s.config.Policy.MaxDurationMinutes))
			return
		}
		zone.DefaultDurationMinutes = d
	}

	if err := db.UpdateZone(s.db, *zone); err != nil {
		s.writeDBError(w, err, "Failed to update zone")
		return
	}

	log.Info().Int("zone", zoneNumber).Msg("Zone updated via API")
	s.writeJSON(w, http.StatusOK, zone)
}

func (s *Server) startZone(w http.ResponseWriter, r *http.Request, zoneNumber int) {
	var req StartRunRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "Invalid JSON payload")
			return
		}
	}

	receipt, err := s.runs.Start(zoneNumber, req.DurationMinutes, model.ManualSource())
	if err != nil {
		s.writeStartError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, receipt)
}

func (s *Server) stopZone(w http.ResponseWriter, zoneNumber int) {
	if err := s.runs.Stop(zoneNumber); err != nil {
		s.writeDBError(w, err, "Failed to stop zone")
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleSchedules(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		schedules, err := db.GetAllSchedules(s.db)
		if err != nil {
			s.writeDBError(w, err, "Failed to get schedules")
			return
		}
		s.writeJSON(w, http.StatusOK, schedules)
	case http.MethodPost:
		s.createSchedule(w, r)
	default:
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (s *Server) handleScheduleOperations(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/schedules/")
	if id == "" || strings.Contains(id, "/") {
		s.writeError(w, http.StatusNotFound, "Schedule ID required")
		return
	}

	switch r.Method {
	case http.MethodGet:
		schedule, err := db.GetScheduleByID(s.db, id)
		if err != nil {
			s.writeDBError(w, err, "Failed to get schedule")
			return
		}
		s.writeJSON(w, http.StatusOK, schedule)
	case http.MethodPut:
		s.updateSchedule(w, r, id)
	case http.MethodDelete:
		if err := db.DeleteSchedule(s.db, id); err != nil {
			s.writeDBError(w, err, "Failed to delete schedule")
			return
		}
		log.Info().Str("schedule", id).Msg("Schedule deleted via API")
		w.WriteHeader(http.StatusNoContent)
	default:
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	schedule, ok := s.decodeSchedule(w, r)
	if !ok {
		return
	}
	schedule.ID = uuid.NewString()

	if err := db.InsertSchedule(s.db, schedule); err != nil {
		s.writeDBError(w, err, "Failed to insert schedule")
		return
	}
	log.Info().Str("schedule", schedule.ID).Str("name", schedule.Name).Msg("Schedule created via API")
	s.writeJSON(w, http.StatusCreated, schedule)
}

func (s *Server) updateSchedule(w http.ResponseWriter, r *http.Request, id string) {
	schedule, ok := s.decodeSchedule(w, r)
	if !ok {
		return
	}
	schedule.ID = id

	if err := db.UpdateSchedule(s.db, schedule); err != nil {
		s.writeDBError(w, err, "Failed to update schedule")
		return
	}
	log.Info().Str("schedule", id).Msg("Schedule updated via API")
	s.writeJSON(w, http.StatusOK, schedule)
}

// decodeSchedule parses and validates a schedule payload. On failure it has
// already written the error response.
func (s *Server) decodeSchedule(w http.ResponseWriter, r *http.Request) (model.Schedule, bool) {
	var req ScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON payload")
		return model.Schedule{}, false
	}

	if req.Name == "" {
		s.writeError(w, http.StatusBadRequest, "Schedule name is required")
		return model.Schedule{}, false
	}
	if req.StartHour < 0 || req.StartHour > 23 || req.StartMin < 0 || req.StartMin > 59 {
		s.writeError(w, http.StatusBadRequest, "Invalid start time")
		return model.Schedule{}, false
	}
	if len(req.Days) == 0 {
		s.writeError(w, http.StatusBadRequest, "At least one day is required")
		return model.Schedule{}, false
	}
	if len(req.Steps) == 0 {
		s.writeError(w, http.StatusBadRequest, "At least one step is required")
		return model.Schedule{}, false
	}

	var days []time.Weekday
	for _, d := range req.Days {
		if d < 0 || d > 6 {
			s.writeError(w, http.StatusBadRequest, "Days must be 0 (Sunday) through 6 (Saturday)")
			return model.Schedule{}, false
		}
		days = append(days, time.Weekday(d))
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	schedule := model.Schedule{
		Name:      req.Name,
		StartTime: model.TimeOfDay{Hour: req.StartHour, Minute: req.StartMin},
		Days:      days,
		Enabled:   enabled,
	}
	for _, step := range req.Steps {
		if _, err := db.GetZoneByNumber(s.db, step.ZoneNumber); err != nil {
			if isNoRows(err) {
				s.writeError(w, http.StatusBadRequest, fmt.Sprintf("Step references unknown zone %d", step.ZoneNumber))
				return model.Schedule{}, false
			}
			s.writeDBError(w, err, "Failed to check step zone")
			return model.Schedule{}, false
		}
		schedule.Steps = append(schedule.Steps, model.ScheduleStep{
			ZoneNumber:      step.ZoneNumber,
			StepOrder:       step.StepOrder,
			DurationMinutes: step.DurationMinutes,
		})
	}

	if _, err := schedulecontroller.BuildTimeline(schedule); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return model.Schedule{}, false
	}
	return schedule, true
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			s.writeError(w, http.StatusBadRequest, "Limit must be a positive integer")
			return
		}
		limit = n
	}

	runs, err := db.GetRecentRuns(s.db, limit)
	if err != nil {
		s.writeDBError(w, err, "Failed to get runs")
		return
	}
	s.writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleRainDelay(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		status, err := db.GetSystemStatus(s.db)
		if err != nil {
			s.writeDBError(w, err, "Failed to get system status")
			return
		}
		s.writeJSON(w, http.StatusOK, RainDelayResponse{
			Active:   status.RainDelayActive,
			InEffect: policy.RainDelayInEffect(status, time.Now()),
			EndsAt:   status.RainDelayEndsAt,
		})
	case http.MethodPut:
		var req RainDelayRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "Invalid JSON payload")
			return
		}
		var err error
		if req.Active {
			err = s.rainDelay.Activate(req.Hours)
		} else {
			err = s.rainDelay.Deactivate()
		}
		if err != nil {
			s.writeDBError(w, err, "Failed to update rain delay")
			return
		}
		w.WriteHeader(http.StatusOK)
	default:
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// handleEmergencyStop cancels every run and then drives every configured pin
// to its de-energized level, including pins no run was using.
func (s *Server) handleEmergencyStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	stopped := s.runs.StopAll("emergency stop")

	zones, err := db.GetAllZones(s.db)
	if err != nil {
		s.writeDBError(w, err, "Failed to get zones")
		return
	}
	deenergized := 0
	for _, zone := range zones {
		if err := s.driver.Deenergize(zone.Pin); err != nil {
			log.Error().Err(err).Int("zone", zone.Number).Int("pin", zone.Pin.Number).Msg("Emergency stop could not de-energize pin")
			continue
		}
		deenergized++
	}

	log.Warn().Int("runs_stopped", stopped).Int("pins_deenergized", deenergized).Msg("Emergency stop triggered via API")
	s.writeJSON(w, http.StatusOK, EmergencyStopResponse{
		RunsStopped:     stopped > 0,
		StoppedCount:    stopped,
		PinsDeenergized: deenergized,
	})
}

// writeStartError maps an activation failure onto a status code: unknown zone
// is 404, a bad duration is 400, other policy rejections are 409, and an
// actuator fault is 502.
func (s *Server) writeStartError(w http.ResponseWriter, err error) {
	var actErr *actuator.Error
	switch {
	case isNoRows(err):
		s.writeError(w, http.StatusNotFound, "Zone not found")
	case errors.Is(err, policy.ErrInvalidDuration):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case policy.Reason(err) != "":
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &actErr):
		s.writeError(w, http.StatusBadGateway, err.Error())
	default:
		log.Error().Err(err).Msg("Failed to start zone")
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) writeDBError(w http.ResponseWriter, err error, msg string) {
	if isNoRows(err) {
		s.writeError(w, http.StatusNotFound, "Not found")
		return
	}
	log.Error().Err(err).Msg(msg)
	s.writeError(w, http.StatusInternalServerError, err.Error())
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows) || strings.Contains(err.Error(), "no rows in result set")
}

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponse{Error: message})
}
