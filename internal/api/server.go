// Package api serves the latest estimate, stored run records and a live
// chart over HTTP.
package api

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/vehicle-state/internal/db"
	"github.com/banshee-data/vehicle-state/internal/estimation"
	"github.com/banshee-data/vehicle-state/internal/httputil"
	"github.com/banshee-data/vehicle-state/internal/serialmux"
	"github.com/banshee-data/vehicle-state/internal/units"
)

const (
	colorCyan      = "\033[36m"
	colorReset     = "\033[0m"
	colorYellow    = "\033[33m"
	colorBoldGreen = "\033[1;32m"
	colorBoldRed   = "\033[1;31m"
)

// EstimateSource provides the most recent estimate. *pipeline.Loop
// implements it.
type EstimateSource interface {
	Latest() (estimation.Estimate, bool)
}

type Server struct {
	source EstimateSource
	m      serialmux.SerialMuxInterface
	db     *db.DB
	runID  string
	units  string
}

// NewServer builds a Server. db may be nil, in which case the record and
// chart endpoints answer 404. runID is the run that record queries default to.
func NewServer(source EstimateSource, m serialmux.SerialMuxInterface, store *db.DB, runID, defaultUnits string) *Server {
	if defaultUnits == "" {
		defaultUnits = units.MPS
	}
	return &Server{source: source, m: m, db: store, runID: runID, units: defaultUnits}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	code := strconv.Itoa(statusCode)
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + code + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + code + colorReset
	case statusCode >= 400:
		return colorBoldRed + code + colorReset
	default:
		return code
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/estimate", s.showEstimate)
	mux.HandleFunc("/api/records", s.listRecords)
	mux.HandleFunc("/api/runs", s.listRuns)
	mux.HandleFunc("/api/config", s.showConfig)
	mux.HandleFunc("/command", s.sendCommandHandler)
	mux.HandleFunc("/chart", s.showChart)
	return mux
}

// EstimateResponse is an estimate converted to the requested units.
type EstimateResponse struct {
	Time       time.Time `json:"time"`
	VX         float64   `json:"vx"`
	VY         float64   `json:"vy"`
	YawRate    float64   `json:"yaw_rate"`
	SlipAngle  float64   `json:"slip_angle_rad"`
	FilterMode string    `json:"filter_mode"`
	SpeedUnits string    `json:"speed_units"`
	RateUnits  string    `json:"rate_units"`
}

func newEstimateResponse(e estimation.Estimate, speedUnits string) EstimateResponse {
	rateUnits := units.RateUnitForSpeed(speedUnits)
	return EstimateResponse{
		Time:       e.Time,
		VX:         units.ConvertSpeed(e.VX, speedUnits),
		VY:         units.ConvertSpeed(e.VY, speedUnits),
		YawRate:    units.ConvertYawRate(e.YawRate, rateUnits),
		SlipAngle:  e.SlipAngle,
		FilterMode: e.Mode.String(),
		SpeedUnits: speedUnits,
		RateUnits:  rateUnits,
	}
}

// requestUnits returns the ?units= override or the server default.
func (s *Server) requestUnits(r *http.Request) (string, error) {
	u := r.URL.Query().Get("units")
	if u == "" {
		return s.units, nil
	}
	if err := units.ValidateSpeed(u); err != nil {
		return "", err
	}
	return u, nil
}

func (s *Server) showEstimate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	u, err := s.requestUnits(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	e, ok := s.source.Latest()
	if !ok {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "no estimate yet")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, newEstimateResponse(e, u))
}

// RecordResponse is a stored record with estimates converted to the
// requested units.
type RecordResponse struct {
	T             float64 `json:"t"`
	WZ            float64 `json:"w_z"`
	AX            float64 `json:"a_x"`
	AY            float64 `json:"a_y"`
	CountFL       int64   `json:"n_fl"`
	CountFR       int64   `json:"n_fr"`
	Drive         float64 `json:"motor_pwm"`
	Steering      float64 `json:"servo_pwm"`
	SteeringAngle float64 `json:"d_f"`
	VX            float64 `json:"vhat_x"`
	VY            float64 `json:"vhat_y"`
	YawRate       float64 `json:"what_z"`
}

func (s *Server) recordQuery(w http.ResponseWriter, r *http.Request) (runID string, limit int, ok bool) {
	if s.db == nil {
		httputil.WriteJSONError(w, http.StatusNotFound, "no database configured")
		return "", 0, false
	}
	runID = r.URL.Query().Get("run_id")
	if runID == "" {
		runID = s.runID
	}
	if runID == "" {
		httputil.BadRequest(w, "missing 'run_id' parameter")
		return "", 0, false
	}
	limit = 500
	if l := r.URL.Query().Get("limit"); l != "" {
		v, err := strconv.Atoi(l)
		if err != nil || v < 1 || v > 100000 {
			httputil.BadRequest(w, "invalid 'limit' parameter")
			return "", 0, false
		}
		limit = v
	}
	return runID, limit, true
}

func (s *Server) listRecords(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	u, err := s.requestUnits(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	runID, limit, ok := s.recordQuery(w, r)
	if !ok {
		return
	}
	recs, err := s.db.RecentRecords(runID, limit)
	if err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to retrieve records: %v", err))
		return
	}

	rateUnits := units.RateUnitForSpeed(u)
	out := make([]RecordResponse, len(recs))
	for i, rec := range recs {
		out[i] = RecordResponse{
			T:             rec.T,
			WZ:            units.ConvertYawRate(rec.WZ, rateUnits),
			AX:            rec.AX,
			AY:            rec.AY,
			CountFL:       rec.CountFL,
			CountFR:       rec.CountFR,
			Drive:         rec.Drive,
			Steering:      rec.Steering,
			SteeringAngle: rec.SteeringAngle,
			VX:            units.ConvertSpeed(rec.VX, u),
			VY:            units.ConvertSpeed(rec.VY, u),
			YawRate:       units.ConvertYawRate(rec.YawRate, rateUnits),
		}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"run_id":      runID,
		"speed_units": u,
		"rate_units":  rateUnits,
		"records":     out,
	})
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.db == nil {
		httputil.WriteJSONError(w, http.StatusNotFound, "no database configured")
		return
	}
	runs, err := s.db.Runs(100)
	if err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to retrieve runs: %v", err))
		return
	}
	if runs == nil {
		runs = []db.Run{}
	}
	httputil.WriteJSON(w, http.StatusOK, runs)
}

func (s *Server) showConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"units":  s.units,
		"run_id": s.runID,
	})
}

func (s *Server) sendCommandHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	command := r.FormValue("command")
	if command == "" {
		httputil.BadRequest(w, "missing 'command'")
		return
	}
	if err := s.m.SendCommand(command); err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, "failed to send command")
		return
	}
	io.WriteString(w, "Command sent successfully")
}
