package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/vehicle-state/internal/db"
	"github.com/banshee-data/vehicle-state/internal/estimation"
	"github.com/banshee-data/vehicle-state/internal/serialmux"
)

type fixedSource struct {
	e  estimation.Estimate
	ok bool
}

func (f fixedSource) Latest() (estimation.Estimate, bool) { return f.e, f.ok }

type recordingMux struct {
	serialmux.DisabledSerialMux
	sent []string
	err  error
}

func (m *recordingMux) SendCommand(cmd string) error {
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, cmd)
	return nil
}

func setupRun(t *testing.T) (*db.DB, string) {
	t.Helper()
	store, err := db.NewDB(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	run := &db.Run{SignalID: "alice-Circular", User: "alice", Experiment: "Circular"}
	require.NoError(t, store.CreateRun(run))
	rec := store.NewRunRecorder(run.RunID, 10)
	for i := 0; i < 5; i++ {
		require.NoError(t, rec.WriteRecord(estimation.Record{T: float64(i) * 0.02, WZ: 0.5, VX: 10, VY: 1, YawRate: 0.5}))
	}
	require.NoError(t, rec.Flush())
	return store, run.RunID
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestShowEstimate(t *testing.T) {
	src := fixedSource{ok: true, e: estimation.Estimate{
		Time: time.Unix(1700000000, 0).UTC(), VX: 10, VY: -1, YawRate: 0.5, SlipAngle: -0.1, Mode: estimation.FilterActive,
	}}
	s := NewServer(src, serialmux.NewDisabledSerialMux(), nil, "", "")
	mux := s.ServeMux()

	rec := get(t, mux, "/api/estimate")
	require.Equal(t, http.StatusOK, rec.Code)
	var got EstimateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, 10.0, got.VX)
	assert.Equal(t, 0.5, got.YawRate)
	assert.Equal(t, "active", got.FilterMode)
	assert.Equal(t, "mps", got.SpeedUnits)
	assert.Equal(t, "rad/s", got.RateUnits)

	rec = get(t, mux, "/api/estimate?units=kph")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.InDelta(t, 36.0, got.VX, 1e-9)
	assert.InDelta(t, -3.6, got.VY, 1e-9)
	assert.Equal(t, "deg/s", got.RateUnits)
	assert.InDelta(t, 28.6479, got.YawRate, 1e-3)

	rec = get(t, mux, "/api/estimate?units=knots")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "mps, mph, kmph, kph")
}

func TestShowEstimateBeforeFirstTick(t *testing.T) {
	s := NewServer(fixedSource{}, serialmux.NewDisabledSerialMux(), nil, "", "")
	rec := get(t, s.ServeMux(), "/api/estimate")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	s.ServeMux().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/estimate", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestListRecordsAndRuns(t *testing.T) {
	store, runID := setupRun(t)
	s := NewServer(fixedSource{}, serialmux.NewDisabledSerialMux(), store, runID, "mph")
	mux := s.ServeMux()

	rec := get(t, mux, "/api/records?limit=3")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var body struct {
		RunID      string           `json:"run_id"`
		SpeedUnits string           `json:"speed_units"`
		Records    []RecordResponse `json:"records"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, runID, body.RunID)
	assert.Equal(t, "mph", body.SpeedUnits)
	require.Len(t, body.Records, 3)
	assert.InDelta(t, 0.04, body.Records[0].T, 1e-9, "oldest of the latest three first")
	assert.InDelta(t, 22.369, body.Records[0].VX, 1e-3)

	rec = get(t, mux, "/api/records?limit=0")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = get(t, mux, "/api/runs")
	require.Equal(t, http.StatusOK, rec.Code)
	var runs []db.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, 5, runs[0].Records)
}

func TestRecordsWithoutDatabase(t *testing.T) {
	s := NewServer(fixedSource{}, serialmux.NewDisabledSerialMux(), nil, "", "")
	mux := s.ServeMux()
	assert.Equal(t, http.StatusNotFound, get(t, mux, "/api/records").Code)
	assert.Equal(t, http.StatusNotFound, get(t, mux, "/api/runs").Code)
	assert.Equal(t, http.StatusNotFound, get(t, mux, "/chart").Code)
}

func TestShowChart(t *testing.T) {
	store, runID := setupRun(t)
	s := NewServer(fixedSource{}, serialmux.NewDisabledSerialMux(), store, runID, "")
	rec := get(t, s.ServeMux(), "/chart")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))
	body := rec.Body.String()
	assert.Contains(t, body, "echarts")
	assert.Contains(t, body, "vhat_x")
	assert.Contains(t, body, "what_z")
}

func TestSendCommand(t *testing.T) {
	m := &recordingMux{}
	s := NewServer(fixedSource{}, m, nil, "", "")
	mux := s.ServeMux()

	post := func(cmd string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/command", strings.NewReader(url.Values{"command": {cmd}}.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusOK, post("S+imu").Code)
	assert.Equal(t, []string{"S+imu"}, m.sent)
	assert.Equal(t, http.StatusBadRequest, post("").Code)

	m.err = errors.New("port closed")
	assert.Equal(t, http.StatusInternalServerError, post("S-imu").Code)
}

func TestLoggingMiddlewarePassesStatus(t *testing.T) {
	h := LoggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := get(t, h, "/anything")
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Contains(t, statusCodeColor(http.StatusTeapot), "418")
}
