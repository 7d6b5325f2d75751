package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"icfesprep/internal/config"
	"icfesprep/internal/observability"
	"icfesprep/internal/worker"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockReaper struct {
	mock.Mock
}

func (m *mockReaper) GetInstance() string {
	return m.Called().String(0)
}

func (m *mockReaper) GetStatus() worker.Status {
	return m.Called().Get(0).(worker.Status)
}

func (m *mockReaper) GetHistory() []worker.RunRecord {
	return m.Called().Get(0).([]worker.RunRecord)
}

func (m *mockReaper) GetActivityLogs() []worker.ActivityLog {
	return m.Called().Get(0).([]worker.ActivityLog)
}

func (m *mockReaper) TriggerManualRun() bool {
	return m.Called().Bool(0)
}

func (m *mockReaper) Pause(ctx context.Context) {
	m.Called(ctx)
}

func (m *mockReaper) Resume(ctx context.Context) {
	m.Called(ctx)
}

func newWorkerTestRouter(reaper ReaperController) *gin.Engine {
	cfg := &config.Config{}
	router := NewWorkerRouter(cfg, reaper, observability.NewLogger(&config.OpenTelemetryConfig{EnableLogging: false}))
	gin.SetMode(gin.TestMode)
	return router
}

func TestWorkerRouter_Status(t *testing.T) {
	reaper := &mockReaper{}
	finished := time.Date(2026, 5, 2, 10, 0, 0, 0, time.UTC)
	reaper.On("GetInstance").Return("default")
	reaper.On("GetStatus").Return(worker.Status{IsRunning: true, TotalReaped: 7, LastRunFinish: finished})
	reaper.On("GetHistory").Return([]worker.RunRecord{{Status: "Success", Reaped: 7}})
	reaper.On("GetActivityLogs").Return([]worker.ActivityLog{})

	router := newWorkerTestRouter(reaper)
	req, _ := http.NewRequest("GET", "/v1/reaper/status", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var response map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, "default", response["instance"])
	status := response["status"].(map[string]interface{})
	assert.Equal(t, true, status["is_running"])
	assert.Equal(t, float64(7), status["total_reaped"])
	assert.Len(t, response["history"], 1)
	reaper.AssertExpectations(t)
}

func TestWorkerRouter_Controls(t *testing.T) {
	reaper := &mockReaper{}
	reaper.On("TriggerManualRun").Return(true).Once()
	reaper.On("TriggerManualRun").Return(false).Once()
	reaper.On("Pause", mock.Anything).Return().Once()
	reaper.On("Resume", mock.Anything).Return().Once()
	router := newWorkerTestRouter(reaper)

	tests := []struct {
		path        string
		wantStatus  int
		wantMessage string
	}{
		{"/v1/reaper/trigger", http.StatusAccepted, "Reaper run triggered"},
		{"/v1/reaper/trigger", http.StatusAccepted, "Reaper run already pending"},
		{"/v1/reaper/pause", http.StatusOK, "Reaper paused"},
		{"/v1/reaper/resume", http.StatusOK, "Reaper resumed"},
	}
	for _, tt := range tests {
		req, _ := http.NewRequest("POST", tt.path, nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, tt.wantStatus, w.Code, tt.path)
		var response map[string]interface{}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
		assert.Equal(t, tt.wantMessage, response["message"])
	}
	reaper.AssertExpectations(t)
}

func TestWorkerRouter_HealthAndVersion(t *testing.T) {
	router := newWorkerTestRouter(&mockReaper{})

	for _, path := range []string{"/health", "/v1/version"} {
		req, _ := http.NewRequest("GET", path, nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code, path)
		assert.Contains(t, w.Body.String(), `"service":"worker"`)
	}
}

func TestWorkerAdminHandler_NoReaper(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler := NewWorkerAdminHandler(nil, observability.NewLogger(&config.OpenTelemetryConfig{}))
	router := gin.New()
	router.GET("/status", handler.GetReaperStatus)

	req, _ := http.NewRequest("GET", "/status", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
