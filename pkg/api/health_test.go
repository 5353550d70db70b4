package api

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cuemby/tierd/pkg/drive"
	"github.com/cuemby/tierd/pkg/events"
	"github.com/cuemby/tierd/pkg/metrics"
	"github.com/cuemby/tierd/pkg/reconciler"
	"github.com/cuemby/tierd/pkg/schedule"
	"github.com/cuemby/tierd/pkg/tier"
	"github.com/cuemby/tierd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticAssignments []types.MountAssignment

func (s staticAssignments) Assignments() []types.MountAssignment { return s }

type fakeHistory struct {
	drives []*types.DriveRecord
	runs   []*types.TaskRun
	events []*events.Event
	err    error
}

func (f *fakeHistory) ListDrives() ([]*types.DriveRecord, error) { return f.drives, f.err }
func (f *fakeHistory) ListTaskRuns() ([]*types.TaskRun, error)  { return f.runs, nil }
func (f *fakeHistory) RecentEvents(int) ([]*events.Event, error) {
	return f.events, nil
}

type fakeLoop struct{ rep *reconciler.Report }

func (f fakeLoop) LastReport() *reconciler.Report { return f.rep }
func (f fakeLoop) Tasks() []schedule.Status {
	return []schedule.Status{{Name: "flush"}}
}

// TestHealthHandler tests the /health endpoint
func TestHealthHandler(t *testing.T) {
	metrics.Reset()
	s := NewStatusServer(Sources{Version: "1.0.0"})

	tests := []struct {
		name           string
		method         string
		expectedStatus int
	}{
		{name: "GET request succeeds", method: http.MethodGet, expectedStatus: http.StatusOK},
		{name: "POST request fails", method: http.MethodPost, expectedStatus: http.StatusMethodNotAllowed},
		{name: "DELETE request fails", method: http.MethodDelete, expectedStatus: http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/health", nil)
			w := httptest.NewRecorder()

			s.healthHandler(w, req)

			assert.Equal(t, tt.expectedStatus, w.Code)
			if tt.expectedStatus == http.StatusOK {
				assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
				var response HealthResponse
				require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
				assert.Equal(t, "healthy", response.Status)
				assert.Equal(t, "1.0.0", response.Version)
				assert.False(t, response.Timestamp.IsZero())
			}
		})
	}
}

// TestHealthHandlerReportsComponents keeps answering 200 while listing
// failed components
func TestHealthHandlerReportsComponents(t *testing.T) {
	metrics.Reset()
	metrics.UpdateComponent(metrics.ComponentDrives, false, "1 partitions unrecoverable")
	s := NewStatusServer(Sources{})

	w := httptest.NewRecorder()
	s.healthHandler(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	var response HealthResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.Equal(t, "unhealthy", response.Status)
	assert.Contains(t, response.Components[metrics.ComponentDrives], "unrecoverable")
}

// TestReadyHandler tests readiness before and after the first pass
func TestReadyHandler(t *testing.T) {
	metrics.Reset()
	s := NewStatusServer(Sources{})

	w := httptest.NewRecorder()
	s.readyHandler(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var response ReadyResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.Equal(t, "not ready", response.Status)
	assert.Equal(t, "not registered", response.Checks[metrics.ComponentStore])
	assert.NotEmpty(t, response.Message)

	metrics.UpdateComponent(metrics.ComponentStore, true, "ok")
	metrics.UpdateComponent(metrics.ComponentTier, true, "1 directories active")

	w = httptest.NewRecorder()
	s.readyHandler(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	s.readyHandler(w, httptest.NewRequest(http.MethodPut, "/ready", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

// TestStatusHandler tests the /status document
func TestStatusHandler(t *testing.T) {
	started := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s := NewStatusServer(Sources{
		Version: "1.0.0",
		Assignments: staticAssignments{
			{UUID: "0b6f4d3e-8f0a-4c61-9d7e-2f4d5e6a7b8c", MountPath: "/mnt/tierd_drive_0"},
		},
		History: &fakeHistory{
			drives: []*types.DriveRecord{
				{DevicePath: "/dev/sdb1", State: "mounted"},
				{DevicePath: "/dev/sda1", State: "unrecoverable", Failures: 3},
			},
			runs:   []*types.TaskRun{{Name: "flush", LastRun: started}},
			events: []*events.Event{events.New(events.EventTierFlushed, "ram layer flushed", nil)},
		},
		Loop: fakeLoop{rep: &reconciler.Report{
			Started:  started,
			Duration: 2 * time.Second,
			Drives:   drive.Summary{Devices: 2, Mounted: 1, Unrecoverable: 1},
			Overflow: tier.Stats{Files: 4},
			Overlays: []types.OverlayMount{{Name: "log", Target: "/var/log", Active: true}},
			Tasks:    []string{"flush"},
		}},
	})

	w := httptest.NewRecorder()
	s.GetHandler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var response StatusResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	require.Len(t, response.Assignments, 1)
	assert.Equal(t, "/mnt/tierd_drive_0", response.Assignments[0].MountPath)
	require.Len(t, response.Drives, 2)
	assert.Equal(t, "/dev/sda1", response.Drives[0].DevicePath)
	require.NotNil(t, response.LastPass)
	assert.Equal(t, 1, response.LastPass.Unrecoverable)
	assert.Equal(t, 4, response.LastPass.Overflowed)
	assert.Equal(t, "2s", response.LastPass.Duration)
	assert.Len(t, response.Overlays, 1)
	assert.Len(t, response.Events, 1)
	assert.Len(t, response.Schedule, 1)
	assert.Empty(t, response.Errors)
}

// TestStatusHandlerJournalError reports journal failures in the body
func TestStatusHandlerJournalError(t *testing.T) {
	s := NewStatusServer(Sources{History: &fakeHistory{err: errors.New("bucket missing")}})

	st := s.Status()
	assert.Equal(t, []string{"drives: bucket missing"}, st.Errors)
	assert.NotNil(t, st.Assignments)
	assert.Nil(t, st.LastPass)
}

// TestNewStatusServer tests route registration
func TestNewStatusServer(t *testing.T) {
	metrics.Reset()
	s := NewStatusServer(Sources{})

	tests := []struct {
		path           string
		expectedStatus int
	}{
		{path: "/health", expectedStatus: http.StatusOK},
		{path: "/ready", expectedStatus: http.StatusServiceUnavailable},
		{path: "/live", expectedStatus: http.StatusOK},
		{path: "/status", expectedStatus: http.StatusOK},
		{path: "/metrics", expectedStatus: http.StatusOK},
		{path: "/nonexistent", expectedStatus: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			w := httptest.NewRecorder()
			s.mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, tt.path, nil))
			assert.Equal(t, tt.expectedStatus, w.Code, "Path: %s", tt.path)
		})
	}
}

// TestServeAndShutdown runs the server on a real listener
func TestServeAndShutdown(t *testing.T) {
	s := NewStatusServer(Sources{})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- s.Serve(ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, s.Shutdown(t.Context()))
	assert.NoError(t, <-done)
}

// TestStatusServerConcurrency tests concurrent requests
func TestStatusServerConcurrency(t *testing.T) {
	s := NewStatusServer(Sources{Assignments: staticAssignments{}})
	done := make(chan bool, 20)

	for i := 0; i < 10; i++ {
		go func() {
			w := httptest.NewRecorder()
			s.healthHandler(w, httptest.NewRequest(http.MethodGet, "/health", nil))
			assert.Equal(t, http.StatusOK, w.Code)
			done <- true
		}()
		go func() {
			w := httptest.NewRecorder()
			s.statusHandler(w, httptest.NewRequest(http.MethodGet, "/status", nil))
			assert.Equal(t, http.StatusOK, w.Code)
			done <- true
		}()
	}
	for i := 0; i < 20; i++ {
		<-done
	}
}

func BenchmarkHealthHandler(b *testing.B) {
	s := NewStatusServer(Sources{})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		w := httptest.NewRecorder()
		s.healthHandler(w, req)
	}
}
