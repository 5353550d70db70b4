package api

import (
	"net/http"
	"sort"
	"time"

	"github.com/cuemby/tierd/pkg/events"
	"github.com/cuemby/tierd/pkg/schedule"
	"github.com/cuemby/tierd/pkg/types"
)

// recentEvents is how many journal events /status returns
const recentEvents = 50

// PassSummary describes the most recent control loop pass
type PassSummary struct {
	Started       time.Time         `json:"started"`
	Duration      string            `json:"duration"`
	Devices       int               `json:"devices"`
	Mounted       int               `json:"mounted"`
	Skipped       int               `json:"skipped"`
	Unrecoverable int               `json:"unrecoverable"`
	Overflowed    int               `json:"overflowed_files"`
	Tasks         []string          `json:"tasks,omitempty"`
	Errors        map[string]string `json:"errors,omitempty"`
}

// StatusResponse is the /status document
type StatusResponse struct {
	Timestamp   time.Time               `json:"timestamp"`
	Version     string                  `json:"version,omitempty"`
	Assignments []types.MountAssignment `json:"assignments"`
	Overlays    []types.OverlayMount    `json:"overlays,omitempty"`
	LastPass    *PassSummary            `json:"last_pass,omitempty"`
	Schedule    []schedule.Status       `json:"schedule,omitempty"`
	Drives      []*types.DriveRecord    `json:"drives,omitempty"`
	TaskRuns    []*types.TaskRun        `json:"task_runs,omitempty"`
	Events      []*events.Event         `json:"events,omitempty"`
	Errors      []string                `json:"errors,omitempty"`
}

func (s *StatusServer) statusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.Status())
}

// Status collects the current status document. Journal read failures are
// reported in Errors rather than failing the request.
func (s *StatusServer) Status() StatusResponse {
	resp := StatusResponse{
		Timestamp:   time.Now(),
		Version:     s.src.Version,
		Assignments: []types.MountAssignment{},
	}

	if s.src.Assignments != nil {
		resp.Assignments = s.src.Assignments.Assignments()
	}

	if s.src.Loop != nil {
		if rep := s.src.Loop.LastReport(); rep != nil {
			resp.Overlays = rep.Overlays
			resp.LastPass = &PassSummary{
				Started:       rep.Started,
				Duration:      rep.Duration.String(),
				Devices:       rep.Drives.Devices,
				Mounted:       rep.Drives.Mounted,
				Skipped:       rep.Drives.Skipped,
				Unrecoverable: rep.Drives.Unrecoverable,
				Overflowed:    rep.Overflow.Files,
				Tasks:         rep.Tasks,
				Errors:        rep.Errors,
			}
		}
		resp.Schedule = s.src.Loop.Tasks()
	}

	if h := s.src.History; h != nil {
		if drives, err := h.ListDrives(); err != nil {
			resp.Errors = append(resp.Errors, "drives: "+err.Error())
		} else {
			sort.Slice(drives, func(i, j int) bool { return drives[i].DevicePath < drives[j].DevicePath })
			resp.Drives = drives
		}
		if runs, err := h.ListTaskRuns(); err != nil {
			resp.Errors = append(resp.Errors, "tasks: "+err.Error())
		} else {
			resp.TaskRuns = runs
		}
		if evs, err := h.RecentEvents(recentEvents); err != nil {
			resp.Errors = append(resp.Errors, "events: "+err.Error())
		} else {
			resp.Events = evs
		}
	}
	return resp
}
