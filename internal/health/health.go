// Package health provides HTTP handlers for health checks.
package health

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/terrpan/instance-scheduler/internal/buildinfo"
	"github.com/terrpan/instance-scheduler/internal/schedule"
)

// Response represents the health check response body.
type Response struct {
	Status       string          `json:"status"`
	ServiceName  string          `json:"service_name"`
	Version      string          `json:"version"`
	Commit       string          `json:"commit"`
	BuildTime    string          `json:"build_time"`
	GoVersion    string          `json:"go_version"`
	OS           string          `json:"os"`
	Architecture string          `json:"architecture"`
	Provider     string          `json:"provider"`
	Schedules    []schedule.Info `json:"schedules"`
	Timestamp    time.Time       `json:"timestamp"`
}

// ScheduleLister reports the registered schedules.  *schedule.Scheduler
// satisfies it.
type ScheduleLister interface {
	Entries() []schedule.Info
}

// Handler responds to health check requests. It reports build info, the
// configured provider and the next run of every schedule. The status is
// always "healthy" (200 OK) since this is a liveness check: the control
// plane is only contacted when a job runs.
func Handler(provider string, schedules ScheduleLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)

		entries := []schedule.Info{}
		if schedules != nil {
			entries = schedules.Entries()
		}

		response := Response{
			Status:       "healthy",
			ServiceName:  "instance-scheduler",
			Version:      buildinfo.Version,
			Commit:       buildinfo.Commit,
			BuildTime:    buildinfo.BuildTime,
			GoVersion:    runtime.Version(),
			OS:           runtime.GOOS,
			Architecture: runtime.GOARCH,
			Provider:     provider,
			Schedules:    entries,
			Timestamp:    time.Now().UTC(),
		}

		_ = json.NewEncoder(w).Encode(response)
	}
}
