// Package health provides HTTP handlers for health checks.
package health

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/terrpan/vmworker/internal/buildinfo"
	"github.com/terrpan/vmworker/internal/otel"
)

// Slot is the last known condition of one worker slot.
type Slot struct {
	Machine  string `json:"machine"`
	State    string `json:"state"`
	Snapshot bool   `json:"snapshot"`
	Job      string `json:"job,omitempty"`
}

// Response represents the health check response body.
type Response struct {
	Status       string    `json:"status"`
	ServiceName  string    `json:"service_name"`
	Version      string    `json:"version"`
	Commit       string    `json:"commit"`
	BuildTime    string    `json:"build_time"`
	GoVersion    string    `json:"go_version"`
	OS           string    `json:"os"`
	Architecture string    `json:"architecture"`
	Engine       string    `json:"engine"`
	Busy         int       `json:"busy"`
	Slots        []Slot    `json:"slots"`
	Timestamp    time.Time `json:"timestamp"`
}

// Handler responds to health check requests with build info, the
// engine in use and the slots reported by slots (which may be nil).
// The status is always "healthy" (200 OK): this is a liveness check and
// reading slot state never queries the engine.
func Handler(engine string, slots func() []Slot) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)

		response := Response{
			Status:       "healthy",
			ServiceName:  otel.ServiceName,
			Version:      buildinfo.Version,
			Commit:       buildinfo.Commit,
			BuildTime:    buildinfo.BuildTime,
			GoVersion:    runtime.Version(),
			OS:           runtime.GOOS,
			Architecture: runtime.GOARCH,
			Engine:       engine,
			Slots:        []Slot{},
			Timestamp:    time.Now().UTC(),
		}
		if slots != nil {
			response.Slots = slots()
		}
		for _, s := range response.Slots {
			if s.Job != "" {
				response.Busy++
			}
		}

		_ = json.NewEncoder(w).Encode(response)
	}
}
