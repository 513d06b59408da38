// Package control exposes the narrow HTTP control surface spec §6 calls
// for: remove a kernel-side policy by id (id <= 0 removes all), install or
// detach a scripted policy program by id, and show a snapshot of what's
// currently installed. Installing a kernel-side policy itself is not
// exposed here — kernel-side policies are Go values wired at daemon
// startup (cmd/mediatord), not data the control surface can construct; the
// scripted-policy host is the mechanism spec §6 describes for installing
// new policy logic without a daemon restart.
package control

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/pipeops/accel-mediator/pkg/metrics"
	"github.com/pipeops/accel-mediator/pkg/policy"
	"github.com/pipeops/accel-mediator/pkg/scripted"
	"github.com/sirupsen/logrus"
)

// Surface handles the control API's requests against a policy registry.
type Surface struct {
	registry *policy.Registry
	metrics  *metrics.Collector
	log      *logrus.Entry
}

// New creates a Surface over registry. collector may be nil, in which case
// scripted programs installed through this surface run without emitting
// metrics.
func New(registry *policy.Registry, collector *metrics.Collector, log *logrus.Entry) *Surface {
	return &Surface{registry: registry, metrics: collector, log: log.WithField("component", "control")}
}

// Status is the JSON body returned by GET /status.
type Status struct {
	Policies    []policy.PolicyInfo `json:"policies"`
	ScriptedIDs []int               `json:"scripted_ids"`
}

// RegisterHandlers mounts the control surface's routes onto mux.
func RegisterHandlers(mux *http.ServeMux, s *Surface) {
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/policy/remove", s.handleRemovePolicy)
	mux.HandleFunc("/scripted/install", s.handleInstallScripted)
	mux.HandleFunc("/scripted/detach", s.handleDetachScripted)
}

func (s *Surface) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, Status{
		Policies:    s.registry.List(),
		ScriptedIDs: s.registry.ListScriptedIDs(),
	})
}

func (s *Surface) handleRemovePolicy(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id, err := strconv.Atoi(r.URL.Query().Get("id"))
	if err != nil {
		http.Error(w, "id must be an integer (<=0 removes all)", http.StatusBadRequest)
		return
	}
	s.registry.Remove(id)
	w.WriteHeader(http.StatusNoContent)
}

// installScriptedRequest is the JSON body POST /scripted/install expects.
type installScriptedRequest struct {
	ID             int    `json:"id"`
	Package        string `json:"package"`
	Module         string `json:"module"`
	SchedulePeriod string `json:"schedule_period"`
	MaxTries       int    `json:"max_tries"`
}

func (s *Surface) handleInstallScripted(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req installScriptedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	period := 10 * time.Millisecond
	if req.SchedulePeriod != "" {
		d, err := time.ParseDuration(req.SchedulePeriod)
		if err != nil {
			http.Error(w, "invalid schedule_period: "+err.Error(), http.StatusBadRequest)
			return
		}
		period = d
	}
	maxTries := req.MaxTries
	if maxTries <= 0 {
		maxTries = 500
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	prog, err := scripted.Load(ctx, scripted.Config{
		ID:             req.ID,
		Package:        req.Package,
		Module:         req.Module,
		SchedulePeriod: period,
		MaxTries:       maxTries,
	}, s.metrics, s.log)
	if err != nil {
		http.Error(w, "load scripted program: "+err.Error(), http.StatusBadRequest)
		return
	}

	id := s.registry.InstallScripted(prog)
	writeJSON(w, map[string]int{"id": id})
}

func (s *Surface) handleDetachScripted(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id, err := strconv.Atoi(r.URL.Query().Get("id"))
	if err != nil {
		http.Error(w, "id must be an integer (<=0 detaches all)", http.StatusBadRequest)
		return
	}
	s.registry.DetachScripted(id)
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
