package metrics

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Component names reported by the daemon
const (
	ComponentInventory = "inventory"
	ComponentDrives    = "drives"
	ComponentTier      = "tier"
	ComponentStore     = "store"
)

// HealthStatus is a point-in-time view of component health
type HealthStatus struct {
	Status     string            `json:"status"` // "healthy", "degraded", "unhealthy", "ready", "not_ready"
	Timestamp  time.Time         `json:"timestamp"`
	Components map[string]string `json:"components,omitempty"`
	Message    string            `json:"message,omitempty"`
	Version    string            `json:"version,omitempty"`
	Uptime     string            `json:"uptime,omitempty"`
	StartTime  time.Time         `json:"-"`
}

// ComponentHealth is the last reported state of one component
type ComponentHealth struct {
	Name    string
	Healthy bool
	Message string
	Updated time.Time
}

// Health tracks component state reported by the control loop. A component
// that has not reported within the stale window is degraded, which is how
// a hung pass shows up.
type Health struct {
	mu         sync.RWMutex
	components map[string]ComponentHealth
	critical   []string
	staleAfter time.Duration
	started    time.Time
	version    string
	now        func() time.Time
}

func newHealth() *Health {
	return &Health{
		components: make(map[string]ComponentHealth),
		critical:   []string{ComponentStore, ComponentTier},
		started:    time.Now(),
		now:        time.Now,
	}
}

var health = newHealth()

// SetVersion sets the version string for health responses
func SetVersion(version string) {
	health.mu.Lock()
	defer health.mu.Unlock()
	health.version = version
}

// SetCriticalComponents replaces the set of components that must be healthy
// for the daemon to report ready
func SetCriticalComponents(names ...string) {
	health.mu.Lock()
	defer health.mu.Unlock()
	health.critical = append([]string(nil), names...)
}

// SetStaleAfter marks components degraded when they have not reported for
// d. Zero disables the check.
func SetStaleAfter(d time.Duration) {
	health.mu.Lock()
	defer health.mu.Unlock()
	health.staleAfter = d
}

// Reset forgets every registered component. Used by tests.
func Reset() {
	health.mu.Lock()
	defer health.mu.Unlock()
	health.components = make(map[string]ComponentHealth)
}

// RegisterComponent records the state of a component
func RegisterComponent(name string, healthy bool, message string) {
	health.mu.Lock()
	defer health.mu.Unlock()
	health.components[name] = ComponentHealth{
		Name:    name,
		Healthy: healthy,
		Message: message,
		Updated: health.now(),
	}
}

// UpdateComponent is RegisterComponent under the name the control loop uses
func UpdateComponent(name string, healthy bool, message string) {
	RegisterComponent(name, healthy, message)
}

// GetHealth reports unhealthy when any component is unhealthy and degraded
// when any component is stale.
func GetHealth() HealthStatus {
	health.mu.RLock()
	defer health.mu.RUnlock()

	now := health.now()
	out := health.status(now)
	out.Status = "healthy"

	names := make([]string, 0, len(health.components))
	for name := range health.components {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		comp := health.components[name]
		switch {
		case !comp.Healthy:
			out.Status = "unhealthy"
			out.Components[name] = "unhealthy: " + comp.Message
		case health.stale(comp, now):
			if out.Status == "healthy" {
				out.Status = "degraded"
			}
			out.Components[name] = "stale: last report " + now.Sub(comp.Updated).Round(time.Second).String() + " ago"
		default:
			out.Components[name] = "healthy"
		}
	}
	return out
}

// GetReadiness reports ready once every critical component has reported
// healthy
func GetReadiness() HealthStatus {
	health.mu.RLock()
	defer health.mu.RUnlock()

	out := health.status(health.now())
	out.Status = "ready"

	for _, name := range health.critical {
		comp, ok := health.components[name]
		switch {
		case !ok:
			out.Status = "not_ready"
			out.Message = "waiting for " + name + " initialization"
			out.Components[name] = "not registered"
		case !comp.Healthy:
			out.Status = "not_ready"
			out.Message = "waiting for " + name
			out.Components[name] = "not ready: " + comp.Message
		default:
			out.Components[name] = "ready"
		}
	}
	return out
}

func (h *Health) status(now time.Time) HealthStatus {
	return HealthStatus{
		Timestamp:  now,
		Components: make(map[string]string),
		Version:    h.version,
		Uptime:     now.Sub(h.started).Round(time.Second).String(),
		StartTime:  h.started,
	}
}

func (h *Health) stale(comp ComponentHealth, now time.Time) bool {
	return h.staleAfter > 0 && now.Sub(comp.Updated) > h.staleAfter
}

// LivenessHandler answers 200 for as long as the process can serve HTTP
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status": "alive",
			"uptime": time.Since(health.started).Round(time.Second).String(),
		})
	}
}
