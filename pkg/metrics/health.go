package metrics

import (
	"encoding/json"
	"net/http"
	"slices"
	"sync"
	"time"
)

// Components the control plane reports on
const (
	ComponentManager    = "manager"
	ComponentStore      = "store"
	ComponentChannel    = "channel"
	ComponentReconciler = "reconciler"
	ComponentDNS        = "dns"
)

// Overall statuses reported by /health and /ready
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
	StatusReady     = "ready"
	StatusNotReady  = "not_ready"
)

// CriticalComponents must all be healthy for the control plane to be ready.
// Any other failing component only degrades health.
var CriticalComponents = []string{ComponentManager, ComponentStore, ComponentChannel, ComponentReconciler}

// HealthStatus is the JSON body of the health endpoints
type HealthStatus struct {
	Status     string            `json:"status"`
	Timestamp  time.Time         `json:"timestamp"`
	Components map[string]string `json:"components,omitempty"`
	Message    string            `json:"message,omitempty"`
	Version    string            `json:"version,omitempty"`
	Uptime     string            `json:"uptime,omitempty"`
}

// ComponentHealth is the last report from one component
type ComponentHealth struct {
	Healthy bool
	Message string
	Updated time.Time
}

type healthRegistry struct {
	mu         sync.RWMutex
	components map[string]ComponentHealth
	startTime  time.Time
	version    string
}

var registry = newHealthRegistry()

func newHealthRegistry() *healthRegistry {
	return &healthRegistry{
		components: make(map[string]ComponentHealth),
		startTime:  time.Now(),
	}
}

// SetVersion sets the version string for health responses
func SetVersion(version string) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.version = version
}

// RegisterComponent records the health of a component, replacing any
// earlier report
func RegisterComponent(name string, healthy bool, message string) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.components[name] = ComponentHealth{
		Healthy: healthy,
		Message: message,
		Updated: time.Now(),
	}
}

// UpdateComponent reports a change in a component's health. It only
// touches the timestamp when nothing changed.
func UpdateComponent(name string, healthy bool, message string) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	prev, ok := registry.components[name]
	if ok && prev.Healthy == healthy && prev.Message == message {
		prev.Updated = time.Now()
		registry.components[name] = prev
		return
	}
	registry.components[name] = ComponentHealth{
		Healthy: healthy,
		Message: message,
		Updated: time.Now(),
	}
}

// Component returns the last report for name
func Component(name string) (ComponentHealth, bool) {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	c, ok := registry.components[name]
	return c, ok
}

// ResetHealth forgets every component report
func ResetHealth() {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.components = make(map[string]ComponentHealth)
}

// GetHealth reports unhealthy when a critical component is failing and
// degraded when only non-critical ones are
func GetHealth() HealthStatus {
	registry.mu.RLock()
	defer registry.mu.RUnlock()

	status := StatusHealthy
	components := make(map[string]string, len(registry.components))
	for name, comp := range registry.components {
		if comp.Healthy {
			components[name] = StatusHealthy
			continue
		}
		components[name] = StatusUnhealthy + ": " + comp.Message
		if slices.Contains(CriticalComponents, name) {
			status = StatusUnhealthy
		} else if status == StatusHealthy {
			status = StatusDegraded
		}
	}
	return registry.status(status, "", components)
}

// GetReadiness reports ready once every critical component has registered
// and is healthy
func GetReadiness() HealthStatus {
	registry.mu.RLock()
	defer registry.mu.RUnlock()

	status, message := StatusReady, ""
	components := make(map[string]string, len(CriticalComponents))
	for _, name := range CriticalComponents {
		comp, ok := registry.components[name]
		switch {
		case !ok:
			status, message = StatusNotReady, "waiting for "+name+" initialization"
			components[name] = "not registered"
		case !comp.Healthy:
			status, message = StatusNotReady, "waiting for "+name
			components[name] = "not ready: " + comp.Message
		default:
			components[name] = StatusReady
		}
	}
	return registry.status(status, message, components)
}

// status assembles a response. Callers hold mu.
func (r *healthRegistry) status(status, message string, components map[string]string) HealthStatus {
	return HealthStatus{
		Status:     status,
		Timestamp:  time.Now(),
		Components: components,
		Message:    message,
		Version:    r.version,
		Uptime:     time.Since(r.startTime).String(),
	}
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

// HealthHandler serves /health. Degraded still answers 200.
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		health := GetHealth()
		code := http.StatusOK
		if health.Status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, health)
	}
}

// ReadyHandler serves /ready
func ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		readiness := GetReadiness()
		code := http.StatusOK
		if readiness.Status != StatusReady {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, readiness)
	}
}

// LivenessHandler serves /live; it answers 200 while the process runs
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		registry.mu.RLock()
		uptime := time.Since(registry.startTime).String()
		registry.mu.RUnlock()
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "alive",
			"uptime": uptime,
		})
	}
}
