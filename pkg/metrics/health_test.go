package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func registerCritical(t *testing.T) {
	t.Helper()
	for _, name := range CriticalComponents {
		RegisterComponent(name, true, "")
	}
}

func TestGetHealth(t *testing.T) {
	tests := []struct {
		name    string
		reports map[string]bool
		want    string
	}{
		{name: "nothing registered", want: StatusHealthy},
		{
			name:    "all healthy",
			reports: map[string]bool{ComponentStore: true, ComponentDNS: true},
			want:    StatusHealthy,
		},
		{
			name:    "non-critical failure degrades",
			reports: map[string]bool{ComponentStore: true, ComponentDNS: false},
			want:    StatusDegraded,
		},
		{
			name:    "critical failure",
			reports: map[string]bool{ComponentChannel: false, ComponentDNS: false},
			want:    StatusUnhealthy,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ResetHealth()
			t.Cleanup(ResetHealth)
			for name, healthy := range tt.reports {
				RegisterComponent(name, healthy, "boom")
			}
			health := GetHealth()
			assert.Equal(t, tt.want, health.Status)
			assert.Len(t, health.Components, len(tt.reports))
		})
	}
}

func TestGetReadiness(t *testing.T) {
	ResetHealth()
	t.Cleanup(ResetHealth)

	r := GetReadiness()
	assert.Equal(t, StatusNotReady, r.Status)
	assert.Equal(t, "not registered", r.Components[ComponentManager])

	registerCritical(t)
	RegisterComponent(ComponentDNS, false, "address in use")
	r = GetReadiness()
	assert.Equal(t, StatusReady, r.Status, "non-critical components do not gate readiness")
	assert.NotContains(t, r.Components, ComponentDNS)

	UpdateComponent(ComponentChannel, false, "broker unreachable")
	r = GetReadiness()
	assert.Equal(t, StatusNotReady, r.Status)
	assert.Equal(t, "waiting for channel", r.Message)
	assert.Equal(t, "not ready: broker unreachable", r.Components[ComponentChannel])
}

func TestUpdateComponentKeepsUnchangedReport(t *testing.T) {
	ResetHealth()
	t.Cleanup(ResetHealth)

	RegisterComponent(ComponentStore, true, "ok")
	first, ok := Component(ComponentStore)
	require.True(t, ok)

	UpdateComponent(ComponentStore, true, "ok")
	again, _ := Component(ComponentStore)
	assert.False(t, again.Updated.Before(first.Updated))
	assert.True(t, again.Healthy)

	UpdateComponent(ComponentStore, false, "bucket missing")
	changed, _ := Component(ComponentStore)
	assert.False(t, changed.Healthy)
	assert.Equal(t, "bucket missing", changed.Message)
}

func TestHandlers(t *testing.T) {
	tests := []struct {
		name     string
		handler  http.HandlerFunc
		setup    func(t *testing.T)
		wantCode int
		wantBody string
	}{
		{
			name:     "health ok",
			handler:  HealthHandler(),
			setup:    registerCritical,
			wantCode: http.StatusOK,
			wantBody: StatusHealthy,
		},
		{
			name:    "health degraded still ok",
			handler: HealthHandler(),
			setup: func(t *testing.T) {
				registerCritical(t)
				RegisterComponent(ComponentDNS, false, "bind failed")
			},
			wantCode: http.StatusOK,
			wantBody: StatusDegraded,
		},
		{
			name:    "health unhealthy",
			handler: HealthHandler(),
			setup: func(t *testing.T) {
				RegisterComponent(ComponentReconciler, false, "cluster terminated")
			},
			wantCode: http.StatusServiceUnavailable,
			wantBody: StatusUnhealthy,
		},
		{
			name:     "ready",
			handler:  ReadyHandler(),
			setup:    registerCritical,
			wantCode: http.StatusOK,
			wantBody: StatusReady,
		},
		{
			name:     "not ready",
			handler:  ReadyHandler(),
			setup:    func(t *testing.T) {},
			wantCode: http.StatusServiceUnavailable,
			wantBody: StatusNotReady,
		},
		{
			name:     "live",
			handler:  LivenessHandler(),
			setup:    func(t *testing.T) {},
			wantCode: http.StatusOK,
			wantBody: "alive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ResetHealth()
			t.Cleanup(ResetHealth)
			SetVersion("test")
			tt.setup(t)

			rec := httptest.NewRecorder()
			tt.handler(rec, httptest.NewRequest(http.MethodGet, "/", nil))

			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			var body map[string]any
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.wantBody, body["status"])
		})
	}
}
