package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/cqrsbus-go/commandbus"
	"github.com/glimte/cqrsbus-go/messaging"
	"github.com/glimte/cqrsbus-go/transports/memory"
)

func staticChecker(name string, status Status) Checker {
	return NewCheckerFunc(name, func(ctx context.Context) CheckResult {
		return CheckResult{Name: name, Status: status, Timestamp: time.Now()}
	})
}

type fixedState commandbus.State

func (s fixedState) State() commandbus.State { return commandbus.State(s) }

type pingerFunc func(ctx context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestRegistryCheck(t *testing.T) {
	tests := []struct {
		name     string
		statuses []Status
		want     Status
	}{
		{"no checks", nil, StatusHealthy},
		{"all healthy", []Status{StatusHealthy, StatusHealthy}, StatusHealthy},
		{"one degraded", []Status{StatusHealthy, StatusDegraded}, StatusDegraded},
		{"unhealthy wins", []Status{StatusDegraded, StatusUnhealthy, StatusHealthy}, StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			registry := NewRegistry()
			for i, status := range tt.statuses {
				registry.Register(staticChecker(string(rune('a'+i)), status))
			}

			report := registry.Check(context.Background())
			assert.Equal(t, tt.want, report.Status)
			assert.Len(t, report.Checks, len(tt.statuses))
		})
	}

	t.Run("unregister and metadata", func(t *testing.T) {
		registry := NewRegistry()
		registry.Register(staticChecker("bad", StatusUnhealthy))
		registry.Unregister("bad")
		registry.SetMetadata("service", "stock")

		report := registry.Check(context.Background())
		assert.Equal(t, StatusHealthy, report.Status)
		assert.Equal(t, "stock", report.Metadata["service"])
	})

	t.Run("slow checks time out", func(t *testing.T) {
		registry := NewRegistry()
		registry.Register(staticChecker("fast", StatusHealthy))
		registry.Register(NewCheckerFunc("slow", func(ctx context.Context) CheckResult {
			<-ctx.Done()
			time.Sleep(50 * time.Millisecond)
			return CheckResult{Name: "slow", Status: StatusHealthy}
		}))

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		report := registry.Check(ctx)
		assert.Equal(t, StatusUnhealthy, report.Status)
		assert.Equal(t, "Check timed out", report.Checks["slow"].Message)
	})
}

func TestBusChecker(t *testing.T) {
	tests := []struct {
		state commandbus.State
		want  Status
	}{
		{commandbus.StateReady, StatusHealthy},
		{commandbus.StateConnecting, StatusDegraded},
		{commandbus.StateRouted, StatusDegraded},
		{commandbus.StateFailed, StatusUnhealthy},
		{commandbus.StateClosed, StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			result := NewBusChecker("bus", fixedState(tt.state)).Check(context.Background())
			assert.Equal(t, tt.want, result.Status)
			assert.Equal(t, tt.state.String(), result.Details["state"])
		})
	}

	t.Run("running bus", func(t *testing.T) {
		broker := memory.NewBroker(memory.Config{})
		bus, err := commandbus.NewBrokerBus(broker, commandbus.BrokerBusConfig{Project: "shop", Env: "test", Service: "stock"})
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		require.NoError(t, bus.WaitReady(ctx))

		checker := NewBusChecker("broker_bus", bus)
		assert.Equal(t, StatusHealthy, checker.Check(ctx).Status)

		require.NoError(t, bus.Close(ctx))
		assert.Equal(t, StatusUnhealthy, checker.Check(ctx).Status)
	})
}

func TestBrokerChecker(t *testing.T) {
	t.Run("memory broker", func(t *testing.T) {
		ctx := context.Background()
		broker := memory.NewBroker(memory.Config{})
		checker := NewBrokerChecker("broker", broker)

		result := checker.Check(ctx)
		assert.Equal(t, StatusUnhealthy, result.Status)
		assert.Equal(t, messaging.ErrNotConnected.Error(), result.Error)

		require.NoError(t, broker.Connect(ctx))
		assert.Equal(t, StatusHealthy, checker.Check(ctx).Status)
	})

	t.Run("ping error", func(t *testing.T) {
		checker := NewBrokerChecker("broker", pingerFunc(func(ctx context.Context) error {
			return errors.New("connection refused")
		}))
		result := checker.Check(context.Background())
		assert.Equal(t, StatusUnhealthy, result.Status)
		assert.Equal(t, "connection refused", result.Error)
	})
}

func TestGoroutineChecker(t *testing.T) {
	t.Run("within limits", func(t *testing.T) {
		result := NewGoroutineChecker(100000, 200000).Check(context.Background())
		assert.Equal(t, StatusHealthy, result.Status)
		assert.Contains(t, result.Details, "goroutines")
	})

	t.Run("over warning", func(t *testing.T) {
		result := NewGoroutineChecker(0, 100000).Check(context.Background())
		assert.Equal(t, StatusDegraded, result.Status)
	})

	t.Run("over critical", func(t *testing.T) {
		result := NewGoroutineChecker(0, 0).Check(context.Background())
		assert.Equal(t, StatusUnhealthy, result.Status)
	})
}

func TestHandlers(t *testing.T) {
	healthy := NewRegistry()
	healthy.Register(staticChecker("bus", StatusDegraded))

	unhealthy := NewRegistry()
	unhealthy.Register(staticChecker("bus", StatusUnhealthy))

	t.Run("health reports json", func(t *testing.T) {
		rec := httptest.NewRecorder()
		NewServeMux(healthy, time.Second).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

		var report Report
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
		assert.Equal(t, StatusDegraded, report.Status)
		assert.Contains(t, report.Checks, "bus")
	})

	t.Run("health unavailable when unhealthy", func(t *testing.T) {
		rec := httptest.NewRecorder()
		NewHandler(unhealthy, time.Second).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})

	t.Run("health rejects other methods", func(t *testing.T) {
		rec := httptest.NewRecorder()
		NewHandler(healthy, time.Second).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/health", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})

	t.Run("readiness", func(t *testing.T) {
		rec := httptest.NewRecorder()
		ReadinessHandler(healthy).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "ready", rec.Body.String())

		rec = httptest.NewRecorder()
		ReadinessHandler(unhealthy).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Equal(t, "not ready", rec.Body.String())
	})

	t.Run("liveness", func(t *testing.T) {
		rec := httptest.NewRecorder()
		NewServeMux(unhealthy, time.Second).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/live", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "alive", rec.Body.String())
	})
}
