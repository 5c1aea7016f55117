package health

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/glimte/cqrsbus-go/commandbus"
)

// Pinger is a broker that can check its connection
type Pinger interface {
	Ping(ctx context.Context) error
}

// BrokerChecker checks broker connectivity
type BrokerChecker struct {
	name   string
	broker Pinger
}

// NewBrokerChecker creates a broker connectivity checker
func NewBrokerChecker(name string, broker Pinger) *BrokerChecker {
	return &BrokerChecker{name: name, broker: broker}
}

func (c *BrokerChecker) Name() string {
	return c.name
}

func (c *BrokerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	if err := c.broker.Ping(ctx); err != nil {
		result.Status = StatusUnhealthy
		result.Message = "Broker is not reachable"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}

	result.Status = StatusHealthy
	result.Message = "Connection is healthy"
	result.Duration = time.Since(start)
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	return result
}

// StateReporter is a bus exposing its startup state
type StateReporter interface {
	State() commandbus.State
}

// BusChecker reports a bus healthy once it is ready. A bus still starting is
// degraded; a failed or closed bus is unhealthy.
type BusChecker struct {
	name string
	bus  StateReporter
}

// NewBusChecker creates a checker for a broker or cloud bus
func NewBusChecker(name string, bus StateReporter) *BusChecker {
	return &BusChecker{name: name, bus: bus}
}

func (c *BusChecker) Name() string {
	return c.name
}

func (c *BusChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	state := c.bus.State()

	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   map[string]interface{}{"state": state.String()},
	}

	switch state {
	case commandbus.StateReady:
		result.Status = StatusHealthy
		result.Message = "Bus is ready"
	case commandbus.StateFailed, commandbus.StateClosed:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Bus is %s", state)
	default:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("Bus is starting (%s)", state)
	}

	result.Duration = time.Since(start)
	return result
}

// GoroutineChecker watches the goroutine count and memory of the process
type GoroutineChecker struct {
	warningThreshold  int
	criticalThreshold int
}

// NewGoroutineChecker creates a checker that degrades above warning goroutines
// and fails above critical
func NewGoroutineChecker(warning, critical int) *GoroutineChecker {
	return &GoroutineChecker{
		warningThreshold:  warning,
		criticalThreshold: critical,
	}
}

func (c *GoroutineChecker) Name() string {
	return "runtime"
}

func (c *GoroutineChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	goroutines := runtime.NumGoroutine()
	result.Details["memory_used_mb"] = float64(m.Sys) / 1024 / 1024
	result.Details["gc_runs"] = m.NumGC
	result.Details["goroutines"] = goroutines

	switch {
	case goroutines > c.criticalThreshold:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Too many goroutines: %d", goroutines)
	case goroutines > c.warningThreshold:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("High goroutine count: %d", goroutines)
	default:
		result.Status = StatusHealthy
		result.Message = "Runtime is normal"
	}

	result.Duration = time.Since(start)
	return result
}
