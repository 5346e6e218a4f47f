// Package health provides readiness checks for the coordinator's
// external dependencies.
package health

import (
	"context"
	"time"

	"github.com/glimte/ordersaga-go/internal/rabbitmq"
	"github.com/glimte/ordersaga-go/messaging"
	"github.com/glimte/ordersaga-go/saga"
)

// Status is the outcome of a single check.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult describes one dependency check.
type CheckResult struct {
	Name      string                 `json:"name"`
	Status    Status                 `json:"status"`
	Message   string                 `json:"message,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Duration  time.Duration          `json:"duration"`
	Timestamp time.Time              `json:"timestamp"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// Checker is a named dependency check.
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

// RabbitMQChecker verifies the broker connection by opening a channel
// and passively declaring the saga exchange.
type RabbitMQChecker struct {
	connManager *rabbitmq.ConnectionManager
}

// NewRabbitMQChecker creates a RabbitMQ health checker.
func NewRabbitMQChecker(connManager *rabbitmq.ConnectionManager) *RabbitMQChecker {
	return &RabbitMQChecker{connManager: connManager}
}

func (c *RabbitMQChecker) Name() string {
	return "rabbitmq"
}

func (c *RabbitMQChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	conn, err := c.connManager.GetConnection()
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = "Failed to get connection"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}

	if conn.IsClosed() {
		result.Status = StatusUnhealthy
		result.Message = "Connection is closed"
		result.Duration = time.Since(start)
		return result
	}

	ch, err := conn.Channel()
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = "Failed to create channel"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}
	defer ch.Close()

	err = ch.ExchangeDeclarePassive(
		messaging.DefaultExchange,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		result.Status = StatusDegraded
		result.Message = "Exchange check failed"
		result.Error = err.Error()
	} else {
		result.Status = StatusHealthy
		result.Message = "Connection is healthy"
	}

	result.Duration = time.Since(start)
	result.Details["connection_open"] = !conn.IsClosed()
	result.Details["response_time_ms"] = result.Duration.Milliseconds()

	return result
}

// StoreChecker verifies the durable store answers queries.
type StoreChecker struct {
	store saga.Store
}

// NewStoreChecker creates a store health checker.
func NewStoreChecker(store saga.Store) *StoreChecker {
	return &StoreChecker{store: store}
}

func (c *StoreChecker) Name() string {
	return "store"
}

func (c *StoreChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	counts, err := c.store.CountByStatus(ctx)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = "Store query failed"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}

	var total int64
	for _, n := range counts {
		total += n
	}

	result.Status = StatusHealthy
	result.Message = "Store is healthy"
	result.Duration = time.Since(start)
	result.Details["instances"] = total
	result.Details["response_time_ms"] = result.Duration.Milliseconds()

	return result
}

// Report is the aggregate of all registered checks.
type Report struct {
	Status Status        `json:"status"`
	Checks []CheckResult `json:"checks"`
}

// Run executes every checker and aggregates: any unhealthy check makes
// the report unhealthy, any degraded check makes it degraded.
func Run(ctx context.Context, checkers ...Checker) Report {
	report := Report{Status: StatusHealthy}
	for _, checker := range checkers {
		result := checker.Check(ctx)
		report.Checks = append(report.Checks, result)
		switch result.Status {
		case StatusUnhealthy:
			report.Status = StatusUnhealthy
		case StatusDegraded:
			if report.Status == StatusHealthy {
				report.Status = StatusDegraded
			}
		}
	}
	return report
}
