package saga

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/ordersaga-go/internal/reliability"
	"github.com/glimte/ordersaga-go/messaging"
)

// Default retry budgets for outbound dispatch. Compensations get a more
// generous budget because abandoning one silently is not acceptable.
var (
	defaultDispatchPolicy     = reliability.NewExponentialBackoff(1*time.Second, 10*time.Second, 2.0, 3)
	defaultCompensationPolicy = reliability.NewExponentialBackoff(2*time.Second, 30*time.Second, 2.0, 5)
)

// DefaultStepDeadline bounds the wait for a step response.
const DefaultStepDeadline = 5 * time.Minute

// StepExecutor emits outbound step requests and arms response deadlines.
// It absorbs transport flakiness: a dispatch that exhausts its retry
// budget comes back as an error the coordinator turns into a synthesized
// step failure, never as a raw transport error in transition logic.
type StepExecutor struct {
	publisher          messaging.Publisher
	dispatchPolicy     reliability.RetryPolicy
	compensationPolicy reliability.RetryPolicy
	logger             *slog.Logger

	mu     sync.Mutex
	timers map[timerKey]*time.Timer
}

type timerKey struct {
	id   string
	step Step
}

// ExecutorOption configures the executor.
type ExecutorOption func(*StepExecutor)

// WithDispatchPolicy overrides the retry budget for step requests.
func WithDispatchPolicy(policy reliability.RetryPolicy) ExecutorOption {
	return func(e *StepExecutor) {
		e.dispatchPolicy = policy
	}
}

// WithCompensationPolicy overrides the retry budget for compensations.
func WithCompensationPolicy(policy reliability.RetryPolicy) ExecutorOption {
	return func(e *StepExecutor) {
		e.compensationPolicy = policy
	}
}

// WithExecutorLogger sets the logger.
func WithExecutorLogger(logger *slog.Logger) ExecutorOption {
	return func(e *StepExecutor) {
		e.logger = logger
	}
}

// NewStepExecutor creates an executor publishing through publisher.
func NewStepExecutor(publisher messaging.Publisher, options ...ExecutorOption) *StepExecutor {
	executor := &StepExecutor{
		publisher:          publisher,
		dispatchPolicy:     defaultDispatchPolicy,
		compensationPolicy: defaultCompensationPolicy,
		logger:             slog.Default(),
		timers:             make(map[timerKey]*time.Timer),
	}
	for _, opt := range options {
		opt(executor)
	}
	return executor
}

// Execute publishes the step's forward request, retrying per the
// dispatch policy. An error means the budget is exhausted and the remote
// service was never reached.
func (e *StepExecutor) Execute(ctx context.Context, transactionID string, step Step, params map[string]string) error {
	request := NewStepRequest(transactionID, step, params)

	err := reliability.Retry(ctx, e.dispatchPolicy, func() error {
		return e.publisher.Publish(ctx, request,
			messaging.WithRoutingKey(step.RequestTopic()))
	})
	if err != nil {
		return fmt.Errorf("dispatch %s for %s: %w", step.RequestKind(), transactionID, err)
	}

	e.logger.Info("Step request dispatched",
		"transactionId", transactionID,
		"step", step.String(),
		"kind", step.RequestKind())
	return nil
}

// ExecuteCompensation publishes the request that undoes a completed
// step, with the generous compensation retry budget.
func (e *StepExecutor) ExecuteCompensation(ctx context.Context, transactionID string, step Step, params map[string]string) error {
	request := NewCompensationRequest(transactionID, step, params)

	err := reliability.Retry(ctx, e.compensationPolicy, func() error {
		return e.publisher.Publish(ctx, request,
			messaging.WithRoutingKey(step.RequestTopic()))
	})
	if err != nil {
		return fmt.Errorf("dispatch %s for %s: %w", step.CompensationKind(), transactionID, err)
	}

	e.logger.Info("Compensation dispatched",
		"transactionId", transactionID,
		"step", step.String(),
		"kind", step.CompensationKind())
	return nil
}

// ArmDeadline schedules fire to run once deadline elapses with no
// matching response. The returned timer is tracked so CancelDeadline and
// Close can stop it. Arming twice for the same (id, step) replaces the
// earlier timer.
func (e *StepExecutor) ArmDeadline(transactionID string, step Step, deadline time.Duration, fire func()) {
	key := timerKey{id: transactionID, step: step}

	e.mu.Lock()
	defer e.mu.Unlock()

	if old, ok := e.timers[key]; ok {
		old.Stop()
	}
	e.timers[key] = time.AfterFunc(deadline, func() {
		e.mu.Lock()
		delete(e.timers, key)
		e.mu.Unlock()
		fire()
	})
}

// CancelDeadline stops the pending deadline for (id, step), if any.
func (e *StepExecutor) CancelDeadline(transactionID string, step Step) {
	key := timerKey{id: transactionID, step: step}

	e.mu.Lock()
	defer e.mu.Unlock()

	if timer, ok := e.timers[key]; ok {
		timer.Stop()
		delete(e.timers, key)
	}
}

// Close stops every pending deadline timer.
func (e *StepExecutor) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()

	for key, timer := range e.timers {
		timer.Stop()
		delete(e.timers, key)
	}
}
