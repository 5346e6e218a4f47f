package saga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/ordersaga-go/contracts"
	"github.com/glimte/ordersaga-go/messaging"
)

// ErrShuttingDown is returned for starts admitted during drain.
var ErrShuttingDown = errors.New("saga: coordinator is shutting down")

// Observer receives lifecycle notifications for instrumentation. All
// methods are called from instance goroutines and must be safe for
// concurrent use.
type Observer interface {
	SagaStarted()
	SagaFinished(status Status, duration time.Duration)
	StepResolved(step Step, outcome Outcome)
}

type noopObserver struct{}

func (noopObserver) SagaStarted()                       {}
func (noopObserver) SagaFinished(Status, time.Duration) {}
func (noopObserver) StepResolved(Step, Outcome)         {}

// Coordinator drives transaction instances through the step sequence.
// Every instance is owned by exactly one goroutine; all mutations for an
// id are serialized through that goroutine's mailbox, and the durable
// store is written before any outbound message for the next step goes
// out.
type Coordinator struct {
	store      Store
	executor   *StepExecutor
	correlator *Correlator
	registry   *Registry
	observer   Observer
	logger     *slog.Logger
	clock      func() time.Time

	defaultDeadline time.Duration
	stepDeadlines   map[Step]time.Duration

	// admission bounds in-flight instances; a slot is held from Start
	// until the instance reaches a terminal status.
	admission chan struct{}

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	mu       sync.Mutex
	draining bool
}

// CoordinatorOption configures the coordinator.
type CoordinatorOption func(*Coordinator)

// WithCoordinatorLogger sets the logger.
func WithCoordinatorLogger(logger *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// WithMaxInFlight bounds the number of concurrently live instances.
func WithMaxInFlight(n int) CoordinatorOption {
	return func(c *Coordinator) {
		if n > 0 {
			c.admission = make(chan struct{}, n)
		}
	}
}

// WithDefaultStepDeadline sets the response wait for steps without a
// per-step override.
func WithDefaultStepDeadline(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		if d > 0 {
			c.defaultDeadline = d
		}
	}
}

// WithStepDeadline overrides the response wait for one step.
func WithStepDeadline(step Step, d time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		if d > 0 {
			c.stepDeadlines[step] = d
		}
	}
}

// WithObserver attaches lifecycle instrumentation.
func WithObserver(observer Observer) CoordinatorOption {
	return func(c *Coordinator) {
		if observer != nil {
			c.observer = observer
		}
	}
}

// WithClock overrides the time source. Tests use this to make recorded
// timestamps deterministic; transitions themselves never read it.
func WithClock(clock func() time.Time) CoordinatorOption {
	return func(c *Coordinator) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// NewCoordinator creates a coordinator persisting to store and
// dispatching through executor.
func NewCoordinator(store Store, executor *StepExecutor, options ...CoordinatorOption) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		store:           store,
		executor:        executor,
		registry:        NewRegistry(),
		observer:        noopObserver{},
		logger:          slog.Default(),
		clock:           func() time.Time { return time.Now().UTC() },
		defaultDeadline: DefaultStepDeadline,
		stepDeadlines:   make(map[Step]time.Duration),
		admission:       make(chan struct{}, 1000),
		ctx:             ctx,
		cancel:          cancel,
	}
	for _, opt := range options {
		opt(c)
	}
	c.correlator = NewCorrelator(c.logger)
	return c
}

// instanceActor owns one instance. Only its goroutine touches the
// instance after spawn.
type instanceActor struct {
	id      string
	mailbox chan CorrelatedOutcome
	// ready closes once the instance's initial record is persisted, so
	// concurrent duplicate starts can wait before querying.
	ready chan struct{}
	done  chan struct{}
}

func newInstanceActor(id string) *instanceActor {
	return &instanceActor{
		id:      id,
		mailbox: make(chan CorrelatedOutcome, 16),
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// awaitPersisted blocks a duplicate start until the owning caller has
// persisted the instance's initial record, so the follow-up query does
// not race the first write.
func (c *Coordinator) awaitPersisted(ctx context.Context, actor *instanceActor) error {
	select {
	case <-actor.ready:
		return nil
	case <-actor.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return ErrShuttingDown
	}
}

// deliver hands an outcome to the actor without blocking forever on a
// finished instance.
func (a *instanceActor) deliver(outcome CorrelatedOutcome) bool {
	select {
	case <-a.done:
		return false
	case a.mailbox <- outcome:
		return true
	}
}

// Start creates and runs a new instance for id. A duplicate start for a
// known id is a no-op that returns the existing instance's snapshot.
func (c *Coordinator) Start(ctx context.Context, id string, params map[string]string) (Snapshot, error) {
	if id == "" {
		return Snapshot{}, errors.New("saga: empty transaction id")
	}
	if c.isDraining() {
		return Snapshot{}, ErrShuttingDown
	}

	if actor, ok := c.registry.Get(id); ok {
		if err := c.awaitPersisted(ctx, actor); err != nil {
			return Snapshot{}, err
		}
		return c.Query(ctx, id)
	}

	// Bounded admission: wait for an in-flight slot before creating.
	select {
	case c.admission <- struct{}{}:
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	case <-c.ctx.Done():
		return Snapshot{}, ErrShuttingDown
	}

	actor, existed := c.registry.GetOrCreate(id, func() *instanceActor {
		return newInstanceActor(id)
	})
	if existed {
		<-c.admission
		if err := c.awaitPersisted(ctx, actor); err != nil {
			return Snapshot{}, err
		}
		return c.Query(ctx, id)
	}

	instance := NewInstance(id, params, c.clock())
	if err := c.store.Save(ctx, instance); err != nil {
		// Another writer created the id first; adopt or report theirs.
		if errors.Is(err, ErrVersionConflict) {
			c.registry.Remove(id)
			<-c.admission
			close(actor.ready)
			close(actor.done)
			c.logger.Info("Duplicate start, returning existing instance", "transactionId", id)
			return c.Query(ctx, id)
		}
		c.registry.Remove(id)
		<-c.admission
		close(actor.ready)
		close(actor.done)
		return Snapshot{}, fmt.Errorf("persist new instance %s: %w", id, err)
	}

	running, err := Apply(instance, Started{At: c.clock()})
	if err != nil {
		c.registry.Remove(id)
		<-c.admission
		close(actor.ready)
		close(actor.done)
		return Snapshot{}, err
	}
	if err := c.store.Save(ctx, running); err != nil {
		c.registry.Remove(id)
		<-c.admission
		close(actor.ready)
		close(actor.done)
		return Snapshot{}, fmt.Errorf("persist running instance %s: %w", id, err)
	}

	close(actor.ready)

	c.observer.SagaStarted()
	c.logger.Info("Saga started", "transactionId", id, "firstStep", FirstStep().String())

	c.wg.Add(1)
	go c.run(actor, running, true)

	return running.Snapshot(), nil
}

// HandleStepOutcome routes one resolved outcome to its instance. Unknown
// ids and outcomes for already-resolved steps are logged and dropped.
func (c *Coordinator) HandleStepOutcome(outcome CorrelatedOutcome) {
	actor, ok := c.registry.Get(outcome.TransactionID)
	if !ok {
		c.logDroppedOutcome(outcome)
		return
	}
	if !actor.deliver(outcome) {
		c.logger.Info("Dropping outcome for finished instance",
			"transactionId", outcome.TransactionID,
			"step", outcome.Step.String(),
			"outcome", outcome.Outcome.String())
	}
}

func (c *Coordinator) logDroppedOutcome(outcome CorrelatedOutcome) {
	instance, err := c.store.Load(c.ctx, outcome.TransactionID)
	switch {
	case errors.Is(err, ErrNotFound):
		c.logger.Warn("Dropping outcome for unknown instance",
			"transactionId", outcome.TransactionID,
			"step", outcome.Step.String())
	case err != nil:
		c.logger.Error("Dropping outcome, store lookup failed",
			"transactionId", outcome.TransactionID,
			"error", err)
	default:
		c.logger.Info("Dropping outcome for inactive instance",
			"transactionId", outcome.TransactionID,
			"step", outcome.Step.String(),
			"status", string(instance.Status))
	}
}

// Query returns the persisted snapshot for id. It never mutates.
func (c *Coordinator) Query(ctx context.Context, id string) (Snapshot, error) {
	instance, err := c.store.Load(ctx, id)
	if err != nil {
		return Snapshot{}, err
	}
	return instance.Snapshot(), nil
}

// CountByStatus reports the number of persisted instances per status.
func (c *Coordinator) CountByStatus(ctx context.Context) (map[Status]int64, error) {
	return c.store.CountByStatus(ctx)
}

// ActiveIDs returns the ids currently live in the registry.
func (c *Coordinator) ActiveIDs() []string {
	return c.registry.IDs()
}

// Recover reloads every non-terminal instance from the store and resumes
// it: a Running instance re-dispatches its current step (persist happens
// before dispatch, so a crash between the two only causes a re-send), a
// Compensating instance continues its unwind.
func (c *Coordinator) Recover(ctx context.Context) error {
	instances, err := c.store.LoadActive(ctx)
	if err != nil {
		return fmt.Errorf("load active instances: %w", err)
	}

	for _, instance := range instances {
		select {
		case c.admission <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}

		actor, existed := c.registry.GetOrCreate(instance.ID, func() *instanceActor {
			return newInstanceActor(instance.ID)
		})
		if existed {
			<-c.admission
			continue
		}
		// Already durable; duplicate starts never need to wait on it.
		close(actor.ready)

		instance := instance
		if instance.Status == StatusCreated {
			running, err := Apply(instance, Started{At: c.clock()})
			if err != nil {
				c.logger.Error("Cannot resume created instance", "transactionId", instance.ID, "error", err)
				c.registry.Remove(instance.ID)
				<-c.admission
				close(actor.done)
				continue
			}
			if err := c.store.Save(ctx, running); err != nil {
				c.logger.Error("Cannot persist resumed instance", "transactionId", instance.ID, "error", err)
				c.registry.Remove(instance.ID)
				<-c.admission
				close(actor.done)
				continue
			}
			instance = running
		}

		c.logger.Info("Resuming instance",
			"transactionId", instance.ID,
			"status", string(instance.Status))

		c.wg.Add(1)
		go c.run(actor, instance, instance.Status == StatusRunning)
	}
	return nil
}

// run is the per-instance owner goroutine. dispatchCurrent re-emits the
// request for the awaited step before entering the mailbox loop.
func (c *Coordinator) run(actor *instanceActor, instance *Instance, dispatchCurrent bool) {
	defer c.wg.Done()

	if instance.Status == StatusCompensating {
		c.finish(actor, c.unwind(instance))
		return
	}

	if dispatchCurrent && instance.CurrentStep != nil {
		step := *instance.CurrentStep
		if failed := c.dispatchStep(instance, step); failed != nil {
			done, final := c.resolveFailure(failed, step, OutcomeFailure,
				fmt.Sprintf("%s dispatch failed", step))
			if final != nil {
				instance = final
			}
			if done {
				c.finish(actor, instance)
				return
			}
		}
	}

	for {
		select {
		case <-c.ctx.Done():
			// Shutdown: the instance stays persisted and resumes on
			// the next startup recovery.
			c.closeActor(actor)
			return

		case outcome := <-actor.mailbox:
			done, final := c.processOutcome(instance, outcome)
			if final != nil {
				instance = final
			}
			if done {
				c.finish(actor, instance)
				return
			}
		}
	}
}

// processOutcome applies one resolved outcome to the instance. It
// returns the successor state and whether the instance reached a
// terminal status.
func (c *Coordinator) processOutcome(instance *Instance, outcome CorrelatedOutcome) (bool, *Instance) {
	step := outcome.Step

	// Idempotency: a step already resolved is never reprocessed.
	if instance.Status.Terminal() || instance.HasCompleted(step) || !instance.Awaiting(step) {
		c.logger.Info("Ignoring duplicate or stale outcome",
			"transactionId", instance.ID,
			"step", step.String(),
			"outcome", outcome.Outcome.String(),
			"status", string(instance.Status))
		return false, nil
	}

	c.executor.CancelDeadline(instance.ID, step)
	c.observer.StepResolved(step, outcome.Outcome)

	if outcome.Outcome == OutcomeSuccess {
		return c.resolveSuccess(instance, outcome)
	}

	reason := outcome.Reason
	if reason == "" {
		switch outcome.Outcome {
		case OutcomeTimeout:
			reason = fmt.Sprintf("%s step timed out", step)
		default:
			reason = fmt.Sprintf("%s failed", step)
		}
	}
	return c.resolveFailure(instance, step, outcome.Outcome, reason)
}

// resolveSuccess advances past a completed step, persisting before the
// next dispatch.
func (c *Coordinator) resolveSuccess(instance *Instance, outcome CorrelatedOutcome) (bool, *Instance) {
	next, err := Apply(instance, StepSucceeded{
		Step:   outcome.Step,
		Params: compensationParams(instance, outcome),
		At:     c.clock(),
	})
	if err != nil {
		return true, c.failInternal(instance, err)
	}

	if err := c.store.Save(c.ctx, next); err != nil {
		if errors.Is(err, ErrVersionConflict) {
			return c.loseRace(instance, outcome.Step)
		}
		return true, c.failInternal(instance, err)
	}

	c.logger.Info("Step completed",
		"transactionId", instance.ID,
		"step", outcome.Step.String())

	if next.Status == StatusCompleted {
		c.logger.Info("Saga completed", "transactionId", next.ID)
		return true, next
	}

	step := *next.CurrentStep
	if failed := c.dispatchStep(next, step); failed != nil {
		return c.resolveFailure(failed, step, OutcomeFailure,
			fmt.Sprintf("%s dispatch failed", step))
	}
	return false, next
}

// resolveFailure moves the instance to Compensating and unwinds.
func (c *Coordinator) resolveFailure(instance *Instance, step Step, outcome Outcome, reason string) (bool, *Instance) {
	failed, err := Apply(instance, StepFailed{Step: step, Reason: reason, At: c.clock()})
	if err != nil {
		return true, c.failInternal(instance, err)
	}
	if err := c.store.Save(c.ctx, failed); err != nil {
		if errors.Is(err, ErrVersionConflict) {
			return c.loseRace(instance, step)
		}
		return true, c.failInternal(instance, err)
	}

	c.logger.Warn("Step failed, compensating",
		"transactionId", instance.ID,
		"step", step.String(),
		"outcome", outcome.String(),
		"reason", reason)

	return true, c.unwind(failed)
}

// loseRace reloads persisted state after a version conflict. The other
// writer's transition is authoritative; this one is discarded.
func (c *Coordinator) loseRace(instance *Instance, step Step) (bool, *Instance) {
	c.logger.Info("Discarding outcome, lost persistence race",
		"transactionId", instance.ID,
		"step", step.String())

	reloaded, err := c.store.Load(c.ctx, instance.ID)
	if err != nil {
		return true, c.failInternal(instance, err)
	}
	return reloaded.Status.Terminal(), reloaded
}

// dispatchStep persists nothing; the instance must already be saved. A
// nil return means the request went out; otherwise the returned instance
// should fail the step.
func (c *Coordinator) dispatchStep(instance *Instance, step Step) *Instance {
	if err := c.executor.Execute(c.ctx, instance.ID, step, instance.Params); err != nil {
		c.logger.Error("Step dispatch exhausted retries",
			"transactionId", instance.ID,
			"step", step.String(),
			"error", err)
		return instance
	}

	deadline := c.deadlineFor(step)
	id := instance.ID
	c.executor.ArmDeadline(id, step, deadline, func() {
		c.HandleStepOutcome(CorrelatedOutcome{
			TransactionID: id,
			Step:          step,
			Outcome:       OutcomeTimeout,
		})
	})
	return nil
}

// unwind pops and dispatches compensations in strict reverse order of
// completion. A compensation whose dispatch exhausts its budget is
// recorded on the failure reason and skipped; the remaining entries
// still unwind.
func (c *Coordinator) unwind(instance *Instance) *Instance {
	for len(instance.Compensations) > 0 {
		top := instance.Compensations[len(instance.Compensations)-1]

		dispatchErr := ""
		if err := c.executor.ExecuteCompensation(c.ctx, instance.ID, top.Step, top.Params); err != nil {
			c.logger.Error("Compensation dispatch exhausted retries, continuing unwind",
				"transactionId", instance.ID,
				"step", top.Step.String(),
				"error", err)
			dispatchErr = err.Error()
		}

		settled, err := Apply(instance, CompensationSettled{Step: top.Step, Err: dispatchErr, At: c.clock()})
		if err != nil {
			return c.failInternal(instance, err)
		}
		if err := c.store.Save(c.ctx, settled); err != nil {
			return c.failInternal(instance, err)
		}
		instance = settled
	}

	compensated, err := Apply(instance, UnwindFinished{At: c.clock()})
	if err != nil {
		return c.failInternal(instance, err)
	}
	if err := c.store.Save(c.ctx, compensated); err != nil {
		return c.failInternal(instance, err)
	}

	c.logger.Info("Saga compensated",
		"transactionId", compensated.ID,
		"reason", compensated.FailureReason)
	return compensated
}

// failInternal routes the instance to Failed: its state can no longer be
// trusted, so compensation is bypassed.
func (c *Coordinator) failInternal(instance *Instance, cause error) *Instance {
	c.logger.Error("Internal failure, marking instance failed",
		"transactionId", instance.ID,
		"error", cause)

	failed, err := Apply(instance, InternalFailed{Reason: cause.Error(), At: c.clock()})
	if err != nil {
		// Already terminal; keep what we have.
		return instance
	}
	if err := c.store.Save(c.ctx, failed); err != nil {
		c.logger.Error("Cannot persist failed instance",
			"transactionId", instance.ID,
			"error", err)
	}
	return failed
}

// finish releases the instance's admission slot and registry entry.
func (c *Coordinator) finish(actor *instanceActor, instance *Instance) {
	if instance != nil && instance.EndTime != nil {
		c.observer.SagaFinished(instance.Status, instance.EndTime.Sub(instance.StartTime))
	}
	c.closeActor(actor)
	<-c.admission
}

func (c *Coordinator) closeActor(actor *instanceActor) {
	c.registry.Remove(actor.id)
	close(actor.done)
}

func (c *Coordinator) deadlineFor(step Step) time.Duration {
	if d, ok := c.stepDeadlines[step]; ok {
		return d
	}
	return c.defaultDeadline
}

func (c *Coordinator) isDraining() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.draining
}

// ResponseHandler returns the envelope handler that feeds inbound step
// responses through the correlator into the coordinator.
func (c *Coordinator) ResponseHandler() messaging.EnvelopeHandler {
	return messaging.EnvelopeHandlerFunc(func(ctx context.Context, envelope *contracts.Envelope) error {
		outcome, ok := c.correlator.Correlate(envelope)
		if !ok {
			return nil
		}
		c.HandleStepOutcome(outcome)
		return nil
	})
}

// OrderCreatedHandler returns the envelope handler that starts sagas
// from ORDER_CREATED events. Malformed events are logged and dropped.
func (c *Coordinator) OrderCreatedHandler() messaging.EnvelopeHandler {
	return messaging.EnvelopeHandlerFunc(func(ctx context.Context, envelope *contracts.Envelope) error {
		var event OrderCreated
		if err := event.UnmarshalFromEnvelope(envelope); err != nil {
			c.logger.Error("Dropping malformed order event",
				"envelopeId", envelope.ID,
				"error", err)
			return nil
		}
		if _, err := c.Start(ctx, event.TransactionID, event.Params); err != nil {
			if errors.Is(err, ErrShuttingDown) {
				return err
			}
			c.logger.Error("Cannot start saga from order event",
				"transactionId", event.TransactionID,
				"error", err)
			return err
		}
		return nil
	})
}

// Drain stops admitting new starts and waits for live instances to
// quiesce, up to the context deadline. Instances still live when the
// deadline passes remain persisted and resume on the next startup.
func (c *Coordinator) Drain(ctx context.Context) error {
	c.mu.Lock()
	c.draining = true
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		c.cancel()
		return fmt.Errorf("drain interrupted with %d live instances: %w", c.registry.Len(), ctx.Err())
	}
}

// Close cancels all instance goroutines and pending deadlines.
func (c *Coordinator) Close() {
	c.cancel()
	c.executor.Close()
	c.wg.Wait()
}

// compensationParams picks the parameters the compensating request will
// need: the step response payload when present, else the start params.
func compensationParams(instance *Instance, outcome CorrelatedOutcome) map[string]string {
	if len(outcome.Payload) > 0 {
		return outcome.Payload
	}
	return instance.Params
}
