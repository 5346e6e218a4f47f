// Package ordersaga wires the order fulfillment saga coordinator: a
// RabbitMQ transport, a durable instance store, and the coordinator
// state machine driving payment, inventory, and shipping steps with
// reverse-order compensation.
package ordersaga

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/ordersaga-go/health"
	"github.com/glimte/ordersaga-go/internal/reliability"
	"github.com/glimte/ordersaga-go/messaging"
	"github.com/glimte/ordersaga-go/saga"
	"github.com/glimte/ordersaga-go/store"
	rabbitmqTransport "github.com/glimte/ordersaga-go/transports/rabbitmq"
)

// Client is the main entry point. It owns the transport, the store, and
// the coordinator, and exposes the start/query surface callers use.
type Client struct {
	transport   *rabbitmqTransport.Transport
	publisher   *messaging.MessagePublisher
	subscriber  *messaging.MessageSubscriber
	coordinator *saga.Coordinator
	instances   saga.Store
	logger      *slog.Logger
	serviceName string
	ownsStore   bool
}

// clientConfig holds client configuration
type clientConfig struct {
	logger           *slog.Logger
	serviceName      string
	instances        saga.Store
	observer         saga.Observer
	maxInFlight      int
	defaultDeadline  time.Duration
	stepDeadlines    map[saga.Step]time.Duration
	transportOptions []rabbitmqTransport.TransportOption
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithServiceName sets the service name used for queue naming
func WithServiceName(name string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.serviceName = name
	}
}

// WithStore sets the durable instance store. Defaults to the in-memory
// store, which does not survive restarts.
func WithStore(instances saga.Store) ClientOption {
	return func(cfg *clientConfig) {
		cfg.instances = instances
	}
}

// WithObserver attaches lifecycle instrumentation to the coordinator
func WithObserver(observer saga.Observer) ClientOption {
	return func(cfg *clientConfig) {
		cfg.observer = observer
	}
}

// WithMaxInFlight bounds the number of concurrently live instances
func WithMaxInFlight(n int) ClientOption {
	return func(cfg *clientConfig) {
		cfg.maxInFlight = n
	}
}

// WithDefaultStepDeadline sets the response wait for all steps
func WithDefaultStepDeadline(d time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.defaultDeadline = d
	}
}

// WithStepDeadline overrides the response wait for one step
func WithStepDeadline(step saga.Step, d time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.stepDeadlines[step] = d
	}
}

// WithTransportOptions passes options through to the RabbitMQ transport
func WithTransportOptions(options ...rabbitmqTransport.TransportOption) ClientOption {
	return func(cfg *clientConfig) {
		cfg.transportOptions = append(cfg.transportOptions, options...)
	}
}

// NewClient creates a client with default options.
func NewClient(connectionString string) (*Client, error) {
	return NewClientWithOptions(connectionString)
}

// NewClientWithOptions creates a client, connects the transport,
// declares the coordinator's queues, and recovers persisted instances.
// Call Run to begin consuming.
func NewClientWithOptions(connectionString string, options ...ClientOption) (*Client, error) {
	cfg := &clientConfig{
		logger:        slog.Default(),
		serviceName:   "coordinator",
		stepDeadlines: make(map[saga.Step]time.Duration),
	}
	for _, opt := range options {
		opt(cfg)
	}

	ownsStore := false
	if cfg.instances == nil {
		cfg.instances = store.NewMemoryStore()
		ownsStore = true
	}

	transport, err := rabbitmqTransport.NewTransport(connectionString, cfg.transportOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}

	// Dispatch retry budgets live in the step executor; the publisher
	// itself makes a single attempt so the budgets are not compounded.
	publisher := messaging.NewMessagePublisher(transport.Publisher(),
		messaging.WithPublisherLogger(cfg.logger),
		messaging.WithRetryPolicy(reliability.NewFixedDelay(0, 0)))

	subscriber := messaging.NewMessageSubscriber(transport.Subscriber(),
		messaging.WithSubscriberLogger(cfg.logger))

	executor := saga.NewStepExecutor(publisher,
		saga.WithExecutorLogger(cfg.logger))

	coordinatorOptions := []saga.CoordinatorOption{
		saga.WithCoordinatorLogger(cfg.logger),
	}
	if cfg.observer != nil {
		coordinatorOptions = append(coordinatorOptions, saga.WithObserver(cfg.observer))
	}
	if cfg.maxInFlight > 0 {
		coordinatorOptions = append(coordinatorOptions, saga.WithMaxInFlight(cfg.maxInFlight))
	}
	if cfg.defaultDeadline > 0 {
		coordinatorOptions = append(coordinatorOptions, saga.WithDefaultStepDeadline(cfg.defaultDeadline))
	}
	for step, d := range cfg.stepDeadlines {
		coordinatorOptions = append(coordinatorOptions, saga.WithStepDeadline(step, d))
	}
	coordinator := saga.NewCoordinator(cfg.instances, executor, coordinatorOptions...)

	client := &Client{
		transport:   transport,
		publisher:   publisher,
		subscriber:  subscriber,
		coordinator: coordinator,
		instances:   cfg.instances,
		logger:      cfg.logger,
		serviceName: cfg.serviceName,
		ownsStore:   ownsStore,
	}

	if err := client.declareQueues(context.Background()); err != nil {
		transport.Close()
		return nil, err
	}

	return client, nil
}

func (c *Client) declareQueues(ctx context.Context) error {
	queueOptions := messaging.QueueOptions{Durable: true}

	responses := c.responseQueue()
	if err := c.transport.CreateQueue(ctx, responses, queueOptions); err != nil {
		return fmt.Errorf("failed to create queue %s: %w", responses, err)
	}
	if err := c.transport.BindQueue(ctx, responses, messaging.DefaultExchange, saga.ResponseTopicPattern); err != nil {
		return fmt.Errorf("failed to bind queue %s: %w", responses, err)
	}

	orders := c.orderQueue()
	if err := c.transport.CreateQueue(ctx, orders, queueOptions); err != nil {
		return fmt.Errorf("failed to create queue %s: %w", orders, err)
	}
	if err := c.transport.BindQueue(ctx, orders, messaging.DefaultExchange, saga.OrderTopic); err != nil {
		return fmt.Errorf("failed to bind queue %s: %w", orders, err)
	}

	return nil
}

// Run recovers persisted instances and starts consuming responses and
// order events. It returns once consumption is set up.
func (c *Client) Run(ctx context.Context) error {
	if err := c.coordinator.Recover(ctx); err != nil {
		return fmt.Errorf("failed to recover instances: %w", err)
	}

	if err := c.subscriber.Subscribe(ctx, c.responseQueue(), c.coordinator.ResponseHandler(),
		messaging.WithPrefetchCount(32)); err != nil {
		return fmt.Errorf("failed to subscribe to responses: %w", err)
	}

	if err := c.subscriber.Subscribe(ctx, c.orderQueue(), c.coordinator.OrderCreatedHandler()); err != nil {
		return fmt.Errorf("failed to subscribe to orders: %w", err)
	}

	c.logger.Info("Coordinator running",
		"service", c.serviceName,
		"responseQueue", c.responseQueue(),
		"orderQueue", c.orderQueue())
	return nil
}

// Start begins a new saga for the transaction id. Duplicate starts are
// no-ops returning the existing instance.
func (c *Client) Start(ctx context.Context, transactionID string, params map[string]string) (saga.Snapshot, error) {
	return c.coordinator.Start(ctx, transactionID, params)
}

// GetState returns the persisted snapshot for a transaction id.
func (c *Client) GetState(ctx context.Context, transactionID string) (saga.Snapshot, error) {
	return c.coordinator.Query(ctx, transactionID)
}

// CountByStatus reports the number of instances per status.
func (c *Client) CountByStatus(ctx context.Context) (map[saga.Status]int64, error) {
	return c.coordinator.CountByStatus(ctx)
}

// ActiveIDs returns the ids of instances currently in flight.
func (c *Client) ActiveIDs() []string {
	return c.coordinator.ActiveIDs()
}

// Coordinator exposes the underlying coordinator.
func (c *Client) Coordinator() *saga.Coordinator {
	return c.coordinator
}

// Publisher returns the message publisher
func (c *Client) Publisher() *messaging.MessagePublisher {
	return c.publisher
}

// Transport returns the underlying transport
func (c *Client) Transport() messaging.Transport {
	return c.transport
}

// HealthCheckers returns checkers for the broker and the store.
func (c *Client) HealthCheckers() []health.Checker {
	return []health.Checker{
		health.NewRabbitMQChecker(c.transport.ConnectionManager()),
		health.NewStoreChecker(c.instances),
	}
}

// Drain stops admitting new sagas and waits for in-flight instances to
// quiesce, up to the context deadline.
func (c *Client) Drain(ctx context.Context) error {
	if err := c.subscriber.Close(); err != nil {
		c.logger.Warn("Error closing subscriber during drain", "error", err)
	}
	return c.coordinator.Drain(ctx)
}

// Close closes all resources.
func (c *Client) Close() error {
	c.coordinator.Close()
	if err := c.transport.Close(); err != nil {
		return fmt.Errorf("failed to close transport: %w", err)
	}
	if c.ownsStore {
		return c.instances.Close()
	}
	return nil
}

func (c *Client) responseQueue() string {
	return c.serviceName + ".saga.responses"
}

func (c *Client) orderQueue() string {
	return c.serviceName + ".saga.orders"
}
