package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarkoPoloResearchLab/entitlements/pkg/entitlement"
	"go.uber.org/zap"
)

const (
	defaultQueueSize       = 1024
	defaultWorkers         = 4
	defaultMaxAttempts     = 5
	defaultInitialBackoff  = 200 * time.Millisecond
	defaultMaxBackoff      = 10 * time.Second
	defaultDeliveryTimeout = 5 * time.Second
)

var (
	// ErrDispatcherClosed is returned by Enqueue after Close.
	ErrDispatcherClosed = errors.New("dispatcher closed")
	// ErrQueueFull is returned when the bounded queue cannot accept more work.
	ErrQueueFull = errors.New("side effect queue full")
)

// Config tunes queueing and retry behavior.
type Config struct {
	QueueSize       int
	Workers         int
	MaxAttempts     int
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	DeliveryTimeout time.Duration
}

func (config Config) withDefaults() Config {
	if config.QueueSize <= 0 {
		config.QueueSize = defaultQueueSize
	}
	if config.Workers <= 0 {
		config.Workers = defaultWorkers
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaultMaxAttempts
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = defaultInitialBackoff
	}
	if config.MaxBackoff < config.InitialBackoff {
		config.MaxBackoff = defaultMaxBackoff
	}
	if config.DeliveryTimeout <= 0 {
		config.DeliveryTimeout = defaultDeliveryTimeout
	}
	return config
}

// DeliveryObserver is told the final outcome of every delivery.
type DeliveryObserver func(kind entitlement.SideEffectKind, notifier string, attempts int, err error)

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithDeliveryObserver registers a callback for final delivery outcomes.
func WithDeliveryObserver(observer DeliveryObserver) Option {
	return func(dispatcher *Dispatcher) {
		dispatcher.observer = observer
	}
}

// WithSleep replaces time.Sleep between retries.
func WithSleep(sleep func(time.Duration)) Option {
	return func(dispatcher *Dispatcher) {
		if sleep != nil {
			dispatcher.sleep = sleep
		}
	}
}

type job struct {
	ctx      context.Context
	effect   entitlement.SideEffect
	notifier Notifier
}

// Dispatcher executes side effects outside the ledger transaction. Each effect
// is delivered to every notifier independently, with exponential backoff
// between attempts. Failures are logged and never reach the caller.
type Dispatcher struct {
	logger    *zap.Logger
	notifiers []Notifier
	config    Config
	observer  DeliveryObserver
	sleep     func(time.Duration)

	queue     chan job
	mutex     sync.RWMutex
	closed    bool
	startOnce sync.Once
	closeOnce sync.Once
	workers   sync.WaitGroup
}

// NewDispatcher builds a dispatcher. Call Start before enqueueing.
func NewDispatcher(logger *zap.Logger, config Config, notifiers []Notifier, options ...Option) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	config = config.withDefaults()
	dispatcher := &Dispatcher{
		logger:    logger,
		notifiers: notifiers,
		config:    config,
		sleep:     time.Sleep,
		queue:     make(chan job, config.QueueSize),
	}
	for _, option := range options {
		if option != nil {
			option(dispatcher)
		}
	}
	return dispatcher
}

// Enqueue implements entitlement.SideEffectSink. It never blocks.
func (dispatcher *Dispatcher) Enqueue(ctx context.Context, effect entitlement.SideEffect) error {
	dispatcher.mutex.RLock()
	defer dispatcher.mutex.RUnlock()
	if dispatcher.closed {
		return ErrDispatcherClosed
	}
	detached := context.WithoutCancel(ctx)
	for _, notifier := range dispatcher.notifiers {
		select {
		case dispatcher.queue <- job{ctx: detached, effect: effect, notifier: notifier}:
		default:
			return ErrQueueFull
		}
	}
	return nil
}

// Start launches the worker goroutines once.
func (dispatcher *Dispatcher) Start() {
	dispatcher.startOnce.Do(func() {
		for index := 0; index < dispatcher.config.Workers; index++ {
			dispatcher.workers.Add(1)
			go dispatcher.work()
		}
	})
}

// Close stops accepting work and waits for queued deliveries to finish.
func (dispatcher *Dispatcher) Close() {
	dispatcher.closeOnce.Do(func() {
		dispatcher.mutex.Lock()
		dispatcher.closed = true
		close(dispatcher.queue)
		dispatcher.mutex.Unlock()
	})
	dispatcher.Start()
	dispatcher.workers.Wait()
}

func (dispatcher *Dispatcher) work() {
	defer dispatcher.workers.Done()
	for queued := range dispatcher.queue {
		dispatcher.deliver(queued)
	}
}

func (dispatcher *Dispatcher) deliver(queued job) {
	backoff := dispatcher.config.InitialBackoff
	var lastErr error
	attempt := 1
	for ; attempt <= dispatcher.config.MaxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(queued.ctx, dispatcher.config.DeliveryTimeout)
		lastErr = queued.notifier.Notify(ctx, queued.effect)
		cancel()
		if lastErr == nil {
			break
		}
		if attempt == dispatcher.config.MaxAttempts {
			break
		}
		dispatcher.logger.Warn("side effect delivery retry",
			zap.String("kind", queued.effect.Kind.String()),
			zap.String("notifier", queued.notifier.Name()),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(lastErr),
		)
		dispatcher.sleep(backoff)
		backoff *= 2
		if backoff > dispatcher.config.MaxBackoff {
			backoff = dispatcher.config.MaxBackoff
		}
	}
	if lastErr != nil {
		dispatcher.logger.Error("side effect delivery failed",
			zap.String("kind", queued.effect.Kind.String()),
			zap.String("notifier", queued.notifier.Name()),
			zap.String("user_id", queued.effect.UserID),
			zap.Int("attempts", attempt),
			zap.Error(lastErr),
		)
	}
	if dispatcher.observer != nil {
		dispatcher.observer(queued.effect.Kind, queued.notifier.Name(), attempt, lastErr)
	}
}
