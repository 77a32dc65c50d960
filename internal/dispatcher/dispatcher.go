package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/streetviewlocate/geosync/internal/dispatcher"

var (
	// ErrQueueFull is returned when an event is dropped because its queue is full.
	ErrQueueFull = errors.New("queue full")
	// ErrClosed is returned for events dispatched after Close.
	ErrClosed = errors.New("dispatcher closed")
)

// Event represents an incoming notification, such as a viewer navigation.
type Event struct {
	Command   string
	Args      []string
	Payload   any // in-process data that has no string form
	Timestamp time.Time
}

// HandlerFunc processes an event and returns a result.
type HandlerFunc func(Event) (any, error)

// Logger interface for pluggable logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Option configures handler registration.
type Option func(*config)

type config struct {
	bufferSize int
	blocking   bool
	logged     bool
	affine     bool
}

// Buffered makes the handler async with a queue of the given size.
func Buffered(size int) Option {
	return func(c *config) {
		c.bufferSize = size
	}
}

// Blocking makes a buffered handler block when the queue is full instead of dropping.
func Blocking() Option {
	return func(c *config) {
		c.blocking = true
	}
}

// Logged adds debug logging to the handler.
func Logged() Option {
	return func(c *config) {
		c.logged = true
	}
}

// Affine runs the handler on the dispatcher's mutation loop. All affine
// handlers share one goroutine, so they never run concurrently with each
// other. Dispatch waits for the result; Post queues and returns.
// An affine handler must not Dispatch another affine event; it may Post one.
func Affine() Option {
	return func(c *config) {
		c.affine = true
	}
}

type result struct {
	value any
	err   error
}

type job struct {
	event   Event
	handler HandlerFunc
	reply   chan result // nil for posted events
}

// Dispatcher routes events to registered handlers.
type Dispatcher struct {
	handlers map[string]HandlerFunc
	affine   map[string]HandlerFunc
	logger   Logger

	// OTEL metrics
	queueSize metric.Int64ObservableGauge
	processed metric.Int64Counter
	dropped   metric.Int64Counter

	// Track buffers for gauge callback
	mu      sync.RWMutex
	buffers map[string]chan Event

	loop      chan job
	done      chan struct{}
	stopped   chan struct{}
	drain     chan struct{} // closed once the loop has stopped
	workers   sync.WaitGroup
	closeOnce sync.Once
}

// New creates a new Dispatcher with the given logger and mutation loop
// capacity. Uses the global OTel meter for metrics (no-op if not configured).
func New(logger Logger, queueSize int) (*Dispatcher, error) {
	if queueSize <= 0 {
		queueSize = 1
	}
	d := &Dispatcher{
		handlers: make(map[string]HandlerFunc),
		affine:   make(map[string]HandlerFunc),
		buffers:  make(map[string]chan Event),
		logger:   logger,
		loop:     make(chan job, queueSize),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
		drain:    make(chan struct{}),
	}

	// no-op unless an OTel meter provider is installed
	m := otel.Meter(instrumentationName)

	var err error

	d.queueSize, err = m.Int64ObservableGauge(
		"dispatcher.queue.size",
		metric.WithDescription("Current number of events in queue"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating queue size gauge: %w", err)
	}

	_, err = m.RegisterCallback(
		func(ctx context.Context, o metric.Observer) error {
			d.mu.RLock()
			defer d.mu.RUnlock()
			for cmd, buf := range d.buffers {
				o.ObserveInt64(d.queueSize, int64(len(buf)),
					metric.WithAttributes(attribute.String("command", cmd)))
			}
			o.ObserveInt64(d.queueSize, int64(len(d.loop)),
				metric.WithAttributes(attribute.String("command", "affine")))
			return nil
		},
		d.queueSize,
	)
	if err != nil {
		return nil, fmt.Errorf("registering queue callback: %w", err)
	}

	d.processed, err = m.Int64Counter(
		"dispatcher.events.processed",
		metric.WithDescription("Total events processed"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating processed counter: %w", err)
	}

	d.dropped, err = m.Int64Counter(
		"dispatcher.events.dropped",
		metric.WithDescription("Total events dropped due to full queue"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating dropped counter: %w", err)
	}

	go d.run()

	return d, nil
}

// Register adds a handler for the given command with optional configuration.
func (d *Dispatcher) Register(command string, h HandlerFunc, opts ...Option) {
	cfg := &config{}
	for _, opt := range opts {
		opt(cfg)
	}

	handler := h

	if cfg.affine {
		if cfg.logged {
			handler = d.withLogging(command, handler)
		}
		d.mu.Lock()
		d.affine[command] = handler
		d.mu.Unlock()
		handler = d.withLoop(handler)
	} else {
		if cfg.bufferSize > 0 {
			handler = d.withBuffer(command, cfg.bufferSize, cfg.blocking, handler)
		}
		if cfg.logged {
			handler = d.withLogging(command, handler)
		}
	}

	d.mu.Lock()
	d.handlers[command] = handler
	d.mu.Unlock()
}

// Dispatch routes an event to its registered handler. For affine handlers it
// waits until the mutation loop has run the handler.
func (d *Dispatcher) Dispatch(e Event) (any, error) {
	d.mu.RLock()
	h, ok := d.handlers[e.Command]
	d.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown command: %s", e.Command)
	}
	return h(e)
}

// Post queues an event for an affine or buffered handler without waiting
// for it to be handled. An affine event is dropped when the mutation loop is
// full. Events for plain handlers run on their own goroutine.
func (d *Dispatcher) Post(e Event) error {
	d.mu.RLock()
	h, isAffine := d.affine[e.Command]
	plain, ok := d.handlers[e.Command]
	_, isBuffered := d.buffers[e.Command]
	d.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown command: %s", e.Command)
	}

	switch {
	case isAffine:
		select {
		case <-d.done:
			return ErrClosed
		default:
		}
		select {
		case d.loop <- job{event: e, handler: h}:
			return nil
		default:
			d.dropped.Add(context.Background(), 1, metric.WithAttributes(attribute.String("command", e.Command)))
			return fmt.Errorf("%w: %s", ErrQueueFull, e.Command)
		}
	case isBuffered:
		select {
		case <-d.drain:
			return ErrClosed
		default:
		}
		_, err := plain(e)
		return err
	default:
		go plain(e)
		return nil
	}
}

// HasHandler returns true if a handler is registered for the command.
func (d *Dispatcher) HasHandler(command string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.handlers[command]
	return ok
}

// Close stops the mutation loop after it has run every queued event, then
// lets buffered handlers work off their queues, including events the loop
// posted while draining.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		close(d.done)
		<-d.stopped
		close(d.drain)
		d.workers.Wait()
	})
}

func (d *Dispatcher) run() {
	defer close(d.stopped)
	for {
		select {
		case j := <-d.loop:
			d.execute(j)
		case <-d.done:
			for {
				select {
				case j := <-d.loop:
					d.execute(j)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) execute(j job) {
	value, err := j.handler(j.event)
	d.processed.Add(context.Background(), 1, metric.WithAttributes(attribute.String("command", j.event.Command)))
	if j.reply != nil {
		j.reply <- result{value: value, err: err}
		return
	}
	if err != nil {
		d.logger.Error("posted event failed", "command", j.event.Command, "error", err)
	}
}

func (d *Dispatcher) withLoop(h HandlerFunc) HandlerFunc {
	return func(e Event) (any, error) {
		reply := make(chan result, 1)
		select {
		case d.loop <- job{event: e, handler: h, reply: reply}:
		case <-d.done:
			return nil, ErrClosed
		}
		select {
		case r := <-reply:
			return r.value, r.err
		case <-d.stopped:
			// the loop drains before stopping, so a reply may still be waiting
			select {
			case r := <-reply:
				return r.value, r.err
			default:
				return nil, ErrClosed
			}
		}
	}
}

func (d *Dispatcher) withBuffer(command string, size int, blocking bool, h HandlerFunc) HandlerFunc {
	buffer := make(chan Event, size)

	d.mu.Lock()
	d.buffers[command] = buffer
	d.mu.Unlock()

	cmdAttr := attribute.String("command", command)

	handle := func(e Event) {
		h(e)
		d.processed.Add(context.Background(), 1, metric.WithAttributes(cmdAttr))
	}

	d.workers.Add(1)
	go func() {
		defer d.workers.Done()
		for {
			select {
			case e := <-buffer:
				handle(e)
			case <-d.drain:
				for {
					select {
					case e := <-buffer:
						handle(e)
					default:
						return
					}
				}
			}
		}
	}()

	if blocking {
		return func(e Event) (any, error) {
			select {
			case buffer <- e:
				return "queued", nil
			case <-d.done:
				return nil, ErrClosed
			}
		}
	}

	return func(e Event) (any, error) {
		select {
		case buffer <- e:
			return "queued", nil
		default:
			d.dropped.Add(context.Background(), 1, metric.WithAttributes(cmdAttr))
			return nil, fmt.Errorf("%w: %s", ErrQueueFull, command)
		}
	}
}

func (d *Dispatcher) withLogging(command string, h HandlerFunc) HandlerFunc {
	return func(e Event) (any, error) {
		start := time.Now()
		d.logger.Debug("handling event", "command", command, "args", len(e.Args))

		result, err := h(e)

		if err != nil {
			d.logger.Error("event failed", "command", command, "duration", time.Since(start), "error", err)
		} else {
			d.logger.Debug("event complete", "command", command, "duration", time.Since(start))
		}

		return result, err
	}
}
