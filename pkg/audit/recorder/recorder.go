package recorder

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"mercator-hq/warden/pkg/audit"
	"mercator-hq/warden/pkg/config"
)

// Config contains configuration for the audit recorder.
type Config struct {
	// BufferSize is the queue depth of each lane.
	// Default: 1000
	BufferSize int

	// Lanes is the number of ordered worker lanes.
	// Default: 4
	Lanes int

	// WriteTimeout is the timeout for writing one event to storage.
	// Default: 5 seconds
	WriteTimeout time.Duration
}

// DefaultConfig returns the default recorder configuration.
func DefaultConfig() *Config {
	return &Config{
		BufferSize:   config.DefaultRecorderBufferSize,
		Lanes:        config.DefaultRecorderLanes,
		WriteTimeout: config.DefaultRecorderWriteTimeout,
	}
}

// ConfigFrom converts the recorder section of the gateway configuration.
func ConfigFrom(cfg *config.RecorderConfig) *Config {
	return &Config{
		BufferSize:   cfg.BufferSize,
		Lanes:        cfg.Lanes,
		WriteTimeout: cfg.WriteTimeout,
	}
}

// Observer is notified of recorder outcomes. Metrics collectors implement it.
type Observer interface {
	// EventRecorded is called after an event was persisted.
	EventRecorded(action string, d time.Duration)

	// PersistFailed is called when storage rejected an event.
	// Kind is "event" or "config_event".
	PersistFailed(kind string)

	// QueueFull is called when an event spilled past its saturated lane
	// into the lane's overflow.
	QueueFull()
}

// Recorder writes audit events to storage off the request path.
//
// Events are spread over a fixed number of lanes by device key, and each
// lane is drained by one goroutine, so events for the same device are
// persisted in the order they were recorded. A saturated lane spills into an
// overflow list that the same goroutine drains once the channel is empty,
// so saturation delays events but neither reorders nor drops them. Storage
// failures are logged and reported to the Observer but never returned to
// the caller.
type Recorder struct {
	storage  audit.Storage
	config   *Config
	lanes    []*lane
	wg       sync.WaitGroup
	logger   *slog.Logger
	observer Observer

	mu     sync.RWMutex
	closed bool
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithObserver reports recorder outcomes to o.
func WithObserver(o Observer) Option {
	return func(r *Recorder) { r.observer = o }
}

// NewRecorder creates a recorder and starts its lane workers.
func NewRecorder(storage audit.Storage, cfg *Config, opts ...Option) *Recorder {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Lanes <= 0 {
		cfg.Lanes = config.DefaultRecorderLanes
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = config.DefaultRecorderBufferSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = config.DefaultRecorderWriteTimeout
	}

	r := &Recorder{
		storage:  storage,
		config:   cfg,
		lanes:    make([]*lane, cfg.Lanes),
		logger:   slog.Default().With("component", "audit.recorder"),
		observer: nopObserver{},
	}
	for _, opt := range opts {
		opt(r)
	}

	for i := range r.lanes {
		r.lanes[i] = &lane{ch: make(chan *audit.Event, cfg.BufferSize)}
		r.wg.Add(1)
		go r.worker(r.lanes[i])
	}

	r.logger.Info("audit recorder initialized",
		"lanes", cfg.Lanes,
		"buffer_size", cfg.BufferSize,
		"write_timeout", cfg.WriteTimeout,
	)

	return r
}

// Record enqueues an event without blocking. It assigns an ID and
// timestamp when missing. When the event's lane is full the event is
// queued behind it and ErrQueueFull is returned; it is still persisted, in
// order.
func (r *Recorder) Record(event *audit.Event) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.logger.Warn("recorder closed, dropping audit event", "request_id", event.RequestID)
		return audit.ErrRecorderClosed
	}

	if !r.lanes[r.lane(event.DeviceKey())].push(event) {
		return nil
	}

	r.observer.QueueFull()
	r.logger.Warn("audit lane full, event queued in overflow",
		"request_id", event.RequestID,
		"device", event.DeviceKey(),
		"lane_capacity", r.config.BufferSize,
	)
	return audit.ErrQueueFull
}

// RecordConfigEvent persists an enforcement configuration event. These are
// rare and operator-driven, so the write is synchronous.
func (r *Recorder) RecordConfigEvent(ctx context.Context, event *audit.ConfigEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.config.WriteTimeout)
	defer cancel()

	if err := r.storage.StoreConfigEvent(ctx, event); err != nil {
		r.observer.PersistFailed("config_event")
		r.logger.Error("failed to store configuration event",
			"event_type", event.EventType,
			"actor", event.Actor,
			"error", err,
		)
	}
}

// Close stops accepting events, drains every lane and waits for pending
// writes to complete. Close is idempotent.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	pending := 0
	for _, l := range r.lanes {
		pending += l.pending()
		close(l.ch)
	}
	r.mu.Unlock()

	r.logger.Info("shutting down audit recorder", "pending_count", pending)
	r.wg.Wait()
	r.logger.Info("audit recorder shut down complete")
	return nil
}

func (r *Recorder) lane(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(r.lanes)))
}

func (r *Recorder) worker(l *lane) {
	defer r.wg.Done()
	for event := range l.ch {
		r.write(event)
		r.drain(l)
	}
	r.drain(l)
}

// drain writes the lane's overflow once its channel is empty. Events pushed
// while the batch is written land in the channel and are newer than it.
func (r *Recorder) drain(l *lane) {
	for {
		batch := l.takeOverflow()
		if batch == nil {
			return
		}
		for _, event := range batch {
			r.write(event)
		}
	}
}

// write persists a single event.
func (r *Recorder) write(event *audit.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), r.config.WriteTimeout)
	defer cancel()

	start := time.Now()
	err := r.storage.Store(ctx, event)
	duration := time.Since(start)

	if err != nil {
		r.observer.PersistFailed("event")
		level := slog.LevelError
		if errors.Is(err, audit.ErrDuplicateRequest) {
			level = slog.LevelWarn
		}
		r.logger.Log(ctx, level, "failed to store audit event",
			"event_id", event.ID,
			"request_id", event.RequestID,
			"error", err,
		)
		return
	}

	r.observer.EventRecorded(event.EnforcementAction, duration)
	r.logger.Debug("audit event recorded",
		"event_id", event.ID,
		"request_id", event.RequestID,
		"action", event.EnforcementAction,
		"duration_ms", duration.Milliseconds(),
	)

	if duration > r.config.WriteTimeout/2 {
		r.logger.Warn("slow audit write",
			"event_id", event.ID,
			"duration_ms", duration.Milliseconds(),
			"threshold_ms", (r.config.WriteTimeout / 2).Milliseconds(),
		)
	}
}

// lane is one ordered queue. While overflow is non-empty every new event
// goes to overflow, so the channel only holds events older than it.
type lane struct {
	ch chan *audit.Event

	mu       sync.Mutex
	overflow []*audit.Event
}

// push enqueues e and reports whether it had to spill into overflow.
func (l *lane) push(e *audit.Event) (spilled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.overflow) == 0 {
		select {
		case l.ch <- e:
			return false
		default:
		}
	}
	l.overflow = append(l.overflow, e)
	return true
}

// takeOverflow returns the overflow once the channel has run dry.
func (l *lane) takeOverflow() []*audit.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.ch) > 0 || len(l.overflow) == 0 {
		return nil
	}
	batch := l.overflow
	l.overflow = nil
	return batch
}

func (l *lane) pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.ch) + len(l.overflow)
}

type nopObserver struct{}

func (nopObserver) EventRecorded(string, time.Duration) {}
func (nopObserver) PersistFailed(string)                {}
func (nopObserver) QueueFull()                          {}
