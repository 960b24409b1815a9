// Package watcher multiplexes the backplane's single operation channel into
// per-operation watcher lists with expiration deadlines.
package watcher

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	longrunning "google.golang.org/genproto/googleapis/longrunning"
	"google.golang.org/protobuf/encoding/protojson"

	"github.com/cuemby/kiln/pkg/backplane"
	"github.com/cuemby/kiln/pkg/log"
	"github.com/cuemby/kiln/pkg/metrics"
)

// Watcher observes one operation's state transitions. A nil operation is the
// terminal observation for a watcher whose deadline expired before the
// operation completed.
type Watcher func(op *longrunning.Operation)

// Config holds hub tuning
type Config struct {
	// TTL is the fixed deadline extension granted on every delivery
	TTL time.Duration
	// ExecutorWidth is the number of observer goroutines
	ExecutorWidth int
}

// Hub maintains channel -> ordered watcher lists. Observers run on the hub's
// executor; deliveries to a single watcher are serialized and in order.
type Hub struct {
	mu       sync.Mutex
	channels map[string]*channelEntry
	cfg      Config
	logger   zerolog.Logger
	executor *executor
	stopped  bool

	// Subscribe and Unsubscribe hooks track which channels have watchers.
	// Both run under the hub lock and must not call back into the hub.
	OnSubscribe   func(channel string)
	OnUnsubscribe func(channel string)
}

type channelEntry struct {
	watchers []*entry
}

// entry is one registered watcher: a notifier and its expiration instant, in
// one value referenced by both the channel list and the client-facing
// cancellation handle.
type entry struct {
	fn        Watcher
	expiresAt time.Time

	// pending deliveries, drained serially on the executor
	pending  []*longrunning.Operation
	draining bool
	done     bool
}

// Handle cancels a registration
type Handle struct {
	hub     *Hub
	channel string
	e       *entry
}

// NewHub creates a hub
func NewHub(cfg Config) *Hub {
	if cfg.TTL <= 0 {
		cfg.TTL = 10 * time.Second
	}
	if cfg.ExecutorWidth <= 0 {
		cfg.ExecutorWidth = 4
	}
	return &Hub{
		channels: make(map[string]*channelEntry),
		cfg:      cfg,
		logger:   log.Component("watcher"),
		executor: newExecutor(cfg.ExecutorWidth),
	}
}

// Stop drains the executor. Messages arriving afterwards are dropped.
func (h *Hub) Stop() {
	h.mu.Lock()
	h.stopped = true
	h.mu.Unlock()
	h.executor.stop()
}

// NextExpiresAt is the deadline granted to a watcher on registration and on
// every delivery.
func (h *Hub) NextExpiresAt() time.Time {
	return time.Now().Add(h.cfg.TTL)
}

// Watch registers a watcher on an operation channel
func (h *Hub) Watch(channel string, fn Watcher) *Handle {
	h.mu.Lock()
	defer h.mu.Unlock()
	ce, ok := h.channels[channel]
	if !ok {
		ce = &channelEntry{}
		h.channels[channel] = ce
		if h.OnSubscribe != nil {
			h.OnSubscribe(channel)
		}
	}
	e := &entry{fn: fn, expiresAt: h.NextExpiresAt()}
	ce.watchers = append(ce.watchers, e)
	metrics.WatchersActive.Inc()
	return &Handle{hub: h, channel: channel, e: e}
}

// Cancel removes the watcher without a terminal delivery
func (hd *Handle) Cancel() {
	hd.hub.mu.Lock()
	defer hd.hub.mu.Unlock()
	hd.hub.removeLocked(hd.channel, hd.e)
}

// removeLocked drops a watcher and unsubscribes an emptied channel
func (h *Hub) removeLocked(channel string, e *entry) {
	ce, ok := h.channels[channel]
	if !ok || e.done {
		return
	}
	for i, w := range ce.watchers {
		if w == e {
			ce.watchers = append(ce.watchers[:i], ce.watchers[i+1:]...)
			e.done = true
			metrics.WatchersActive.Dec()
			break
		}
	}
	if len(ce.watchers) == 0 {
		delete(h.channels, channel)
		if h.OnUnsubscribe != nil {
			h.OnUnsubscribe(channel)
		}
	}
}

// deliverLocked queues one observation for a watcher, preserving per-watcher
// order. The actual callback runs on the executor.
func (h *Hub) deliverLocked(e *entry, op *longrunning.Operation) {
	if h.stopped {
		return
	}
	e.pending = append(e.pending, op)
	if e.draining {
		return
	}
	e.draining = true
	h.executor.submit(func() { h.drain(e) })
}

func (h *Hub) drain(e *entry) {
	for {
		h.mu.Lock()
		if len(e.pending) == 0 {
			e.draining = false
			h.mu.Unlock()
			return
		}
		op := e.pending[0]
		e.pending = e.pending[1:]
		h.mu.Unlock()
		h.observe(e, op)
	}
}

// observe invokes the watcher, containing panics to that watcher only
func (h *Hub) observe(e *entry, op *longrunning.Operation) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error().Interface("panic", r).Msg("Watcher observer panicked")
		}
	}()
	e.fn(op)
}

// OnMessage handles one pub/sub delivery for a channel. An "expire" payload
// terminates watchers whose deadline has passed; any other payload is decoded
// as a stripped Operation and fanned out, extending every deadline.
func (h *Hub) OnMessage(channel, payload string) {
	if payload == backplane.ExpirePayload {
		h.expire(channel, time.Now())
		return
	}
	op, err := decodeOperation(payload)
	if err != nil {
		h.logger.Warn().Str("channel", channel).Err(err).Msg("Dropping undecodable operation message")
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	ce, ok := h.channels[channel]
	if !ok {
		return
	}
	next := h.NextExpiresAt()
	for _, e := range ce.watchers {
		e.expiresAt = next
		h.deliverLocked(e, op)
	}
	if op.Done {
		// Terminal state: every watcher has its one terminal observation
		// queued; the channel is finished.
		for _, e := range ce.watchers {
			e.done = true
			metrics.WatchersActive.Dec()
		}
		ce.watchers = nil
		delete(h.channels, channel)
		if h.OnUnsubscribe != nil {
			h.OnUnsubscribe(channel)
		}
	}
}

// expire terminates the expired watchers of one channel
func (h *Hub) expire(channel string, now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ce, ok := h.channels[channel]
	if !ok {
		return
	}
	kept := ce.watchers[:0]
	for _, e := range ce.watchers {
		if e.expiresAt.Before(now) {
			h.deliverLocked(e, nil)
			e.done = true
			metrics.WatchersActive.Dec()
		} else {
			kept = append(kept, e)
		}
	}
	ce.watchers = kept
	if len(ce.watchers) == 0 {
		delete(h.channels, channel)
		if h.OnUnsubscribe != nil {
			h.OnUnsubscribe(channel)
		}
	}
}

// ResetWatchers extends every deadline on a channel, used by keep-alive logic
func (h *Hub) ResetWatchers(channel string, expiresAt time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ce, ok := h.channels[channel]; ok {
		for _, e := range ce.watchers {
			e.expiresAt = expiresAt
		}
	}
}

// ExpiredChannels reports channels holding at least one expired watcher
func (h *Hub) ExpiredChannels(now time.Time) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for name, ce := range h.channels {
		for _, e := range ce.watchers {
			if e.expiresAt.Before(now) {
				out = append(out, name)
				break
			}
		}
	}
	return out
}

// Channels reports every channel with a live watcher
func (h *Hub) Channels() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.channels))
	for name := range h.channels {
		out = append(out, name)
	}
	return out
}

func decodeOperation(payload string) (*longrunning.Operation, error) {
	op := &longrunning.Operation{}
	if err := protojson.Unmarshal([]byte(payload), op); err != nil {
		return nil, err
	}
	return op, nil
}

// executor is a fixed pool of observer goroutines
type executor struct {
	tasks chan func()
	wg    sync.WaitGroup
	once  sync.Once
}

func newExecutor(width int) *executor {
	ex := &executor{tasks: make(chan func(), 256)}
	ex.wg.Add(width)
	for i := 0; i < width; i++ {
		go func() {
			defer ex.wg.Done()
			for task := range ex.tasks {
				task()
			}
		}()
	}
	return ex
}

func (ex *executor) submit(task func()) {
	ex.tasks <- task
}

func (ex *executor) stop() {
	ex.once.Do(func() {
		close(ex.tasks)
	})
	ex.wg.Wait()
}
