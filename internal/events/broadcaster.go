// Package events fans job events out to live subscribers, keyed by the
// job's correlation id. Nothing here is persisted: the jobs table is
// the durable record and the worker's poll loop the durable path, so a
// dropped event costs a watching client some staleness, never
// correctness.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/quantlab/trainhub/internal/jobs"
)

// Subscriber is one live event listener.
type Subscriber interface {
	// Send delivers an event. An error means the listener is gone and
	// will be evicted.
	Send(event jobs.Event) error

	// LastActive is the last time the listener showed signs of life.
	LastActive() time.Time

	Close() error
}

// Config holds broadcaster liveness settings.
type Config struct {
	// HeartbeatInterval is how often every open listener receives a
	// heartbeat event.
	HeartbeatInterval time.Duration

	// ClientTimeout is how long a listener may stay silent before it
	// is forcibly disconnected and unsubscribed.
	ClientTimeout time.Duration
}

// Broadcaster is a process-local registry of subscribers. It is an
// explicit, constructed object with a start/stop lifecycle so tests
// can run several independent instances.
type Broadcaster struct {
	config Config
	logger *slog.Logger

	mu   sync.Mutex
	subs map[string][]Subscriber

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewBroadcaster creates a broadcaster.
func NewBroadcaster(config Config, logger *slog.Logger) *Broadcaster {
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = 30 * time.Second
	}
	if config.ClientTimeout <= 0 {
		config.ClientTimeout = 60 * time.Second
	}

	return &Broadcaster{
		config:   config,
		logger:   logger,
		subs:     make(map[string][]Subscriber),
		stopChan: make(chan struct{}),
	}
}

// Start launches the heartbeat loop.
func (b *Broadcaster) Start() {
	b.wg.Add(1)
	go b.heartbeatLoop()
}

// Stop halts the heartbeat loop and closes every subscriber.
func (b *Broadcaster) Stop() {
	b.stopOnce.Do(func() { close(b.stopChan) })
	b.wg.Wait()

	b.mu.Lock()
	defer b.mu.Unlock()
	for key, subs := range b.subs {
		for _, sub := range subs {
			sub.Close()
		}
		delete(b.subs, key)
	}
}

// Subscribe registers a listener for one job's events.
func (b *Broadcaster) Subscribe(correlationID string, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subs[correlationID] = append(b.subs[correlationID], sub)

	b.logger.Info("Subscriber registered",
		slog.String("correlation_id", correlationID),
		slog.Int("subscribers", len(b.subs[correlationID])),
	)
}

// Unsubscribe removes one listener. The listener is not closed; the
// caller owns the connection.
func (b *Broadcaster) Unsubscribe(correlationID string, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(correlationID, sub)
}

func (b *Broadcaster) removeLocked(correlationID string, sub Subscriber) {
	subs := b.subs[correlationID]
	for i, s := range subs {
		if s == sub {
			b.subs[correlationID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subs[correlationID]) == 0 {
		delete(b.subs, correlationID)
	}
}

// Publish fans an event out to the job's subscribers. A no-op when
// nobody is listening. Subscribers that fail to accept the event are
// closed and dropped. A terminal status event ends the subscriptions
// for that job.
func (b *Broadcaster) Publish(correlationID string, event jobs.Event) {
	b.mu.Lock()
	subs := append([]Subscriber(nil), b.subs[correlationID]...)
	b.mu.Unlock()

	if len(subs) == 0 {
		return
	}

	for _, sub := range subs {
		if err := sub.Send(event); err != nil {
			b.logger.Warn("Dropping unresponsive subscriber",
				slog.String("correlation_id", correlationID),
				slog.Any("error", err),
			)
			sub.Close()
			b.Unsubscribe(correlationID, sub)
		}
	}

	if event.Type == jobs.EventStatus && event.Status.IsTerminal() {
		b.closeAll(correlationID)
	}
}

// SubscriberCount returns the number of live listeners for a job.
func (b *Broadcaster) SubscriberCount(correlationID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[correlationID])
}

func (b *Broadcaster) closeAll(correlationID string) {
	b.mu.Lock()
	subs := b.subs[correlationID]
	delete(b.subs, correlationID)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
}

// heartbeatLoop periodically sends a heartbeat to every listener and
// evicts the ones that have been silent past the timeout window.
func (b *Broadcaster) heartbeatLoop() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopChan:
			return
		case <-ticker.C:
			b.sweep()
		}
	}
}

func (b *Broadcaster) sweep() {
	type entry struct {
		key string
		sub Subscriber
	}

	b.mu.Lock()
	var all []entry
	for key, subs := range b.subs {
		for _, sub := range subs {
			all = append(all, entry{key: key, sub: sub})
		}
	}
	b.mu.Unlock()

	now := time.Now()
	for _, e := range all {
		if now.Sub(e.sub.LastActive()) > b.config.ClientTimeout {
			b.logger.Info("Disconnecting silent subscriber",
				slog.String("correlation_id", e.key),
				slog.Duration("silent_for", now.Sub(e.sub.LastActive())),
			)
			e.sub.Close()
			b.Unsubscribe(e.key, e.sub)
			continue
		}

		heartbeat := jobs.Event{
			CorrelationID: e.key,
			Type:          jobs.EventHeartbeat,
			Seq:           now.UnixNano(),
			Timestamp:     now,
		}
		if err := e.sub.Send(heartbeat); err != nil {
			e.sub.Close()
			b.Unsubscribe(e.key, e.sub)
		}
	}
}
