// Package broadcast implements the Broadcaster (C2): per-run pub/sub over
// the Event Store, with replay-then-live subscribe semantics and heartbeats.
//
// Grounded on the teacher's emit.Emitter (a minimal push interface with no
// fan-out of its own) generalized into a real multi-subscriber hub in the
// style of vTeam's AGUIRunState — one subscriber-channel-map per run,
// broadcast-with-select-default dispatch — except where spec.md §4.2
// explicitly calls for different behavior: a subscriber whose queue fills up
// is terminated, not silently dropped, so UIs never observe a quiet gap.
package broadcast

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"

	"github.com/flowforge/corewf/workflow/store"
)

// ErrLagged is sent on Subscription.Err when a subscriber's queue fills up
// and the hub terminates it rather than silently dropping events.
var ErrLagged = errors.New("broadcast: subscriber lagged, subscription terminated")

// subscriberQueueDepth bounds each subscriber's channel. A slow subscriber
// that can't drain this many events before the next one arrives is
// considered lagged and is terminated (spec.md §4.2, testable property 5).
const subscriberQueueDepth = 256

// heartbeatInterval is how often StartHeartbeat publishes a synthetic
// heartbeat to a run's subscribers, whether or not the run has other
// traffic, so clients can distinguish "no updates" from "connection dead".
const heartbeatInterval = 15 * time.Second

var (
	subscriberGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "corewf_broadcast_subscribers",
		Help: "Current number of active subscribers per run.",
	}, []string{"run_id"})

	laggedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "corewf_broadcast_subscribers_lagged_total",
		Help: "Subscribers terminated for falling behind.",
	}, []string{"run_id"})
)

// Subscription is a live view onto one run's event stream. Events arrives in
// execution_order; Close must be called when the caller is done to release
// the hub-side channel.
type Subscription struct {
	Events <-chan store.Event
	Err    <-chan error // receives ErrLagged then closes, if the subscriber falls behind

	hub   *Hub
	runID string
	ch    chan store.Event
	errCh chan error
	once  sync.Once
}

// Close unregisters the subscription from its hub. Safe to call more than
// once and safe to call after the hub already terminated it.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.unsubscribe(s.runID, s.ch)
	})
}

// runTopic holds the live subscriber set for one run.
type runTopic struct {
	mu          sync.Mutex
	subscribers map[chan store.Event]chan error
	lastOrder   int64
}

// Hub is the process-wide Broadcaster: one runTopic per active run, backed
// by the Event Store for replay. A single Hub is normally shared by every
// Supervisor in a process via the Registry.
type Hub struct {
	store store.Store

	mu     sync.Mutex
	topics map[string]*runTopic
}

// NewHub creates a Broadcaster backed by st for event replay on subscribe.
func NewHub(st store.Store) *Hub {
	return &Hub{store: st, topics: make(map[string]*runTopic)}
}

func (h *Hub) topic(runID string) *runTopic {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.topics[runID]
	if !ok {
		t = &runTopic{subscribers: make(map[chan store.Event]chan error)}
		h.topics[runID] = t
	}
	return t
}

// Publish delivers e to every live subscriber of e.RunID. Never blocks: a
// subscriber whose channel is full is scheduled for termination instead of
// stalling the publisher (the publisher is always the single Supervisor
// goroutine owning the run, so it must never be slowed by a lagging reader).
func (h *Hub) Publish(e store.Event) {
	t := h.topic(e.RunID)
	t.mu.Lock()
	defer t.mu.Unlock()

	t.lastOrder = e.ExecutionOrder
	for ch, errCh := range t.subscribers {
		select {
		case ch <- e:
		default:
			delete(t.subscribers, ch)
			close(ch)
			select {
			case errCh <- ErrLagged:
			default:
			}
			close(errCh)
			laggedCounter.WithLabelValues(e.RunID).Inc()
			subscriberGauge.WithLabelValues(e.RunID).Dec()
			log.Warn().Str("run_id", e.RunID).Msg("broadcast subscriber lagged, terminating")
		}
	}
}

// Subscribe replays every persisted event for runID through the store's
// default filter (unless includeInternal is set), then switches to live
// delivery with no gap: events published between the replay snapshot and
// the live registration are captured by holding the topic lock across both
// steps.
func (h *Hub) Subscribe(ctx context.Context, runID string, includeInternal bool) (*Subscription, error) {
	t := h.topic(runID)

	t.mu.Lock()
	defer t.mu.Unlock()

	past, err := h.store.EventsForRun(ctx, runID, store.EventFilters{IncludeInternal: includeInternal})
	if err != nil {
		return nil, err
	}

	ch := make(chan store.Event, subscriberQueueDepth)
	errCh := make(chan error, 1)
	for _, e := range past {
		// Replay is best-effort buffered; a channel this size comfortably
		// holds a typical run's history. If it doesn't, the caller will see
		// ErrLagged immediately rather than silently missing history.
		select {
		case ch <- e:
		default:
			close(ch)
			errCh <- ErrLagged
			close(errCh)
			return &Subscription{Events: ch, Err: errCh, hub: h, runID: runID, ch: ch, errCh: errCh}, nil
		}
	}

	t.subscribers[ch] = errCh
	subscriberGauge.WithLabelValues(runID).Inc()

	return &Subscription{Events: ch, Err: errCh, hub: h, runID: runID, ch: ch, errCh: errCh}, nil
}

func (h *Hub) unsubscribe(runID string, ch chan store.Event) {
	t := h.topic(runID)
	t.mu.Lock()
	defer t.mu.Unlock()
	if errCh, ok := t.subscribers[ch]; ok {
		delete(t.subscribers, ch)
		close(ch)
		close(errCh)
		subscriberGauge.WithLabelValues(runID).Dec()
	}
}

// SubscriberCount returns the number of live subscribers for runID.
func (h *Hub) SubscriberCount(runID string) int {
	t := h.topic(runID)
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subscribers)
}

// StartHeartbeat runs until ctx is cancelled, publishing a synthetic
// heartbeat event for runID every heartbeatInterval. The Supervisor starts
// one of these per active run.
func (h *Hub) StartHeartbeat(ctx context.Context, runID string, sessionID string) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			h.Publish(store.Event{
				RunID:     runID,
				SessionID: sessionID,
				Timestamp: now,
				EventType: "heartbeat",
			})
		}
	}
}

// CloseRun discards the in-memory topic for runID, releasing its
// subscribers. Called by the Scheduler as soon as a run reaches a terminal
// state; subscribers still attached have their channels closed.
func (h *Hub) CloseRun(runID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.topics[runID]
	if !ok {
		return
	}
	t.mu.Lock()
	for ch, errCh := range t.subscribers {
		close(ch)
		close(errCh)
	}
	t.mu.Unlock()
	delete(h.topics, runID)
}
