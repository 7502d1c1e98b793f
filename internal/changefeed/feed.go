// Package changefeed delivers row-level change events from the store to
// dashboard consumers. Delivery is best-effort: an event only means "re-fetch".
package changefeed

import (
	"sync"
	"time"

	"github.com/kjstillabower/weather-dashboard-service/internal/observability"
)

// Table names carried on events.
const (
	TableStations     = "stations"
	TableObservations = "observations"
	TablePredictions  = "predictions"
	TableAlerts       = "alerts"
)

// Op is the row operation that produced an event.
type Op string

const (
	OpInsert Op = "INSERT"
	OpUpdate Op = "UPDATE"
	OpDelete Op = "DELETE"
)

// Event describes one row change.
type Event struct {
	Table     string    `json:"table"`
	Op        Op        `json:"op"`
	StationID string    `json:"station_id"`
	RowID     string    `json:"row_id,omitempty"`
	At        time.Time `json:"at"`
}

// Filter selects events. Empty Tables matches every table; empty StationID matches every station.
type Filter struct {
	Tables    []string
	StationID string
}

// Match reports whether e passes the filter.
func (f Filter) Match(e Event) bool {
	if f.StationID != "" && e.StationID != f.StationID {
		return false
	}
	if len(f.Tables) == 0 {
		return true
	}
	for _, t := range f.Tables {
		if t == e.Table {
			return true
		}
	}
	return false
}

// Publisher accepts change events. The store calls it after a write commits.
type Publisher interface {
	Publish(events ...Event)
}

type subscriber struct {
	filter Filter
	ch     chan Event
}

// Feed is an in-process fan-out of change events.
type Feed struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscriber
	nextID uint64
	closed bool
}

// NewFeed returns an empty feed.
func NewFeed() *Feed {
	return &Feed{subs: make(map[uint64]*subscriber)}
}

// Subscribe registers a consumer. The returned channel is closed when cancel is
// called or the feed is closed. buffer <= 0 uses 16.
func (f *Feed) Subscribe(filter Filter, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := f.nextID
	f.nextID++
	f.subs[id] = &subscriber{filter: filter, ch: ch}
	f.mu.Unlock()
	observability.ChangefeedSubscribers.Inc()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			f.mu.Lock()
			sub, ok := f.subs[id]
			if ok {
				delete(f.subs, id)
			}
			f.mu.Unlock()
			if ok {
				close(sub.ch)
				observability.ChangefeedSubscribers.Dec()
			}
		})
	}
	return ch, cancel
}

// Publish delivers events to every matching subscriber without blocking.
// Events that do not fit a subscriber's buffer are dropped for that subscriber.
func (f *Feed) Publish(events ...Event) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return
	}
	for _, e := range events {
		observability.ChangefeedPublishedTotal.WithLabelValues(e.Table, string(e.Op)).Inc()
		for _, sub := range f.subs {
			if !sub.filter.Match(e) {
				continue
			}
			select {
			case sub.ch <- e:
			default:
				observability.ChangefeedDroppedTotal.WithLabelValues(e.Table).Inc()
			}
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (f *Feed) SubscriberCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}

// Close closes every subscriber channel. Later Publish calls are no-ops.
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for id, sub := range f.subs {
		close(sub.ch)
		delete(f.subs, id)
		observability.ChangefeedSubscribers.Dec()
	}
}

// Multi fans events out to several publishers in order.
type Multi []Publisher

// Publish implements Publisher.
func (m Multi) Publish(events ...Event) {
	for _, p := range m {
		if p != nil {
			p.Publish(events...)
		}
	}
}
