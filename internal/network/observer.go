// Package network tracks whether the remote backend can be reached.
package network

import (
	"sync"

	"github.com/kimhsiao/todosync/internal/logging"
)

// Reachability is the last known connectivity state.
type Reachability int

const (
	// Unknown means no report has arrived yet.
	Unknown Reachability = iota
	Online
	Offline
)

func (r Reachability) String() string {
	switch r {
	case Online:
		return "online"
	case Offline:
		return "offline"
	default:
		return "unknown"
	}
}

// Transition is sent to subscribers whenever the state changes.
type Transition struct {
	From Reachability
	To   Reachability
}

// subscriberBuffer is the number of transitions a slow subscriber may lag
// behind before older ones are dropped.
const subscriberBuffer = 8

// Observer holds the current Reachability and fans out changes.
type Observer struct {
	mu     sync.RWMutex
	state  Reachability
	subs   map[int]chan Transition
	nextID int
}

// NewObserver returns an Observer in the Unknown state.
func NewObserver() *Observer {
	return &Observer{subs: make(map[int]chan Transition)}
}

// Update records a platform report. The backend counts as Online only when
// the device is connected and the internet is reachable.
func (o *Observer) Update(connected, internetReachable bool) {
	next := Offline
	if connected && internetReachable {
		next = Online
	}
	o.Set(next)
}

// Set forces the state. Subscribers are notified only on a change.
func (o *Observer) Set(next Reachability) {
	o.mu.Lock()
	prev := o.state
	if prev == next {
		o.mu.Unlock()
		return
	}
	o.state = next
	t := Transition{From: prev, To: next}
	for _, ch := range o.subs {
		select {
		case ch <- t:
		default:
			// drop the oldest so the latest transition always lands
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- t:
			default:
			}
		}
	}
	o.mu.Unlock()

	logging.Info("Reachability changed", map[string]interface{}{
		"from": prev.String(),
		"to":   next.String(),
	})
}

// State returns the current state without blocking on any probe.
func (o *Observer) State() Reachability {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

// IsReachable is optimistic: Unknown counts as reachable.
func (o *Observer) IsReachable() bool {
	return o.State() != Offline
}

// Subscribe returns a channel of transitions and a func that stops delivery
// and closes the channel.
func (o *Observer) Subscribe() (<-chan Transition, func()) {
	ch := make(chan Transition, subscriberBuffer)

	o.mu.Lock()
	id := o.nextID
	o.nextID++
	o.subs[id] = ch
	o.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			o.mu.Lock()
			delete(o.subs, id)
			o.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}
