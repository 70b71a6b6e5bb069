// Package subs tracks notification intent per characteristic: the set of
// attributes the caller wants notifications for, independent of the current
// connection. The engine replays unconfirmed entries on every Ready entry
// and after a service-changed rediscovery.
package subs

import (
	"sync"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/blecon/internal/gatt"
)

type entry struct {
	confirmed bool
}

// Tracker records the desired notification set. Subscribe/Unsubscribe mutate
// the set and return immediately; they never touch the radio. Entries keep a
// confirmed bit per connection epoch, cleared on disconnect and on
// service-changed.
//
// Insertion order is preserved so replay after reconnection is
// deterministic.
type Tracker struct {
	mu      sync.Mutex
	desired *orderedmap.OrderedMap[gatt.AttrRef, *entry]
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{desired: orderedmap.New[gatt.AttrRef, *entry]()}
}

// Subscribe adds attr to the desired set. Returns true when the entry is
// new, false when it was already tracked.
func (t *Tracker) Subscribe(attr gatt.AttrRef) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.desired.Get(attr); ok {
		return false
	}
	t.desired.Set(attr, &entry{})
	return true
}

// Unsubscribe removes attr from the desired set. Removal is the only way an
// entry leaves the set; disconnects never shrink it.
func (t *Tracker) Unsubscribe(attr gatt.AttrRef) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.desired.Get(attr)
	if ok {
		t.desired.Delete(attr)
	}
	return ok
}

// Contains reports whether attr is in the desired set.
func (t *Tracker) Contains(attr gatt.AttrRef) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.desired.Get(attr)
	return ok
}

// Len returns the size of the desired set.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.desired.Len()
}

// Pending returns, in insertion order, the tracked attributes not yet
// confirmed active for the current connection epoch.
func (t *Tracker) Pending() []gatt.AttrRef {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []gatt.AttrRef
	for pair := t.desired.Oldest(); pair != nil; pair = pair.Next() {
		if !pair.Value.confirmed {
			out = append(out, pair.Key)
		}
	}
	return out
}

// MarkConfirmed flags attr as applied for the current epoch. A no-op when
// the entry was unsubscribed in the meantime.
func (t *Tracker) MarkConfirmed(attr gatt.AttrRef) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.desired.Get(attr); ok {
		e.confirmed = true
	}
}

// Confirmed reports whether attr has been applied in the current epoch.
func (t *Tracker) Confirmed(attr gatt.AttrRef) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.desired.Get(attr)
	return ok && e.confirmed
}

// ClearConfirmations resets every confirmed bit. Called on disconnect and on
// service-changed, starting a new confirmation epoch.
func (t *Tracker) ClearConfirmations() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for pair := t.desired.Oldest(); pair != nil; pair = pair.Next() {
		pair.Value.confirmed = false
	}
}
