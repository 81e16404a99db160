// Package netmon reports whether the sync remote is reachable.
package netmon

import "sync"

// Monitor answers the online question. Implementations must be safe for
// concurrent use.
type Monitor interface {
	IsOnline() bool
}

// Flag is a settable Monitor. Subscribers are told about every change.
type Flag struct {
	mu       sync.Mutex
	online   bool
	watchers []chan bool
}

// NewFlag creates a Flag with the given initial state.
func NewFlag(online bool) *Flag {
	return &Flag{online: online}
}

// IsOnline reports the current state.
func (f *Flag) IsOnline() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.online
}

// SetOnline updates the state and notifies watchers if it changed.
// A watcher that has not consumed the previous notification only sees
// the latest state.
func (f *Flag) SetOnline(online bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.online == online {
		return
	}
	f.online = online
	for _, ch := range f.watchers {
		select {
		case <-ch:
		default:
		}
		ch <- online
	}
}

// Watch returns a channel receiving the new state after each change, and a
// function that stops the watch and closes the channel.
func (f *Flag) Watch() (<-chan bool, func()) {
	ch := make(chan bool, 1)
	f.mu.Lock()
	f.watchers = append(f.watchers, ch)
	f.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			for i, w := range f.watchers {
				if w == ch {
					f.watchers = append(f.watchers[:i], f.watchers[i+1:]...)
					break
				}
			}
			close(ch)
		})
	}
}

// Always is a Monitor with a fixed answer.
type Always bool

// IsOnline returns the fixed answer.
func (a Always) IsOnline() bool { return bool(a) }
