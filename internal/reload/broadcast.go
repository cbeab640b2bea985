// Package reload distributes configuration and schema reload notifications
// to long-lived consumers such as subscription loops, and watches the files
// those reloads originate from.
package reload

import "sync"

// Broadcaster fans one notification out to every current subscriber.
// Notifications coalesce: a subscriber that has not consumed the previous
// one sees a single pending signal.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[chan struct{}]struct{}
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[chan struct{}]struct{})}
}

// Subscribe returns a channel that receives a value after each Notify, and a
// function that removes the subscription.
func (b *Broadcaster) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			b.mu.Unlock()
		})
	}
}

// Notify signals every subscriber and returns how many there were.
func (b *Broadcaster) Notify() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	return len(b.subs)
}

// Len returns the number of subscribers.
func (b *Broadcaster) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
