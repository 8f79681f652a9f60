// SPDX-License-Identifier: Apache-2.0

package eventlog

import (
	"context"
	"sync"
)

// Broadcaster fans append notifications out to in-process watchers.
// Sends never block: a watcher that has not drained its previous wake-up
// simply stays woken.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[string]map[chan struct{}]struct{}
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[string]map[chan struct{}]struct{})}
}

// Subscribe registers a watcher for aggregateType ("" watches every type).
func (b *Broadcaster) Subscribe(ctx context.Context, aggregateType string) <-chan struct{} {
	ch := make(chan struct{}, 1)

	b.mu.Lock()
	set, ok := b.subs[aggregateType]
	if !ok {
		set = make(map[chan struct{}]struct{})
		b.subs[aggregateType] = set
	}
	set[ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs[aggregateType], ch)
		if len(b.subs[aggregateType]) == 0 {
			delete(b.subs, aggregateType)
		}
		close(ch)
		b.mu.Unlock()
	}()

	return ch
}

func (b *Broadcaster) Publish(aggregateType string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	wake := func(set map[chan struct{}]struct{}) {
		for ch := range set {
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	}
	wake(b.subs[aggregateType])
	if aggregateType != "" {
		wake(b.subs[""])
	}
}
