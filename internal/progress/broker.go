package progress

import (
	"context"
	"sync"

	"media-alt-batcher/internal/models"
)

// Broker is an in-process fan-out sink. Subscribers get a buffered channel;
// when a subscriber falls behind, snapshots are dropped for that subscriber
// only; a later full snapshot carries the same information.
type Broker struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]*subscriber
}

type subscriber struct {
	jobID string // empty subscribes to all jobs
	ch    chan models.Snapshot
}

const subscriberBuffer = 64

func NewBroker() *Broker {
	return &Broker{subs: make(map[int]*subscriber)}
}

// Subscribe registers interest in snapshots for jobID, or for every job when
// jobID is empty. The returned cancel func closes the channel.
func (b *Broker) Subscribe(jobID string) (<-chan models.Snapshot, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	sub := &subscriber{jobID: jobID, ch: make(chan models.Snapshot, subscriberBuffer)}
	b.subs[id] = sub

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(s.ch)
		}
	}
	return sub.ch, cancel
}

func (b *Broker) Publish(_ context.Context, snap models.Snapshot) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		if sub.jobID != "" && sub.jobID != snap.JobID {
			continue
		}
		select {
		case sub.ch <- snap:
		default:
		}
	}
	return nil
}
