// Package eventbus decouples the coordinator from observers (ops alerting,
// future metrics) with an in-memory fanout bus.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"

	"shiftcast/internal/domain"
)

// Event types published by the coordinator and dispatcher.
const (
	TypeFanoutRound  = "fanout.round"
	TypeShiftClaimed = "shift.claimed"
	TypeSendFailed   = "send.failed"
)

// FanoutRound summarizes one completed notification round.
type FanoutRound struct {
	ShiftID    string
	Channel    domain.ContactChannel
	Recipients int
	Failures   int
	Escalated  bool
}

// ShiftClaimed reports a won claim.
type ShiftClaimed struct {
	ShiftID     string
	CaregiverID string
}

// SendFailed reports one isolated channel send failure.
type SendFailed struct {
	ShiftID     string
	CaregiverID string
	Channel     domain.ContactChannel
	Err         string
}

// Event is a lightweight, in-memory signal.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers MUST use buffered channels.
//   - Slow subscribers may drop events (bounded backpressure).
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns a simple in-memory fanout bus.
// It does not own any background goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Snapshot subscribers so Publish doesn't hold locks while attempting sends.
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// Non-blocking delivery; drop when the subscriber lags. A concurrent
		// Unsubscribe may close the channel, so recover the send panic.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}
