// Package events fans out progress and lifecycle events per operation.
package events

import (
	"sync"
	"time"
)

// Operation names the kind of long-running operation an event belongs to
type Operation string

const (
	OpBackup      Operation = "backup"
	OpRestore     Operation = "restore"
	OpVerify      Operation = "verify"
	OpReplication Operation = "replication"
	OpRetention   Operation = "retention"
	OpRestoreTest Operation = "restore_test"
	OpFailover    Operation = "failover"
	OpSiteHealth  Operation = "site_health"
)

// Event is a single progress or state-change notification
type Event struct {
	OperationID string    `json:"operationId"`
	Operation   Operation `json:"operation"`
	Stage       string    `json:"stage"`
	Message     string    `json:"message,omitempty"`
	Progress    float64   `json:"progress,omitempty"` // 0..100
	Error       string    `json:"error,omitempty"`
	Time        time.Time `json:"time"`
}

// Publisher is the narrow interface services use to emit events
type Publisher interface {
	Publish(Event)
}

const subscriberBuffer = 64

type subscriber struct {
	opID string // empty means all operations
	ch   chan Event
}

// Bus delivers events to subscribers of a specific operation id or of every
// operation. Publishing never blocks: a subscriber whose buffer is full
// misses the event.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]subscriber
	now    func() time.Time
}

// NewBus creates an empty bus
func NewBus() *Bus {
	return &Bus{subs: make(map[int]subscriber), now: time.Now}
}

// Subscribe returns a channel receiving events for one operation id, and a
// cancel func that closes it.
func (b *Bus) Subscribe(opID string) (<-chan Event, func()) {
	return b.subscribe(opID)
}

// SubscribeAll returns a channel receiving every event
func (b *Bus) SubscribeAll() (<-chan Event, func()) {
	return b.subscribe("")
}

func (b *Bus) subscribe(opID string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, subscriberBuffer)
	b.subs[id] = subscriber{opID: opID, ch: ch}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers the event to matching subscribers
func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = b.now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, s := range b.subs {
		if s.opID != "" && s.opID != e.OperationID {
			continue
		}
		select {
		case s.ch <- e:
		default:
		}
	}
}

// Nop discards events
type Nop struct{}

// Publish implements Publisher
func (Nop) Publish(Event) {}
