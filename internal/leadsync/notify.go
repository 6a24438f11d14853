package leadsync

import (
	"sync"
	"time"
)

type ChangeType string

const (
	ChangeInsert ChangeType = "insert"
	ChangeUpdate ChangeType = "update"
	ChangeDelete ChangeType = "delete"
)

// ChangeEvent is fired after a row in one of the store tables changes. The
// view layer subscribes per table and re-fetches on delivery.
type ChangeEvent struct {
	Table    string     `json:"table"`
	Type     ChangeType `json:"type"`
	RecordID string     `json:"recordId,omitempty"`
	At       time.Time  `json:"at"`
}

// Notifier fans change events out to per-table subscribers. Delivery is
// best-effort: a subscriber whose buffer is full misses the event rather than
// blocking the writer.
type Notifier struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]*subscriber
}

type subscriber struct {
	table string
	ch    chan ChangeEvent
}

func NewNotifier() *Notifier {
	return &Notifier{subs: map[int]*subscriber{}}
}

// Subscribe registers for changes on one table, or every table when table is
// empty. The returned cancel func closes the channel.
func (n *Notifier) Subscribe(table string, buffer int) (<-chan ChangeEvent, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	id := n.nextID
	n.nextID++
	sub := &subscriber{table: table, ch: make(chan ChangeEvent, buffer)}
	n.subs[id] = sub
	cancel := func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		if existing, ok := n.subs[id]; ok {
			delete(n.subs, id)
			close(existing.ch)
		}
	}
	return sub.ch, cancel
}

func (n *Notifier) Publish(event ChangeEvent) {
	if n == nil {
		return
	}
	if event.At.IsZero() {
		event.At = time.Now()
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, sub := range n.subs {
		if sub.table != "" && sub.table != event.Table {
			continue
		}
		select {
		case sub.ch <- event:
		default:
		}
	}
}

func (n *Notifier) SubscriberCount() int {
	if n == nil {
		return 0
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subs)
}
