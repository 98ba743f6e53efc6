// internal/event/queue.go
package event

import "github.com/pkg/errors"

// MaxNumEvents is the ring buffer capacity.
const MaxNumEvents = 488

var (
	ErrQueueFull  = errors.New("event queue full")
	ErrQueueEmpty = errors.New("event queue empty")
)

// Header is the queue metadata. Live slots are Buf[(Head+i) % MaxNumEvents]
// for i in [0, Count).
type Header struct {
	Head   uint32
	Count  uint32
	SeqNum uint64
}

// EventQueue is a fixed-capacity ring of event slots written by the matching
// engine and drained by the settlement processor. The zero value is empty.
type EventQueue struct {
	Header Header
	Buf    [MaxNumEvents]AnyEvent
}

func (q *EventQueue) Len() int      { return int(q.Header.Count) }
func (q *EventQueue) Empty() bool   { return q.Header.Count == 0 }
func (q *EventQueue) Full() bool    { return q.Header.Count == MaxNumEvents }
func (q *EventQueue) Capacity() int { return MaxNumEvents }

// PushBack appends a slot and advances the sequence number.
func (q *EventQueue) PushBack(e AnyEvent) error {
	if q.Full() {
		return ErrQueueFull
	}
	slot := (q.Header.Head + q.Header.Count) % MaxNumEvents
	q.Buf[slot] = e
	q.Header.Count++
	q.Header.SeqNum++
	return nil
}

// PeekFront returns the slot at the head, or nil when empty.
func (q *EventQueue) PeekFront() *AnyEvent {
	if q.Empty() {
		return nil
	}
	return &q.Buf[q.Header.Head]
}

// PopFront advances the head past the first live slot and returns a copy of it.
func (q *EventQueue) PopFront() (AnyEvent, error) {
	if q.Empty() {
		return AnyEvent{}, ErrQueueEmpty
	}
	e := q.Buf[q.Header.Head]
	q.Header.Count--
	q.Header.Head = (q.Header.Head + 1) % MaxNumEvents
	return e, nil
}

// IterMut visits live slots in queue order until fn returns false. The
// pointer is into the queue so fn may mutate the slot.
func (q *EventQueue) IterMut(fn func(i int, e *AnyEvent) bool) {
	for i := uint32(0); i < q.Header.Count; i++ {
		slot := (q.Header.Head + i) % MaxNumEvents
		if !fn(int(i), &q.Buf[slot]) {
			return
		}
	}
}

// At returns the i-th live slot.
func (q *EventQueue) At(i int) (*AnyEvent, bool) {
	if i < 0 || i >= q.Len() {
		return nil, false
	}
	return &q.Buf[(q.Header.Head+uint32(i))%MaxNumEvents], true
}

// Live returns copies of every live slot in queue order.
func (q *EventQueue) Live() []AnyEvent {
	out := make([]AnyEvent, 0, q.Len())
	q.IterMut(func(_ int, e *AnyEvent) bool {
		out = append(out, *e)
		return true
	})
	return out
}

// Unprocessed counts live slots whose tag is not AlreadyProcessed.
func (q *EventQueue) Unprocessed() int {
	n := 0
	q.IterMut(func(_ int, e *AnyEvent) bool {
		if !e.IsProcessed() {
			n++
		}
		return true
	})
	return n
}
