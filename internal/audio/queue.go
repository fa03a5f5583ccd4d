package audio

import (
	"context"
	"sync"
	"sync/atomic"
)

// ItemKind tags the payload carried by an Item.
type ItemKind int

const (
	ItemFrame ItemKind = iota
	ItemSentenceBoundary
	ItemEndOfSpeech
	ItemStop
)

func (k ItemKind) String() string {
	switch k {
	case ItemFrame:
		return "frame"
	case ItemSentenceBoundary:
		return "sentence_boundary"
	case ItemEndOfSpeech:
		return "end_of_speech"
	case ItemStop:
		return "stop"
	}
	return "unknown"
}

// Item is a queue element: either an audio frame or a control signal.
// Frame is only meaningful when Kind is ItemFrame.
type Item struct {
	Kind  ItemKind
	Frame Frame
}

// FrameItem wraps a frame
func FrameItem(f Frame) Item {
	return Item{Kind: ItemFrame, Frame: f}
}

// MarkerItem converts a segmentation marker to its control item.
// MarkerNone has no item; ok is false.
func MarkerItem(m Marker) (Item, bool) {
	switch m {
	case MarkerSentenceBoundary:
		return Item{Kind: ItemSentenceBoundary}, true
	case MarkerEndOfSpeech:
		return Item{Kind: ItemEndOfSpeech}, true
	}
	return Item{}, false
}

// FrameQueue is the bounded FIFO between the capture callback and the
// consumer worker. Push never blocks: when the queue is full the oldest
// item is evicted.
type FrameQueue struct {
	items     chan Item
	stop      chan struct{}
	closed    atomic.Bool
	dropped   atomic.Int64
	closeOnce sync.Once
}

// NewFrameQueue creates a queue holding up to size items
func NewFrameQueue(size int) *FrameQueue {
	if size <= 0 {
		size = 256
	}
	return &FrameQueue{
		items: make(chan Item, size),
		stop:  make(chan struct{}),
	}
}

// Push enqueues item without blocking. It returns false when the queue is
// closed or the item could not be placed.
func (q *FrameQueue) Push(item Item) bool {
	if q.closed.Load() {
		return false
	}
	for attempt := 0; attempt < 2; attempt++ {
		select {
		case q.items <- item:
			return true
		default:
		}
		// Full: evict the oldest item to keep latency bounded
		select {
		case <-q.items:
			q.dropped.Add(1)
		default:
		}
	}
	q.dropped.Add(1)
	return false
}

// Pop blocks until an item is available, the queue is closed or ctx is done.
// After Close it yields an ItemStop sentinel.
func (q *FrameQueue) Pop(ctx context.Context) (Item, error) {
	select {
	case <-q.stop:
		return Item{Kind: ItemStop}, nil
	default:
	}
	select {
	case item := <-q.items:
		return item, nil
	case <-q.stop:
		return Item{Kind: ItemStop}, nil
	case <-ctx.Done():
		return Item{}, ctx.Err()
	}
}

// Close rejects further pushes and releases any blocked Pop with the stop
// sentinel. Safe to call more than once.
func (q *FrameQueue) Close() {
	q.closeOnce.Do(func() {
		q.closed.Store(true)
		close(q.stop)
	})
}

// Len returns the number of queued items
func (q *FrameQueue) Len() int {
	return len(q.items)
}

// Dropped returns how many items were evicted or rejected for lack of space
func (q *FrameQueue) Dropped() int64 {
	return q.dropped.Load()
}
