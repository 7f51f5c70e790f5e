package scheduler

import (
	"time"

	"rembot/internal/reminder"
)

// entry is one armed reminder occurrence.
type entry struct {
	at time.Time
	id reminder.ID
}

// entryHeap orders by fire time, id ascending on ties, so simultaneous
// reminders dispatch in a stable order.
type entryHeap []entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if !h[i].at.Equal(h[j].at) {
		return h[i].at.Before(h[j].at)
	}
	return h[i].id < h[j].id
}

func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x any) { *h = append(*h, x.(entry)) }

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}
