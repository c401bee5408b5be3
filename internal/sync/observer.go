package sync

import gosync "sync"

// Progress is one progress update for a folder. Current counts messages
// processed so far in this run (stored or skipped), Total the new messages
// known at the start of the fetch phase, after the max-messages cap.
type Progress struct {
	AccountID string
	Folder    string
	Current   int
	Total     int
}

// Percent returns Current/Total as a percentage, 100 when Total is zero.
func (p Progress) Percent() float64 {
	if p.Total == 0 {
		return 100
	}
	return float64(p.Current) * 100 / float64(p.Total)
}

// ProgressObserver receives progress updates. The engine calls it
// synchronously from the sync goroutine; a slow observer slows the sync.
type ProgressObserver interface {
	Progress(p Progress)
}

// ObserverFunc adapts a function to ProgressObserver.
type ObserverFunc func(p Progress)

func (f ObserverFunc) Progress(p Progress) { f(p) }

type nopObserver struct{}

func (nopObserver) Progress(Progress) {}

// ChannelObserver delivers progress updates on a bounded channel. Sends
// block while the channel is full, so no update is lost; Close unblocks any
// pending send and makes later updates no-ops.
type ChannelObserver struct {
	ch     chan Progress
	done   chan struct{}
	closed gosync.Once
}

// NewChannelObserver returns an observer whose channel buffers size updates.
func NewChannelObserver(size int) *ChannelObserver {
	if size < 0 {
		size = 0
	}
	return &ChannelObserver{
		ch:   make(chan Progress, size),
		done: make(chan struct{}),
	}
}

// C returns the channel updates arrive on. It is never closed; stop
// reading after the sync returns.
func (o *ChannelObserver) C() <-chan Progress { return o.ch }

func (o *ChannelObserver) Progress(p Progress) {
	select {
	case <-o.done:
		return
	default:
	}
	select {
	case o.ch <- p:
	case <-o.done:
	}
}

// Close stops delivery.
func (o *ChannelObserver) Close() {
	o.closed.Do(func() { close(o.done) })
}
