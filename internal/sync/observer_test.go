package sync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelObserverDeliversInOrder(t *testing.T) {
	obs := NewChannelObserver(1)
	defer obs.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 1; i <= 3; i++ {
			obs.Progress(Progress{Folder: "INBOX", Current: i * 10, Total: 30})
		}
	}()

	var got []int
	for i := 0; i < 3; i++ {
		select {
		case p := <-obs.C():
			got = append(got, p.Current)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for progress")
		}
	}
	<-done
	assert.Equal(t, []int{10, 20, 30}, got)
}

func TestChannelObserverCloseUnblocks(t *testing.T) {
	obs := NewChannelObserver(0)

	done := make(chan struct{})
	go func() {
		defer close(done)
		obs.Progress(Progress{Folder: "INBOX"})
	}()

	obs.Close()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Progress still blocked after Close")
	}

	// Further updates are dropped without blocking.
	obs.Progress(Progress{Folder: "INBOX"})
	obs.Close()
}

func TestObserverFunc(t *testing.T) {
	var got Progress
	var obs ProgressObserver = ObserverFunc(func(p Progress) { got = p })
	obs.Progress(Progress{Folder: "Sent", Current: 1, Total: 4})

	require.Equal(t, "Sent", got.Folder)
	assert.InDelta(t, 25.0, got.Percent(), 0.001)
}
