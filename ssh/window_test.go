package ssh

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalWindowMaybeAdjust(t *testing.T) {
	w := newLocalWindow(100)
	assert.Zero(t, w.maybeAdjust(), "window is full, no top-up due")

	w.consume(40)
	assert.Zero(t, w.maybeAdjust(), "60/100 remaining is still above half")

	w.consume(20)
	delta := w.maybeAdjust()
	assert.Equal(t, uint32(60), delta, "40/100 remaining should top back up to 100")
	assert.Zero(t, w.maybeAdjust(), "already topped up")
}

func TestLocalWindowConsumeClampsAtZero(t *testing.T) {
	w := newLocalWindow(10)
	w.consume(100)
	assert.Equal(t, uint32(10), w.maybeAdjust())
}

func TestRemoteWindowReserveBlocksUntilReplenished(t *testing.T) {
	w := newRemoteWindow(0)
	done := make(chan uint32, 1)
	go func() {
		n, ok := w.reserve(50)
		require.True(t, ok)
		done <- n
	}()

	select {
	case <-done:
		t.Fatal("reserve returned before any window was available")
	case <-time.After(20 * time.Millisecond):
	}

	w.replenish(30)
	select {
	case n := <-done:
		assert.Equal(t, uint32(30), n, "reserve should cap at the available window")
	case <-time.After(time.Second):
		t.Fatal("reserve did not wake after replenish")
	}
}

func TestRemoteWindowReserveCapsAtRequestedAmount(t *testing.T) {
	w := newRemoteWindow(1000)
	n, ok := w.reserve(10)
	require.True(t, ok)
	assert.Equal(t, uint32(10), n)
}

func TestRemoteWindowCloseWakesBlockedReserve(t *testing.T) {
	w := newRemoteWindow(0)
	done := make(chan bool, 1)
	go func() {
		_, ok := w.reserve(1)
		done <- ok
	}()

	select {
	case <-done:
		t.Fatal("reserve returned before close")
	case <-time.After(20 * time.Millisecond):
	}

	w.close()
	select {
	case ok := <-done:
		assert.False(t, ok, "a closed, empty window must fail pending reservations")
	case <-time.After(time.Second):
		t.Fatal("reserve did not wake after close")
	}
}
