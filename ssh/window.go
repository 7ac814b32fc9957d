package ssh

import "sync"

// remoteWindow tracks how many bytes of CHANNEL_DATA we may still send on
// a channel before the peer replenishes it with WINDOW_ADJUST (RFC 4254
// §5.2), built on a sync.Cond-backed add/reserve pair, extended with a
// closed flag so a blocked writer wakes when the channel goes away
// instead of hanging forever.
type remoteWindow struct {
	cond   *sync.Cond
	win    uint32
	closed bool
}

func newRemoteWindow(initial uint32) *remoteWindow {
	return &remoteWindow{cond: newCond(), win: initial}
}

// reserve blocks until at least 1 byte of window is available (or the
// window is closed), then returns min(amount, available) and removes it
// from the window. Returns ok=false only once closed with nothing left.
func (w *remoteWindow) reserve(amount uint32) (reserved uint32, ok bool) {
	w.cond.L.Lock()
	defer w.cond.L.Unlock()
	for w.win == 0 && !w.closed {
		w.cond.Wait()
	}
	if w.win == 0 && w.closed {
		return 0, false
	}
	reserved = amount
	if reserved > w.win {
		reserved = w.win
	}
	w.win -= reserved
	return reserved, true
}

// replenish implements RFC 4254 §5.2 "replenish": add n and wake any
// blocked writer.
func (w *remoteWindow) replenish(n uint32) {
	w.cond.L.Lock()
	w.win += n
	w.cond.L.Unlock()
	w.cond.Broadcast()
}

func (w *remoteWindow) close() {
	w.cond.L.Lock()
	w.closed = true
	w.cond.L.Unlock()
	w.cond.Broadcast()
}

// localWindow tracks how much buffer space we have advertised to the peer
// for their CHANNEL_DATA to us. maybeAdjust implements RFC 4254 §5.2's
// "swap to INITIAL once below half" top-up policy.
type localWindow struct {
	mu      sync.Mutex
	win     uint32
	initial uint32
}

func newLocalWindow(initial uint32) *localWindow {
	return &localWindow{win: initial, initial: initial}
}

// consume implements RFC 4254 §5.2 "consume(n)"; n must not exceed the
// current window (callers are expected to enforce this at the protocol
// level by rejecting oversized CHANNEL_DATA).
func (w *localWindow) consume(n uint32) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if n > w.win {
		w.win = 0
		return
	}
	w.win -= n
}

// maybeAdjust implements RFC 4254 §5.2 "maybe_adjust": if the window has
// dropped to half of its initial size or below, top it back up to initial
// and report how much was added (the caller sends that delta as a
// WINDOW_ADJUST). Returns 0 if no adjustment is due.
func (w *localWindow) maybeAdjust() uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.win > w.initial/2 {
		return 0
	}
	delta := w.initial - w.win
	w.win = w.initial
	return delta
}
