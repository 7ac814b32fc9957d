package ssh

import (
	"context"
	"io"
	"sync"
)

// extendedChunk is one CHANNEL_EXTENDED_DATA delivery, queued for the
// reader to drain via ReadExtended (RFC 4254 §5).
type extendedChunk struct {
	dataType uint32
	data     []byte
}

// Channel is one multiplexed RFC 4254 channel (RFC 4254 §5/§4.8): a
// reader half backed by a local flow-control window, and a writer half
// backed by a remote flow-control window, both driven by Connect's single
// dispatch loop (mux.go).
type Channel struct {
	conn     *Connect
	localID  uint32
	remoteID uint32

	maxPacket       uint32 // our advertised MaxPacketSize; inbound chunks are not checked against it
	remoteMaxPacket uint32 // peer's MaxPacketSize, bounds outbound chunk size

	localWin  *localWindow
	remoteWin *remoteWindow

	data    chan []byte
	extData chan extendedChunk
	eof     chan struct{}
	closed  chan struct{}

	pendingReplies chan chan bool
	requests       chan *IncomingChannelRequest

	mu          sync.Mutex
	readBuf     []byte
	extBuf      []byte
	extDataType uint32
	eofSeen     bool
	sentEOF     bool
	sentClose   bool
	recvClose   bool

	eofOnce   sync.Once
	closeOnce sync.Once
}

func newChannel(conn *Connect, localID uint32, initialWindow, maxPacket uint32) *Channel {
	return &Channel{
		conn:           conn,
		localID:        localID,
		maxPacket:      maxPacket,
		localWin:       newLocalWindow(initialWindow),
		remoteWin:      newRemoteWindow(0),
		data:           make(chan []byte, 16),
		extData:        make(chan extendedChunk, 16),
		eof:            make(chan struct{}),
		closed:         make(chan struct{}),
		pendingReplies: make(chan chan bool, 64),
		requests:       make(chan *IncomingChannelRequest, 16),
	}
}

// IncomingChannelRequest is one inbound CHANNEL_REQUEST, surfaced via
// Channel.Requests (RFC 4254 §5).
type IncomingChannelRequest struct {
	ch        *Channel
	Type      string
	WantReply bool
	Data      []byte
	replied   bool
}

// Reply sends CHANNEL_SUCCESS/CHANNEL_FAILURE; a no-op if WantReply is
// false.
func (r *IncomingChannelRequest) Reply(ok bool) error {
	if !r.WantReply || r.replied {
		return nil
	}
	r.replied = true
	if ok {
		return r.ch.conn.s.send(msgChannelSuccess, channelRequestSuccessMsg{PeersId: r.ch.remoteID})
	}
	return r.ch.conn.s.send(msgChannelFailure, channelRequestFailureMsg{PeersId: r.ch.remoteID})
}

// Requests returns the stream of inbound channel requests.
func (ch *Channel) Requests() <-chan *IncomingChannelRequest { return ch.requests }

// deliverData is called by Connect's dispatch loop (mux.go) to hand a
// CHANNEL_DATA payload to the reader; it blocks, which is this package's
// flow-control backpressure mechanism.
func (ch *Channel) deliverData(b []byte) {
	select {
	case ch.data <- b:
	case <-ch.closed:
	}
}

func (ch *Channel) deliverExtended(dataType uint32, b []byte) {
	select {
	case ch.extData <- extendedChunk{dataType: dataType, data: b}:
	case <-ch.closed:
	}
}

// markEOF records an inbound CHANNEL_EOF.
func (ch *Channel) markEOF() {
	ch.eofOnce.Do(func() {
		ch.mu.Lock()
		ch.eofSeen = true
		ch.mu.Unlock()
		close(ch.eof)
	})
}

// markRemoteClosed records an inbound CHANNEL_CLOSE.
func (ch *Channel) markRemoteClosed() {
	ch.mu.Lock()
	ch.recvClose = true
	ch.mu.Unlock()
	ch.closeLocally()
}

// closeLocally unblocks every pending Read/Write/RequestWait on this
// channel without sending anything. It runs as soon as the peer's
// CHANNEL_CLOSE arrives (markRemoteClosed), once both directions are
// closed, or when the session itself has ended.
func (ch *Channel) closeLocally() {
	ch.closeOnce.Do(func() {
		close(ch.closed)
		ch.remoteWin.close()
	})
}

// Read implements RFC 4254 §5 "Reader": pulls buffers from the data
// queue, returning io.EOF once CHANNEL_EOF has drained all pending data.
func (ch *Channel) Read(p []byte) (int, error) {
	for len(ch.readBuf) == 0 {
		select {
		case b, ok := <-ch.data:
			if !ok {
				return 0, io.EOF
			}
			ch.readBuf = b
		case <-ch.eof:
			select {
			case b, ok := <-ch.data:
				if ok {
					ch.readBuf = b
					continue
				}
			default:
			}
			return 0, io.EOF
		case <-ch.closed:
			return 0, ErrChannelClosed
		}
	}
	n := copy(p, ch.readBuf)
	ch.readBuf = ch.readBuf[n:]
	ch.localWin.consume(uint32(n))
	if delta := ch.localWin.maybeAdjust(); delta > 0 {
		ch.conn.sendWindowAdjust(ch.remoteID, delta)
	}
	return n, nil
}

// ReadExtended reads one CHANNEL_EXTENDED_DATA chunk (e.g. stderr on a
// session channel), returning its data type alongside the bytes read.
func (ch *Channel) ReadExtended(p []byte) (n int, dataType uint32, err error) {
	for len(ch.extBuf) == 0 {
		select {
		case c, ok := <-ch.extData:
			if !ok {
				return 0, 0, io.EOF
			}
			ch.extBuf = c.data
			ch.extDataType = c.dataType
		case <-ch.eof:
			select {
			case c, ok := <-ch.extData:
				if ok {
					ch.extBuf = c.data
					ch.extDataType = c.dataType
					continue
				}
			default:
			}
			return 0, 0, io.EOF
		case <-ch.closed:
			return 0, 0, ErrChannelClosed
		}
	}
	n = copy(p, ch.extBuf)
	ch.extBuf = ch.extBuf[n:]
	ch.localWin.consume(uint32(n))
	if delta := ch.localWin.maybeAdjust(); delta > 0 {
		ch.conn.sendWindowAdjust(ch.remoteID, delta)
	}
	return n, ch.extDataType, nil
}

// Write implements RFC 4254 §5 "Writer": chunks p to remoteMaxPacket,
// reserving from the remote window (suspending while it is empty) before
// each CHANNEL_DATA.
func (ch *Channel) Write(p []byte) (int, error) {
	return ch.write(0, p, false)
}

// WriteExtended writes a CHANNEL_EXTENDED_DATA chunk of the given type
// (e.g. SSH_EXTENDED_DATA_STDERR = 1).
func (ch *Channel) WriteExtended(dataType uint32, p []byte) (int, error) {
	return ch.write(dataType, p, true)
}

func (ch *Channel) write(dataType uint32, p []byte, extended bool) (int, error) {
	total := 0
	for len(p) > 0 {
		select {
		case <-ch.closed:
			return total, ErrChannelClosed
		default:
		}
		chunkMax := ch.remoteMaxPacket
		if chunkMax == 0 || chunkMax > uint32(len(p)) {
			chunkMax = uint32(len(p))
		}
		reserved, ok := ch.remoteWin.reserve(chunkMax)
		if !ok {
			return total, ErrChannelClosed
		}
		if reserved == 0 {
			continue
		}
		chunk := p[:reserved]
		p = p[reserved:]
		var err error
		if extended {
			err = ch.conn.sendExtendedData(ch.remoteID, dataType, chunk)
		} else {
			err = ch.conn.sendData(ch.remoteID, chunk)
		}
		if err != nil {
			return total, err
		}
		total += len(chunk)
	}
	return total, nil
}

// CloseWrite implements RFC 4254 §5 "Close flushes and then emits
// CHANNEL_EOF".
func (ch *Channel) CloseWrite() error {
	ch.mu.Lock()
	if ch.sentEOF {
		ch.mu.Unlock()
		return nil
	}
	ch.sentEOF = true
	ch.mu.Unlock()
	return ch.conn.sendChannelEOF(ch.remoteID)
}

// Close implements RFC 4254 "Drop: send CHANNEL_CLOSE (best-effort,
// enqueue)".
func (ch *Channel) Close() error {
	ch.CloseWrite()
	ch.mu.Lock()
	if ch.sentClose {
		ch.mu.Unlock()
		return nil
	}
	ch.sentClose = true
	ch.mu.Unlock()
	err := ch.conn.sendChannelClose(ch.remoteID)
	ch.conn.forgetIfBothClosed(ch)
	return err
}

// Request sends a channel request without asking for a reply, per
// RFC 4254 §5.4.
func (ch *Channel) Request(name string, payload []byte) error {
	return ch.conn.s.send(msgChannelRequest, channelRequestMsg{
		PeersId: ch.remoteID, Request: name, WantReply: false, RequestSpecificData: payload,
	})
}

// RequestWait implements RFC 4254 "request_wait": send with
// want_reply and block for SUCCESS/FAILURE.
func (ch *Channel) RequestWait(ctx context.Context, name string, payload []byte) (bool, error) {
	replyCh := make(chan bool, 1)
	select {
	case ch.pendingReplies <- replyCh:
	default:
		return false, &ResourceError{Reason: "too many pending channel requests"}
	}
	if err := ch.conn.s.send(msgChannelRequest, channelRequestMsg{
		PeersId: ch.remoteID, Request: name, WantReply: true, RequestSpecificData: payload,
	}); err != nil {
		return false, err
	}
	select {
	case ok := <-replyCh:
		return ok, nil
	case <-ch.closed:
		return false, ErrChannelClosed
	case <-ctx.Done():
		return false, ctx.Err()
	}
}
