package ssh

import (
	"context"
	"sync"
)

// ConnectConfig configures the connection multiplexer.
type ConnectConfig struct {
	// MaxChannels bounds the number of simultaneously open channels.
	// Zero means 8.
	MaxChannels int

	// InitialWindow is the local flow-control window advertised on every
	// channel we open or accept. Zero means 2 MiB.
	InitialWindow uint32

	// MaxPacketSize is the maximum packet size advertised to the peer on
	// every channel we open or accept. Zero means 32 KiB. Inbound data is
	// not checked against it; outbound chunks are bounded by the peer's
	// advertised value instead.
	MaxPacketSize uint32
}

const (
	defaultMaxChannels   = 8
	defaultInitialWindow = 2 * 1024 * 1024
	defaultMaxPacket     = 32 * 1024
)

func (c *ConnectConfig) maxChannels() int {
	if c.MaxChannels <= 0 {
		return defaultMaxChannels
	}
	return c.MaxChannels
}

func (c *ConnectConfig) initialWindow() uint32 {
	if c.InitialWindow == 0 {
		return defaultInitialWindow
	}
	return c.InitialWindow
}

func (c *ConnectConfig) maxPacketSize() uint32 {
	if c.MaxPacketSize == 0 {
		return defaultMaxPacket
	}
	return c.MaxPacketSize
}

type channelOpenResult struct {
	confirm *channelOpenConfirmMsg
	failure *channelOpenFailureMsg
}

type globalReqResult struct {
	ok   bool
	data []byte
}

// Connect implements RFC 4254: the single dispatch loop that owns the
// Session and routes inbound packets to channels, pending channel-open
// waiters, and global-request waiters. Connect uses a single goroutine
// (Serve) reading Session.recvPacket() and a set of buffered Go channels as
// the interest table, idiomatic for a language with native goroutines
// and channels instead of an explicit reactor/poller.
type Connect struct {
	s   *Session
	cfg ConnectConfig
	log Logger

	mu           sync.Mutex
	channels     map[uint32]*Channel
	nextID       uint32
	pendingOpens map[uint32]chan channelOpenResult

	globalReplyQueue chan chan globalReqResult

	chanOpens  chan *IncomingChannelOpen
	globalReqs chan *IncomingGlobalRequest

	closeOnce sync.Once
	done      chan struct{}
	err       error
}

// NewConnect wraps an already-authenticated Session (RFC 4254).
func NewConnect(s *Session, cfg ConnectConfig) *Connect {
	return &Connect{
		s:                s,
		cfg:              cfg,
		log:              s.log,
		channels:         make(map[uint32]*Channel),
		pendingOpens:     make(map[uint32]chan channelOpenResult),
		globalReplyQueue: make(chan chan globalReqResult, 64),
		chanOpens:        make(chan *IncomingChannelOpen, 16),
		globalReqs:       make(chan *IncomingGlobalRequest, 16),
		done:             make(chan struct{}),
	}
}

// Serve runs the dispatch loop until the session closes or a fatal
// protocol error occurs. It blocks; callers run it in its own goroutine
// and watch Done()/Err() to notice shutdown.
func (c *Connect) Serve() error {
	defer c.shutdown(nil)
	for {
		packet, err := c.s.recvPacket()
		if err != nil {
			c.shutdown(err)
			return err
		}
		if err := c.dispatch(packet); err != nil {
			c.shutdown(err)
			return err
		}
	}
}

// Done returns a channel closed once Serve has returned.
func (c *Connect) Done() <-chan struct{} { return c.done }

// Err returns the error that ended Serve, if any.
func (c *Connect) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Connect) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		channels := make([]*Channel, 0, len(c.channels))
		for _, ch := range c.channels {
			channels = append(channels, ch)
		}
		c.mu.Unlock()
		for _, ch := range channels {
			ch.closeLocally()
		}
		close(c.chanOpens)
		close(c.globalReqs)
		close(c.done)
	})
}

func (c *Connect) dispatch(packet []byte) error {
	kind, channelID, hasID := classify(packet)

	switch kind {
	case interestChannelData:
		return c.dispatchData(packet)
	case interestGlobalRequest:
		return c.handleGlobalRequest(packet)
	case interestGlobalReply:
		return c.handleGlobalReply(packet)
	case interestChannelOpen:
		return c.handleChannelOpen(packet)
	case interestChannelOpenReply:
		return c.handleChannelOpenReply(packet)
	case interestChannelWindowAdjust:
		return c.withChannel(channelID, hasID, func(ch *Channel) error {
			var m windowAdjustMsg
			if err := unmarshal(&m, packet, msgChannelWindowAdjust); err != nil {
				return err
			}
			ch.remoteWin.replenish(m.AdditionalBytes)
			return nil
		})
	case interestChannelEOF:
		return c.withChannel(channelID, hasID, func(ch *Channel) error {
			ch.markEOF()
			return nil
		})
	case interestChannelClose:
		return c.withChannel(channelID, hasID, func(ch *Channel) error {
			ch.markRemoteClosed()
			c.forgetIfBothClosed(ch)
			return nil
		})
	case interestChannelRequest:
		return c.handleChannelRequest(packet, channelID, hasID)
	case interestChannelRequestReply:
		return c.withChannel(channelID, hasID, func(ch *Channel) error {
			ok := packet[0] == msgChannelSuccess
			select {
			case replyCh := <-ch.pendingReplies:
				replyCh <- ok
			default:
				c.log.Warnf("ssh: channel %d reply with no pending request", channelID)
			}
			return nil
		})
	default:
		c.log.Warnf("ssh: dropping unhandled packet, tag %d", packet[0])
		return nil
	}
}

func (c *Connect) withChannel(id uint32, hasID bool, fn func(*Channel) error) error {
	if !hasID {
		return ParseError{msgType: 0}
	}
	c.mu.Lock()
	ch, ok := c.channels[id]
	c.mu.Unlock()
	if !ok {
		c.log.Warnf("ssh: packet for unknown channel %d", id)
		return nil
	}
	return fn(ch)
}

func (c *Connect) dispatchData(packet []byte) error {
	id, rest, ok := parseUint32(packet[1:])
	if !ok {
		return ParseError{msgType: packet[0]}
	}
	c.mu.Lock()
	ch, found := c.channels[id]
	c.mu.Unlock()

	if packet[0] == msgChannelExtendedData {
		dataType, r2, ok := parseUint32(rest)
		if !ok {
			return ParseError{msgType: packet[0]}
		}
		data, _, ok := parseString(r2)
		if !ok {
			return ParseError{msgType: packet[0]}
		}
		if !found {
			c.log.Warnf("ssh: extended data for unknown channel %d", id)
			return nil
		}
		ch.deliverExtended(dataType, data)
		return nil
	}

	data, _, ok := parseString(rest)
	if !ok {
		return ParseError{msgType: packet[0]}
	}
	if !found {
		c.log.Warnf("ssh: data for unknown channel %d", id)
		return nil
	}
	ch.deliverData(data)
	return nil
}

// --- Global requests ---

// IncomingGlobalRequest is one inbound GLOBAL_REQUEST, surfaced via
// GlobalRequests() (RFC 4254 "Global requests are symmetric at the
// session scope").
type IncomingGlobalRequest struct {
	conn      *Connect
	Type      string
	WantReply bool
	Data      []byte
	replied   bool
}

// Reply sends REQUEST_SUCCESS/REQUEST_FAILURE; a no-op if WantReply is
// false. Not replying to a WantReply request before it is garbage
// collected is a caller bug; Connect does not auto-reply on your behalf
// once you've received the request (only fully unhandled requests get the
// automatic failure policy of RFC 4254).
func (r *IncomingGlobalRequest) Reply(ok bool, data []byte) error {
	if !r.WantReply || r.replied {
		return nil
	}
	r.replied = true
	if ok {
		return r.conn.s.send(msgRequestSuccess, globalRequestSuccessMsg{Data: data})
	}
	return r.conn.s.send(msgRequestFailure, globalRequestFailureMsg{})
}

// GlobalRequests returns the stream of inbound global requests.
func (c *Connect) GlobalRequests() <-chan *IncomingGlobalRequest { return c.globalReqs }

func (c *Connect) handleGlobalRequest(packet []byte) error {
	var m globalRequestMsg
	if err := unmarshal(&m, packet, msgGlobalRequest); err != nil {
		return err
	}
	req := &IncomingGlobalRequest{conn: c, Type: m.Type, WantReply: m.WantReply, Data: m.Data}
	select {
	case c.globalReqs <- req:
	default:
		// Unhandled per RFC 4254's auto-reply policy: nobody is
		// draining GlobalRequests(), so fail it immediately rather than
		// block the dispatch loop forever.
		return req.Reply(false, nil)
	}
	return nil
}

// GlobalRequest implements RFC 4254 "Global requests are symmetric at
// the session scope": sends a GLOBAL_REQUEST and, if wantReply, blocks for
// the reply (global replies carry no identifying field, so they are
// matched strictly in FIFO send order, same as OpenSSH).
func (c *Connect) GlobalRequest(ctx context.Context, reqType string, wantReply bool, data []byte) (bool, []byte, error) {
	if !wantReply {
		return false, nil, c.s.send(msgGlobalRequest, globalRequestMsg{Type: reqType, WantReply: false, Data: data})
	}
	replyCh := make(chan globalReqResult, 1)
	select {
	case c.globalReplyQueue <- replyCh:
	default:
		return false, nil, &ResourceError{Reason: "too many pending global requests"}
	}
	if err := c.s.send(msgGlobalRequest, globalRequestMsg{Type: reqType, WantReply: true, Data: data}); err != nil {
		return false, nil, err
	}
	select {
	case r := <-replyCh:
		return r.ok, r.data, nil
	case <-c.done:
		return false, nil, ErrSessionClosed
	case <-ctx.Done():
		return false, nil, ctx.Err()
	}
}

func (c *Connect) handleGlobalReply(packet []byte) error {
	var result globalReqResult
	if packet[0] == msgRequestSuccess {
		var m globalRequestSuccessMsg
		if err := unmarshal(&m, packet, msgRequestSuccess); err != nil {
			return err
		}
		result = globalReqResult{ok: true, data: m.Data}
	} else {
		result = globalReqResult{ok: false}
	}
	select {
	case replyCh := <-c.globalReplyQueue:
		replyCh <- result
	default:
		c.log.Warnf("ssh: global request reply with nothing pending")
	}
	return nil
}

// --- Channel open ---

// IncomingChannelOpen is one inbound CHANNEL_OPEN, surfaced via
// ChannelOpens() (RFC 4254 "Open (inbound)").
type IncomingChannelOpen struct {
	conn            *Connect
	ChanType        string
	ExtraData       []byte
	peersID         uint32
	peersWindow     uint32
	peersMaxPacket  uint32
	decided         bool
}

// Accept implements RFC 4254 "accept() allocates a local slot, sends
// CHANNEL_OPEN_CONFIRMATION, returns a Channel".
func (o *IncomingChannelOpen) Accept() (*Channel, error) {
	if o.decided {
		return nil, &ProtocolError{Reason: "channel open already decided"}
	}
	o.decided = true
	c := o.conn
	c.mu.Lock()
	if len(c.channels) >= c.cfg.maxChannels() {
		c.mu.Unlock()
		c.s.send(msgChannelOpenFailure, channelOpenFailureMsg{
			PeersId: o.peersID, Reason: ChannelOpenResourceShortage, Message: "too many open channels",
		})
		return nil, ErrTooManyChannels
	}
	id := c.nextID
	c.nextID++
	ch := newChannel(c, id, c.cfg.initialWindow(), c.cfg.maxPacketSize())
	ch.remoteID = o.peersID
	ch.remoteMaxPacket = o.peersMaxPacket
	ch.remoteWin.replenish(o.peersWindow)
	c.channels[id] = ch
	c.mu.Unlock()

	if err := c.s.send(msgChannelOpenConfirm, channelOpenConfirmMsg{
		PeersId: o.peersID, MyId: id, MyWindow: c.cfg.initialWindow(), MaxPacketSize: c.cfg.maxPacketSize(),
	}); err != nil {
		return nil, err
	}
	return ch, nil
}

// Reject implements RFC 4254 "reject(reason, description) sends
// CHANNEL_OPEN_FAILURE".
func (o *IncomingChannelOpen) Reject(reason uint32, description string) error {
	if o.decided {
		return nil
	}
	o.decided = true
	return o.conn.s.send(msgChannelOpenFailure, channelOpenFailureMsg{
		PeersId: o.peersID, Reason: reason, Message: description,
	})
}

// ChannelOpens returns the stream of inbound channel-open requests.
func (c *Connect) ChannelOpens() <-chan *IncomingChannelOpen { return c.chanOpens }

func (c *Connect) handleChannelOpen(packet []byte) error {
	var m channelOpenMsg
	if err := unmarshal(&m, packet, msgChannelOpen); err != nil {
		return err
	}
	open := &IncomingChannelOpen{
		conn: c, ChanType: m.ChanType, ExtraData: m.TypeSpecificData,
		peersID: m.PeersId, peersWindow: m.PeersWindow, peersMaxPacket: m.MaxPacketSize,
	}
	select {
	case c.chanOpens <- open:
	default:
		// Unhandled per RFC 4254's auto-reply policy.
		return open.Reject(ChannelOpenAdministrativelyProhibited, "no listener")
	}
	return nil
}

// OpenChannel implements RFC 4254 "Open (outbound)": allocate a local
// slot, send CHANNEL_OPEN, and await the peer's confirmation or failure.
func (c *Connect) OpenChannel(ctx context.Context, chanType string, extra []byte) (*Channel, error) {
	c.mu.Lock()
	if len(c.channels) >= c.cfg.maxChannels() {
		c.mu.Unlock()
		return nil, ErrTooManyChannels
	}
	id := c.nextID
	c.nextID++
	resultCh := make(chan channelOpenResult, 1)
	c.pendingOpens[id] = resultCh
	c.mu.Unlock()

	if err := c.s.send(msgChannelOpen, channelOpenMsg{
		ChanType: chanType, PeersId: id, PeersWindow: c.cfg.initialWindow(),
		MaxPacketSize: c.cfg.maxPacketSize(), TypeSpecificData: extra,
	}); err != nil {
		c.mu.Lock()
		delete(c.pendingOpens, id)
		c.mu.Unlock()
		return nil, err
	}

	select {
	case result := <-resultCh:
		if result.failure != nil {
			return nil, &DisconnectError{Reason: result.failure.Reason, Description: safeString(result.failure.Message)}
		}
		ch := newChannel(c, id, c.cfg.initialWindow(), c.cfg.maxPacketSize())
		ch.remoteID = result.confirm.PeersId
		ch.remoteMaxPacket = result.confirm.MaxPacketSize
		ch.remoteWin.replenish(result.confirm.MyWindow)
		c.mu.Lock()
		c.channels[id] = ch
		c.mu.Unlock()
		return ch, nil
	case <-c.done:
		return nil, ErrSessionClosed
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pendingOpens, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (c *Connect) handleChannelOpenReply(packet []byte) error {
	id, _, ok := parseUint32(packet[1:])
	if !ok {
		return ParseError{msgType: packet[0]}
	}
	c.mu.Lock()
	resultCh, found := c.pendingOpens[id]
	delete(c.pendingOpens, id)
	c.mu.Unlock()
	if !found {
		c.log.Warnf("ssh: channel open reply for unknown request %d", id)
		return nil
	}
	if packet[0] == msgChannelOpenConfirm {
		var m channelOpenConfirmMsg
		if err := unmarshal(&m, packet, msgChannelOpenConfirm); err != nil {
			return err
		}
		resultCh <- channelOpenResult{confirm: &m}
		return nil
	}
	var m channelOpenFailureMsg
	if err := unmarshal(&m, packet, msgChannelOpenFailure); err != nil {
		return err
	}
	resultCh <- channelOpenResult{failure: &m}
	return nil
}

// --- Channel requests ---

func (c *Connect) handleChannelRequest(packet []byte, channelID uint32, hasID bool) error {
	var m channelRequestMsg
	if err := unmarshal(&m, packet, msgChannelRequest); err != nil {
		return err
	}
	if !hasID {
		return ParseError{msgType: packet[0]}
	}
	c.mu.Lock()
	ch, ok := c.channels[channelID]
	c.mu.Unlock()
	if !ok {
		c.log.Warnf("ssh: request %q for unknown channel %d", m.Request, channelID)
		return nil
	}
	select {
	case ch.requests <- &IncomingChannelRequest{ch: ch, Type: m.Request, WantReply: m.WantReply, Data: m.RequestSpecificData}:
	default:
		if m.WantReply {
			return c.s.send(msgChannelFailure, channelRequestFailureMsg{PeersId: ch.remoteID})
		}
		c.log.Warnf("ssh: dropped channel request %q: no listener", m.Request)
	}
	return nil
}

func (c *Connect) sendData(remoteID uint32, p []byte) error {
	return c.s.send(msgChannelData, channelDataMsg{PeersId: remoteID, Data: p})
}

func (c *Connect) sendExtendedData(remoteID, dataType uint32, p []byte) error {
	return c.s.send(msgChannelExtendedData, channelExtendedDataMsg{PeersId: remoteID, DataType: dataType, Data: p})
}

func (c *Connect) sendWindowAdjust(remoteID, delta uint32) error {
	return c.s.send(msgChannelWindowAdjust, windowAdjustMsg{PeersId: remoteID, AdditionalBytes: delta})
}

func (c *Connect) sendChannelEOF(remoteID uint32) error {
	return c.s.send(msgChannelEOF, channelEOFMsg{PeersId: remoteID})
}

func (c *Connect) sendChannelClose(remoteID uint32) error {
	return c.s.send(msgChannelClose, channelCloseMsg{PeersId: remoteID})
}

func (c *Connect) forgetIfBothClosed(ch *Channel) {
	ch.mu.Lock()
	done := ch.sentClose && ch.recvClose
	ch.mu.Unlock()
	if !done {
		return
	}
	c.mu.Lock()
	delete(c.channels, ch.localID)
	c.mu.Unlock()
	ch.closeLocally()
}
