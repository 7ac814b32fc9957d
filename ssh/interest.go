package ssh

// interestKind classifies an inbound packet by which part of Connect it is
// destined for (RFC 4254 "Packet classification: a pure function from
// (first tag byte, optional recipient-channel field at a fixed offset) to
// an Interest"). The Go port collapses the waker/Interest-table design
// into Connect's single dispatch loop (mux.go): classify still runs once
// per packet, but routing is a direct channel send instead of a wake.
type interestKind int

const (
	interestGlobalRequest interestKind = iota
	interestGlobalReply
	interestChannelOpen
	interestChannelOpenReply
	interestChannelData
	interestChannelWindowAdjust
	interestChannelEOF
	interestChannelClose
	interestChannelRequest
	interestChannelRequestReply
	interestUnknown
)

// classify reads only the tag byte (and, for channel-scoped messages, the
// 4-byte recipient-channel field that immediately follows it) without
// parsing the rest of the packet, satisfying RFC 4254's O(1)
// requirement.
func classify(packet []byte) (kind interestKind, channelID uint32, hasChannelID bool) {
	if len(packet) == 0 {
		return interestUnknown, 0, false
	}
	switch packet[0] {
	case msgGlobalRequest:
		return interestGlobalRequest, 0, false
	case msgRequestSuccess, msgRequestFailure:
		return interestGlobalReply, 0, false
	case msgChannelOpen:
		return interestChannelOpen, 0, false
	case msgChannelOpenConfirm, msgChannelOpenFailure:
		id, ok := recipientChannel(packet)
		return interestChannelOpenReply, id, ok
	case msgChannelData, msgChannelExtendedData:
		id, ok := recipientChannel(packet)
		return interestChannelData, id, ok
	case msgChannelWindowAdjust:
		id, ok := recipientChannel(packet)
		return interestChannelWindowAdjust, id, ok
	case msgChannelEOF:
		id, ok := recipientChannel(packet)
		return interestChannelEOF, id, ok
	case msgChannelClose:
		id, ok := recipientChannel(packet)
		return interestChannelClose, id, ok
	case msgChannelRequest:
		id, ok := recipientChannel(packet)
		return interestChannelRequest, id, ok
	case msgChannelSuccess, msgChannelFailure:
		id, ok := recipientChannel(packet)
		return interestChannelRequestReply, id, ok
	default:
		return interestUnknown, 0, false
	}
}

// recipientChannel reads the uint32 immediately following the tag byte,
// which is the recipient channel number on every RFC 4254 channel message.
func recipientChannel(packet []byte) (uint32, bool) {
	if len(packet) < 5 {
		return 0, false
	}
	id, _, ok := parseUint32(packet[1:])
	return id, ok
}
