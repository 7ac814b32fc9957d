package ssh

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func chanPacket(tag byte, channelID uint32) []byte {
	p := make([]byte, 5)
	p[0] = tag
	p[1] = byte(channelID >> 24)
	p[2] = byte(channelID >> 16)
	p[3] = byte(channelID >> 8)
	p[4] = byte(channelID)
	return p
}

func TestClassify(t *testing.T) {
	testCases := []struct {
		name       string
		packet     []byte
		wantKind   interestKind
		wantID     uint32
		wantHasID  bool
	}{
		{"globalRequest", []byte{msgGlobalRequest}, interestGlobalRequest, 0, false},
		{"requestSuccess", []byte{msgRequestSuccess}, interestGlobalReply, 0, false},
		{"requestFailure", []byte{msgRequestFailure}, interestGlobalReply, 0, false},
		{"channelOpen", []byte{msgChannelOpen}, interestChannelOpen, 0, false},
		{"channelOpenConfirm", chanPacket(msgChannelOpenConfirm, 7), interestChannelOpenReply, 7, true},
		{"channelOpenFailure", chanPacket(msgChannelOpenFailure, 7), interestChannelOpenReply, 7, true},
		{"channelData", chanPacket(msgChannelData, 3), interestChannelData, 3, true},
		{"channelExtendedData", chanPacket(msgChannelExtendedData, 3), interestChannelData, 3, true},
		{"windowAdjust", chanPacket(msgChannelWindowAdjust, 9), interestChannelWindowAdjust, 9, true},
		{"channelEOF", chanPacket(msgChannelEOF, 2), interestChannelEOF, 2, true},
		{"channelClose", chanPacket(msgChannelClose, 2), interestChannelClose, 2, true},
		{"channelRequest", chanPacket(msgChannelRequest, 4), interestChannelRequest, 4, true},
		{"channelSuccess", chanPacket(msgChannelSuccess, 4), interestChannelRequestReply, 4, true},
		{"channelFailure", chanPacket(msgChannelFailure, 4), interestChannelRequestReply, 4, true},
		{"unknownTag", []byte{255}, interestUnknown, 0, false},
		{"empty", []byte{}, interestUnknown, 0, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			kind, id, hasID := classify(tc.packet)
			assert.Equal(t, tc.wantKind, kind)
			assert.Equal(t, tc.wantHasID, hasID)
			if tc.wantHasID {
				assert.Equal(t, tc.wantID, id)
			}
		})
	}
}

func TestClassifyChannelMessageTruncated(t *testing.T) {
	kind, _, hasID := classify([]byte{msgChannelData, 0, 0})
	assert.Equal(t, interestChannelData, kind)
	assert.False(t, hasID, "truncated recipient-channel field must not be reported as present")
}
