package ssh

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKexInitMsgRoundTrip(t *testing.T) {
	want := kexInitMsg{
		Cookie:              [16]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
		KexAlgos:            []string{kexAlgoCurve25519SHA256},
		ServerHostKeyAlgos:  []string{KeyAlgoED25519, KeyAlgoRSA},
		CiphersClientServer: DefaultCipherOrder,
		CiphersServerClient: DefaultCipherOrder,
		MACsClientServer:    DefaultMACOrder,
		MACsServerClient:    DefaultMACOrder,
		FirstKexFollows:     true,
	}
	packet := marshal(msgKexInit, want)
	assert.Equal(t, byte(msgKexInit), packet[0])

	var got kexInitMsg
	require.NoError(t, unmarshal(&got, packet, msgKexInit))
	assert.Equal(t, want.Cookie, got.Cookie)
	assert.Equal(t, want.KexAlgos, got.KexAlgos)
	assert.Equal(t, want.ServerHostKeyAlgos, got.ServerHostKeyAlgos)
	assert.Equal(t, want.CiphersClientServer, got.CiphersClientServer)
	assert.True(t, got.FirstKexFollows)
}

func TestChannelOpenMsgRoundTripWithRestField(t *testing.T) {
	want := channelOpenMsg{
		ChanType:         "session",
		PeersId:          42,
		PeersWindow:      defaultInitialWindow,
		MaxPacketSize:    defaultMaxPacket,
		TypeSpecificData: []byte("extra-tail-bytes"),
	}
	packet := marshal(msgChannelOpen, want)

	var got channelOpenMsg
	require.NoError(t, unmarshal(&got, packet, msgChannelOpen))
	assert.Equal(t, want, got)
}

func TestUnmarshalRejectsWrongTag(t *testing.T) {
	packet := marshal(msgChannelOpen, channelOpenMsg{ChanType: "session"})
	var got channelOpenFailureMsg
	err := unmarshal(&got, packet, msgChannelOpenFailure)
	require.Error(t, err)
	var umErr UnexpectedMessageError
	require.ErrorAs(t, err, &umErr)
	assert.Equal(t, byte(msgChannelOpenFailure), umErr.expected)
	assert.Equal(t, byte(msgChannelOpen), umErr.got)
}

func TestDecodeDispatchesByTag(t *testing.T) {
	packet := marshal(msgChannelEOF, channelEOFMsg{PeersId: 5})
	msg, err := decode(packet)
	require.NoError(t, err)
	eof, ok := msg.(*channelEOFMsg)
	require.True(t, ok)
	assert.Equal(t, uint32(5), eof.PeersId)
}

func TestDecodeRejectsUnknownTag(t *testing.T) {
	_, err := decode([]byte{255})
	require.Error(t, err)
}

func TestTagOfMatchesDecode(t *testing.T) {
	packet := marshal(msgChannelRequest, channelRequestMsg{PeersId: 1, Request: "exec"})
	msg, err := decode(packet)
	require.NoError(t, err)
	assert.Equal(t, byte(msgChannelRequest), tagOf(msg))
}

func TestTagOfSharedTagFamily(t *testing.T) {
	assert.Equal(t, byte(msgUserAuthPubKeyOk), tagOf(&userAuthPubKeyOkMsg{}))
	assert.Equal(t, byte(msgUserAuthPubKeyOk), tagOf(&userAuthPasswdChangeReqMsg{}))
}
