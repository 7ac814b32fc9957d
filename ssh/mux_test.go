package ssh

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newConnectPair(t *testing.T) (client, server *Connect) {
	t.Helper()
	cs, ss := handshakePair(t, generateHostSigner(t))
	client = NewConnect(cs, ConnectConfig{})
	server = NewConnect(ss, ConnectConfig{})
	go client.Serve()
	go server.Serve()
	return client, server
}

func TestChannelOpenAcceptDataRoundTrip(t *testing.T) {
	client, server := newConnectPair(t)

	accepted := make(chan error, 1)
	go func() {
		open := <-server.ChannelOpens()
		if open == nil {
			accepted <- ErrSessionClosed
			return
		}
		assert.Equal(t, "session", open.ChanType)
		ch, err := open.Accept()
		if err != nil {
			accepted <- err
			return
		}
		_, err = ch.Write([]byte("hello"))
		accepted <- err
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ch, err := client.OpenChannel(ctx, "session", nil)
	require.NoError(t, err)

	buf := make([]byte, 5)
	_, err = io.ReadFull(ch, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf))
	require.NoError(t, <-accepted)
}

func TestChannelOpenRejected(t *testing.T) {
	client, server := newConnectPair(t)

	go func() {
		open := <-server.ChannelOpens()
		if open != nil {
			open.Reject(ChannelOpenConnectFailed, "nope")
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := client.OpenChannel(ctx, "session", nil)
	require.Error(t, err)
	var derr *DisconnectError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, uint32(ChannelOpenConnectFailed), derr.Reason)
	assert.Equal(t, "nope", derr.Description)
}

func TestChannelOpenTooManyChannels(t *testing.T) {
	cs, ss := handshakePair(t, generateHostSigner(t))
	client := NewConnect(cs, ConnectConfig{MaxChannels: 1})
	server := NewConnect(ss, ConnectConfig{MaxChannels: 1})
	go client.Serve()
	go server.Serve()

	go func() {
		for open := range server.ChannelOpens() {
			open.Accept()
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := client.OpenChannel(ctx, "session", nil)
	require.NoError(t, err)

	_, err = client.OpenChannel(ctx, "session", nil)
	assert.ErrorIs(t, err, ErrTooManyChannels)
}

func TestGlobalRequestRoundTrip(t *testing.T) {
	client, server := newConnectPair(t)

	go func() {
		req := <-server.GlobalRequests()
		if req == nil {
			return
		}
		assert.Equal(t, "foo", req.Type)
		assert.True(t, req.WantReply)
		req.Reply(true, []byte("bar"))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ok, data, err := client.GlobalRequest(ctx, "foo", true, nil)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("bar"), data)
}

func TestGlobalRequestNoReplyDoesNotBlock(t *testing.T) {
	client, server := newConnectPair(t)

	received := make(chan string, 1)
	go func() {
		req := <-server.GlobalRequests()
		if req != nil {
			received <- req.Type
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ok, data, err := client.GlobalRequest(ctx, "fire-and-forget", false, nil)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, data)

	select {
	case typ := <-received:
		assert.Equal(t, "fire-and-forget", typ)
	case <-time.After(5 * time.Second):
		t.Fatal("server never observed the request")
	}
}

func TestChannelRequestWaitRoundTrip(t *testing.T) {
	client, server := newConnectPair(t)

	go func() {
		open := <-server.ChannelOpens()
		if open == nil {
			return
		}
		sch, err := open.Accept()
		if err != nil {
			return
		}
		req := <-sch.Requests()
		if req == nil {
			return
		}
		assert.Equal(t, "exec", req.Type)
		assert.Equal(t, []byte("ls"), req.Data)
		req.Reply(true)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ch, err := client.OpenChannel(ctx, "session", nil)
	require.NoError(t, err)

	ok, err := ch.RequestWait(ctx, "exec", []byte("ls"))
	require.NoError(t, err)
	assert.True(t, ok)
}

// drainPackets funnels every packet recvPacket observes on s into a channel,
// used by the white-box tests below to inspect what Connect wrote without
// running a full Serve loop on the other end.
func drainPackets(s *Session) <-chan []byte {
	out := make(chan []byte, 32)
	go func() {
		defer close(out)
		for {
			p, err := s.recvPacket()
			if err != nil {
				return
			}
			out <- p
		}
	}()
	return out
}

func TestUnhandledChannelOpenAutoRejectsOnceBufferFull(t *testing.T) {
	clientSession, serverSession := handshakePair(t, generateHostSigner(t))
	c := NewConnect(serverSession, ConnectConfig{MaxChannels: 64})
	packets := drainPackets(clientSession)

	for i := uint32(0); i < 16; i++ {
		require.NoError(t, c.handleChannelOpen(marshal(msgChannelOpen, channelOpenMsg{ChanType: "x", PeersId: i})))
	}
	select {
	case p := <-packets:
		t.Fatalf("unexpected packet while chanOpens buffer had room: tag %d", p[0])
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, c.handleChannelOpen(marshal(msgChannelOpen, channelOpenMsg{ChanType: "x", PeersId: 16})))
	select {
	case p := <-packets:
		require.Equal(t, byte(msgChannelOpenFailure), p[0])
		var m channelOpenFailureMsg
		require.NoError(t, unmarshal(&m, p, msgChannelOpenFailure))
		assert.EqualValues(t, ChannelOpenAdministrativelyProhibited, m.Reason)
	case <-time.After(5 * time.Second):
		t.Fatal("overflow channel open was never auto-rejected")
	}
}

func TestUnhandledGlobalRequestAutoFailsOnceBufferFull(t *testing.T) {
	clientSession, serverSession := handshakePair(t, generateHostSigner(t))
	c := NewConnect(serverSession, ConnectConfig{})
	packets := drainPackets(clientSession)

	for i := 0; i < 16; i++ {
		require.NoError(t, c.handleGlobalRequest(marshal(msgGlobalRequest, globalRequestMsg{Type: "x", WantReply: true})))
	}
	select {
	case p := <-packets:
		t.Fatalf("unexpected packet while globalReqs buffer had room: tag %d", p[0])
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, c.handleGlobalRequest(marshal(msgGlobalRequest, globalRequestMsg{Type: "x", WantReply: true})))
	select {
	case p := <-packets:
		assert.Equal(t, byte(msgRequestFailure), p[0])
	case <-time.After(5 * time.Second):
		t.Fatal("overflow global request was never auto-failed")
	}
}
