package ssh

import (
	"crypto/ed25519"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func generateHostSigner(t *testing.T) Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	s, err := NewSignerFromKey(priv)
	require.NoError(t, err)
	return s
}

// handshakePair drives NewSession concurrently on both ends of a net.Pipe,
// the way a real dial/accept pair would race identification strings and
// KEXINITs against each other.
func handshakePair(t *testing.T, hostKey Signer) (client, server *Session) {
	t.Helper()
	c1, c2 := net.Pipe()

	type result struct {
		s   *Session
		err error
	}
	clientCh := make(chan result, 1)
	serverCh := make(chan result, 1)

	go func() {
		s, err := NewSession(c1, true, SessionConfig{Ident: "SSH-2.0-test-client"})
		clientCh <- result{s, err}
	}()
	go func() {
		s, err := NewSession(c2, false, SessionConfig{
			Ident:    "SSH-2.0-test-server",
			HostKeys: []Signer{hostKey},
		})
		serverCh <- result{s, err}
	}()

	var cr, sr result
	select {
	case cr = <-clientCh:
	case <-time.After(5 * time.Second):
		t.Fatal("client handshake timed out")
	}
	select {
	case sr = <-serverCh:
	case <-time.After(5 * time.Second):
		t.Fatal("server handshake timed out")
	}
	require.NoError(t, cr.err)
	require.NoError(t, sr.err)
	return cr.s, sr.s
}

func TestSessionHandshakeAgreesOnSessionID(t *testing.T) {
	client, server := handshakePair(t, generateHostSigner(t))
	assert.NotEmpty(t, client.SessionID())
	assert.Equal(t, client.SessionID(), server.SessionID())
	assert.Equal(t, []byte("SSH-2.0-test-server"), client.PeerID())
	assert.Equal(t, []byte("SSH-2.0-test-client"), server.PeerID())
}

func TestSessionSendRecvAfterHandshake(t *testing.T) {
	client, server := handshakePair(t, generateHostSigner(t))

	done := make(chan error, 1)
	go func() {
		if err := client.send(msgIgnore, ignoreMsg{Data: "hello"}); err != nil {
			done <- err
			return
		}
		done <- client.send(msgServiceRequest, serviceRequestMsg{Service: "first"})
	}()

	// recvPacket silently swallows msgIgnore, so the first packet it
	// returns is the SERVICE_REQUEST sent right after it.
	packet, err := server.recvPacket()
	require.NoError(t, err)
	require.NoError(t, <-done)
	assert.Equal(t, byte(msgServiceRequest), packet[0])

	// msgDebug is logged and swallowed the same way.
	done2 := make(chan error, 1)
	go func() {
		if err := client.send(msgDebug, debugMsg{Message: "ping"}); err != nil {
			done2 <- err
			return
		}
		done2 <- client.send(msgServiceAccept, serviceAcceptMsg{Service: "second"})
	}()
	p, err := server.recvPacket()
	require.NoError(t, err)
	require.NoError(t, <-done2)
	assert.Equal(t, byte(msgServiceAccept), p[0])
}

func TestSessionDisconnectClosesBothSides(t *testing.T) {
	client, server := handshakePair(t, generateHostSigner(t))

	go client.Disconnect(DisconnectByApplication, "bye")

	_, err := server.recvPacket()
	require.Error(t, err)
	var derr *DisconnectError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, "bye", derr.Description)
}
