package ssh

import (
	"context"
	"net"
)

// Dial connects to addr over TCP, performs the transport handshake and key
// exchange, runs client authentication, and starts the channel multiplexer
// (RFC 4253/§4.5/§4.6 end to end). The returned Connect's Serve loop is
// already running in a background goroutine.
func Dial(network, addr string, cfg *ClientConfig) (*Connect, error) {
	conn, err := net.Dial(network, addr)
	if err != nil {
		return nil, err
	}
	c, err := NewClientConn(conn, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// NewClientConn drives the client side of RFC 4253-§4.6 over an
// already-established conn: identification exchange, KEXINIT/curve25519
// key exchange, ssh-userauth, then hands off to Connect.Serve.
func NewClientConn(conn deadlineConn, cfg *ClientConfig) (*Connect, error) {
	s, err := NewSession(conn, true, cfg.Session)
	if err != nil {
		return nil, err
	}
	if err := Authenticate(s, &cfg.Auth); err != nil {
		s.Disconnect(DisconnectAuthCancelledByUser, "authentication failed")
		return nil, err
	}
	c := NewConnect(s, cfg.Connect)
	go c.Serve()
	return c, nil
}

// OpenSession is a convenience wrapper around OpenChannel("session", nil),
// the single most common outbound channel type (RFC 4254 §6.1).
func OpenSession(ctx context.Context, c *Connect) (*Channel, error) {
	return c.OpenChannel(ctx, "session", nil)
}
