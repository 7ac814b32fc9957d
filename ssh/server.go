package ssh

import "net"

// Serve accepts connections on ln and runs handleConn for each accepted
// connection's Connect once the handshake and authentication succeed.
// Serve blocks; callers typically run it in its own goroutine.
func Serve(ln net.Listener, cfg *ServerConfig, handleConn func(*Connect, string)) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go func() {
			c, user, err := NewServerConn(conn, cfg)
			if err != nil {
				conn.Close()
				return
			}
			handleConn(c, user)
		}()
	}
}

// NewServerConn drives the server side of RFC 4253-§4.6 over an
// already-accepted conn: identification exchange, KEXINIT/curve25519 key
// exchange with a configured host key, ssh-userauth, then hands off to
// Connect.Serve. Returns the authenticated username alongside Connect.
func NewServerConn(conn deadlineConn, cfg *ServerConfig) (*Connect, string, error) {
	s, err := NewSession(conn, false, cfg.Session)
	if err != nil {
		return nil, "", err
	}
	user, err := ServeAuth(s, &cfg.Auth)
	if err != nil {
		s.Disconnect(DisconnectNoMoreAuthMethods, "authentication failed")
		return nil, "", err
	}
	c := NewConnect(s, cfg.Connect)
	go c.Serve()
	return c, user, nil
}
