// Package ssh implements the SSH transport, user authentication, and
// connection protocols (RFC 4253, RFC 4252, RFC 4254), restricted to
// curve25519-sha256 key exchange (RFC 8731).
//
// A Session (session.go) owns one underlying connection: it performs the
// identification-string exchange, frames packets (transport.go), and
// drives key exchange and rekeying (kex.go). Authenticate and ServeAuth
// (auth.go) run ssh-userauth over a Session. Once authenticated, a Connect
// (mux.go) multiplexes RFC 4254 channels and global requests over the same
// Session via a single dispatch loop.
//
// Typical client use:
//
//	c, err := ssh.Dial("tcp", addr, &ssh.ClientConfig{
//		Session: ssh.SessionConfig{Ident: "SSH-2.0-myapp"},
//		Auth:    ssh.ClientAuthConfig{User: "me", Password: "secret"},
//	})
//	ch, err := ssh.OpenSession(ctx, c)
package ssh
