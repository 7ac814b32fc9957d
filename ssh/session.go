package ssh

import (
	"bufio"
	"crypto/rand"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// connState is the explicit connection state machine referenced throughout
// RFC 4253/§4.5: a Session starts Initial, moves to KexInProgress for
// the duration of each (re)key exchange, settles into Operational, and
// moves to Disconnected exactly once, permanently.
type connState int

const (
	stateInitial connState = iota
	stateKexInProgress
	stateOperational
	stateDisconnected
)

// defaultTimeout bounds the SSH identification-string exchange (RFC 4253 §4.2
// "Timeouts") when SessionConfig.Timeout is unset.
const defaultTimeout = 120 * time.Second

// SessionConfig configures a Session.
type SessionConfig struct {
	// Ident is this side's identification string, sent verbatim except for
	// the trailing CRLF NewSession appends. Must start with "SSH-2.0-".
	Ident string

	// Timeout bounds the identification exchange. Zero means
	// defaultTimeout. The deadline is cleared once the exchange is done;
	// framed packet reads and writes are not bounded by it.
	Timeout time.Duration

	Crypto CryptoConfig

	// HostKeys are this side's private host keys, consulted when acting as
	// the kex server. Unused (may be nil) for a client-only Session.
	HostKeys []Signer

	// Rand is the source of cryptographic randomness; nil means
	// crypto/rand.Reader.
	Rand io.Reader

	Logger Logger
}

func (c *SessionConfig) timeout() time.Duration {
	if c.Timeout <= 0 {
		return defaultTimeout
	}
	return c.Timeout
}

func (c *SessionConfig) rand() io.Reader {
	if c.Rand == nil {
		return rand.Reader
	}
	return c.Rand
}

func (c *SessionConfig) logger() Logger {
	if c.Logger == nil {
		return defaultLogger()
	}
	return c.Logger
}

// deadlineConn is satisfied by net.Conn, including the net.Pipe endpoints
// the tests use.
type deadlineConn interface {
	io.ReadWriter
	SetDeadline(time.Time) error
}

// Session implements RFC 4253: identification exchange, framed packet
// IO, transport-control interception (DISCONNECT/IGNORE/DEBUG/
// UNIMPLEMENTED), and the KEXINIT/kex state machine. It is the
// single owner of the underlying transport; RFC 4253 §4.2's "exactly one
// task may hold the transport lock" is implemented here with sendMu.
type Session struct {
	cfg SessionConfig

	conn   deadlineConn
	tp     *transport
	isClient bool

	peerIdent []byte
	ourIdent  []byte

	sessionID []byte

	mu    sync.Mutex
	state connState
	err   error

	sendMu sync.Mutex

	// pendingPeerKexInit holds a peer KEXINIT received while we were not
	// expecting one (a peer-initiated rekey discovered during recvPacket).
	// recvPacket runs kex() right away, which consumes it instead of
	// reading a KEXINIT of its own; send() also runs kex() first if one
	// is still set.
	pendingPeerKexInit *kexInitMsg

	magics handshakeMagics

	log Logger
}

// NewSession performs the identification-string exchange and wraps conn in
// framing (RFC 4253 "new"). isClient determines which curve25519 kex
// role this side will take.
func NewSession(conn deadlineConn, isClient bool, cfg SessionConfig) (*Session, error) {
	s := &Session{
		cfg:      cfg,
		conn:     conn,
		isClient: isClient,
		state:    stateInitial,
		log:      cfg.logger(),
	}
	s.tp = newTransport(conn, cfg.rand())

	ident := strings.TrimRight(cfg.Ident, "\r\n")
	if ident == "" {
		ident = "SSH-2.0-corvid-sshtun"
	}
	s.ourIdent = []byte(ident)

	if err := s.conn.SetDeadline(time.Now().Add(cfg.timeout())); err != nil {
		return nil, err
	}

	var sendErr, recvErr error
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, sendErr = s.conn.Write(append(append([]byte{}, s.ourIdent...), "\r\n"...))
	}()
	peerIdent, recvErr := readIdentLine(conn)
	wg.Wait()
	if sendErr != nil {
		return nil, sendErr
	}
	if recvErr != nil {
		return nil, recvErr
	}
	s.peerIdent = peerIdent

	if err := s.conn.SetDeadline(time.Time{}); err != nil {
		return nil, err
	}

	if s.isClient {
		s.magics.clientVersion = s.ourIdent
		s.magics.serverVersion = s.peerIdent
	} else {
		s.magics.clientVersion = s.peerIdent
		s.magics.serverVersion = s.ourIdent
	}

	if err := s.kex(); err != nil {
		s.fail(err)
		return nil, err
	}
	return s, nil
}

// readIdentLine reads the peer's "SSH-2.0-..." line, skipping any leading
// non-protocol lines a server banner may send first (RFC 4253 §4.2).
func readIdentLine(r io.Reader) ([]byte, error) {
	br := bufio.NewReader(r)
	for i := 0; i < 50; i++ {
		line, err := br.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if strings.HasPrefix(line, "SSH-2.0-") || strings.HasPrefix(line, "SSH-1.99-") {
			return []byte(line), nil
		}
	}
	return nil, fmt.Errorf("ssh: peer did not send an identification string")
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateDisconnected {
		s.state = stateDisconnected
		s.err = err
	}
}

// closed reports whether the session has already transitioned to
// Disconnected, returning the error that caused it.
func (s *Session) closed() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateDisconnected {
		if s.err != nil {
			return s.err
		}
		return ErrSessionClosed
	}
	return nil
}

// PeerID returns the peer's raw identification string.
func (s *Session) PeerID() []byte { return s.peerIdent }

// SessionID returns the kex session identifier (the exchange hash of the
// very first key exchange), fixed for the lifetime of the connection.
func (s *Session) SessionID() []byte { return s.sessionID }

// buildKexInit constructs this side's KEXINIT with a fresh random cookie
// (RFC 4253 §7.1).
func (s *Session) buildKexInit() (*kexInitMsg, error) {
	var cookie [16]byte
	if _, err := io.ReadFull(s.cfg.rand(), cookie[:]); err != nil {
		return nil, err
	}
	c := &s.cfg.Crypto
	return &kexInitMsg{
		Cookie:                  cookie,
		KexAlgos:                c.kexes(),
		ServerHostKeyAlgos:      c.hostKeyAlgos(),
		CiphersClientServer:     c.ciphers(),
		CiphersServerClient:     c.ciphers(),
		MACsClientServer:        c.macs(),
		MACsServerClient:        c.macs(),
		CompressionClientServer: c.compressions(),
		CompressionServerClient: c.compressions(),
	}, nil
}

// kex drives one complete KEXINIT/KEX_ECDH/NEWKEYS round, as either side
// (RFC 4253 §8/§4.4). It is the only place that transitions through
// stateKexInProgress.
func (s *Session) kex() error {
	s.mu.Lock()
	s.state = stateKexInProgress
	s.mu.Unlock()

	ours, err := s.buildKexInit()
	if err != nil {
		return err
	}
	ourPacket := marshal(msgKexInit, *ours)

	var peerPacket []byte
	var peerInit kexInitMsg

	if s.pendingPeerKexInit != nil {
		peerInit = *s.pendingPeerKexInit
		s.pendingPeerKexInit = nil
		peerPacket = marshal(msgKexInit, peerInit)
		if err := s.tp.writePacket(ourPacket); err != nil {
			return err
		}
	} else {
		var sendErr error
		done := make(chan struct{})
		go func() {
			sendErr = s.tp.writePacket(ourPacket)
			close(done)
		}()
		peerPacket, err = s.tp.readPacket()
		<-done
		if sendErr != nil {
			return sendErr
		}
		if err != nil {
			return err
		}
		if err := unmarshal(&peerInit, peerPacket, msgKexInit); err != nil {
			return err
		}
	}

	var clientInit, serverInit *kexInitMsg
	var clientPacket, serverPacket []byte
	if s.isClient {
		clientInit, serverInit = ours, &peerInit
		clientPacket, serverPacket = ourPacket, peerPacket
	} else {
		clientInit, serverInit = &peerInit, ours
		clientPacket, serverPacket = peerPacket, ourPacket
	}
	s.magics.clientKexInit = clientPacket
	s.magics.serverKexInit = serverPacket

	algos, err := findAgreedAlgorithms(clientInit, serverInit)
	if err != nil {
		return err
	}

	var result *kexResult
	if s.isClient {
		result, err = clientKexCurve25519(s.tp, s.cfg.rand(), &s.magics)
		if err != nil {
			return err
		}
		if _, err := verifyHostKeySignature(algos.hostKey, result.HostKey, result.H, result.Signature); err != nil {
			return err
		}
	} else {
		// RFC 4253 §7.1: if the client set first_kex_packet_follows, it
		// already sent a speculative KEX_ECDH_INIT guessing its first
		// preferred kex and host-key algorithms would be negotiated. If
		// that guess was wrong, that packet must be silently discarded
		// before reading the real one.
		if peerInit.FirstKexFollows && guessedKexWrong(&peerInit, algos) {
			if _, err := s.tp.readPacket(); err != nil {
				return err
			}
		}

		packet, err := s.tp.readPacket()
		if err != nil {
			return err
		}
		var init kexECDHInitMsg
		if err := unmarshal(&init, packet, msgKexECDHInit); err != nil {
			return err
		}
		signer, err := s.hostKeyFor(algos.hostKey)
		if err != nil {
			return err
		}
		result, err = serverKexCurve25519(s.tp, s.cfg.rand(), &s.magics, init.ClientPubKey, algos.hostKey, signer)
		if err != nil {
			return err
		}
	}

	if s.sessionID == nil {
		s.sessionID = result.H
	}
	s.tp.sessionID = s.sessionID

	if err := s.installKeys(result, algos); err != nil {
		return err
	}

	if err := s.tp.writePacket(marshal(msgNewKeys, newKeysMsg{})); err != nil {
		return err
	}
	newKeysPacket, err := s.tp.readPacket()
	if err != nil {
		return err
	}
	if err := unmarshal(new(newKeysMsg), newKeysPacket, msgNewKeys); err != nil {
		return err
	}

	s.tp.resetRekeyCounters()

	s.mu.Lock()
	s.state = stateOperational
	s.mu.Unlock()
	return nil
}

func (s *Session) hostKeyFor(algo string) (Signer, error) {
	for _, hk := range s.cfg.HostKeys {
		if hk.PublicKey().PublicKeyAlgo() == algo {
			return hk, nil
		}
		// rsa-sha2-* share an ssh-rsa key blob with a different signature
		// format name (RFC 8332).
		if hk.PublicKey().PublicKeyAlgo() == KeyAlgoRSA && (algo == KeyAlgoRSASHA256 || algo == KeyAlgoRSASHA512) {
			return hk, nil
		}
	}
	return nil, &KeyError{Reason: "no host key configured for " + algo}
}

func (s *Session) installKeys(r *kexResult, algos *negotiatedAlgorithms) error {
	var readAlgoC, writeAlgoC string
	var readIV, writeIV, readKey, writeKey, readMACLetter, writeMACLetter byte
	if s.isClient {
		readAlgoC, writeAlgoC = algos.cipherServerClient, algos.cipherClientServer
		readIV, writeIV = 'B', 'A'
		readKey, writeKey = 'D', 'C'
		readMACLetter, writeMACLetter = 'F', 'E'
		s.tp.reader.macAlgo, s.tp.writer.macAlgo = algos.macServerClient, algos.macClientServer
		s.tp.reader.compressionAlgo, s.tp.writer.compressionAlgo = algos.compressionServerClient, algos.compressionClientServer
	} else {
		readAlgoC, writeAlgoC = algos.cipherClientServer, algos.cipherServerClient
		readIV, writeIV = 'A', 'B'
		readKey, writeKey = 'C', 'D'
		readMACLetter, writeMACLetter = 'E', 'F'
		s.tp.reader.macAlgo, s.tp.writer.macAlgo = algos.macClientServer, algos.macServerClient
		s.tp.reader.compressionAlgo, s.tp.writer.compressionAlgo = algos.compressionClientServer, algos.compressionServerClient
	}
	s.tp.reader.cipherAlgo = readAlgoC
	s.tp.writer.cipherAlgo = writeAlgoC

	if err := s.tp.reader.setupKeys(r.K, r.H, s.sessionID, r.Hash, readIV, readKey, readMACLetter); err != nil {
		return err
	}
	if err := s.tp.writer.setupKeys(r.K, r.H, s.sessionID, r.Hash, writeIV, writeKey, writeMACLetter); err != nil {
		return err
	}
	return nil
}

// recv implements RFC 4253 "recv": loop, intercepting transport
// control messages and peer-initiated rekeys, until a non-control message
// arrives, then decode it generically.
func (s *Session) recv() (interface{}, error) {
	packet, err := s.recvPacket()
	if err != nil {
		return nil, err
	}
	msg, err := decode(packet)
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// recvPacket is recv's interception loop without the generic decode step,
// so callers that need to disambiguate a tag-sharing message (PK_OK vs
// PASSWD_CHANGEREQ, both tag 60, per §4.5) can unmarshal it themselves
// knowing which auth method is in flight.
func (s *Session) recvPacket() ([]byte, error) {
	if err := s.closed(); err != nil {
		return nil, err
	}
	for {
		packet, err := s.tp.readPacket()
		if err != nil {
			s.fail(err)
			return nil, err
		}
		if len(packet) == 0 {
			continue
		}
		switch packet[0] {
		case msgDisconnect:
			var d disconnectMsg
			if err := unmarshal(&d, packet, msgDisconnect); err != nil {
				s.fail(err)
				return nil, err
			}
			derr := &DisconnectError{Reason: d.Reason, Description: safeString(d.Message)}
			s.fail(derr)
			return nil, derr
		case msgIgnore:
			continue
		case msgDebug:
			var d debugMsg
			if err := unmarshal(&d, packet, msgDebug); err == nil {
				s.log.Debugf("ssh: peer debug: %s", safeString(d.Message))
			}
			continue
		case msgUnimplemented:
			var u unimplementedMsg
			if err := unmarshal(&u, packet, msgUnimplemented); err == nil {
				s.log.Warnf("ssh: peer does not implement sequence %d", u.SeqNum)
			}
			continue
		case msgKexInit:
			var init kexInitMsg
			if err := unmarshal(&init, packet, msgKexInit); err != nil {
				s.fail(err)
				return nil, err
			}
			s.sendMu.Lock()
			s.pendingPeerKexInit = &init
			err := s.kex()
			s.sendMu.Unlock()
			if err != nil {
				s.fail(err)
				return nil, err
			}
			continue
		default:
			return packet, nil
		}
	}
}

// send implements RFC 4253 "send": drive a rekey first if one is due
// or already buffered, then write msg.
func (s *Session) send(tag byte, msg interface{}) error {
	if err := s.closed(); err != nil {
		return err
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	if s.pendingPeerKexInit != nil || s.tp.rekeyable() {
		if err := s.kex(); err != nil {
			s.fail(err)
			return err
		}
	}
	if err := s.tp.writePacket(marshal(tag, msg)); err != nil {
		s.fail(err)
		return err
	}
	return nil
}

// Disconnect implements RFC 4253 "disconnect": send DISCONNECT then
// mark the session closed.
func (s *Session) Disconnect(reason uint32, description string) error {
	s.sendMu.Lock()
	packet := marshal(msgDisconnect, disconnectMsg{Reason: reason, Message: description})
	err := s.tp.writePacket(packet)
	s.sendMu.Unlock()
	s.fail(&DisconnectError{Reason: reason, Description: description})
	if closer, ok := s.conn.(interface{ Close() error }); ok {
		closer.Close()
	}
	return err
}
