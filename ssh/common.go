package ssh

import (
	"sync"
)

// Protocol-level name constants (RFC 4253 §7.1, RFC 8731 §4, RFC 4252 §6).
const (
	kexAlgoCurve25519SHA256    = "curve25519-sha256"
	kexAlgoCurve25519SHA256LSH = "curve25519-sha256@libssh.org"

	compressionNone        = "none"
	compressionZlib        = "zlib"
	compressionZlibOpenSSH = "zlib@openssh.com"

	serviceUserAuth = "ssh-userauth"
	serviceSSH      = "ssh-connection"
)

var supportedKexAlgos = []string{
	kexAlgoCurve25519SHA256,
	kexAlgoCurve25519SHA256LSH,
}

var supportedCompressions = []string{compressionNone, compressionZlib, compressionZlibOpenSSH}

// handshakeMagics is the set of byte strings hashed into every exchange
// hash H (RFC 4253 §8): the two identification strings and the two raw
// KEXINIT packets.
type handshakeMagics struct {
	clientVersion, serverVersion []byte
	clientKexInit, serverKexInit []byte
}

func findCommonAlgorithm(clientAlgos []string, serverAlgos []string) (commonAlgo string, ok bool) {
	for _, clientAlgo := range clientAlgos {
		for _, serverAlgo := range serverAlgos {
			if clientAlgo == serverAlgo {
				return clientAlgo, true
			}
		}
	}
	return
}

func findCommonCipher(clientCiphers []string, serverCiphers []string) (commonCipher string, ok bool) {
	for _, clientCipher := range clientCiphers {
		for _, serverCipher := range serverCiphers {
			// Reject the cipher if we have no cipherModes definition.
			if clientCipher == serverCipher && cipherModes[clientCipher] != nil {
				return clientCipher, true
			}
		}
	}
	return
}

// negotiatedAlgorithms is the outcome of KEXINIT name-list preference
// matching (RFC 4253 §7.1): "for each category, pick the first entry in
// the client's list that also appears in the server's list".
type negotiatedAlgorithms struct {
	kex, hostKey             string
	cipherClientServer       string
	cipherServerClient       string
	macClientServer          string
	macServerClient          string
	compressionClientServer  string
	compressionServerClient  string
}

// guessedKexWrong reports whether a peer that set first_kex_packet_follows
// on kexInit guessed incorrectly, per RFC 4253 §7.1: the guess is right
// only if its first-preference kex algorithm and first-preference
// host-key algorithm both match what was actually negotiated. A wrong
// guess means the speculative packet the peer already sent must be
// discarded unread before the real key exchange proceeds.
func guessedKexWrong(kexInit *kexInitMsg, algos *negotiatedAlgorithms) bool {
	if len(kexInit.KexAlgos) == 0 || len(kexInit.ServerHostKeyAlgos) == 0 {
		return true
	}
	return kexInit.KexAlgos[0] != algos.kex || kexInit.ServerHostKeyAlgos[0] != algos.hostKey
}

func findAgreedAlgorithms(clientKexInit, serverKexInit *kexInitMsg) (*negotiatedAlgorithms, error) {
	n := &negotiatedAlgorithms{}
	var ok bool

	if n.kex, ok = findCommonAlgorithm(clientKexInit.KexAlgos, serverKexInit.KexAlgos); !ok {
		return nil, &NegotiationError{Category: "kex"}
	}
	if n.hostKey, ok = findCommonAlgorithm(clientKexInit.ServerHostKeyAlgos, serverKexInit.ServerHostKeyAlgos); !ok {
		return nil, &NegotiationError{Category: "host-key"}
	}
	if n.cipherClientServer, ok = findCommonCipher(clientKexInit.CiphersClientServer, serverKexInit.CiphersClientServer); !ok {
		return nil, &NegotiationError{Category: "cipher-c2s"}
	}
	if n.cipherServerClient, ok = findCommonCipher(clientKexInit.CiphersServerClient, serverKexInit.CiphersServerClient); !ok {
		return nil, &NegotiationError{Category: "cipher-s2c"}
	}
	if n.macClientServer, ok = findCommonAlgorithm(clientKexInit.MACsClientServer, serverKexInit.MACsClientServer); !ok {
		return nil, &NegotiationError{Category: "mac-c2s"}
	}
	if n.macServerClient, ok = findCommonAlgorithm(clientKexInit.MACsServerClient, serverKexInit.MACsServerClient); !ok {
		return nil, &NegotiationError{Category: "mac-s2c"}
	}
	if n.compressionClientServer, ok = findCommonAlgorithm(clientKexInit.CompressionClientServer, serverKexInit.CompressionClientServer); !ok {
		return nil, &NegotiationError{Category: "compression-c2s"}
	}
	if n.compressionServerClient, ok = findCommonAlgorithm(clientKexInit.CompressionServerClient, serverKexInit.CompressionServerClient); !ok {
		return nil, &NegotiationError{Category: "compression-s2c"}
	}
	return n, nil
}

// CryptoConfig is cryptographic configuration common to both ServerConfig
// and ClientConfig.
type CryptoConfig struct {
	// KeyExchanges is the allowed (and preferred, in order) set of key
	// exchange algorithms. If unspecified, supportedKexAlgos is used.
	KeyExchanges []string

	// Ciphers is the allowed (and preferred, in order) set of cipher
	// algorithms. If unspecified, DefaultCipherOrder is used.
	Ciphers []string

	// MACs is the allowed (and preferred, in order) set of MAC
	// algorithms. If unspecified, DefaultMACOrder is used.
	MACs []string

	// Compressions is the allowed (and preferred, in order) set of
	// compression algorithms. If unspecified, DefaultCompressionOrder
	// ([]string{"none"}) is used.
	Compressions []string

	// HostKeyAlgos restricts the accepted/offered host-key algorithms.
	// If unspecified, supportedHostKeyAlgos is used.
	HostKeyAlgos []string
}

// DefaultCompressionOrder disables compression by default, matching
// OpenSSH's default and avoiding turning every connection into a
// compression oracle for callers who don't opt in.
var DefaultCompressionOrder = []string{compressionNone}

func (c *CryptoConfig) kexes() []string {
	if c.KeyExchanges == nil {
		return supportedKexAlgos
	}
	return c.KeyExchanges
}

func (c *CryptoConfig) ciphers() []string {
	if c.Ciphers == nil {
		return DefaultCipherOrder
	}
	return c.Ciphers
}

func (c *CryptoConfig) macs() []string {
	if c.MACs == nil {
		return DefaultMACOrder
	}
	return c.MACs
}

func (c *CryptoConfig) compressions() []string {
	if c.Compressions == nil {
		return DefaultCompressionOrder
	}
	return c.Compressions
}

func (c *CryptoConfig) hostKeyAlgos() []string {
	if c.HostKeyAlgos == nil {
		return supportedHostKeyAlgos
	}
	return c.HostKeyAlgos
}

// safeString sanitises s according to RFC 4251 §9.2: all control
// characters except tab, carriage return, and newline are replaced by a
// space, before it is ever placed in a log line or surfaced to a caller
// (DISCONNECT/DEBUG descriptions come straight from the peer).
func safeString(s string) string {
	out := []byte(s)
	for i, c := range out {
		if c < 0x20 && c != 0xd && c != 0xa && c != 0x9 {
			out[i] = 0x20
		}
	}
	return string(out)
}

func appendU32(buf []byte, n uint32) []byte {
	return append(buf, byte(n>>24), byte(n>>16), byte(n>>8), byte(n))
}

// newCond is a helper to hide the fact that there is no usable zero value
// for sync.Cond.
func newCond() *sync.Cond { return sync.NewCond(new(sync.Mutex)) }
