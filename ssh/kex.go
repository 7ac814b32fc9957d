package ssh

import (
	"crypto"
	"io"

	"golang.org/x/crypto/curve25519"

	_ "crypto/sha256"
)

// kexResult captures the outcome of a key exchange (RFC 4253 §7/§8).
type kexResult struct {
	// H is the exchange hash. See RFC 4253 §8.
	H []byte

	// K is the shared secret, already encoded as a signed mpint body
	// (see asMPInt) ready to be hashed or used in key derivation.
	K []byte

	// HostKey is the server's raw host key blob as received on the wire.
	HostKey []byte

	// Signature is the server's raw signature blob (format + payload) over H.
	Signature []byte

	// Hash is the hash algorithm used to compute H (always SHA-256 for
	// the curve25519-sha256 family, RFC 8731 §3).
	Hash crypto.Hash
}

// kexHash accumulates the RFC 8731 §3 curve25519-sha256 exchange-hash
// transcript as a sequence of length-prefixed strings. It does not check
// field order; clientKexCurve25519 and serverKexCurve25519 each write the
// fields in the required order.
type kexHash struct {
	h crypto.Hash
	w []byte
}

func newKexHash(h crypto.Hash) *kexHash {
	return &kexHash{h: h}
}

func (k *kexHash) writeString(s []byte) *kexHash {
	var lenBuf [4]byte
	lenBuf[0] = byte(len(s) >> 24)
	lenBuf[1] = byte(len(s) >> 16)
	lenBuf[2] = byte(len(s) >> 8)
	lenBuf[3] = byte(len(s))
	k.w = append(k.w, lenBuf[:]...)
	k.w = append(k.w, s...)
	return k
}

func (k *kexHash) sum() []byte {
	hh := k.h.New()
	hh.Write(k.w)
	return hh.Sum(nil)
}

// kexCurve25519 holds the ephemeral-key and shared-secret steps of the
// curve25519-sha256 / curve25519-sha256@libssh.org exchange (RFC 8731 §3)
// common to both sides. clientKexCurve25519 sends KEX_ECDH_INIT and reads
// the reply; serverKexCurve25519 answers an already-read KEX_ECDH_INIT.
type kexCurve25519 struct {
	rand io.Reader
}

func (k *kexCurve25519) ephemeralKeyPair() (priv, pub [32]byte, err error) {
	if _, err = io.ReadFull(k.rand, priv[:]); err != nil {
		return
	}
	curve25519.ScalarBaseMult(&pub, &priv)
	return
}

func (k *kexCurve25519) sharedSecret(priv, peerPub [32]byte) ([]byte, error) {
	var secret [32]byte
	curve25519.ScalarMult(&secret, &priv, &peerPub)
	// RFC 7748 §6.1 degenerate/low-order point check.
	var zero [32]byte
	if subtleConstantTimeCompare(secret[:], zero[:]) {
		return nil, &KexError{Reason: "curve25519: peer public value results in zero shared secret"}
	}
	return asMPInt(secret[:]), nil
}

func subtleConstantTimeCompare(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var v byte
	for i := range a {
		v |= a[i] ^ b[i]
	}
	return v == 0
}

// clientKexCurve25519 runs the client side of curve25519 kex and returns
// the computed kexResult. It does not check the server's signature; the
// caller does that with verifyHostKeySignature.
func clientKexCurve25519(rw packetReadWriter, rnd io.Reader, magics *handshakeMagics) (*kexResult, error) {
	kex := &kexCurve25519{rand: rnd}
	priv, pub, err := kex.ephemeralKeyPair()
	if err != nil {
		return nil, err
	}

	if err := rw.writePacket(marshal(msgKexECDHInit, kexECDHInitMsg{ClientPubKey: pub[:]})); err != nil {
		return nil, err
	}

	packet, err := rw.readPacket()
	if err != nil {
		return nil, err
	}
	var reply kexECDHReplyMsg
	if err := unmarshal(&reply, packet, msgKexECDHReply); err != nil {
		return nil, err
	}
	if len(reply.EphemeralPubKey) != 32 {
		return nil, &KexError{Reason: "server ephemeral public key has wrong length"}
	}
	var peerPub [32]byte
	copy(peerPub[:], reply.EphemeralPubKey)

	secret, err := kex.sharedSecret(priv, peerPub)
	if err != nil {
		return nil, err
	}

	h := newKexHash(crypto.SHA256)
	h.writeString(magics.clientVersion)
	h.writeString(magics.serverVersion)
	h.writeString(magics.clientKexInit)
	h.writeString(magics.serverKexInit)
	h.writeString(reply.HostKey)
	h.writeString(pub[:])
	h.writeString(reply.EphemeralPubKey)
	h.writeString(secret)

	return &kexResult{
		H:         h.sum(),
		K:         secret,
		HostKey:   reply.HostKey,
		Signature: reply.Signature,
		Hash:      crypto.SHA256,
	}, nil
}

// serverKexCurve25519 runs the server side: it has already read the
// client's KEX_ECDH_INIT (passed in as clientPub) and replies with its own
// ephemeral key plus a signature over H by signer.
func serverKexCurve25519(rw packetReadWriter, rnd io.Reader, magics *handshakeMagics, clientPub []byte, hostKeyAlgo string, signer Signer) (*kexResult, error) {
	if len(clientPub) != 32 {
		return nil, &KexError{Reason: "client ephemeral public key has wrong length"}
	}
	var peerPub [32]byte
	copy(peerPub[:], clientPub)

	kex := &kexCurve25519{rand: rnd}
	priv, pub, err := kex.ephemeralKeyPair()
	if err != nil {
		return nil, err
	}
	secret, err := kex.sharedSecret(priv, peerPub)
	if err != nil {
		return nil, err
	}

	hostKeyBlob := MarshalPublicKey(signer.PublicKey())

	h := newKexHash(crypto.SHA256)
	h.writeString(magics.clientVersion)
	h.writeString(magics.serverVersion)
	h.writeString(magics.clientKexInit)
	h.writeString(magics.serverKexInit)
	h.writeString(hostKeyBlob)
	h.writeString(clientPub)
	h.writeString(pub[:])
	h.writeString(secret)
	digest := h.sum()

	sigBytes, err := signer.Sign(rnd, hostKeyAlgo, digest)
	if err != nil {
		return nil, err
	}
	sig := serializeSignature(hostKeyAlgo, sigBytes)

	reply := kexECDHReplyMsg{
		HostKey:         hostKeyBlob,
		EphemeralPubKey: pub[:],
		Signature:       sig,
	}
	if err := rw.writePacket(marshal(msgKexECDHReply, reply)); err != nil {
		return nil, err
	}

	return &kexResult{
		H:         digest,
		K:         secret,
		HostKey:   hostKeyBlob,
		Signature: sig,
		Hash:      crypto.SHA256,
	}, nil
}

// verifyHostKeySignature verifies the host key's signature over the
// exchange hash, as the final step of client-side kex (RFC 4253 §8).
func verifyHostKeySignature(hostKeyAlgo string, hostKeyBytes, data, signature []byte) (PublicKey, error) {
	hostKey, rest, ok := ParsePublicKey(hostKeyBytes)
	if len(rest) > 0 || !ok {
		return nil, &KeyError{Reason: "could not parse host key"}
	}
	sig, rest, ok := parseSignatureBody(signature)
	if len(rest) > 0 || !ok {
		return nil, &KeyError{Reason: "signature parse error"}
	}
	if sig.Format != hostKeyAlgo {
		return nil, &KeyError{Reason: "unexpected signature type " + sig.Format}
	}
	if !hostKey.Verify(data, sig.Format, sig.Blob) {
		return nil, &KeyError{Reason: "host key signature error"}
	}
	return hostKey, nil
}

// packetReadWriter is the minimal surface kex needs from the transport;
// satisfied by *transport (transport.go).
type packetReadWriter interface {
	readPacket() ([]byte, error)
	writePacket([]byte) error
}

// deriveKeys computes directional key material via
// HASH(K ‖ H ‖ letter ‖ session_id), extended by repeated hashing until
// the required size is reached (RFC 4253 §7.2). K is hashed as a
// length-prefixed mpint, exactly like every other field that feeds the
// exchange hash.
func deriveKeys(hash crypto.Hash, k, h []byte, letter byte, sessionID []byte, size int) []byte {
	kPrefixed := make([]byte, stringLength(len(k)))
	marshalString(kPrefixed, k)

	var out []byte
	var digest []byte
	for len(out) < size {
		hh := hash.New()
		hh.Write(kPrefixed)
		hh.Write(h)
		if digest == nil {
			hh.Write([]byte{letter})
			hh.Write(sessionID)
		} else {
			hh.Write(digest)
		}
		digest = hh.Sum(nil)
		out = append(out, digest...)
	}
	return out[:size]
}
