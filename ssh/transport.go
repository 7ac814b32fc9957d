package ssh

import (
	"bufio"
	"crypto"
	"crypto/rand"
	"encoding/binary"
	"hash"
	"io"
)

const (
	minPacketLength = 16
	// RFC 4253 §6.1: implementations must be able to send and receive at
	// least a 35000 byte packet, and must never send one larger than
	// that, matching RFC 4253 §6's stated invariant.
	maxPacketLength = 35000

	// rekeyThresholdBytes and rekeyThresholdPackets are the default
	// triggers for "rekeyable" (RFC 4253 §9): either 1 GiB transferred
	// or 2^28 packets sent in one direction since the last rekey.
	defaultRekeyThresholdBytes   = 1 << 30
	defaultRekeyThresholdPackets = 1 << 28
)

// halfConn holds the cipher/MAC/compression state for one direction of a
// session (RFC 4253 §6 "TransportPair"). A fresh pair is installed
// atomically at NEWKEYS; the old pair is simply dropped.
type halfConn struct {
	isWriter bool

	cipherAlgo      string
	macAlgo         string
	compressionAlgo string

	cipher       streamCipher
	mac          hash.Hash
	macSize      int
	etm          bool
	blockSize    int
	compressor   compressor
	decompressor decompressor

	seqNum          uint32
	bytesSinceRekey uint64
}

func (h *halfConn) setupKeys(k, exchangeHash []byte, sessionID []byte, hashFunc crypto.Hash, ivLetter, keyLetter, macLetter byte) error {
	mode, ok := cipherModes[h.cipherAlgo]
	if !ok {
		return &NegotiationError{Category: "cipher"}
	}
	h.blockSize = mode.blockSize

	iv := deriveKeys(hashFunc, k, exchangeHash, ivLetter, sessionID, mode.ivSize)
	key := deriveKeys(hashFunc, k, exchangeHash, keyLetter, sessionID, mode.keySize)

	cip, err := newStreamCipher(h.cipherAlgo, key, iv, h.isWriter)
	if err != nil {
		return err
	}
	h.cipher = cip

	h.etm = isETM(h.macAlgo)
	h.macSize = macSize(h.macAlgo)
	if h.macSize > 0 {
		macKey := deriveKeys(hashFunc, k, exchangeHash, macLetter, sessionID, h.macSize)
		mac, err := macHasher(h.macAlgo, macKey)
		if err != nil {
			return err
		}
		h.mac = mac
	} else {
		h.mac = nil
	}

	if h.isWriter {
		comp, err := newCompressor(h.compressionAlgo)
		if err != nil {
			return err
		}
		h.compressor = comp
	} else {
		decomp, err := newDecompressor(h.compressionAlgo)
		if err != nil {
			return err
		}
		h.decompressor = decomp
	}

	h.seqNum = 0
	h.bytesSinceRekey = 0
	return nil
}

// transport reads and writes length-prefixed SSH binary packets (RFC
// 4253 §6) over a duplex pipe and tracks cumulative bytes for the rekey
// threshold.
type transport struct {
	rw     io.ReadWriter
	br     *bufio.Reader
	bw     *bufio.Writer
	rand   io.Reader
	reader halfConn
	writer halfConn

	sessionID []byte

	rekeyThresholdBytes   uint64
	rekeyThresholdPackets uint32
}

func newTransport(rw io.ReadWriter, rnd io.Reader) *transport {
	if rnd == nil {
		rnd = rand.Reader
	}
	t := &transport{
		rw:                    rw,
		br:                    bufio.NewReaderSize(rw, 32*1024),
		bw:                    bufio.NewWriterSize(rw, 32*1024),
		rand:                  rnd,
		rekeyThresholdBytes:   defaultRekeyThresholdBytes,
		rekeyThresholdPackets: defaultRekeyThresholdPackets,
	}
	t.reader.isWriter = false
	t.writer.isWriter = true
	t.reader.cipher = noneCipher{}
	t.writer.cipher = noneCipher{}
	t.reader.compressionAlgo = compressionNone
	t.writer.compressionAlgo = compressionNone
	t.reader.decompressor = noneCompressor{}
	t.writer.compressor = noneCompressor{}
	t.reader.blockSize = 8
	t.writer.blockSize = 8
	return t
}

// rekeyable reports true when no kex has ever completed, or either
// direction has crossed its byte/packet rekey threshold (RFC 4253 §9).
func (t *transport) rekeyable() bool {
	if t.sessionID == nil {
		return true
	}
	if t.reader.bytesSinceRekey >= t.rekeyThresholdBytes || t.writer.bytesSinceRekey >= t.rekeyThresholdBytes {
		return true
	}
	if t.reader.seqNum >= t.rekeyThresholdPackets || t.writer.seqNum >= t.rekeyThresholdPackets {
		return true
	}
	return false
}

func (t *transport) resetRekeyCounters() {
	t.reader.bytesSinceRekey = 0
	t.writer.bytesSinceRekey = 0
}

// readPacket reads one binary packet (RFC 4253 §6) and returns its
// decompressed payload (tag byte included), with the MAC verified and the
// sequence number advanced.
func (t *transport) readPacket() ([]byte, error) {
	w := &t.reader
	blockSize := w.blockSize
	if blockSize < 8 {
		blockSize = 8
	}

	var lengthBytes [4]byte
	var packetLength uint32

	if w.etm && w.mac != nil {
		if _, err := io.ReadFull(t.br, lengthBytes[:]); err != nil {
			return nil, err
		}
		packetLength = binary.BigEndian.Uint32(lengthBytes[:])
	} else {
		first := make([]byte, blockSize)
		if _, err := io.ReadFull(t.br, first); err != nil {
			return nil, err
		}
		plain := make([]byte, blockSize)
		w.cipher.XORKeyStream(plain, first)
		copy(lengthBytes[:], plain[:4])
		packetLength = binary.BigEndian.Uint32(lengthBytes[:])
		if packetLength < 1 || packetLength > maxPacketLength {
			return nil, &IntegrityError{Reason: "invalid packet length"}
		}
		rest := int(packetLength) + 4 - blockSize
		if rest < 0 {
			return nil, &IntegrityError{Reason: "invalid packet length"}
		}
		body := make([]byte, rest)
		if rest > 0 {
			if _, err := io.ReadFull(t.br, body); err != nil {
				return nil, err
			}
		}
		plainRest := make([]byte, rest)
		w.cipher.XORKeyStream(plainRest, body)

		full := append(plain[4:], plainRest...)
		if err := t.verifyAndFinishRead(w, lengthBytes[:], full, packetLength); err != nil {
			return nil, err
		}
		return t.finishPayload(w, full)
	}

	if packetLength < 1 || packetLength > maxPacketLength {
		return nil, &IntegrityError{Reason: "invalid packet length"}
	}
	cipherBody := make([]byte, packetLength)
	if _, err := io.ReadFull(t.br, cipherBody); err != nil {
		return nil, err
	}
	plain := make([]byte, packetLength)
	w.cipher.XORKeyStream(plain, cipherBody)

	if w.mac != nil {
		macBytes := make([]byte, w.macSize)
		if _, err := io.ReadFull(t.br, macBytes); err != nil {
			return nil, err
		}
		w.mac.Reset()
		var seqBuf [4]byte
		binary.BigEndian.PutUint32(seqBuf[:], w.seqNum)
		w.mac.Write(seqBuf[:])
		w.mac.Write(lengthBytes[:])
		w.mac.Write(cipherBody)
		expected := w.mac.Sum(nil)
		if !subtleConstantTimeCompare(expected, macBytes) {
			return nil, &IntegrityError{Reason: "MAC mismatch"}
		}
	}

	w.seqNum++
	w.bytesSinceRekey += uint64(4 + packetLength)
	return t.finishPayload(w, plain)
}

// verifyAndFinishRead validates the MAC for the non-ETM path (computed
// over seq ‖ length ‖ plaintext-body) and advances counters.
func (t *transport) verifyAndFinishRead(w *halfConn, lengthBytes []byte, plainBody []byte, packetLength uint32) error {
	if w.mac != nil {
		macBytes := make([]byte, w.macSize)
		if _, err := io.ReadFull(t.br, macBytes); err != nil {
			return err
		}
		w.mac.Reset()
		var seqBuf [4]byte
		binary.BigEndian.PutUint32(seqBuf[:], w.seqNum)
		w.mac.Write(seqBuf[:])
		w.mac.Write(lengthBytes)
		w.mac.Write(plainBody)
		expected := w.mac.Sum(nil)
		if !subtleConstantTimeCompare(expected, macBytes) {
			return &IntegrityError{Reason: "MAC mismatch"}
		}
	}
	w.seqNum++
	w.bytesSinceRekey += uint64(4 + packetLength)
	return nil
}

// finishPayload strips padding and decompresses, per RFC 4253 §6.
func (t *transport) finishPayload(w *halfConn, plainBody []byte) ([]byte, error) {
	if len(plainBody) < 1 {
		return nil, &IntegrityError{Reason: "packet too short"}
	}
	padLen := int(plainBody[0])
	if padLen < 4 || padLen+1 > len(plainBody) {
		return nil, &IntegrityError{Reason: "invalid padding length"}
	}
	payload := plainBody[1 : len(plainBody)-padLen]
	out, err := w.decompressor.decompress(payload)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// writePacket frames, pads, optionally compresses, encrypts, and MACs
// payload, then writes it and advances counters (RFC 4253 §6).
func (t *transport) writePacket(payload []byte) error {
	if len(payload) > maxPacketLength {
		return &IntegrityError{Reason: "packet too large to send"}
	}
	w := &t.writer
	compressed, err := w.compressor.compress(payload)
	if err != nil {
		return err
	}

	blockSize := w.blockSize
	if blockSize < 8 {
		blockSize = 8
	}

	padLen := blockSize - (5+len(compressed))%blockSize
	if padLen < 4 {
		padLen += blockSize
	}
	packetLength := 1 + len(compressed) + padLen

	padding := make([]byte, padLen)
	io.ReadFull(t.rand, padding)

	var lengthBytes [4]byte
	binary.BigEndian.PutUint32(lengthBytes[:], uint32(packetLength))

	plainBody := make([]byte, 1+len(compressed)+padLen)
	plainBody[0] = byte(padLen)
	copy(plainBody[1:], compressed)
	copy(plainBody[1+len(compressed):], padding)

	if w.etm && w.mac != nil {
		cipherBody := make([]byte, len(plainBody))
		w.cipher.XORKeyStream(cipherBody, plainBody)

		if _, err := t.bw.Write(lengthBytes[:]); err != nil {
			return err
		}
		if _, err := t.bw.Write(cipherBody); err != nil {
			return err
		}

		w.mac.Reset()
		var seqBuf [4]byte
		binary.BigEndian.PutUint32(seqBuf[:], w.seqNum)
		w.mac.Write(seqBuf[:])
		w.mac.Write(lengthBytes[:])
		w.mac.Write(cipherBody)
		if _, err := t.bw.Write(w.mac.Sum(nil)); err != nil {
			return err
		}
	} else {
		full := make([]byte, 4+len(plainBody))
		copy(full, lengthBytes[:])
		copy(full[4:], plainBody)

		var macBytes []byte
		if w.mac != nil {
			w.mac.Reset()
			var seqBuf [4]byte
			binary.BigEndian.PutUint32(seqBuf[:], w.seqNum)
			w.mac.Write(seqBuf[:])
			w.mac.Write(full)
			macBytes = w.mac.Sum(nil)
		}

		cipherFull := make([]byte, len(full))
		w.cipher.XORKeyStream(cipherFull, full)

		if _, err := t.bw.Write(cipherFull); err != nil {
			return err
		}
		if macBytes != nil {
			if _, err := t.bw.Write(macBytes); err != nil {
				return err
			}
		}
	}

	w.seqNum++
	w.bytesSinceRekey += uint64(4 + packetLength)
	return t.bw.Flush()
}
