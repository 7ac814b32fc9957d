package ssh

import (
	"encoding/binary"
	"io"
	"math/big"
)

// Low-level RFC 4251 §5 wire encoding helpers. Every multi-byte field on
// the wire is big-endian; strings and byte arrays are length-prefixed with
// a uint32; name-lists are comma-separated strings, not length-prefixed
// lists of strings (that format is only used by OpenSSH certificates,
// which this package does not implement).

func stringLength(n int) int {
	return 4 + n
}

func marshalUint32(to []byte, n uint32) []byte {
	binary.BigEndian.PutUint32(to, n)
	return to[4:]
}

func marshalUint64(to []byte, n uint64) []byte {
	binary.BigEndian.PutUint64(to, n)
	return to[8:]
}

func marshalString(to []byte, s []byte) []byte {
	to = marshalUint32(to, uint32(len(s)))
	n := copy(to, s)
	return to[n:]
}

func marshalBool(to []byte, b bool) []byte {
	if b {
		to[0] = 1
	} else {
		to[0] = 0
	}
	return to[1:]
}

// intLength returns the wire length (including the uint32 length prefix)
// of n encoded as a signed mpint per RFC 4251 §5.
func intLength(n *big.Int) int {
	length := 4 /* length bytes */
	if n.Sign() < 0 {
		nMinus1 := new(big.Int).Neg(n)
		nMinus1.Sub(nMinus1, bigOne)
		bitLen := nMinus1.BitLen()
		length += (bitLen + 8) / 8
	} else if n.Sign() == 0 {
		// A zero mpint is represented by no bytes at all.
	} else {
		bitLen := n.BitLen()
		length += (bitLen + 8) / 8
	}
	return length
}

var bigOne = big.NewInt(1)

// marshalInt writes n as a signed mpint (RFC 4251 §5) into to, which must
// be exactly intLength(n) bytes, and returns the (now empty) remainder.
func marshalInt(to []byte, n *big.Int) []byte {
	length := intLength(n)
	bodyLen := length - 4
	to = marshalUint32(to, uint32(bodyLen))
	if bodyLen == 0 {
		return to
	}
	if n.Sign() < 0 {
		// Two's complement of a negative number: -n-1, bit flipped.
		nMinus1 := new(big.Int).Neg(n)
		nMinus1.Sub(nMinus1, bigOne)
		bytes := nMinus1.Bytes()
		for i, b := range bytes {
			bytes[i] = ^b
		}
		// Pad on the left with 0xff so the sign bit is set.
		for len(bytes) < bodyLen {
			bytes = append([]byte{0xff}, bytes...)
		}
		copy(to, bytes)
	} else {
		bytes := n.Bytes()
		off := bodyLen - len(bytes)
		copy(to[off:], bytes)
	}
	return to[bodyLen:]
}

func writeInt(w io.Writer, n *big.Int) {
	buf := make([]byte, intLength(n))
	marshalInt(buf, n)
	w.Write(buf)
}

func writeString(w io.Writer, s []byte) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s)))
	w.Write(lenBuf[:])
	w.Write(s)
}

// asMPInt turns a raw big-endian byte string (such as a Curve25519
// u-coordinate or ECDH shared point coordinate) into the signed mpint
// encoding required when such a value is hashed or transmitted as an SSH
// integer: strip leading zero bytes, then prepend a zero byte if the
// high bit of the first remaining byte is set. See RFC 8731 §3 and
// RFC 4253 §8 step 3.
func asMPInt(raw []byte) []byte {
	b := raw
	for len(b) > 0 && b[0] == 0 {
		b = b[1:]
	}
	if len(b) > 0 && b[0]&0x80 != 0 {
		out := make([]byte, len(b)+1)
		copy(out[1:], b)
		return out
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func parseString(in []byte) (out, rest []byte, ok bool) {
	if len(in) < 4 {
		return
	}
	length := binary.BigEndian.Uint32(in)
	if uint64(length) > uint64(len(in)-4) {
		return
	}
	out = in[4 : 4+length]
	rest = in[4+length:]
	ok = true
	return
}

func parseUint32(in []byte) (uint32, []byte, bool) {
	if len(in) < 4 {
		return 0, nil, false
	}
	return binary.BigEndian.Uint32(in), in[4:], true
}

func parseUint64(in []byte) (uint64, []byte, bool) {
	if len(in) < 8 {
		return 0, nil, false
	}
	return binary.BigEndian.Uint64(in), in[8:], true
}

func parseBool(in []byte) (bool, []byte, bool) {
	if len(in) < 1 {
		return false, nil, false
	}
	return in[0] != 0, in[1:], true
}

// parseInt parses a signed mpint (RFC 4251 §5) into a *big.Int.
func parseInt(in []byte) (out *big.Int, rest []byte, ok bool) {
	bytes, rest, ok := parseString(in)
	if !ok {
		return
	}
	out = new(big.Int)
	if len(bytes) == 0 {
		return out, rest, true
	}
	if bytes[0]&0x80 != 0 {
		// Negative: two's complement.
		notBytes := make([]byte, len(bytes))
		for i, b := range bytes {
			notBytes[i] = ^b
		}
		out.SetBytes(notBytes)
		out.Add(out, bigOne)
		out.Neg(out)
	} else {
		out.SetBytes(bytes)
	}
	return out, rest, true
}

func parseNameList(in []byte) (out []string, rest []byte, ok bool) {
	list, rest, ok := parseString(in)
	if !ok {
		return
	}
	if len(list) == 0 {
		return nil, rest, true
	}
	start := 0
	for i, c := range list {
		if c == ',' {
			out = append(out, string(list[start:i]))
			start = i + 1
		}
	}
	out = append(out, string(list[start:]))
	return out, rest, true
}

func marshalNameList(to []byte, names []string) []byte {
	joined := joinNames(names)
	return marshalString(to, []byte(joined))
}

func nameListLength(names []string) int {
	return stringLength(len(joinNames(names)))
}

func joinNames(names []string) string {
	total := 0
	for i, n := range names {
		if i > 0 {
			total++
		}
		total += len(n)
	}
	buf := make([]byte, 0, total)
	for i, n := range names {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = append(buf, n...)
	}
	return string(buf)
}
