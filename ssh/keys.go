package ssh

import (
	"crypto"
	"crypto/dsa"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/sha1"
	"errors"
	"fmt"
	"io"
	"math/big"

	_ "crypto/sha256"
	_ "crypto/sha512"
)

// Host-key / publickey-auth algorithm names, RFC 4253 §7.1. Certificate
// algorithms (*-cert-v01@openssh.com) are not implemented; see DESIGN.md.
const (
	KeyAlgoRSA       = "ssh-rsa"
	KeyAlgoRSASHA256 = "rsa-sha2-256"
	KeyAlgoRSASHA512 = "rsa-sha2-512"
	KeyAlgoDSA       = "ssh-dss"
	KeyAlgoECDSA256  = "ecdsa-sha2-nistp256"
	KeyAlgoECDSA384  = "ecdsa-sha2-nistp384"
	KeyAlgoED25519   = "ssh-ed25519"
)

var supportedHostKeyAlgos = []string{
	KeyAlgoED25519,
	KeyAlgoECDSA256,
	KeyAlgoECDSA384,
	KeyAlgoRSASHA256,
	KeyAlgoRSASHA512,
	KeyAlgoRSA,
	KeyAlgoDSA,
}

// hashFuncs keeps the mapping of supported signature algorithms to their
// respective hash, needed for signature generation/verification.
var hashFuncs = map[string]crypto.Hash{
	KeyAlgoRSA:       crypto.SHA1,
	KeyAlgoRSASHA256: crypto.SHA256,
	KeyAlgoRSASHA512: crypto.SHA512,
	KeyAlgoDSA:       crypto.SHA1,
	KeyAlgoECDSA256:  crypto.SHA256,
	KeyAlgoECDSA384:  crypto.SHA384,
}

// PublicKey is the wire-level representation of an SSH public key, as
// consumed by the host-key verification step of kex (RFC 4253 §8) and
// the publickey auth method (RFC 4252 §7), built on the standard library
// crypto primitives (crypto/rsa, crypto/ecdsa, crypto/ed25519, crypto/dsa).
type PublicKey interface {
	// PublicKeyAlgo is the wire algorithm name used for the key blob
	// itself (e.g. "ssh-ed25519", "ssh-rsa").
	PublicKeyAlgo() string

	// Marshal returns the RFC 4253 §6.6 key blob, without the leading
	// algorithm-name string (see MarshalPublicKey for the wrapped form).
	Marshal() []byte

	// Verify reports whether sig (an RFC 4253 §6.6 signature blob's raw
	// payload, not wrapped with a format string) is a valid signature by
	// this key over data, using sigFormat's hash (sigFormat may differ
	// from PublicKeyAlgo for RSA's rsa-sha2-* variants).
	Verify(data []byte, sigFormat string, sig []byte) bool
}

// Signer is a private key capable of producing SSH wire-format signatures.
type Signer interface {
	PublicKey() PublicKey

	// Sign produces a signature over data using the given signature
	// algorithm (one of the names returned by PublicKey().PublicKeyAlgo(),
	// or for RSA one of KeyAlgoRSA/KeyAlgoRSASHA256/KeyAlgoRSASHA512).
	// The returned bytes are the raw signature payload, not wrapped with
	// a format-name string.
	Sign(rand io.Reader, sigFormat string, data []byte) ([]byte, error)
}

// serializeSignature wraps a raw signature payload with its format name,
// per RFC 4253 §6.6.
func serializeSignature(format string, sig []byte) []byte {
	length := stringLength(len(format))
	length += stringLength(len(sig))
	ret := make([]byte, length)
	r := marshalString(ret, []byte(format))
	marshalString(r, sig)
	return ret
}

type wireSignature struct {
	Format string
	Blob   []byte
}

func parseSignatureBody(in []byte) (out *wireSignature, rest []byte, ok bool) {
	var format []byte
	if format, in, ok = parseString(in); !ok {
		return
	}
	out = &wireSignature{Format: string(format)}
	if out.Blob, in, ok = parseString(in); !ok {
		return
	}
	return out, in, true
}

// MarshalPublicKey serializes a supported key for use by the SSH wire
// protocol, prefixed by its algorithm name. Used to build authorized_keys
// style blobs and the PK_OK probe reply (§4.5).
func MarshalPublicKey(key PublicKey) []byte {
	algoname := key.PublicKeyAlgo()
	blob := key.Marshal()
	ret := make([]byte, stringLength(len(algoname))+len(blob))
	r := marshalString(ret, []byte(algoname))
	copy(r, blob)
	return ret
}

// ParsePublicKey parses an RFC 4253 §6.6 public key blob (algorithm name
// followed by key-specific data).
func ParsePublicKey(in []byte) (pub PublicKey, rest []byte, ok bool) {
	algo, in, ok := parseString(in)
	if !ok {
		return
	}
	return parsePubKeyBody(string(algo), in)
}

func parsePubKeyBody(algo string, in []byte) (pub PublicKey, rest []byte, ok bool) {
	switch algo {
	case KeyAlgoRSA, KeyAlgoRSASHA256, KeyAlgoRSASHA512:
		return parseRSA(in)
	case KeyAlgoED25519:
		return parseED25519(in)
	case KeyAlgoECDSA256:
		return parseECDSA(elliptic.P256(), in)
	case KeyAlgoECDSA384:
		return parseECDSA(elliptic.P384(), in)
	case KeyAlgoDSA:
		return parseDSA(in)
	default:
		return nil, nil, false
	}
}

// --- RSA ---

type rsaPublicKey rsa.PublicKey

func (k *rsaPublicKey) PublicKeyAlgo() string { return KeyAlgoRSA }

func (k *rsaPublicKey) Marshal() []byte {
	e := new(big.Int).SetInt64(int64(k.E))
	length := intLength(e) + intLength(k.N)
	ret := make([]byte, length)
	r := marshalInt(ret, e)
	marshalInt(r, k.N)
	return ret
}

func (k *rsaPublicKey) Verify(data []byte, sigFormat string, sig []byte) bool {
	h, ok := hashFuncs[sigFormat]
	if !ok {
		return false
	}
	hash := h.New()
	hash.Write(data)
	digest := hash.Sum(nil)
	return rsa.VerifyPKCS1v15((*rsa.PublicKey)(k), h, digest, sig) == nil
}

func parseRSA(in []byte) (out PublicKey, rest []byte, ok bool) {
	e, in, ok := parseInt(in)
	if !ok {
		return
	}
	n, in, ok := parseInt(in)
	if !ok {
		return
	}
	return &rsaPublicKey{E: int(e.Int64()), N: n}, in, true
}

type rsaSigner struct {
	key *rsa.PrivateKey
}

func (s *rsaSigner) PublicKey() PublicKey { return (*rsaPublicKey)(&s.key.PublicKey) }

func (s *rsaSigner) Sign(rnd io.Reader, sigFormat string, data []byte) ([]byte, error) {
	h, ok := hashFuncs[sigFormat]
	if !ok {
		return nil, fmt.Errorf("ssh: unsupported RSA signature format %q", sigFormat)
	}
	hash := h.New()
	hash.Write(data)
	digest := hash.Sum(nil)
	return rsa.SignPKCS1v15(rnd, s.key, h, digest)
}

// --- Ed25519 ---

type ed25519PublicKey ed25519.PublicKey

func (k ed25519PublicKey) PublicKeyAlgo() string { return KeyAlgoED25519 }
func (k ed25519PublicKey) Marshal() []byte {
	return append([]byte(nil), k...)
}
func (k ed25519PublicKey) Verify(data []byte, sigFormat string, sig []byte) bool {
	if sigFormat != KeyAlgoED25519 {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(k), data, sig)
}

func parseED25519(in []byte) (out PublicKey, rest []byte, ok bool) {
	blob, rest, ok := parseString(in)
	if !ok || len(blob) != ed25519.PublicKeySize {
		return nil, nil, false
	}
	key := make([]byte, ed25519.PublicKeySize)
	copy(key, blob)
	return ed25519PublicKey(key), rest, true
}

type ed25519Signer struct {
	key ed25519.PrivateKey
}

func (s *ed25519Signer) PublicKey() PublicKey {
	return ed25519PublicKey(s.key.Public().(ed25519.PublicKey))
}

func (s *ed25519Signer) Sign(_ io.Reader, sigFormat string, data []byte) ([]byte, error) {
	if sigFormat != KeyAlgoED25519 {
		return nil, fmt.Errorf("ssh: unsupported ed25519 signature format %q", sigFormat)
	}
	return ed25519.Sign(s.key, data), nil
}

// --- ECDSA ---

type ecdsaPublicKey ecdsa.PublicKey

func (k *ecdsaPublicKey) PublicKeyAlgo() string {
	switch k.Curve.Params().BitSize {
	case 256:
		return KeyAlgoECDSA256
	case 384:
		return KeyAlgoECDSA384
	default:
		return "ecdsa-sha2-unknown"
	}
}

func (k *ecdsaPublicKey) curveName() string {
	switch k.Curve.Params().BitSize {
	case 256:
		return "nistp256"
	case 384:
		return "nistp384"
	default:
		return "unknown"
	}
}

func (k *ecdsaPublicKey) Marshal() []byte {
	pt := elliptic.Marshal(k.Curve, k.X, k.Y)
	length := stringLength(len(k.curveName())) + stringLength(len(pt))
	ret := make([]byte, length)
	r := marshalString(ret, []byte(k.curveName()))
	marshalString(r, pt)
	return ret
}

func (k *ecdsaPublicKey) Verify(data []byte, sigFormat string, sig []byte) bool {
	if sigFormat != k.PublicKeyAlgo() {
		return false
	}
	var ecSig struct{ R, S *big.Int }
	rLen := len(sig) / 2
	if len(sig) == 0 {
		return false
	}
	// ECDSA SSH signature wraps R, S as two mpints inside the blob.
	rBytes, rest, ok := parseInt(sig)
	if !ok {
		return false
	}
	sBytes, _, ok := parseInt(rest)
	if !ok {
		return false
	}
	_ = rLen
	ecSig.R, ecSig.S = rBytes, sBytes
	h, ok := hashFuncs[sigFormat]
	if !ok {
		return false
	}
	hash := h.New()
	hash.Write(data)
	digest := hash.Sum(nil)
	return ecdsa.Verify((*ecdsa.PublicKey)(k), digest, ecSig.R, ecSig.S)
}

func parseECDSA(curve elliptic.Curve, in []byte) (out PublicKey, rest []byte, ok bool) {
	_, in, ok = parseString(in) // curve name, redundant with algo
	if !ok {
		return
	}
	point, in, ok := parseString(in)
	if !ok {
		return
	}
	x, y := elliptic.Unmarshal(curve, point)
	if x == nil {
		return nil, nil, false
	}
	return &ecdsaPublicKey{Curve: curve, X: x, Y: y}, in, true
}

type ecdsaSigner struct {
	key *ecdsa.PrivateKey
}

func (s *ecdsaSigner) PublicKey() PublicKey { return (*ecdsaPublicKey)(&s.key.PublicKey) }

func (s *ecdsaSigner) Sign(rnd io.Reader, sigFormat string, data []byte) ([]byte, error) {
	pub := (*ecdsaPublicKey)(&s.key.PublicKey)
	if sigFormat != pub.PublicKeyAlgo() {
		return nil, fmt.Errorf("ssh: unsupported ECDSA signature format %q", sigFormat)
	}
	h := hashFuncs[sigFormat].New()
	h.Write(data)
	digest := h.Sum(nil)
	r, s2, err := ecdsa.Sign(rnd, s.key, digest)
	if err != nil {
		return nil, err
	}
	length := intLength(r) + intLength(s2)
	ret := make([]byte, length)
	rest := marshalInt(ret, r)
	marshalInt(rest, s2)
	return ret, nil
}

// --- DSA ---
//
// Kept as a wire-format parser only (see DESIGN.md): nothing in this
// module exercises DSA signing, and it is listed in RFC 4253 §7.1 only
// as a negotiable host-key algorithm, not a priority path. A ssh-dss
// key blob round-trips and verifies; there is no DSA
// Signer.

type dsaPublicKey dsa.PublicKey

func (k *dsaPublicKey) PublicKeyAlgo() string { return KeyAlgoDSA }

func (k *dsaPublicKey) Marshal() []byte {
	length := intLength(k.P) + intLength(k.Q) + intLength(k.G) + intLength(k.Y)
	ret := make([]byte, length)
	r := marshalInt(ret, k.P)
	r = marshalInt(r, k.Q)
	r = marshalInt(r, k.G)
	marshalInt(r, k.Y)
	return ret
}

func (k *dsaPublicKey) Verify(data []byte, sigFormat string, sig []byte) bool {
	if sigFormat != KeyAlgoDSA || len(sig) != 40 {
		return false
	}
	r := new(big.Int).SetBytes(sig[:20])
	s := new(big.Int).SetBytes(sig[20:])
	h := sha1.Sum(data)
	return dsa.Verify((*dsa.PublicKey)(k), h[:], r, s)
}

func parseDSA(in []byte) (out PublicKey, rest []byte, ok bool) {
	p, in, ok := parseInt(in)
	if !ok {
		return
	}
	q, in, ok := parseInt(in)
	if !ok {
		return
	}
	g, in, ok := parseInt(in)
	if !ok {
		return
	}
	y, in, ok := parseInt(in)
	if !ok {
		return
	}
	pk := &dsaPublicKey{}
	pk.P, pk.Q, pk.G, pk.Y = p, q, g, y
	return pk, in, true
}

// NewSignerFromKey wraps a standard library private key (ed25519.PrivateKey,
// *rsa.PrivateKey, or *ecdsa.PrivateKey) as a Signer.
func NewSignerFromKey(key interface{}) (Signer, error) {
	switch k := key.(type) {
	case ed25519.PrivateKey:
		return &ed25519Signer{key: k}, nil
	case *rsa.PrivateKey:
		return &rsaSigner{key: k}, nil
	case *ecdsa.PrivateKey:
		switch k.Curve.Params().BitSize {
		case 256, 384:
			return &ecdsaSigner{key: k}, nil
		default:
			return nil, errors.New("ssh: unsupported ECDSA curve")
		}
	default:
		return nil, fmt.Errorf("ssh: unsupported key type %T", key)
	}
}

// buildDataSignedForAuth returns the data that is signed by a publickey
// USERAUTH_REQUEST to prove possession of a private key. See RFC 4252 §7
// and RFC 4252.
func buildDataSignedForAuth(sessionID []byte, req userAuthRequestMsg, algo, pubKey []byte) []byte {
	user := []byte(req.User)
	service := []byte(req.Service)
	method := []byte(req.Method)

	length := stringLength(len(sessionID))
	length++ // msgUserAuthRequest tag
	length += stringLength(len(user))
	length += stringLength(len(service))
	length += stringLength(len(method))
	length++ // has-signature bool
	length += stringLength(len(algo))
	length += stringLength(len(pubKey))

	ret := make([]byte, length)
	r := marshalString(ret, sessionID)
	r[0] = msgUserAuthRequest
	r = r[1:]
	r = marshalString(r, user)
	r = marshalString(r, service)
	r = marshalString(r, method)
	r[0] = 1
	r = r[1:]
	r = marshalString(r, algo)
	marshalString(r, pubKey)
	return ret
}
