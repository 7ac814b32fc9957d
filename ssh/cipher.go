package ssh

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/des"
	"fmt"
)

// Cipher algorithm names, RFC 4253 §7.1.
const (
	cipherAES128CTR = "aes128-ctr"
	cipherAES192CTR = "aes192-ctr"
	cipherAES256CTR = "aes256-ctr"
	cipherAES128CBC = "aes128-cbc"
	cipherAES192CBC = "aes192-cbc"
	cipherAES256CBC = "aes256-cbc"
	cipher3DESCBC   = "3des-cbc"
	cipherNone      = "none"
)

// DefaultCipherOrder is the client-preference order used when
// CryptoConfig.Ciphers is unset: CTR first, then CBC, with the legacy
// 3des-cbc last. The insecure "none" cipher is not in the default list; it
// is negotiated only when listed explicitly in CryptoConfig.Ciphers.
var DefaultCipherOrder = []string{
	cipherAES256CTR, cipherAES192CTR, cipherAES128CTR,
	cipherAES256CBC, cipherAES192CBC, cipherAES128CBC,
	cipher3DESCBC,
}

// cipherMode describes the instantiation parameters of a cipher
// algorithm and how to build a cipher.Stream or cipher.BlockMode from a
// key and IV derived by kex.go's key-derivation step (letters C/D).
type cipherMode struct {
	keySize   int
	ivSize    int
	blockSize int
	create    func(key, iv []byte, forEncrypt bool) (interface{}, error)
}

// cipherModes is consulted by common.go's findCommonCipher to reject any
// negotiated cipher name this package doesn't actually implement.
var cipherModes = map[string]*cipherMode{
	cipherAES128CTR: {16, aes.BlockSize, aes.BlockSize, streamCipherFactory(newAESCTR)},
	cipherAES192CTR: {24, aes.BlockSize, aes.BlockSize, streamCipherFactory(newAESCTR)},
	cipherAES256CTR: {32, aes.BlockSize, aes.BlockSize, streamCipherFactory(newAESCTR)},
	cipherAES128CBC: {16, aes.BlockSize, aes.BlockSize, blockCipherFactory(aes.NewCipher)},
	cipherAES192CBC: {24, aes.BlockSize, aes.BlockSize, blockCipherFactory(aes.NewCipher)},
	cipherAES256CBC: {32, aes.BlockSize, aes.BlockSize, blockCipherFactory(aes.NewCipher)},
	cipher3DESCBC:   {24, des.BlockSize, des.BlockSize, blockCipherFactory(des.NewTripleDESCipher)},
	cipherNone:      {0, 0, 8, func([]byte, []byte, bool) (interface{}, error) { return noneCipher{}, nil }},
}

func newAESCTR(key []byte) (cipher.Block, error) { return aes.NewCipher(key) }

// streamCipherFactory adapts a block-cipher constructor into a CTR-mode
// cipher.Stream factory.
func streamCipherFactory(newBlock func([]byte) (cipher.Block, error)) func([]byte, []byte, bool) (interface{}, error) {
	return func(key, iv []byte, _ bool) (interface{}, error) {
		block, err := newBlock(key)
		if err != nil {
			return nil, err
		}
		return cipher.NewCTR(block, iv), nil
	}
}

// blockCipherFactory adapts a block-cipher constructor into a CBC-mode
// cipher.BlockMode factory (direction-dependent: encrypt vs decrypt).
func blockCipherFactory(newBlock func([]byte) (cipher.Block, error)) func([]byte, []byte, bool) (interface{}, error) {
	return func(key, iv []byte, forEncrypt bool) (interface{}, error) {
		block, err := newBlock(key)
		if err != nil {
			return nil, err
		}
		if forEncrypt {
			return cipher.NewCBCEncrypter(block, iv), nil
		}
		return cipher.NewCBCDecrypter(block, iv), nil
	}
}

// noneCipher implements the (dangerous, opt-in only) "none" cipher: the
// identity transform. Present because RFC 4253 §7.1 lists it as a
// negotiable algorithm name, matched by OpenSSH's own NoneEnabled build.
type noneCipher struct{}

// streamCipher is the minimal interface both CTR streams and CBC block
// modes are adapted to, so transport.go can treat them uniformly.
type streamCipher interface {
	XORKeyStream(dst, src []byte)
}

// cbcAdapter (with cipherStreamAdapter and noneCipher) lets transport.go
// call a single XORKeyStream-shaped method regardless of whether the
// negotiated cipher is a stream cipher (CTR) or a block cipher in CBC
// mode, where encryption must happen a full block at a time.
type cbcAdapter struct {
	mode      cipher.BlockMode
	blockSize int
}

func (c *cbcAdapter) XORKeyStream(dst, src []byte) {
	if len(src)%c.blockSize != 0 {
		panic("ssh: CBC transform called with data not a multiple of the block size")
	}
	c.mode.CryptBlocks(dst, src)
}

func (noneCipher) XORKeyStream(dst, src []byte) { copy(dst, src) }

// newStreamCipher builds the uniform streamCipher wrapper for a
// negotiated cipher algorithm, key, and IV, in the given direction.
func newStreamCipher(algo string, key, iv []byte, forEncrypt bool) (streamCipher, error) {
	mode, ok := cipherModes[algo]
	if !ok {
		return nil, fmt.Errorf("ssh: unsupported cipher %q", algo)
	}
	raw, err := mode.create(key, iv, forEncrypt)
	if err != nil {
		return nil, err
	}
	switch c := raw.(type) {
	case streamCipher:
		return c, nil
	case cipher.Stream:
		return cipherStreamAdapter{c}, nil
	case cipher.BlockMode:
		return &cbcAdapter{mode: c, blockSize: mode.blockSize}, nil
	default:
		return nil, fmt.Errorf("ssh: cipher %q produced unexpected type %T", algo, raw)
	}
}

type cipherStreamAdapter struct{ cipher.Stream }
