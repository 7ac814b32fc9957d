package ssh

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"
	"strings"
)

// MAC algorithm names, RFC 4253 §7.1.
const (
	macSHA2_256     = "hmac-sha2-256"
	macSHA2_512     = "hmac-sha2-512"
	macSHA1         = "hmac-sha1"
	macMD5          = "hmac-md5"
	etmSuffix       = "-etm@openssh.com"
	macNone         = "none"
)

// DefaultMACOrder prefers SHA-2 ETM variants (MAC computed over the
// ciphertext, avoiding a decrypt-then-verify timing oracle) before falling
// back to non-ETM SHA-2, then the legacy SHA-1/MD5 algorithms.
var DefaultMACOrder = []string{
	macSHA2_256 + etmSuffix, macSHA2_512 + etmSuffix,
	macSHA2_256, macSHA2_512,
	macSHA1 + etmSuffix, macSHA1,
	macMD5 + etmSuffix, macMD5,
}

type macMode struct {
	keySize int
	etm     bool
	newHash func() hash.Hash
}

var macModes = map[string]*macMode{
	macSHA2_256:              {32, false, sha256.New},
	macSHA2_256 + etmSuffix:  {32, true, sha256.New},
	macSHA2_512:              {64, false, sha512.New},
	macSHA2_512 + etmSuffix:  {64, true, sha512.New},
	macSHA1:                  {20, false, sha1.New},
	macSHA1 + etmSuffix:      {20, true, sha1.New},
	macMD5:                   {16, false, md5.New},
	macMD5 + etmSuffix:       {16, true, md5.New},
	macNone:                  {0, false, nil},
}

// isETM reports whether algo's MAC is computed over the ciphertext rather
// than the plaintext (encrypt-then-MAC, e.g. hmac-sha2-256-etm@openssh.com).
func isETM(algo string) bool {
	return strings.HasSuffix(algo, etmSuffix)
}

// macHasher returns a hash.Hash computing HMAC(key, ...) for the named MAC
// algorithm, or nil for "none".
func macHasher(algo string, key []byte) (hash.Hash, error) {
	mode, ok := macModes[algo]
	if !ok {
		return nil, fmt.Errorf("ssh: unsupported MAC %q", algo)
	}
	if mode.newHash == nil {
		return nil, nil
	}
	return hmac.New(mode.newHash, key), nil
}

func macSize(algo string) int {
	mode, ok := macModes[algo]
	if !ok {
		return 0
	}
	return mode.keySize
}
