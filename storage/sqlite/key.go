package sqlite

import (
	"fmt"

	"github.com/awnumar/memguard"

	"github.com/jmcleod/mtlsvault/internal/util"
)

var (
	keySalt = []byte("mtlsvault-store-v1")
	keyInfo = []byte("sqlcipher-raw-key")
)

// deriveKey turns the configured secret into the hex form of a 32-byte raw
// SQLCipher key. The caller must Destroy the returned buffer.
func deriveKey(secret *memguard.Enclave) (*memguard.LockedBuffer, error) {
	buf, err := secret.Open()
	if err != nil {
		return nil, fmt.Errorf("opening store secret: %w", err)
	}
	defer buf.Destroy()
	if buf.Size() == 0 {
		return nil, ErrSecretRequired
	}

	raw, err := util.HKDF([]byte(util.Normalize(buf.String())), keySalt, keyInfo)
	if err != nil {
		return nil, fmt.Errorf("deriving store key: %w", err)
	}
	hexKey := []byte(util.HexEncode(raw))
	util.WipeBytes(raw)
	return memguard.NewBufferFromBytes(hexKey), nil
}
