package util

import (
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
)

// RandomIntn returns a uniform integer in [0, max) drawn from crypto/rand.
func RandomIntn(max int) (int, error) {
	return RandomIntnFrom(rand.Reader, max)
}

// RandomIntnFrom is RandomIntn with an explicit entropy source.
func RandomIntnFrom(r io.Reader, max int) (int, error) {
	if max <= 0 {
		return 0, fmt.Errorf("random bound must be positive, got %d", max)
	}
	n, err := rand.Int(r, big.NewInt(int64(max)))
	if err != nil {
		return 0, fmt.Errorf("generating random number: %w", err)
	}
	return int(n.Int64()), nil
}

// RandomBytes returns n bytes from crypto/rand.
func RandomBytes(n int) ([]byte, error) {
	return RandomBytesFrom(rand.Reader, n)
}

// RandomBytesFrom reads exactly n bytes from r.
func RandomBytesFrom(r io.Reader, n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, fmt.Errorf("generating random bytes: %w", err)
	}
	return b, nil
}

// ShuffleRunes permutes s in place (Fisher-Yates) using r.
func ShuffleRunes(r io.Reader, s []rune) error {
	for i := len(s) - 1; i > 0; i-- {
		j, err := RandomIntnFrom(r, i+1)
		if err != nil {
			return err
		}
		s[i], s[j] = s[j], s[i]
	}
	return nil
}
