package pki

import (
	"crypto/rand"
	"fmt"
	"io"
	"math/big"

	"github.com/jmcleod/mtlsvault/internal/util"
)

const (
	// DefaultSerialBits is the serial width used when none is configured.
	DefaultSerialBits = 64
	// MinSerialBits is the narrowest serial accepted.
	MinSerialBits = 64
	// maxSerialBits keeps a positive serial within the 20 octets RFC 5280 allows.
	maxSerialBits = 159
)

// SerialAllocator hands out certificate serial numbers.
type SerialAllocator interface {
	NextSerial() (*big.Int, error)
}

// RandomSerials draws Bits random bits per serial. The top bit is random
// too, so serials carry no fixed leading-bit pattern. Uniqueness rests on
// the width alone; nothing checks for collisions.
type RandomSerials struct {
	Bits int
	Rand io.Reader
}

var _ SerialAllocator = (*RandomSerials)(nil)

// NewRandomSerials returns a 64-bit allocator backed by crypto/rand.
func NewRandomSerials() *RandomSerials {
	return &RandomSerials{Bits: DefaultSerialBits, Rand: rand.Reader}
}

// NextSerial returns a positive random serial of at most Bits bits.
func (s *RandomSerials) NextSerial() (*big.Int, error) {
	bits := s.Bits
	if bits == 0 {
		bits = DefaultSerialBits
	}
	if bits < MinSerialBits || bits > maxSerialBits {
		return nil, fmt.Errorf("serial width %d outside [%d, %d]", bits, MinSerialBits, maxSerialBits)
	}
	r := s.Rand
	if r == nil {
		r = rand.Reader
	}

	nBytes := (bits + 7) / 8
	excess := uint(nBytes*8 - bits)
	for {
		b, err := util.RandomBytesFrom(r, nBytes)
		if err != nil {
			return nil, fmt.Errorf("drawing serial: %w", err)
		}
		b[0] &= 0xff >> excess
		serial := new(big.Int).SetBytes(b)
		if serial.Sign() > 0 {
			return serial, nil
		}
	}
}
