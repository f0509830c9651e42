package util

import (
	"bytes"
	"errors"
	"testing"
)

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("entropy exhausted") }

func TestRandomIntn(t *testing.T) {
	for i := 0; i < 100; i++ {
		n, err := RandomIntn(10)
		if err != nil {
			t.Fatalf("RandomIntn failed: %v", err)
		}
		if n < 0 || n >= 10 {
			t.Fatalf("RandomIntn out of range: %d", n)
		}
	}

	if _, err := RandomIntn(0); err == nil {
		t.Error("expected error for zero bound")
	}
	if _, err := RandomIntnFrom(failingReader{}, 10); err == nil {
		t.Error("expected error from failing reader")
	}
}

func TestRandomBytes(t *testing.T) {
	a, err := RandomBytes(32)
	if err != nil {
		t.Fatalf("RandomBytes failed: %v", err)
	}
	b, err := RandomBytes(32)
	if err != nil {
		t.Fatalf("RandomBytes failed: %v", err)
	}
	if len(a) != 32 || bytes.Equal(a, b) {
		t.Error("expected two distinct 32-byte values")
	}
	if _, err := RandomBytesFrom(failingReader{}, 8); err == nil {
		t.Error("expected error from failing reader")
	}
}

func TestShuffleRunesKeepsMultiset(t *testing.T) {
	in := []rune("aabbccddeeffgg")
	s := append([]rune(nil), in...)
	if err := ShuffleRunes(bytes.NewReader(bytes.Repeat([]byte{0x5a}, 4096)), s); err != nil {
		t.Fatalf("ShuffleRunes failed: %v", err)
	}
	counts := map[rune]int{}
	for _, r := range in {
		counts[r]++
	}
	for _, r := range s {
		counts[r]--
	}
	for r, c := range counts {
		if c != 0 {
			t.Errorf("rune %q count changed by %d", r, c)
		}
	}
}

func TestHKDF(t *testing.T) {
	k1, err := HKDF([]byte("seed"), []byte("salt"), []byte("info"))
	if err != nil {
		t.Fatalf("HKDF failed: %v", err)
	}
	k2, _ := HKDF([]byte("seed"), []byte("salt"), []byte("info"))
	k3, _ := HKDF([]byte("seed"), []byte("salt"), []byte("other"))
	if len(k1) != HKDFKeyLength {
		t.Errorf("expected %d bytes, got %d", HKDFKeyLength, len(k1))
	}
	if !bytes.Equal(k1, k2) {
		t.Error("HKDF should be deterministic")
	}
	if bytes.Equal(k1, k3) {
		t.Error("different info should derive different keys")
	}
}

func TestNormalize(t *testing.T) {
	// "é" precomposed vs. "e" + combining acute.
	if Normalize("\u00e9") != Normalize("e\u0301") {
		t.Error("expected canonical equivalents to normalize identically")
	}
}

func TestHexRoundTrip(t *testing.T) {
	b := []byte{0x00, 0xff, 0x10}
	got, err := HexDecode(HexEncode(b))
	if err != nil {
		t.Fatalf("HexDecode failed: %v", err)
	}
	if !bytes.Equal(b, got) {
		t.Errorf("expected %x, got %x", b, got)
	}
}

func TestWipeBytes(t *testing.T) {
	b := []byte{1, 2, 3}
	c := CopyBytes(b)
	WipeBytes(b)
	if !bytes.Equal(b, []byte{0, 0, 0}) {
		t.Errorf("expected wiped bytes, got %v", b)
	}
	if !bytes.Equal(c, []byte{1, 2, 3}) {
		t.Errorf("copy should be independent, got %v", c)
	}
}
