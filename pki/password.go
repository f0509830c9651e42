package pki

import (
	"crypto/rand"
	"fmt"
	"io"
	"strings"

	"github.com/jmcleod/mtlsvault/internal/util"
)

const (
	// MinPasswordLength is the shortest export password ever generated.
	MinPasswordLength = 20

	lowerChars  = "abcdefghijklmnopqrstuvwxyz"
	upperChars  = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	digitChars  = "0123456789"
	symbolChars = "!#$%&()*+,-./:;<=>?@[]^_{|}~"
)

var passwordClasses = []string{lowerChars, upperChars, digitChars, symbolChars}

// PasswordGenerator produces export-bundle passwords that contain at least
// one character of every class.
type PasswordGenerator struct {
	Length int
	Rand   io.Reader
}

// GeneratePassword returns a strict password of MinPasswordLength
// characters drawn from crypto/rand.
func GeneratePassword() (string, error) {
	return (&PasswordGenerator{}).Generate()
}

// Generate returns a new password. Lengths below MinPasswordLength are
// raised to it.
func (g *PasswordGenerator) Generate() (string, error) {
	length := max(g.Length, MinPasswordLength)
	r := g.Rand
	if r == nil {
		r = rand.Reader
	}

	all := strings.Join(passwordClasses, "")
	out := make([]rune, 0, length)
	for _, class := range passwordClasses {
		c, err := pick(r, class)
		if err != nil {
			return "", cryptoErr("generate password", err)
		}
		out = append(out, c)
	}
	for len(out) < length {
		c, err := pick(r, all)
		if err != nil {
			return "", cryptoErr("generate password", err)
		}
		out = append(out, c)
	}
	if err := util.ShuffleRunes(r, out); err != nil {
		return "", cryptoErr("generate password", err)
	}
	return string(out), nil
}

func pick(r io.Reader, alphabet string) (rune, error) {
	i, err := util.RandomIntnFrom(r, len(alphabet))
	if err != nil {
		return 0, err
	}
	return rune(alphabet[i]), nil
}

// CheckPassword reports whether pw satisfies the strict composition rule.
func CheckPassword(pw string) error {
	if len(pw) < MinPasswordLength {
		return fmt.Errorf("password shorter than %d characters", MinPasswordLength)
	}
	names := []string{"lowercase", "uppercase", "digit", "symbol"}
	for i, class := range passwordClasses {
		if !strings.ContainsAny(pw, class) {
			return fmt.Errorf("password has no %s character", names[i])
		}
	}
	for _, c := range pw {
		if !strings.ContainsRune(lowerChars+upperChars+digitChars+symbolChars, c) {
			return fmt.Errorf("password contains character %q outside the allowed set", c)
		}
	}
	return nil
}
