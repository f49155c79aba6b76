// Package pid erzeugt PIDs v3 und v2 und vergibt sie kollisionsfrei.
package pid

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"
)

// Alphabet enthält die 56 für PIDs v3 zulässigen Zeichen: Ziffern ohne 0 und 1,
// Großbuchstaben ohne I und O, Kleinbuchstaben ohne l und o.
const Alphabet = "23456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnpqrstuvwxyz"

// Length ist die feste Länge von v3, v2 und aop_pid.
const Length = 23

// v2PrefixLength ist "S" + ISSN + Jahr.
const v2PrefixLength = 14

// ErrInvalidV2Prefix wird geliefert, wenn das Präfix nicht "S"+ISSN+Jahr ist.
var ErrInvalidV2Prefix = errors.New("invalid pid v2 prefix")

// IsValid meldet, ob value die Form einer PID hat.
func IsValid(value string) bool {
	return len(value) == Length
}

// Generator zieht zufällige v3 und zeitbasierte v2.
type Generator struct {
	alphabet string
	now      func() time.Time
}

// NewGenerator erstellt einen Generator über die ersten alphabetSize Zeichen
// des Alphabets.
func NewGenerator(alphabetSize int) *Generator {
	if alphabetSize <= 0 || alphabetSize > len(Alphabet) {
		alphabetSize = len(Alphabet)
	}
	return &Generator{alphabet: Alphabet[:alphabetSize], now: time.Now}
}

// V3 liefert 23 gleichverteilt gezogene Zeichen aus crypto/rand.
func (g *Generator) V3() (string, error) {
	n := big.NewInt(int64(len(g.alphabet)))
	b := make([]byte, Length)
	for i := range b {
		idx, err := rand.Int(rand.Reader, n)
		if err != nil {
			return "", fmt.Errorf("reading random: %w", err)
		}
		b[i] = g.alphabet[idx.Int64()]
	}
	return string(b), nil
}

// V2 baut {S+ISSN+Jahr}{MMTT}{nnnnn}; nnnnn sind die letzten fünf Ziffern
// des Mikrosekunden-Zeitstempels.
func (g *Generator) V2(prefix string) (string, error) {
	if len(prefix) != v2PrefixLength || prefix[0] != 'S' {
		return "", fmt.Errorf("%w: %q", ErrInvalidV2Prefix, prefix)
	}
	now := g.now()
	return fmt.Sprintf("%s%s%05d", prefix, now.Format("0102"), now.UnixMicro()%100000), nil
}
