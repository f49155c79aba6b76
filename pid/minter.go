package pid

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"pid-provider/metrics"
)

// ErrMintExhausted wird geliefert, wenn nach allen Versuchen keine freie PID gefunden wurde.
var ErrMintExhausted = errors.New("no unused pid found")

var errCollision = errors.New("pid already issued")

// ClaimFunc versucht, value für den aufrufenden Datensatz zu reservieren.
// false bedeutet: der Wert gehört bereits jemand anderem.
type ClaimFunc func(ctx context.Context, value string) (bool, error)

// Minter erzeugt PIDs und wiederholt mit Backoff, bis claim erfolgreich ist.
type Minter struct {
	gen      *Generator
	maxTries uint
	interval time.Duration
}

// NewMinter erstellt einen Minter.
func NewMinter(gen *Generator, maxTries int) *Minter {
	if maxTries < 1 {
		maxTries = 1
	}
	return &Minter{gen: gen, maxTries: uint(maxTries), interval: time.Millisecond}
}

// Generator gibt den zugrunde liegenden Generator zurück.
func (m *Minter) Generator() *Generator {
	return m.gen
}

// MintV3 erzeugt eine freie PID v3.
func (m *Minter) MintV3(ctx context.Context, claim ClaimFunc) (string, error) {
	return m.mint(ctx, "pid_v3", m.gen.V3, claim)
}

// MintV2 erzeugt eine freie PID v2 mit dem gegebenen Präfix.
func (m *Minter) MintV2(ctx context.Context, prefix string, claim ClaimFunc) (string, error) {
	return m.mint(ctx, "pid_v2", func() (string, error) { return m.gen.V2(prefix) }, claim)
}

func (m *Minter) mint(ctx context.Context, kind string, generate func() (string, error), claim ClaimFunc) (string, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.interval
	b.MaxInterval = 50 * m.interval

	value, err := backoff.Retry(ctx, func() (string, error) {
		value, err := generate()
		if err != nil {
			return "", backoff.Permanent(err)
		}
		ok, err := claim(ctx, value)
		if err != nil {
			return "", backoff.Permanent(err)
		}
		if !ok {
			metrics.MintCollisions.WithLabelValues(kind).Inc()
			return "", errCollision
		}
		return value, nil
	}, backoff.WithBackOff(b), backoff.WithMaxTries(m.maxTries))
	if errors.Is(err, errCollision) {
		return "", fmt.Errorf("%w: %s after %d tries", ErrMintExhausted, kind, m.maxTries)
	}
	return value, err
}
