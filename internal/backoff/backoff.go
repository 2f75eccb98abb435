package backoff

import (
	"math/rand"
	"time"
)

// Policy is the retry cadence shared by the liveness tracker (server side
// probe retries) and push-channel clients (reconnects).
type Policy struct {
	Initial    time.Duration `mapstructure:"initial"`
	Max        time.Duration `mapstructure:"max"`
	Multiplier float64       `mapstructure:"multiplier"`
}

// Default starts at one second and doubles up to a 30 second ceiling.
var Default = Policy{
	Initial:    1 * time.Second,
	Max:        30 * time.Second,
	Multiplier: 2,
}

// Normalize fills zero fields from Default.
func (p Policy) Normalize() Policy {
	if p.Initial <= 0 {
		p.Initial = Default.Initial
	}
	if p.Max <= 0 {
		p.Max = Default.Max
	}
	if p.Max < p.Initial {
		p.Max = p.Initial
	}
	if p.Multiplier < 1 {
		p.Multiplier = Default.Multiplier
	}
	return p
}

// Delay returns the wait after the n-th consecutive failure (n >= 1).
// It is deterministic: Initial * Multiplier^(n-1), capped at Max.
func (p Policy) Delay(failures int) time.Duration {
	p = p.Normalize()
	if failures <= 0 {
		return 0
	}

	delay := float64(p.Initial)
	for i := 1; i < failures; i++ {
		delay *= p.Multiplier
		if delay >= float64(p.Max) {
			return p.Max
		}
	}
	return time.Duration(delay)
}

// Backoff is the stateful, jittered form of a Policy used by reconnect
// loops. Not safe for concurrent use.
type Backoff struct {
	policy   Policy
	failures int
	jitter   float64
	rnd      *rand.Rand
}

func New(policy Policy) *Backoff {
	return &Backoff{
		policy: policy.Normalize(),
		jitter: 0.1,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// WithoutJitter disables the +/-10% spread, mostly for tests.
func (b *Backoff) WithoutJitter() *Backoff {
	b.jitter = 0
	return b
}

// Next returns the next backoff duration.
func (b *Backoff) Next() time.Duration {
	b.failures++
	d := b.policy.Delay(b.failures)
	if b.jitter == 0 {
		return d
	}

	spread := b.jitter * float64(d)
	return d + time.Duration(b.rnd.Float64()*2*spread-spread)
}

// Reset resets the backoff to initial state.
func (b *Backoff) Reset() {
	b.failures = 0
}

func (b *Backoff) Failures() int {
	return b.failures
}
