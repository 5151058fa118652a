// Package rng is the isolated pseudo-random source owned by each tickable.
//
// Every draw advances a single 64-bit state, so the whole generator can be
// saved, restored and checkpointed as one integer.
package rng

const golden = 0x9e3779b97f4a7c15

type Rand struct {
	state uint64
	tap   func()
}

func New(seed uint64) *Rand {
	return &Rand{state: seed}
}

// SetTap installs a hook that runs before every draw. A nil tap removes it.
func (r *Rand) SetTap(tap func()) { r.tap = tap }

func (r *Rand) State() uint64 { return r.state }

func (r *Rand) SetState(s uint64) { r.state = s }

// Checkpoint projects the state onto 32 bits for the sync ledger.
func (r *Rand) Checkpoint() uint32 {
	return uint32(r.state) ^ uint32(r.state>>32)
}

// Uint64 is a splitmix64 step.
func (r *Rand) Uint64() uint64 {
	if r.tap != nil {
		r.tap()
	}
	r.state += golden
	z := r.state
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}

// Intn returns a value in [0,n). n <= 0 returns 0 without drawing.
func (r *Rand) Intn(n int) int {
	if n <= 0 {
		return 0
	}
	return int(r.Uint64() % uint64(n))
}

// Float64 returns a value in [0,1).
func (r *Rand) Float64() float64 {
	return float64(r.Uint64()>>11) / (1 << 53)
}

// Chance reports whether a draw lands under p.
func (r *Rand) Chance(p float64) bool {
	return r.Float64() < p
}

// Derive returns a seed for a child generator without disturbing r.
func Derive(seed uint64, id int32) uint64 {
	z := seed + golden*uint64(uint32(id)+1)
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}
