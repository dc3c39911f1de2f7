package sched

import "math/rand"

// maxSpan bounds delete and clone/insert span lengths.
const maxSpan = 32

// Mutator applies one randomly chosen operator per child. All randomness
// comes from a single generator so a fixed seed reproduces a campaign's
// mutation sequence.
type Mutator struct {
	rng *rand.Rand
}

func NewMutator(seed int64) *Mutator {
	return &Mutator{rng: rand.New(rand.NewSource(seed))}
}

// Mutate copies the input and applies exactly one operator:
// bit flip 30%, byte replace 20%, delete span 25%, clone/insert span 25%.
// An empty input degenerates to a byte replace on a one-byte buffer.
// The result is never empty.
func (m *Mutator) Mutate(data []byte) []byte {
	if len(data) == 0 {
		return []byte{byte(m.rng.Intn(256))}
	}

	out := append([]byte(nil), data...)
	switch p := m.rng.Intn(100); {
	case p < 30:
		out = m.bitFlip(out)
	case p < 50:
		out = m.byteReplace(out)
	case p < 75:
		out = m.deleteSpan(out)
	default:
		out = m.cloneSpan(out)
	}
	return out
}

func (m *Mutator) bitFlip(out []byte) []byte {
	pos := m.rng.Intn(len(out))
	out[pos] ^= 1 << m.rng.Intn(8)
	return out
}

func (m *Mutator) byteReplace(out []byte) []byte {
	pos := m.rng.Intn(len(out))
	out[pos] = byte(m.rng.Intn(256))
	return out
}

// deleteSpan removes a contiguous span, keeping at least one byte. On a
// one-byte input it degenerates to a byte replace.
func (m *Mutator) deleteSpan(out []byte) []byte {
	if len(out) == 1 {
		return m.byteReplace(out)
	}
	start := m.rng.Intn(len(out))
	max := len(out) - start
	if max > maxSpan {
		max = maxSpan
	}
	if max > len(out)-1 {
		max = len(out) - 1
	}
	length := 1 + m.rng.Intn(max)
	return append(out[:start], out[start+length:]...)
}

// cloneSpan copies a random span of the input and inserts it at a random
// destination.
func (m *Mutator) cloneSpan(out []byte) []byte {
	max := len(out)
	if max > maxSpan {
		max = maxSpan
	}
	length := 1 + m.rng.Intn(max)
	src := m.rng.Intn(len(out) - length + 1)
	chunk := append([]byte(nil), out[src:src+length]...)
	dst := m.rng.Intn(len(out) + 1)

	grown := make([]byte, 0, len(out)+length)
	grown = append(grown, out[:dst]...)
	grown = append(grown, chunk...)
	grown = append(grown, out[dst:]...)
	return grown
}
