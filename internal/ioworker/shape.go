// Package ioworker implements the driver's hot path: one OS-pinned
// goroutine that owns a single Qpair with a deferred doorbell policy and
// loops submit/reap against it for a duration, command count, or LBA
// count, shaping the mix of opcodes, sizes, and LBA regions, throttling
// to a target IOPS, and recording per-command microsecond latency.
// Generalized from a queue.Runner.ioLoop shape that did the same
// one-goroutine-per-queue, LockOSThread-plus-affinity, batch-then-ring
// loop against ublk's fixed FETCH_REQ/COMMIT_AND_FETCH_REQ shape.
package ioworker

import "math/rand"

// IoShape is the sum type io_size is modeled as: a fixed LBA
// count, a weighted discrete choice, or an inclusive range.
type IoShape struct {
	fixed  int
	choice []WeightedSize
	lo, hi int
	kind   shapeKind
}

type shapeKind int

const (
	shapeFixed shapeKind = iota
	shapeChoice
	shapeRange
)

// WeightedSize pairs an LBA count with its relative selection weight.
type WeightedSize struct {
	NLB    int
	Weight int
}

// Fixed returns an IoShape that always yields n.
func Fixed(n int) IoShape { return IoShape{kind: shapeFixed, fixed: n} }

// Choice returns an IoShape that picks among sizes per their weights.
func Choice(sizes []WeightedSize) IoShape { return IoShape{kind: shapeChoice, choice: sizes} }

// Range returns an IoShape that picks uniformly from [lo, hi] inclusive.
func Range(lo, hi int) IoShape { return IoShape{kind: shapeRange, lo: lo, hi: hi} }

// Pick draws one LBA count from the shape using src.
func (s IoShape) Pick(src *rand.Rand) int {
	switch s.kind {
	case shapeFixed:
		return s.fixed
	case shapeRange:
		if s.hi <= s.lo {
			return s.lo
		}
		return s.lo + src.Intn(s.hi-s.lo+1)
	case shapeChoice:
		total := 0
		for _, w := range s.choice {
			total += w.Weight
		}
		if total == 0 {
			return 0
		}
		r := src.Intn(total)
		for _, w := range s.choice {
			if r < w.Weight {
				return w.NLB
			}
			r -= w.Weight
		}
		return s.choice[len(s.choice)-1].NLB
	default:
		return 1
	}
}

// OpWeights is an opcode->weight map normalized to 100 at construction.
// ReadPercentage is sugar for {Read: p, Write: 100-p}.
type OpWeights map[string]int

// ReadPercentage builds the {Read, Write} shorthand op_percentage.
func ReadPercentage(p int) OpWeights {
	if p < 0 {
		p = 0
	}
	if p > 100 {
		p = 100
	}
	return OpWeights{"read": p, "write": 100 - p}
}

// Pick draws one opcode name from the weights using src.
func (w OpWeights) Pick(src *rand.Rand) string {
	total := 0
	for _, v := range w {
		total += v
	}
	if total == 0 {
		return "read"
	}
	r := src.Intn(total)
	// Map iteration order is randomized in Go; for deterministic draws
	// across a fixed seed, sort keys.
	keys := make([]string, 0, len(w))
	for k := range w {
		keys = append(keys, k)
	}
	sortStrings(keys)
	for _, k := range keys {
		v := w[k]
		if r < v {
			return k
		}
		r -= v
	}
	return keys[len(keys)-1]
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}
