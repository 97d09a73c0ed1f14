package linreg

import (
	"math"
	"math/rand"

	"asyntrain/learner"
)

const priorityEpsilon = 1e-3

// Replay is a fixed size ring buffer of samples drawn with probability
// proportional to priority^alpha.
type Replay struct {
	capacity  int
	minSize   int
	batchSize int
	alpha     float64
	beta      float64
	rand      *rand.Rand

	samples    []Sample
	priorities []float64
	next       int
	maxPrio    float64
}

type Sample struct {
	X []float32
	Y []float32
}

func NewReplay(capacity, minSize, batchSize int, alpha, beta float64, r *rand.Rand) *Replay {
	return &Replay{
		capacity:  capacity,
		minSize:   minSize,
		batchSize: batchSize,
		alpha:     alpha,
		beta:      beta,
		rand:      r,
		maxPrio:   1,
	}
}

func (r *Replay) Len() int { return len(r.samples) }

// Add stores s with the highest priority seen so far, so new samples are
// trained on at least once soon.
func (r *Replay) Add(s Sample) {
	if len(r.samples) < r.capacity {
		r.samples = append(r.samples, s)
		r.priorities = append(r.priorities, r.maxPrio)
		return
	}
	r.samples[r.next] = s
	r.priorities[r.next] = r.maxPrio
	r.next = (r.next + 1) % r.capacity
}

func (r *Replay) Sample() (learner.Batch, bool) {
	n := len(r.samples)
	if n < r.minSize {
		return learner.Batch{}, false
	}

	weights := make([]float64, n)
	total := 0.0
	for i, p := range r.priorities {
		weights[i] = math.Pow(p, r.alpha)
		total += weights[i]
	}

	b := learner.Batch{
		Indices: make([]int, r.batchSize),
		Weights: make([]float32, r.batchSize),
	}
	data := make([]Sample, r.batchSize)
	maxW := 0.0
	isw := make([]float64, r.batchSize)
	for k := 0; k < r.batchSize; k++ {
		u := r.rand.Float64() * total
		idx := n - 1
		for i, w := range weights {
			if u < w {
				idx = i
				break
			}
			u -= w
		}
		b.Indices[k] = idx
		data[k] = r.samples[idx]
		isw[k] = math.Pow(float64(n)*weights[idx]/total, -r.beta)
		if isw[k] > maxW {
			maxW = isw[k]
		}
	}
	for k := range isw {
		b.Weights[k] = float32(isw[k] / maxW)
	}
	b.Data = data
	return b, true
}

func (r *Replay) UpdatePriorities(b learner.Batch, errs []float32) {
	for k, idx := range b.Indices {
		if k >= len(errs) || idx >= len(r.priorities) {
			return
		}
		p := math.Abs(float64(errs[k])) + priorityEpsilon
		if math.IsNaN(p) || math.IsInf(p, 0) {
			continue
		}
		r.priorities[idx] = p
		if p > r.maxPrio {
			r.maxPrio = p
		}
	}
}

func (r *Replay) Priority(idx int) float64 { return r.priorities[idx] }
