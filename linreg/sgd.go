package linreg

import (
	"fmt"
	"math"

	"asyntrain/params"
)

// SGD is stochastic gradient descent with classical momentum. The velocity
// is allocated on the first update and kept for the life of the rule.
type SGD struct {
	LearningRate float64
	Momentum     float64

	velocity *params.Vector
	steps    uint64
}

func (s *SGD) ApplyUpdate(vars, grad *params.Vector) (*params.Vector, error) {
	if !grad.Layout().Equal(vars.Layout()) {
		return nil, fmt.Errorf("gradient layout %v does not match parameters %v: %w",
			grad.Layout(), vars.Layout(), params.ErrLayoutMismatch)
	}
	for _, t := range grad.Tensors {
		for i, g := range t.Data {
			if math.IsNaN(float64(g)) || math.IsInf(float64(g), 0) {
				return nil, fmt.Errorf("gradient %s[%d] is not finite: %v", t.Name, i, g)
			}
		}
	}
	if s.velocity == nil {
		s.velocity = params.New(vars.Layout())
	} else if !s.velocity.Layout().Equal(vars.Layout()) {
		return nil, fmt.Errorf("optimizer state: %w", params.ErrLayoutMismatch)
	}

	mu := float32(s.Momentum)
	lr := float32(s.LearningRate)
	next := vars.Clone()
	for ti := range next.Tensors {
		v := s.velocity.Tensors[ti].Data
		g := grad.Tensors[ti].Data
		p := next.Tensors[ti].Data
		for i := range p {
			v[i] = mu*v[i] + g[i]
			p[i] -= lr * v[i]
		}
	}
	s.steps++
	return next, nil
}

// Steps is the number of updates applied so far.
func (s *SGD) Steps() uint64 { return s.steps }
