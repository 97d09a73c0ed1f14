package linreg

import (
	"fmt"
	"math"
	"math/rand"

	"asyntrain/learner"
	"asyntrain/params"
)

// Agent observes samples of the true function, one per step, and computes
// gradients against its replay buffer.
type Agent struct {
	model  *Model
	rand   *rand.Rand
	replay *Replay
	t      int
}

func (a *Agent) StartEpisode() { a.t = 0 }

func (a *Agent) Step(vars *params.Vector) (bool, error) {
	if !vars.Layout().Equal(a.model.layout) {
		return false, params.ErrLayoutMismatch
	}
	cfg := a.model.cfg
	x := make([]float32, cfg.Inputs)
	for i := range x {
		x[i] = float32(a.rand.NormFloat64())
	}
	y := a.model.truth(x)
	for j := range y {
		y[j] += float32(a.rand.NormFloat64() * cfg.Noise)
	}
	a.replay.Add(Sample{X: x, Y: y})
	a.t++
	return a.t < cfg.EpisodeLength, nil
}

func (a *Agent) Sample() (learner.Batch, bool) { return a.replay.Sample() }

func (a *Agent) UpdatePriorities(b learner.Batch, errs []float32) {
	a.replay.UpdatePriorities(b, errs)
}

// ComputeGradient differentiates the importance weighted mean squared error
// plus TargetPull/2 * |vars - target|^2, then clips the result to GradClip by
// global norm.
func (a *Agent) ComputeGradient(b learner.Batch, vars, target *params.Vector) (*params.Vector, []float32, error) {
	layout := a.model.layout
	if !vars.Layout().Equal(layout) {
		return nil, nil, fmt.Errorf("linreg: vars: %w", params.ErrLayoutMismatch)
	}
	grad := params.New(layout)
	if b.Len() == 0 {
		return grad, nil, nil
	}
	samples, ok := b.Data.([]Sample)
	if !ok || len(samples) != b.Len() || len(b.Weights) != b.Len() {
		return nil, nil, fmt.Errorf("linreg: malformed batch of %d samples", b.Len())
	}

	cfg := a.model.cfg
	out := cfg.Outputs
	gb := grad.Tensors[0].Data
	gw := grad.Tensors[1].Data
	errs := make([]float32, len(samples))
	n := float32(len(samples))
	for k, s := range samples {
		pred := predict(vars, s.X, out)
		w := b.Weights[k] / n
		abs := float32(0)
		for j := range pred {
			e := pred[j] - s.Y[j]
			abs += float32(math.Abs(float64(e)))
			gb[j] += w * e
			for i, xi := range s.X {
				gw[i*out+j] += w * e * xi
			}
		}
		errs[k] = abs / float32(out)
	}

	if target != nil && cfg.TargetPull > 0 {
		if !target.Layout().Equal(layout) {
			return nil, nil, fmt.Errorf("linreg: target: %w", params.ErrLayoutMismatch)
		}
		pull := float32(cfg.TargetPull)
		for ti := range grad.Tensors {
			g := grad.Tensors[ti].Data
			v := vars.Tensors[ti].Data
			tg := target.Tensors[ti].Data
			for i := range g {
				g[i] += pull * (v[i] - tg[i])
			}
		}
	}

	if cfg.GradClip > 0 {
		if norm := grad.Norm(); norm > cfg.GradClip {
			scale := float32(cfg.GradClip / norm)
			for _, t := range grad.Tensors {
				for i := range t.Data {
					t.Data[i] *= scale
				}
			}
		}
	}
	return grad, errs, nil
}
