// Package linreg is a small learner used to drive the trainer without an ML
// framework: each worker observes noisy samples of a fixed linear function
// and the model regresses onto it.
package linreg

import (
	"fmt"
	"math/rand"

	"asyntrain/learner"
	"asyntrain/params"
)

const Name = "linreg"

func init() {
	learner.Register(Name, func(opts learner.Options) (learner.Model, error) {
		return New(ConfigFromOptions(opts))
	})
}

type Config struct {
	Inputs         int
	Outputs        int
	EpisodeLength  int
	Noise          float64
	TaskSeed       int64
	InitScale      float64
	WithTarget     bool
	TargetPull     float64 // weight of the pull towards the target parameters
	ReplayCapacity int
	MinReplay      int
	BatchSize      int
	Alpha          float64 // prioritization exponent
	Beta           float64 // importance sampling exponent
	GradClip       float64 // global norm bound, 0 disables clipping
	LearningRate   float64
	Momentum       float64
}

func ConfigFromOptions(o learner.Options) Config {
	batch := int(o.Get("batch_size", 16))
	return Config{
		Inputs:         int(o.Get("inputs", 4)),
		Outputs:        int(o.Get("outputs", 2)),
		EpisodeLength:  int(o.Get("episode_length", 20)),
		Noise:          o.Get("noise", 0.01),
		TaskSeed:       int64(o.Get("task_seed", 1)),
		InitScale:      o.Get("init_scale", 0.1),
		WithTarget:     o.Get("target", 1) != 0,
		TargetPull:     o.Get("target_pull", 0.01),
		ReplayCapacity: int(o.Get("replay_capacity", 1000)),
		MinReplay:      int(o.Get("min_replay", float64(batch))),
		BatchSize:      batch,
		Alpha:          o.Get("alpha", 0.6),
		Beta:           o.Get("beta", 0.4),
		GradClip:       o.Get("grad_clip", 1),
		LearningRate:   o.Get("learning_rate", 0.05),
		Momentum:       o.Get("momentum", 0.9),
	}
}

// Model predicts y = x·W + b.
type Model struct {
	cfg    Config
	layout params.Layout
	trueW  []float64
	trueB  []float64
}

func New(cfg Config) (*Model, error) {
	switch {
	case cfg.Inputs <= 0 || cfg.Outputs <= 0:
		return nil, fmt.Errorf("linreg: inputs and outputs must be positive, got %d and %d", cfg.Inputs, cfg.Outputs)
	case cfg.EpisodeLength <= 0:
		return nil, fmt.Errorf("linreg: episode length must be positive, got %d", cfg.EpisodeLength)
	case cfg.BatchSize <= 0 || cfg.ReplayCapacity < cfg.BatchSize:
		return nil, fmt.Errorf("linreg: need 0 < batch size (%d) <= replay capacity (%d)", cfg.BatchSize, cfg.ReplayCapacity)
	case cfg.MinReplay > cfg.ReplayCapacity:
		return nil, fmt.Errorf("linreg: min replay %d exceeds capacity %d", cfg.MinReplay, cfg.ReplayCapacity)
	case cfg.LearningRate <= 0:
		return nil, fmt.Errorf("linreg: learning rate must be positive, got %v", cfg.LearningRate)
	}
	if cfg.MinReplay < cfg.BatchSize {
		cfg.MinReplay = cfg.BatchSize
	}

	m := &Model{
		cfg: cfg,
		layout: params.Layout{
			{Name: "b", Shape: []int{cfg.Outputs}, DType: params.Float32},
			{Name: "w", Shape: []int{cfg.Inputs, cfg.Outputs}, DType: params.Float32},
		},
	}
	r := rand.New(rand.NewSource(cfg.TaskSeed))
	m.trueW = make([]float64, cfg.Inputs*cfg.Outputs)
	for i := range m.trueW {
		m.trueW[i] = r.NormFloat64()
	}
	m.trueB = make([]float64, cfg.Outputs)
	for i := range m.trueB {
		m.trueB[i] = r.NormFloat64()
	}
	return m, nil
}

func (m *Model) Config() Config { return m.cfg }

func (m *Model) Layout() params.Layout { return m.layout }

func (m *Model) HasTarget() bool { return m.cfg.WithTarget }

func (m *Model) InitialParams() *params.Vector {
	v := params.New(m.layout)
	r := rand.New(rand.NewSource(m.cfg.TaskSeed + 1))
	for _, t := range v.Tensors {
		for i := range t.Data {
			t.Data[i] = float32(r.NormFloat64() * m.cfg.InitScale)
		}
	}
	return v
}

func (m *Model) NewUpdateRule() learner.UpdateRule {
	return &SGD{LearningRate: m.cfg.LearningRate, Momentum: m.cfg.Momentum}
}

func (m *Model) NewAgent(seed int64) learner.Agent {
	r := rand.New(rand.NewSource(seed))
	return &Agent{
		model:  m,
		rand:   r,
		replay: NewReplay(m.cfg.ReplayCapacity, m.cfg.MinReplay, m.cfg.BatchSize, m.cfg.Alpha, m.cfg.Beta, r),
	}
}

// Loss is the mean squared error of vars over n fresh noiseless samples.
func (m *Model) Loss(vars *params.Vector, n int, seed int64) (float64, error) {
	if !vars.Layout().Equal(m.layout) {
		return 0, params.ErrLayoutMismatch
	}
	r := rand.New(rand.NewSource(seed))
	x := make([]float32, m.cfg.Inputs)
	total := 0.0
	for s := 0; s < n; s++ {
		for i := range x {
			x[i] = float32(r.NormFloat64())
		}
		y := m.truth(x)
		pred := predict(vars, x, m.cfg.Outputs)
		for j := range y {
			d := float64(pred[j] - y[j])
			total += d * d
		}
	}
	return total / float64(n*m.cfg.Outputs), nil
}

func (m *Model) truth(x []float32) []float32 {
	out := m.cfg.Outputs
	y := make([]float32, out)
	for j := 0; j < out; j++ {
		s := m.trueB[j]
		for i, xi := range x {
			s += float64(xi) * m.trueW[i*out+j]
		}
		y[j] = float32(s)
	}
	return y
}

// predict assumes vars has the model layout: b first, then w.
func predict(vars *params.Vector, x []float32, out int) []float32 {
	b := vars.Tensors[0].Data
	w := vars.Tensors[1].Data
	y := make([]float32, out)
	copy(y, b)
	for i, xi := range x {
		row := w[i*out : (i+1)*out]
		for j := range y {
			y[j] += xi * row[j]
		}
	}
	return y
}
