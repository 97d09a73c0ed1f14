// Package learner defines the capabilities the trainer needs from a model:
// an environment to act in, a source of training batches, a gradient oracle
// and an update rule. The trainer never looks inside any of them.
package learner

import (
	"fmt"
	"sort"
	"sync"

	"asyntrain/params"
)

// Batch is a sample of experience. Indices and Weights are owned by the
// ExperienceSource that produced the batch; Data is opaque to the trainer.
type Batch struct {
	Indices []int
	Weights []float32
	Data    interface{}
}

func (b Batch) Len() int { return len(b.Indices) }

type Environment interface {
	StartEpisode()
	// Step advances the current episode by one decision using vars and
	// reports whether the episode is still running.
	Step(vars *params.Vector) (inEpisode bool, err error)
}

type ExperienceSource interface {
	// Sample returns false while there is not enough experience to train on.
	Sample() (Batch, bool)
	UpdatePriorities(b Batch, errs []float32)
}

type GradientOracle interface {
	// ComputeGradient returns a gradient with the layout of vars and one
	// error per sample in b. An empty batch yields a zero gradient.
	ComputeGradient(b Batch, vars, target *params.Vector) (*params.Vector, []float32, error)
}

// UpdateRule turns the current parameters and a gradient into new
// parameters. Optimizer state is created on first use and reused.
type UpdateRule interface {
	ApplyUpdate(vars, grad *params.Vector) (*params.Vector, error)
}

// Agent is everything a worker runs.
type Agent interface {
	Environment
	ExperienceSource
	GradientOracle
}

type Model interface {
	Layout() params.Layout
	InitialParams() *params.Vector
	HasTarget() bool
	NewUpdateRule() UpdateRule
	NewAgent(seed int64) Agent
}

// Options are model specific settings, taken verbatim from the config file.
type Options map[string]float64

// Get returns the option or def when it is not set.
func (o Options) Get(key string, def float64) float64 {
	if v, ok := o[key]; ok {
		return v
	}
	return def
}

type Factory func(opts Options) (Model, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register makes a model available by name. It panics on duplicates.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic("learner: model registered twice: " + name)
	}
	registry[name] = f
}

func New(name string, opts Options) (Model, error) {
	registryMu.RLock()
	f, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown model %q (have %v)", name, Names())
	}
	return f(opts)
}

func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
