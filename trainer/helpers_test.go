package trainer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/rpc"
	"testing"
	"time"

	"asyntrain/checkpoint"
	"asyntrain/learner"
	"asyntrain/params"
)

const canaryModelName = "canary"

func init() {
	learner.Register(canaryModelName, func(opts learner.Options) (learner.Model, error) {
		return &canaryModel{
			target:  opts.Get("target", 0) != 0,
			fail:    opts.Get("fail", 0) != 0,
			episode: int(opts.Get("episode_length", 7)),
		}, nil
	})
}

// canaryModel stages gradients whose elements all carry the same value, so a
// gradient mixed from two uploads is detected by its update rule. Every
// applied gradient adds one to each parameter.
type canaryModel struct {
	target  bool
	fail    bool
	episode int
}

const canaryInit = float32(0.5)

func canaryLayout() params.Layout {
	return params.Layout{
		{Name: "b", Shape: []int{4}, DType: params.Float32},
		{Name: "w", Shape: []int{4, 2}, DType: params.Float32},
	}
}

func (m *canaryModel) Layout() params.Layout { return canaryLayout() }

func (m *canaryModel) InitialParams() *params.Vector {
	v := params.New(canaryLayout())
	v.Fill(canaryInit)
	return v
}

func (m *canaryModel) HasTarget() bool { return m.target }

func (m *canaryModel) NewUpdateRule() learner.UpdateRule { return &canaryRule{fail: m.fail} }

func (m *canaryModel) NewAgent(seed int64) learner.Agent {
	return &canaryAgent{value: float32(seed%97 + 1), episode: m.episode}
}

type canaryRule struct {
	fail bool
}

func (r *canaryRule) ApplyUpdate(vars, grad *params.Vector) (*params.Vector, error) {
	if r.fail {
		return nil, errors.New("canary rule refuses every gradient")
	}
	if !grad.Layout().Equal(vars.Layout()) {
		return nil, params.ErrLayoutMismatch
	}
	if err := checkCanary(grad); err != nil {
		return nil, err
	}
	next := vars.Clone()
	for i := range next.Tensors {
		for j := range next.Tensors[i].Data {
			next.Tensors[i].Data[j]++
		}
	}
	return next, nil
}

func checkCanary(grad *params.Vector) error {
	first := grad.Tensors[0].Data[0]
	for _, t := range grad.Tensors {
		for j, x := range t.Data {
			if x != first {
				return fmt.Errorf("torn gradient: %s[%d] is %v, expected %v", t.Name, j, x, first)
			}
		}
	}
	return nil
}

type canaryAgent struct {
	value   float32
	episode int
	t       int
}

func (a *canaryAgent) StartEpisode() { a.t = 0 }

func (a *canaryAgent) Step(vars *params.Vector) (bool, error) {
	a.t++
	return a.t < a.episode, nil
}

func (a *canaryAgent) Sample() (learner.Batch, bool) { return learner.Batch{}, false }

func (a *canaryAgent) UpdatePriorities(learner.Batch, []float32) {}

func (a *canaryAgent) ComputeGradient(_ learner.Batch, vars, _ *params.Vector) (*params.Vector, []float32, error) {
	grad := params.New(vars.Layout())
	grad.Fill(a.value)
	return grad, nil, nil
}

func testCoordConfig(t *testing.T, opts learner.Options) CoordConfig {
	return CoordConfig{
		ShmDir:                 t.TempDir(),
		Session:                "test",
		TargetRefreshInterval:  1000,
		CheckpointInterval:     1000000,
		GradientUploadInterval: 5,
		WorkerStopTimeoutMs:    5000,
		Checkpoint:             checkpoint.Config{Kind: "memory"},
		Model:                  ModelConfig{Name: canaryModelName, Options: opts},
	}
}

func newTestCoord(t *testing.T, cfg CoordConfig, launcher Launcher, store checkpoint.Store, console *Console) *Coord {
	t.Helper()
	c, err := NewCoord(cfg, launcher, store, console)
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	return c
}

// runCoord starts c and waits until it is serving. The coordinator is
// cancelled when the test ends.
func runCoord(t *testing.T, c *Coord) <-chan error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	errc := make(chan error, 1)
	go func() { errc <- c.Run(ctx) }()
	select {
	case <-c.Ready():
	case err := <-errc:
		t.Fatalf("coordinator failed to start: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatalf("coordinator did not start")
	}
	return errc
}

func waitRun(t *testing.T, errc <-chan error) error {
	t.Helper()
	select {
	case err := <-errc:
		return err
	case <-time.After(20 * time.Second):
		t.Fatalf("coordinator did not stop")
		return nil
	}
}

func dialTest(t *testing.T, addr string, id uint32) *ControlClient {
	t.Helper()
	cl, err := DialControl(context.Background(), addr, id, 5*time.Second, 10*time.Second)
	if err != nil {
		t.Fatalf("dial %s: %v", addr, err)
	}
	t.Cleanup(func() { cl.Close() })
	return cl
}

func filled(x float32) *params.Vector {
	v := params.New(canaryLayout())
	v.Fill(x)
	return v
}

// fakeCoord answers control commands with a canned handler.
type fakeCoord struct {
	handle func(msg CommandMsg) (CommandReply, error)
}

func (f *fakeCoord) Command(msg CommandMsg, reply *CommandReply) error {
	r, err := f.handle(msg)
	*reply = r
	return err
}

func serveFake(t *testing.T, handle func(msg CommandMsg) (CommandReply, error)) string {
	t.Helper()
	server := rpc.NewServer()
	if err := server.RegisterName("Coord", &fakeCoord{handle: handle}); err != nil {
		t.Fatalf("register: %v", err)
	}
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { lis.Close() })
	go server.Accept(lis)
	return lis.Addr().String()
}

// failingStore accepts Init but refuses every save.
type failingStore struct {
	checkpoint.MemoryStore
}

func (s *failingStore) Save(context.Context, checkpoint.Checkpoint) error {
	return errors.New("disk full")
}
