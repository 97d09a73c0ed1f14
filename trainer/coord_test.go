package trainer

import (
	"context"
	"errors"
	"net"
	"reflect"
	"testing"
	"time"

	"asyntrain/checkpoint"
	"asyntrain/learner"
	"asyntrain/params"
	"asyntrain/shm"

	"golang.org/x/sync/errgroup"
)

func attachTest(t *testing.T, m shm.Manifest) (*shm.ParamStore, *shm.GradBuffer) {
	t.Helper()
	ps, err := shm.AttachParamStore(m, 0)
	if err != nil {
		t.Fatalf("attach parameter store: %v", err)
	}
	t.Cleanup(func() { ps.Close() })
	gb, err := shm.AttachGradBuffer(m, 0)
	if err != nil {
		t.Fatalf("attach gradient buffer: %v", err)
	}
	t.Cleanup(func() { gb.Close() })
	return ps, gb
}

func assertDestroyed(t *testing.T, m shm.Manifest) {
	t.Helper()
	all := append(append(append([]shm.Desc{}, m.Vars...), m.TargetVars...), m.Grads...)
	for _, d := range all {
		if _, err := shm.Attach(m.Dir, d.Name); !errors.Is(err, shm.ErrBufferNotFound) {
			t.Errorf("expected %s to be gone but attach returned %v", d.Name, err)
		}
	}
	if _, err := shm.AttachParamStore(m, 0); !errors.Is(err, shm.ErrBufferNotFound) {
		t.Errorf("expected parameter lock to be gone but got %v", err)
	}
}

func quit(t *testing.T, c *Coord, errc <-chan error) {
	t.Helper()
	if _, _, err := c.Do(context.Background(), OP_QUIT); err != nil {
		t.Fatalf("quit: %v", err)
	}
	if err := waitRun(t, errc); err != nil {
		t.Errorf("expected clean exit after quit but got %v", err)
	}
}

func TestBootstrapIsIdempotent(t *testing.T) {
	c := newTestCoord(t, testCoordConfig(t, learner.Options{"target": 1}), nil, nil, nil)
	errc := runCoord(t, c)

	a := dialTest(t, c.ControlAddr(), 0)
	b := dialTest(t, c.ControlAddr(), 1)
	first, err := a.Bootstrap(context.Background())
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	for i, cl := range []*ControlClient{a, b, a} {
		info, err := cl.Bootstrap(context.Background())
		if err != nil {
			t.Fatalf("bootstrap %d: %v", i, err)
		}
		if !reflect.DeepEqual(first, info) {
			t.Errorf("bootstrap %d: expected %+v but got %+v", i, first, info)
		}
	}
	if len(first.Manifest.Vars) != 2 || len(first.Manifest.Grads) != 2 || len(first.Manifest.TargetVars) != 2 {
		t.Errorf("unexpected manifest %+v", first.Manifest)
	}
	if first.Manifest.Vars[1].Name != "test.vars.1" {
		t.Errorf("expected region test.vars.1 but got %s", first.Manifest.Vars[1].Name)
	}

	st, _, err := c.Do(context.Background(), OP_STATUS)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.Step != 0 {
		t.Errorf("expected bootstrap to leave the step counter at 0 but got %d", st.Step)
	}
	quit(t, c, errc)
	assertDestroyed(t, c.Manifest())
}

func TestStepCounterDrivesTargetAndCheckpoints(t *testing.T) {
	cfg := testCoordConfig(t, learner.Options{"target": 1})
	cfg.TargetRefreshInterval = 3
	cfg.CheckpointInterval = 5
	store := checkpoint.NewMemoryStore()
	c := newTestCoord(t, cfg, nil, store, nil)
	var hooked []uint64
	c.stepHook = func(step uint64) { hooked = append(hooked, step) }
	errc := runCoord(t, c)

	ctx := context.Background()
	cl := dialTest(t, c.ControlAddr(), 0)
	ps, gb := attachTest(t, c.Manifest())
	vars, target := params.New(canaryLayout()), params.New(canaryLayout())

	upload := func() {
		if err := cl.UploadGradient(ctx, gb, filled(1)); err != nil {
			t.Fatalf("upload: %v", err)
		}
	}
	expect := func(step uint64, wantVars, wantTarget float32) {
		t.Helper()
		got, err := cl.Step(ctx)
		if err != nil {
			t.Fatalf("step: %v", err)
		}
		if got != step {
			t.Errorf("expected step %d but got %d", step, got)
		}
		if err := ps.Read(ctx, vars, target); err != nil {
			t.Fatalf("read: %v", err)
		}
		if !vars.Equal(filled(wantVars)) {
			t.Errorf("step %d: expected vars %v but got %v", step, wantVars, vars.Tensors[0].Data)
		}
		if !target.Equal(filled(wantTarget)) {
			t.Errorf("step %d: expected target %v but got %v", step, wantTarget, target.Tensors[0].Data)
		}
	}

	upload()
	expect(1, 1.5, 0.5)
	expect(2, 1.5, 0.5)
	expect(3, 1.5, 1.5)
	upload()
	expect(4, 2.5, 1.5)
	expect(5, 2.5, 1.5)
	expect(6, 2.5, 2.5)

	ckpt, ok, err := store.Latest(ctx, "test")
	if err != nil || !ok {
		t.Fatalf("latest checkpoint: ok=%v err=%v", ok, err)
	}
	if ckpt.Step != 5 {
		t.Errorf("expected a checkpoint at step 5 but got %d", ckpt.Step)
	}
	if !ckpt.Params.Equal(filled(2.5)) {
		t.Errorf("checkpoint does not hold the parameters at step 5")
	}

	st, _, _ := c.Do(ctx, OP_STATUS)
	if st.GradientsApplied != 2 || st.LastCheckpoint != 5 {
		t.Errorf("unexpected status %+v", st)
	}
	if !reflect.DeepEqual(hooked, []uint64{1, 2, 3, 4, 5, 6}) {
		t.Errorf("expected steps 1..6 but got %v", hooked)
	}
	quit(t, c, errc)
}

func TestControlListenerFailureIsFatal(t *testing.T) {
	c := newTestCoord(t, testCoordConfig(t, nil), nil, nil, nil)
	errc := runCoord(t, c)

	c.controlListener.Close()
	if err := waitRun(t, errc); !errors.Is(err, net.ErrClosed) {
		t.Errorf("expected the closed control listener to stop the coordinator but got %v", err)
	}
	assertDestroyed(t, c.Manifest())
}

func TestResumeFromCheckpoint(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	saved := filled(7)
	if err := store.Save(context.Background(), checkpoint.Checkpoint{Run: "test", Step: 42, Params: saved, SavedAt: time.Now()}); err != nil {
		t.Fatalf("save: %v", err)
	}
	cfg := testCoordConfig(t, nil)
	cfg.ResumeFromCheckpoint = true
	c := newTestCoord(t, cfg, nil, store, nil)
	errc := runCoord(t, c)

	ps, _ := attachTest(t, c.Manifest())
	vars := params.New(canaryLayout())
	if err := ps.Read(context.Background(), vars, nil); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !vars.Equal(saved) {
		t.Errorf("expected resumed parameters to match the checkpoint")
	}
	if step, err := dialTest(t, c.ControlAddr(), 0).Step(context.Background()); err != nil || step != 43 {
		t.Errorf("expected step 43 after resume but got %d (%v)", step, err)
	}
	quit(t, c, errc)
}

func TestUnknownCommandIsFatal(t *testing.T) {
	c := newTestCoord(t, testCoordConfig(t, nil), nil, nil, nil)
	errc := runCoord(t, c)

	cl := dialTest(t, c.ControlAddr(), 3)
	if _, err := cl.Send(context.Background(), "jump"); err == nil {
		t.Errorf("expected an unknown command to fail")
	}
	if err := waitRun(t, errc); !errors.Is(err, ErrProtocolViolation) {
		t.Errorf("expected a protocol violation but got %v", err)
	}
	assertDestroyed(t, c.Manifest())
}

func TestUpdateRuleFailureIsFatalAndWritesNothing(t *testing.T) {
	c := newTestCoord(t, testCoordConfig(t, learner.Options{"fail": 1}), nil, nil, nil)
	errc := runCoord(t, c)

	ctx := context.Background()
	cl := dialTest(t, c.ControlAddr(), 0)
	ps, gb := attachTest(t, c.Manifest())
	// the reply may lose the race with teardown closing the connection
	err := cl.UploadGradient(ctx, gb, filled(1))
	if !errors.Is(err, ErrUpdateRuleFailure) && !errors.Is(err, ErrCoordinatorLost) {
		t.Errorf("expected an update rule failure but got %v", err)
	}
	if err := waitRun(t, errc); !errors.Is(err, ErrUpdateRuleFailure) {
		t.Errorf("expected the coordinator to stop with an update rule failure but got %v", err)
	}

	// the regions are unlinked but still mapped here
	vars := params.New(canaryLayout())
	if err := ps.Read(ctx, vars, nil); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !vars.Equal(filled(canaryInit)) {
		t.Errorf("parameters changed after a failed update")
	}
	if c.gradientsApplied != 0 {
		t.Errorf("expected no applied gradients but got %d", c.gradientsApplied)
	}
}

func TestCheckpointFailureIsNotFatal(t *testing.T) {
	cfg := testCoordConfig(t, nil)
	cfg.CheckpointInterval = 2
	c := newTestCoord(t, cfg, nil, &failingStore{}, nil)
	errc := runCoord(t, c)

	cl := dialTest(t, c.ControlAddr(), 0)
	for i := 1; i <= 4; i++ {
		if _, err := cl.Step(context.Background()); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}
	st, _, err := c.Do(context.Background(), OP_SAVE)
	if !errors.Is(err, ErrPersistenceFailure) {
		t.Errorf("expected a persistence failure but got %v", err)
	}
	if st.Step != 4 || st.LastCheckpoint != 0 || st.LastCheckpointError == "" {
		t.Errorf("unexpected status %+v", st)
	}
	quit(t, c, errc)
}

func TestGradientUploadsAreExclusive(t *testing.T) {
	c := newTestCoord(t, testCoordConfig(t, nil), nil, nil, nil)
	errc := runCoord(t, c)

	const uploaders, rounds = 6, 40
	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < uploaders; i++ {
		id := uint32(i)
		g.Go(func() error {
			cl, err := DialControl(ctx, c.ControlAddr(), id, 5*time.Second, 10*time.Second)
			if err != nil {
				return err
			}
			defer cl.Close()
			gb, err := shm.AttachGradBuffer(c.Manifest(), 0)
			if err != nil {
				return err
			}
			defer gb.Close()
			for r := 0; r < rounds; r++ {
				if err := cl.UploadGradient(ctx, gb, filled(float32(id+1))); err != nil {
					return err
				}
				if _, err := cl.Step(ctx); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("uploader failed: %v", err)
	}

	st, grad, err := c.Do(context.Background(), OP_GRAD)
	if err != nil {
		t.Fatalf("grad: %v", err)
	}
	if st.GradientsApplied != uploaders*rounds {
		t.Errorf("expected %d applied gradients but got %d", uploaders*rounds, st.GradientsApplied)
	}
	if grad == nil || checkCanary(grad) != nil {
		t.Errorf("last applied gradient is missing or torn: %v", grad)
	}
	quit(t, c, errc)
}

// A worker that gives up on a slow upload releases the Gradient Lock while its
// request is still queued behind a busy loop. That request must not be applied
// to the gradient the next worker stages.
func TestAbandonedUploadIsNotApplied(t *testing.T) {
	c := newTestCoord(t, testCoordConfig(t, nil), nil, nil, nil)
	entered, release := make(chan struct{}), make(chan struct{})
	c.stepHook = func(step uint64) {
		if step == 1 {
			close(entered)
			<-release
		}
	}
	errc := runCoord(t, c)
	ctx := context.Background()

	busy := dialTest(t, c.ControlAddr(), 9)
	stepped := make(chan error, 1)
	go func() {
		_, err := busy.Step(ctx)
		stepped <- err
	}()
	<-entered

	impatient, err := DialControl(ctx, c.ControlAddr(), 1, 5*time.Second, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer impatient.Close()
	_, gbA := attachTest(t, c.Manifest())
	if err := impatient.UploadGradient(ctx, gbA, filled(1)); !errors.Is(err, ErrCallTimeout) {
		t.Fatalf("expected ErrCallTimeout but got %v", err)
	}

	patient := dialTest(t, c.ControlAddr(), 2)
	_, gbB := attachTest(t, c.Manifest())
	uploaded := make(chan error, 1)
	go func() { uploaded <- patient.UploadGradient(ctx, gbB, filled(2)) }()
	// let the second request queue behind the abandoned one
	time.Sleep(200 * time.Millisecond)
	close(release)

	for _, ch := range []chan error{stepped, uploaded} {
		select {
		case err := <-ch:
			if err != nil {
				t.Fatalf("expected success but got %v", err)
			}
		case <-time.After(10 * time.Second):
			t.Fatalf("command did not complete")
		}
	}

	st, grad, err := c.Do(ctx, OP_GRAD)
	if err != nil {
		t.Fatalf("grad: %v", err)
	}
	if st.GradientsApplied != 1 {
		t.Errorf("expected 1 applied gradient but got %d", st.GradientsApplied)
	}
	if grad == nil || !grad.Equal(filled(2)) {
		t.Errorf("expected the staged gradient 2 to be applied but got %v", grad)
	}
	quit(t, c, errc)
}

func TestScenarioFourWorkers(t *testing.T) {
	cfg := testCoordConfig(t, learner.Options{"target": 1})
	cfg.WorkerCount = 4
	cfg.GradientUploadInterval = 5
	cfg.HeartbeatListenAddr = HeartbeatAuto

	launcher := NewGoroutineLauncher(func(ctx context.Context, id uint32, addr string) error {
		return NewWorker(WorkerConfig{WorkerId: id, CoordAddr: addr}).Run(ctx)
	})
	c := newTestCoord(t, cfg, launcher, nil, nil)

	reached := make(chan struct{})
	var targetMatches bool
	c.stepHook = func(step uint64) {
		if step != 1000 {
			return
		}
		vars, target := params.New(canaryLayout()), params.New(canaryLayout())
		if err := c.paramStore.Read(context.Background(), vars, target); err == nil {
			targetMatches = vars.Equal(target) && vars.Equal(c.vars)
		}
		close(reached)
	}
	errc := runCoord(t, c)

	select {
	case <-reached:
	case err := <-errc:
		t.Fatalf("coordinator stopped before step 1000: %v", err)
	case <-time.After(30 * time.Second):
		t.Fatalf("step 1000 was not reached")
	}
	if !targetMatches {
		t.Errorf("expected target to equal vars at step 1000")
	}

	quit(t, c, errc)
	if n := launcher.Running(); n != 0 {
		t.Errorf("expected every worker to have exited but %d are running", n)
	}
	for id, err := range launcher.Exits() {
		if err != nil {
			t.Errorf("worker %d exited with %v", id, err)
		}
	}
	if len(launcher.Exits()) != 4 {
		t.Errorf("expected 4 worker exits but got %d", len(launcher.Exits()))
	}
	assertDestroyed(t, c.Manifest())
}

func TestCancelTearsDown(t *testing.T) {
	c := newTestCoord(t, testCoordConfig(t, nil), nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- c.Run(ctx) }()
	<-c.Ready()
	cancel()
	if err := waitRun(t, errc); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled but got %v", err)
	}
	assertDestroyed(t, c.Manifest())
	if _, _, err := c.Do(context.Background(), OP_STATUS); !errors.Is(err, ErrShutdown) {
		t.Errorf("expected ErrShutdown after teardown but got %v", err)
	}
}
