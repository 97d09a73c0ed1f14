package trainer

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"asyntrain/learner"
	"asyntrain/shm"
)

func runWorker(t *testing.T, cfg WorkerConfig) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return NewWorker(cfg).Run(ctx)
}

func fakeBootstrap(m shm.Manifest, opts learner.Options) *BootstrapInfo {
	return &BootstrapInfo{
		Session:                "fake",
		Manifest:               m,
		Model:                  ModelConfig{Name: canaryModelName, Options: opts},
		GradientUploadInterval: 2,
	}
}

func TestWorkerMissingBuffers(t *testing.T) {
	m := shm.NewManifest(t.TempDir(), "fake", canaryLayout(), false)
	addr := serveFake(t, func(msg CommandMsg) (CommandReply, error) {
		return CommandReply{Ack: true, Bootstrap: fakeBootstrap(m, nil)}, nil
	})
	err := runWorker(t, WorkerConfig{WorkerId: 1, CoordAddr: addr})
	if !errors.Is(err, ErrBufferNotFound) {
		t.Errorf("expected ErrBufferNotFound but got %v", err)
	}
}

func TestWorkerMalformedBootstrap(t *testing.T) {
	m := shm.NewManifest(t.TempDir(), "fake", canaryLayout(), false)
	cases := map[string]*BootstrapInfo{
		"empty": nil,
		"no grads": func() *BootstrapInfo {
			b := fakeBootstrap(m, nil)
			b.Manifest.Grads = nil
			return b
		}(),
		"unknown model": func() *BootstrapInfo {
			b := fakeBootstrap(m, nil)
			b.Model.Name = "mystery"
			return b
		}(),
		"zero interval": func() *BootstrapInfo {
			b := fakeBootstrap(m, nil)
			b.GradientUploadInterval = 0
			return b
		}(),
	}
	for name, info := range cases {
		info := info
		addr := serveFake(t, func(msg CommandMsg) (CommandReply, error) {
			return CommandReply{Ack: true, Bootstrap: info}, nil
		})
		err := runWorker(t, WorkerConfig{WorkerId: 1, CoordAddr: addr})
		if !errors.Is(err, ErrProtocolViolation) {
			t.Errorf("%s: expected a protocol violation but got %v", name, err)
		}
	}
}

func TestWorkerDetectsLostCoordinator(t *testing.T) {
	m := shm.NewManifest(t.TempDir(), "fake", canaryLayout(), false)
	ps, err := shm.CreateParamStore(m, filled(canaryInit), 0)
	if err != nil {
		t.Fatalf("create parameter store: %v", err)
	}
	defer ps.Destroy()
	gb, err := shm.CreateGradBuffer(m, 0)
	if err != nil {
		t.Fatalf("create gradient buffer: %v", err)
	}
	defer gb.Destroy()

	// a socket that never acks
	silent, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer silent.Close()

	info := fakeBootstrap(m, nil)
	info.HeartbeatAddr = silent.LocalAddr().String()
	addr := serveFake(t, func(msg CommandMsg) (CommandReply, error) {
		if msg.Tag == CMD_BOOTSTRAP {
			return CommandReply{Ack: true, Bootstrap: info}, nil
		}
		time.Sleep(time.Millisecond)
		return CommandReply{Ack: true}, nil
	})
	err = runWorker(t, WorkerConfig{WorkerId: 2, CoordAddr: addr, LostMsgsThresh: 2, HeartbeatRTTMs: 20})
	if !errors.Is(err, ErrCoordinatorLost) {
		t.Errorf("expected ErrCoordinatorLost but got %v", err)
	}
}

func TestWorkerUploadCadence(t *testing.T) {
	m := shm.NewManifest(t.TempDir(), "fake", canaryLayout(), false)
	ps, err := shm.CreateParamStore(m, filled(canaryInit), 0)
	if err != nil {
		t.Fatalf("create parameter store: %v", err)
	}
	defer ps.Destroy()
	gb, err := shm.CreateGradBuffer(m, 0)
	if err != nil {
		t.Fatalf("create gradient buffer: %v", err)
	}
	defer gb.Destroy()

	// episodes of 5 steps with an interval of 2 upload after local steps 2, 4 and 5
	var (
		mu   sync.Mutex
		tags []string
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	addr := serveFake(t, func(msg CommandMsg) (CommandReply, error) {
		if msg.Tag == CMD_BOOTSTRAP {
			return CommandReply{Ack: true, Bootstrap: fakeBootstrap(m, learner.Options{"episode_length": 5})}, nil
		}
		mu.Lock()
		defer mu.Unlock()
		tags = append(tags, msg.Tag)
		if len(tags) == 16 {
			cancel()
		}
		return CommandReply{Ack: true, Step: uint64(len(tags))}, nil
	})
	if err := NewWorker(WorkerConfig{WorkerId: 0, CoordAddr: addr}).Run(ctx); err != nil {
		t.Fatalf("expected a clean stop but got %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	want := []string{
		CMD_STEP, CMD_UPLOAD_GRADIENT, CMD_STEP, CMD_STEP, CMD_UPLOAD_GRADIENT, CMD_STEP, CMD_UPLOAD_GRADIENT, CMD_STEP,
		CMD_STEP, CMD_UPLOAD_GRADIENT, CMD_STEP, CMD_STEP, CMD_UPLOAD_GRADIENT, CMD_STEP, CMD_UPLOAD_GRADIENT, CMD_STEP,
	}
	for i := range want {
		if i >= len(tags) || tags[i] != want[i] {
			t.Fatalf("expected commands %v but got %v", want, tags)
		}
	}
}

func TestCallTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	addr := serveFake(t, func(msg CommandMsg) (CommandReply, error) {
		<-release
		return CommandReply{Ack: true}, nil
	})
	cl, err := DialControl(context.Background(), addr, 0, time.Second, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer cl.Close()
	if _, err := cl.Step(context.Background()); !errors.Is(err, ErrCallTimeout) {
		t.Errorf("expected ErrCallTimeout but got %v", err)
	}
}

func TestDialGivesUp(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := lis.Addr().String()
	lis.Close()
	if _, err := DialControl(context.Background(), addr, 0, 200*time.Millisecond, 0); err == nil {
		t.Errorf("expected dialing a closed port to fail")
	}
}
