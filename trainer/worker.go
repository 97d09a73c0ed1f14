package trainer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	fchecker "asyntrain/fcheck"
	"asyntrain/learner"
	"asyntrain/params"
	"asyntrain/shm"
	"asyntrain/util"
)

// Worker runs one episodic loop against a coordinator's shared parameters.
type Worker struct {
	config WorkerConfig

	client     *ControlClient
	info       *BootstrapInfo
	agent      learner.Agent
	paramStore *shm.ParamStore
	gradBuffer *shm.GradBuffer
	monitor    *fchecker.Monitor

	vars   *params.Vector
	target *params.Vector

	interval  int
	steps     uint64
	uploads   uint64
	lastStep  uint64
	coordLost atomic.Bool
}

func NewWorker(config WorkerConfig) *Worker {
	return &Worker{config: config}
}

// Run joins the session and trains until ctx is done or the worker fails.
// A cancelled ctx or a coordinator shutdown is a clean exit and returns nil.
func (w *Worker) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer w.close()

	if err := w.join(ctx, cancel); err != nil {
		return w.exitErr(ctx, err)
	}
	log.Printf(
		"Worker %d: joined session %s, uploading every %d steps\n",
		w.config.WorkerId, w.info.Session, w.interval,
	)
	return w.exitErr(ctx, w.loop(ctx))
}

func (w *Worker) exitErr(ctx context.Context, err error) error {
	if w.coordLost.Load() {
		return fmt.Errorf("%w: no heartbeat acks from %s", ErrCoordinatorLost, w.info.HeartbeatAddr)
	}
	stopped := err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err())
	if stopped || errors.Is(err, ErrShutdown) {
		log.Printf("Worker %d: stopped after %d steps and %d uploads\n", w.config.WorkerId, w.steps, w.uploads)
		return nil
	}
	if err != nil {
		log.Printf("Worker %d: exiting: %v\n", w.config.WorkerId, err)
	}
	return err
}

func (w *Worker) join(ctx context.Context, cancel context.CancelFunc) error {
	var err error
	w.client, err = DialControl(ctx, w.config.CoordAddr, w.config.WorkerId, w.config.dialTimeout(), w.config.callTimeout())
	if err != nil {
		return err
	}
	w.info, err = w.client.Bootstrap(ctx)
	if err != nil {
		return err
	}

	model, err := learner.New(w.info.Model.Name, w.info.Model.Options)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}
	if !model.Layout().Equal(w.info.Manifest.Layout) {
		return fmt.Errorf("%w: model %s does not match the shared buffers", ErrProtocolViolation, w.info.Model.Name)
	}

	lockTimeout := time.Duration(w.info.LockTimeoutMs) * time.Millisecond
	if w.config.LockTimeoutMs > 0 {
		lockTimeout = time.Duration(w.config.LockTimeoutMs) * time.Millisecond
	}
	w.paramStore, err = shm.AttachParamStore(w.info.Manifest, lockTimeout)
	if err != nil {
		return err
	}
	w.gradBuffer, err = shm.AttachGradBuffer(w.info.Manifest, lockTimeout)
	if err != nil {
		return err
	}

	if w.info.HeartbeatAddr != "" {
		w.monitor, err = fchecker.StartMonitor(fchecker.MonitorConfig{
			HBeatRemoteAddr: w.info.HeartbeatAddr,
			EpochNonce:      uint64(time.Now().UnixNano()) + uint64(w.config.WorkerId),
			LostMsgThresh:   w.config.LostMsgsThresh,
			RTT:             time.Duration(w.config.HeartbeatRTTMs) * time.Millisecond,
		})
		if err != nil {
			return err
		}
		go func(notify <-chan fchecker.FailureDetected) {
			select {
			case f, ok := <-notify:
				if ok {
					log.Printf("Worker %d: coordinator %s failed at %v\n", w.config.WorkerId, f.UDPIpPort, f.Timestamp)
					w.coordLost.Store(true)
					cancel()
				}
			case <-ctx.Done():
			}
		}(w.monitor.Notify())
	}

	seed := w.config.Seed
	if seed == 0 {
		seed = util.WorkerSeed(w.info.Session, w.config.WorkerId)
	}
	w.agent = model.NewAgent(seed)

	w.interval = w.info.GradientUploadInterval
	if w.config.GradientUploadInterval > 0 {
		w.interval = w.config.GradientUploadInterval
	}
	w.vars = params.New(w.info.Manifest.Layout)
	if w.info.Manifest.HasTarget() {
		w.target = params.New(w.info.Manifest.Layout)
	}
	return w.refresh(ctx)
}

// refresh copies the shared parameters (and target) into the local copies.
func (w *Worker) refresh(ctx context.Context) error {
	return w.paramStore.Read(ctx, w.vars, w.target)
}

func (w *Worker) loop(ctx context.Context) error {
	for {
		w.agent.StartEpisode()
		for local := 1; ; local++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			inEpisode, err := w.agent.Step(w.vars)
			if err != nil {
				return fmt.Errorf("environment step: %w", err)
			}

			uploaded := false
			if !inEpisode || local%w.interval == 0 {
				if err := w.upload(ctx); err != nil {
					return err
				}
				uploaded = true
			}

			w.lastStep, err = w.client.Step(ctx)
			if err != nil {
				return err
			}
			w.steps++

			if uploaded {
				if err := w.refresh(ctx); err != nil {
					return err
				}
			}
			if !inEpisode {
				break
			}
		}
	}
}

// upload computes a gradient from a sampled batch and hands it to the
// coordinator under the Gradient Lock.
func (w *Worker) upload(ctx context.Context) error {
	batch, ok := w.agent.Sample()
	if !ok {
		batch = learner.Batch{}
	}
	target := w.target
	if target == nil {
		target = w.vars
	}
	grad, errs, err := w.agent.ComputeGradient(batch, w.vars, target)
	if err != nil {
		return fmt.Errorf("compute gradient: %w", err)
	}
	if batch.Len() > 0 {
		w.agent.UpdatePriorities(batch, errs)
	}
	if err := w.client.UploadGradient(ctx, w.gradBuffer, grad); err != nil {
		return err
	}
	w.uploads++
	return nil
}

func (w *Worker) close() {
	if w.monitor != nil {
		w.monitor.Stop()
	}
	if w.gradBuffer != nil {
		w.gradBuffer.Close()
	}
	if w.paramStore != nil {
		w.paramStore.Close()
	}
	if w.client != nil {
		w.client.Close()
	}
}

// Steps is the number of step commands this worker has had acknowledged.
func (w *Worker) Steps() uint64 { return w.steps }

func (w *Worker) Uploads() uint64 { return w.uploads }
