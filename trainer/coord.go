package trainer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/rpc"
	"sync"
	"time"

	"asyntrain/checkpoint"
	fchecker "asyntrain/fcheck"
	"asyntrain/learner"
	"asyntrain/params"
	"asyntrain/shm"
	"asyntrain/util"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

type request struct {
	msg   CommandMsg
	reply chan response
}

type response struct {
	reply CommandReply
	err   error
}

type adminRequest struct {
	op    string
	reply chan adminResponse
}

type adminResponse struct {
	status Status
	grad   *params.Vector
	err    error
}

// Coord owns the canonical parameters of a training session. All control
// commands, console commands and admin calls are executed one at a time by
// the service loop in Run, which is the only writer of the parameter
// regions.
type Coord struct {
	config   CoordConfig
	model    learner.Model
	rule     learner.UpdateRule
	store    checkpoint.Store
	launcher Launcher
	console  *Console

	manifest   shm.Manifest
	bootstrap  BootstrapInfo
	paramStore *shm.ParamStore
	gradBuffer *shm.GradBuffer

	vars     *params.Vector
	gradBuf  *params.Vector
	lastGrad *params.Vector

	stepTotal         uint64
	gradientsApplied  uint64
	lastCheckpoint    uint64
	lastCheckpointErr error

	requests  chan request
	admin     chan adminRequest
	fatal     chan error
	done      chan struct{}
	doneOnce  sync.Once
	ready     chan struct{}
	listeners errgroup.Group // accept and serve loops
	wg        sync.WaitGroup // one per control connection
	rpcServer *rpc.Server

	controlListener net.Listener
	connsMu         sync.Mutex
	conns           map[net.Conn]struct{}
	responder       *fchecker.Responder
	grpcServer      *grpc.Server
	adminListener   net.Listener
	httpServer      *http.Server
	httpListener    net.Listener

	// stepHook runs inside the service loop after every step command.
	stepHook func(step uint64)
}

// ControlService is the net/rpc receiver of the control channel.
type ControlService struct {
	c *Coord
}

// NewCoord prepares a coordinator. store may be nil to build one from the
// config; launcher and console may be nil to run without workers or without
// an operator console.
func NewCoord(config CoordConfig, launcher Launcher, store checkpoint.Store, console *Console) (*Coord, error) {
	config = config.withDefaults()
	if err := config.validate(); err != nil {
		return nil, err
	}
	model, err := learner.New(config.Model.Name, config.Model.Options)
	if err != nil {
		return nil, err
	}
	if err := model.Layout().Validate(); err != nil {
		return nil, fmt.Errorf("model %s: %w", config.Model.Name, err)
	}
	if store == nil {
		store, err = checkpoint.NewStore(config.Checkpoint)
		if err != nil {
			return nil, err
		}
	}

	c := &Coord{
		config:    config,
		model:     model,
		rule:      model.NewUpdateRule(),
		store:     store,
		launcher:  launcher,
		console:   console,
		requests:  make(chan request),
		admin:     make(chan adminRequest),
		fatal:     make(chan error, 1),
		done:      make(chan struct{}),
		ready:     make(chan struct{}),
		rpcServer: rpc.NewServer(),
		conns:     make(map[net.Conn]struct{}),
	}
	if err := c.rpcServer.RegisterName("Coord", &ControlService{c: c}); err != nil {
		return nil, err
	}
	return c, nil
}

// Run starts the session and serves it until a quit command, a fatal error
// or ctx is done. Every exit path tears the session down: workers are
// stopped, listeners closed, and every shared region destroyed.
func (c *Coord) Run(ctx context.Context) error {
	defer c.teardown()
	if err := c.start(ctx); err != nil {
		log.Printf("Coord: startup failed: %v\n", err)
		return err
	}
	close(c.ready)
	err := c.serve(ctx)
	if err != nil {
		log.Printf("Coord: service loop stopped: %v\n", err)
	}
	return err
}

func (c *Coord) start(ctx context.Context) error {
	if err := c.store.Init(ctx); err != nil {
		return fmt.Errorf("%w: init checkpoint store: %v", ErrPersistenceFailure, err)
	}

	layout := c.model.Layout()
	initial := c.model.InitialParams()
	if c.config.ResumeFromCheckpoint {
		ckpt, ok, err := c.store.Latest(ctx, c.config.Run)
		switch {
		case err != nil:
			return fmt.Errorf("%w: load checkpoint: %v", ErrPersistenceFailure, err)
		case !ok:
			log.Printf("Coord: no checkpoint for run %s, starting fresh\n", c.config.Run)
		case !ckpt.Params.Layout().Equal(layout):
			return fmt.Errorf("checkpoint of run %s at step %d: %w", c.config.Run, ckpt.Step, params.ErrLayoutMismatch)
		default:
			initial = ckpt.Params
			c.stepTotal = ckpt.Step
			c.lastCheckpoint = ckpt.Step
			log.Printf("Coord: resuming run %s from step %s\n", c.config.Run, humanize.Comma(int64(ckpt.Step)))
		}
	}

	c.manifest = shm.NewManifest(c.config.ShmDir, c.config.Session, layout, c.model.HasTarget())
	var err error
	c.paramStore, err = shm.CreateParamStore(c.manifest, initial, c.config.lockTimeout())
	if err != nil {
		return err
	}
	c.gradBuffer, err = shm.CreateGradBuffer(c.manifest, c.config.lockTimeout())
	if err != nil {
		return err
	}
	c.vars = initial.Clone()
	c.gradBuf = params.New(layout)
	log.Printf(
		"Coord: session %s created %d parameter tensors (%s) in %s\n",
		c.config.Session, len(layout), humanize.Bytes(uint64(4*c.vars.Len())), c.config.ShmDir,
	)

	if hbAddr := c.config.HeartbeatListenAddr; hbAddr != "" {
		if hbAddr == HeartbeatAuto {
			hbAddr = util.IPEmptyPortOnly(c.config.WorkerAPIListenAddr)
		}
		c.responder, err = fchecker.StartResponder(hbAddr)
		if err != nil {
			return err
		}
	}
	if err := c.listenWorkers(c.config.WorkerAPIListenAddr); err != nil {
		return err
	}
	if err := c.listenAdmin(); err != nil {
		return err
	}

	c.bootstrap = BootstrapInfo{
		Session:                c.config.Session,
		Manifest:               c.manifest,
		Model:                  c.config.Model,
		GradientUploadInterval: c.config.GradientUploadInterval,
		LockTimeoutMs:          c.config.LockTimeoutMs,
	}
	if c.responder != nil {
		c.bootstrap.HeartbeatAddr = c.responder.Addr()
	}

	if c.launcher != nil {
		for i := 0; i < c.config.WorkerCount; i++ {
			if err := c.launcher.Launch(uint32(i), c.ControlAddr()); err != nil {
				return err
			}
		}
		log.Printf("Coord: launched %d workers\n", c.config.WorkerCount)
	}
	return nil
}

func (c *Coord) serve(ctx context.Context) error {
	var wake <-chan struct{}
	if c.console != nil {
		c.console.Start()
		wake = c.console.Wake()
	}
	for {
		if c.console != nil {
			if line, ok := c.console.Poll(); ok {
				quit, err := c.interrupt(ctx, line)
				if err != nil || quit {
					return err
				}
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-c.fatal:
			return err
		case req := <-c.requests:
			if err := c.handle(ctx, req); err != nil {
				return err
			}
		case a := <-c.admin:
			if c.handleAdmin(ctx, a) {
				return nil
			}
		case <-wake:
		}
	}
}

func (c *Coord) handle(ctx context.Context, req request) error {
	var resp response
	switch req.msg.Tag {
	case CMD_BOOTSTRAP:
		info := c.bootstrap
		resp.reply = CommandReply{Ack: true, Step: c.stepTotal, Bootstrap: &info}
	case CMD_STEP:
		resp.reply, resp.err = c.step(ctx)
	case CMD_UPLOAD_GRADIENT:
		resp.reply, resp.err = c.applyGradient(ctx, shm.Stamp{Worker: req.msg.WorkerId, Seq: req.msg.Seq})
	default:
		resp.err = fmt.Errorf("%w: unknown command %q from worker %d", ErrProtocolViolation, req.msg.Tag, req.msg.WorkerId)
	}
	req.reply <- resp
	if errors.Is(resp.err, shm.ErrStaleGradient) {
		// the uploader stopped waiting; nothing was applied
		log.Printf("Coord: dropped upload from worker %d: %v\n", req.msg.WorkerId, resp.err)
		return nil
	}
	return resp.err
}

func (c *Coord) step(ctx context.Context) (CommandReply, error) {
	c.stepTotal++
	if c.stepTotal%c.config.TargetRefreshInterval == 0 {
		if err := c.paramStore.SnapshotTarget(ctx); err != nil {
			return CommandReply{}, fmt.Errorf("refresh target at step %d: %w", c.stepTotal, err)
		}
	}
	if c.stepTotal%c.config.CheckpointInterval == 0 {
		// failures are reported by save and never stop training
		c.save(ctx)
	}
	if c.stepHook != nil {
		c.stepHook(c.stepTotal)
	}
	return CommandReply{Ack: true, Step: c.stepTotal}, nil
}

// applyGradient runs the update rule on the staged gradient. Nothing is
// written to the parameter regions unless the rule succeeds.
func (c *Coord) applyGradient(ctx context.Context, stamp shm.Stamp) (CommandReply, error) {
	if err := c.gradBuffer.Load(c.gradBuf, stamp); err != nil {
		if errors.Is(err, shm.ErrStaleGradient) {
			return CommandReply{}, err
		}
		return CommandReply{}, fmt.Errorf("%w: read gradient: %v", ErrUpdateRuleFailure, err)
	}
	next, err := c.rule.ApplyUpdate(c.vars, c.gradBuf)
	if err != nil {
		return CommandReply{}, fmt.Errorf("%w: %v", ErrUpdateRuleFailure, err)
	}
	if next == nil || !next.Layout().Equal(c.manifest.Layout) {
		return CommandReply{}, fmt.Errorf("%w: update rule returned parameters with the wrong layout", ErrUpdateRuleFailure)
	}
	if err := c.paramStore.Publish(ctx, next); err != nil {
		return CommandReply{}, fmt.Errorf("publish parameters: %w", err)
	}
	c.vars = next
	c.lastGrad, c.gradBuf = c.gradBuf, c.lastGrad
	if c.gradBuf == nil {
		c.gradBuf = params.New(c.manifest.Layout)
	}
	c.gradientsApplied++
	return CommandReply{Ack: true, Step: c.stepTotal}, nil
}

func (c *Coord) save(ctx context.Context) error {
	start := time.Now()
	ckpt := checkpoint.Checkpoint{
		Run:     c.config.Run,
		Step:    c.stepTotal,
		Params:  c.vars,
		SavedAt: start.UTC(),
	}
	if err := c.store.Save(ctx, ckpt); err != nil {
		err = fmt.Errorf("%w: checkpoint at step %d: %v", ErrPersistenceFailure, c.stepTotal, err)
		c.lastCheckpointErr = err
		log.Printf("Coord: %v\n", err)
		if c.console != nil {
			c.console.Printf("%v\n", err)
		}
		return err
	}
	c.lastCheckpoint = c.stepTotal
	c.lastCheckpointErr = nil
	log.Printf(
		"Coord: saved %s checkpoint at step %s in %v\n",
		humanize.Bytes(uint64(4*c.vars.Len())), humanize.Comma(int64(c.stepTotal)), time.Since(start),
	)
	return nil
}

// interrupt pauses the loop for operator input. It returns true when the
// operator asked to quit.
func (c *Coord) interrupt(ctx context.Context, line string) (bool, error) {
	c.console.Printf("interrupted at step %d\n", c.stepTotal)
	for {
		switch line {
		case "":
		case OP_CONTINUE:
			c.console.Printf("continuing\n")
			return false, nil
		case OP_QUIT:
			log.Printf("Coord: quit requested from console\n")
			return true, nil
		case OP_SAVE:
			if err := c.save(ctx); err == nil {
				c.console.Printf("saved checkpoint at step %d\n", c.stepTotal)
			}
		case OP_GRAD:
			c.console.Printf("%s\n", formatGradient(c.lastGrad))
		case OP_STATUS:
			c.console.Printf("%+v\n", c.status())
		default:
			c.console.Printf("unrecognized command %q\n", line)
		}

		c.console.Prompt()
		var err error
		line, err = c.console.Next(ctx)
		if errors.Is(err, io.EOF) {
			log.Printf("Coord: console input closed, continuing\n")
			return false, nil
		}
		if err != nil {
			return false, err
		}
	}
}

func formatGradient(g *params.Vector) string {
	if g == nil {
		return "no gradient applied yet"
	}
	s := ""
	for _, t := range g.Tensors {
		s += fmt.Sprintf("%s%v: %v\n", t.Name, t.Shape, t.Data)
	}
	return s
}

func (c *Coord) handleAdmin(ctx context.Context, a adminRequest) bool {
	var resp adminResponse
	quit := false
	switch a.op {
	case OP_STATUS:
		resp.status = c.status()
	case OP_SAVE:
		resp.err = c.save(ctx)
		resp.status = c.status()
	case OP_GRAD:
		if c.lastGrad != nil {
			resp.grad = c.lastGrad.Clone()
		}
		resp.status = c.status()
	case OP_QUIT:
		log.Printf("Coord: quit requested through admin API\n")
		resp.status = c.status()
		quit = true
	default:
		resp.err = fmt.Errorf("unrecognized command %q", a.op)
	}
	a.reply <- resp
	return quit
}

func (c *Coord) status() Status {
	s := Status{
		Session:          c.config.Session,
		Step:             c.stepTotal,
		Workers:          c.config.WorkerCount,
		GradientsApplied: c.gradientsApplied,
		LastCheckpoint:   c.lastCheckpoint,
	}
	if c.launcher != nil {
		s.RunningWorkers = c.launcher.Running()
	}
	if c.lastCheckpointErr != nil {
		s.LastCheckpointError = c.lastCheckpointErr.Error()
	}
	return s
}

// Do runs an operator command (status, save, grad or quit) inside the
// service loop and returns its result. grad returns nil until the first
// gradient has been applied.
func (c *Coord) Do(ctx context.Context, op string) (Status, *params.Vector, error) {
	a := adminRequest{op: op, reply: make(chan adminResponse, 1)}
	select {
	case c.admin <- a:
	case <-c.done:
		return Status{}, nil, ErrShutdown
	case <-ctx.Done():
		return Status{}, nil, ctx.Err()
	}
	select {
	case resp := <-a.reply:
		return resp.status, resp.grad, resp.err
	case <-c.done:
		select {
		case resp := <-a.reply:
			return resp.status, resp.grad, resp.err
		default:
			return Status{}, nil, ErrShutdown
		}
	case <-ctx.Done():
		return Status{}, nil, ctx.Err()
	}
}

// Command queues one control command for the service loop and waits for
// its reply.
func (s *ControlService) Command(msg CommandMsg, reply *CommandReply) error {
	c := s.c
	req := request{msg: msg, reply: make(chan response, 1)}
	select {
	case c.requests <- req:
	case <-c.done:
		return ErrShutdown
	}
	var resp response
	select {
	case resp = <-req.reply:
	case <-c.done:
		select {
		case resp = <-req.reply:
		default:
			return ErrShutdown
		}
	}
	*reply = resp.reply
	return resp.err
}

func (c *Coord) listenWorkers(addr string) error {
	wlisten, err := net.Listen("tcp", addr)
	if err != nil {
		log.Printf("listenWorkers: Error listening: %v\n", err)
		return err
	}
	c.controlListener = wlisten
	log.Printf("listenWorkers: Listening for workers at %v\n", wlisten.Addr())

	c.listeners.Go(func() error {
		for {
			conn, err := wlisten.Accept()
			if err != nil {
				select {
				case <-c.done:
					return nil
				default:
				}
				log.Printf("listenWorkers: Error accepting worker: %v\n", err)
				err = fmt.Errorf("control listener: %w", err)
				c.reportFatal(err)
				return err
			}
			c.trackConn(conn, true)
			c.wg.Add(1)
			go func() {
				defer c.wg.Done()
				// blocks while serving connection until the worker hangs up
				c.rpcServer.ServeConn(conn)
				c.trackConn(conn, false)
			}()
		}
	})
	return nil
}

func (c *Coord) trackConn(conn net.Conn, add bool) {
	c.connsMu.Lock()
	defer c.connsMu.Unlock()
	if add {
		c.conns[conn] = struct{}{}
	} else {
		delete(c.conns, conn)
	}
}

func (c *Coord) reportFatal(err error) {
	select {
	case c.fatal <- err:
	default:
	}
}

func (c *Coord) teardown() {
	c.doneOnce.Do(func() { close(c.done) })

	if c.responder != nil {
		c.responder.Stop()
	}
	if c.launcher != nil {
		if err := c.launcher.StopAll(c.config.workerStopTimeout()); err != nil {
			log.Printf("Coord: teardown: stopping workers: %v\n", err)
		}
	}

	if c.controlListener != nil {
		c.controlListener.Close()
	}
	c.connsMu.Lock()
	for conn := range c.conns {
		conn.Close()
	}
	c.connsMu.Unlock()
	c.stopAdmin()
	if err := c.listeners.Wait(); err != nil {
		log.Printf("Coord: teardown: listener: %v\n", err)
	}
	c.wg.Wait()

	if c.gradBuffer != nil {
		if err := c.gradBuffer.Destroy(); err != nil {
			log.Printf("Coord: teardown: gradient buffer: %v\n", err)
		}
	}
	if c.paramStore != nil {
		if err := c.paramStore.Destroy(); err != nil {
			log.Printf("Coord: teardown: parameter store: %v\n", err)
		}
	}
	if err := c.store.Close(); err != nil {
		log.Printf("Coord: teardown: checkpoint store: %v\n", err)
	}
	log.Printf("Coord: session %s torn down at step %d\n", c.config.Session, c.stepTotal)
}

// Ready is closed once the session is created and every listener is up.
func (c *Coord) Ready() <-chan struct{} { return c.ready }

// ControlAddr is the address workers dial. Valid after Ready.
func (c *Coord) ControlAddr() string {
	if c.controlListener == nil {
		return ""
	}
	return c.controlListener.Addr().String()
}

func (c *Coord) Manifest() shm.Manifest { return c.manifest }

func (c *Coord) Session() string { return c.config.Session }
