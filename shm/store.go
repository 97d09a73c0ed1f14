package shm

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"asyntrain/params"
)

var (
	ErrMalformedManifest = errors.New("malformed shared buffer manifest")
	ErrStaleGradient     = errors.New("staged gradient does not match the request")
)

// lockAttempts bounds how often a timed out lock is reset and retried before
// ErrLockTimeout reaches the caller.
const lockAttempts = 3

// Manifest is everything a process needs to attach to a training session's
// shared buffers. It is created once by the owner and never changes.
type Manifest struct {
	Dir        string
	Layout     params.Layout
	Vars       []Desc
	TargetVars []Desc
	Grads      []Desc
	ParamLock  string
	GradLock   string
}

func (m Manifest) HasTarget() bool { return len(m.TargetVars) > 0 }

// Validate checks that every region agrees with the layout.
func (m Manifest) Validate() error {
	if m.Dir == "" || m.ParamLock == "" || m.GradLock == "" {
		return fmt.Errorf("%w: missing directory or lock names", ErrMalformedManifest)
	}
	if err := m.Layout.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedManifest, err)
	}
	check := func(kind string, descs []Desc) error {
		if len(descs) != len(m.Layout) {
			return fmt.Errorf("%w: %d %s buffers for %d tensors", ErrMalformedManifest, len(descs), kind, len(m.Layout))
		}
		for i, d := range descs {
			spec := params.Spec{Name: m.Layout[i].Name, Shape: d.Shape, DType: d.DType}
			if !spec.Equal(m.Layout[i]) {
				return fmt.Errorf("%w: %s buffer %s is %v, tensor is %v", ErrMalformedManifest, kind, d.Name, spec, m.Layout[i])
			}
		}
		return nil
	}
	if err := check("vars", m.Vars); err != nil {
		return err
	}
	if err := check("grads", m.Grads); err != nil {
		return err
	}
	if m.HasTarget() {
		return check("target_vars", m.TargetVars)
	}
	return nil
}

func regionNames(session, kind string, layout params.Layout) []Desc {
	descs := make([]Desc, len(layout))
	for i, s := range layout {
		descs[i] = Desc{
			Name:  fmt.Sprintf("%s.%s.%d", session, kind, i),
			Shape: append([]int(nil), s.Shape...),
			DType: s.DType,
		}
	}
	return descs
}

// NewManifest names the buffers of a session rooted at dir.
func NewManifest(dir, session string, layout params.Layout, withTarget bool) Manifest {
	m := Manifest{
		Dir:       dir,
		Layout:    layout,
		Vars:      regionNames(session, "vars", layout),
		Grads:     regionNames(session, "grads", layout),
		ParamLock: session + ".params.lock",
		GradLock:  session + ".grads.lock",
	}
	if withTarget {
		m.TargetVars = regionNames(session, "target_vars", layout)
	}
	return m
}

// acquire retries a lock that timed out after dropping the descriptor. After
// lockAttempts timeouts in a row the last ErrLockTimeout is returned.
func acquire(ctx context.Context, l *Lock, what string) error {
	var err error
	for attempt := 1; attempt <= lockAttempts; attempt++ {
		err = l.Acquire(ctx)
		if !errors.Is(err, ErrLockTimeout) {
			return err
		}
		log.Printf("shm: %s lock timeout (attempt %d of %d), releasing: %v\n", what, attempt, lockAttempts, err)
		if rerr := l.Reset(); rerr != nil {
			return rerr
		}
	}
	return err
}

func attachAll(dir string, descs []Desc) ([]*Region, error) {
	regions := make([]*Region, 0, len(descs))
	for _, d := range descs {
		r, err := Attach(dir, d.Name)
		if err != nil {
			closeAll(regions)
			return nil, err
		}
		regions = append(regions, r)
	}
	return regions, nil
}

func createAll(dir string, descs []Desc, init *params.Vector) ([]*Region, error) {
	regions := make([]*Region, 0, len(descs))
	for i, d := range descs {
		var data []float32
		if init != nil {
			data = init.Tensors[i].Data
		}
		r, err := Create(dir, d, data)
		if err != nil {
			destroyAll(regions)
			return nil, err
		}
		regions = append(regions, r)
	}
	return regions, nil
}

func closeAll(regions []*Region) error {
	var first error
	for _, r := range regions {
		if err := r.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func destroyAll(regions []*Region) error {
	var first error
	for _, r := range regions {
		if err := r.Destroy(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func loadVector(regions []*Region, dst *params.Vector) error {
	if len(dst.Tensors) != len(regions) {
		return fmt.Errorf("%w: %d tensors, %d buffers", ErrShapeMismatch, len(dst.Tensors), len(regions))
	}
	for i, r := range regions {
		if err := r.Load(dst.Tensors[i].Data); err != nil {
			return err
		}
	}
	return nil
}

func storeVector(regions []*Region, src *params.Vector) error {
	if len(src.Tensors) != len(regions) {
		return fmt.Errorf("%w: %d tensors, %d buffers", ErrShapeMismatch, len(src.Tensors), len(regions))
	}
	for i, r := range regions {
		if err := r.Store(src.Tensors[i].Data); err != nil {
			return err
		}
	}
	return nil
}

// ParamStore holds the parameter and target parameter regions together with
// the Parameter Lock. Every method that touches region contents takes the
// lock for the duration of the copy.
type ParamStore struct {
	manifest Manifest
	vars     []*Region
	target   []*Region
	lock     *Lock
	owner    bool
}

// CreateParamStore allocates the parameter regions described by m and fills
// vars (and target, if m has one) with init.
func CreateParamStore(m Manifest, init *params.Vector, lockTimeout time.Duration) (*ParamStore, error) {
	if !init.Layout().Equal(m.Layout) {
		return nil, fmt.Errorf("%w: initial parameters do not match layout", params.ErrLayoutMismatch)
	}
	lock, err := CreateLock(m.Dir, m.ParamLock, lockTimeout)
	if err != nil {
		return nil, err
	}
	vars, err := createAll(m.Dir, m.Vars, init)
	if err != nil {
		lock.Destroy()
		return nil, err
	}
	var target []*Region
	if m.HasTarget() {
		target, err = createAll(m.Dir, m.TargetVars, init)
		if err != nil {
			destroyAll(vars)
			lock.Destroy()
			return nil, err
		}
	}
	return &ParamStore{manifest: m, vars: vars, target: target, lock: lock, owner: true}, nil
}

// AttachParamStore maps the parameter regions of an existing session.
func AttachParamStore(m Manifest, lockTimeout time.Duration) (*ParamStore, error) {
	lock, err := OpenLock(m.Dir, m.ParamLock, lockTimeout)
	if err != nil {
		return nil, err
	}
	vars, err := attachAll(m.Dir, m.Vars)
	if err != nil {
		lock.Close()
		return nil, err
	}
	var target []*Region
	if m.HasTarget() {
		target, err = attachAll(m.Dir, m.TargetVars)
		if err != nil {
			closeAll(vars)
			lock.Close()
			return nil, err
		}
	}
	return &ParamStore{manifest: m, vars: vars, target: target, lock: lock}, nil
}

func (s *ParamStore) HasTarget() bool { return len(s.target) > 0 }

func (s *ParamStore) Layout() params.Layout { return s.manifest.Layout }

func (s *ParamStore) withLock(ctx context.Context, fn func() error) error {
	if err := acquire(ctx, s.lock, "parameter"); err != nil {
		return err
	}
	defer s.lock.Release()
	return fn()
}

// Publish overwrites the parameter regions with v.
func (s *ParamStore) Publish(ctx context.Context, v *params.Vector) error {
	return s.withLock(ctx, func() error {
		return storeVector(s.vars, v)
	})
}

// SnapshotTarget replaces the target regions with the current parameters.
func (s *ParamStore) SnapshotTarget(ctx context.Context) error {
	if !s.HasTarget() {
		return nil
	}
	return s.withLock(ctx, func() error {
		for i := range s.vars {
			if err := s.target[i].CopyFrom(s.vars[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

// Read copies the parameters into vars and, when both exist, the target
// parameters into target. Either destination may be nil.
func (s *ParamStore) Read(ctx context.Context, vars, target *params.Vector) error {
	return s.withLock(ctx, func() error {
		if vars != nil {
			if err := loadVector(s.vars, vars); err != nil {
				return err
			}
		}
		if target != nil && s.HasTarget() {
			return loadVector(s.target, target)
		}
		return nil
	})
}

// Close unmaps the regions and closes the lock without removing anything.
func (s *ParamStore) Close() error {
	err := closeAll(s.vars)
	if terr := closeAll(s.target); err == nil {
		err = terr
	}
	if lerr := s.lock.Close(); err == nil {
		err = lerr
	}
	return err
}

// Destroy unmaps and unlinks every region and the lock file. Only the
// creating process may call it.
func (s *ParamStore) Destroy() error {
	if !s.owner {
		return errors.New("shm: only the creating process may destroy the parameter store")
	}
	err := destroyAll(s.vars)
	if terr := destroyAll(s.target); err == nil {
		err = terr
	}
	if lerr := s.lock.Destroy(); err == nil {
		err = lerr
	}
	return err
}

// GradBuffer holds the gradient staging regions together with the Gradient
// Lock.
type GradBuffer struct {
	manifest Manifest
	regions  []*Region
	lock     *Lock
	owner    bool
}

func CreateGradBuffer(m Manifest, lockTimeout time.Duration) (*GradBuffer, error) {
	lock, err := CreateLock(m.Dir, m.GradLock, lockTimeout)
	if err != nil {
		return nil, err
	}
	regions, err := createAll(m.Dir, m.Grads, nil)
	if err != nil {
		lock.Destroy()
		return nil, err
	}
	return &GradBuffer{manifest: m, regions: regions, lock: lock, owner: true}, nil
}

func AttachGradBuffer(m Manifest, lockTimeout time.Duration) (*GradBuffer, error) {
	lock, err := OpenLock(m.Dir, m.GradLock, lockTimeout)
	if err != nil {
		return nil, err
	}
	regions, err := attachAll(m.Dir, m.Grads)
	if err != nil {
		lock.Close()
		return nil, err
	}
	return &GradBuffer{manifest: m, regions: regions, lock: lock}, nil
}

// Upload stages grad under stamp and calls send while still holding the
// Gradient Lock. The lock is released only after send returns, so the staged
// gradient stays untouched until the reader has acknowledged it.
func (g *GradBuffer) Upload(ctx context.Context, grad *params.Vector, stamp Stamp, send func(context.Context) error) error {
	if err := acquire(ctx, g.lock, "gradient"); err != nil {
		return err
	}
	defer g.lock.Release()
	// the stamp goes first so a reader of the old stamp sees it change
	if err := g.lock.writeStamp(stamp); err != nil {
		return err
	}
	if err := storeVector(g.regions, grad); err != nil {
		return err
	}
	return send(ctx)
}

// Load reads the staged gradient announced as want. It takes no lock: the
// reader runs while the uploader waits for its acknowledgement. If the
// uploader gave up and another one has taken the lock since, the stamp no
// longer matches before or after the copy and Load fails with
// ErrStaleGradient.
func (g *GradBuffer) Load(dst *params.Vector, want Stamp) error {
	if err := g.checkStamp(want); err != nil {
		return err
	}
	if err := loadVector(g.regions, dst); err != nil {
		return err
	}
	return g.checkStamp(want)
}

func (g *GradBuffer) checkStamp(want Stamp) error {
	got, err := g.lock.readStamp()
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("%w: staged %d/%d, announced %d/%d", ErrStaleGradient, got.Worker, got.Seq, want.Worker, want.Seq)
	}
	return nil
}

func (g *GradBuffer) Close() error {
	err := closeAll(g.regions)
	if lerr := g.lock.Close(); err == nil {
		err = lerr
	}
	return err
}

func (g *GradBuffer) Destroy() error {
	if !g.owner {
		return errors.New("shm: only the creating process may destroy the gradient buffer")
	}
	err := destroyAll(g.regions)
	if lerr := g.lock.Destroy(); err == nil {
		err = lerr
	}
	return err
}
